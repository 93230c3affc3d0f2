// Package gate enforces that a viewer cannot move through a linear media
// timeline faster than they have already watched it.
//
// A Gate is not safe for concurrent use. Position reports and timer
// callbacks are expected to arrive on one goroutine, normally a loop.Loop.
package gate

import (
	"time"

	"votecommit/loop"
)

// State is where an activation stands. Completed is absorbing until Reset.
type State int

const (
	NotStarted State = iota
	InProgress
	Completed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	}
	return "unknown"
}

// Mode selects how completion is established.
type Mode int

const (
	// Tracked gates on position reports from the player.
	Tracked Mode = iota
	// Fallback completes after a fixed timer. It proves only that time
	// passed, not that anything was watched.
	Fallback
)

const (
	DefaultTolerance        = 500 * time.Millisecond
	DefaultCompletionRatio  = 0.9
	DefaultFallbackDuration = 3 * time.Minute
)

// Decision answers a position report. When Allowed is false the player must
// seek back to SeekTo.
type Decision struct {
	Allowed bool
	SeekTo  time.Duration
}

type Option func(*Gate)

func WithTolerance(d time.Duration) Option {
	return func(g *Gate) { g.tolerance = d }
}

func WithCompletionRatio(r float64) Option {
	return func(g *Gate) { g.ratio = r }
}

func WithFallbackDuration(d time.Duration) Option {
	return func(g *Gate) { g.fallbackDuration = d }
}

// OnSkipPrevented is called for every rejected forward jump. Hooks add up:
// each one given is called, in option order.
func OnSkipPrevented(fn func(attempted, maxReached time.Duration)) Option {
	return func(g *Gate) { g.onSkip = append(g.onSkip, fn) }
}

// OnComplete is called once per activation when the gate opens. Hooks add
// up like OnSkipPrevented.
func OnComplete(fn func()) Option {
	return func(g *Gate) { g.onComplete = append(g.onComplete, fn) }
}

// Gate tracks one viewer's furthest watched position per activation.
type Gate struct {
	sched loop.Scheduler

	tolerance        time.Duration
	ratio            float64
	fallbackDuration time.Duration

	state      State
	mode       Mode
	total      time.Duration
	maxReached time.Duration
	skips      int

	// epoch invalidates fallback callbacks from earlier activations.
	epoch uint64
	timer loop.Timer

	onSkip     []func(attempted, maxReached time.Duration)
	onComplete []func()
}

// New returns a NotStarted gate whose fallback timer runs on sched.
func New(sched loop.Scheduler, opts ...Option) *Gate {
	g := &Gate{
		sched:            sched,
		tolerance:        DefaultTolerance,
		ratio:            DefaultCompletionRatio,
		fallbackDuration: DefaultFallbackDuration,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Activate starts a tracked session over a timeline of the given length. A
// non-positive total means the player cannot report positions, so the gate
// falls back to the timer.
func (g *Gate) Activate(total time.Duration) {
	if total <= 0 {
		g.ActivateFallback()
		return
	}

	g.Reset()
	g.state = InProgress
	g.mode = Tracked
	g.total = total
}

func (g *Gate) ActivateFallback() {
	g.Reset()
	g.state = InProgress
	g.mode = Fallback

	epoch := g.epoch
	g.timer = g.sched.AfterFunc(g.fallbackDuration, func() {
		if g.epoch != epoch {
			return
		}
		g.timer = nil
		g.complete()
	})
}

// ReportPosition applies one player position. Reports before activation and
// in fallback mode change nothing. Once completed, the viewer may seek
// freely but MaxReached still never decreases.
func (g *Gate) ReportPosition(p time.Duration) Decision {
	if p < 0 {
		p = 0
	}
	if g.state == NotStarted || g.mode == Fallback {
		return Decision{Allowed: true, SeekTo: p}
	}

	if g.state == InProgress && p > g.maxReached+g.tolerance {
		g.skips++
		for _, fn := range g.onSkip {
			fn(p, g.maxReached)
		}
		return Decision{Allowed: false, SeekTo: g.maxReached}
	}

	if p > g.maxReached {
		g.maxReached = p
	}
	if g.state == InProgress && g.reachedRatio() {
		g.complete()
	}
	return Decision{Allowed: true, SeekTo: p}
}

func (g *Gate) reachedRatio() bool {
	return float64(g.maxReached) >= float64(g.total)*g.ratio
}

func (g *Gate) complete() {
	if g.state == Completed {
		return
	}
	g.state = Completed
	g.stopTimer()
	for _, fn := range g.onComplete {
		fn()
	}
}

// Reset discards the current activation, including any pending fallback
// timer.
func (g *Gate) Reset() {
	g.stopTimer()
	g.epoch++
	g.state = NotStarted
	g.mode = Tracked
	g.total = 0
	g.maxReached = 0
	g.skips = 0
}

func (g *Gate) stopTimer() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// CanProceed reports whether the viewer may move past the media, which is
// true exactly when the gate is Completed.
func (g *Gate) CanProceed() bool {
	return g.state == Completed
}

func (g *Gate) State() State {
	return g.state
}

func (g *Gate) Mode() Mode {
	return g.mode
}

func (g *Gate) MaxReached() time.Duration {
	return g.maxReached
}

func (g *Gate) Total() time.Duration {
	return g.total
}

// SkipsPrevented counts rejected jumps in the current activation.
func (g *Gate) SkipsPrevented() int {
	return g.skips
}

// Progress is the watched fraction in [0, 1]. In fallback mode it is 0 until
// the timer fires.
func (g *Gate) Progress() float64 {
	if g.state == Completed {
		return 1
	}
	if g.total <= 0 {
		return 0
	}
	return min(float64(g.maxReached)/float64(g.total), 1)
}

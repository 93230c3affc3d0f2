package reveal

import (
	"math"
	"math/rand"
	"slices"
	"time"

	"votecommit/loop"
	"votecommit/models"
)

// Timing holds the fixed durations of the reveal sequence.
type Timing struct {
	// SpinInterval is how often a spinning cell shows a new random digit.
	SpinInterval time.Duration
	// SpinDwell is how long all cells spin before the first one falls.
	SpinDwell time.Duration
	// InterCellDelay separates one cell settling from the next one falling.
	InterCellDelay   time.Duration
	FallDuration     time.Duration
	BounceDuration   time.Duration
	InterWinnerDelay time.Duration
	FrameInterval    time.Duration
	// Overshoot is the bounce peak in cell heights.
	Overshoot float64
}

// DefaultTiming is the pacing used when no WithTiming option is given.
func DefaultTiming() Timing {
	return Timing{
		SpinInterval:     50 * time.Millisecond,
		SpinDwell:        2 * time.Second,
		InterCellDelay:   300 * time.Millisecond,
		FallDuration:     400 * time.Millisecond,
		BounceDuration:   240 * time.Millisecond,
		InterWinnerDelay: 1500 * time.Millisecond,
		FrameInterval:    16 * time.Millisecond,
		Overshoot:        0.18,
	}
}

func frames(total, frame time.Duration) int {
	if frame <= 0 || total <= 0 {
		return 1
	}
	return max(int((total+frame-1)/frame), 1)
}

type Option func(*Scheduler)

func WithTiming(t Timing) Option {
	return func(s *Scheduler) { s.timing = t }
}

// WithHandler receives every event synchronously, on the scheduler's
// execution context. The handler may call Cancel or Start.
func WithHandler(h Handler) Option {
	return func(s *Scheduler) { s.handler = h }
}

// WithRand fixes the source of spinning digits.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rnd = r }
}

// Scheduler reveals winners strictly in rank order, at most one at a time,
// and settles the digit cells of a winner strictly left to right.
//
// Every callback it schedules belongs to an activation. Cancel and Start
// stop all outstanding timers and bump the epoch, so a callback that still
// slips through is a no-op. Not safe for concurrent use; drive it from the
// scheduler's execution context.
type Scheduler struct {
	sched   loop.Scheduler
	timing  Timing
	handler Handler
	rnd     *rand.Rand

	session RevealSession

	epoch   uint64
	nextID  uint64
	timers  map[uint64]loop.Timer
	spinIDs [DigitCount]uint64
}

// New returns an idle scheduler whose timers run on sched.
func New(sched loop.Scheduler, opts ...Option) *Scheduler {
	s := &Scheduler{
		sched:   sched,
		timing:  DefaultTiming(),
		timers:  make(map[uint64]loop.Timer),
		session: RevealSession{CurrentWinnerIndex: -1},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(sched.Now().UnixNano()))
	}
	return s
}

// Start begins revealing winners, ordered by rank. A reveal already in
// progress is cancelled first. An empty list completes immediately.
func (s *Scheduler) Start(winners []models.WinnerEntry) {
	s.Cancel()

	ordered := slices.Clone(winners)
	slices.SortStableFunc(ordered, func(a, b models.WinnerEntry) int {
		return a.Rank - b.Rank
	})

	s.session = RevealSession{
		Winners:            ordered,
		CurrentWinnerIndex: -1,
		Phase:              PhaseRevealing,
	}

	if len(ordered) == 0 {
		s.session.Phase = PhaseComplete
		s.emit(Event{Kind: AllComplete})
		return
	}
	s.startWinner(0)
}

// Cancel stops every pending callback and returns the session to Idle with
// every cell Idle.
func (s *Scheduler) Cancel() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.spinIDs = [DigitCount]uint64{}
	s.epoch++
	s.session = RevealSession{CurrentWinnerIndex: -1}
}

func (s *Scheduler) Snapshot() RevealSession {
	return s.session.clone()
}

func (s *Scheduler) Phase() Phase {
	return s.session.Phase
}

// Pending returns the number of outstanding callbacks of the current
// activation.
func (s *Scheduler) Pending() int {
	return len(s.timers)
}

// emit reports whether the activation survived the handler.
func (s *Scheduler) emit(e Event) bool {
	epoch := s.epoch
	if s.handler != nil {
		s.handler(e)
	}
	return s.epoch == epoch
}

func (s *Scheduler) after(d time.Duration, fn func()) uint64 {
	epoch := s.epoch
	s.nextID++
	id := s.nextID
	s.timers[id] = s.sched.AfterFunc(d, func() {
		delete(s.timers, id)
		if s.epoch != epoch {
			return
		}
		fn()
	})
	return id
}

func (s *Scheduler) stop(id uint64) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) startWinner(index int) {
	s.session.CurrentWinnerIndex = index
	targets := DisplayDigits(s.session.Winners[index].Ticket)
	for d := range s.session.Cells {
		s.session.Cells[d] = DigitCell{
			State:     CellSpinning,
			Displayed: s.rnd.Intn(10),
			Target:    targets[d],
			Offset:    s.spinOffset(),
		}
	}

	if !s.emit(Event{Kind: WinnerStarted, WinnerIndex: index}) {
		return
	}

	for d := range s.session.Cells {
		s.spin(d)
	}
	s.after(s.timing.SpinDwell, func() { s.dropCell(0) })
}

// spin keeps one cell cycling through random digits until dropCell stops it.
func (s *Scheduler) spin(d int) {
	s.spinIDs[d] = s.after(s.timing.SpinInterval, func() {
		cell := &s.session.Cells[d]
		if cell.State != CellSpinning {
			return
		}
		cell.Displayed = s.rnd.Intn(10)
		cell.Offset = s.spinOffset()
		s.spin(d)
	})
}

// spinOffset is in (0, 1] so a falling cell always has distance to cover.
func (s *Scheduler) spinOffset() float64 {
	return 1 - s.rnd.Float64()
}

func (s *Scheduler) dropCell(d int) {
	s.stop(s.spinIDs[d])
	s.spinIDs[d] = 0

	cell := &s.session.Cells[d]
	cell.State = CellFalling
	cell.Displayed = cell.Target
	s.fall(d, cell.Offset, 1, frames(s.timing.FallDuration, s.timing.FrameInterval))
}

// fall eases the offset from start to zero, accelerating.
func (s *Scheduler) fall(d int, start float64, frame, total int) {
	s.after(s.timing.FrameInterval, func() {
		t := float64(frame) / float64(total)
		cell := &s.session.Cells[d]
		cell.Offset = start * (1 - t*t)
		if frame < total {
			s.fall(d, start, frame+1, total)
			return
		}
		cell.Offset = 0
		cell.State = CellBouncing
		s.bounce(d, 1, max(frames(s.timing.BounceDuration, s.timing.FrameInterval), 2))
	})
}

// bounce overshoots past rest during the first half and settles back during
// the second.
func (s *Scheduler) bounce(d int, frame, total int) {
	s.after(s.timing.FrameInterval, func() {
		cell := &s.session.Cells[d]
		if frame < total {
			cell.Offset = -s.timing.Overshoot * math.Sin(math.Pi*float64(frame)/float64(total))
			s.bounce(d, frame+1, total)
			return
		}
		s.settle(d)
	})
}

func (s *Scheduler) settle(d int) {
	cell := &s.session.Cells[d]
	cell.State = CellSettled
	cell.Offset = 0
	cell.Displayed = cell.Target

	index := s.session.CurrentWinnerIndex
	if !s.emit(Event{Kind: DigitSettled, WinnerIndex: index, DigitIndex: d, Digit: cell.Target}) {
		return
	}

	if d+1 < DigitCount {
		s.after(s.timing.InterCellDelay, func() { s.dropCell(d + 1) })
		return
	}
	s.finishWinner(index)
}

func (s *Scheduler) finishWinner(index int) {
	winner := s.session.Winners[index]
	s.session.CompletedWinners = append(s.session.CompletedWinners, winner)
	if !s.emit(Event{Kind: WinnerCompleted, WinnerIndex: index, Winner: winner}) {
		return
	}

	s.after(s.timing.InterWinnerDelay, func() {
		if index+1 < len(s.session.Winners) {
			s.startWinner(index + 1)
			return
		}
		s.session.Phase = PhaseComplete
		s.emit(Event{Kind: AllComplete})
	})
}

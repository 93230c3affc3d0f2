package loop

import "time"

// Manual is a virtual-time scheduler. Callbacks only run inside Advance, on
// the caller's goroutine, in due-time order (ties in scheduling order). It is
// not safe for concurrent use.
type Manual struct {
	now     time.Time
	seq     uint64
	pending []*manualTimer
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

type manualTimer struct {
	m   *Manual
	at  time.Time
	seq uint64
	fn  func()
}

func (t *manualTimer) Stop() bool {
	return t.m.remove(t)
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{m: m, at: m.now.Add(d), seq: m.seq, fn: fn}
	m.pending = append(m.pending, t)
	return t
}

func (m *Manual) Now() time.Time {
	return m.now
}

// Pending returns the number of callbacks that have not run or been stopped.
func (m *Manual) Pending() int {
	return len(m.pending)
}

// Advance moves virtual time forward by d, running every callback that falls
// due, including callbacks scheduled by earlier callbacks within the window.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		next := m.next()
		if next == nil || next.at.After(target) {
			break
		}

		m.remove(next)
		m.now = next.at
		next.fn()
	}
	m.now = target
}

// RunUntil advances in steps of step until cond holds or limit has elapsed.
// It reports whether cond was met.
func (m *Manual) RunUntil(cond func() bool, step, limit time.Duration) bool {
	for elapsed := time.Duration(0); elapsed <= limit; elapsed += step {
		if cond() {
			return true
		}
		m.Advance(step)
	}
	return cond()
}

func (m *Manual) next() *manualTimer {
	var best *manualTimer
	for _, t := range m.pending {
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

func (m *Manual) remove(target *manualTimer) bool {
	for i, t := range m.pending {
		if t == target {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return true
		}
	}
	return false
}

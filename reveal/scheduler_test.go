package reveal

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"votecommit/loop"
	"votecommit/models"
)

var testTiming = Timing{
	SpinInterval:     10 * time.Millisecond,
	SpinDwell:        100 * time.Millisecond,
	InterCellDelay:   30 * time.Millisecond,
	FallDuration:     40 * time.Millisecond,
	BounceDuration:   20 * time.Millisecond,
	InterWinnerDelay: 50 * time.Millisecond,
	FrameInterval:    10 * time.Millisecond,
	Overshoot:        0.2,
}

type recorder struct {
	events []Event
}

func (r *recorder) handle(e Event) {
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (r *recorder) settled() (indices, digits []int) {
	for _, e := range r.events {
		if e.Kind == DigitSettled {
			indices = append(indices, e.DigitIndex)
			digits = append(digits, e.Digit)
		}
	}
	return indices, digits
}

func newScheduler(sched loop.Scheduler, rec *recorder) *Scheduler {
	return New(sched,
		WithTiming(testTiming),
		WithHandler(rec.handle),
		WithRand(rand.New(rand.NewSource(1))),
	)
}

func newManual() *loop.Manual {
	return loop.NewManual(time.Unix(1_700_000_000, 0))
}

func winner(rank int, ticket models.LotteryTicket) models.WinnerEntry {
	return models.WinnerEntry{Rank: rank, Ticket: ticket}
}

func runToCompletion(t *testing.T, m *loop.Manual, s *Scheduler) {
	t.Helper()
	require.True(t, m.RunUntil(func() bool { return s.Phase() == PhaseComplete }, 5*time.Millisecond, time.Minute))
}

func TestDisplayWindow(t *testing.T) {
	require.Equal(t, 2, DisplayWindowStart)
	require.Equal(t, [DigitCount]int{2, 1, 3, 9, 8, 7}, DisplayDigits(4213987))
	require.Equal(t, [DigitCount]int{0, 0, 0, 0, 4, 2}, DisplayDigits(42))
}

func TestRevealSingleWinner(t *testing.T) {
	m := newManual()
	rec := &recorder{}
	s := newScheduler(m, rec)

	ticket, err := models.ParseTicket("04213987")
	require.NoError(t, err)
	s.Start([]models.WinnerEntry{winner(1, ticket)})
	require.Equal(t, PhaseRevealing, s.Phase())

	t.Run("all cells spin independently during the dwell", func(t *testing.T) {
		m.Advance(50 * time.Millisecond)
		snap := s.Snapshot()
		for _, cell := range snap.Cells {
			require.Equal(t, CellSpinning, cell.State)
		}
		// one spin loop per cell plus the dwell timer
		require.Equal(t, DigitCount+1, s.Pending())
	})

	t.Run("cells settle left to right to the last six digits", func(t *testing.T) {
		runToCompletion(t, m, s)

		indices, digits := rec.settled()
		require.Equal(t, []int{0, 1, 2, 3, 4, 5}, indices)
		require.Equal(t, []int{2, 1, 3, 9, 8, 7}, digits)

		kinds := rec.kinds()
		require.Equal(t, WinnerStarted, kinds[0])
		require.Equal(t, []EventKind{WinnerCompleted, AllComplete}, kinds[len(kinds)-2:])
	})

	t.Run("final state", func(t *testing.T) {
		snap := s.Snapshot()
		require.Equal(t, PhaseComplete, snap.Phase)
		require.Equal(t, []models.WinnerEntry{winner(1, ticket)}, snap.CompletedWinners)
		for i, cell := range snap.Cells {
			require.Equal(t, CellSettled, cell.State)
			require.Equal(t, cell.Target, cell.Displayed)
			require.Zero(t, cell.Offset)
			require.Equal(t, DisplayDigits(ticket)[i], cell.Target)
		}
		require.Zero(t, s.Pending())
		require.Zero(t, m.Pending())
	})
}

func TestRevealOrdering(t *testing.T) {
	m := newManual()
	rec := &recorder{}
	s := newScheduler(m, rec)

	a, b := winner(1, 11111111), winner(2, 22222222)
	s.Start([]models.WinnerEntry{b, a})

	// at most one cell is moving towards its target at any instant
	moving := func() int {
		n := 0
		for _, cell := range s.Snapshot().Cells {
			if cell.State == CellFalling || cell.State == CellBouncing {
				n++
			}
		}
		return n
	}
	require.True(t, m.RunUntil(func() bool {
		require.LessOrEqual(t, moving(), 1)
		return s.Phase() == PhaseComplete
	}, time.Millisecond, time.Minute))

	require.Equal(t, []models.WinnerEntry{a, b}, s.Snapshot().Winners)

	completedA, startedB := -1, -1
	for i, e := range rec.events {
		if e.Kind == WinnerCompleted && e.WinnerIndex == 0 {
			require.Equal(t, a, e.Winner)
			completedA = i
		}
		if e.Kind == WinnerStarted && e.WinnerIndex == 1 {
			startedB = i
		}
	}
	require.NotEqual(t, -1, completedA)
	require.Greater(t, startedB, completedA)

	_, digits := rec.settled()
	require.Equal(t, []int{1, 1, 1, 1, 1, 1, 2, 2, 2, 2, 2, 2}, digits)
}

func TestRevealCellSequence(t *testing.T) {
	m := newManual()
	var s *Scheduler
	s = New(m, WithTiming(testTiming), WithRand(rand.New(rand.NewSource(3))), WithHandler(func(e Event) {
		if e.Kind != DigitSettled {
			return
		}
		cells := s.Snapshot().Cells
		for j := range cells {
			switch {
			case j <= e.DigitIndex:
				require.Equal(t, CellSettled, cells[j].State, "cell %d", j)
			default:
				require.Equal(t, CellSpinning, cells[j].State, "cell %d", j)
			}
		}
	}))
	s.Start([]models.WinnerEntry{winner(1, 4213987)})

	var falling, bouncing []float64
	require.True(t, m.RunUntil(func() bool {
		cell := s.Snapshot().Cells[0]
		switch cell.State {
		case CellFalling:
			if len(falling) == 0 || falling[len(falling)-1] != cell.Offset {
				falling = append(falling, cell.Offset)
			}
		case CellBouncing:
			bouncing = append(bouncing, cell.Offset)
		}
		return cell.State == CellSettled
	}, time.Millisecond, time.Minute))

	t.Run("falling accelerates towards zero", func(t *testing.T) {
		require.Len(t, falling, 4)
		require.Greater(t, falling[0], 0.0)
		for i := 2; i < len(falling); i++ {
			prevStep := falling[i-2] - falling[i-1]
			step := falling[i-1] - falling[i]
			require.Greater(t, step, prevStep)
		}
	})

	t.Run("bounce overshoots then settles", func(t *testing.T) {
		require.NotEmpty(t, bouncing)
		lowest := 0.0
		for _, o := range bouncing {
			lowest = min(lowest, o)
		}
		require.InDelta(t, -testTiming.Overshoot, lowest, 1e-9)
		require.Zero(t, s.Snapshot().Cells[0].Offset)
	})

	runToCompletion(t, m, s)
}

func TestRevealEmpty(t *testing.T) {
	m := newManual()
	rec := &recorder{}
	s := newScheduler(m, rec)

	s.Start(nil)
	require.Equal(t, PhaseComplete, s.Phase())
	require.Equal(t, []EventKind{AllComplete}, rec.kinds())
	require.Zero(t, m.Pending())
	for _, cell := range s.Snapshot().Cells {
		require.Equal(t, CellIdle, cell.State)
	}
}

func requireQuiesced(t *testing.T, m *loop.Manual, s *Scheduler) {
	t.Helper()
	snap := s.Snapshot()
	require.Equal(t, PhaseIdle, snap.Phase)
	require.Equal(t, -1, snap.CurrentWinnerIndex)
	require.Empty(t, snap.CompletedWinners)
	for _, cell := range snap.Cells {
		require.False(t, cell.State.Animating())
		require.Equal(t, CellIdle, cell.State)
	}
	require.Zero(t, s.Pending())
	require.Zero(t, m.Pending())
}

func TestRevealCancel(t *testing.T) {
	for _, state := range []CellState{CellSpinning, CellFalling, CellBouncing} {
		t.Run("mid "+state.String(), func(t *testing.T) {
			m := newManual()
			rec := &recorder{}
			s := newScheduler(m, rec)
			s.Start([]models.WinnerEntry{winner(1, 4213987), winner(2, 12345678)})

			require.True(t, m.RunUntil(func() bool {
				return s.Snapshot().Cells[2].State == state
			}, time.Millisecond, time.Minute))

			s.Cancel()
			requireQuiesced(t, m, s)

			seen := len(rec.events)
			m.Advance(time.Minute)
			require.Len(t, rec.events, seen)
			requireQuiesced(t, m, s)
		})
	}

	t.Run("from the handler", func(t *testing.T) {
		m := newManual()
		rec := &recorder{}
		var s *Scheduler
		s = New(m, WithTiming(testTiming), WithHandler(func(e Event) {
			rec.handle(e)
			if e.Kind == WinnerCompleted {
				s.Cancel()
			}
		}))
		s.Start([]models.WinnerEntry{winner(1, 1), winner(2, 2)})
		m.Advance(time.Minute)

		require.Equal(t, WinnerCompleted, rec.events[len(rec.events)-1].Kind)
		requireQuiesced(t, m, s)
	})

	t.Run("cancel when idle is harmless", func(t *testing.T) {
		m := newManual()
		s := newScheduler(m, &recorder{})
		s.Cancel()
		requireQuiesced(t, m, s)
	})
}

// stickyScheduler never stops a timer, like a loop whose callback was
// already queued when Stop was called.
type stickyScheduler struct {
	*loop.Manual
}

type stickyTimer struct{}

func (stickyTimer) Stop() bool { return false }

func (s stickyScheduler) AfterFunc(d time.Duration, fn func()) loop.Timer {
	s.Manual.AfterFunc(d, fn)
	return stickyTimer{}
}

func TestRevealStaleCallbacks(t *testing.T) {
	m := newManual()
	rec := &recorder{}
	s := newScheduler(stickyScheduler{m}, rec)

	s.Start([]models.WinnerEntry{winner(1, 99999999)})
	require.True(t, m.RunUntil(func() bool {
		return s.Snapshot().Cells[1].State == CellFalling
	}, time.Millisecond, time.Minute))

	rec.events = nil
	s.Start([]models.WinnerEntry{winner(1, 4213987)})
	require.True(t, m.RunUntil(func() bool { return s.Phase() == PhaseComplete }, 5*time.Millisecond, time.Minute))

	indices, digits := rec.settled()
	require.Equal(t, []int{0, 1, 2, 3, 4, 5}, indices)
	require.Equal(t, []int{2, 1, 3, 9, 8, 7}, digits)
	require.Equal(t, []EventKind{WinnerStarted}, rec.kinds()[:1])

	m.Advance(time.Minute)
	require.Zero(t, m.Pending())
	require.Equal(t, AllComplete, rec.events[len(rec.events)-1].Kind)
}

// Package reveal drives the lottery draw animation: an ordered, cancellable
// state machine that reveals winning tickets one winner and one digit at a
// time.
package reveal

import (
	"fmt"
	"slices"

	"votecommit/models"
)

const (
	// DigitCount is the number of digit cells on screen.
	DigitCount = 6
	// DisplayWindowStart is the first ticket digit shown. Tickets have
	// models.TicketDigits digits and the cells show the last DigitCount of
	// them.
	DisplayWindowStart = models.TicketDigits - DigitCount
)

// DisplayDigits returns the digits a ticket settles to, left to right.
func DisplayDigits(t models.LotteryTicket) [DigitCount]int {
	all := t.Digits()
	var window [DigitCount]int
	copy(window[:], all[DisplayWindowStart:])
	return window
}

// CellState is the animation stage of one ticket digit.
type CellState int

const (
	CellIdle CellState = iota
	CellSpinning
	CellFalling
	CellBouncing
	CellSettled
)

func (s CellState) String() string {
	switch s {
	case CellIdle:
		return "idle"
	case CellSpinning:
		return "spinning"
	case CellFalling:
		return "falling"
	case CellBouncing:
		return "bouncing"
	case CellSettled:
		return "settled"
	}
	return "unknown"
}

// Animating reports whether the cell is between Idle and Settled.
func (s CellState) Animating() bool {
	return s == CellSpinning || s == CellFalling || s == CellBouncing
}

// DigitCell is one on-screen digit. Offset is the vertical displacement in
// cell heights; negative values are the bounce overshoot.
type DigitCell struct {
	State     CellState
	Displayed int
	Target    int
	Offset    float64
}

// Phase is the progress of a whole reveal session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRevealing
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRevealing:
		return "revealing"
	case PhaseComplete:
		return "complete"
	}
	return "unknown"
}

// RevealSession is the observable state of a reveal.
type RevealSession struct {
	Winners []models.WinnerEntry
	// CurrentWinnerIndex is -1 before the first winner starts.
	CurrentWinnerIndex int
	Cells              [DigitCount]DigitCell
	CompletedWinners   []models.WinnerEntry
	Phase              Phase
}

func (s RevealSession) clone() RevealSession {
	s.Winners = slices.Clone(s.Winners)
	s.CompletedWinners = slices.Clone(s.CompletedWinners)
	return s
}

// EventKind names what an Event reports.
type EventKind int

const (
	WinnerStarted EventKind = iota
	DigitSettled
	WinnerCompleted
	AllComplete
)

func (k EventKind) String() string {
	switch k {
	case WinnerStarted:
		return "winner_started"
	case DigitSettled:
		return "digit_settled"
	case WinnerCompleted:
		return "winner_completed"
	case AllComplete:
		return "all_complete"
	}
	return "unknown"
}

// Event is emitted to the presentation layer. WinnerIndex is set for every
// kind except AllComplete, DigitIndex and Digit only for DigitSettled, Winner
// only for WinnerCompleted.
type Event struct {
	Kind        EventKind
	WinnerIndex int
	DigitIndex  int
	Digit       int
	Winner      models.WinnerEntry
}

func (e Event) String() string {
	switch e.Kind {
	case WinnerStarted:
		return fmt.Sprintf("%s(%d)", e.Kind, e.WinnerIndex)
	case DigitSettled:
		return fmt.Sprintf("%s(%d, %d, %d)", e.Kind, e.WinnerIndex, e.DigitIndex, e.Digit)
	case WinnerCompleted:
		return fmt.Sprintf("%s(%d, %s)", e.Kind, e.WinnerIndex, e.Winner.Ticket)
	}
	return e.Kind.String() + "()"
}

type Handler func(Event)

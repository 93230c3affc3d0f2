// Package loop provides the callback schedulers the gate and reveal state
// machines run on. Every callback of one scheduler runs on a single
// execution context, so the state machines never lock.
package loop

import "time"

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran, was already stopped, or is already queued for
	// execution.
	Stop() bool
}

type Scheduler interface {
	// AfterFunc runs fn on the scheduler's execution context once d has
	// elapsed.
	AfterFunc(d time.Duration, fn func()) Timer

	Now() time.Time
}

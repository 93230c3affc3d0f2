package loop

import (
	"errors"
	"sync"
	"time"

	"votecommit/logger"
)

var ErrClosed = errors.New("loop is closed")

// Loop executes posted tasks and fired timers one at a time on a dedicated
// goroutine.
type Loop struct {
	logger logger.Logger

	tasks     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewLoop(logger logger.Logger, queueSize int) *Loop {
	l := &Loop{
		logger: logger,
		tasks:  make(chan func(), queueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("Loop task panicked: %v", r)
		}
	}()

	fn()
}

// Post queues fn. It blocks while the queue is full and returns ErrClosed
// once the loop has been closed.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.quit:
		return ErrClosed
	default:
	}

	select {
	case l.tasks <- fn:
		return nil
	case <-l.quit:
		return ErrClosed
	}
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return &loopTimer{t: time.AfterFunc(d, func() {
		if err := l.Post(fn); err != nil {
			l.logger.Debugf("Dropped timer callback: %v", err)
		}
	})}
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

// Close stops the loop. Queued tasks that have not started are dropped.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
	})
	<-l.done
}

type loopTimer struct {
	t *time.Timer
}

func (t *loopTimer) Stop() bool {
	return t.t.Stop()
}

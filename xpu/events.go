package xpu

import (
	"sync"

	"github.com/pkg/errors"
)

// Event is a one-shot completion token for an asynchronous command, created by the Queue methods.
//
// It completes exactly once, possibly with an error, and can be waited on by any number of goroutines.
type Event struct {
	done chan struct{}
	once sync.Once
	err  error
}

// newEvent creates an Event that is not yet complete.
func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// newCompletedEvent creates an Event that is already complete with the given error.
func newCompletedEvent(err error) *Event {
	e := newEvent()
	e.complete(err)
	return e
}

// complete marks the event as done. Only the first call has an effect.
func (e *Event) complete(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

// Done returns a channel closed when the event completes.
func (e *Event) Done() <-chan struct{} {
	return e.done
}

// IsComplete returns whether the event has completed, without blocking.
func (e *Event) IsComplete() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Await blocks the calling goroutine until the event completes, then returns the error, if any.
func (e *Event) Await() error {
	if e == nil {
		return errors.New("Event is nil")
	}
	<-e.done
	return e.err
}

// Err returns the error the event completed with. It returns nil if the event is not complete yet.
func (e *Event) Err() error {
	if !e.IsComplete() {
		return nil
	}
	return e.err
}

// AwaitAll waits for all the given events, and returns the first error found. Nil events are ignored.
func AwaitAll(events ...*Event) error {
	var firstErr error
	for _, e := range events {
		if e == nil {
			continue
		}
		if err := e.Await(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

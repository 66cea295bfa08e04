package xpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// queueCapacity is the number of commands that can be pending on a Queue before submissions block.
const queueCapacity = 64

// Queue is an in-order command queue bound to one device of a context.
//
// Commands are executed by a dedicated goroutine in submission order, and each submission returns an Event that
// completes when the command finishes. Queues are created with Context.Queue and closed by Context.Destroy.
type Queue struct {
	context *Context
	device  *Device

	mu        sync.Mutex
	closed    bool
	lastEvent *Event
	commands  chan queueCommand
	stopped   chan struct{}
}

type queueCommand struct {
	name  string
	fn    func() error
	event *Event
}

func newQueue(ctx *Context, dev *Device) *Queue {
	q := &Queue{
		context:  ctx,
		device:   dev,
		commands: make(chan queueCommand, queueCapacity),
		stopped:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.stopped)
	for cmd := range q.commands {
		cmd.event.complete(q.execute(cmd))
	}
}

// execute runs one command, converting a panic into an error of the command's event.
func (q *Queue) execute(cmd queueCommand) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%s on %s panicked: %v", cmd.name, q, r)
			klog.Errorf("%v", err)
		}
	}()
	err = cmd.fn()
	if err != nil {
		err = errors.WithMessagef(err, "%s on %s", cmd.name, q)
	}
	return
}

// String implements fmt.Stringer.
func (q *Queue) String() string {
	return fmt.Sprintf("queue(%s, %s)", q.context, q.device)
}

// Context returns the context the queue belongs to.
func (q *Queue) Context() *Context {
	return q.context
}

// Device returns the device the queue submits to.
func (q *Queue) Device() *Device {
	return q.device
}

// submit enqueues a command. If the queue is closed, the returned event is already complete with ErrQueueClosed.
func (q *Queue) submit(name string, fn func() error) *Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return newCompletedEvent(errors.WithMessagef(ErrQueueClosed, "%s on %s", name, q))
	}
	e := newEvent()
	q.commands <- queueCommand{name: name, fn: fn, event: e}
	q.lastEvent = e
	return e
}

// SubmitKernel enqueues a kernel, given as a Go function executed by the queue's worker.
func (q *Queue) SubmitKernel(name string, kernel func() error) *Event {
	return q.submit(name, kernel)
}

// Fill sets size bytes starting at ptr to value.
func (q *Queue) Fill(ptr unsafe.Pointer, value byte, size uintptr) *Event {
	return q.submit("fill", func() error {
		if ptr == nil {
			return errors.New("fill of a nil pointer")
		}
		block := unsafe.Slice((*byte)(ptr), size)
		for ii := range block {
			block[ii] = value
		}
		return nil
	})
}

// Memcpy copies size bytes from src to dst. Both must stay valid until the returned event completes.
func (q *Queue) Memcpy(dst, src unsafe.Pointer, size uintptr) *Event {
	return q.submit("memcpy", func() error {
		if dst == nil || src == nil {
			return errors.New("memcpy with a nil pointer")
		}
		copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
		return nil
	})
}

// Wait blocks until all commands submitted so far have completed.
// It returns the error of the last command, if any.
func (q *Queue) Wait() error {
	q.mu.Lock()
	last := q.lastEvent
	q.mu.Unlock()
	if last == nil {
		return nil
	}
	return last.Await()
}

// close stops accepting commands and waits for the pending ones to finish. Closing twice is a no-op.
func (q *Queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	close(q.commands)
	q.mu.Unlock()
	<-q.stopped
}

// Package motorqueue implements the bounded single-consumer FIFO of
// motor commands: producers (the control server's command handlers) push
// without blocking; the Motor Coordinator is the sole consumer.
package motorqueue

import (
	"errors"
)

// ErrFull is returned by Push when the queue is at capacity.
var ErrFull = errors.New("motorqueue: queue full")

// Command is one queued motor command.
type Command struct {
	Bytes               []byte
	MotorID             byte
	WaitForCompletion   bool
	TargetPosition      int16
	HasTarget           bool
	CompletionTolerance uint16
}

// Queue is a bounded FIFO. It is safe for concurrent Push from multiple
// producers and concurrent TryPop/Len from a single consumer.
type Queue struct {
	ch chan Command
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan Command, capacity)}
}

// Push enqueues a command. It never blocks: if the queue is full it
// returns ErrFull immediately so the server's handler can surface
// backpressure instead of stalling.
func (q *Queue) Push(cmd Command) error {
	select {
	case q.ch <- cmd:
		return nil
	default:
		return ErrFull
	}
}

// PushAtomic enqueues both commands of a two-phase plan back-to-back.
// With a single producer goroutine (the control server's event loop)
// nothing can interleave between the two phases; a second concurrent
// producer would break that guarantee, so all pushes go through the
// event loop.
func (q *Queue) PushAtomic(phase1, phase2 Command) error {
	if err := q.Push(phase1); err != nil {
		return err
	}
	if err := q.Push(phase2); err != nil {
		return err
	}
	return nil
}

// TryPop returns the next command without blocking, or ok=false if empty.
func (q *Queue) TryPop() (Command, bool) {
	select {
	case cmd := <-q.ch:
		return cmd, true
	default:
		return Command{}, false
	}
}

// Len reports the current queue depth for telemetry.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Clear empties the queue.
func (q *Queue) Clear() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

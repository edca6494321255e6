package server

import "sync"

// eventQueue is an unbounded FIFO of handlers for the control goroutine.
//
// push never blocks, so registry callbacks and the accept loop can enqueue
// from any goroutine, including from inside a handler.
type eventQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

// push appends fn. It returns false once the queue has been closed.
func (q *eventQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	q.wake()
	return true
}

// pop blocks until a handler is available. After close, the remaining
// handlers are still returned; ok is false once the queue is drained.
func (q *eventQueue) pop() (fn func(), ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			fn = q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return fn, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		<-q.signal
	}
}

// close rejects further pushes.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

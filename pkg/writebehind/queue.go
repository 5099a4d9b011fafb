package writebehind

import (
	"sync"
	"time"
)

// queue is an unbounded FIFO of requests.
//
// signal holds at most one pending wake-up. A consumer that takes an item
// and sees more queued passes the wake-up on, so concurrent consumers never
// sleep while items are waiting.
type queue struct {
	mu     sync.Mutex
	items  []*request
	head   int
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(r *request) int {
	q.mu.Lock()
	q.items = append(q.items, r)
	n := len(q.items) - q.head
	q.mu.Unlock()

	q.notify()

	return n
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) - q.head
}

// poll removes the head without waiting. Returns nil if empty.
func (q *queue) poll() *request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return nil
	}

	r := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > 1024 && q.head*2 > len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	if q.head < len(q.items) {
		q.notify()
	}

	return r
}

// take waits for an item. Returns nil once stop is closed and the queue is
// empty.
func (q *queue) take(stop <-chan struct{}) *request {
	for {
		if r := q.poll(); r != nil {
			return r
		}

		select {
		case <-q.signal:
		case <-stop:
			if r := q.poll(); r != nil {
				return r
			}

			return nil
		}
	}
}

// pollTimeout waits up to d for an item. Returns nil on timeout, or once
// stop is closed and the queue is empty.
func (q *queue) pollTimeout(d time.Duration, stop <-chan struct{}) *request {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		if r := q.poll(); r != nil {
			return r
		}

		select {
		case <-q.signal:
		case <-timer.C:
			return q.poll()
		case <-stop:
			return q.poll()
		}
	}
}

// Package queue provides an unbounded FIFO used to hand work items from
// producers which must never block to a pool of consumers.
package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// Queue is an unbounded, multi-producer multi-consumer FIFO. Enqueue never
// blocks; Dequeue blocks until an item is available, the context is canceled
// or the queue is closed and drained.
type Queue[T any] struct {
	mx     sync.Mutex
	items  []T
	head   int
	closed bool
	// ready holds a token while items are available
	ready chan struct{}
	done  chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Enqueue appends item. Items enqueued after Close are dropped and false is
// returned.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.signal()
	return true
}

// Dequeue removes the oldest item. It returns ErrClosed once the queue is
// closed and empty, or the context error.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mx.Lock()
		if q.head < len(q.items) {
			item := q.items[q.head]
			q.items[q.head] = zero
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			} else {
				// wake up the next consumer
				q.signal()
			}
			q.mx.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mx.Unlock()
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.ready:
		case <-q.done:
		}
	}
}

// Len returns the number of waiting items.
func (q *Queue[T]) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.items) - q.head
}

// Close stops accepting new items. Waiting consumers drain the remaining
// items and then get ErrClosed.
func (q *Queue[T]) Close() {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// signal must be called with q.mx held
func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

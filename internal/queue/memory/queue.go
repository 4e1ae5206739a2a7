// Package memory provides the bounded in-process work queue the verification
// engine's workers drain.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Enqueue after Close and by Dequeue once a
	// closed queue is drained.
	ErrClosed = errors.New("queue closed")
	// ErrIdle is returned by Dequeue when no item arrived within the idle timeout.
	ErrIdle = errors.New("queue idle")
)

// Queue is a bounded FIFO with context-aware operations.
type Queue[T any] struct {
	ch     chan T
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a queue holding up to capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Enqueue adds item, blocking while the queue is full.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item. A positive idle bounds how long it waits for
// one and yields ErrIdle when it elapses.
func (q *Queue[T]) Dequeue(ctx context.Context, idle time.Duration) (T, error) {
	var zero T
	var timeout <-chan time.Time
	if idle > 0 {
		t := time.NewTimer(idle)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	case <-timeout:
		return zero, ErrIdle
	}
}

// Len reports the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops intake. Buffered items can still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Package memory provides the in-process task queue feeding the dispatcher.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/siterag/internal/rag"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = rag.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan rag.Task
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue holding up to capacity pending tasks.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan rag.Task, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a task, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, task rag.Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (rag.Task, error) {
	select {
	case <-ctx.Done():
		return rag.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return rag.Task{}, ErrClosed
	case task := <-q.ch:
		return task, nil
	}
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Pending tasks are dropped; their sessions stay in
// their current status.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

var _ rag.Queue = (*Queue)(nil)

// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   rag.Queue
	clock   rag.Clock
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue rag.Queue, clock rag.Clock, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		clock:   clock,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit queues a task of kind for sessionID.
func (d *Dispatcher) Submit(ctx context.Context, sessionID string, kind rag.TaskKind) error {
	task := rag.Task{SessionID: sessionID, Kind: kind, Attempt: 1}
	if d.clock != nil {
		task.Submitted = d.clock.Now().UnixMilli()
	}
	return d.Enqueue(ctx, task)
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task rag.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Close closes the queue so idle workers return.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

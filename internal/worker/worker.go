// Package worker executes queued session tasks.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/metrics"
	"github.com/JakeFAU/siterag/internal/rag"
)

// Stage runs one pipeline stage for a session and returns its final metadata.
type Stage interface {
	Run(ctx context.Context, sessionID string) (rag.SessionMetadata, error)
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, sessionID string) (rag.SessionMetadata, error)

// Run calls f.
func (f StageFunc) Run(ctx context.Context, sessionID string) (rag.SessionMetadata, error) {
	return f(ctx, sessionID)
}

// Config controls Worker behavior.
type Config struct {
	// AutoEmbed starts embedding as soon as a scrape ends in scraped.
	AutoEmbed bool
}

// Worker consumes tasks and runs the scrape and embed stages.
type Worker struct {
	queue  rag.Queue
	scrape Stage
	embed  Stage
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue rag.Queue, scrape, embed Stage, cfg Config, logger *zap.Logger) *Worker {
	return &Worker{
		queue:  queue,
		scrape: scrape,
		embed:  embed,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("worker"),
	}
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, rag.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("session_id", task.SessionID),
			zap.String("kind", string(task.Kind)),
		)
		w.Process(ctx, task)
	}
}

// Process runs a single task to completion.
func (w *Worker) Process(ctx context.Context, task rag.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	switch task.Kind {
	case rag.TaskScrape:
		meta, ok := w.runStage(ctx, rag.TaskScrape, w.scrape, task.SessionID)
		if ok && w.cfg.AutoEmbed && meta.Status == rag.StatusScraped && ctx.Err() == nil {
			w.runStage(ctx, rag.TaskEmbed, w.embed, task.SessionID)
		}
	case rag.TaskEmbed:
		w.runStage(ctx, rag.TaskEmbed, w.embed, task.SessionID)
	default:
		w.logger.Error("unknown task kind",
			zap.String("session_id", task.SessionID),
			zap.String("kind", string(task.Kind)),
		)
		metrics.ObserveTask(task.Kind, "rejected")
	}
}

func (w *Worker) runStage(ctx context.Context, kind rag.TaskKind, stage Stage, sessionID string) (rag.SessionMetadata, bool) {
	logger := logging.Session(w.logger, sessionID).With(zap.String("kind", string(kind)))
	if stage == nil {
		logger.Error("no stage configured")
		metrics.ObserveTask(kind, "rejected")
		return rag.SessionMetadata{}, false
	}
	start := time.Now()
	meta, err := stage.Run(ctx, sessionID)
	if err != nil {
		switch rag.KindOf(err) {
		case rag.KindConflict, rag.KindInvalidTransition, rag.KindNotFound:
			logger.Warn("task rejected", zap.Error(err))
			metrics.ObserveTask(kind, "rejected")
		default:
			logger.Error("task failed", zap.Error(err))
			metrics.ObserveTask(kind, "error")
		}
		return meta, false
	}
	outcome := "succeeded"
	if meta.Status.Failed() {
		outcome = "failed"
	}
	metrics.ObserveTask(kind, outcome)
	logger.Info("task finished",
		zap.String("status", string(meta.Status)),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", time.Since(start)),
	)
	return meta, true
}

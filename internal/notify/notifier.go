// Package notify publishes an event whenever a session reaches a terminal status.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/rag"
)

// DefaultTimeout bounds a single publish.
const DefaultTimeout = 10 * time.Second

// Event is the notification payload.
type Event struct {
	SessionID    string     `json:"session_id"`
	Status       rag.Status `json:"status"`
	SourceURL    string     `json:"source_url"`
	PagesScraped int        `json:"pages_scraped"`
	ChunksTotal  int        `json:"chunks_total"`
	ErrorMessage string     `json:"error_message,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// EventName is the publish topic for an event, e.g. "session.ready".
func EventName(status rag.Status) string {
	return "session." + string(status)
}

// Notifier is a session.Observer. Publishing happens off the caller's
// goroutine so session mutations never wait on the broker.
type Notifier struct {
	publisher rag.Publisher
	timeout   time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// New constructs a Notifier. A non-positive timeout selects DefaultTimeout.
func New(publisher rag.Publisher, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		publisher: publisher,
		timeout:   timeout,
		logger:    logging.OrNop(logger).Named("notify"),
	}
}

// SessionChanged publishes when next enters a terminal status.
func (n *Notifier) SessionChanged(prev, next rag.SessionMetadata) {
	if n.publisher == nil || !next.Status.Terminal() || prev.Status == next.Status {
		return
	}
	ev := Event{
		SessionID:    next.SessionID,
		Status:       next.Status,
		SourceURL:    next.SourceURL,
		PagesScraped: next.PagesScraped,
		ChunksTotal:  next.ChunksTotal,
		ErrorMessage: next.ErrorMessage,
		OccurredAt:   next.UpdatedAt,
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		logger := logging.Session(n.logger, ev.SessionID)
		id, err := n.publisher.Publish(ctx, EventName(ev.Status), ev)
		if err != nil {
			logger.Error("publish session event failed", zap.String("status", string(ev.Status)), zap.Error(err))
			return
		}
		logger.Info("session event published", zap.String("status", string(ev.Status)), zap.String("message_id", id))
	}()
}

// Wait blocks until in-flight publishes finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Package session owns the SessionMetadata lifecycle: creation, the status state
// machine, and monotonic progress counters. Every mutation runs under a mutex
// scoped to one session id and is written through to the DocumentStore before
// it becomes visible to readers.
package session

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/storage"
)

// Observer is notified after every committed mutation, in commit order per session.
type Observer interface {
	SessionChanged(prev, next rag.SessionMetadata)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(prev, next rag.SessionMetadata)

// SessionChanged calls f.
func (f ObserverFunc) SessionChanged(prev, next rag.SessionMetadata) { f(prev, next) }

// CreateRequest describes a new session.
type CreateRequest struct {
	SourceURL string
	Purpose   string
	Mode      rag.Mode
	Crawl     rag.CrawlParams
}

// Manager is the single writer of session metadata.
type Manager struct {
	store     rag.DocumentStore
	clock     rag.Clock
	ids       rag.IDGenerator
	logger    *zap.Logger
	observers []Observer

	locks sync.Map

	mu    sync.RWMutex
	cache map[string]rag.SessionMetadata
}

// NewManager constructs a Manager.
func NewManager(
	store rag.DocumentStore,
	clock rag.Clock,
	ids rag.IDGenerator,
	logger *zap.Logger,
	observers ...Observer,
) *Manager {
	return &Manager{
		store:     store,
		clock:     clock,
		ids:       ids,
		logger:    logging.OrNop(logger),
		observers: observers,
		cache:     make(map[string]rag.SessionMetadata),
	}
}

// AddObserver registers o for subsequent mutations.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Create validates the request and persists a pending session.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	sourceURL, err := ValidateSourceURL(req.SourceURL)
	if err != nil {
		return "", err
	}
	mode := req.Mode
	switch mode {
	case "":
		mode = rag.ModeCrawl
	case rag.ModeCrawl, rag.ModeSitemap:
	default:
		return "", rag.Validationf("unknown mode %q", req.Mode)
	}
	if err := validateCrawl(req.Crawl); err != nil {
		return "", err
	}
	id, err := m.ids.NewID()
	if err != nil {
		return "", rag.Infrastructure("generate session id", err)
	}
	now := m.clock.Now()
	meta := rag.SessionMetadata{
		SessionID: id,
		SourceURL: sourceURL,
		Purpose:   strings.TrimSpace(req.Purpose),
		Mode:      mode,
		Status:    rag.StatusPending,
		Crawl:     req.Crawl,
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock := m.lock(id)
	defer unlock()
	if err := m.store.SaveJSON(ctx, id, rag.DocMetadata, meta); err != nil {
		m.locks.Delete(id)
		return "", rag.Infrastructure("save session metadata", err)
	}
	m.commit(rag.SessionMetadata{}, meta)
	m.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("source_url", sourceURL),
		zap.String("mode", string(mode)),
	)
	return id, nil
}

// ValidateSourceURL returns the trimmed URL when it is an absolute http(s) URL with a host.
func ValidateSourceURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", rag.Validationf("source url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", rag.Validationf("source url %q is malformed: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", rag.Validationf("source url %q must use http or https", raw)
	}
	if u.Hostname() == "" {
		return "", rag.Validationf("source url %q has no host", raw)
	}
	return raw, nil
}

func validateCrawl(p rag.CrawlParams) error {
	if p.MaxPages < 0 {
		return rag.Validationf("max_pages must be >= 0")
	}
	if p.MaxDepth != nil && *p.MaxDepth < 0 {
		return rag.Validationf("max_depth must be >= 0")
	}
	if p.Delay < 0 {
		return rag.Validationf("delay must be >= 0")
	}
	return nil
}

// Get returns the current metadata. Sessions written by an earlier process are
// loaded from storage on first access.
func (m *Manager) Get(ctx context.Context, id string) (rag.SessionMetadata, error) {
	m.mu.RLock()
	meta, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return meta, nil
	}
	unlock, err := m.lockExisting(ctx, id)
	if err != nil {
		return rag.SessionMetadata{}, err
	}
	defer unlock()
	return m.load(ctx, id)
}

// List returns sessions known to this process, newest first.
func (m *Manager) List() []rag.SessionMetadata {
	m.mu.RLock()
	out := make([]rag.SessionMetadata, 0, len(m.cache))
	for _, meta := range m.cache {
		out = append(out, meta)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b rag.SessionMetadata) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Field sets an optional value during Transition.
type Field func(*fields)

type fields struct {
	pagesScraped *int
	errorMessage string
}

// WithPagesScraped records the final scraped page count.
func WithPagesScraped(n int) Field {
	return func(f *fields) { f.pagesScraped = &n }
}

// WithError records the failure reason; only valid on failure transitions.
func WithError(msg string) Field {
	return func(f *fields) { f.errorMessage = msg }
}

// Transition atomically moves the session to status to, applying fields.
func (m *Manager) Transition(ctx context.Context, id string, to rag.Status, opts ...Field) (rag.SessionMetadata, error) {
	var f fields
	for _, opt := range opts {
		opt(&f)
	}
	next, err := m.mutate(ctx, id, func(meta *rag.SessionMetadata) error {
		if !CanTransition(meta.Status, to) {
			return rag.InvalidTransition(id, meta.Status, to)
		}
		if f.pagesScraped != nil {
			if *f.pagesScraped < meta.PagesScraped {
				return rag.Validationf("pages_scraped cannot decrease from %d to %d", meta.PagesScraped, *f.pagesScraped)
			}
			meta.PagesScraped = *f.pagesScraped
		}
		if f.errorMessage != "" && !to.Failed() {
			return rag.Validationf("error message is only recorded on failure transitions")
		}
		if to.Failed() {
			meta.ErrorMessage = f.errorMessage
			if meta.ErrorMessage == "" {
				meta.ErrorMessage = "session failed while " + string(meta.Status)
			}
		}
		meta.Status = to
		return nil
	})
	if err != nil {
		return next, err
	}
	fieldsLog := []zap.Field{
		zap.String("session_id", id),
		zap.String("status", string(to)),
	}
	if next.ErrorMessage != "" {
		fieldsLog = append(fieldsLog, zap.String("error_message", next.ErrorMessage))
	}
	m.logger.Info("session transitioned", fieldsLog...)
	return next, nil
}

// IncrementPagesInProgress bumps the live scraped-page counter.
func (m *Manager) IncrementPagesInProgress(ctx context.Context, id string, delta int) (rag.SessionMetadata, error) {
	return m.increment(ctx, id, delta, "pages_in_progress", rag.StatusScraping, func(meta *rag.SessionMetadata) *int {
		return &meta.PagesInProgress
	})
}

// IncrementPagesFailed bumps the count of pages skipped after fetch failures.
func (m *Manager) IncrementPagesFailed(ctx context.Context, id string, delta int) (rag.SessionMetadata, error) {
	return m.increment(ctx, id, delta, "pages_failed", rag.StatusScraping, func(meta *rag.SessionMetadata) *int {
		return &meta.PagesFailed
	})
}

// IncrementChunks bumps chunks_total.
func (m *Manager) IncrementChunks(ctx context.Context, id string, delta int) (rag.SessionMetadata, error) {
	return m.increment(ctx, id, delta, "chunks_total", rag.StatusEmbedding, func(meta *rag.SessionMetadata) *int {
		return &meta.ChunksTotal
	})
}

// IncrementPagesEmbedded bumps pages_embedded.
func (m *Manager) IncrementPagesEmbedded(ctx context.Context, id string, delta int) (rag.SessionMetadata, error) {
	return m.increment(ctx, id, delta, "pages_embedded", rag.StatusEmbedding, func(meta *rag.SessionMetadata) *int {
		return &meta.PagesEmbedded
	})
}

// Touch refreshes updated_at without changing any other field.
func (m *Manager) Touch(ctx context.Context, id string) (rag.SessionMetadata, error) {
	return m.mutate(ctx, id, func(*rag.SessionMetadata) error { return nil })
}

func (m *Manager) increment(
	ctx context.Context,
	id string,
	delta int,
	counter string,
	during rag.Status,
	field func(*rag.SessionMetadata) *int,
) (rag.SessionMetadata, error) {
	if delta < 0 {
		return rag.SessionMetadata{}, rag.Validationf("%s delta must be >= 0, got %d", counter, delta)
	}
	return m.mutate(ctx, id, func(meta *rag.SessionMetadata) error {
		if meta.Status != during {
			return fmt.Errorf("%w: %s cannot change while session %s is %s",
				rag.ErrInvalidTransition, counter, id, meta.Status)
		}
		*field(meta) += delta
		return nil
	})
}

// mutate applies fn to a copy of the current metadata under the session lock,
// persists the result, then publishes it to readers and observers.
func (m *Manager) mutate(
	ctx context.Context,
	id string,
	fn func(*rag.SessionMetadata) error,
) (rag.SessionMetadata, error) {
	unlock, err := m.lockExisting(ctx, id)
	if err != nil {
		return rag.SessionMetadata{}, err
	}
	defer unlock()

	current, err := m.load(ctx, id)
	if err != nil {
		return rag.SessionMetadata{}, err
	}
	next := current
	if err := fn(&next); err != nil {
		return current, err
	}
	next.UpdatedAt = m.clock.Now()
	if err := m.store.SaveJSON(ctx, id, rag.DocMetadata, next); err != nil {
		return current, rag.Infrastructure("save session metadata", err)
	}
	m.commit(current, next)
	return next, nil
}

// load must be called with the session lock held.
func (m *Manager) load(ctx context.Context, id string) (rag.SessionMetadata, error) {
	m.mu.RLock()
	meta, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return meta, nil
	}
	meta, err := m.read(ctx, id)
	if err != nil {
		return rag.SessionMetadata{}, err
	}
	m.mu.Lock()
	m.cache[id] = meta
	m.mu.Unlock()
	return meta, nil
}

// read fetches persisted metadata without touching the cache.
func (m *Manager) read(ctx context.Context, id string) (rag.SessionMetadata, error) {
	if strings.TrimSpace(id) == "" {
		return rag.SessionMetadata{}, rag.NotFoundf("session id is empty")
	}
	meta, found, err := storage.Load[rag.SessionMetadata](ctx, m.store, id, rag.DocMetadata)
	if err != nil {
		if rag.KindOf(err) == rag.KindValidation {
			return rag.SessionMetadata{}, rag.NotFoundf("session %s", id)
		}
		return rag.SessionMetadata{}, rag.Infrastructure("load session metadata", err)
	}
	if !found {
		return rag.SessionMetadata{}, rag.NotFoundf("session %s", id)
	}
	return meta, nil
}

func (m *Manager) commit(prev, next rag.SessionMetadata) {
	m.mu.Lock()
	m.cache[next.SessionID] = next
	observers := slices.Clone(m.observers)
	m.mu.Unlock()
	for _, o := range observers {
		o.SessionChanged(prev, next)
	}
}

// lockExisting takes the session lock only once the session is known to
// exist, so lookups of unknown ids leave no lock entry behind. Sessions are
// never deleted, so a lock allocated here stays valid.
func (m *Manager) lockExisting(ctx context.Context, id string) (func(), error) {
	m.mu.RLock()
	_, cached := m.cache[id]
	m.mu.RUnlock()
	if !cached {
		if _, err := m.read(ctx, id); err != nil {
			return nil, err
		}
	}
	return m.lock(id), nil
}

func (m *Manager) lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Package embed turns a scraped session's cleaned pages into indexed chunk
// vectors. Progress is reported to the session manager after every page so
// pollers see chunks_total and pages_embedded grow during the run.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/chunk"
	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/metrics"
	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/retry"
	"github.com/JakeFAU/siterag/internal/session"
	"github.com/JakeFAU/siterag/internal/storage"
	"github.com/JakeFAU/siterag/internal/tasks"
)

// Pipeline runs embedding tasks.
type Pipeline struct {
	sessions *session.Manager
	store    rag.DocumentStore
	chunker  *chunk.Chunker
	embedder rag.Embedder
	index    rag.VectorIndex
	registry *tasks.Registry
	hasher   rag.Hasher

	pool        *ants.Pool
	maxAttempts int
	baseDelay   time.Duration
	policy      retry.Policy
	logger      *zap.Logger

	wg sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithConcurrency sets how many chunks are embedded at once.
func WithConcurrency(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		if p.pool != nil {
			p.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return fmt.Errorf("create embedding pool: %w", err)
		}
		p.pool = pool
		return nil
	}
}

// WithMaxAttempts bounds tries per embedding or upsert call, including the first.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) error {
		p.maxAttempts = n
		return nil
	}
}

// WithRetryBaseDelay sets the first backoff between attempts.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.baseDelay = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) error {
		p.logger = logging.OrNop(logger)
		return nil
	}
}

// New constructs a Pipeline. Call Release when it is no longer needed.
func New(
	sessions *session.Manager,
	store rag.DocumentStore,
	chunker *chunk.Chunker,
	embedder rag.Embedder,
	index rag.VectorIndex,
	registry *tasks.Registry,
	hasher rag.Hasher,
	opts ...Option,
) (*Pipeline, error) {
	switch {
	case sessions == nil:
		return nil, errors.New("embed: session manager is required")
	case store == nil:
		return nil, errors.New("embed: document store is required")
	case chunker == nil:
		return nil, errors.New("embed: chunker is required")
	case embedder == nil:
		return nil, errors.New("embed: embedder is required")
	case index == nil:
		return nil, errors.New("embed: vector index is required")
	case registry == nil:
		return nil, errors.New("embed: task registry is required")
	case hasher == nil:
		return nil, errors.New("embed: hasher is required")
	}
	p := &Pipeline{
		sessions:    sessions,
		store:       store,
		chunker:     chunker,
		embedder:    embedder,
		index:       index,
		registry:    registry,
		hasher:      hasher,
		maxAttempts: 3,
		logger:      zap.NewNop(),
	}
	for _, opt := range append([]Option{WithConcurrency(4)}, opts...) {
		if err := opt(p); err != nil {
			p.Release()
			return nil, err
		}
	}
	var ropts []retry.Option
	if p.baseDelay > 0 {
		ropts = append(ropts, retry.WithBaseDelay(p.baseDelay))
	}
	p.policy = retry.NewExponential(p.maxAttempts, ropts...)
	p.logger = p.logger.Named("embed")
	return p, nil
}

// Release waits for tasks started with Start and frees the worker pool.
func (p *Pipeline) Release() {
	p.wg.Wait()
	if p.pool != nil {
		p.pool.Release()
	}
}

// job is a claimed session ready to embed.
type job struct {
	ctx     context.Context
	release func()
	meta    rag.SessionMetadata
	pages   []rag.CleanedPage
}

// Start claims the session and embeds it in the background. Claim and
// precondition failures are returned immediately.
func (p *Pipeline) Start(ctx context.Context, sessionID string) error {
	j, err := p.prepare(ctx, context.WithoutCancel(ctx), sessionID)
	if err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _ = p.execute(j)
	}()
	return nil
}

// Run embeds the session and returns its final metadata. An error is returned
// only when the task could not be claimed or started, or when the final state
// could not be recorded.
func (p *Pipeline) Run(ctx context.Context, sessionID string) (rag.SessionMetadata, error) {
	j, err := p.prepare(ctx, ctx, sessionID)
	if err != nil {
		return rag.SessionMetadata{}, err
	}
	return p.execute(j)
}

func (p *Pipeline) prepare(ctx, base context.Context, sessionID string) (*job, error) {
	meta, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch meta.Status {
	case rag.StatusScraped:
	case rag.StatusEmbedding:
		return nil, rag.Conflictf("session %s is already embedding", sessionID)
	default:
		return nil, rag.InvalidTransition(sessionID, meta.Status, rag.StatusEmbedding)
	}

	taskCtx, release, err := p.registry.Begin(base, sessionID, rag.TaskEmbed)
	if err != nil {
		return nil, err
	}
	doc, found, err := storage.Load[rag.CleanedPagesDocument](ctx, p.store, sessionID, rag.DocCleanedPages)
	if err != nil {
		release()
		return nil, rag.Infrastructure("load cleaned pages", err)
	}
	if !found {
		release()
		return nil, rag.NotFoundf("cleaned pages for session %s", sessionID)
	}
	meta, err = p.sessions.Transition(ctx, sessionID, rag.StatusEmbedding)
	if err != nil {
		release()
		return nil, err
	}
	return &job{ctx: taskCtx, release: release, meta: meta, pages: doc.Pages}, nil
}

func (p *Pipeline) execute(j *job) (rag.SessionMetadata, error) {
	defer j.release()
	id := j.meta.SessionID
	logger := logging.Session(p.logger, id)
	record := context.WithoutCancel(j.ctx)
	logger.Info("embedding started", zap.Int("pages", len(j.pages)))

	doc, _, err := storage.Load[rag.ChunksDocument](record, p.store, id, rag.DocChunks)
	if err != nil {
		return p.fail(record, id, rag.StatusFailed, "load chunks: "+err.Error(), logger)
	}
	doc.SessionID = id
	acc := newAccumulator(doc)

	for _, page := range j.pages {
		if j.ctx.Err() != nil {
			return p.fail(record, id, rag.StatusEmbedFailed, "embedding canceled", logger)
		}
		if strings.TrimSpace(page.Markdown) == "" {
			logger.Warn("skipping empty page", zap.String("url", page.URL), zap.String("page_name", page.PageName))
			continue
		}
		chunks, err := p.embedPage(j.ctx, id, page)
		if err != nil {
			if j.ctx.Err() != nil {
				return p.fail(record, id, rag.StatusEmbedFailed, "embedding canceled", logger)
			}
			return p.fail(record, id, rag.StatusEmbedFailed, fmt.Sprintf("embed page %s: %v", page.URL, err), logger)
		}
		if len(chunks) == 0 {
			logger.Warn("page produced no chunks", zap.String("url", page.URL))
			continue
		}

		acc.merge(chunks)
		if err := p.store.SaveJSON(record, id, rag.DocChunks, acc.document()); err != nil {
			return p.fail(record, id, rag.StatusFailed, "persist chunks: "+err.Error(), logger)
		}
		if _, err := p.sessions.IncrementChunks(record, id, len(chunks)); err != nil {
			return p.fail(record, id, rag.StatusFailed, "record chunks: "+err.Error(), logger)
		}
		if _, err := p.sessions.IncrementPagesEmbedded(record, id, 1); err != nil {
			return p.fail(record, id, rag.StatusFailed, "record embedded page: "+err.Error(), logger)
		}
		metrics.ObserveChunksEmbedded(len(chunks))
		logger.Debug("page embedded", zap.String("url", page.URL), zap.Int("chunks", len(chunks)))
	}

	final, err := p.sessions.Transition(record, id, rag.StatusReady)
	if err != nil {
		return final, fmt.Errorf("mark session ready: %w", err)
	}
	logger.Info("embedding finished",
		zap.Int("chunks_total", final.ChunksTotal),
		zap.Int("pages_embedded", final.PagesEmbedded),
	)
	return final, nil
}

// embedPage splits the page, embeds its chunks on the pool, then upserts them
// in sequence order.
func (p *Pipeline) embedPage(ctx context.Context, sessionID string, page rag.CleanedPage) ([]rag.Chunk, error) {
	texts, err := p.chunker.Split(page.Markdown)
	if err != nil {
		return nil, err
	}
	chunks := make([]rag.Chunk, len(texts))
	for seq, text := range texts {
		chunkID, err := p.chunkID(sessionID, page.URL, seq)
		if err != nil {
			return nil, err
		}
		chunks[seq] = rag.Chunk{
			ChunkID:       chunkID,
			SessionID:     sessionID,
			PageURL:       page.URL,
			PageName:      page.PageName,
			Text:          text,
			SequenceIndex: seq,
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := range chunks {
		c := &chunks[i]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
				vec, err := p.embedder.Embed(ctx, c.Text)
				if err != nil {
					return err
				}
				c.Vector = vec
				return nil
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("chunk %d: %w", c.SequenceIndex, err))
				mu.Unlock()
			}
		}
		if err := p.pool.Submit(task); err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("submit chunk %d: %w", c.SequenceIndex, err))
			mu.Unlock()
		}
	}
	wg.Wait()
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, c := range chunks {
		err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
			return p.index.Upsert(ctx, c.ChunkID, c.Vector, c.Metadata())
		})
		if err != nil {
			return nil, fmt.Errorf("upsert chunk %d: %w", c.SequenceIndex, err)
		}
	}
	return chunks, nil
}

// chunkID is stable across runs so a retried run overwrites its earlier upserts.
func (p *Pipeline) chunkID(sessionID, pageURL string, seq int) (string, error) {
	id, err := p.hasher.Hash([]byte(fmt.Sprintf("%s|%s|%d", sessionID, pageURL, seq)))
	if err != nil {
		return "", fmt.Errorf("hash chunk id: %w", err)
	}
	return id, nil
}

func (p *Pipeline) fail(
	ctx context.Context,
	sessionID string,
	status rag.Status,
	msg string,
	logger *zap.Logger,
) (rag.SessionMetadata, error) {
	logger.Warn("embedding failed", zap.String("status", string(status)), zap.String("error_message", msg))
	meta, err := p.sessions.Transition(ctx, sessionID, status, session.WithError(msg))
	if err != nil {
		if status != rag.StatusFailed && !errors.Is(err, rag.ErrInvalidTransition) {
			return p.sessions.Transition(ctx, sessionID, rag.StatusFailed, session.WithError(msg))
		}
		return meta, fmt.Errorf("record embedding failure: %w", err)
	}
	return meta, nil
}

// accumulator merges chunks by id, keeping first-seen order.
type accumulator struct {
	sessionID string
	chunks    []rag.Chunk
	pos       map[string]int
}

func newAccumulator(doc rag.ChunksDocument) *accumulator {
	a := &accumulator{sessionID: doc.SessionID, pos: make(map[string]int, len(doc.Chunks))}
	a.merge(doc.Chunks)
	return a
}

func (a *accumulator) merge(chunks []rag.Chunk) {
	for _, c := range chunks {
		if i, ok := a.pos[c.ChunkID]; ok {
			a.chunks[i] = c
			continue
		}
		a.pos[c.ChunkID] = len(a.chunks)
		a.chunks = append(a.chunks, c)
	}
}

func (a *accumulator) document() rag.ChunksDocument {
	return rag.ChunksDocument{SessionID: a.sessionID, Chunks: a.chunks}
}

package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/chunk"
	"github.com/JakeFAU/siterag/internal/hash/sha256"
	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/ragtest"
	"github.com/JakeFAU/siterag/internal/session"
	"github.com/JakeFAU/siterag/internal/storage"
	"github.com/JakeFAU/siterag/internal/storage/memory"
	"github.com/JakeFAU/siterag/internal/tasks"
)

const site = "https://gym.example"

type harness struct {
	store    *ragtest.FlakyStore
	sessions *session.Manager
	registry *tasks.Registry
	embedder *ragtest.Embedder
	index    *ragtest.Index
	pipeline *Pipeline
}

func newHarness(t *testing.T, embedder *ragtest.Embedder, observers ...session.Observer) *harness {
	t.Helper()
	store := ragtest.NewFlakyStore(memory.NewDocumentStore())
	return newHarnessWithStore(t, store, embedder, ragtest.NewIndex(), observers...)
}

func newHarnessWithStore(
	t *testing.T,
	store *ragtest.FlakyStore,
	embedder *ragtest.Embedder,
	index *ragtest.Index,
	observers ...session.Observer,
) *harness {
	t.Helper()
	if embedder == nil {
		embedder = &ragtest.Embedder{}
	}
	sessions := session.NewManager(store, ragtest.NewClock(time.Unix(1_700_000_000, 0)), &ragtest.IDs{}, zap.NewNop(), observers...)
	registry := tasks.NewRegistry()
	chunker, err := chunk.New(40, 0)
	require.NoError(t, err)
	p, err := New(sessions, store, chunker, embedder, index, registry, sha256.New(),
		WithConcurrency(3),
		WithMaxAttempts(2),
		WithRetryBaseDelay(time.Millisecond),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	return &harness{
		store:    store,
		sessions: sessions,
		registry: registry,
		embedder: embedder,
		index:    index,
		pipeline: p,
	}
}

// paragraphs returns n paragraphs that the 40-character chunker keeps apart.
func paragraphs(page string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s paragraph %02d of the site.", page, i)
	}
	return strings.Join(parts, "\n\n")
}

// scraped creates a session in the scraped state with the given cleaned pages.
func (h *harness) scraped(t *testing.T, pages ...rag.CleanedPage) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.sessions.Create(ctx, session.CreateRequest{SourceURL: site})
	require.NoError(t, err)
	_, err = h.sessions.Transition(ctx, id, rag.StatusScraping)
	require.NoError(t, err)
	if pages != nil {
		require.NoError(t, h.store.SaveJSON(ctx, id, rag.DocCleanedPages, rag.CleanedPagesDocument{
			SessionID: id,
			SourceURL: site,
			Pages:     pages,
		}))
	}
	_, err = h.sessions.Transition(ctx, id, rag.StatusScraped, session.WithPagesScraped(len(pages)))
	require.NoError(t, err)
	return id
}

func twoPages() []rag.CleanedPage {
	return []rag.CleanedPage{
		{URL: site + "/", PageName: "Home", Markdown: paragraphs("Home", 4)},
		{URL: site + "/classes", PageName: "Classes", Markdown: paragraphs("Class", 6)},
	}
}

func (h *harness) status(t *testing.T, id string) rag.SessionMetadata {
	t.Helper()
	meta, err := h.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	return meta
}

func TestRunEmbedsEveryPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	id := h.scraped(t, twoPages()...)

	meta, err := h.pipeline.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusReady, meta.Status)
	require.Equal(t, 10, meta.ChunksTotal)
	require.Equal(t, 2, meta.PagesEmbedded)

	n, err := h.index.Count(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	doc, found, err := storage.Load[rag.ChunksDocument](context.Background(), h.store, id, rag.DocChunks)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, doc.Chunks, 10)
	seen := make(map[string]bool)
	for i, c := range doc.Chunks {
		require.False(t, seen[c.ChunkID], "duplicate chunk id %s", c.ChunkID)
		seen[c.ChunkID] = true
		require.NotEmpty(t, c.Vector)
		if i < 4 {
			require.Equal(t, site+"/", c.PageURL)
			require.Equal(t, "Home", c.PageName)
			require.Equal(t, i, c.SequenceIndex)
		} else {
			require.Equal(t, site+"/classes", c.PageURL)
			require.Equal(t, i-4, c.SequenceIndex)
		}
	}
	require.Zero(t, h.registry.Len())
}

func TestProgressIsReportedPerPage(t *testing.T) {
	t.Parallel()

	type progress struct{ chunks, pages int }
	var (
		mu   sync.Mutex
		seen []progress
	)
	observer := session.ObserverFunc(func(_, next rag.SessionMetadata) {
		if next.Status != rag.StatusEmbedding {
			return
		}
		mu.Lock()
		seen = append(seen, progress{next.ChunksTotal, next.PagesEmbedded})
		mu.Unlock()
	})
	h := newHarness(t, nil, observer)
	id := h.scraped(t, twoPages()...)

	_, err := h.pipeline.Run(context.Background(), id)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []progress{{0, 0}, {4, 0}, {4, 1}, {10, 1}, {10, 2}}, seen)
}

func TestStartRejectsSecondTask(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, &ragtest.Embedder{Gate: gate})
	id := h.scraped(t, twoPages()...)
	ctx := context.Background()

	require.NoError(t, h.pipeline.Start(ctx, id))
	require.Equal(t, rag.StatusEmbedding, h.status(t, id).Status)

	require.ErrorIs(t, h.pipeline.Start(ctx, id), rag.ErrConflict)
	_, err := h.pipeline.Run(ctx, id)
	require.ErrorIs(t, err, rag.ErrConflict)

	close(gate)
	require.Eventually(t, func() bool {
		return h.status(t, id).Status == rag.StatusReady
	}, 2*time.Second, 5*time.Millisecond)

	n, err := h.index.Count(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, 10, h.status(t, id).ChunksTotal)
}

func TestStartConflictsWithClaimedSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	id := h.scraped(t, twoPages()...)

	_, release, err := h.registry.Begin(context.Background(), id, rag.TaskScrape)
	require.NoError(t, err)
	defer release()

	require.ErrorIs(t, h.pipeline.Start(context.Background(), id), rag.ErrConflict)
	require.Equal(t, rag.StatusScraped, h.status(t, id).Status)
}

func TestPreconditions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.pipeline.Run(ctx, "missing")
	require.ErrorIs(t, err, rag.ErrNotFound)

	pending, err := h.sessions.Create(ctx, session.CreateRequest{SourceURL: site})
	require.NoError(t, err)
	require.ErrorIs(t, h.pipeline.Start(ctx, pending), rag.ErrInvalidTransition)

	ready := h.scraped(t, twoPages()...)
	_, err = h.pipeline.Run(ctx, ready)
	require.NoError(t, err)
	_, err = h.pipeline.Run(ctx, ready)
	require.ErrorIs(t, err, rag.ErrInvalidTransition)
}

func TestMissingCleanedPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	id := h.scraped(t)

	err := h.pipeline.Start(context.Background(), id)
	require.ErrorIs(t, err, rag.ErrNotFound)
	require.Equal(t, rag.StatusScraped, h.status(t, id).Status)
	require.Zero(t, h.registry.Len())
}

func TestEmbeddingFailureFailsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ragtest.Embedder{FailOn: "Class paragraph 03"})
	id := h.scraped(t, twoPages()...)

	meta, err := h.pipeline.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusEmbedFailed, meta.Status)
	require.Contains(t, meta.ErrorMessage, site+"/classes")
	require.Contains(t, meta.ErrorMessage, ragtest.ErrEmbed.Error())
	require.Equal(t, 4, meta.ChunksTotal)
	require.Equal(t, 1, meta.PagesEmbedded)

	// The first page's upserts are kept.
	n, err := h.index.Count(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Zero(t, h.registry.Len())
}

func TestIndexFailureFailsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.index.UpsertErr = errors.New("index offline")
	id := h.scraped(t, twoPages()...)

	meta, err := h.pipeline.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusEmbedFailed, meta.Status)
	require.Contains(t, meta.ErrorMessage, "index offline")
	require.Zero(t, meta.ChunksTotal)
}

func TestChunkStorageFailureFailsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	id := h.scraped(t, twoPages()...)
	h.store.FailSave(rag.DocChunks, errors.New("bucket unavailable"))

	meta, err := h.pipeline.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusFailed, meta.Status)
	require.Contains(t, meta.ErrorMessage, "persist chunks")
}

func TestEmptyPagesAreSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	pages := append(twoPages(), rag.CleanedPage{URL: site + "/blank", PageName: "Blank", Markdown: "  \n "})
	id := h.scraped(t, pages...)

	meta, err := h.pipeline.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusReady, meta.Status)
	require.Equal(t, 10, meta.ChunksTotal)
	require.Equal(t, 2, meta.PagesEmbedded)
}

func TestCancelStopsEmbedding(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, &ragtest.Embedder{Gate: gate})
	id := h.scraped(t, twoPages()...)

	require.NoError(t, h.pipeline.Start(context.Background(), id))
	require.True(t, h.registry.Cancel(id))

	require.Eventually(t, func() bool {
		return h.status(t, id).Status == rag.StatusEmbedFailed
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "embedding canceled", h.status(t, id).ErrorMessage)
	close(gate)
}

func TestRetriedRunConverges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ragtest.NewFlakyStore(memory.NewDocumentStore())
	index := ragtest.NewIndex()

	first := newHarnessWithStore(t, store, &ragtest.Embedder{FailOn: "Class paragraph 05"}, index)
	id := first.scraped(t, twoPages()...)
	meta, err := first.pipeline.Run(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusEmbedFailed, meta.Status)
	partial, err := index.Count(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 4, partial)

	// An operator resets the session to scraped and a fresh process retries.
	meta.Status = rag.StatusScraped
	meta.ErrorMessage = ""
	meta.ChunksTotal = 0
	meta.PagesEmbedded = 0
	require.NoError(t, store.SaveJSON(ctx, id, rag.DocMetadata, meta))

	second := newHarnessWithStore(t, store, &ragtest.Embedder{}, index)
	final, err := second.pipeline.Run(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusReady, final.Status)
	require.Equal(t, 10, final.ChunksTotal)

	n, err := index.Count(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	doc, _, err := storage.Load[rag.ChunksDocument](ctx, store, id, rag.DocChunks)
	require.NoError(t, err)
	require.Len(t, doc.Chunks, 10)
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, nil, nil, nil, nil)
	require.ErrorContains(t, err, "session manager")
}

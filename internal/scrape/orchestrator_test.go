package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/hash/sha256"
	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/ragtest"
	"github.com/JakeFAU/siterag/internal/session"
	"github.com/JakeFAU/siterag/internal/storage"
	"github.com/JakeFAU/siterag/internal/storage/memory"
	"github.com/JakeFAU/siterag/internal/tasks"
)

const site = "https://example.com"

type harness struct {
	store    *ragtest.FlakyStore
	sessions *session.Manager
	registry *tasks.Registry
	fetcher  rag.Fetcher
	orch     *Orchestrator
}

func defaultConfig() Config {
	return Config{
		MaxPages:       50,
		MaxDepth:       3,
		MaxFailures:    2,
		FetchAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	}
}

func newHarness(t *testing.T, fetcher rag.Fetcher, cfg Config, observers ...session.Observer) *harness {
	t.Helper()
	store := ragtest.NewFlakyStore(memory.NewDocumentStore())
	sessions := session.NewManager(store, ragtest.NewClock(time.Unix(1_700_000_000, 0)), &ragtest.IDs{}, zap.NewNop(), observers...)
	registry := tasks.NewRegistry()
	return &harness{
		store:    store,
		sessions: sessions,
		registry: registry,
		fetcher:  fetcher,
		orch: New(sessions, store, fetcher, registry, sha256.New(),
			ragtest.NewClock(time.Unix(1_700_000_000, 0)), cfg, zap.NewNop()),
	}
}

func (h *harness) create(t *testing.T, req session.CreateRequest) string {
	t.Helper()
	if req.SourceURL == "" {
		req.SourceURL = site
	}
	id, err := h.sessions.Create(context.Background(), req)
	require.NoError(t, err)
	return id
}

func html(title string, links ...string) string {
	body := fmt.Sprintf("<html><head><title>%s</title></head><body><p>Content of %s.</p>", title, title)
	for _, l := range links {
		body += fmt.Sprintf(`<a href="%s">link</a>`, l)
	}
	return body + "</body></html>"
}

func page(title string, links ...string) ragtest.Page {
	return ragtest.Page{Body: html(title, links...), Links: links}
}

// fiveOfSeven is a site where the seed and its two children each link to two
// more pages, so seven pages are reachable.
func fiveOfSeven() map[string]ragtest.Page {
	return map[string]ragtest.Page{
		site:          page("Home", site+"/a", site+"/b"),
		site + "/a":   page("A", site+"/a/1", site+"/a/2"),
		site + "/b":   page("B", site+"/b/1", site+"/b/2"),
		site + "/a/1": page("A1"),
		site + "/a/2": page("A2"),
		site + "/b/1": page("B1"),
		site + "/b/2": page("B2"),
	}
}

func TestRunStopsAtMaxPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fetcher := ragtest.NewFetcher(fiveOfSeven())
	h := newHarness(t, fetcher, defaultConfig())
	id := h.create(t, session.CreateRequest{Crawl: rag.CrawlParams{MaxPages: 5}})

	meta, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusScraped, meta.Status)
	require.Equal(t, 5, meta.PagesScraped)
	require.Equal(t, 5, meta.PagesInProgress)
	require.Equal(t, []string{site, site + "/a", site + "/b", site + "/a/1", site + "/a/2"}, fetcher.Calls())

	raw, found, err := storage.Load[rag.RawPagesDocument](ctx, h.store, id, rag.DocRawPages)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, raw.Pages, 5)
	require.Equal(t, 1, raw.Pages[1].Depth)
	require.Equal(t, 2, raw.Pages[4].Depth)
	require.NotEmpty(t, raw.Pages[0].ContentHash)

	n, err := h.store.CountEntries(ctx, id, rag.DocCleanedPages, "pages")
	require.NoError(t, err)
	require.Equal(t, 5, n)
	cleaned, _, err := storage.Load[rag.CleanedPagesDocument](ctx, h.store, id, rag.DocCleanedPages)
	require.NoError(t, err)
	require.Equal(t, "Home", cleaned.Pages[0].PageName)
	require.Contains(t, cleaned.Pages[0].Markdown, "Content of Home.")
	require.Zero(t, h.registry.Len())
}

func TestProgressIsVisibleBeforeDocumentsAreWritten(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var progress []int
	var savedBefore []int
	var h *harness
	observer := session.ObserverFunc(func(_, next rag.SessionMetadata) {
		if next.Status != rag.StatusScraping {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, next.PagesInProgress)
		savedBefore = append(savedBefore, h.store.Saves(rag.DocRawPages))
	})
	h = newHarness(t, ragtest.NewFetcher(fiveOfSeven()), defaultConfig(), observer)
	id := h.create(t, session.CreateRequest{})

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 7, meta.PagesScraped)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, progress)
	for _, saves := range savedBefore {
		require.Zero(t, saves)
	}
	require.Equal(t, 1, h.store.Saves(rag.DocRawPages))
}

func TestRunToleratesFailuresBelowThreshold(t *testing.T) {
	t.Parallel()

	pages := map[string]ragtest.Page{
		site:         page("Home", site+"/gone", site+"/ok"),
		site + "/ok": page("OK"),
	}
	h := newHarness(t, ragtest.NewFetcher(pages), defaultConfig())
	id := h.create(t, session.CreateRequest{})

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusScraped, meta.Status)
	require.Equal(t, 2, meta.PagesScraped)
	require.Equal(t, 1, meta.PagesFailed)
	require.Empty(t, meta.ErrorMessage)
}

func TestRunAbortsWhenFailuresExceedThreshold(t *testing.T) {
	t.Parallel()

	pages := map[string]ragtest.Page{
		site: page("Home", site+"/1", site+"/2", site+"/3", site+"/4"),
	}
	fetcher := ragtest.NewFetcher(pages)
	h := newHarness(t, fetcher, defaultConfig())
	id := h.create(t, session.CreateRequest{})

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusScrapeFailed, meta.Status)
	require.Equal(t, 3, meta.PagesFailed)
	require.Contains(t, meta.ErrorMessage, "aborted after 3 failed pages")
	require.Contains(t, meta.ErrorMessage, "unexpected status 404")
	require.Len(t, fetcher.Calls(), 4)

	_, found, err := h.store.LoadJSON(context.Background(), id, rag.DocRawPages)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRunRespectsDepthAndHost(t *testing.T) {
	t.Parallel()

	depth := 1
	pages := map[string]ragtest.Page{
		site:                        page("Home", site+"/a", "https://www.example.com/w", "https://other.test/x", "mailto:x@example.com"),
		site + "/a":                 page("A", site+"/a/deep"),
		"https://www.example.com/w": page("W"),
		site + "/a/deep":            page("Deep"),
		"https://other.test/x":      page("Other"),
	}
	fetcher := ragtest.NewFetcher(pages)
	h := newHarness(t, fetcher, defaultConfig())
	id := h.create(t, session.CreateRequest{Crawl: rag.CrawlParams{MaxDepth: &depth}})

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 3, meta.PagesScraped)
	require.ElementsMatch(t, []string{site, site + "/a", "https://www.example.com/w"}, fetcher.Calls())
}

func TestRunDeduplicatesNormalizedURLs(t *testing.T) {
	t.Parallel()

	pages := map[string]ragtest.Page{
		site:                page("Home", site+"/a?y=2&x=1", "HTTPS://EXAMPLE.COM:443/a?x=1&y=2#top", site+"/"),
		site + "/a?y=2&x=1": page("A", site),
	}
	fetcher := ragtest.NewFetcher(pages)
	h := newHarness(t, fetcher, defaultConfig())
	id := h.create(t, session.CreateRequest{})

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 2, meta.PagesScraped)
	require.Len(t, fetcher.Calls(), 2)
}

func TestRunWithNoPagesFailsScrape(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ragtest.NewFetcher(nil), defaultConfig())
	id := h.create(t, session.CreateRequest{})

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusScrapeFailed, meta.Status)
	require.Contains(t, meta.ErrorMessage, "no pages could be fetched from "+site)
	require.Equal(t, 1, meta.PagesFailed)
}

func TestRunCancellation(t *testing.T) {
	t.Parallel()

	fetcher := ragtest.NewFetcher(fiveOfSeven())
	h := newHarness(t, fetcher, defaultConfig())
	id := h.create(t, session.CreateRequest{})
	fetcher.OnFetch = func(url string) {
		if url == site+"/a" {
			h.registry.Cancel(id)
		}
	}

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusScrapeFailed, meta.Status)
	require.Equal(t, "scrape canceled", meta.ErrorMessage)
	// The in-flight page completes; nothing after it is fetched.
	require.Equal(t, 2, meta.PagesInProgress)
	require.Equal(t, []string{site, site + "/a"}, fetcher.Calls())
	require.Zero(t, h.registry.Len())
}

func TestCancelAfterLastPageKeepsCompletedCrawl(t *testing.T) {
	t.Parallel()

	fetcher := ragtest.NewFetcher(map[string]ragtest.Page{site: page("Home")})
	h := newHarness(t, fetcher, defaultConfig())
	id := h.create(t, session.CreateRequest{})
	// The only page is already in flight when the cancel arrives, so the
	// crawl loop ends normally.
	fetcher.OnFetch = func(string) { h.registry.Cancel(id) }

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusScraped, meta.Status)
	require.Equal(t, 1, meta.PagesScraped)
	require.Empty(t, meta.ErrorMessage)
}

func TestRunSitemapMode(t *testing.T) {
	t.Parallel()

	sitemap := `<?xml version="1.0"?><urlset>
<url><loc>https://example.com/guide</loc></url>
<url><loc>https://example.com/faq</loc></url>
<url><loc>https://elsewhere.test/x</loc></url>
</urlset>`
	pages := map[string]ragtest.Page{
		site:                  page("Home"),
		site + "/sitemap.xml": {Body: sitemap},
		site + "/guide":       page("Guide"),
		site + "/faq":         page("FAQ"),
	}
	fetcher := ragtest.NewFetcher(pages)
	h := newHarness(t, fetcher, defaultConfig())
	id := h.create(t, session.CreateRequest{Mode: rag.ModeSitemap})

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusScraped, meta.Status)
	require.Equal(t, 3, meta.PagesScraped)
	require.Equal(t, []string{site + "/sitemap.xml", site, site + "/guide", site + "/faq"}, fetcher.Calls())
}

func TestRunSitemapMissingFallsBackToLinks(t *testing.T) {
	t.Parallel()

	pages := map[string]ragtest.Page{
		site:        page("Home", site+"/a"),
		site + "/a": page("A"),
	}
	h := newHarness(t, ragtest.NewFetcher(pages), defaultConfig())
	id := h.create(t, session.CreateRequest{Mode: rag.ModeSitemap})

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 2, meta.PagesScraped)
	require.Zero(t, meta.PagesFailed)
}

// flakyFetcher fails the first failures calls per URL with a 503.
type flakyFetcher struct {
	rag.Fetcher
	mu       sync.Mutex
	failures int
	seen     map[string]int
}

func (f *flakyFetcher) Fetch(ctx context.Context, url string) (rag.FetchResult, error) {
	f.mu.Lock()
	f.seen[url]++
	n := f.seen[url]
	f.mu.Unlock()
	if n <= f.failures {
		return rag.FetchResult{}, &rag.StatusError{URL: url, Code: http.StatusServiceUnavailable}
	}
	return f.Fetcher.Fetch(ctx, url)
}

func TestRunRetriesTransientFetchErrors(t *testing.T) {
	t.Parallel()

	fetcher := &flakyFetcher{
		Fetcher:  ragtest.NewFetcher(map[string]ragtest.Page{site: page("Home")}),
		failures: 2,
		seen:     make(map[string]int),
	}
	cfg := defaultConfig()
	cfg.FetchAttempts = 3
	h := newHarness(t, fetcher, cfg)
	id := h.create(t, session.CreateRequest{})

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusScraped, meta.Status)
	require.Equal(t, 3, fetcher.seen[site])
	require.Zero(t, meta.PagesFailed)
}

func TestRunRejectsConflictsAndWrongStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, ragtest.NewFetcher(fiveOfSeven()), defaultConfig())
	id := h.create(t, session.CreateRequest{})

	_, release, err := h.registry.Begin(ctx, id, rag.TaskEmbed)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, id)
	require.ErrorIs(t, err, rag.ErrConflict)
	meta, err := h.sessions.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusPending, meta.Status)
	release()

	_, err = h.orch.Run(ctx, id)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, id)
	require.ErrorIs(t, err, rag.ErrInvalidTransition)

	_, err = h.orch.Run(ctx, "missing")
	require.ErrorIs(t, err, rag.ErrNotFound)
}

func TestRunStorageFailureMarksSessionFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ragtest.NewFetcher(fiveOfSeven()), defaultConfig())
	h.store.FailSave(rag.DocRawPages, errors.New("bucket unavailable"))
	id := h.create(t, session.CreateRequest{})

	meta, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusFailed, meta.Status)
	require.Contains(t, meta.ErrorMessage, "persist raw pages: bucket unavailable")
}

func TestRawPagesKeepServedBytes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	latin1 := "<html><head><title>Menu</title></head><body><p>caf\xe9 au lait</p></body></html>"
	h := newHarness(t, ragtest.NewFetcher(map[string]ragtest.Page{site: {Body: latin1}}), defaultConfig())
	id := h.create(t, session.CreateRequest{})

	meta, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rag.StatusScraped, meta.Status)

	raw, found, err := storage.Load[rag.RawPagesDocument](ctx, h.store, id, rag.DocRawPages)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte(latin1), raw.Pages[0].Content)
	digest, err := sha256.New().Hash(raw.Pages[0].Content)
	require.NoError(t, err)
	require.Equal(t, digest, raw.Pages[0].ContentHash)
}

// Package scrape crawls a session's source site breadth-first, reports
// per-page progress through the session manager, and persists the raw and
// cleaned page documents once the crawl ends.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/clean"
	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/metrics"
	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/ratelimit"
	"github.com/JakeFAU/siterag/internal/retry"
	"github.com/JakeFAU/siterag/internal/session"
	"github.com/JakeFAU/siterag/internal/tasks"
)

// Config holds the service-wide crawl defaults. Sessions may override
// MaxPages, MaxDepth and Delay.
type Config struct {
	MaxPages    int
	MaxDepth    int
	Delay       time.Duration
	MaxFailures int
	// FetchAttempts bounds tries per page, including the first.
	FetchAttempts  int
	RetryBaseDelay time.Duration
}

// Orchestrator runs scrape tasks.
type Orchestrator struct {
	sessions *session.Manager
	store    rag.DocumentStore
	fetcher  rag.Fetcher
	registry *tasks.Registry
	hasher   rag.Hasher
	clock    rag.Clock
	cfg      Config
	policy   retry.Policy
	logger   *zap.Logger
}

// New constructs an Orchestrator.
func New(
	sessions *session.Manager,
	store rag.DocumentStore,
	fetcher rag.Fetcher,
	registry *tasks.Registry,
	hasher rag.Hasher,
	clock rag.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	var opts []retry.Option
	if cfg.RetryBaseDelay > 0 {
		opts = append(opts, retry.WithBaseDelay(cfg.RetryBaseDelay))
	}
	return &Orchestrator{
		sessions: sessions,
		store:    store,
		fetcher:  fetcher,
		registry: registry,
		hasher:   hasher,
		clock:    clock,
		cfg:      cfg,
		policy:   retry.NewExponential(cfg.FetchAttempts, opts...),
		logger:   logging.OrNop(logger).Named("scrape"),
	}
}

// params is the effective crawl configuration for one session.
type params struct {
	maxPages    int
	maxDepth    int
	delay       time.Duration
	maxFailures int
}

func (o *Orchestrator) params(meta rag.SessionMetadata) params {
	p := params{
		maxPages:    o.cfg.MaxPages,
		maxDepth:    o.cfg.MaxDepth,
		delay:       o.cfg.Delay,
		maxFailures: o.cfg.MaxFailures,
	}
	if meta.Crawl.MaxPages > 0 {
		p.maxPages = meta.Crawl.MaxPages
	}
	if meta.Crawl.MaxDepth != nil {
		p.maxDepth = *meta.Crawl.MaxDepth
	}
	if meta.Crawl.Delay > 0 {
		p.delay = meta.Crawl.Delay
	}
	if p.maxPages <= 0 {
		p.maxPages = 1
	}
	return p
}

type frontierItem struct {
	url   string
	depth int
}

// crawlOutcome is what the fetch loop produced before finalization.
type crawlOutcome struct {
	pages    []rag.RawPage
	failures int
	lastErr  error
	// abort is set when the session must end in scrape_failed.
	abort string
	// infra is set when recording progress failed.
	infra error
	// canceled is set when the loop stopped early because the task was
	// cancelled. A cancel that lands after the loop finished does not set it.
	canceled bool
}

// Run scrapes a pending session to completion and returns its final
// metadata. An error is returned only when the task could not be claimed or
// started, or when the final state could not be recorded.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (rag.SessionMetadata, error) {
	if _, err := o.sessions.Get(ctx, sessionID); err != nil {
		return rag.SessionMetadata{}, err
	}
	taskCtx, release, err := o.registry.Begin(ctx, sessionID, rag.TaskScrape)
	if err != nil {
		return rag.SessionMetadata{}, err
	}
	defer release()

	meta, err := o.sessions.Transition(ctx, sessionID, rag.StatusScraping)
	if err != nil {
		return meta, err
	}
	logger := logging.Session(o.logger, sessionID)
	p := o.params(meta)
	logger.Info("scrape started",
		zap.String("source_url", meta.SourceURL),
		zap.String("mode", string(meta.Mode)),
		zap.Int("max_pages", p.maxPages),
		zap.Int("max_depth", p.maxDepth),
		zap.Duration("delay", p.delay),
	)

	// Progress and final state are recorded even after the task is cancelled.
	record := context.WithoutCancel(ctx)
	out := o.crawl(taskCtx, record, meta, p, logger)

	switch {
	case out.infra != nil:
		return o.fail(record, sessionID, rag.StatusFailed, out.infra.Error(), logger)
	case out.canceled:
		return o.fail(record, sessionID, rag.StatusScrapeFailed, "scrape canceled", logger)
	case out.abort != "":
		return o.fail(record, sessionID, rag.StatusScrapeFailed, out.abort, logger)
	case len(out.pages) == 0:
		msg := "no pages could be fetched from " + meta.SourceURL
		if out.lastErr != nil {
			msg += ": " + out.lastErr.Error()
		}
		return o.fail(record, sessionID, rag.StatusScrapeFailed, msg, logger)
	}
	return o.finalize(record, meta, out, logger)
}

func (o *Orchestrator) crawl(
	ctx, record context.Context,
	meta rag.SessionMetadata,
	p params,
	logger *zap.Logger,
) crawlOutcome {
	var out crawlOutcome
	bounds, err := newBoundary(meta.SourceURL)
	if err != nil {
		out.abort = err.Error()
		return out
	}
	limiter := ratelimit.New(ratelimit.Config{Interval: p.delay})
	visited := make(map[string]struct{})
	var frontier []frontierItem

	enqueue := func(rawURL string, depth int) {
		if depth > p.maxDepth || !bounds.allows(rawURL) {
			return
		}
		key, err := NormalizeURL(rawURL)
		if err != nil {
			return
		}
		if _, seen := visited[key]; seen {
			return
		}
		visited[key] = struct{}{}
		frontier = append(frontier, frontierItem{url: rawURL, depth: depth})
	}

	enqueue(meta.SourceURL, 0)
	if meta.Mode == rag.ModeSitemap {
		for _, loc := range o.sitemap(ctx, limiter, meta.SourceURL, logger) {
			enqueue(loc, 1)
		}
	}

	for len(frontier) > 0 && len(out.pages) < p.maxPages {
		if ctx.Err() != nil {
			out.canceled = true
			return out
		}
		item := frontier[0]
		frontier = frontier[1:]

		if err := limiter.Wait(ctx, item.url); err != nil {
			out.canceled = true
			return out
		}
		res, err := o.fetch(ctx, item.url)
		if err != nil {
			if ctx.Err() != nil {
				out.canceled = true
				return out
			}
			out.failures++
			out.lastErr = err
			metrics.ObservePage(item.url, "failed", 0)
			logger.Warn("page fetch failed",
				zap.String("url", item.url),
				zap.Int("depth", item.depth),
				zap.Error(err),
			)
			if _, err := o.sessions.IncrementPagesFailed(record, meta.SessionID, 1); err != nil {
				out.infra = fmt.Errorf("record failed page: %w", err)
				return out
			}
			if out.failures > p.maxFailures {
				out.abort = fmt.Sprintf("aborted after %d failed pages; last error: %v", out.failures, err)
				return out
			}
			continue
		}

		page := rag.RawPage{
			URL:        item.url,
			Depth:      item.depth,
			StatusCode: res.StatusCode,
			Content:    res.Content,
			FetchedAt:  o.clock.Now(),
		}
		if digest, err := o.hasher.Hash(res.Content); err == nil {
			page.ContentHash = digest
		}
		out.pages = append(out.pages, page)
		metrics.ObservePage(item.url, "fetched", len(res.Content))
		if _, err := o.sessions.IncrementPagesInProgress(record, meta.SessionID, 1); err != nil {
			out.infra = fmt.Errorf("record scraped page: %w", err)
			return out
		}

		// A redirect target counts as visited too.
		if res.URL != "" && res.URL != item.url {
			if key, err := NormalizeURL(res.URL); err == nil {
				visited[key] = struct{}{}
			}
		}
		for _, link := range res.Links {
			enqueue(link, item.depth+1)
		}
	}
	return out
}

func (o *Orchestrator) fetch(ctx context.Context, url string) (rag.FetchResult, error) {
	var res rag.FetchResult
	err := retry.Do(ctx, o.policy, func(ctx context.Context) error {
		var err error
		res, err = o.fetcher.Fetch(ctx, url)
		return err
	})
	return res, err
}

// sitemap returns same-site <loc> entries from the seed origin's sitemap.xml.
// Any failure falls back to link discovery from the seed alone.
func (o *Orchestrator) sitemap(ctx context.Context, limiter *ratelimit.Limiter, seed string, logger *zap.Logger) []string {
	target, err := sitemapURL(seed)
	if err != nil {
		return nil
	}
	if err := limiter.Wait(ctx, target); err != nil {
		return nil
	}
	res, err := o.fetch(ctx, target)
	if err != nil {
		logger.Info("sitemap unavailable; discovering links from the seed", zap.String("url", target), zap.Error(err))
		return nil
	}
	locs, err := clean.SitemapLocs(res.Content)
	if err != nil {
		logger.Warn("sitemap could not be parsed", zap.String("url", target), zap.Error(err))
		return nil
	}
	logger.Info("sitemap loaded", zap.String("url", target), zap.Int("entries", len(locs)))
	return locs
}

func (o *Orchestrator) finalize(
	ctx context.Context,
	meta rag.SessionMetadata,
	out crawlOutcome,
	logger *zap.Logger,
) (rag.SessionMetadata, error) {
	raw := rag.RawPagesDocument{
		SessionID: meta.SessionID,
		SourceURL: meta.SourceURL,
		Pages:     out.pages,
	}
	if err := o.store.SaveJSON(ctx, meta.SessionID, rag.DocRawPages, raw); err != nil {
		return o.fail(ctx, meta.SessionID, rag.StatusFailed, "persist raw pages: "+err.Error(), logger)
	}

	cleaned := rag.CleanedPagesDocument{
		SessionID: meta.SessionID,
		SourceURL: meta.SourceURL,
		Pages:     make([]rag.CleanedPage, 0, len(out.pages)),
	}
	for _, page := range out.pages {
		cp, err := clean.Page(page.URL, page.Content)
		if err != nil {
			logger.Warn("page could not be cleaned", zap.String("url", page.URL), zap.Error(err))
			continue
		}
		cleaned.Pages = append(cleaned.Pages, cp)
	}
	if err := o.store.SaveJSON(ctx, meta.SessionID, rag.DocCleanedPages, cleaned); err != nil {
		return o.fail(ctx, meta.SessionID, rag.StatusFailed, "persist cleaned pages: "+err.Error(), logger)
	}

	final, err := o.sessions.Transition(ctx, meta.SessionID, rag.StatusScraped, session.WithPagesScraped(len(out.pages)))
	if err != nil {
		return final, fmt.Errorf("mark session scraped: %w", err)
	}
	logger.Info("scrape finished",
		zap.Int("pages_scraped", final.PagesScraped),
		zap.Int("pages_failed", final.PagesFailed),
	)
	return final, nil
}

func (o *Orchestrator) fail(
	ctx context.Context,
	sessionID string,
	status rag.Status,
	msg string,
	logger *zap.Logger,
) (rag.SessionMetadata, error) {
	logger.Warn("scrape failed", zap.String("status", string(status)), zap.String("error_message", msg))
	meta, err := o.sessions.Transition(ctx, sessionID, status, session.WithError(msg))
	if err != nil {
		if status != rag.StatusFailed && !errors.Is(err, rag.ErrInvalidTransition) {
			return o.sessions.Transition(ctx, sessionID, rag.StatusFailed, session.WithError(msg))
		}
		return meta, fmt.Errorf("record scrape failure: %w", err)
	}
	return meta, nil
}

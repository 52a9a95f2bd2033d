// Package collyfetcher implements rag.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/clean"
	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/rag"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements rag.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// permanentError marks failures that repeating the request cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string   { return e.err.Error() }
func (e permanentError) Unwrap() error   { return e.err }
func (e permanentError) Retryable() bool { return false }

// New builds a Fetcher. The HTTP transport is shared by every fetch; when
// robots.txt is respected its probes are retried and fall back to allow-all.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	logger = logging.OrNop(logger)
	c := colly.NewCollector(colly.Async(false))
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = newRobotsTransport(transport, logger)
	}
	c.WithTransport(transport)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		logger:        logger,
	}
}

// fetchState collects what the collector callbacks observed for one visit.
type fetchState struct {
	result   rag.FetchResult
	seen     map[string]struct{}
	fetchErr error
}

// Fetch executes a single HTTP GET and returns the body and outbound links.
func (f *Fetcher) Fetch(ctx context.Context, url string) (rag.FetchResult, error) {
	state := &fetchState{seen: make(map[string]struct{})}
	collector := f.buildCollector(state)

	if err := f.runCollector(ctx, collector, url, state); err != nil {
		return rag.FetchResult{}, err
	}
	if state.result.URL == "" {
		state.result.URL = url
	}
	return state.result, nil
}

// buildCollector clones the base collector, which shares its HTTP backend,
// and attaches callbacks that write into state.
func (f *Fetcher) buildCollector(state *fetchState) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	configureCollectorHooks(collector, state)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, state *fetchState) {
	hooks.OnResponse(func(r *colly.Response) {
		state.result.URL = r.Request.URL.String()
		state.result.StatusCode = r.StatusCode
		state.result.Content = append([]byte(nil), r.Body...)
	})

	hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link, ok := clean.Resolve(e.Request.URL, e.Attr("href"))
		if !ok {
			return
		}
		if _, dup := state.seen[link]; dup {
			return
		}
		state.seen[link] = struct{}{}
		state.result.Links = append(state.result.Links, link)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			state.fetchErr = &rag.StatusError{URL: r.Request.URL.String(), Code: r.StatusCode}
			return
		}
		state.fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, state *fetchState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		var statusErr *rag.StatusError
		switch {
		case errors.As(state.fetchErr, &statusErr):
			return statusErr
		case errors.Is(err, colly.ErrRobotsTxtBlocked), errors.Is(err, colly.ErrForbiddenURL),
			errors.Is(err, colly.ErrMissingURL):
			return permanentError{err: fmt.Errorf("colly visit %s: %w", url, err)}
		case err != nil:
			return fmt.Errorf("colly visit failed: %w", err)
		case state.fetchErr != nil:
			return fmt.Errorf("colly response failed: %w", state.fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

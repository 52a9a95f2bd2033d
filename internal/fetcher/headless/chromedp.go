// Package headless contains a fetcher that renders pages in headless Chrome
// before extracting content and links.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/siterag/internal/clean"
	"github.com/JakeFAU/siterag/internal/rag"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettle            = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrent browser tabs; zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to let scripts run after the body is ready.
	Settle time.Duration
}

// Fetcher implements rag.Fetcher using chromedp and headless Chrome. One
// browser process is shared and each fetch runs in its own tab.
type Fetcher struct {
	cfg       Config
	slots     chan struct{}
	browser   context.Context
	stopAlloc context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser is
// started lazily by the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless: max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	browser, stop := chromedp.NewExecAllocator(context.Background(), opts...)
	f := &Fetcher{cfg: cfg, browser: browser, stopAlloc: stop}
	if cfg.MaxParallel > 0 {
		f.slots = make(chan struct{}, cfg.MaxParallel)
	}
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.stopAlloc()
}

// Fetch renders url in a new tab and returns the resulting DOM with the links
// found in it.
func (f *Fetcher) Fetch(ctx context.Context, url string) (rag.FetchResult, error) {
	if err := f.acquire(ctx); err != nil {
		return rag.FetchResult{}, err
	}
	defer f.release()

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	var html, location string
	err := chromedp.Run(tab,
		f.prepareTab(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.Settle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return rag.FetchResult{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return rag.FetchResult{}, fmt.Errorf("render %s: %w", url, err)
	}

	status, finalURL := doc.result(url, location)
	if status >= http.StatusBadRequest {
		return rag.FetchResult{}, &rag.StatusError{URL: finalURL, Code: status}
	}
	links, err := clean.Links(finalURL, []byte(html))
	if err != nil {
		return rag.FetchResult{}, fmt.Errorf("extract links: %w", err)
	}
	return rag.FetchResult{
		URL:        finalURL,
		StatusCode: status,
		Content:    []byte(html),
		Links:      links,
	}, nil
}

func (f *Fetcher) prepareTab() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return ctx.Err()
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.slots != nil {
		<-f.slots
	}
}

// documentResponse records the status and URL of the last top-level document
// response seen by a tab. Redirects overwrite earlier hops.
type documentResponse struct {
	mu     sync.Mutex
	status int
	url    string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.mu.Unlock()
}

// result falls back to the browser location, then the requested URL, and
// assumes 200 when no document response was observed.
func (d *documentResponse) result(requested, location string) (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	if url == "" {
		url = location
	}
	if url == "" {
		url = requested
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

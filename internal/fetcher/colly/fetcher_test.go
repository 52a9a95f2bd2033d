package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/rag"
)

func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Home</title></head><body>
<a href="/about#team">About</a>
<a href="docs/">Docs</a>
<a href="mailto:hi@example.com">Mail</a>
<a href="/about">About again</a>
</body></html>`)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchReturnsBodyAndLinks(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	f := New(Config{UserAgent: "siterag-test", Timeout: time.Second}, zap.NewNop())

	res, err := f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Content), "<title>Home</title>")
	require.Equal(t, []string{srv.URL + "/about", srv.URL + "/docs/"}, res.Links)

	again, err := f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err, "revisiting a URL must be allowed across fetches")
	require.Equal(t, res.Links, again.Links)
}

func TestFetchMapsHTTPErrorsToStatusError(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	f := New(Config{Timeout: time.Second}, zap.NewNop())

	_, err := f.Fetch(context.Background(), srv.URL+"/missing")
	var statusErr *rag.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusNotFound, statusErr.Code)
	require.False(t, statusErr.Retryable())

	_, err = f.Fetch(context.Background(), srv.URL+"/broken")
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	require.True(t, statusErr.Retryable())
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	f := New(Config{Timeout: 5 * time.Second}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.Fetch(ctx, srv.URL+"/slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewAppliesCollectorSettings(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second}, nil)
	require.Equal(t, "coverage-agent", f.baseCollector.UserAgent)
	require.False(t, f.baseCollector.IgnoreRobotsTxt)
	_, ok := f.transport.(*robotsTransport)
	require.True(t, ok)

	f = New(Config{}, nil)
	require.True(t, f.baseCollector.IgnoreRobotsTxt)
	_, ok = f.transport.(*http.Transport)
	require.True(t, ok)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	state := &fetchState{seen: make(map[string]struct{})}
	hooks := &stubHooks{}
	configureCollectorHooks(hooks, state)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onHTML)
	require.NotNil(t, hooks.onError)
	require.Equal(t, "a[href]", hooks.htmlSelector)

	req := &colly.Request{URL: mustParseURL(t, "https://example.com/docs/")}
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Request:    req,
	})
	require.Equal(t, http.StatusCreated, state.result.StatusCode)
	require.Equal(t, "body", string(state.result.Content))
	require.Equal(t, "https://example.com/docs/", state.result.URL)

	hooks.onError(&colly.Response{StatusCode: http.StatusTooManyRequests, Request: req}, errors.New("Too Many Requests"))
	var statusErr *rag.StatusError
	require.True(t, errors.As(state.fetchErr, &statusErr))
	require.Equal(t, http.StatusTooManyRequests, statusErr.Code)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, state.fetchErr, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onResponse   colly.ResponseCallback
	onHTML       colly.HTMLCallback
	htmlSelector string
	onError      colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnHTML(selector string, cb colly.HTMLCallback) {
	s.htmlSelector = selector
	s.onHTML = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

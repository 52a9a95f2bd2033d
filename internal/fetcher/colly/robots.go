package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/metrics"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// Fallback reasons recorded per host.
const (
	reasonTimeout     = "robots.txt timed out"
	reasonServerError = "robots.txt returned a server error"
)

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport retries robots.txt probes and answers with an allow-all
// file when a host never produces a usable one. A site whose robots.txt is
// unreachable would otherwise have every page disallowed. Other requests
// pass straight through.
type robotsTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	fallbacks map[string]string
}

func newRobotsTransport(base http.RoundTripper, logger *zap.Logger) *robotsTransport {
	return &robotsTransport{
		base:      base,
		backoff:   defaultRobotsBackoff,
		logger:    logger,
		fallbacks: make(map[string]string),
	}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}
	return t.probe(req)
}

func (t *robotsTransport) probe(req *http.Request) (*http.Response, error) {
	var reason string
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil && resp.StatusCode < http.StatusInternalServerError:
			return resp, nil
		case err == nil:
			drain(resp)
			reason = reasonServerError
		case isTimeout(err):
			reason = reasonTimeout
		default:
			return nil, fmt.Errorf("robots probe %s: %w", req.URL.Host, err)
		}
		if attempt >= len(t.backoff) {
			break
		}
		if err := wait(req.Context(), t.backoff[attempt]); err != nil {
			return nil, err
		}
	}
	t.recordFallback(req.URL.Hostname(), reason)
	return allowAllResponse(req), nil
}

func (t *robotsTransport) recordFallback(host, reason string) {
	t.mu.Lock()
	_, seen := t.fallbacks[host]
	t.fallbacks[host] = reason
	t.mu.Unlock()
	if seen {
		return
	}
	metrics.ObserveRobotsFallback()
	t.logger.Warn("treating robots.txt as allow-all",
		zap.String("host", host),
		zap.String("reason", reason),
	)
}

// fallback reports why host was treated as allow-all, if it was.
func (t *robotsTransport) fallback(host string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reason, ok := t.fallbacks[host]
	return reason, ok
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Request:       req,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}

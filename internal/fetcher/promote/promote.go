// Package promote fetches pages over plain HTTP and re-renders them in a
// headless browser when the static HTML looks like a client-rendered shell.
package promote

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/rag"
)

// Detector decides whether a probe result needs a headless render.
type Detector interface {
	ShouldPromote(res rag.FetchResult) bool
}

// Fetcher implements rag.Fetcher by promoting probe results to a renderer.
type Fetcher struct {
	probe    rag.Fetcher
	renderer rag.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New constructs a promoting Fetcher.
func New(probe, renderer rag.Fetcher, detector Detector, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		probe:    probe,
		renderer: renderer,
		detector: detector,
		logger:   logging.OrNop(logger),
	}
}

// Fetch returns the probe result unless the detector asks for a render. A
// failed render falls back to the probe result.
func (f *Fetcher) Fetch(ctx context.Context, url string) (rag.FetchResult, error) {
	res, err := f.probe.Fetch(ctx, url)
	if err != nil || !f.detector.ShouldPromote(res) {
		return res, err
	}
	rendered, err := f.renderer.Fetch(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return rag.FetchResult{}, ctx.Err()
		}
		f.logger.Warn("headless render failed; keeping static html", zap.String("url", url), zap.Error(err))
		return res, nil
	}
	f.logger.Debug("page promoted to headless", zap.String("url", url))
	return rendered, nil
}

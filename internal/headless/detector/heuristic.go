// Package detector decides when a page fetched over plain HTTP must be
// re-rendered in a headless browser before its text is usable.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/siterag/internal/rag"
)

const (
	// DefaultThreshold is the body size under which script-heavy pages are promoted.
	DefaultThreshold = 2048

	// minVisibleWords is how much static text a page with an app mount point
	// needs before it counts as server rendered.
	minVisibleWords = 20

	// scriptSharePercent of a small body spent on script tags marks a shell.
	scriptSharePercent = 25
)

// mountPoints match the root elements client-side frameworks render into.
const mountPoints = `#__next, #__nuxt, #root, #app, [data-reactroot], [ng-version]`

// Heuristic promotes pages whose static HTML looks like a client-rendered
// shell.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold selects DefaultThreshold.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// ShouldPromote reports whether res needs a headless render.
func (h *Heuristic) ShouldPromote(res rag.FetchResult) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(res.Content)) == 0 {
		return true
	}
	s, err := inspect(res.Content)
	if err != nil {
		return false
	}
	if len(res.Content) < h.BodyLengthThreshold && s.scriptBytes*100 >= scriptSharePercent*len(res.Content) {
		return true
	}
	return s.mounted && s.words < minVisibleWords
}

type signals struct {
	scriptBytes int
	words       int
	mounted     bool
}

func inspect(body []byte) (signals, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return signals{}, err
	}
	var s signals
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		if html, err := goquery.OuterHtml(sel); err == nil {
			s.scriptBytes += len(html)
		}
	})
	s.mounted = doc.Find(mountPoints).Length() > 0
	doc.Find("script, style, noscript, template").Remove()
	s.words = len(strings.Fields(doc.Find("body").Text()))
	return s, nil
}

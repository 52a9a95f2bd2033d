// Package clean turns fetched HTML into the Markdown-flavoured text that gets
// chunked and embedded, and extracts links and sitemap entries.
package clean

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/siterag/internal/rag"
)

const (
	noiseSelector = "script, style, noscript, template, iframe, svg, canvas, form, nav, footer, header, aside"
	blockSelector = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, th, dt, dd"
)

// Page converts one fetched page to a CleanedPage. The page name is the
// document title, falling back to the first heading and then the URL path.
func Page(pageURL string, body []byte) (rag.CleanedPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return rag.CleanedPage{}, fmt.Errorf("parse html %s: %w", pageURL, err)
	}
	name := collapse(doc.Find("title").First().Text())
	if name == "" {
		name = collapse(doc.Find("h1").First().Text())
	}
	if name == "" {
		name = nameFromURL(pageURL)
	}

	root := doc.Find("main").First()
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}
	if root.Length() == 0 {
		root = doc.Selection
	}
	root.Find(noiseSelector).Remove()

	return rag.CleanedPage{
		URL:      pageURL,
		PageName: name,
		Markdown: Markdown(root),
	}, nil
}

// Markdown renders block elements under sel in document order, one paragraph each.
func Markdown(sel *goquery.Selection) string {
	var parts []string
	sel.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(blockSelector).Length() > 0 {
			return
		}
		if line := block(s); line != "" {
			parts = append(parts, line)
		}
	})
	if len(parts) == 0 {
		return collapse(sel.Text())
	}
	return strings.Join(parts, "\n\n")
}

func block(s *goquery.Selection) string {
	tag := goquery.NodeName(s)
	if tag == "pre" {
		code := strings.TrimSpace(s.Text())
		if code == "" {
			return ""
		}
		return "```\n" + code + "\n```"
	}
	text := collapse(s.Text())
	if text == "" {
		return ""
	}
	switch tag {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return strings.Repeat("#", int(tag[1]-'0')) + " " + text
	case "li", "dd":
		return "- " + text
	case "blockquote":
		return "> " + text
	default:
		return text
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "" || base == "." || base == "/" {
		return u.Hostname()
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// Links returns absolute http(s) URLs of every anchor in body, resolved
// against base, without fragments, in document order and deduplicated.
func Links(base string, body []byte) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", base, err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := baseURL.Parse(strings.TrimSpace(href)); err == nil {
			baseURL = b
		}
	}
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if abs, ok := Resolve(baseURL, href); ok {
			if _, dup := seen[abs]; !dup {
				seen[abs] = struct{}{}
				links = append(links, abs)
			}
		}
	})
	return links, nil
}

// Resolve makes href absolute against base and reports whether it is a crawlable http(s) URL.
func Resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	u, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

// SitemapLocs returns the <loc> entries of a sitemap or sitemap index.
func SitemapLocs(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	var locs []string
	doc.Find("loc").Each(func(_ int, s *goquery.Selection) {
		if loc := strings.TrimSpace(s.Text()); loc != "" {
			locs = append(locs, loc)
		}
	})
	return locs, nil
}

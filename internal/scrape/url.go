package scrape

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters, and drops the fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// boundary decides which discovered links belong to the crawl.
type boundary struct {
	host string
}

func newBoundary(seed string) (boundary, error) {
	u, err := url.Parse(seed)
	if err != nil {
		return boundary{}, fmt.Errorf("parse seed url: %w", err)
	}
	return boundary{host: siteHost(u.Hostname())}, nil
}

// allows reports whether rawURL is an http(s) URL on the seed's host. A
// leading "www." is ignored on both sides.
func (b boundary) allows(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return siteHost(u.Hostname()) == b.host
}

func siteHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// sitemapURL returns <scheme>://<host>/sitemap.xml for seed.
func sitemapURL(seed string) (string, error) {
	u, err := url.Parse(seed)
	if err != nil {
		return "", fmt.Errorf("parse seed url: %w", err)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/sitemap.xml"}).String(), nil
}

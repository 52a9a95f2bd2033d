package rag

import "time"

// Status enumerates session lifecycle states.
type Status string

const (
	// StatusPending indicates the session was created and awaits a scrape worker.
	StatusPending Status = "pending"
	// StatusScraping indicates pages are being discovered and fetched.
	StatusScraping Status = "scraping"
	// StatusScrapeFailed is terminal; the crawl could not produce usable content.
	StatusScrapeFailed Status = "scrape_failed"
	// StatusScraped indicates raw and cleaned documents are persisted.
	StatusScraped Status = "scraped"
	// StatusEmbedding indicates chunks are being embedded and indexed.
	StatusEmbedding Status = "embedding"
	// StatusEmbedFailed is terminal; the embedding run aborted.
	StatusEmbedFailed Status = "embed_failed"
	// StatusReady is terminal-success; the session can answer questions.
	StatusReady Status = "ready"
	// StatusFailed is terminal; an infrastructure error interrupted the session.
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusScrapeFailed, StatusEmbedFailed, StatusReady, StatusFailed:
		return true
	default:
		return false
	}
}

// Failed reports whether s is one of the failure states.
func (s Status) Failed() bool {
	return s == StatusScrapeFailed || s == StatusEmbedFailed || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScraping, StatusScrapeFailed, StatusScraped,
		StatusEmbedding, StatusEmbedFailed, StatusReady, StatusFailed:
		return true
	default:
		return false
	}
}

// Mode selects how the crawl frontier is seeded.
type Mode string

const (
	// ModeCrawl follows outbound links breadth-first from the source URL.
	ModeCrawl Mode = "crawl"
	// ModeSitemap seeds the frontier from the site's sitemap.xml before following links.
	ModeSitemap Mode = "sitemap"
)

// CrawlParams are per-session crawl overrides. Zero values fall back to service defaults.
type CrawlParams struct {
	MaxPages int           `json:"max_pages,omitempty"`
	MaxDepth *int          `json:"max_depth,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
}

// SessionMetadata is the durable progress record for one session.
type SessionMetadata struct {
	SessionID       string      `json:"session_id"`
	SourceURL       string      `json:"source_url"`
	Purpose         string      `json:"purpose,omitempty"`
	Mode            Mode        `json:"mode"`
	Status          Status      `json:"status"`
	PagesInProgress int         `json:"pages_in_progress"`
	PagesScraped    int         `json:"pages_scraped"`
	PagesFailed     int         `json:"pages_failed"`
	ChunksTotal     int         `json:"chunks_total"`
	PagesEmbedded   int         `json:"pages_embedded"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	Crawl           CrawlParams `json:"crawl"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Document names used for per-session artifacts.
const (
	DocMetadata     = "metadata"
	DocRawPages     = "raw_pages"
	DocCleanedPages = "cleaned_pages"
	DocChunks       = "chunks"
)

// RawPage is fetched content for one URL. Content keeps the body exactly as
// served, whatever its charset, and is base64 encoded in JSON.
type RawPage struct {
	URL         string    `json:"url"`
	Depth       int       `json:"depth"`
	StatusCode  int       `json:"status_code"`
	Content     []byte    `json:"content"`
	ContentHash string    `json:"content_hash,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// RawPagesDocument is persisted once per successful scrape.
type RawPagesDocument struct {
	SessionID string    `json:"session_id"`
	SourceURL string    `json:"source_url"`
	Pages     []RawPage `json:"pages"`
}

// CleanedPage is normalized text derived from a RawPage.
type CleanedPage struct {
	URL      string `json:"url"`
	PageName string `json:"page_name"`
	Markdown string `json:"markdown"`
}

// CleanedPagesDocument is the input artifact of the embedding pipeline.
type CleanedPagesDocument struct {
	SessionID string        `json:"session_id"`
	SourceURL string        `json:"source_url"`
	Pages     []CleanedPage `json:"pages"`
}

// Chunk is an embedded text segment of a cleaned page.
type Chunk struct {
	ChunkID       string    `json:"chunk_id"`
	SessionID     string    `json:"session_id"`
	PageURL       string    `json:"page_url"`
	PageName      string    `json:"page_name"`
	Text          string    `json:"text"`
	Vector        []float32 `json:"embedding_vector"`
	SequenceIndex int       `json:"sequence_index"`
}

// Metadata projects the fields stored alongside a vector in the index.
func (c Chunk) Metadata() ChunkMetadata {
	return ChunkMetadata{
		SessionID:     c.SessionID,
		PageURL:       c.PageURL,
		PageName:      c.PageName,
		Text:          c.Text,
		SequenceIndex: c.SequenceIndex,
	}
}

// ChunksDocument is the durable audit copy of a session's chunks.
type ChunksDocument struct {
	SessionID string  `json:"session_id"`
	Chunks    []Chunk `json:"chunks"`
}

// ChunkMetadata is attached to each vector in the index.
type ChunkMetadata struct {
	SessionID     string `json:"session_id"`
	PageURL       string `json:"page_url"`
	PageName      string `json:"page_name"`
	Text          string `json:"text"`
	SequenceIndex int    `json:"sequence_index"`
}

// SearchHit is one similarity search result.
type SearchHit struct {
	ChunkID  string        `json:"chunk_id"`
	Score    float32       `json:"score"`
	Metadata ChunkMetadata `json:"metadata"`
}

// FetchResult is what a Fetcher returns for one URL.
type FetchResult struct {
	URL        string   `json:"url"`
	StatusCode int      `json:"status_code"`
	Content    []byte   `json:"-"`
	Links      []string `json:"links"`
}

// Source attributes part of an answer to a page.
type Source struct {
	PageURL  string  `json:"page_url"`
	PageName string  `json:"page_name"`
	Score    float32 `json:"score"`
}

// Answer is the output of the query pipeline.
type Answer struct {
	Answer         string   `json:"answer"`
	RewrittenQuery string   `json:"rewritten_query,omitempty"`
	Sources        []Source `json:"sources"`
}

// TaskKind identifies background work for a session.
type TaskKind string

const (
	// TaskScrape runs the scrape orchestrator.
	TaskScrape TaskKind = "scrape"
	// TaskEmbed runs the embedding pipeline.
	TaskEmbed TaskKind = "embed"
)

// Task is a unit of queued background work.
type Task struct {
	SessionID string   `json:"session_id"`
	Kind      TaskKind `json:"kind"`
	Attempt   int      `json:"attempt"`
	Submitted int64    `json:"submitted"`
}

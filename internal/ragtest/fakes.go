// Package ragtest provides in-memory fakes of the rag capabilities for package tests.
package ragtest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/siterag/internal/rag"
)

// Clock advances by Step on every call to Now.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewClock starts at start and advances one second per reading.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start, Step: time.Second}
}

// Now implements rag.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.Step)
	return now
}

// IDs issues prefix-1, prefix-2, ...
type IDs struct {
	mu     sync.Mutex
	Prefix string
	n      int
	Err    error
}

// NewID implements rag.IDGenerator.
func (g *IDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return "", g.Err
	}
	g.n++
	prefix := g.Prefix
	if prefix == "" {
		prefix = "session"
	}
	return fmt.Sprintf("%s-%d", prefix, g.n), nil
}

// FlakyStore wraps a DocumentStore and fails saves of selected documents on demand.
type FlakyStore struct {
	rag.DocumentStore

	mu       sync.Mutex
	failSave map[string]error
	saves    map[string]int
}

// NewFlakyStore wraps inner.
func NewFlakyStore(inner rag.DocumentStore) *FlakyStore {
	return &FlakyStore{
		DocumentStore: inner,
		failSave:      make(map[string]error),
		saves:         make(map[string]int),
	}
}

// FailSave makes every subsequent save of name return err. A nil err clears the failure.
func (s *FlakyStore) FailSave(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failSave, name)
		return
	}
	s.failSave[name] = err
}

// Saves reports how many saves of name succeeded.
func (s *FlakyStore) Saves(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[name]
}

// SaveJSON implements rag.DocumentStore.
func (s *FlakyStore) SaveJSON(ctx context.Context, sessionID, name string, data any) error {
	s.mu.Lock()
	err := s.failSave[name]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.DocumentStore.SaveJSON(ctx, sessionID, name, data); err != nil {
		return err
	}
	s.mu.Lock()
	s.saves[name]++
	s.mu.Unlock()
	return nil
}

// Page is a canned response served by Fetcher.
type Page struct {
	Status int
	Body   string
	Links  []string
	Err    error
}

// Fetcher serves canned pages keyed by URL. Unknown URLs return a 404 StatusError.
type Fetcher struct {
	mu      sync.Mutex
	Pages   map[string]Page
	calls   []string
	OnFetch func(url string)
}

// NewFetcher builds a Fetcher over pages.
func NewFetcher(pages map[string]Page) *Fetcher {
	return &Fetcher{Pages: pages}
}

// Fetch implements rag.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, url string) (rag.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return rag.FetchResult{}, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, url)
	page, ok := f.Pages[url]
	hook := f.OnFetch
	f.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	if !ok {
		return rag.FetchResult{}, &rag.StatusError{URL: url, Code: 404}
	}
	if page.Err != nil {
		return rag.FetchResult{}, page.Err
	}
	status := page.Status
	if status == 0 {
		status = 200
	}
	if status >= 400 {
		return rag.FetchResult{}, &rag.StatusError{URL: url, Code: status}
	}
	return rag.FetchResult{
		URL:        url,
		StatusCode: status,
		Content:    []byte(page.Body),
		Links:      append([]string(nil), page.Links...),
	}, nil
}

// Calls returns every URL fetched so far, in order.
func (f *Fetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Embedder derives a deterministic unit vector from word features of the text.
type Embedder struct {
	Dims int

	mu    sync.Mutex
	calls int
	// FailOn makes Embed fail for any text containing the substring.
	FailOn string
	// Gate, when set, is received from before each embedding completes.
	Gate chan struct{}
}

// ErrEmbed is returned for texts matching FailOn.
var ErrEmbed = errors.New("embedding model unavailable")

// Embed implements rag.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.Gate != nil {
		select {
		case <-e.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.FailOn != "" && strings.Contains(text, e.FailOn) {
		return nil, ErrEmbed
	}
	return Vector(text, e.dims()), nil
}

// Calls reports how many times Embed ran.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *Embedder) dims() int {
	if e.Dims <= 0 {
		return 32
	}
	return e.Dims
}

// Vector hashes lowercase words of text into a normalized vector of length dims.
func Vector(text string, dims int) []float32 {
	vec := make([]float32, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%uint32(dims)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Generator answers prompts through Fn and records them.
type Generator struct {
	mu      sync.Mutex
	prompts []string
	Fn      func(prompt string) (string, error)
}

// Generate implements rag.Generator.
func (g *Generator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	fn := g.Fn
	g.mu.Unlock()
	if fn == nil {
		return "generated answer", nil
	}
	return fn(prompt)
}

// Prompts returns every prompt received.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// Index is a brute-force VectorIndex with call accounting.
type Index struct {
	mu      sync.Mutex
	entries map[string]indexEntry
	upserts int
	// UpsertErr fails every Upsert when set.
	UpsertErr error
	// Hits, when set, is returned by Search instead of a similarity scan.
	Hits []rag.SearchHit
}

type indexEntry struct {
	vector []float32
	meta   rag.ChunkMetadata
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]indexEntry)}
}

// Upsert implements rag.VectorIndex.
func (x *Index) Upsert(_ context.Context, chunkID string, vector []float32, meta rag.ChunkMetadata) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.UpsertErr != nil {
		return x.UpsertErr
	}
	x.upserts++
	x.entries[chunkID] = indexEntry{vector: append([]float32(nil), vector...), meta: meta}
	return nil
}

// Search implements rag.VectorIndex.
func (x *Index) Search(_ context.Context, sessionID string, vector []float32, topK int) ([]rag.SearchHit, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.Hits != nil {
		hits := append([]rag.SearchHit(nil), x.Hits...)
		if len(hits) > topK {
			hits = hits[:topK]
		}
		return hits, nil
	}
	var hits []rag.SearchHit
	for id, e := range x.entries {
		if e.meta.SessionID != sessionID {
			continue
		}
		var dot float32
		for i := range vector {
			if i < len(e.vector) {
				dot += vector[i] * e.vector[i]
			}
		}
		hits = append(hits, rag.SearchHit{ChunkID: id, Score: dot, Metadata: e.meta})
	}
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Count implements rag.VectorIndex.
func (x *Index) Count(_ context.Context, sessionID string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, e := range x.entries {
		if e.meta.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

// Upserts reports how many upserts succeeded.
func (x *Index) Upserts() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.upserts
}

// Publisher records published payloads.
type Publisher struct {
	mu       sync.Mutex
	Messages []Message
	Err      error
}

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload any
}

// Publish implements rag.Publisher.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	p.Messages = append(p.Messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("msg-%d", len(p.Messages)), nil
}

// Published returns a snapshot of recorded messages.
func (p *Publisher) Published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.Messages...)
}

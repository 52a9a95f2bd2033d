// Package memory is an in-process rag.VectorIndex with brute-force search.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/vectorindex"
)

// Index stores entries per session.
type Index struct {
	mu       sync.RWMutex
	sessions map[string]map[string]vectorindex.Entry
	// owner maps a chunk id to its session so an upsert that changes session moves the entry.
	owner map[string]string
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		sessions: make(map[string]map[string]vectorindex.Entry),
		owner:    make(map[string]string),
	}
}

// Upsert inserts or replaces the entry for chunkID.
func (i *Index) Upsert(ctx context.Context, chunkID string, vector []float32, meta rag.ChunkMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := vectorindex.Validate(chunkID, vector, meta); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if prev, ok := i.owner[chunkID]; ok && prev != meta.SessionID {
		delete(i.sessions[prev], chunkID)
	}
	bucket := i.sessions[meta.SessionID]
	if bucket == nil {
		bucket = make(map[string]vectorindex.Entry)
		i.sessions[meta.SessionID] = bucket
	}
	bucket[chunkID] = vectorindex.Entry{ChunkID: chunkID, Vector: slices.Clone(vector), Metadata: meta}
	i.owner[chunkID] = meta.SessionID
	return nil
}

// Search ranks the session's entries by cosine similarity.
func (i *Index) Search(ctx context.Context, sessionID string, vector []float32, topK int) ([]rag.SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	r := vectorindex.NewRanker(vector, topK)
	for _, e := range i.sessions[sessionID] {
		r.Add(e)
	}
	return r.Hits(), nil
}

// Count returns the number of entries for sessionID.
func (i *Index) Count(_ context.Context, sessionID string) (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.sessions[sessionID]), nil
}

var _ rag.VectorIndex = (*Index)(nil)

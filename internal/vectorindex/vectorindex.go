// Package vectorindex holds the similarity math shared by the rag.VectorIndex
// backends. Backends live in subpackages (memory, badger). Every entry is keyed
// by chunk id and tagged with its session id; searches only see one session.
package vectorindex

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/JakeFAU/siterag/internal/rag"
)

// Entry is one stored vector.
type Entry struct {
	ChunkID  string            `json:"chunk_id"`
	Vector   []float32         `json:"vector"`
	Metadata rag.ChunkMetadata `json:"metadata"`
}

// Validate checks an upsert request.
func Validate(chunkID string, vector []float32, meta rag.ChunkMetadata) error {
	switch {
	case strings.TrimSpace(chunkID) == "":
		return rag.Validationf("chunk id is required")
	case strings.TrimSpace(meta.SessionID) == "":
		return rag.Validationf("chunk %s has no session id", chunkID)
	case len(vector) == 0:
		return rag.Validationf("chunk %s has an empty vector", chunkID)
	default:
		return nil
	}
}

// Cosine returns the cosine similarity of a and b. Vectors of different length
// or with zero magnitude score 0.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Ranker accumulates scored entries and keeps the best topK.
type Ranker struct {
	query []float32
	topK  int
	hits  []rag.SearchHit
}

// NewRanker scores candidates against query.
func NewRanker(query []float32, topK int) *Ranker {
	return &Ranker{query: query, topK: topK}
}

// Add scores e.
func (r *Ranker) Add(e Entry) {
	r.hits = append(r.hits, rag.SearchHit{
		ChunkID:  e.ChunkID,
		Score:    Cosine(r.query, e.Vector),
		Metadata: e.Metadata,
	})
}

// Hits returns the best results, highest score first. Ties are broken by chunk id
// so results are stable across backends.
func (r *Ranker) Hits() []rag.SearchHit {
	slices.SortFunc(r.hits, func(a, b rag.SearchHit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.ChunkID, b.ChunkID)
	})
	if r.topK >= 0 && len(r.hits) > r.topK {
		r.hits = r.hits[:r.topK]
	}
	return r.hits
}

package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siterag/internal/rag"
)

func TestCosine(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-6)
	require.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	require.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-3, 0}), 1e-6)
	require.Zero(t, Cosine([]float32{1}, []float32{1, 0}))
	require.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestRankerOrdersAndTruncates(t *testing.T) {
	t.Parallel()

	r := NewRanker([]float32{1, 0}, 2)
	r.Add(Entry{ChunkID: "c", Vector: []float32{0, 1}})
	r.Add(Entry{ChunkID: "b", Vector: []float32{1, 1}})
	r.Add(Entry{ChunkID: "a", Vector: []float32{1, 1}})
	r.Add(Entry{ChunkID: "d", Vector: []float32{1, 0}})

	hits := r.Hits()
	require.Len(t, hits, 2)
	require.Equal(t, "d", hits[0].ChunkID)
	require.Equal(t, "a", hits[1].ChunkID)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	meta := rag.ChunkMetadata{SessionID: "s1"}
	require.NoError(t, Validate("c1", []float32{1}, meta))
	require.ErrorIs(t, Validate("", []float32{1}, meta), rag.ErrValidation)
	require.ErrorIs(t, Validate("c1", nil, meta), rag.ErrValidation)
	require.ErrorIs(t, Validate("c1", []float32{1}, rag.ChunkMetadata{}), rag.ErrValidation)
}

package hashembed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestEmbedIsDeterministicAndNormalized(t *testing.T) {
	t.Parallel()

	e, err := New(128)
	require.NoError(t, err)
	require.Equal(t, 128, e.Dimensions())

	a, err := e.Embed(context.Background(), "The basic plan costs $10 per month.")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "The basic plan costs $10 per month.")
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Len(t, a, 128)
	require.InDelta(t, 1.0, math.Sqrt(dot(a, a)), 1e-5)
}

func TestEmbedRanksRelatedTextHigher(t *testing.T) {
	t.Parallel()

	e, err := New(256)
	require.NoError(t, err)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "basic plan price")
	pricing, _ := e.Embed(ctx, "Pricing: the basic plan price is ten dollars")
	careers, _ := e.Embed(ctx, "We are hiring engineers in Berlin and Lisbon")

	require.Greater(t, dot(query, pricing), dot(query, careers))
}

func TestEmbedEmptyText(t *testing.T) {
	t.Parallel()

	e, err := New(8)
	require.NoError(t, err)
	vec, err := e.Embed(context.Background(), "  ... ")
	require.NoError(t, err)
	require.Equal(t, float32(1), vec[0])
}

func TestEmbedHonorsContext(t *testing.T) {
	t.Parallel()

	e, err := New(8)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Embed(ctx, "text")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsZeroDimensions(t *testing.T) {
	t.Parallel()

	_, err := New(0)
	require.Error(t, err)
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"what", "s", "the", "api", "v2", "limit"}, Tokenize("What's the API-v2 limit?"))
}

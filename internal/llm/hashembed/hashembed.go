// Package hashembed is an offline rag.Embedder based on feature hashing.
// Vectors are deterministic, L2-normalized, and need no model server, which
// makes the package suitable for local development and tests.
package hashembed

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/JakeFAU/siterag/internal/rag"
)

// Embedder hashes unigrams and bigrams into a fixed number of buckets.
type Embedder struct {
	dims int
}

// New returns an Embedder producing vectors of length dims.
func New(dims int) (*Embedder, error) {
	if dims <= 0 {
		return nil, errors.New("hashembed: dimensions must be > 0")
	}
	return &Embedder{dims: dims}, nil
}

// Dimensions reports the vector length.
func (e *Embedder) Dimensions() int { return e.dims }

// Embed returns the hashed feature vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.dims)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		e.add(vec, tok, 1)
		if i > 0 {
			e.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	normalize(vec)
	return vec, nil
}

// add hashes feature into a bucket; the sign bit spreads collisions around zero.
func (e *Embedder) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// Tokenize lowercases text and splits it on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		vec[0] = 1
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

var _ rag.Embedder = (*Embedder)(nil)

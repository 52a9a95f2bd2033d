// Package chunk splits cleaned page text into bounded, overlapping segments.
package chunk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Separators are tried in order, from paragraph breaks down to single spaces.
var Separators = []string{"\n\n", "\n", ". ", " "}

// Chunker wraps langchaingo's recursive character splitter.
type Chunker struct {
	splitter textsplitter.RecursiveCharacter
	size     int
	overlap  int
}

// New returns a Chunker producing chunks of at most size characters that share
// overlap characters with their predecessor.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, errors.New("chunk size must be > 0")
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(Separators),
		),
		size:    size,
		overlap: overlap,
	}, nil
}

// Split returns the non-empty chunks of text in document order.
func (c *Chunker) Split(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	parts, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// Size reports the configured maximum chunk length.
func (c *Chunker) Size() int { return c.size }

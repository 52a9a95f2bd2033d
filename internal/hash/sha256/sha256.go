// Package sha256 digests page content and derives chunk ids.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements rag.Hasher with hex encoded SHA-256 digests.
type Hasher struct {
	length int
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithLength keeps only the first n hex characters of each digest. Values
// outside (0, 64] keep the full digest.
func WithLength(n int) Option {
	return func(h *Hasher) {
		if n > 0 && n <= sha256.Size*2 {
			h.length = n
		}
	}
}

// New returns a SHA-256 hasher.
func New(opts ...Option) *Hasher {
	h := &Hasher{length: sha256.Size * 2}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash returns the digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:h.length], nil
}

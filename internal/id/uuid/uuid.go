// Package uuid issues session and request identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements rag.IDGenerator. Session ids are version 7 so a
// lexical sort matches creation order; request ids are random version 4.
type Generator struct {
	session func() (uuid.UUID, error)
	request func() (uuid.UUID, error)
}

// New creates a Generator.
func New() *Generator {
	return &Generator{session: uuid.NewV7, request: uuid.NewRandom}
}

// NewID returns a session id.
func (g *Generator) NewID() (string, error) {
	return generate(g.session, "session")
}

// NewV4ID returns a request id.
func (g *Generator) NewV4ID() (string, error) {
	return generate(g.request, "request")
}

func generate(fn func() (uuid.UUID, error), purpose string) (string, error) {
	id, err := fn()
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", purpose, err)
	}
	return id.String(), nil
}

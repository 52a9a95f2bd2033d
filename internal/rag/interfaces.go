package rag

import (
	"context"
	"time"
)

// Fetcher retrieves a page and the outbound links found on it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// Embedder converts text to a fixed-dimension vector. Identical input yields identical output.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex stores chunk vectors and answers similarity searches scoped to a session.
type VectorIndex interface {
	Upsert(ctx context.Context, chunkID string, vector []float32, meta ChunkMetadata) error
	Search(ctx context.Context, sessionID string, vector []float32, topK int) ([]SearchHit, error)
	Count(ctx context.Context, sessionID string) (int, error)
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// DocumentStore persists whole JSON documents per session.
type DocumentStore interface {
	// SaveJSON atomically replaces the named document.
	SaveJSON(ctx context.Context, sessionID, name string, data any) error
	// LoadJSON returns the raw document and whether it exists.
	LoadJSON(ctx context.Context, sessionID, name string) ([]byte, bool, error)
	// CountEntries returns the length of the array stored under key, or 0 when the document is absent.
	CountEntries(ctx context.Context, sessionID, name, key string) (int, error)
}

// Publisher emits notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher produces stable content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Queue moves tasks between the API and workers.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	Close()
}

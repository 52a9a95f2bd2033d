// Package memory is the default in-process rag.Publisher. It keeps the most
// recent notifications for inspection and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultLimit bounds the retained history when New is given a non-positive limit.
const DefaultLimit = 1000

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	limit    int
	seq      int
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a Publisher retaining at most limit messages.
func New(limit int) *Publisher {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if over := len(p.messages) - p.limit; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
	}
	return id, nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

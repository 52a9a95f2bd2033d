// Package memory stores session documents in-memory for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/storage"
)

// DocumentStore keeps one byte slice per (session, name). Values are copied on the way in and out.
type DocumentStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string][]byte
}

// NewDocumentStore creates an empty in-memory store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		sessions: make(map[string]map[string][]byte),
	}
}

// SaveJSON replaces the named document.
func (s *DocumentStore) SaveJSON(_ context.Context, sessionID, name string, data any) error {
	if err := storage.ValidateKey(sessionID, name); err != nil {
		return err
	}
	body, err := storage.Encode(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.sessions[sessionID]
	if !ok {
		docs = make(map[string][]byte)
		s.sessions[sessionID] = docs
	}
	docs[name] = body
	return nil
}

// LoadJSON returns a copy of the named document.
func (s *DocumentStore) LoadJSON(_ context.Context, sessionID, name string) ([]byte, bool, error) {
	if err := storage.ValidateKey(sessionID, name); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.sessions[sessionID][name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), body...), true, nil
}

// CountEntries counts the array under key; absent documents count as zero.
func (s *DocumentStore) CountEntries(ctx context.Context, sessionID, name, key string) (int, error) {
	body, found, err := s.LoadJSON(ctx, sessionID, name)
	if err != nil || !found {
		return 0, err
	}
	return storage.CountArray(body, key)
}

// Sessions returns the ids of sessions that have at least one document.
func (s *DocumentStore) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

var _ rag.DocumentStore = (*DocumentStore)(nil)

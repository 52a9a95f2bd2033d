// Package tasks tracks the background task running for each session so the
// embedding and scrape stages can be claimed exclusively and cancelled by id.
package tasks

import (
	"context"
	"sync"

	"github.com/JakeFAU/siterag/internal/rag"
)

type handle struct {
	kind   rag.TaskKind
	cancel context.CancelFunc
	token  *struct{}
}

// Registry holds at most one in-flight task per session.
type Registry struct {
	mu      sync.Mutex
	running map[string]handle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{running: make(map[string]handle)}
}

// Begin claims sessionID for a task of kind. The returned context is cancelled
// by Cancel, CancelAll, or release; release must be called when the task ends.
func (r *Registry) Begin(ctx context.Context, sessionID string, kind rag.TaskKind) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.running[sessionID]; ok {
		return nil, nil, rag.Conflictf("session %s already has a %s task in flight", sessionID, h.kind)
	}
	taskCtx, cancel := context.WithCancel(ctx)
	token := &struct{}{}
	r.running[sessionID] = handle{kind: kind, cancel: cancel, token: token}

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			r.mu.Lock()
			defer r.mu.Unlock()
			if h, ok := r.running[sessionID]; ok && h.token == token {
				delete(r.running, sessionID)
			}
		})
	}
	return taskCtx, release, nil
}

// Cancel signals the task for sessionID. It reports whether a task was running.
// The claim is held until the task calls its release func.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	h, ok := r.running[sessionID]
	r.mu.Unlock()
	if ok {
		h.cancel()
	}
	return ok
}

// Active reports the kind of the in-flight task for sessionID.
func (r *Registry) Active(sessionID string) (rag.TaskKind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.running[sessionID]
	return h.kind, ok
}

// Len returns the number of in-flight tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// CancelAll signals every in-flight task; used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	handles := make([]handle, 0, len(r.running))
	for _, h := range r.running {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

package rag

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Callers branch on these with errors.Is, never on message text.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrNotReady          = errors.New("not ready")
	ErrInfrastructure    = errors.New("infrastructure failure")
)

// ErrQueueClosed is returned by Queue operations after Close.
var ErrQueueClosed = errors.New("queue closed")

// Kind is the stable string form of an error kind.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindConflict          Kind = "conflict"
	KindNotReady          Kind = "not_ready"
	KindInfrastructure    Kind = "infrastructure"
)

// NotReadyMessage is shown to users who query a session before its index exists.
const NotReadyMessage = "session is not ready; scrape the site first"

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrConflict, KindConflict},
	{ErrNotReady, KindNotReady},
	{ErrInfrastructure, KindInfrastructure},
}

// KindOf classifies err. Unclassified errors are infrastructure failures.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInfrastructure
}

// UserMessage returns a stable caller-facing message for err.
func UserMessage(err error) string {
	if errors.Is(err, ErrNotReady) {
		return NotReadyMessage
	}
	return err.Error()
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// InvalidTransition reports a rejected state machine edge.
func InvalidTransition(sessionID string, from, to Status) error {
	return fmt.Errorf("%w: session %s cannot move from %s to %s", ErrInvalidTransition, sessionID, from, to)
}

// NotReady reports a query against a session whose index is not built.
func NotReady(sessionID string, status Status) error {
	return fmt.Errorf("%w: session %s has status %s", ErrNotReady, sessionID, status)
}

// Infrastructure wraps a storage, network, or model failure.
func Infrastructure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInfrastructure, op, err)
}

// StatusError reports a non-success HTTP status from a fetch.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

// Retryable reports whether repeating the request could succeed.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 400 && e.Code < 500:
		return false
	default:
		return true
	}
}

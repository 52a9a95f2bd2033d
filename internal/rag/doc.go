// Package rag defines the shared vocabulary of the service: session metadata and
// its status values, page and chunk artifacts, the capability interfaces the
// pipelines depend on (fetch, embed, index, generate, store), and the closed set
// of error kinds callers branch on.
//
// Error kinds are sentinel values wrapped with %w; use errors.Is or KindOf to
// classify them. ErrNotReady is an expected, user-facing signal rather than a
// failure and should not be logged at error level.
package rag

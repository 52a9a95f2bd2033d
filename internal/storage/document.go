// Package storage holds helpers shared by the DocumentStore backends.
// Backends live in subpackages (memory, local, gcs, postgres); each stores one
// JSON document per (session, name) pair and replaces it wholesale on write.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/siterag/internal/rag"
)

// ValidateKey rejects session ids and document names that could escape a namespace.
func ValidateKey(sessionID, name string) error {
	if err := validatePart("session id", sessionID); err != nil {
		return err
	}
	return validatePart("document name", name)
}

func validatePart(label, v string) error {
	switch {
	case strings.TrimSpace(v) == "":
		return rag.Validationf("%s is required", label)
	case strings.ContainsAny(v, `/\`), strings.Contains(v, ".."):
		return rag.Validationf("%s %q contains a path separator", label, v)
	default:
		return nil
	}
}

// Encode marshals data for storage. Pre-encoded json.RawMessage and []byte pass through.
func Encode(data any) ([]byte, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, rag.Validationf("document is not valid JSON")
		}
		return append([]byte(nil), v...), nil
	case []byte:
		if !json.Valid(v) {
			return nil, rag.Validationf("document is not valid JSON")
		}
		return append([]byte(nil), v...), nil
	default:
		body, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal document: %w", err)
		}
		return body, nil
	}
}

// CountArray returns the number of elements in the array under key, or in the
// top-level array when key is empty. A missing key counts as zero.
func CountArray(body []byte, key string) (int, error) {
	if key == "" {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return 0, fmt.Errorf("decode document array: %w", err)
		}
		return len(items), nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, fmt.Errorf("decode document: %w", err)
	}
	raw, ok := doc[key]
	if !ok || string(raw) == "null" {
		return 0, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0, fmt.Errorf("decode %q: %w", key, err)
	}
	return len(items), nil
}

// Load reads and decodes a document. found is false when the document does not exist.
func Load[T any](ctx context.Context, store rag.DocumentStore, sessionID, name string) (T, bool, error) {
	var out T
	body, found, err := store.LoadJSON(ctx, sessionID, name)
	if err != nil || !found {
		return out, found, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, true, fmt.Errorf("decode %s/%s: %w", sessionID, name, err)
	}
	return out, true, nil
}

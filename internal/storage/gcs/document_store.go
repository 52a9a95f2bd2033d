// Package gcs provides a DocumentStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/siterag/internal/rag"
	siteragstorage "github.com/JakeFAU/siterag/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// DocumentStore writes one object per document. A GCS object becomes visible
// only when its writer closes successfully, so readers never see partial writes.
type DocumentStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed document store.
func New(client *storage.Client, cfg Config) (*DocumentStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &DocumentStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object key for a document.
func ObjectName(prefix, sessionID, name string) string {
	if prefix == "" {
		return path.Join(sessionID, name+".json")
	}
	return path.Join(prefix, sessionID, name+".json")
}

// SaveJSON uploads the document, replacing any previous version.
func (s *DocumentStore) SaveJSON(ctx context.Context, sessionID, name string, data any) error {
	if err := siteragstorage.ValidateKey(sessionID, name); err != nil {
		return err
	}
	body, err := siteragstorage.Encode(data)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(s.bucket).Object(ObjectName(s.prefix, sessionID, name)).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(body); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// LoadJSON downloads the document; a missing object is reported as not found.
func (s *DocumentStore) LoadJSON(ctx context.Context, sessionID, name string) ([]byte, bool, error) {
	if err := siteragstorage.ValidateKey(sessionID, name); err != nil {
		return nil, false, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(ObjectName(s.prefix, sessionID, name)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open object: %w", err)
	}
	defer reader.Close() //nolint:errcheck // read-only close
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, fmt.Errorf("read object: %w", err)
	}
	return body, true, nil
}

// CountEntries counts the array under key; absent documents count as zero.
func (s *DocumentStore) CountEntries(ctx context.Context, sessionID, name, key string) (int, error) {
	body, found, err := s.LoadJSON(ctx, sessionID, name)
	if err != nil || !found {
		return 0, err
	}
	return siteragstorage.CountArray(body, key)
}

var _ rag.DocumentStore = (*DocumentStore)(nil)

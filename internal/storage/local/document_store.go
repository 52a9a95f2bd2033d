// Package local implements a filesystem-backed document store.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/storage"
)

// Config captures the parameters for the local filesystem document store.
type Config struct {
	// BaseDir is the root directory; each session gets a subdirectory.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// DocumentStore writes documents to <BaseDir>/<session>/<name>.json.
type DocumentStore struct {
	baseDir string
}

// New creates a new local filesystem-backed document store.
func New(cfg Config) (*DocumentStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &DocumentStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// SaveJSON writes to a temp file in the session directory and renames it into place,
// so readers see either the previous document or the new one.
func (s *DocumentStore) SaveJSON(_ context.Context, sessionID, name string, data any) error {
	fullPath, err := s.path(sessionID, name)
	if err != nil {
		return err
	}
	body, err := storage.Encode(data)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename document: %w", err)
	}
	return nil
}

// LoadJSON reads the named document.
func (s *DocumentStore) LoadJSON(_ context.Context, sessionID, name string) ([]byte, bool, error) {
	fullPath, err := s.path(sessionID, name)
	if err != nil {
		return nil, false, err
	}
	body, err := os.ReadFile(fullPath) // #nosec G304 -- path validated against baseDir.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read document: %w", err)
	}
	return body, true, nil
}

// CountEntries counts the array under key; absent documents count as zero.
func (s *DocumentStore) CountEntries(ctx context.Context, sessionID, name, key string) (int, error) {
	body, found, err := s.LoadJSON(ctx, sessionID, name)
	if err != nil || !found {
		return 0, err
	}
	return storage.CountArray(body, key)
}

func (s *DocumentStore) path(sessionID, name string) (string, error) {
	if err := storage.ValidateKey(sessionID, name); err != nil {
		return "", err
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, sessionID, name+".json"))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

var _ rag.DocumentStore = (*DocumentStore)(nil)

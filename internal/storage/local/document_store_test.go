// Package local_test tests the local filesystem document store.
package local_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/storage"
	"github.com/JakeFAU/siterag/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "docs")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestSaveCreatesNamespaceLazily(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(base, "s1"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, store.SaveJSON(context.Background(), "s1", rag.DocMetadata, map[string]string{"status": "pending"}))

	entries, err := os.ReadDir(filepath.Join(base, "s1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	require.Equal(t, "metadata.json", entries[0].Name())
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	doc := rag.RawPagesDocument{
		SessionID: "s1",
		Pages: []rag.RawPage{
			{URL: "https://example.com", Content: []byte("<p>a\tb\n</p>")},
			{URL: "https://example.com/latin1", Content: []byte("<p>caf\xe9</p>")},
		},
	}
	require.NoError(t, store.SaveJSON(ctx, "s1", rag.DocRawPages, doc))

	want, err := json.Marshal(doc)
	require.NoError(t, err)
	body, found, err := store.LoadJSON(ctx, "s1", rag.DocRawPages)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want, body)

	got, found, err := storage.Load[rag.RawPagesDocument](ctx, store, "s1", rag.DocRawPages)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, doc.Pages[0].Content, got.Pages[0].Content)
	require.Equal(t, []byte("<p>caf\xe9</p>"), got.Pages[1].Content)
}

func TestSaveReplacesWholeDocument(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveJSON(ctx, "s1", "doc", map[string]any{"pages": []int{1, 2, 3}, "extra": true}))
	require.NoError(t, store.SaveJSON(ctx, "s1", "doc", map[string]any{"pages": []int{1}}))

	body, _, err := store.LoadJSON(ctx, "s1", "doc")
	require.NoError(t, err)
	require.JSONEq(t, `{"pages":[1]}`, string(body))
}

func TestCountEntries(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	n, err := store.CountEntries(ctx, "s1", rag.DocCleanedPages, "pages")
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, store.SaveJSON(ctx, "s1", rag.DocCleanedPages, rag.CleanedPagesDocument{
		Pages: []rag.CleanedPage{{URL: "a"}, {URL: "b"}},
	}))
	n, err = store.CountEntries(ctx, "s1", rag.DocCleanedPages, "pages")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = store.SaveJSON(context.Background(), "..", "doc", map[string]int{})
	require.ErrorIs(t, err, rag.ErrValidation)
	_, _, err = store.LoadJSON(context.Background(), "s1", "../../passwd")
	require.ErrorIs(t, err, rag.ErrValidation)
}

package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siterag/internal/rag"
)

func TestSaveJSONUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO session_documents").
		WithArgs("s1", rag.DocMetadata, `{"status":"pending"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.SaveJSON(context.Background(), "s1", rag.DocMetadata, map[string]string{"status": "pending"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveJSONWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "docs")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO docs").
		WithArgs("s1", "chunks", `[]`).
		WillReturnError(errors.New("connection reset"))

	err = store.SaveJSON(context.Background(), "s1", "chunks", []int{})
	require.ErrorContains(t, err, "upsert document")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT body::text FROM session_documents").
		WithArgs("s1", rag.DocRawPages).
		WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow(`{"pages":[]}`))
	mock.ExpectQuery("SELECT body::text FROM session_documents").
		WithArgs("s2", rag.DocRawPages).
		WillReturnError(pgx.ErrNoRows)

	body, found, err := store.LoadJSON(context.Background(), "s1", rag.DocRawPages)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"pages":[]}`, string(body))

	body, found, err = store.LoadJSON(context.Background(), "s2", rag.DocRawPages)
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, body)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountEntriesMissingRowIsZero(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("json_array_length").
		WithArgs("s1", rag.DocCleanedPages, "pages").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("json_array_length").
		WithArgs("s2", rag.DocCleanedPages, "pages").
		WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(4))

	n, err := store.CountEntries(context.Background(), "s1", rag.DocCleanedPages, "pages")
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = store.CountEntries(context.Background(), "s2", rag.DocCleanedPages, "pages")
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS session_documents").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "docs; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")
	_, err = NewWithPool(nil, "")
	require.Error(t, err)
}

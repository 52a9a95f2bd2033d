// Package postgres provides a Postgres-backed DocumentStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "session_documents"

// Config controls the Postgres connection pool used for session documents.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// DocumentStore keeps one row per (session_id, name). The body column is json
// rather than jsonb so documents read back byte-for-byte as written.
type DocumentStore struct {
	pool  querier
	table string
}

// New creates a Postgres-backed DocumentStore using the provided config.
func New(ctx context.Context, cfg Config) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DocumentStore{pool: pool, table: table}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier, table string) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &DocumentStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the documents table when it does not exist.
func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	session_id text NOT NULL,
	name text NOT NULL,
	body json NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, name)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// SaveJSON upserts the document row. A single-row upsert is atomic for readers.
func (s *DocumentStore) SaveJSON(ctx context.Context, sessionID, name string, data any) error {
	if err := storage.ValidateKey(sessionID, name); err != nil {
		return err
	}
	body, err := storage.Encode(data)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (session_id, name, body, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (session_id, name) DO UPDATE
SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, sessionID, name, string(body)); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// LoadJSON selects the document body.
func (s *DocumentStore) LoadJSON(ctx context.Context, sessionID, name string) ([]byte, bool, error) {
	if err := storage.ValidateKey(sessionID, name); err != nil {
		return nil, false, err
	}
	query := fmt.Sprintf(`SELECT body::text FROM %s WHERE session_id = $1 AND name = $2`, s.table)
	var body string
	if err := s.pool.QueryRow(ctx, query, sessionID, name).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("select document: %w", err)
	}
	return []byte(body), true, nil
}

// CountEntries counts array elements in the database. Missing rows and keys count as zero.
func (s *DocumentStore) CountEntries(ctx context.Context, sessionID, name, key string) (int, error) {
	if err := storage.ValidateKey(sessionID, name); err != nil {
		return 0, err
	}
	var (
		query string
		args  []any
	)
	if key == "" {
		query = fmt.Sprintf(`SELECT COALESCE(json_array_length(body), 0) FROM %s WHERE session_id = $1 AND name = $2`, s.table)
		args = []any{sessionID, name}
	} else {
		query = fmt.Sprintf(`SELECT COALESCE(json_array_length(body -> $3), 0) FROM %s WHERE session_id = $1 AND name = $2`, s.table)
		args = []any{sessionID, name, key}
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

var _ rag.DocumentStore = (*DocumentStore)(nil)

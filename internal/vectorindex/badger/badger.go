// Package badger is a persistent rag.VectorIndex on BadgerDB. Entries are
// stored as JSON under "vec:<session>:<chunk>" so a session's vectors form one
// contiguous key range that Search and Count scan with a prefix iterator.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/vectorindex"
)

const (
	entryPrefix = "vec:"
	ownerPrefix = "own:"
)

// Options configures Open.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
}

// Index implements rag.VectorIndex.
type Index struct {
	db     *badger.DB
	logger *zap.Logger
}

type zapAdapter struct {
	logger *zap.SugaredLogger
}

var _ badger.Logger = (*zapAdapter)(nil)

func (a *zapAdapter) Errorf(msg string, items ...any)   { a.logger.Errorf(msg, items...) }
func (a *zapAdapter) Warningf(msg string, items ...any) { a.logger.Warnf(msg, items...) }
func (a *zapAdapter) Infof(msg string, items ...any)    { a.logger.Debugf(msg, items...) }
func (a *zapAdapter) Debugf(msg string, items ...any)   { a.logger.Debugf(msg, items...) }

// Open opens or creates the index.
func Open(opts Options, logger *zap.Logger) (*Index, error) {
	logger = logging.OrNop(logger).Named("badger")
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("badger index path is required")
		}
		if err := os.MkdirAll(opts.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts.Logger = &zapAdapter{logger: logger.Sugar()}
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Index{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}

func entryKey(sessionID, chunkID string) []byte {
	return []byte(entryPrefix + sessionID + ":" + chunkID)
}

func sessionPrefix(sessionID string) []byte {
	return []byte(entryPrefix + sessionID + ":")
}

func ownerKey(chunkID string) []byte {
	return []byte(ownerPrefix + chunkID)
}

// Upsert writes the entry and its owner record in one transaction.
func (i *Index) Upsert(ctx context.Context, chunkID string, vector []float32, meta rag.ChunkMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := vectorindex.Validate(chunkID, vector, meta); err != nil {
		return err
	}
	body, err := json.Marshal(vectorindex.Entry{ChunkID: chunkID, Vector: vector, Metadata: meta})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	err = i.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(ownerKey(chunkID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			prev, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(prev) != meta.SessionID {
				if err := txn.Delete(entryKey(string(prev), chunkID)); err != nil {
					return err
				}
			}
		}
		if err := txn.Set(ownerKey(chunkID), []byte(meta.SessionID)); err != nil {
			return err
		}
		return txn.Set(entryKey(meta.SessionID, chunkID), body)
	})
	if err != nil {
		return fmt.Errorf("upsert chunk %s: %w", chunkID, err)
	}
	return nil
}

// Search scans the session's key range and ranks entries by cosine similarity.
func (i *Index) Search(ctx context.Context, sessionID string, vector []float32, topK int) ([]rag.SearchHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	r := vectorindex.NewRanker(vector, topK)
	err := i.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e vectorindex.Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			r.Add(e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search session %s: %w", sessionID, err)
	}
	return r.Hits(), nil
}

// Count returns the number of entries for sessionID without reading values.
func (i *Index) Count(_ context.Context, sessionID string) (int, error) {
	n := 0
	err := i.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(sessionID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count session %s: %w", sessionID, err)
	}
	return n, nil
}

var _ rag.VectorIndex = (*Index)(nil)

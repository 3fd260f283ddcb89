// Package index stores chunk embeddings in PostgreSQL and ranks them by
// cosine similarity using pgvector. Search is always scoped to an explicit
// set of object keys; there is no unscoped query path.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// ErrEmptyEmbedding reports a chunk submitted without a vector.
var ErrEmptyEmbedding = errors.New("chunk has empty embedding")

// Chunk is one embeddable slice of a source object.
type Chunk struct {
	Text      string
	Embedding []float32
}

// Result is a ranked search hit. Similarity is cosine similarity in [0, 1]
// for normalized embeddings, higher is closer.
type Result struct {
	ObjectKey  string
	Text       string
	Similarity float64
}

// DB is the database surface the index needs. *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists and searches chunk embeddings.
type Store struct {
	db     DB
	logger *slog.Logger
}

// NewStore creates an index store.
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Insert stores all chunks for an object in a single transaction. Either
// every chunk becomes visible or none does, so a half-indexed object can
// never appear in search results.
func (s *Store) Insert(ctx context.Context, objectKey string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("chunk %d: %w", i, ErrEmptyEmbedding)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO chunks (object_key, text, embedding) VALUES ($1, $2, $3)`,
			objectKey, c.Text, pgvector.NewVector(c.Embedding),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting chunks for %s: %w", objectKey, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing chunks for %s: %w", objectKey, err)
	}

	s.logger.Debug("indexed object", "object_key", objectKey, "chunks", len(chunks))
	return nil
}

// SearchOption configures a search.
type SearchOption func(*searchConfig)

type searchConfig struct {
	limit     int
	threshold float64
}

// WithLimit caps the number of results.
func WithLimit(n int) SearchOption {
	return func(c *searchConfig) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithThreshold sets the minimum similarity for a hit.
func WithThreshold(t float64) SearchOption {
	return func(c *searchConfig) { c.threshold = t }
}

// Search ranks chunks belonging to allowedKeys by cosine similarity to the
// query vector, strictly above the threshold, best first. An empty allowedKeys
// returns no results without touching the database.
func (s *Store) Search(ctx context.Context, vector []float32, allowedKeys []string, opts ...SearchOption) ([]Result, error) {
	if len(vector) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if len(allowedKeys) == 0 {
		return nil, nil
	}

	cfg := searchConfig{limit: 5, threshold: 0.7}
	for _, opt := range opts {
		opt(&cfg)
	}

	rows, err := s.db.Query(ctx,
		`SELECT object_key, text, 1 - (embedding <=> $1) AS similarity
		 FROM chunks
		 WHERE object_key = ANY($2)
		   AND 1 - (embedding <=> $1) > $3
		 ORDER BY similarity DESC, id
		 LIMIT $4`,
		pgvector.NewVector(vector), allowedKeys, cfg.threshold, cfg.limit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ObjectKey, &r.Text, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search results: %w", err)
	}
	return results, nil
}

// HasChunks reports whether the object has already been indexed.
func (s *Store) HasChunks(ctx context.Context, objectKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chunks WHERE object_key = $1)`,
		objectKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking chunks for %s: %w", objectKey, err)
	}
	return exists, nil
}

// DeleteObject removes all chunks for an object.
func (s *Store) DeleteObject(ctx context.Context, objectKey string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM chunks WHERE object_key = $1`, objectKey); err != nil {
		return fmt.Errorf("deleting chunks for %s: %w", objectKey, err)
	}
	return nil
}

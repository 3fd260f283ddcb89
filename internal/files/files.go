// Package files tracks which principal owns which stored object. Object
// content is shared across owners through content addressing; the records
// here are the per-owner view, and they define the authorization scope for
// retrieval.
package files

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound reports a file record that does not exist for the owner.
	ErrNotFound = errors.New("file record not found")

	// ErrKeyNotAuthorized reports an object key outside the owner's scope.
	ErrKeyNotAuthorized = errors.New("object key not authorized for owner")
)

// Record is one owner's reference to a stored object.
type Record struct {
	ID          int64
	Owner       string
	ObjectKey   string
	Filename    string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// DB is the database surface the store needs. *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists object and ownership records.
type Store struct {
	db     DB
	logger *slog.Logger
}

// NewStore creates a file record store.
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Record registers an object and the owner's reference to it in one
// transaction. Both inserts are idempotent: re-recording the same key for
// the same owner changes nothing and reports created=false.
func (s *Store) Record(ctx context.Context, owner, objectKey, filename, contentType string, size int64) (created bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx,
		`INSERT INTO objects (object_key, content_type, size)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (object_key) DO NOTHING`,
		objectKey, contentType, size,
	)
	if err != nil {
		return false, fmt.Errorf("recording object %s: %w", objectKey, err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO user_files (owner, object_key, original_filename, content_type)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner, object_key) DO NOTHING`,
		owner, objectKey, filename, contentType,
	)
	if err != nil {
		return false, fmt.Errorf("recording file for %s: %w", owner, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing file record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByOwner returns the owner's file records, newest first.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT uf.id, uf.owner, uf.object_key, uf.original_filename, uf.content_type, o.size, uf.created_at
		 FROM user_files uf
		 JOIN objects o USING (object_key)
		 WHERE uf.owner = $1
		 ORDER BY uf.created_at DESC, uf.id DESC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("listing files for %s: %w", owner, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Owner, &r.ObjectKey, &r.Filename, &r.ContentType, &r.Size, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning file record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading file records: %w", err)
	}
	return records, nil
}

// AuthorizeKeys verifies that every requested key belongs to the owner and
// returns the verified set. Any key outside the owner's scope fails the whole
// request with ErrKeyNotAuthorized.
func (s *Store) AuthorizeKeys(ctx context.Context, owner string, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT object_key FROM user_files WHERE owner = $1 AND object_key = ANY($2)`,
		owner, keys,
	)
	if err != nil {
		return nil, fmt.Errorf("authorizing keys for %s: %w", owner, err)
	}
	defer rows.Close()

	owned := make(map[string]bool, len(keys))
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning authorized key: %w", err)
		}
		owned[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading authorized keys: %w", err)
	}

	verified := make([]string, 0, len(keys))
	for _, key := range keys {
		if !owned[key] {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotAuthorized, key)
		}
		verified = append(verified, key)
	}
	return verified, nil
}

// ResolveFilenames maps object keys to the owner's original filenames.
// Keys without a record for this owner are absent from the result.
func (s *Store) ResolveFilenames(ctx context.Context, owner string, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT object_key, original_filename FROM user_files WHERE owner = $1 AND object_key = ANY($2)`,
		owner, keys,
	)
	if err != nil {
		return nil, fmt.Errorf("resolving filenames for %s: %w", owner, err)
	}
	defer rows.Close()

	names := make(map[string]string, len(keys))
	for rows.Next() {
		var key, name string
		if err := rows.Scan(&key, &name); err != nil {
			return nil, fmt.Errorf("scanning filename: %w", err)
		}
		names[key] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading filenames: %w", err)
	}
	return names, nil
}

// Delete removes the owner's reference to an object. When the last reference
// goes, the object row and its chunks go with it in the same transaction, and
// orphaned=true tells the caller to remove the blob.
//
// The object row is locked first. A concurrent Record holds a key share lock
// on that row for its foreign key check, so the lock makes the two operations
// strictly ordered: either the new reference commits before the reference
// count is read and the object survives, or it waits until after the delete
// and re-creates the object row.
func (s *Store) Delete(ctx context.Context, owner, objectKey string) (orphaned bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var lockedKey string
	err = tx.QueryRow(ctx,
		`SELECT object_key FROM objects WHERE object_key = $1 FOR UPDATE`,
		objectKey,
	).Scan(&lockedKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: %s/%s", ErrNotFound, owner, objectKey)
	}
	if err != nil {
		return false, fmt.Errorf("locking object %s: %w", objectKey, err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM user_files WHERE owner = $1 AND object_key = $2`,
		owner, objectKey,
	)
	if err != nil {
		return false, fmt.Errorf("deleting file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("%w: %s/%s", ErrNotFound, owner, objectKey)
	}

	var referenced bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_files WHERE object_key = $1)`,
		objectKey,
	).Scan(&referenced)
	if err != nil {
		return false, fmt.Errorf("checking references for %s: %w", objectKey, err)
	}

	if !referenced {
		if _, err := tx.Exec(ctx, `DELETE FROM objects WHERE object_key = $1`, objectKey); err != nil {
			return false, fmt.Errorf("deleting object %s: %w", objectKey, err)
		}
		orphaned = true
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted file record",
		"owner", owner, "object_key", objectKey, "orphaned", orphaned)
	return orphaned, nil
}

// Package blob implements the content-addressed blob store.
//
// Blobs are keyed by the sha256 digest of their exact byte sequence, so
// identical bytes always map to the same key regardless of filename or
// owner. Filename and content type ride along as object metadata and do
// not participate in the digest.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
)

// ObjectMeta carries the descriptive metadata stored next to a blob.
type ObjectMeta struct {
	Filename    string
	ContentType string
}

// ObjectStorage is the narrow contract the store needs from an object
// store backend. Implemented by the MinIO adapter in this package;
// interfaces are defined by the consumer so tests can substitute an
// in-memory backend.
type ObjectStorage interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, meta ObjectMeta) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
}

// Store is the content-addressed blob store. Safe for concurrent use as
// long as the backend is.
type Store struct {
	objects ObjectStorage
	logger  *slog.Logger
}

// New creates a Store over the given backend.
func New(objects ObjectStorage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{objects: objects, logger: logger}
}

// DigestKey computes the object key for a byte sequence. The digest is
// collision resistant by construction; key equality implies content
// equality for all practical purposes.
func DigestKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// validateKey rejects keys that are not 64 lowercase hex characters.
// A malformed key can never name a stored blob, and rejecting it early
// keeps backend errors out of the not-found path.
func validateKey(key string) error {
	if len(key) != sha256.Size*2 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, c := range key {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Put stores data under its content digest. The write is idempotent:
// when a blob with the same digest already exists, Put performs no write
// and reports existed=true.
func (s *Store) Put(ctx context.Context, data []byte, meta ObjectMeta) (key string, existed bool, err error) {
	key = DigestKey(data)

	existed, err = s.objects.Stat(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("checking blob %s: %w", key, err)
	}
	if existed {
		s.logger.Debug("blob already stored", "object_key", key)
		return key, true, nil
	}

	if err := s.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), meta); err != nil {
		return "", false, fmt.Errorf("storing blob %s: %w", key, err)
	}

	s.logger.Debug("stored blob", "object_key", key, "size", len(data))
	return key, false, nil
}

// Exists reports whether a blob is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	ok, err := s.objects.Stat(ctx, key)
	if err != nil {
		return false, fmt.Errorf("checking blob %s: %w", key, err)
	}
	return ok, nil
}

// Get returns the full byte content of the blob stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	rc, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetching blob %s: %w", key, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the blob stored under key. Callers are responsible for
// ensuring no file records still reference the key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.objects.Remove(ctx, key); err != nil {
		return fmt.Errorf("removing blob %s: %w", key, err)
	}
	s.logger.Debug("deleted blob", "object_key", key)
	return nil
}

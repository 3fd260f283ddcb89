package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

// memStorage is an in-memory ObjectStorage for tests.
type memStorage struct {
	mu      sync.Mutex
	data    map[string][]byte
	meta    map[string]ObjectMeta
	puts    int
	statErr error
	putErr  error
}

func newMemStorage() *memStorage {
	return &memStorage{
		data: make(map[string][]byte),
		meta: make(map[string]ObjectMeta),
	}
}

func (m *memStorage) Put(_ context.Context, key string, r io.Reader, _ int64, meta ObjectMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.puts++
	m.data[key] = data
	m.meta[key] = meta
	return nil
}

func (m *memStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Stat(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statErr != nil {
		return false, m.statErr
	}
	_, ok := m.data[key]
	return ok, nil
}

func (m *memStorage) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.meta, key)
	return nil
}

func TestDigestKey(t *testing.T) {
	a := DigestKey([]byte("hello"))
	b := DigestKey([]byte("hello"))
	c := DigestKey([]byte("world"))

	if a != b {
		t.Errorf("identical bytes produced different keys: %s vs %s", a, b)
	}
	if a == c {
		t.Errorf("different bytes produced the same key: %s", a)
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64", len(a))
	}
}

func TestPutIdempotent(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	store := New(storage, nil)

	data := []byte("Project Atlas ships in June")

	key1, existed1, err := store.Put(ctx, data, ObjectMeta{Filename: "atlas.txt", ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if existed1 {
		t.Error("first Put reported existed=true")
	}

	// Same bytes under a different filename: same key, no second write.
	key2, existed2, err := store.Put(ctx, data, ObjectMeta{Filename: "copy.txt", ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if !existed2 {
		t.Error("second Put reported existed=false")
	}
	if key1 != key2 {
		t.Errorf("keys differ: %s vs %s", key1, key2)
	}
	if storage.puts != 1 {
		t.Errorf("backend writes = %d, want 1", storage.puts)
	}
	// Metadata from the first write wins; it is descriptive only.
	if got := storage.meta[key1].Filename; got != "atlas.txt" {
		t.Errorf("stored filename = %q, want %q", got, "atlas.txt")
	}
}

func TestGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New(newMemStorage(), nil)

	data := []byte("some document text")
	key, _, err := store.Put(ctx, data, ObjectMeta{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get returned %q, want %q", got, data)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	ctx := context.Background()
	store := New(newMemStorage(), nil)

	badKeys := []string{
		"",
		"short",
		strings.Repeat("x", 64), // right length, not hex
		strings.Repeat("A", 64), // uppercase not accepted
	}
	for _, key := range badKeys {
		if _, err := store.Get(ctx, key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Get(%q) = %v, want ErrInvalidKey", key, err)
		}
		if _, err := store.Exists(ctx, key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Exists(%q) = %v, want ErrInvalidKey", key, err)
		}
		if err := store.Delete(ctx, key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Delete(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	store := New(newMemStorage(), nil)

	key := DigestKey([]byte("never stored"))
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := New(newMemStorage(), nil)

	key, _, err := store.Put(ctx, []byte("doomed"), ObjectMeta{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err := store.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("blob still exists after Delete")
	}
}

func TestPutBackendErrors(t *testing.T) {
	ctx := context.Background()

	storage := newMemStorage()
	storage.statErr = errors.New("backend down")
	store := New(storage, nil)
	if _, _, err := store.Put(ctx, []byte("x"), ObjectMeta{}); err == nil {
		t.Error("Put succeeded despite stat failure")
	}

	storage = newMemStorage()
	storage.putErr = errors.New("disk full")
	store = New(storage, nil)
	if _, _, err := store.Put(ctx, []byte("x"), ObjectMeta{}); err == nil {
		t.Error("Put succeeded despite write failure")
	}
}

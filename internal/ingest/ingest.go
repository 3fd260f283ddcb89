// Package ingest turns stored objects into searchable chunks in the
// background. Uploads return as soon as the blob is durable; the chunk,
// embed, and index steps run here, bounded by a worker limit, and a failed
// job leaves the object stored but unindexed for a later retry.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corpusd/corpusd/internal/chunker"
	"github.com/corpusd/corpusd/internal/index"
)

// BlobGetter fetches object content by key.
type BlobGetter interface {
	Get(ctx context.Context, objectKey string) ([]byte, error)
}

// Embedder encodes texts into vectors, preserving order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer persists chunk embeddings.
type Indexer interface {
	HasChunks(ctx context.Context, objectKey string) (bool, error)
	Insert(ctx context.Context, objectKey string, chunks []index.Chunk) error
}

// Config contains the required dependencies for a Runner.
type Config struct {
	Blobs    BlobGetter
	Embedder Embedder
	Index    Indexer

	ChunkSize    int
	ChunkOverlap int

	// Workers bounds concurrent jobs. Defaults to 4.
	Workers int

	// JobTimeout bounds a single indexing job. Defaults to 5 minutes.
	JobTimeout time.Duration

	Logger *slog.Logger
}

// Runner executes indexing jobs on background goroutines. Close waits for
// in-flight jobs, so a shutdown never abandons a half-embedded object with
// the transaction still open.
type Runner struct {
	cfg Config

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight map[string]bool
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Blobs == nil || cfg.Embedder == nil || cfg.Index == nil {
		return nil, errors.New("blobs, embedder and index are required")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:      cfg,
		baseCtx:  ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, cfg.Workers),
		inflight: make(map[string]bool),
	}, nil
}

// Enqueue schedules an object for background indexing and returns
// immediately. A key already in flight is not scheduled twice; after Close
// the call is a no-op.
func (r *Runner) Enqueue(objectKey string) {
	r.mu.Lock()
	if r.closed || r.inflight[objectKey] {
		r.mu.Unlock()
		return
	}
	r.inflight[objectKey] = true
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, objectKey)
			r.mu.Unlock()
		}()

		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-r.baseCtx.Done():
			return
		}

		ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.JobTimeout)
		defer cancel()

		if err := r.IndexObject(ctx, objectKey); err != nil {
			r.cfg.Logger.Error("indexing job failed",
				"object_key", objectKey, "error", err)
		}
	}()
}

// IndexObject chunks, embeds, and indexes one object synchronously. Objects
// that already have chunks are skipped, which is what makes re-uploading
// identical content cheap.
func (r *Runner) IndexObject(ctx context.Context, objectKey string) error {
	indexed, err := r.cfg.Index.HasChunks(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("checking existing chunks: %w", err)
	}
	if indexed {
		r.cfg.Logger.Debug("object already indexed", "object_key", objectKey)
		return nil
	}

	data, err := r.cfg.Blobs.Get(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("fetching blob: %w", err)
	}

	texts := chunker.Split(string(data), r.cfg.ChunkSize, r.cfg.ChunkOverlap)
	if len(texts) == 0 {
		r.cfg.Logger.Debug("object has no indexable text", "object_key", objectKey)
		return nil
	}

	vectors, err := r.cfg.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(texts), err)
	}

	chunks := make([]index.Chunk, len(texts))
	for i := range texts {
		chunks[i] = index.Chunk{Text: texts[i], Embedding: vectors[i]}
	}
	if err := r.cfg.Index.Insert(ctx, objectKey, chunks); err != nil {
		return fmt.Errorf("storing chunks: %w", err)
	}

	r.cfg.Logger.Info("indexed object", "object_key", objectKey, "chunks", len(chunks))
	return nil
}

// Close stops accepting jobs and waits for in-flight jobs to finish.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()
}

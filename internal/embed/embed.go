// Package embed wraps a text-embedding model behind a fixed-dimension
// contract. The vector dimension is set per deployment and must match
// the vector column in the chunks schema; a mismatch here would corrupt
// every similarity ranking, so it is a hard error, never a warning.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"
)

// ErrEmbedding tags failures of the embedding model: unavailable model,
// malformed output, or a dimension mismatch. Callers branch on it with
// errors.Is to distinguish capability failures from storage failures.
var ErrEmbedding = errors.New("embedding failed")

// Service encodes texts into fixed-dimension vectors.
// Safe for concurrent use.
type Service struct {
	embedder ai.Embedder
	dim      int
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// Config contains the required parameters for the embedding service.
type Config struct {
	Embedder  ai.Embedder
	Dimension int

	// Limiter throttles model calls. Nil uses a default of 10 req/s
	// with a burst of 30.
	Limiter *rate.Limiter

	Logger *slog.Logger
}

// New creates an embedding Service.
func New(cfg Config) (*Service, error) {
	if cfg.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", cfg.Dimension)
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		embedder: cfg.Embedder,
		dim:      cfg.Dimension,
		limiter:  limiter,
		logger:   logger,
	}, nil
}

// Dimension returns the deployment-fixed vector dimension.
func (s *Service) Dimension() int {
	return s.dim
}

// EmbedBatch encodes texts in one model call. Output order equals input
// order; batching exists purely for throughput. An empty input returns
// an empty result without calling the model.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	input := make([]*ai.Document, len(texts))
	for i, t := range texts {
		input[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrEmbedding, len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty vector at position %d", ErrEmbedding, i)
		}
		if len(e.Embedding) != s.dim {
			return nil, fmt.Errorf("%w: vector dimension %d does not match deployment dimension %d",
				ErrEmbedding, len(e.Embedding), s.dim)
		}
		vectors[i] = e.Embedding
	}

	s.logger.Debug("embedded batch", "texts", len(texts), "dimension", s.dim)
	return vectors, nil
}

// EmbedOne encodes a single text.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

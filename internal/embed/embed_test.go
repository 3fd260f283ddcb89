package embed

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// mockEmbedder implements ai.Embedder for tests.
type mockEmbedder struct {
	dim       int
	embedErr  error
	returnN   int // override number of embeddings returned, -1 means match input
	emptyAt   int // position returning an empty vector, -1 disables
	callCount int
	lastTexts []string
}

func newMockEmbedder(dim int) *mockEmbedder {
	return &mockEmbedder{dim: dim, returnN: -1, emptyAt: -1}
}

func (m *mockEmbedder) Name() string { return "mock-embedder" }

func (m *mockEmbedder) Register(r api.Registry) {}

func (m *mockEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	m.callCount++
	m.lastTexts = m.lastTexts[:0]
	for _, doc := range req.Input {
		text := ""
		for _, p := range doc.Content {
			text += p.Text
		}
		m.lastTexts = append(m.lastTexts, text)
	}

	if m.embedErr != nil {
		return nil, m.embedErr
	}

	n := len(req.Input)
	if m.returnN >= 0 {
		n = m.returnN
	}
	resp := &ai.EmbedResponse{}
	for i := 0; i < n; i++ {
		if i == m.emptyAt {
			resp.Embeddings = append(resp.Embeddings, &ai.Embedding{})
			continue
		}
		vec := make([]float32, m.dim)
		// Distinct per position so order can be asserted.
		vec[0] = float32(i + 1)
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{Embedding: vec})
	}
	return resp, nil
}

func newTestService(t *testing.T, emb ai.Embedder, dim int) *Service {
	t.Helper()
	svc, err := New(Config{Embedder: emb, Dimension: dim})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

// ============================================================
// Construction
// ============================================================

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Dimension: 8}); err == nil {
		t.Error("expected error for nil embedder")
	}
	if _, err := New(Config{Embedder: newMockEmbedder(8), Dimension: 0}); err == nil {
		t.Error("expected error for zero dimension")
	}
}

// ============================================================
// EmbedBatch
// ============================================================

func TestEmbedBatchOrder(t *testing.T) {
	mock := newMockEmbedder(4)
	svc := newTestService(t, mock, 4)

	texts := []string{"alpha", "beta", "gamma"}
	vectors, err := svc.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
	for i, vec := range vectors {
		if len(vec) != 4 {
			t.Errorf("vector %d: dimension %d, want 4", i, len(vec))
		}
		if vec[0] != float32(i+1) {
			t.Errorf("vector %d out of order: marker %v", i, vec[0])
		}
	}
	if mock.callCount != 1 {
		t.Errorf("expected a single model call, got %d", mock.callCount)
	}
	for i, text := range texts {
		if mock.lastTexts[i] != text {
			t.Errorf("text %d: sent %q, want %q", i, mock.lastTexts[i], text)
		}
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	mock := newMockEmbedder(4)
	svc := newTestService(t, mock, 4)

	vectors, err := svc.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil result, got %v", vectors)
	}
	if mock.callCount != 0 {
		t.Errorf("model should not be called for empty input, got %d calls", mock.callCount)
	}
}

func TestEmbedBatchErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*mockEmbedder)
	}{
		{
			name:  "model failure",
			setup: func(m *mockEmbedder) { m.embedErr = fmt.Errorf("model unavailable") },
		},
		{
			name:  "count mismatch",
			setup: func(m *mockEmbedder) { m.returnN = 1 },
		},
		{
			name:  "empty vector",
			setup: func(m *mockEmbedder) { m.emptyAt = 1 },
		},
		{
			name:  "dimension mismatch",
			setup: func(m *mockEmbedder) { m.dim = 7 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockEmbedder(4)
			tt.setup(mock)
			svc := newTestService(t, mock, 4)

			_, err := svc.EmbedBatch(context.Background(), []string{"a", "b"})
			if !errors.Is(err, ErrEmbedding) {
				t.Errorf("expected ErrEmbedding, got %v", err)
			}
		})
	}
}

func TestEmbedOne(t *testing.T) {
	mock := newMockEmbedder(4)
	svc := newTestService(t, mock, 4)

	vec, err := svc.EmbedOne(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("dimension %d, want 4", len(vec))
	}
}

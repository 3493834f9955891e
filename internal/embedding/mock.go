package embedding

import (
	"context"
	"math"
	"sync"

	"github.com/hyperjump/kotae/pkg/utils"
)

// MockEmbedder is a deterministic provider for development and tests. The
// same text always gets the same unit vector. Failures can be scripted with FailNext.
type MockEmbedder struct {
	dimensions int

	mu       sync.Mutex
	calls    int
	failures []error
}

// NewMockEmbedder returns an embedder that produces deterministic embeddings of the given dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEmbedder{dimensions: dimensions}
}

// FailNext makes the next len(errs) calls return errs in order.
func (e *MockEmbedder) FailNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, errs...)
}

// Calls returns how many EmbedBatch calls were made.
func (e *MockEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Vector returns the embedding for text.
func (e *MockEmbedder) Vector(text string) []float32 {
	h := HashString(text)
	emb := make([]float32, e.dimensions)
	for i := 0; i < e.dimensions; i++ {
		emb[i] = float32(math.Sin(float64(h*(i+1)))*0.1 + 0.01)
	}
	utils.NormalizeL2(emb)
	return emb
}

// EmbedBatch returns one vector per text unless a failure is scripted.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	var err error
	if len(e.failures) > 0 {
		err, e.failures = e.failures[0], e.failures[1:]
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.Vector(t)
	}
	return out, nil
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int { return e.dimensions }

// ModelName identifies the mock model.
func (e *MockEmbedder) ModelName() string { return "mock-embedding" }

// Close is a no-op for MockEmbedder.
func (e *MockEmbedder) Close() error { return nil }

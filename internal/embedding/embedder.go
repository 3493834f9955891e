// Package embedding turns chunk text into vectors: provider adapters plus a
// client that batches, retries, throttles and caches.
package embedding

import "context"

// Provider produces vector embeddings for a batch of texts in one call.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
	Close() error
}

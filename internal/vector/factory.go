package vector

import (
	"context"
	"fmt"

	"github.com/hyperjump/kotae/internal/config"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory uses in-memory brute-force search persisted to a local file. Good for small datasets.
	IndexTypeMemory IndexType = "memory"
	// IndexTypePGVector stores vectors in PostgreSQL with the pgvector extension.
	IndexTypePGVector IndexType = "pgvector"
	// IndexTypeQdrant stores vectors in a Qdrant collection over REST.
	IndexTypeQdrant IndexType = "qdrant"
)

// NewVectorIndex creates a vector index for the configured backend.
// A memory index is loaded from indexPath when the file exists and flushes back to it.
func NewVectorIndex(ctx context.Context, cfg config.VectorConfig, dimensions int, indexPath string) (VectorIndex, error) {
	switch IndexType(cfg.Backend) {
	case IndexTypeMemory, "":
		idx, err := NewMemoryIndex(dimensions)
		if err != nil {
			return nil, err
		}
		if err := idx.Load(indexPath); err != nil {
			return nil, fmt.Errorf("failed to load vector index: %w", err)
		}
		idx.SetFile(indexPath)
		return idx, nil
	case IndexTypePGVector:
		return NewPGVectorIndex(ctx, cfg.DSN, cfg.Table, dimensions)
	case IndexTypeQdrant:
		return NewQdrantIndex(ctx, QdrantConfig{
			URL:        cfg.URL,
			APIKey:     cfg.APIKey(),
			Collection: cfg.Collection,
			Dimensions: dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory, pgvector, qdrant)", cfg.Backend)
	}
}

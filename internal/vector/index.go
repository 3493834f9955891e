// Package vector stores chunk embeddings with their citation payload and
// answers filtered similarity searches.
package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Payload is the citation data stored next to every vector.
type Payload struct {
	DocumentID    string `json:"document_id"`
	DocumentName  string `json:"document_name"`
	ChunkSeq      int    `json:"chunk_seq"`
	Text          string `json:"text"`
	Page          int    `json:"page,omitempty"`
	Paragraph     int    `json:"paragraph,omitempty"`
	StartOffset   int    `json:"start_offset"`
	EndOffset     int    `json:"end_offset"`
	LowConfidence bool   `json:"low_confidence,omitempty"`
	Model         string `json:"model,omitempty"`
}

// Point is a vector to upsert.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a search result. Score is the raw cosine similarity.
type Hit struct {
	ID      string
	Score   float64
	Payload Payload
}

// Filter restricts a search to a set of documents. A nil *Filter is
// unrestricted; a non-nil Filter with no ids matches nothing.
type Filter struct {
	DocumentIDs []string
}

// DocumentFilter returns a filter over ids, or nil when ids is nil.
func DocumentFilter(ids []string) *Filter {
	if ids == nil {
		return nil
	}
	return &Filter{DocumentIDs: ids}
}

// SelectsNothing reports whether the filter is an explicit empty selection.
func (f *Filter) SelectsNothing() bool {
	return f != nil && len(f.DocumentIDs) == 0
}

// Allows reports whether a point of documentID passes the filter.
func (f *Filter) Allows(documentID string) bool {
	if f == nil {
		return true
	}
	for _, id := range f.DocumentIDs {
		if id == documentID {
			return true
		}
	}
	return false
}

// VectorIndex is the similarity-search store. Implementations must return hits
// ordered by score descending with ties broken by most recent upsert.
type VectorIndex interface {
	Upsert(ctx context.Context, points []Point) error
	// DeleteByDocument removes every point of documentID. Deleting nothing is not an error.
	DeleteByDocument(ctx context.Context, documentID string) error
	Search(ctx context.Context, query []float32, k int, filter *Filter) ([]Hit, error)
	CountByDocument(ctx context.Context, documentID string) (int, error)
	Count(ctx context.Context) (int, error)
	// DocumentIDs returns every document id that has at least one point, in no particular order.
	DocumentIDs(ctx context.Context) ([]string, error)
	Type() string
	Close() error
}

// Persister is implemented by indices that keep their contents in a local file.
type Persister interface {
	Save(path string) error
	Load(path string) error
}

// Flusher is implemented by indices whose writes only become durable when flushed.
type Flusher interface {
	Flush(ctx context.Context) error
}

// PointID returns the deterministic vector id of chunk seq of documentID.
// Qdrant only accepts UUIDs or integers, so ids are name-based UUIDs.
func PointID(documentID string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s#%d", documentID, seq))).String()
}

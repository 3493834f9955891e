// Package storage persists document records, chunk records and raw upload bytes.
package storage

import (
	"context"
	"io"

	"github.com/hyperjump/kotae/internal/models"
)

// Store is the document metadata store. It is independent of the vector index.
type Store interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	// GetDocuments returns the documents that exist among ids, keyed by id.
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
	UpdateDocument(ctx context.Context, doc *models.Document) error
	// UpdateStatus moves a document from one status to another. It fails with
	// models.ErrInvalidTransition when the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to models.DocumentStatus, detail string) error
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, opts models.ListOptions) (*models.ListResult, error)

	BatchCreateChunks(ctx context.Context, chunks []*models.Chunk) error
	GetChunksByDocumentID(ctx context.Context, documentID string) ([]*models.Chunk, error)
	DeleteChunksByDocumentID(ctx context.Context, documentID string) error

	CountDocuments(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)
	Close() error
}

// BlobStore keeps the raw bytes of uploaded documents so they can be reprocessed on retry.
type BlobStore interface {
	Put(ctx context.Context, id string, r io.Reader) (int64, error)
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

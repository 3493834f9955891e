// Package models defines the domain types shared by the ingestion and query pipelines.
package models

import "time"

// DocumentStatus is the lifecycle state of an uploaded document.
type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// transitions lists the allowed target states for each state.
// uploaded -> failed is reserved for failures recorded before a pipeline run starts;
// completed -> failed for startup recovery when the index lost a document's vectors.
var transitions = map[DocumentStatus][]DocumentStatus{
	StatusUploaded:   {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusFailed},
	StatusFailed:     {StatusProcessing},
}

// CanTransition reports whether a document may move from one status to another.
func CanTransition(from, to DocumentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no pipeline is expected to move the document further on its own.
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Document is the persisted record for one uploaded file.
type Document struct {
	ID           string                 `json:"id" db:"id"`
	Filename     string                 `json:"filename" db:"filename"`
	ContentType  string                 `json:"content_type" db:"content_type"`
	SizeBytes    int64                  `json:"size_bytes" db:"size_bytes"`
	Status       DocumentStatus         `json:"status" db:"status"`
	ErrorDetail  string                 `json:"error_detail,omitempty" db:"error_detail"`
	Title        string                 `json:"title,omitempty" db:"title"`
	Author       string                 `json:"author,omitempty" db:"author"`
	DocumentDate string                 `json:"document_date,omitempty" db:"document_date"`
	PageCount    int                    `json:"page_count,omitempty" db:"page_count"`
	ChunkCount   int                    `json:"chunk_count" db:"chunk_count"`
	Attempts     int                    `json:"attempts" db:"attempts"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	UploadedAt   time.Time              `json:"uploaded_at" db:"uploaded_at"`
	UpdatedAt    time.Time              `json:"updated_at" db:"updated_at"`
}

// DisplayName is the name shown in citations: the filename, or the title when no filename was recorded.
func (d *Document) DisplayName() string {
	if d.Filename != "" {
		return d.Filename
	}
	return d.Title
}

// Chunk is one embedded slice of a document's extracted text.
// Page and Paragraph are 1-based; zero means unknown.
type Chunk struct {
	VectorID      string    `json:"vector_id" db:"vector_id"`
	DocumentID    string    `json:"document_id" db:"document_id"`
	Seq           int       `json:"seq" db:"seq"`
	Text          string    `json:"text" db:"text"`
	Page          int       `json:"page,omitempty" db:"page"`
	Paragraph     int       `json:"paragraph,omitempty" db:"paragraph"`
	StartOffset   int       `json:"start_offset" db:"start_offset"`
	EndOffset     int       `json:"end_offset" db:"end_offset"`
	LowConfidence bool      `json:"low_confidence,omitempty" db:"low_confidence"`
	Confidence    float64   `json:"confidence" db:"confidence"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

package models

import (
	"fmt"
	"strings"
	"time"
)

// SortField is a column documents can be listed by.
type SortField string

const (
	SortUploadedAt SortField = "uploaded_at"
	SortFilename   SortField = "filename"
	SortPageCount  SortField = "page_count"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ListOptions filters, sorts and paginates the document listing.
// Filename, Author and Search match substrings case-insensitively; Status and ContentType match exactly.
type ListOptions struct {
	Search       string         `json:"search,omitempty"`
	Filename     string         `json:"filename,omitempty"`
	Author       string         `json:"author,omitempty"`
	Status       DocumentStatus `json:"status,omitempty"`
	ContentType  string         `json:"content_type,omitempty"`
	UploadedFrom *time.Time     `json:"uploaded_from,omitempty"`
	UploadedTo   *time.Time     `json:"uploaded_to,omitempty"`
	// IDs restricts the listing to the given documents when non-nil.
	IDs        []string  `json:"-"`
	Sort       SortField `json:"sort,omitempty"`
	Descending bool      `json:"descending,omitempty"`
	Page       int       `json:"page,omitempty"`
	PageSize   int       `json:"page_size,omitempty"`
}

// Normalize validates the options and fills defaults. Uploaded time defaults to newest first.
func (o *ListOptions) Normalize() error {
	o.Search = strings.TrimSpace(o.Search)
	if o.Status != "" && !o.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, o.Status)
	}
	switch o.Sort {
	case "":
		o.Sort = SortUploadedAt
		o.Descending = true
	case SortUploadedAt, SortFilename, SortPageCount:
	default:
		return fmt.Errorf("%w: cannot sort by %q", ErrInvalidInput, o.Sort)
	}
	if o.Page <= 0 {
		o.Page = 1
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}
	if o.UploadedFrom != nil && o.UploadedTo != nil && o.UploadedTo.Before(*o.UploadedFrom) {
		return fmt.Errorf("%w: uploaded_to is before uploaded_from", ErrInvalidInput)
	}
	return nil
}

// Offset is the row offset for the requested page.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.PageSize
}

// ListResult is one page of documents.
type ListResult struct {
	Documents []*Document `json:"documents"`
	Total     int         `json:"total"`
	Page      int         `json:"page"`
	PageSize  int         `json:"page_size"`
	PageCount int         `json:"page_count"`
}

// PageCount returns the number of pages for total rows; an empty listing has one page.
func PageCount(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 1
	}
	return (total + pageSize - 1) / pageSize
}

package models

import (
	"fmt"
	"strings"
)

// ResponseForm selects the shape of a query answer.
type ResponseForm string

const (
	FormEnhanced ResponseForm = "enhanced"
	FormCompact  ResponseForm = "compact"
	// FormNone is reported when no relevant content was found and no answer was generated.
	FormNone ResponseForm = "none"
)

// QueryRequest is a question with an optional document restriction.
// DocumentIDs nil means all documents; a non-nil empty slice selects nothing.
type QueryRequest struct {
	Question    string       `json:"question"`
	DocumentIDs *[]string    `json:"document_ids,omitempty"`
	TopK        int          `json:"top_k,omitempty"`
	Form        ResponseForm `json:"form,omitempty"`
}

// Validate checks the request and fills defaults. maxTopK bounds TopK.
func (q *QueryRequest) Validate(defaultTopK, maxTopK int) error {
	q.Question = strings.TrimSpace(q.Question)
	if q.Question == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidInput)
	}
	if q.TopK <= 0 {
		q.TopK = defaultTopK
	}
	if maxTopK > 0 && q.TopK > maxTopK {
		q.TopK = maxTopK
	}
	switch q.Form {
	case "":
		q.Form = FormEnhanced
	case FormEnhanced, FormCompact:
	default:
		return fmt.Errorf("%w: unknown form %q", ErrInvalidInput, q.Form)
	}
	return nil
}

// Selection returns the document restriction, or nil when unrestricted.
func (q *QueryRequest) Selection() []string {
	if q.DocumentIDs == nil {
		return nil
	}
	return *q.DocumentIDs
}

// Restricted reports whether the caller supplied a document selection (possibly empty).
func (q *QueryRequest) Restricted() bool {
	return q.DocumentIDs != nil
}

// SelectDocuments returns a pointer suitable for QueryRequest.DocumentIDs.
func SelectDocuments(ids ...string) *[]string {
	out := make([]string, 0, len(ids))
	out = append(out, ids...)
	return &out
}

// ThemeRequest asks for the recurring themes across a document selection.
type ThemeRequest struct {
	Question    string    `json:"question,omitempty"`
	DocumentIDs *[]string `json:"document_ids,omitempty"`
	TopK        int       `json:"top_k,omitempty"`
}

// SelectionRequest is a document selection to check before querying.
type SelectionRequest struct {
	DocumentIDs []string `json:"document_ids"`
}

// SelectionReport splits a selection into known documents, in request order,
// and ids that match no document.
type SelectionReport struct {
	Documents  []*Document `json:"documents"`
	Count      int         `json:"count"`
	InvalidIDs []string    `json:"invalid_ids"`
}

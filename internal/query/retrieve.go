package query

import (
	"context"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vector"
)

// source is a retrieved chunk of a completed document.
type source struct {
	hit vector.Hit
	doc *models.Document
}

// retrieve embeds text and returns up to topK hits of completed documents,
// highest similarity first. A restricted empty selection returns nothing
// without calling any capability.
func (e *Engine) retrieve(ctx context.Context, text string, topK int, selection []string, restricted bool) ([]source, error) {
	if restricted && len(selection) == 0 {
		return nil, nil
	}
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, &models.QueryError{Stage: "embedding", Retryable: true, Err: err}
	}

	var filter *vector.Filter
	if restricted {
		filter = vector.DocumentFilter(selection)
	}
	// Over-fetch so that chunks of documents still processing do not starve the result.
	hits, err := e.index.Search(ctx, vec, topK*2, filter)
	if err != nil {
		return nil, &models.QueryError{Stage: "search", Retryable: true, Err: err}
	}
	if e.config.MinScore > 0 {
		kept := hits[:0]
		for _, h := range hits {
			if h.Score >= e.config.MinScore {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	seen := make(map[string]bool)
	for _, h := range hits {
		if !seen[h.Payload.DocumentID] {
			seen[h.Payload.DocumentID] = true
			ids = append(ids, h.Payload.DocumentID)
		}
	}
	docs, err := e.store.GetDocuments(ctx, ids)
	if err != nil {
		return nil, &models.QueryError{Stage: "metadata", Retryable: true, Err: err}
	}

	sources := make([]source, 0, topK)
	skipped := 0
	for _, h := range hits {
		doc, ok := docs[h.Payload.DocumentID]
		if !ok || doc.Status != models.StatusCompleted {
			skipped++
			continue
		}
		if len(sources) < topK {
			sources = append(sources, source{hit: h, doc: doc})
		}
	}
	if skipped > 0 {
		e.logger.Debug("Skipped hits of documents that are not completed", zap.Int("hits", skipped))
	}
	return sources, nil
}

func distinctDocuments(sources []source) int {
	seen := make(map[string]bool)
	for _, s := range sources {
		seen[s.doc.ID] = true
	}
	return len(seen)
}

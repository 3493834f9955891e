package query

import (
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/pkg/utils"
)

// citation describes a chunk that was given to the generator.
func (e *Engine) citation(s source) models.Citation {
	p := s.hit.Payload
	name := s.doc.DisplayName()
	if name == "" {
		name = p.DocumentName
	}
	return models.Citation{
		DocumentID:    p.DocumentID,
		DocumentName:  name,
		Page:          p.Page,
		Paragraph:     p.Paragraph,
		Snippet:       utils.Truncate(p.Text, e.config.SnippetChars),
		Score:         utils.Clamp01(s.hit.Score),
		LowConfidence: p.LowConfidence,
	}
}

func (e *Engine) citations(sources []source) []models.Citation {
	out := make([]models.Citation, len(sources))
	for i, s := range sources {
		out[i] = e.citation(s)
	}
	return out
}

// enhancedCitations adds offsets, source numbering and embedding provenance.
func (e *Engine) enhancedCitations(sources []source) []models.EnhancedCitation {
	out := make([]models.EnhancedCitation, len(sources))
	for i, s := range sources {
		p := s.hit.Payload
		c := e.citation(s)
		start, end := p.StartOffset, p.EndOffset
		c.StartOffset, c.EndOffset = &start, &end
		model := p.Model
		if model == "" {
			model = e.embedder.ModelName()
		}
		out[i] = models.EnhancedCitation{
			Citation:    c,
			SourceIndex: i + 1,
			ChunkSeq:    p.ChunkSeq,
			Provenance: models.Provenance{
				VectorID:   s.hit.ID,
				Similarity: s.hit.Score,
				Model:      model,
				Dimension:  e.embedder.Dimensions(),
			},
		}
	}
	return out
}

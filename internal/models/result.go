package models

// Citation links an answer to a chunk that was given to the generator.
type Citation struct {
	DocumentID    string  `json:"document_id"`
	DocumentName  string  `json:"document_name"`
	Page          int     `json:"page,omitempty"`
	Paragraph     int     `json:"paragraph,omitempty"`
	Snippet       string  `json:"snippet"`
	Score         float64 `json:"score"`
	StartOffset   *int    `json:"start_offset,omitempty"`
	EndOffset     *int    `json:"end_offset,omitempty"`
	LowConfidence bool    `json:"low_confidence,omitempty"`
}

// Provenance records how a citation's chunk was matched.
type Provenance struct {
	VectorID   string  `json:"vector_id"`
	Similarity float64 `json:"similarity"`
	Model      string  `json:"model"`
	Dimension  int     `json:"dimension"`
}

// EnhancedCitation is a Citation with source numbering and embedding provenance.
type EnhancedCitation struct {
	Citation
	SourceIndex int        `json:"source_index"`
	ChunkSeq    int        `json:"chunk_seq"`
	Provenance  Provenance `json:"provenance"`
}

// AnswerSegment is one part of an enhanced answer and the sources it draws on.
type AnswerSegment struct {
	Text    string `json:"text"`
	Sources []int  `json:"sources,omitempty"`
}

// CompactResponse is a single answer with a flat citation list.
type CompactResponse struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// EnhancedResponse is a segmented answer with enriched citations.
type EnhancedResponse struct {
	Segments  []AnswerSegment    `json:"segments"`
	Citations []EnhancedCitation `json:"citations"`
}

// Answer joins the segment texts.
func (r *EnhancedResponse) Answer() string {
	out := ""
	for i, s := range r.Segments {
		if i > 0 {
			out += "\n\n"
		}
		out += s.Text
	}
	return out
}

// QueryMetadata describes how a query was served.
type QueryMetadata struct {
	TotalResults      int    `json:"total_results"`
	DocumentsSearched int    `json:"documents_searched"`
	SelectionSize     *int   `json:"selection_size,omitempty"`
	Degraded          bool   `json:"degraded,omitempty"`
	DegradeReason     string `json:"degrade_reason,omitempty"`
	TookMS            int64  `json:"took_ms"`
}

// QueryResult is the transient answer to a question. Exactly one of Compact and
// Enhanced is set unless NoResults is true.
type QueryResult struct {
	Question  string            `json:"question"`
	Form      ResponseForm      `json:"form"`
	NoResults bool              `json:"no_results"`
	Message   string            `json:"message,omitempty"`
	Compact   *CompactResponse  `json:"compact,omitempty"`
	Enhanced  *EnhancedResponse `json:"enhanced,omitempty"`
	Metadata  QueryMetadata     `json:"metadata"`
}

// AnswerText returns the answer regardless of form.
func (r *QueryResult) AnswerText() string {
	switch {
	case r.Enhanced != nil:
		return r.Enhanced.Answer()
	case r.Compact != nil:
		return r.Compact.Answer
	}
	return r.Message
}

// Citations returns the compact view of the citations regardless of form.
func (r *QueryResult) Citations() []Citation {
	switch {
	case r.Enhanced != nil:
		out := make([]Citation, len(r.Enhanced.Citations))
		for i, c := range r.Enhanced.Citations {
			out[i] = c.Citation
		}
		return out
	case r.Compact != nil:
		return r.Compact.Citations
	}
	return nil
}

// ThemeDocument is a document contributing to a theme.
type ThemeDocument struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
}

// Theme is a recurring topic found across the retrieved chunks.
type Theme struct {
	Name      string          `json:"name"`
	Summary   string          `json:"summary,omitempty"`
	Documents []ThemeDocument `json:"documents"`
	Citations []Citation      `json:"citations"`
}

// ThemeResult is the response to a ThemeRequest.
type ThemeResult struct {
	Themes    []Theme `json:"themes"`
	NoResults bool    `json:"no_results"`
	Message   string  `json:"message,omitempty"`
	TookMS    int64   `json:"took_ms"`
}

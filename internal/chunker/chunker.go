// Package chunker splits extracted document sections into overlapping,
// positioned chunks ready for embedding.
package chunker

import (
	"unicode"

	"github.com/hyperjump/kotae/internal/extract"
	"github.com/hyperjump/kotae/internal/models"
)

// sectionSeparator joins consecutive sections in the normalised source text.
const sectionSeparator = "\n\n"

// Chunker holds the split parameters, measured in runes.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker creates a chunker. Overlap is clamped below half the chunk size so
// every cut makes progress.
func NewChunker(chunkSize, chunkOverlap int) *Chunker {
	if chunkSize < 2 {
		chunkSize = 2
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize/2 {
		chunkOverlap = chunkSize/2 - 1
	}
	return &Chunker{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

// Size returns the chunk size in runes.
func (c *Chunker) Size() int { return c.chunkSize }

// Overlap returns the chunk overlap in runes.
func (c *Chunker) Overlap() int { return c.chunkOverlap }

type anchor struct {
	start, end int
	page       int
	paragraph  int
	confidence float64
	low        bool
}

// Splitter is a streaming split of one document. Feed it sections with Add and
// finish with Flush; chunks are emitted as soon as they are complete.
type Splitter struct {
	c          *Chunker
	documentID string
	emit       func(*models.Chunk) error

	buf      []rune
	bufStart int // absolute offset of buf[0]
	covered  int // end offset of the last emitted chunk
	anchors  []anchor
	seq      int
	started  bool
}

// NewSplitter starts a split for documentID. emit receives chunks in sequence order.
func (c *Chunker) NewSplitter(documentID string, emit func(*models.Chunk) error) *Splitter {
	return &Splitter{c: c, documentID: documentID, emit: emit}
}

// Chunks returns how many chunks have been emitted so far.
func (s *Splitter) Chunks() int { return s.seq }

// Add appends one section. Empty sections are ignored.
func (s *Splitter) Add(sec extract.Section) error {
	text := []rune(Preprocess(sec.Text))
	if len(text) == 0 {
		return nil
	}
	if s.started {
		s.buf = append(s.buf, []rune(sectionSeparator)...)
	}
	s.started = true
	start := s.bufStart + len(s.buf)
	s.buf = append(s.buf, text...)
	s.anchors = append(s.anchors, anchor{
		start:      start,
		end:        start + len(text),
		page:       sec.Page,
		paragraph:  sec.Paragraph,
		confidence: sec.Confidence,
		low:        sec.LowConfidence,
	})
	for len(s.buf) > s.c.chunkSize {
		if err := s.cut(); err != nil {
			return err
		}
	}
	return nil
}

// Flush emits whatever text has not been covered by a chunk yet.
func (s *Splitter) Flush() error {
	if s.bufStart+len(s.buf) <= s.covered {
		return nil
	}
	if err := s.emitRange(0, len(s.buf)); err != nil {
		return err
	}
	s.bufStart += len(s.buf)
	s.buf = s.buf[:0]
	s.anchors = nil
	return nil
}

// cut emits the first chunk of the buffer and keeps the overlap tail.
func (s *Splitter) cut() error {
	size := s.c.chunkSize
	end := size
	for j := size; j >= size/2; j-- {
		if unicode.IsSpace(s.buf[j]) {
			end = j
			break
		}
	}
	if err := s.emitRange(0, end); err != nil {
		return err
	}

	next := end - s.c.chunkOverlap
	// Start the overlap at the beginning of the word it lands in.
	for k := next; k > 0; k-- {
		if unicode.IsSpace(s.buf[k-1]) {
			next = k
			break
		}
	}
	if next <= 0 {
		next = end
	}
	s.buf = append(s.buf[:0], s.buf[next:]...)
	s.bufStart += next

	kept := s.anchors[:0]
	for _, a := range s.anchors {
		if a.end > s.bufStart {
			kept = append(kept, a)
		}
	}
	s.anchors = kept
	return nil
}

// emitRange emits buf[from:to] trimmed of surrounding whitespace.
func (s *Splitter) emitRange(from, to int) error {
	for from < to && unicode.IsSpace(s.buf[from]) {
		from++
	}
	for to > from && unicode.IsSpace(s.buf[to-1]) {
		to--
	}
	if from == to {
		return nil
	}
	start, end := s.bufStart+from, s.bufStart+to
	chunk := &models.Chunk{
		DocumentID:  s.documentID,
		Seq:         s.seq,
		Text:        string(s.buf[from:to]),
		StartOffset: start,
		EndOffset:   end,
		Confidence:  1,
	}
	placed := false
	for _, a := range s.anchors {
		if a.end <= start || a.start >= end {
			continue
		}
		if !placed {
			chunk.Page, chunk.Paragraph = a.page, a.paragraph
			placed = true
		}
		if a.confidence < chunk.Confidence {
			chunk.Confidence = a.confidence
		}
		if a.low {
			chunk.LowConfidence = true
		}
	}
	if err := s.emit(chunk); err != nil {
		return err
	}
	s.seq++
	if end > s.covered {
		s.covered = end
	}
	return nil
}

// Split chunks a complete list of sections.
func (c *Chunker) Split(documentID string, sections []extract.Section) ([]*models.Chunk, error) {
	var out []*models.Chunk
	sp := c.NewSplitter(documentID, func(ch *models.Chunk) error {
		out = append(out, ch)
		return nil
	})
	for _, sec := range sections {
		if err := sp.Add(sec); err != nil {
			return nil, err
		}
	}
	if err := sp.Flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// Package extract turns uploaded documents into positioned text sections.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/kotae/internal/models"
)

// Section is one paragraph-sized run of extracted text. Page and Paragraph are 1-based;
// zero means the format has no such notion.
type Section struct {
	Page       int
	Paragraph  int
	Text       string
	Confidence float64 // 1 for text-layer extraction, OCR confidence otherwise
	OCR        bool
	// LowConfidence is set by Extract for OCR sections below the configured threshold.
	LowConfidence bool
}

// Info is document-level metadata discovered during extraction.
type Info struct {
	Title     string
	Author    string
	PageCount int
	OCR       bool
}

// EmitFunc receives sections in document order. Returning an error stops extraction.
type EmitFunc func(Section) error

// Extractor dispatches to a per-format extractor.
type Extractor struct {
	ocr           OCR
	lowConfidence float64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithOCR enables image extraction through o.
func WithOCR(o OCR) Option {
	return func(e *Extractor) { e.ocr = o }
}

// WithLowConfidence sets the OCR confidence (0-1) below which sections are flagged.
func WithLowConfidence(threshold float64) Option {
	return func(e *Extractor) { e.lowConfidence = threshold }
}

// NewExtractor returns an Extractor. Without WithOCR, images are rejected as unsupported.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{lowConfidence: 0.6}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LowConfidence returns the flagging threshold.
func (e *Extractor) LowConfidence() float64 {
	return e.lowConfidence
}

// Supports reports whether contentType can be extracted with the current configuration.
func (e *Extractor) Supports(contentType string) bool {
	if IsImage(contentType) {
		return e.ocr != nil
	}
	_, ok := extractors[contentType]
	return ok
}

type formatFunc func(ctx context.Context, content []byte, emit EmitFunc) (*Info, error)

var extractors = map[string]formatFunc{
	TypePlain:    extractPlain,
	TypeMarkdown: extractPlain,
	TypeHTML:     extractHTML,
	TypePDF:      extractPDF,
	TypeDOCX:     extractDOCX,
	TypeXLSX:     extractExcel,
	TypePPTX:     extractPPTX,
	TypeODP:      extractODP,
	TypeODS:      extractODS,
	TypeODT:      extractLegacy,
	TypeRTF:      extractLegacy,
}

// Extract streams the sections of content to emit. Unsupported or unreadable input
// and documents without any text fail with *models.ExtractionError.
func (e *Extractor) Extract(ctx context.Context, content []byte, contentType string, emit EmitFunc) (*Info, error) {
	if len(content) == 0 {
		return nil, &models.ExtractionError{ContentType: contentType, Reason: "empty file"}
	}
	var fn formatFunc
	if IsImage(contentType) {
		if e.ocr == nil {
			return nil, &models.ExtractionError{ContentType: contentType, Reason: "images require OCR, which is not configured"}
		}
		fn = e.extractImage
	} else {
		var ok bool
		if fn, ok = extractors[contentType]; !ok {
			return nil, &models.ExtractionError{ContentType: contentType, Reason: "unsupported content type"}
		}
	}

	emitted := 0
	info, err := fn(ctx, content, func(s Section) error {
		if s.Text == "" {
			return nil
		}
		if s.Confidence == 0 && !s.OCR {
			s.Confidence = 1
		}
		s.LowConfidence = s.OCR && s.Confidence < e.lowConfidence
		emitted++
		return emit(s)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, asExtractionError(contentType, err)
	}
	if emitted == 0 {
		return nil, &models.ExtractionError{ContentType: contentType, Err: models.ErrEmptyDocument}
	}
	if info == nil {
		info = &Info{}
	}
	return info, nil
}

// asExtractionError keeps errors raised by emit (downstream stages) intact and
// classifies everything else as unreadable input.
func asExtractionError(contentType string, err error) error {
	var ee emitError
	if errors.As(err, &ee) {
		return ee.err
	}
	var xe *models.ExtractionError
	if errors.As(err, &xe) {
		return err
	}
	return &models.ExtractionError{ContentType: contentType, Reason: "unreadable document", Err: err}
}

// emitError marks an error returned by the caller's EmitFunc.
type emitError struct{ err error }

func (e emitError) Error() string { return e.err.Error() }

// forward wraps emit so that caller errors are not mistaken for parse errors.
func forward(emit EmitFunc, s Section) error {
	if err := emit(s); err != nil {
		return emitError{err: err}
	}
	return nil
}

func recoverParse(format string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s parser panic: %v", format, r)
	}
}

// Package query answers questions over the indexed documents with cited, retrieval-augmented answers.
package query

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/generation"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vector"
)

// Embedder embeds a question. *embedding.Client satisfies it.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelName() string
	Dimensions() int
}

// DocumentLookup resolves document records for retrieved chunks.
type DocumentLookup interface {
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
}

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = "Answer the question based on the context provided. Be precise and cite relevant information."

// Engine runs the retrieve, assemble, generate and cite pipeline.
type Engine struct {
	store       DocumentLookup
	embedder    Embedder
	index       vector.VectorIndex
	generator   generation.Generator
	config      config.QueryConfig
	system      string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(p string) Option {
	return func(e *Engine) {
		if p != "" {
			e.system = p
		}
	}
}

// WithGenerationLimits sets max tokens and temperature for every prompt.
func WithGenerationLimits(maxTokens int, temperature float64) Option {
	return func(e *Engine) {
		e.maxTokens = maxTokens
		e.temperature = temperature
	}
}

// NewEngine creates a query engine with the given dependencies.
func NewEngine(
	store DocumentLookup,
	embedder Embedder,
	index vector.VectorIndex,
	generator generation.Generator,
	cfg config.QueryConfig,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:     store,
		embedder:  embedder,
		index:     index,
		generator: generator,
		config:    cfg,
		system:    DefaultSystemPrompt,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Query answers req. Empty retrieval is a result, not an error; capability
// failures are returned as retryable *models.QueryError.
func (e *Engine) Query(ctx context.Context, req *models.QueryRequest) (*models.QueryResult, error) {
	start := time.Now()
	if err := req.Validate(e.config.DefaultTopK, e.config.MaxTopK); err != nil {
		return nil, err
	}

	sources, err := e.retrieve(ctx, req.Question, req.TopK, req.Selection(), req.Restricted())
	if err != nil {
		return nil, err
	}
	meta := models.QueryMetadata{}
	if req.Restricted() {
		n := len(req.Selection())
		meta.SelectionSize = &n
	}
	if len(sources) == 0 {
		meta.TookMS = time.Since(start).Milliseconds()
		return &models.QueryResult{
			Question:  req.Question,
			Form:      models.FormNone,
			NoResults: true,
			Message:   noResultsMessage(req.Restricted(), len(req.Selection())),
			Metadata:  meta,
		}, nil
	}

	window := buildContext(sources, e.config.ContextChars)
	meta.TotalResults = len(window.sources)
	meta.DocumentsSearched = distinctDocuments(window.sources)

	result := &models.QueryResult{Question: req.Question}
	if req.Form == models.FormEnhanced {
		e.answerEnhanced(ctx, req.Question, window, result, &meta)
	}
	if result.Enhanced == nil && result.Compact == nil {
		answer, err := e.generate(ctx, compactPrompt(e.system, req.Question, window.text))
		if err != nil {
			return nil, &models.QueryError{Stage: "generation", Retryable: true, Err: err}
		}
		result.Form = models.FormCompact
		result.Compact = &models.CompactResponse{Answer: answer, Citations: e.citations(window.sources)}
	}
	meta.TookMS = time.Since(start).Milliseconds()
	result.Metadata = meta

	e.logger.Info("Query answered",
		zap.String("form", string(result.Form)),
		zap.Int("sources", len(window.sources)),
		zap.Bool("degraded", meta.Degraded),
		zap.Int64("took_ms", meta.TookMS))
	return result, nil
}

// answerEnhanced fills result.Enhanced, or result.Compact when the answer
// could not be segmented, or nothing when generation failed.
func (e *Engine) answerEnhanced(ctx context.Context, question string, window contextWindow, result *models.QueryResult, meta *models.QueryMetadata) {
	raw, err := e.generate(ctx, enhancedPrompt(e.system, question, window.text))
	if err != nil {
		e.logger.Warn("Enhanced generation failed, falling back to compact answer", zap.Error(err))
		meta.Degraded = true
		meta.DegradeReason = "enhanced generation failed: " + err.Error()
		return
	}
	segments, err := parseSegments(raw, len(window.sources))
	if err != nil {
		e.logger.Warn("Could not enrich answer, returning compact form", zap.Error(err))
		meta.Degraded = true
		meta.DegradeReason = "answer enrichment failed: " + err.Error()
		result.Form = models.FormCompact
		result.Compact = &models.CompactResponse{Answer: plainAnswer(raw), Citations: e.citations(window.sources)}
		return
	}
	result.Form = models.FormEnhanced
	result.Enhanced = &models.EnhancedResponse{Segments: segments, Citations: e.enhancedCitations(window.sources)}
}

func (e *Engine) generate(ctx context.Context, p generation.Prompt) (string, error) {
	p.MaxTokens = e.maxTokens
	p.Temperature = e.temperature
	out, err := e.generator.Generate(ctx, p)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("empty answer from %s", e.generator.ModelName())
	}
	return out, nil
}

func noResultsMessage(restricted bool, selected int) string {
	msg := "No relevant content found."
	if restricted {
		msg += fmt.Sprintf(" Search was limited to %d selected documents.", selected)
	}
	return msg
}

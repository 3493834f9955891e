package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/generation"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vector"
)

const dims = 16

type fakeStore struct {
	docs map[string]*models.Document
	err  error
}

func (f *fakeStore) GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]*models.Document)
	for _, id := range ids {
		if d, ok := f.docs[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

type fixture struct {
	engine   *Engine
	store    *fakeStore
	index    *vector.MemoryIndex
	provider *embedding.MockEmbedder
	gen      *generation.MockGenerator
}

func queryConfig() config.QueryConfig {
	return config.QueryConfig{DefaultTopK: 10, MaxTopK: 50, ContextChars: 12000, SnippetChars: 200, ThemesTopK: 20}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    &fakeStore{docs: map[string]*models.Document{}},
		provider: embedding.NewMockEmbedder(dims),
		gen:      generation.NewMockGenerator(),
	}
	idx, err := vector.NewMemoryIndex(dims)
	require.NoError(t, err)
	f.index = idx
	client := embedding.NewClient(f.provider, embedding.WithRetry(1, 0, 0))
	f.engine = NewEngine(f.store, client, f.index, f.gen, queryConfig())
	return f
}

// addDocument stores a document and indexes one chunk per text.
func (f *fixture) addDocument(t *testing.T, id, name string, status models.DocumentStatus, texts ...string) {
	t.Helper()
	f.store.docs[id] = &models.Document{ID: id, Filename: name, Status: status}
	points := make([]vector.Point, len(texts))
	offset := 0
	for i, text := range texts {
		points[i] = vector.Point{
			ID:     vector.PointID(id, i),
			Vector: f.provider.Vector(text),
			Payload: vector.Payload{
				DocumentID:   id,
				DocumentName: name,
				ChunkSeq:     i,
				Text:         text,
				Page:         i + 1,
				StartOffset:  offset,
				EndOffset:    offset + len(text),
				Model:        "mock-embedding",
			},
		}
		offset += len(text) + 2
	}
	require.NoError(t, f.index.Upsert(context.Background(), points))
}

func TestQuery_EnhancedAnswer(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "report", "report.txt", models.StatusCompleted, "revenue grew in the third quarter", "costs were flat")

	res, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: "revenue grew in the third quarter", TopK: 5})
	require.NoError(t, err)
	require.NotNil(t, res.Enhanced)
	assert.Equal(t, models.FormEnhanced, res.Form)
	assert.False(t, res.Metadata.Degraded)
	assert.Nil(t, res.Metadata.SelectionSize)
	require.Len(t, res.Enhanced.Citations, 2)

	top := res.Enhanced.Citations[0]
	assert.Equal(t, "report", top.DocumentID)
	assert.Equal(t, "report.txt", top.DocumentName)
	assert.Equal(t, 1, top.SourceIndex)
	assert.Equal(t, 1, top.Page)
	assert.InDelta(t, 1.0, top.Score, 1e-5)
	assert.Equal(t, vector.PointID("report", 0), top.Provenance.VectorID)
	assert.Equal(t, dims, top.Provenance.Dimension)
	assert.Equal(t, "mock-embedding", top.Provenance.Model)
	require.NotNil(t, top.StartOffset)
	assert.Equal(t, 0, *top.StartOffset)
	assert.Equal(t, len("revenue grew in the third quarter"), *top.EndOffset)
	assert.Equal(t, []int{1, 2}, res.Enhanced.Segments[0].Sources)

	prompts := f.gen.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0].User, "[Source 1: report.txt, page 1]\nrevenue grew in the third quarter")
	assert.True(t, prompts[0].JSON)
}

func TestQuery_CitationsOnlyFromSelectedDocument(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "a", "a.txt", models.StatusCompleted, "alpha one", "alpha two", "alpha three")
	f.addDocument(t, "b", "b.txt", models.StatusCompleted, "beta one", "beta two")

	res, err := f.engine.Query(context.Background(), &models.QueryRequest{
		Question:    "alpha",
		TopK:        5,
		DocumentIDs: models.SelectDocuments("b"),
		Form:        models.FormCompact,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Compact)
	require.NotEmpty(t, res.Compact.Citations)
	for _, c := range res.Compact.Citations {
		assert.Equal(t, "b", c.DocumentID)
		assert.Nil(t, c.StartOffset, "compact citations carry no offsets")
	}
	require.NotNil(t, res.Metadata.SelectionSize)
	assert.Equal(t, 1, *res.Metadata.SelectionSize)
	assert.Equal(t, 1, res.Metadata.DocumentsSearched)
}

func TestQuery_EmptySelectionSearchesNothing(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "a", "a.txt", models.StatusCompleted, "alpha")

	res, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: "alpha", DocumentIDs: models.SelectDocuments()})
	require.NoError(t, err)
	assert.True(t, res.NoResults)
	assert.Equal(t, models.FormNone, res.Form)
	assert.Equal(t, "No relevant content found. Search was limited to 0 selected documents.", res.Message)
	assert.Empty(t, res.Citations())
	assert.Zero(t, f.provider.Calls(), "no capability is called for an empty selection")
	assert.Empty(t, f.gen.Prompts())
}

func TestQuery_UnknownDocumentSelection(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "a", "a.txt", models.StatusCompleted, "alpha")

	res, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: "alpha", DocumentIDs: models.SelectDocuments("missing")})
	require.NoError(t, err)
	assert.True(t, res.NoResults)
	assert.Equal(t, "No relevant content found. Search was limited to 1 selected documents.", res.Message)
}

func TestQuery_NoIndexedContent(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: "anything"})
	require.NoError(t, err)
	assert.True(t, res.NoResults)
	assert.Equal(t, "No relevant content found.", res.Message)
}

func TestQuery_SkipsDocumentsNotCompleted(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "done", "done.txt", models.StatusCompleted, "shared words here")
	f.addDocument(t, "busy", "busy.txt", models.StatusProcessing, "shared words here")
	f.addDocument(t, "gone", "gone.txt", models.StatusCompleted, "shared words here")
	delete(f.store.docs, "gone")

	res, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: "shared words here", Form: models.FormCompact})
	require.NoError(t, err)
	require.Len(t, res.Compact.Citations, 1)
	assert.Equal(t, "done", res.Compact.Citations[0].DocumentID)
}

func TestQuery_DegradesWhenEnhancedGenerationFails(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "a", "a.txt", models.StatusCompleted, "alpha")
	f.gen.FailNext(errors.New("model overloaded"))

	res, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, models.FormCompact, res.Form)
	require.NotNil(t, res.Compact)
	assert.NotEmpty(t, res.Compact.Answer)
	assert.True(t, res.Metadata.Degraded)
	assert.Contains(t, res.Metadata.DegradeReason, "model overloaded")

	prompts := f.gen.Prompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, generation.TaskSegments, prompts[0].Task)
	assert.Equal(t, generation.TaskAnswer, prompts[1].Task)
}

func TestQuery_DegradesWhenSegmentsDoNotParse(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "a", "a.txt", models.StatusCompleted, "alpha")
	f.gen.Script(generation.TaskSegments, "Alpha is the first letter [Source 1].")

	res, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, models.FormCompact, res.Form)
	assert.Equal(t, "Alpha is the first letter [Source 1].", res.Compact.Answer)
	assert.True(t, res.Metadata.Degraded)
	assert.Len(t, f.gen.Prompts(), 1, "the same answer text is reused")
}

func TestQuery_SegmentsWithFencesAndBadSources(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "a", "a.txt", models.StatusCompleted, "alpha")
	f.gen.Script(generation.TaskSegments, "```json\n{\"segments\":[{\"text\":\"Alpha.\",\"sources\":[1,7,1]},{\"text\":\"  \"}]}\n```")

	res, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: "alpha"})
	require.NoError(t, err)
	require.NotNil(t, res.Enhanced)
	require.Len(t, res.Enhanced.Segments, 1)
	assert.Equal(t, []int{1}, res.Enhanced.Segments[0].Sources)
	assert.Equal(t, "Alpha.", res.Enhanced.Answer())
}

func TestQuery_GenerationFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "a", "a.txt", models.StatusCompleted, "alpha")
	f.gen.FailNext(errors.New("down"), errors.New("still down"))

	_, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: "alpha"})
	var qe *models.QueryError
	require.ErrorAs(t, err, &qe)
	assert.True(t, qe.Retryable)
	assert.Equal(t, "generation", qe.Stage)
}

func TestQuery_EmbeddingFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.addDocument(t, "a", "a.txt", models.StatusCompleted, "alpha")
	f.provider.FailNext(errors.New("provider unavailable"))

	_, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: "a question never cached"})
	var qe *models.QueryError
	require.ErrorAs(t, err, &qe)
	assert.True(t, qe.Retryable)
	assert.Equal(t, "embedding", qe.Stage)
	var ee *models.EmbeddingError
	assert.ErrorAs(t, err, &ee)
}

func TestQuery_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: " "})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestQuery_SnippetAndScoreBounds(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("word ", 100)
	f.addDocument(t, "a", "a.txt", models.StatusCompleted, long)

	res, err := f.engine.Query(context.Background(), &models.QueryRequest{Question: long, Form: models.FormCompact})
	require.NoError(t, err)
	c := res.Compact.Citations[0]
	assert.Equal(t, 203, len([]rune(c.Snippet)))
	assert.True(t, strings.HasSuffix(c.Snippet, "..."))
	assert.LessOrEqual(t, c.Score, 1.0)
	assert.GreaterOrEqual(t, c.Score, 0.0)
}

func TestBuildContext_Budget(t *testing.T) {
	mk := func(id, text string) source {
		return source{
			hit: vector.Hit{Payload: vector.Payload{DocumentID: id, Text: text}},
			doc: &models.Document{ID: id, Filename: id + ".txt"},
		}
	}
	sources := []source{mk("a", strings.Repeat("x", 50)), mk("b", strings.Repeat("y", 50)), mk("c", "z")}

	w := buildContext(sources, 80)
	require.Len(t, w.sources, 1, "second source would exceed the budget")
	assert.True(t, strings.HasPrefix(w.text, "[Source 1: a.txt]\n"))

	w = buildContext(sources, 20)
	require.Len(t, w.sources, 1, "the best source is kept even when truncated")
	assert.Equal(t, 20, len([]rune(w.text)))

	w = buildContext(sources, 0)
	assert.Len(t, w.sources, 3)
	assert.Contains(t, w.text, "[Source 3: c.txt]\nz")
}

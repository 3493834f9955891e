package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/chunker"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/extract"
	"github.com/hyperjump/kotae/internal/generation"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/processor"
	"github.com/hyperjump/kotae/internal/query"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/vector"
)

type testServer struct {
	handler http.Handler
	proc    *processor.Processor
	gen     *generation.MockGenerator
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Storage.DatabasePath = filepath.Join(dir, "kotae.db")
	cfg.Storage.BlobDir = filepath.Join(dir, "uploads")
	cfg.Storage.VectorIndexPath = filepath.Join(dir, "vectors.idx")
	cfg.Embedding.Dimensions = 8
	cfg.Server.MaxUploadBytes = maxUpload

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	blobs, err := storage.NewFileBlobStore(cfg.Storage.BlobDir)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := vector.NewMemoryIndex(cfg.Embedding.Dimensions)
	if err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cat.Close() })

	client := embedding.NewClient(embedding.NewMockEmbedder(cfg.Embedding.Dimensions), embedding.WithRetry(1, 0, 0))
	gen := generation.NewMockGenerator()
	proc := processor.New(store, blobs, extract.NewExtractor(), chunker.NewChunker(200, 20), client, idx,
		cfg.Processing, processor.WithCatalog(cat))
	t.Cleanup(func() { _ = proc.Close() })
	engine := query.NewEngine(store, client, idx, gen, cfg.Query)

	srv := NewServer(proc, engine, store, idx, cfg, nil, WithCatalog(cat))
	return &testServer{handler: srv.Router(), proc: proc, gen: gen}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, rd)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func (ts *testServer) upload(t *testing.T, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func (ts *testServer) seed(t *testing.T) []*models.Document {
	t.Helper()
	w := ts.upload(t, map[string]string{
		"smith_solar-panels_2024-02-01.txt": "Solar panels convert sunlight into electricity. Output drops on cloudy days.",
		"jones_tides_2023-11-20.txt":        "Tides are caused by the gravitational pull of the moon.",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("upload status %d: %s", w.Code, w.Body.String())
	}
	var out uploadResponse
	decode(t, w, &out)
	if len(out.Documents) != 2 {
		t.Fatalf("uploaded %d documents", len(out.Documents))
	}
	ts.proc.Wait()
	return out.Documents
}

func TestUploadListAndGet(t *testing.T) {
	ts := newTestServer(t, 0)
	docs := ts.seed(t)

	w := ts.do(t, http.MethodGet, "/api/v1/documents?sort=filename&order=asc", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status %d", w.Code)
	}
	var list models.ListResult
	decode(t, w, &list)
	if list.Total != 2 || list.Documents[0].Filename != "jones_tides_2023-11-20.txt" {
		t.Errorf("unexpected listing: %+v", list)
	}
	for _, d := range list.Documents {
		if d.Status != models.StatusCompleted {
			t.Errorf("%s status %s (%s)", d.Filename, d.Status, d.ErrorDetail)
		}
	}

	w = ts.do(t, http.MethodGet, "/api/v1/documents?q=smith", nil)
	decode(t, w, &list)
	if list.Total != 1 || list.Documents[0].Author != "smith" {
		t.Errorf("catalog search: %+v", list)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/documents?author=jones&uploaded_from=2000-01-01", nil)
	decode(t, w, &list)
	if list.Total != 1 {
		t.Errorf("author filter total = %d", list.Total)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/documents/"+docs[0].ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status %d", w.Code)
	}
	var got models.Document
	decode(t, w, &got)
	if got.ID != docs[0].ID || got.ChunkCount < 1 {
		t.Errorf("got %+v", got)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/documents/"+docs[0].ID+"/chunks", nil)
	var chunks struct {
		Chunks []models.Chunk `json:"chunks"`
	}
	decode(t, w, &chunks)
	if len(chunks.Chunks) != got.ChunkCount {
		t.Errorf("chunks = %d, want %d", len(chunks.Chunks), got.ChunkCount)
	}

	if w := ts.do(t, http.MethodGet, "/api/v1/documents/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing document status %d", w.Code)
	}
}

func TestValidateSelection(t *testing.T) {
	ts := newTestServer(t, 0)
	docs := ts.seed(t)

	body := models.SelectionRequest{DocumentIDs: []string{"ghost", docs[1].ID, docs[0].ID, "ghost"}}
	w := ts.do(t, http.MethodPost, "/api/v1/documents/selection", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var report models.SelectionReport
	decode(t, w, &report)
	if report.Count != 2 || len(report.Documents) != 2 {
		t.Fatalf("got %+v", report)
	}
	if report.Documents[0].ID != docs[1].ID || report.Documents[1].ID != docs[0].ID {
		t.Errorf("documents should keep request order: %s, %s", report.Documents[0].ID, report.Documents[1].ID)
	}
	if len(report.InvalidIDs) != 1 || report.InvalidIDs[0] != "ghost" {
		t.Errorf("invalid ids = %v", report.InvalidIDs)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/documents/selection", models.SelectionRequest{DocumentIDs: []string{}})
	decode(t, w, &report)
	if w.Code != http.StatusOK || report.Count != 0 || len(report.InvalidIDs) != 0 {
		t.Errorf("empty selection: status %d, %+v", w.Code, report)
	}

	if w := ts.do(t, http.MethodPost, "/api/v1/documents/selection", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing document_ids status %d", w.Code)
	}
}

func TestListValidation(t *testing.T) {
	ts := newTestServer(t, 0)
	for _, q := range []string{"order=sideways", "status=archived", "page=-1", "uploaded_from=yesterday", "sort=size"} {
		if w := ts.do(t, http.MethodGet, "/api/v1/documents?"+q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", q, w.Code)
		}
	}
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t, 1024)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader("{}"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-multipart upload status %d", w.Code)
	}

	w = ts.upload(t, map[string]string{"big.txt": strings.Repeat("x", 4096)})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload status %d", w.Code)
	}
}

func TestQueryAndThemes(t *testing.T) {
	ts := newTestServer(t, 0)
	docs := ts.seed(t)

	w := ts.do(t, http.MethodPost, "/api/v1/query", map[string]interface{}{"question": "How do solar panels work?", "top_k": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("query status %d: %s", w.Code, w.Body.String())
	}
	var res models.QueryResult
	decode(t, w, &res)
	if res.Form != models.FormEnhanced || res.Enhanced == nil || len(res.Enhanced.Citations) == 0 {
		t.Errorf("unexpected result: %+v", res)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/query", map[string]interface{}{"question": "tides?", "document_ids": []string{}})
	decode(t, w, &res)
	if !res.NoResults || !strings.Contains(res.Message, "limited to 0 selected documents") {
		t.Errorf("empty selection: %+v", res)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/query", map[string]interface{}{"question": "tides?", "document_ids": []string{docs[1].ID}, "form": "compact"})
	decode(t, w, &res)
	if res.Compact == nil {
		t.Fatalf("expected compact answer: %+v", res)
	}
	for _, c := range res.Compact.Citations {
		if c.DocumentID != docs[1].ID {
			t.Errorf("citation outside selection: %s", c.DocumentID)
		}
	}

	if w := ts.do(t, http.MethodPost, "/api/v1/query", map[string]interface{}{"question": "  "}); w.Code != http.StatusBadRequest {
		t.Errorf("blank question status %d", w.Code)
	}

	ts.gen.FailNext(errors.New("provider down"), errors.New("provider down"))
	w = ts.do(t, http.MethodPost, "/api/v1/query", map[string]interface{}{"question": "solar"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("generation failure status %d", w.Code)
	}
	var qerr struct {
		Retryable bool   `json:"retryable"`
		Stage     string `json:"stage"`
	}
	decode(t, w, &qerr)
	if !qerr.Retryable || qerr.Stage != "generation" {
		t.Errorf("got %+v", qerr)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/themes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("themes status %d: %s", w.Code, w.Body.String())
	}
	var themes models.ThemeResult
	decode(t, w, &themes)
	if len(themes.Themes) == 0 {
		t.Errorf("expected themes: %+v", themes)
	}
}

func TestRetryAndDelete(t *testing.T) {
	ts := newTestServer(t, 0)
	docs := ts.seed(t)
	id := docs[0].ID

	if w := ts.do(t, http.MethodPost, "/api/v1/documents/"+id+"/retry", nil); w.Code != http.StatusConflict {
		t.Errorf("retry of completed document status %d", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, "/api/v1/documents/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("delete status %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/documents/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("deleted document status %d", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, "/api/v1/documents/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete status %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/v1/documents/"+id+"/retry", nil); w.Code != http.StatusNotFound {
		t.Errorf("retry of deleted document status %d", w.Code)
	}
}

func TestStatusAndHealth(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.seed(t)
	// A corrupt upload lands in failed.
	ts.upload(t, map[string]string{"broken.pdf": "not a pdf"})
	ts.proc.Wait()

	w := ts.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status code %d", w.Code)
	}
	var st statusResponse
	decode(t, w, &st)
	if st.Documents != 3 || st.ByStatus["completed"] != 2 || st.ByStatus["failed"] != 1 {
		t.Errorf("unexpected status: %+v", st)
	}
	if int64(st.Vectors) != st.Chunks || st.Vectors == 0 {
		t.Errorf("vectors %d, chunks %d", st.Vectors, st.Chunks)
	}
	if st.Config["vector_backend"] != "memory" {
		t.Errorf("config: %v", st.Config)
	}

	for _, path := range []string{"/health", "/api/v1/health"} {
		if w := ts.do(t, http.MethodGet, path, nil); w.Code != http.StatusOK {
			t.Errorf("%s status %d", path, w.Code)
		}
	}
}

func TestTimeParam(t *testing.T) {
	v := map[string][]string{"to": {"2024-03-01"}}
	got, err := timeParam(v, "to", true)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 3, 1, 23, 59, 59, 999999999, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

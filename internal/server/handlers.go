package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/processor"
	"github.com/hyperjump/kotae/internal/storage"
)

// catalogLimit bounds how many catalog matches restrict a listing.
const catalogLimit = 1000

const multipartMemory = 32 << 20

type uploadResponse struct {
	Documents []*models.Document `json:"documents"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if limit := s.config.Server.MaxUploadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.respondError(w, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		s.respondError(w, http.StatusBadRequest, "no file in upload")
		return
	}

	resp := uploadResponse{Documents: make([]*models.Document, 0, len(files))}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "unreadable upload part")
			return
		}
		doc, err := s.documents.Upload(r.Context(), processor.UploadRequest{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Content:     f,
		})
		_ = f.Close()
		if err != nil {
			s.respondErr(w, err)
			return
		}
		resp.Documents = append(resp.Documents, doc)
	}
	s.respondJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	opts, q, err := listOptionsFromQuery(r.URL.Query())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if q != "" {
		if s.catalog == nil {
			opts.Search = q
		} else {
			ids, err := s.catalog.Search(r.Context(), q, catalogLimit)
			if err != nil {
				s.respondErr(w, err)
				return
			}
			opts.IDs = ids
		}
	}
	res, err := s.store.ListDocuments(r.Context(), opts)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// listOptionsFromQuery parses listing parameters. The free-text q term is returned separately.
func listOptionsFromQuery(v url.Values) (models.ListOptions, string, error) {
	opts := models.ListOptions{
		Search:      v.Get("search"),
		Filename:    v.Get("filename"),
		Author:      v.Get("author"),
		Status:      models.DocumentStatus(v.Get("status")),
		ContentType: v.Get("content_type"),
		Sort:        models.SortField(v.Get("sort")),
	}
	switch strings.ToLower(v.Get("order")) {
	case "":
	case "asc":
		if opts.Sort == "" {
			opts.Sort = models.SortUploadedAt
		}
	case "desc":
		if opts.Sort == "" {
			opts.Sort = models.SortUploadedAt
		}
		opts.Descending = true
	default:
		return opts, "", fmt.Errorf("%w: order must be asc or desc", models.ErrInvalidInput)
	}
	var err error
	if opts.Page, err = intParam(v, "page"); err != nil {
		return opts, "", err
	}
	if opts.PageSize, err = intParam(v, "page_size"); err != nil {
		return opts, "", err
	}
	if opts.UploadedFrom, err = timeParam(v, "uploaded_from", false); err != nil {
		return opts, "", err
	}
	if opts.UploadedTo, err = timeParam(v, "uploaded_to", true); err != nil {
		return opts, "", err
	}
	if err := opts.Normalize(); err != nil {
		return opts, "", err
	}
	return opts, strings.TrimSpace(v.Get("q")), nil
}

func intParam(v url.Values, name string) (int, error) {
	raw := v.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrInvalidInput, name)
	}
	return n, nil
}

// timeParam accepts RFC 3339 or a bare date. A bare upper bound covers the whole day.
func timeParam(v url.Values, name string, endOfDay bool) (*time.Time, error) {
	raw := v.Get(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a date (YYYY-MM-DD) or RFC 3339 time", models.ErrInvalidInput, name)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleValidateSelection(w http.ResponseWriter, r *http.Request) {
	var req models.SelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DocumentIDs == nil {
		s.respondError(w, http.StatusBadRequest, "document_ids is required")
		return
	}
	found, err := s.store.GetDocuments(r.Context(), req.DocumentIDs)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	report := models.SelectionReport{Documents: []*models.Document{}, InvalidIDs: []string{}}
	seen := make(map[string]bool, len(req.DocumentIDs))
	for _, id := range req.DocumentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if doc, ok := found[id]; ok {
			report.Documents = append(report.Documents, doc)
		} else {
			report.InvalidIDs = append(report.InvalidIDs, id)
		}
	}
	report.Count = len(report.Documents)
	if len(report.InvalidIDs) > 0 {
		s.logger.Warn("selection has unknown document ids", zap.Strings("ids", report.InvalidIDs))
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetDocument(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	chunks, err := s.store.GetChunksByDocumentID(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if chunks == nil {
		chunks = []*models.Chunk{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"document_id": id, "chunks": chunks})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete document request", zap.String("document_id", id))
	if err := s.documents.Delete(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	report, err := s.documents.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, report)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("query request", zap.String("question", req.Question), zap.Int("top_k", req.TopK))
	res, err := s.queries.Query(r.Context(), &req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleThemes(w http.ResponseWriter, r *http.Request) {
	var req models.ThemeRequest
	// An empty body asks for themes across all documents.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.queries.Themes(r.Context(), &req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Documents      int64                  `json:"documents"`
	ByStatus       map[string]int         `json:"by_status"`
	Chunks         int64                  `json:"chunks"`
	Vectors        int                    `json:"vectors"`
	DiskUsageBytes int64                  `json:"disk_usage_bytes"`
	Config         map[string]interface{} `json:"config"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{ByStatus: make(map[string]int)}
	var err error
	if resp.Documents, err = s.store.CountDocuments(ctx); err != nil {
		s.respondErr(w, err)
		return
	}
	if resp.Chunks, err = s.store.CountChunks(ctx); err != nil {
		s.respondErr(w, err)
		return
	}
	for _, st := range []models.DocumentStatus{models.StatusUploaded, models.StatusProcessing, models.StatusCompleted, models.StatusFailed} {
		res, err := s.store.ListDocuments(ctx, models.ListOptions{Status: st, PageSize: 1})
		if err != nil {
			s.respondErr(w, err)
			return
		}
		resp.ByStatus[string(st)] = res.Total
	}
	if resp.Vectors, err = s.index.Count(ctx); err != nil {
		s.respondErr(w, err)
		return
	}

	cfg := s.config
	resp.Config = map[string]interface{}{
		"vector_backend":       s.index.Type(),
		"embedding_provider":   cfg.Embedding.Provider,
		"embedding_model":      cfg.Embedding.Model,
		"embedding_dimensions": cfg.Embedding.Dimensions,
		"generation_provider":  cfg.Generation.Provider,
		"generation_model":     cfg.Generation.Model,
		"chunk_size":           cfg.Chunking.Size,
		"chunk_overlap":        cfg.Chunking.Overlap,
		"workers":              cfg.Processing.Workers,
		"database_path":        cfg.Storage.DatabasePath,
	}
	disk, err := storage.DiskUsageBytes(cfg.Storage.DatabasePath, cfg.Storage.BlobDir, cfg.Storage.CatalogIndexPath, cfg.Storage.VectorIndexPath)
	if err != nil {
		s.logger.Warn("status: disk usage failed", zap.Error(err))
	}
	resp.DiskUsageBytes = disk
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps domain errors to status codes.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	var qe *models.QueryError
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidInput):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotRetryable):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &qe):
		s.logger.Warn("query failed", zap.String("stage", qe.Stage), zap.Error(err))
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":     err.Error(),
			"stage":     qe.Stage,
			"retryable": qe.Retryable,
		})
	case errors.Is(err, processor.ErrClosed):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

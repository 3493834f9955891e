// Package server provides the HTTP API for kotae.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/processor"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/vector"
)

// DocumentService owns the document lifecycle. *processor.Processor satisfies it.
type DocumentService interface {
	Upload(ctx context.Context, req processor.UploadRequest) (*models.Document, error)
	Retry(ctx context.Context, id string) (*processor.TriggerReport, error)
	Delete(ctx context.Context, id string) error
}

// QueryService answers questions. *query.Engine satisfies it.
type QueryService interface {
	Query(ctx context.Context, req *models.QueryRequest) (*models.QueryResult, error)
	Themes(ctx context.Context, req *models.ThemeRequest) (*models.ThemeResult, error)
}

// CatalogSearcher resolves a free-text listing query to document ids.
type CatalogSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// Server is the HTTP server for the kotae API.
type Server struct {
	documents DocumentService
	queries   QueryService
	store     storage.Store
	index     vector.VectorIndex
	catalog   CatalogSearcher
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithCatalog enables the q= parameter on the document listing.
func WithCatalog(c CatalogSearcher) Option {
	return func(s *Server) { s.catalog = c }
}

// NewServer creates a server with the given dependencies.
func NewServer(
	documents DocumentService,
	queries QueryService,
	store storage.Store,
	index vector.VectorIndex,
	cfg *config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		documents: documents,
		queries:   queries,
		store:     store,
		index:     index,
		config:    cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the API handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	timeout := s.config.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", s.handleUpload)
			r.Get("/", s.handleListDocuments)
			r.Post("/selection", s.handleValidateSelection)
			r.Get("/{id}", s.handleGetDocument)
			r.Get("/{id}/chunks", s.handleGetChunks)
			r.Delete("/{id}", s.handleDeleteDocument)
			r.Post("/{id}/retry", s.handleRetry)
		})

		r.With(middleware.Compress(5)).Post("/query", s.handleQuery)
		r.With(middleware.Compress(5)).Post("/themes", s.handleThemes)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := s.config.Server.Address()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

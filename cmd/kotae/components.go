package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

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

// Components holds initialized services.
type Components struct {
	Config    *config.Config
	Storage   *storage.SQLiteStorage
	Blobs     *storage.FileBlobStore
	Embedder  *embedding.Client
	Index     vector.VectorIndex
	Catalog   *catalog.Catalog
	Processor *processor.Processor
	Engine    *query.Engine
	logger    *zap.Logger
}

// Close stops processing and releases every store. A memory vector index is saved first.
func (c *Components) Close() {
	if c.Processor != nil {
		_ = c.Processor.Close()
	}
	if p, ok := c.Index.(vector.Persister); ok && c.Config.Storage.VectorIndexPath != "" {
		if err := p.Save(c.Config.Storage.VectorIndexPath); err != nil {
			c.logger.Warn("vector index save failed", zap.String("path", c.Config.Storage.VectorIndexPath), zap.Error(err))
		}
	}
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Catalog != nil {
		_ = c.Catalog.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if c.Blobs, err = storage.NewFileBlobStore(cfg.Storage.BlobDir); err != nil {
		return nil, err
	}
	if c.Embedder, err = embedding.NewClientFromConfig(cfg.Embedding, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	if c.Index, err = vector.NewVectorIndex(ctx, cfg.Vector, c.Embedder.Dimensions(), cfg.Storage.VectorIndexPath); err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	logger.Info("vector index initialized",
		zap.String("backend", cfg.Vector.Backend),
		zap.Int("dimensions", c.Embedder.Dimensions()))

	if c.Catalog, err = catalog.Open(cfg.Storage.CatalogIndexPath, catalog.WithFuzziness(1)); err != nil {
		return nil, err
	}
	if err = rebuildCatalog(ctx, c.Storage, c.Catalog); err != nil {
		return nil, err
	}

	extractOpts := []extract.Option{extract.WithLowConfidence(cfg.OCR.LowConfidence)}
	if cfg.OCR.Enabled {
		ocr, ocrErr := extract.NewTesseractOCR(cfg.OCR.Binary, cfg.OCR.Languages, cfg.OCR.Timeout)
		if ocrErr != nil {
			logger.Warn("OCR disabled", zap.Error(ocrErr))
		} else {
			extractOpts = append(extractOpts, extract.WithOCR(ocr))
		}
	}

	c.Processor = processor.New(
		c.Storage,
		c.Blobs,
		extract.NewExtractor(extractOpts...),
		chunker.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap),
		c.Embedder,
		c.Index,
		cfg.Processing,
		processor.WithLogger(logger),
		processor.WithCatalog(c.Catalog),
	)

	gen, err := generation.NewGenerator(cfg.Generation)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator: %w", err)
	}
	c.Engine = query.NewEngine(c.Storage, c.Embedder, c.Index, gen, cfg.Query,
		query.WithLogger(logger),
		query.WithSystemPrompt(cfg.Generation.SystemPrompt),
		query.WithGenerationLimits(cfg.Generation.MaxTokens, cfg.Generation.Temperature),
	)
	return c, nil
}

// rebuildCatalog fills an empty catalog from the document store.
func rebuildCatalog(ctx context.Context, store storage.Store, cat *catalog.Catalog) error {
	n, err := cat.Count()
	if err != nil || n > 0 {
		return err
	}
	opts := models.ListOptions{Sort: models.SortFilename, PageSize: models.MaxPageSize}
	for page := 1; ; page++ {
		opts.Page = page
		res, err := store.ListDocuments(ctx, opts)
		if err != nil {
			return fmt.Errorf("failed to rebuild catalog: %w", err)
		}
		for _, doc := range res.Documents {
			if err := cat.Index(ctx, doc); err != nil {
				return fmt.Errorf("failed to rebuild catalog: %w", err)
			}
		}
		if page >= res.PageCount {
			return nil
		}
	}
}

package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/extract"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vector"
)

const (
	metaKeyLowConfidence = "low_confidence_chunks"
	metaKeyOCR           = "ocr"
)

type attemptStats struct {
	chunks        int
	lowConfidence int
	maxPage       int
}

// run executes one attempt for id while m is held.
func (p *Processor) run(ctx context.Context, id string, from models.DocumentStatus, m *marker) {
	if ctx.Err() != nil {
		return
	}
	if p.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.AttemptTimeout)
		defer cancel()
	}
	start := time.Now()
	if err := p.store.UpdateStatus(ctx, id, from, models.StatusProcessing, ""); err != nil {
		p.logger.Warn("Could not start processing", zap.String("document_id", id), zap.Error(err))
		return
	}
	p.logger.Info("Processing started", zap.String("document_id", id), zap.String("from", string(from)))

	doc, stats, err := p.process(ctx, id)
	if err == nil && p.beingDeleted(m) {
		err = context.Canceled
	}
	if err == nil {
		err = p.flushIndex(ctx)
	}
	if err == nil {
		err = p.complete(ctx, doc, stats)
	}
	if err != nil {
		p.fail(id, m, err)
		return
	}
	p.logger.Info("Processing completed",
		zap.String("document_id", id),
		zap.Int("chunks", stats.chunks),
		zap.Int("pages", doc.PageCount),
		zap.Duration("took", time.Since(start)))
}

// process purges earlier output, then streams extract, chunk, embed and index.
func (p *Processor) process(ctx context.Context, id string) (*models.Document, *attemptStats, error) {
	doc, err := p.store.GetDocument(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := p.purge(ctx, id); err != nil {
		return nil, nil, err
	}
	content, err := p.blobs.Get(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read upload: %w", err)
	}

	stats := &attemptStats{}
	batch := make([]*models.Chunk, 0, p.config.EmbedBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := p.indexBatch(ctx, doc, batch)
		batch = batch[:0]
		return err
	}
	splitter := p.chunker.NewSplitter(id, func(ch *models.Chunk) error {
		if ch.LowConfidence {
			stats.lowConfidence++
		}
		if ch.Page > stats.maxPage {
			stats.maxPage = ch.Page
		}
		batch = append(batch, ch)
		if len(batch) >= p.config.EmbedBatchSize {
			return flush()
		}
		return nil
	})

	info, err := p.extractor.Extract(ctx, content, doc.ContentType, splitter.Add)
	if err != nil {
		return nil, nil, err
	}
	if err := splitter.Flush(); err != nil {
		return nil, nil, err
	}
	if err := flush(); err != nil {
		return nil, nil, err
	}
	stats.chunks = splitter.Chunks()
	if stats.chunks == 0 {
		return nil, nil, &models.ExtractionError{ContentType: doc.ContentType, Err: models.ErrEmptyDocument}
	}

	ictx, cancel := p.indexContext(ctx)
	defer cancel()
	n, err := p.index.CountByDocument(ictx, id)
	if err != nil {
		return nil, nil, asIndexError("verify", err)
	}
	if n != stats.chunks {
		return nil, nil, &models.IndexError{Op: "verify", Err: fmt.Errorf("index holds %d vectors for %d chunks", n, stats.chunks)}
	}

	applyInfo(doc, info, stats)
	return doc, stats, nil
}

// indexBatch embeds chunks and writes their vectors and records.
func (p *Processor) indexBatch(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	// A delete may have cancelled the attempt while the provider was busy.
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	model := p.embedder.ModelName()
	points := make([]vector.Point, len(chunks))
	for i, ch := range chunks {
		ch.VectorID = vector.PointID(doc.ID, ch.Seq)
		ch.CreatedAt = now
		points[i] = vector.Point{
			ID:     ch.VectorID,
			Vector: vecs[i],
			Payload: vector.Payload{
				DocumentID:    doc.ID,
				DocumentName:  doc.DisplayName(),
				ChunkSeq:      ch.Seq,
				Text:          ch.Text,
				Page:          ch.Page,
				Paragraph:     ch.Paragraph,
				StartOffset:   ch.StartOffset,
				EndOffset:     ch.EndOffset,
				LowConfidence: ch.LowConfidence,
				Model:         model,
			},
		}
	}

	ictx, cancel := p.indexContext(ctx)
	defer cancel()
	if err := p.index.Upsert(ictx, points); err != nil {
		return asIndexError("upsert", err)
	}
	if err := p.store.BatchCreateChunks(ictx, chunks); err != nil {
		return fmt.Errorf("failed to store chunks: %w", err)
	}
	p.logger.Debug("Indexed chunk batch", zap.String("document_id", doc.ID), zap.Int("chunks", len(chunks)))
	return nil
}

func applyInfo(doc *models.Document, info *extract.Info, stats *attemptStats) {
	doc.ChunkCount = stats.chunks
	doc.PageCount = stats.maxPage
	meta := make(map[string]interface{}, len(doc.Metadata)+2)
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	delete(meta, metaKeyLowConfidence)
	delete(meta, metaKeyOCR)
	if info != nil {
		if info.Title != "" {
			doc.Title = info.Title
		}
		if doc.Author == "" {
			doc.Author = info.Author
		}
		if info.PageCount > 0 {
			doc.PageCount = info.PageCount
		}
		if info.OCR {
			meta[metaKeyOCR] = true
		}
	}
	if stats.lowConfidence > 0 {
		meta[metaKeyLowConfidence] = stats.lowConfidence
	}
	doc.Metadata = meta
}

// complete records the extracted metadata and moves the document to completed.
func (p *Processor) complete(ctx context.Context, doc *models.Document, stats *attemptStats) error {
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if err := p.store.UpdateStatus(ctx, doc.ID, models.StatusProcessing, models.StatusCompleted, ""); err != nil {
		return err
	}
	p.syncCatalog(ctx, doc)
	return nil
}

// fail rolls back the attempt's writes and, unless the document is being
// deleted, marks it failed. Rollback runs on a fresh bounded context because
// ctx may already be cancelled.
func (p *Processor) fail(id string, m *marker, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.RollbackTimeout)
	defer cancel()

	rbErr := p.purge(ctx, id)
	if p.beingDeleted(m) {
		p.logger.Info("Processing aborted by delete", zap.String("document_id", id))
		return
	}
	detail := models.FailureDetail(cause)
	if p.baseCtx.Err() != nil {
		detail = interruptedDetail
	}
	if rbErr != nil {
		p.logger.Error("Rollback failed", zap.String("document_id", id), zap.Error(rbErr))
		detail += "; rollback incomplete: " + rbErr.Error()
	}
	if err := p.store.UpdateStatus(ctx, id, models.StatusProcessing, models.StatusFailed, detail); err != nil {
		p.logger.Error("Could not mark document failed", zap.String("document_id", id), zap.Error(err))
		return
	}
	p.logger.Warn("Processing failed", zap.String("document_id", id), zap.String("detail", detail))
}

// purge removes every vector and chunk record of id.
func (p *Processor) purge(ctx context.Context, id string) error {
	ictx, cancel := p.indexContext(ctx)
	defer cancel()
	if err := p.index.DeleteByDocument(ictx, id); err != nil {
		return asIndexError("delete", err)
	}
	if err := p.store.DeleteChunksByDocumentID(ictx, id); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (p *Processor) indexContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.config.IndexTimeout > 0 {
		return context.WithTimeout(ctx, p.config.IndexTimeout)
	}
	return context.WithCancel(ctx)
}

func asIndexError(op string, err error) error {
	var ie *models.IndexError
	if errors.As(err, &ie) || errors.Is(err, context.Canceled) {
		return err
	}
	return &models.IndexError{Op: op, Err: err}
}

// Package processor drives uploaded documents through extraction, chunking,
// embedding and indexing, and owns their status lifecycle.
package processor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/chunker"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/extract"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/vector"
)

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("processor is closed")

const interruptedDetail = "processing interrupted: the service stopped before the attempt finished"

// Embedder embeds chunk texts in order. *embedding.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

// Catalog keeps the full-text document catalog in sync. It is optional.
type Catalog interface {
	Index(ctx context.Context, doc *models.Document) error
	Delete(ctx context.Context, id string) error
}

// UploadRequest is a new document. ID is optional; an existing document with
// the same ID is replaced.
type UploadRequest struct {
	ID          string
	Filename    string
	ContentType string
	Content     io.Reader
	Metadata    map[string]interface{}
}

// TriggerReport describes the outcome of a processing trigger.
type TriggerReport struct {
	DocumentID        string                `json:"document_id"`
	Status            models.DocumentStatus `json:"status"`
	Scheduled         bool                  `json:"scheduled"`
	AlreadyProcessing bool                  `json:"already_processing"`
}

// marker is held for a document while an attempt is queued or running, or
// while the document is being deleted. At most one exists per document id.
type marker struct {
	cancel   context.CancelFunc
	done     chan struct{}
	deleting bool
}

// Processor is the document state machine.
type Processor struct {
	store     storage.Store
	blobs     storage.BlobStore
	extractor *extract.Extractor
	chunker   *chunker.Chunker
	embedder  Embedder
	index     vector.VectorIndex
	catalog   Catalog
	config    config.ProcessingConfig
	logger    *zap.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc
	slots     chan struct{}
	pending   sync.WaitGroup

	mu     sync.Mutex
	active map[string]*marker
	closed bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithCatalog keeps c in sync with uploads and deletes.
func WithCatalog(c Catalog) Option {
	return func(p *Processor) { p.catalog = c }
}

// New creates a processor. Workers bounds concurrent attempts across documents.
func New(
	store storage.Store,
	blobs storage.BlobStore,
	extractor *extract.Extractor,
	ch *chunker.Chunker,
	embedder Embedder,
	index vector.VectorIndex,
	cfg config.ProcessingConfig,
	opts ...Option,
) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 64
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		store:     store,
		blobs:     blobs,
		extractor: extractor,
		chunker:   ch,
		embedder:  embedder,
		index:     index,
		config:    cfg,
		logger:    zap.NewNop(),
		baseCtx:   ctx,
		cancelAll: cancel,
		slots:     make(chan struct{}, cfg.Workers),
		active:    make(map[string]*marker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Upload stores the content, records the document as uploaded and schedules
// processing. It returns without waiting for the pipeline.
func (p *Processor) Upload(ctx context.Context, req UploadRequest) (*models.Document, error) {
	name := filepath.Base(strings.TrimSpace(req.Filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: filename is required", models.ErrInvalidInput)
	}
	if req.Content == nil {
		return nil, fmt.Errorf("%w: content is required", models.ErrInvalidInput)
	}
	if p.isClosed() {
		return nil, ErrClosed
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := p.store.GetDocument(ctx, id); err == nil {
		if err := p.Delete(ctx, id); err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("failed to replace document %s: %w", id, err)
		}
	}

	br := bufio.NewReader(req.Content)
	head, _ := br.Peek(512)
	contentType := extract.ResolveContentType(name, req.ContentType, head)
	size, err := p.blobs.Put(ctx, id, br)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	md := extract.MetadataFromFilename(name)
	doc := &models.Document{
		ID:           id,
		Filename:     name,
		ContentType:  contentType,
		SizeBytes:    size,
		Title:        md.Title,
		Author:       md.Author,
		DocumentDate: md.Date,
		Metadata:     req.Metadata,
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		_ = p.blobs.Delete(context.Background(), id)
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	p.syncCatalog(ctx, doc)
	p.logger.Info("Document uploaded",
		zap.String("document_id", id),
		zap.String("filename", name),
		zap.String("content_type", contentType),
		zap.Int64("size_bytes", size))

	if size == 0 || !p.extractor.Supports(contentType) {
		reason := "unsupported content type"
		if size == 0 {
			reason = "empty file"
		}
		detail := models.FailureDetail(&models.ExtractionError{ContentType: contentType, Reason: reason})
		if err := p.store.UpdateStatus(ctx, id, models.StatusUploaded, models.StatusFailed, detail); err != nil {
			return nil, err
		}
		doc.Status, doc.ErrorDetail = models.StatusFailed, detail
		p.logger.Warn("Document rejected before processing", zap.String("document_id", id), zap.String("reason", detail))
		return doc, nil
	}

	if _, err := p.trigger(id, models.StatusUploaded); err != nil {
		return nil, err
	}
	return doc, nil
}

// Retry re-runs the pipeline for a failed document, or schedules an uploaded
// document that has no attempt yet. A trigger while an attempt is queued or
// running is reported, not an error.
func (p *Processor) Retry(ctx context.Context, id string) (*TriggerReport, error) {
	doc, err := p.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	switch doc.Status {
	case models.StatusCompleted:
		return nil, fmt.Errorf("%w: %s is completed", models.ErrNotRetryable, id)
	case models.StatusProcessing:
		return &TriggerReport{DocumentID: id, Status: doc.Status, AlreadyProcessing: true}, nil
	}
	return p.trigger(id, doc.Status)
}

// trigger claims the marker for id and schedules an attempt starting from status from.
func (p *Processor) trigger(id string, from models.DocumentStatus) (*TriggerReport, error) {
	ctx, cancel := context.WithCancel(p.baseCtx)
	m, ok, err := p.claim(id, cancel)
	if err != nil || !ok {
		cancel()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		p.logger.Debug("Processing already in progress", zap.String("document_id", id))
		return &TriggerReport{DocumentID: id, Status: from, AlreadyProcessing: true}, nil
	}

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		defer p.release(id, m)
		defer cancel()
		select {
		case p.slots <- struct{}{}:
			defer func() { <-p.slots }()
		case <-ctx.Done():
			return
		}
		p.run(ctx, id, from, m)
	}()
	return &TriggerReport{DocumentID: id, Status: from, Scheduled: true}, nil
}

// claim registers a marker for id. It reports false when one already exists.
func (p *Processor) claim(id string, cancel context.CancelFunc) (*marker, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrClosed
	}
	if _, busy := p.active[id]; busy {
		return nil, false, nil
	}
	m := &marker{cancel: cancel, done: make(chan struct{})}
	p.active[id] = m
	return m, true, nil
}

func (p *Processor) release(id string, m *marker) {
	p.mu.Lock()
	if p.active[id] == m {
		delete(p.active, id)
	}
	p.mu.Unlock()
	close(m.done)
}

// beingDeleted reports whether a delete has superseded the attempt holding m.
func (p *Processor) beingDeleted(m *marker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return m.deleting
}

// Busy reports whether an attempt or delete currently holds id.
func (p *Processor) Busy(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[id]
	return ok
}

// Delete cancels and awaits any attempt for id, then removes its vectors,
// chunks, blob, catalog entry and record.
func (p *Processor) Delete(ctx context.Context, id string) error {
	var own *marker
	for own == nil {
		p.mu.Lock()
		m, busy := p.active[id]
		if !busy {
			own = &marker{cancel: func() {}, done: make(chan struct{}), deleting: true}
			p.active[id] = own
			p.mu.Unlock()
			break
		}
		m.deleting = true
		m.cancel()
		p.mu.Unlock()
		select {
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer p.release(id, own)

	if _, err := p.store.GetDocument(ctx, id); err != nil {
		return err
	}
	if err := p.purge(ctx, id); err != nil {
		return err
	}
	if err := p.flushIndex(ctx); err != nil {
		p.logger.Warn("Failed to flush vector index after delete", zap.String("document_id", id), zap.Error(err))
	}
	if err := p.blobs.Delete(ctx, id); err != nil {
		p.logger.Warn("Failed to delete upload blob", zap.String("document_id", id), zap.Error(err))
	}
	if p.catalog != nil {
		if err := p.catalog.Delete(ctx, id); err != nil {
			p.logger.Warn("Failed to remove document from catalog", zap.String("document_id", id), zap.Error(err))
		}
	}
	if err := p.store.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	p.logger.Info("Document deleted", zap.String("document_id", id))
	return nil
}

// RecoveryReport counts what Recover repaired.
type RecoveryReport struct {
	// Interrupted documents were processing when the service stopped; they are now failed.
	Interrupted int `json:"interrupted"`
	// OutOfSync documents were completed but the index did not hold one vector per chunk.
	OutOfSync int `json:"out_of_sync"`
	// Orphaned documents had vectors left in the index without a completed record.
	Orphaned int `json:"orphaned"`
	// Scheduled attempts cover uploaded documents and out-of-sync ones.
	Scheduled int `json:"scheduled"`
}

// Changed reports whether Recover had anything to repair or schedule.
func (r *RecoveryReport) Changed() bool {
	return r.Interrupted > 0 || r.OutOfSync > 0 || r.Orphaned > 0 || r.Scheduled > 0
}

// Recover repairs state left by an unclean shutdown. Documents stuck in
// processing are rolled back and marked failed. Completed documents whose
// vectors are missing from the index are marked failed and reprocessed.
// Vectors of deleted or failed documents are removed, and uploaded documents
// are scheduled.
func (p *Processor) Recover(ctx context.Context) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	stuck, err := p.documentsWithStatus(ctx, models.StatusProcessing)
	if err != nil {
		return report, err
	}
	for _, doc := range stuck {
		if p.Busy(doc.ID) {
			continue
		}
		if err := p.purge(ctx, doc.ID); err != nil {
			p.logger.Error("Rollback of interrupted document failed", zap.String("document_id", doc.ID), zap.Error(err))
		}
		if err := p.store.UpdateStatus(ctx, doc.ID, models.StatusProcessing, models.StatusFailed, interruptedDetail); err != nil {
			p.logger.Warn("Could not mark interrupted document failed", zap.String("document_id", doc.ID), zap.Error(err))
			continue
		}
		report.Interrupted++
	}

	resync, err := p.verifyCompleted(ctx)
	if err != nil {
		return report, err
	}
	report.OutOfSync = len(resync)

	if report.Orphaned, err = p.removeOrphans(ctx); err != nil {
		return report, err
	}
	if report.Interrupted > 0 || report.OutOfSync > 0 || report.Orphaned > 0 {
		if err := p.flushIndex(ctx); err != nil {
			p.logger.Warn("Failed to flush vector index after recovery", zap.Error(err))
		}
	}

	waiting, err := p.documentsWithStatus(ctx, models.StatusUploaded)
	if err != nil {
		return report, err
	}
	type pending struct {
		id   string
		from models.DocumentStatus
	}
	queue := make([]pending, 0, len(waiting)+len(resync))
	for _, doc := range waiting {
		queue = append(queue, pending{doc.ID, models.StatusUploaded})
	}
	for _, id := range resync {
		queue = append(queue, pending{id, models.StatusFailed})
	}
	for _, q := range queue {
		tr, err := p.trigger(q.id, q.from)
		if err != nil {
			return report, err
		}
		if tr.Scheduled {
			report.Scheduled++
		}
	}
	if report.Changed() {
		p.logger.Info("Recovered documents",
			zap.Int("interrupted", report.Interrupted),
			zap.Int("out_of_sync", report.OutOfSync),
			zap.Int("orphaned", report.Orphaned),
			zap.Int("scheduled", report.Scheduled))
	}
	return report, nil
}

// verifyCompleted marks failed every completed document whose vector count
// differs from its chunk count, and returns their ids.
func (p *Processor) verifyCompleted(ctx context.Context) ([]string, error) {
	completed, err := p.documentsWithStatus(ctx, models.StatusCompleted)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, doc := range completed {
		if p.Busy(doc.ID) {
			continue
		}
		ictx, cancel := p.indexContext(ctx)
		n, err := p.index.CountByDocument(ictx, doc.ID)
		cancel()
		if err != nil {
			return out, asIndexError("verify", err)
		}
		if n == doc.ChunkCount && n > 0 {
			continue
		}
		detail := fmt.Sprintf("index out of sync: %d vectors for %d chunks", n, doc.ChunkCount)
		if err := p.purge(ctx, doc.ID); err != nil {
			p.logger.Error("Rollback of out-of-sync document failed", zap.String("document_id", doc.ID), zap.Error(err))
			detail += "; rollback incomplete: " + err.Error()
		}
		if err := p.store.UpdateStatus(ctx, doc.ID, models.StatusCompleted, models.StatusFailed, detail); err != nil {
			p.logger.Warn("Could not mark out-of-sync document failed", zap.String("document_id", doc.ID), zap.Error(err))
			continue
		}
		p.logger.Warn("Completed document lost its vectors", zap.String("document_id", doc.ID), zap.String("detail", detail))
		out = append(out, doc.ID)
	}
	return out, nil
}

const orphanLookupBatch = 500

// removeOrphans deletes index points whose document no longer exists or has failed.
func (p *Processor) removeOrphans(ctx context.Context) (int, error) {
	ictx, cancel := p.indexContext(ctx)
	ids, err := p.index.DocumentIDs(ictx)
	cancel()
	if err != nil {
		return 0, asIndexError("scan", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	docs := make(map[string]*models.Document, len(ids))
	for start := 0; start < len(ids); start += orphanLookupBatch {
		end := start + orphanLookupBatch
		if end > len(ids) {
			end = len(ids)
		}
		found, err := p.store.GetDocuments(ctx, ids[start:end])
		if err != nil {
			return 0, err
		}
		for id, doc := range found {
			docs[id] = doc
		}
	}
	removed := 0
	for _, id := range ids {
		doc, ok := docs[id]
		if ok && doc.Status != models.StatusFailed {
			continue
		}
		if p.Busy(id) {
			continue
		}
		if err := p.purge(ctx, id); err != nil {
			p.logger.Error("Failed to remove orphaned vectors", zap.String("document_id", id), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// flushIndex makes completed writes and deletes durable for indices that buffer them.
func (p *Processor) flushIndex(ctx context.Context) error {
	f, ok := p.index.(vector.Flusher)
	if !ok {
		return nil
	}
	ictx, cancel := p.indexContext(ctx)
	defer cancel()
	if err := f.Flush(ictx); err != nil {
		return asIndexError("flush", err)
	}
	return nil
}

func (p *Processor) documentsWithStatus(ctx context.Context, status models.DocumentStatus) ([]*models.Document, error) {
	var docs []*models.Document
	for page := 1; ; page++ {
		res, err := p.store.ListDocuments(ctx, models.ListOptions{
			Status:   status,
			Sort:     models.SortUploadedAt,
			Page:     page,
			PageSize: models.MaxPageSize,
		})
		if err != nil {
			return nil, err
		}
		docs = append(docs, res.Documents...)
		if page >= res.PageCount {
			return docs, nil
		}
	}
}

// Wait blocks until every scheduled attempt has finished.
func (p *Processor) Wait() {
	p.pending.Wait()
}

// Close cancels running attempts, which roll back and fail as interrupted, and waits for them.
func (p *Processor) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancelAll()
	p.pending.Wait()
	return nil
}

func (p *Processor) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Processor) syncCatalog(ctx context.Context, doc *models.Document) {
	if p.catalog == nil {
		return
	}
	if err := p.catalog.Index(ctx, doc); err != nil {
		p.logger.Warn("Failed to catalog document", zap.String("document_id", doc.ID), zap.Error(err))
	}
}

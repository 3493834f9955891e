package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kotae/internal/models"
)

// SQLiteStorage implements Store using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; statements are short so this never becomes the bottleneck.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error_detail TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		document_date TEXT NOT NULL DEFAULT '',
		page_count INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		uploaded_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	CREATE INDEX IF NOT EXISTS idx_documents_uploaded_at ON documents(uploaded_at);
	CREATE INDEX IF NOT EXISTS idx_documents_filename ON documents(filename COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS chunks (
		vector_id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		text TEXT NOT NULL,
		page INTEGER NOT NULL DEFAULT 0,
		paragraph INTEGER NOT NULL DEFAULT 0,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		low_confidence INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_document_seq ON chunks(document_id, seq);
	`
	_, err := db.Exec(schema)
	return err
}

const documentColumns = `id, filename, content_type, size_bytes, status, error_detail, title, author,
	document_date, page_count, chunk_count, attempts, metadata, uploaded_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var status string
	var metadataJSON sql.NullString
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.ContentType, &doc.SizeBytes, &status, &doc.ErrorDetail,
		&doc.Title, &doc.Author, &doc.DocumentDate, &doc.PageCount, &doc.ChunkCount, &doc.Attempts,
		&metadataJSON, &doc.UploadedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Status = models.DocumentStatus(status)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

func marshalMetadata(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

// CreateDocument inserts a document. UploadedAt is set when zero.
func (s *SQLiteStorage) CreateDocument(ctx context.Context, doc *models.Document) error {
	metadataJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = now
	}
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = models.StatusUploaded
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.ContentType, doc.SizeBytes, string(doc.Status), doc.ErrorDetail,
		doc.Title, doc.Author, doc.DocumentDate, doc.PageCount, doc.ChunkCount, doc.Attempts,
		metadataJSON, doc.UploadedAt.UTC(), doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocument returns a document by ID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetDocuments returns the existing documents among ids.
func (s *SQLiteStorage) GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	out := make(map[string]*models.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	return out, rows.Err()
}

// UpdateDocument updates the descriptive fields of a document. Status is changed only via UpdateStatus.
func (s *SQLiteStorage) UpdateDocument(ctx context.Context, doc *models.Document) error {
	metadataJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET filename = ?, content_type = ?, size_bytes = ?, title = ?, author = ?,
		 document_date = ?, page_count = ?, chunk_count = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		doc.Filename, doc.ContentType, doc.SizeBytes, doc.Title, doc.Author,
		doc.DocumentDate, doc.PageCount, doc.ChunkCount, metadataJSON, doc.UpdatedAt, doc.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document %s: %w", doc.ID, models.ErrNotFound)
	}
	return nil
}

// UpdateStatus performs a conditional status transition. Entering processing counts an attempt.
func (s *SQLiteStorage) UpdateStatus(ctx context.Context, id string, from, to models.DocumentStatus, detail string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	attempt := 0
	if to == models.StatusProcessing {
		attempt = 1
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error_detail = ?, attempts = attempts + ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), detail, attempt, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}
	current, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: document %s is %s, not %s", models.ErrInvalidTransition, id, current.Status, from)
}

// DeleteDocument removes a document and, through the foreign key, its chunks.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	return err
}

// ListDocuments returns one page of documents matching opts.
func (s *SQLiteStorage) ListDocuments(ctx context.Context, opts models.ListOptions) (*models.ListResult, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	result := &models.ListResult{Documents: []*models.Document{}, Page: opts.Page, PageSize: opts.PageSize}
	if opts.IDs != nil && len(opts.IDs) == 0 {
		result.PageCount = models.PageCount(0, opts.PageSize)
		return result, nil
	}

	where, args := listFilter(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	result.Total = total
	result.PageCount = models.PageCount(total, opts.PageSize)

	query := `SELECT ` + documentColumns + ` FROM documents` + where + orderBy(opts) + ` LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.PageSize, opts.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		result.Documents = append(result.Documents, doc)
	}
	return result, rows.Err()
}

func listFilter(opts models.ListOptions) (string, []any) {
	var clauses []string
	var args []any
	if opts.Search != "" {
		p := likePattern(opts.Search)
		clauses = append(clauses, `(filename LIKE ? ESCAPE '\' OR title LIKE ? ESCAPE '\' OR author LIKE ? ESCAPE '\')`)
		args = append(args, p, p, p)
	}
	if opts.Filename != "" {
		clauses = append(clauses, `filename LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(opts.Filename))
	}
	if opts.Author != "" {
		clauses = append(clauses, `author LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(opts.Author))
	}
	if opts.Status != "" {
		clauses = append(clauses, `status = ?`)
		args = append(args, string(opts.Status))
	}
	if opts.ContentType != "" {
		clauses = append(clauses, `content_type = ?`)
		args = append(args, opts.ContentType)
	}
	if opts.UploadedFrom != nil {
		clauses = append(clauses, `uploaded_at >= ?`)
		args = append(args, opts.UploadedFrom.UTC())
	}
	if opts.UploadedTo != nil {
		clauses = append(clauses, `uploaded_at <= ?`)
		args = append(args, opts.UploadedTo.UTC())
	}
	if opts.IDs != nil {
		placeholders, idArgs := inClause(opts.IDs)
		clauses = append(clauses, `id IN (`+placeholders+`)`)
		args = append(args, idArgs...)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// orderBy always ends with id so equal sort keys paginate stably.
func orderBy(opts models.ListOptions) string {
	dir := "ASC"
	if opts.Descending {
		dir = "DESC"
	}
	col := "uploaded_at"
	switch opts.Sort {
	case models.SortFilename:
		col = "filename COLLATE NOCASE"
	case models.SortPageCount:
		col = "page_count"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id ASC", col, dir)
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

// BatchCreateChunks inserts chunks in a single transaction.
func (s *SQLiteStorage) BatchCreateChunks(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (vector_id, document_id, seq, text, page, paragraph, start_offset, end_offset,
		 low_confidence, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		c.CreatedAt = now
		if _, err := stmt.ExecContext(ctx, c.VectorID, c.DocumentID, c.Seq, c.Text, c.Page, c.Paragraph,
			c.StartOffset, c.EndOffset, c.LowConfidence, c.Confidence, c.CreatedAt); err != nil {
			return fmt.Errorf("insert chunk %d of %s: %w", c.Seq, c.DocumentID, err)
		}
	}
	return tx.Commit()
}

// GetChunksByDocumentID returns a document's chunks in sequence order.
func (s *SQLiteStorage) GetChunksByDocumentID(ctx context.Context, documentID string) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vector_id, document_id, seq, text, page, paragraph, start_offset, end_offset,
		 low_confidence, confidence, created_at
		 FROM chunks WHERE document_id = ? ORDER BY seq`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.VectorID, &c.DocumentID, &c.Seq, &c.Text, &c.Page, &c.Paragraph,
			&c.StartOffset, &c.EndOffset, &c.LowConfidence, &c.Confidence, &c.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// DeleteChunksByDocumentID removes all chunks of a document.
func (s *SQLiteStorage) DeleteChunksByDocumentID(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID)
	return err
}

// CountDocuments returns the number of documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// CountChunks returns the number of chunks.
func (s *SQLiteStorage) CountChunks(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

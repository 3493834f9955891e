package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/hyperjump/kotae/internal/models"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PGVectorIndex stores points in a PostgreSQL table using the pgvector extension.
type PGVectorIndex struct {
	pool       *pgxpool.Pool
	table      string
	dimensions int
}

// NewPGVectorIndex connects to dsn and creates the extension, table and indexes if needed.
func NewPGVectorIndex(ctx context.Context, dsn, table string, dimensions int) (*PGVectorIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &models.IndexError{Op: "connect", Err: err}
	}
	idx := &PGVectorIndex{pool: pool, table: table, dimensions: dimensions}
	if err := idx.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

func (p *PGVectorIndex) initialize(ctx context.Context) error {
	for _, stmt := range p.schemaStatements() {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return &models.IndexError{Op: "initialize", Err: err}
		}
	}
	return nil
}

// schemaStatements creates the table and an HNSW index. HNSW needs no training
// data, so it is valid on an empty table; earlier ivfflat indexes are dropped.
func (p *PGVectorIndex) schemaStatements() []string {
	return []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s_revision_seq", p.table),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			revision BIGINT NOT NULL,
			embedding vector(%d) NOT NULL,
			payload JSONB NOT NULL
		)`, p.table, p.dimensions),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_document_idx ON %s (document_id)", p.table, p.table),
		fmt.Sprintf("DROP INDEX IF EXISTS %s_embedding_idx", p.table),
		fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_hnsw_idx
		ON %s
		USING hnsw (embedding vector_cosine_ops)`, p.table, p.table),
	}
}

// Type returns the index type identifier.
func (p *PGVectorIndex) Type() string {
	return string(IndexTypePGVector)
}

// Upsert writes all points in one transaction.
func (p *PGVectorIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return &models.IndexError{Op: "upsert", Err: err}
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, document_id, revision, embedding, payload)
		VALUES ($1, $2, nextval('%s_revision_seq'), $3, $4::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			revision = EXCLUDED.revision,
			embedding = EXCLUDED.embedding,
			payload = EXCLUDED.payload`,
		p.table, p.table)

	for _, pt := range points {
		if len(pt.Vector) != p.dimensions {
			return &models.IndexError{Op: "upsert", Err: fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(pt.Vector), p.dimensions)}
		}
		payload, err := json.Marshal(pt.Payload)
		if err != nil {
			return &models.IndexError{Op: "upsert", Err: err}
		}
		if _, err := tx.Exec(ctx, stmt, pt.ID, pt.Payload.DocumentID, pgvector.NewVector(pt.Vector), string(payload)); err != nil {
			return &models.IndexError{Op: "upsert", Err: fmt.Errorf("point %s: %w", pt.ID, err)}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return &models.IndexError{Op: "upsert", Err: err}
	}
	return nil
}

// DeleteByDocument removes every row of documentID.
func (p *PGVectorIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", p.table), documentID); err != nil {
		return &models.IndexError{Op: "delete", Err: err}
	}
	return nil
}

// Search orders rows by cosine distance, then by revision for equal distances.
// Filtered searches run as an exact scan over the document's rows, since an
// approximate index scan filters after the candidate list and can miss them.
func (p *PGVectorIndex) Search(ctx context.Context, query []float32, k int, filter *Filter) ([]Hit, error) {
	if len(query) != p.dimensions {
		return nil, &models.IndexError{Op: "search", Err: fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), p.dimensions)}
	}
	if k <= 0 || filter.SelectsNothing() {
		return nil, nil
	}
	args := []interface{}{pgvector.NewVector(query), k}
	if filter != nil {
		args = append(args, filter.DocumentIDs)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, &models.IndexError{Op: "search", Err: err}
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, searchSetting(k, filter)); err != nil {
		return nil, &models.IndexError{Op: "search", Err: err}
	}
	rows, err := tx.Query(ctx, p.searchSQL(filter), args...)
	if err != nil {
		return nil, &models.IndexError{Op: "search", Err: err}
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h       Hit
			payload []byte
		)
		if err := rows.Scan(&h.ID, &h.Score, &payload); err != nil {
			return nil, &models.IndexError{Op: "search", Err: err}
		}
		if err := json.Unmarshal(payload, &h.Payload); err != nil {
			return nil, &models.IndexError{Op: "search", Err: fmt.Errorf("decode payload of %s: %w", h.ID, err)}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.IndexError{Op: "search", Err: err}
	}
	return hits, nil
}

// hnswMinEfSearch is pgvector's default hnsw.ef_search; an HNSW scan returns at most ef_search rows.
const hnswMinEfSearch = 40

// searchSetting returns the transaction-local planner setting for a search.
func searchSetting(k int, filter *Filter) string {
	if filter != nil {
		return "SET LOCAL enable_indexscan = off"
	}
	ef := k
	if ef < hnswMinEfSearch {
		ef = hnswMinEfSearch
	}
	return fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef)
}

func (p *PGVectorIndex) searchSQL(filter *Filter) string {
	where := ""
	if filter != nil {
		where = "WHERE document_id = ANY($3)"
	}
	return fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1) AS score, payload
		FROM %s
		%s
		ORDER BY embedding <=> $1, revision DESC
		LIMIT $2`,
		p.table, where)
}

// CountByDocument returns the number of rows stored for documentID.
func (p *PGVectorIndex) CountByDocument(ctx context.Context, documentID string) (int, error) {
	return p.count(ctx, "WHERE document_id = $1", documentID)
}

// Count returns the number of rows in the table.
func (p *PGVectorIndex) Count(ctx context.Context) (int, error) {
	return p.count(ctx, "")
}

// DocumentIDs returns the distinct document ids in the table.
func (p *PGVectorIndex) DocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf("SELECT DISTINCT document_id FROM %s", p.table))
	if err != nil {
		return nil, &models.IndexError{Op: "scan", Err: err}
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &models.IndexError{Op: "scan", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.IndexError{Op: "scan", Err: err}
	}
	return ids, nil
}

func (p *PGVectorIndex) count(ctx context.Context, where string, args ...interface{}) (int, error) {
	var n int
	sql := strings.TrimSpace(fmt.Sprintf("SELECT COUNT(*) FROM %s %s", p.table, where))
	if err := p.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, &models.IndexError{Op: "count", Err: err}
	}
	return n, nil
}

// Close releases the connection pool.
func (p *PGVectorIndex) Close() error {
	p.pool.Close()
	return nil
}

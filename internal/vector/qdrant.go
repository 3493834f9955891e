package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hyperjump/kotae/internal/models"
)

// QdrantConfig configures the Qdrant REST client.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimensions int
	Timeout    time.Duration
}

// QdrantIndex is a minimal REST client to a Qdrant collection using cosine distance.
type QdrantIndex struct {
	url        string
	apiKey     string
	collection string
	dimensions int
	client     *http.Client
	revision   atomic.Uint64
}

type qdrantPayload struct {
	Payload
	Revision uint64 `json:"revision"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must"`
}

type qdrantCondition struct {
	Key   string      `json:"key"`
	Match qdrantMatch `json:"match"`
}

type qdrantMatch struct {
	Value string   `json:"value,omitempty"`
	Any   []string `json:"any,omitempty"`
}

// NewQdrantIndex creates the collection and its document_id payload index if missing.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	q := &QdrantIndex{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: timeout},
	}
	// Revisions only need to grow across restarts.
	q.revision.Store(uint64(time.Now().UnixNano()))
	if err := q.init(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *QdrantIndex) init(ctx context.Context) error {
	status, err := q.do(ctx, http.MethodGet, q.collectionPath(""), nil, nil)
	if err != nil && status != http.StatusNotFound {
		return &models.IndexError{Op: "initialize", Err: err}
	}
	if status == http.StatusNotFound {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     q.dimensions,
				"distance": "Cosine",
			},
		}
		if _, err := q.do(ctx, http.MethodPut, q.collectionPath(""), body, nil); err != nil {
			return &models.IndexError{Op: "initialize", Err: err}
		}
	}
	index := map[string]any{"field_name": "document_id", "field_schema": "keyword"}
	if _, err := q.do(ctx, http.MethodPut, q.collectionPath("/index?wait=true"), index, nil); err != nil {
		return &models.IndexError{Op: "initialize", Err: err}
	}
	return nil
}

// Type returns the index type identifier.
func (q *QdrantIndex) Type() string {
	return string(IndexTypeQdrant)
}

// Upsert writes points and waits for them to be searchable.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := make([]map[string]any, len(points))
	for i, p := range points {
		if len(p.Vector) != q.dimensions {
			return &models.IndexError{Op: "upsert", Err: fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(p.Vector), q.dimensions)}
		}
		body[i] = map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": qdrantPayload{Payload: p.Payload, Revision: q.revision.Add(1)},
		}
	}
	if _, err := q.do(ctx, http.MethodPut, q.collectionPath("/points?wait=true"), map[string]any{"points": body}, nil); err != nil {
		return &models.IndexError{Op: "upsert", Err: err}
	}
	return nil
}

// DeleteByDocument removes every point of documentID.
func (q *QdrantIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	body := map[string]any{"filter": documentCondition(documentID)}
	if _, err := q.do(ctx, http.MethodPost, q.collectionPath("/points/delete?wait=true"), body, nil); err != nil {
		return &models.IndexError{Op: "delete", Err: err}
	}
	return nil
}

// Search returns the k nearest points. Qdrant does not order equal scores by
// revision, so ties are re-ranked client-side.
func (q *QdrantIndex) Search(ctx context.Context, query []float32, k int, filter *Filter) ([]Hit, error) {
	if len(query) != q.dimensions {
		return nil, &models.IndexError{Op: "search", Err: fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), q.dimensions)}
	}
	if k <= 0 || filter.SelectsNothing() {
		return nil, nil
	}
	req := map[string]any{
		"vector":       query,
		"limit":        k,
		"with_payload": true,
	}
	if filter != nil {
		req["filter"] = qdrantFilter{Must: []qdrantCondition{{Key: "document_id", Match: qdrantMatch{Any: filter.DocumentIDs}}}}
	}
	var resp struct {
		Result []struct {
			ID      any           `json:"id"`
			Score   float64       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	if _, err := q.do(ctx, http.MethodPost, q.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, &models.IndexError{Op: "search", Err: err}
	}
	hits := make([]rankedHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, rankedHit{
			Hit:      Hit{ID: fmt.Sprint(r.ID), Score: r.Score, Payload: r.Payload.Payload},
			revision: r.Payload.Revision,
		})
	}
	return rank(hits, k), nil
}

// CountByDocument returns the exact number of points of documentID.
func (q *QdrantIndex) CountByDocument(ctx context.Context, documentID string) (int, error) {
	return q.count(ctx, documentCondition(documentID))
}

// Count returns the exact number of points in the collection.
func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	return q.count(ctx, nil)
}

// qdrantScrollPage is the number of points fetched per scroll request.
const qdrantScrollPage = 256

// DocumentIDs scrolls the collection fetching only the document_id payload field.
func (q *QdrantIndex) DocumentIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	var offset any
	for {
		body := map[string]any{
			"limit":        qdrantScrollPage,
			"with_payload": []string{"document_id"},
			"with_vector":  false,
		}
		if offset != nil {
			body["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points []struct {
					Payload struct {
						DocumentID string `json:"document_id"`
					} `json:"payload"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		if _, err := q.do(ctx, http.MethodPost, q.collectionPath("/points/scroll"), body, &resp); err != nil {
			return nil, &models.IndexError{Op: "scroll", Err: err}
		}
		for _, p := range resp.Result.Points {
			if _, ok := seen[p.Payload.DocumentID]; ok {
				continue
			}
			seen[p.Payload.DocumentID] = struct{}{}
			ids = append(ids, p.Payload.DocumentID)
		}
		if resp.Result.NextPageOffset == nil {
			return ids, nil
		}
		offset = resp.Result.NextPageOffset
	}
}

func (q *QdrantIndex) count(ctx context.Context, filter *qdrantFilter) (int, error) {
	body := map[string]any{"exact": true}
	if filter != nil {
		body["filter"] = filter
	}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if _, err := q.do(ctx, http.MethodPost, q.collectionPath("/points/count"), body, &resp); err != nil {
		return 0, &models.IndexError{Op: "count", Err: err}
	}
	return resp.Result.Count, nil
}

// Close releases idle connections.
func (q *QdrantIndex) Close() error {
	q.client.CloseIdleConnections()
	return nil
}

func documentCondition(documentID string) *qdrantFilter {
	return &qdrantFilter{Must: []qdrantCondition{{Key: "document_id", Match: qdrantMatch{Value: documentID}}}}
}

func (q *QdrantIndex) collectionPath(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", q.url, url.PathEscape(q.collection), suffix)
}

// do sends a JSON request and decodes the response into out when non-nil.
// The returned status is set whenever a response was received.
func (q *QdrantIndex) do(ctx context.Context, method, endpoint string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("qdrant %s %s failed: %s: %s", method, endpoint, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode qdrant response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

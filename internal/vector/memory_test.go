package vector

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/hyperjump/kotae/internal/models"
)

func point(doc string, seq int, vec ...float32) Point {
	return Point{
		ID:      PointID(doc, seq),
		Vector:  vec,
		Payload: Payload{DocumentID: doc, DocumentName: doc + ".txt", ChunkSeq: seq, Text: "chunk"},
	}
}

func TestMemoryIndex_UpsertSearch(t *testing.T) {
	idx, err := NewMemoryIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	points := []Point{
		point("a", 0, 1, 0, 0),
		point("b", 0, 0.9, 0.1, 0),
		point("c", 0, 0, 1, 0),
	}
	if err := idx.Upsert(ctx, points); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Payload.DocumentID != "a" || results[1].Payload.DocumentID != "b" {
		t.Errorf("unexpected order: %+v", results)
	}
	if results[0].Score < 0.999 {
		t.Errorf("identical vectors should score 1, got %f", results[0].Score)
	}
}

func TestMemoryIndex_UpsertReplaces(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Upsert(ctx, []Point{point("a", 0, 1, 0)})
	_ = idx.Upsert(ctx, []Point{point("a", 0, 0, 1)})
	if idx.Size() != 1 {
		t.Fatalf("same id must replace, size %d", idx.Size())
	}
	hits, _ := idx.Search(ctx, []float32{0, 1}, 1, nil)
	if len(hits) != 1 || hits[0].Score < 0.999 {
		t.Errorf("replacement vector not searched: %+v", hits)
	}
}

func TestMemoryIndex_Filter(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Upsert(ctx, []Point{point("a", 0, 1, 0), point("b", 0, 1, 0), point("c", 0, 0, 1)})

	hits, _ := idx.Search(ctx, []float32{1, 0}, 10, &Filter{DocumentIDs: []string{"c"}})
	if len(hits) != 1 || hits[0].Payload.DocumentID != "c" {
		t.Errorf("filter ignored: %+v", hits)
	}

	hits, err := idx.Search(ctx, []float32{1, 0}, 10, &Filter{DocumentIDs: []string{}})
	if err != nil || len(hits) != 0 {
		t.Errorf("empty selection must search nothing, got %+v, %v", hits, err)
	}

	hits, _ = idx.Search(ctx, []float32{1, 0}, 10, DocumentFilter(nil))
	if len(hits) != 3 {
		t.Errorf("nil filter must be unrestricted, got %d", len(hits))
	}
}

func TestMemoryIndex_TiesPreferMostRecent(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Upsert(ctx, []Point{point("old", 0, 1, 0)})
	_ = idx.Upsert(ctx, []Point{point("new", 0, 1, 0)})
	for i := 0; i < 5; i++ {
		hits, _ := idx.Search(ctx, []float32{1, 0}, 2, nil)
		if hits[0].Payload.DocumentID != "new" {
			t.Fatalf("tie should go to most recent upsert, got %s", hits[0].Payload.DocumentID)
		}
	}
}

func TestMemoryIndex_DeleteAndCount(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Upsert(ctx, []Point{point("x", 0, 1, 0), point("x", 1, 1, 1), point("y", 0, 0, 1)})

	n, _ := idx.CountByDocument(ctx, "x")
	if n != 2 {
		t.Errorf("CountByDocument=%d", n)
	}
	if err := idx.DeleteByDocument(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if err := idx.DeleteByDocument(ctx, "missing"); err != nil {
		t.Errorf("deleting nothing is not an error: %v", err)
	}
	total, _ := idx.Count(ctx)
	if total != 1 {
		t.Errorf("expected 1 point left, got %d", total)
	}
}

func TestMemoryIndex_CancelledContext(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	_ = idx.Upsert(context.Background(), []Point{point("x", 0, 1, 0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := idx.CountByDocument(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("CountByDocument: expected context.Canceled, got %v", err)
	}
	if _, err := idx.Count(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Count: expected context.Canceled, got %v", err)
	}
	if _, err := idx.DocumentIDs(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("DocumentIDs: expected context.Canceled, got %v", err)
	}
}

func TestMemoryIndex_DocumentIDs(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	ids, err := idx.DocumentIDs(ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("empty index: ids=%v err=%v", ids, err)
	}
	_ = idx.Upsert(ctx, []Point{point("x", 0, 1, 0), point("x", 1, 1, 1), point("y", 0, 0, 1)})
	ids, err = idx.DocumentIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "x" || ids[1] != "y" {
		t.Errorf("got %v", ids)
	}
}

func TestMemoryIndex_Flush(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.idx")
	idx, _ := NewMemoryIndex(2)
	if err := idx.Flush(ctx); err != nil {
		t.Errorf("flush without a file should be a no-op: %v", err)
	}

	idx.SetFile(path)
	_ = idx.Upsert(ctx, []Point{point("x", 0, 1, 0)})
	if err := idx.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	reopened, _ := NewMemoryIndex(2)
	if err := reopened.Load(path); err != nil {
		t.Fatal(err)
	}
	if reopened.Size() != 1 {
		t.Errorf("flushed index has %d points", reopened.Size())
	}

	_ = idx.DeleteByDocument(ctx, "x")
	if err := idx.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	reopened, _ = NewMemoryIndex(2)
	_ = reopened.Load(path)
	if reopened.Size() != 0 {
		t.Errorf("deleted points came back after flush: %d", reopened.Size())
	}
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	err := idx.Upsert(ctx, []Point{point("a", 0, 1, 0), point("a", 1, 1, 0, 0)})
	var idxErr *models.IndexError
	if !errors.As(err, &idxErr) {
		t.Fatalf("expected IndexError, got %v", err)
	}
	if idx.Size() != 0 {
		t.Error("a rejected batch must not be partially applied")
	}
	if _, err := idx.Search(ctx, []float32{1}, 1, nil); !errors.As(err, &idxErr) {
		t.Errorf("expected IndexError for query, got %v", err)
	}
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "vectors.idx")
	ctx := context.Background()
	idx, _ := NewMemoryIndex(2)
	p := point("doc", 3, 0.6, 0.8)
	p.Payload.Page = 2
	p.Payload.LowConfidence = true
	_ = idx.Upsert(ctx, []Point{point("older", 0, 0.6, 0.8), p})
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, _ := NewMemoryIndex(2)
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != 2 {
		t.Fatalf("loaded %d points", loaded.Size())
	}
	hits, _ := loaded.Search(ctx, []float32{0.6, 0.8}, 1, nil)
	if hits[0].ID != PointID("doc", 3) || hits[0].Payload.Page != 2 || !hits[0].Payload.LowConfidence {
		t.Errorf("payload or revision lost: %+v", hits[0])
	}

	// New upserts after load must still win ties.
	_ = loaded.Upsert(ctx, []Point{point("newest", 0, 0.6, 0.8)})
	hits, _ = loaded.Search(ctx, []float32{0.6, 0.8}, 1, nil)
	if hits[0].Payload.DocumentID != "newest" {
		t.Errorf("revision counter not restored, got %s", hits[0].Payload.DocumentID)
	}

	wrong, _ := NewMemoryIndex(3)
	if err := wrong.Load(path); err == nil {
		t.Error("expected dimension mismatch error")
	}
	missing, _ := NewMemoryIndex(2)
	if err := missing.Load(filepath.Join(t.TempDir(), "none.idx")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}
}

func TestPointID(t *testing.T) {
	if PointID("doc", 1) != PointID("doc", 1) {
		t.Error("ids must be deterministic")
	}
	if PointID("doc", 1) == PointID("doc", 2) || PointID("doc", 1) == PointID("doc1", 1) {
		t.Error("ids must differ per chunk")
	}
}

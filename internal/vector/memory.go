package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperjump/kotae/internal/models"
)

const memoryFileMagic = "KVX1"

type memoryEntry struct {
	vector   []float32
	payload  Payload
	revision uint64
}

// MemoryIndex is an in-memory vector index using brute-force cosine search.
// It can be persisted to a single file with Save and Load.
type MemoryIndex struct {
	dimensions int
	entries    map[string]*memoryEntry
	revision   uint64
	file       string
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		entries:    make(map[string]*memoryEntry),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Upsert inserts or replaces points. The whole batch is rejected if any vector has the wrong dimension.
func (m *MemoryIndex) Upsert(ctx context.Context, points []Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range points {
		if p.ID == "" {
			return &models.IndexError{Op: "upsert", Err: errors.New("point id is required")}
		}
		if len(p.Vector) != m.dimensions {
			return &models.IndexError{Op: "upsert", Err: fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(p.Vector), m.dimensions)}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		vec := make([]float32, m.dimensions)
		copy(vec, p.Vector)
		m.revision++
		m.entries[p.ID] = &memoryEntry{vector: vec, payload: p.Payload, revision: m.revision}
	}
	return nil
}

// DeleteByDocument removes every point whose payload belongs to documentID.
func (m *MemoryIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.payload.DocumentID == documentID {
			delete(m.entries, id)
		}
	}
	return nil
}

// Search returns the top-k points by cosine similarity that pass filter.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int, filter *Filter) ([]Hit, error) {
	if len(query) != m.dimensions {
		return nil, &models.IndexError{Op: "search", Err: fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 || filter.SelectsNothing() {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]rankedHit, 0, len(m.entries))
	for id, e := range m.entries {
		if !filter.Allows(e.payload.DocumentID) {
			continue
		}
		hits = append(hits, rankedHit{
			Hit:      Hit{ID: id, Score: CosineSimilarity(query, e.vector), Payload: e.payload},
			revision: e.revision,
		})
	}
	return rank(hits, k), nil
}

// CountByDocument returns the number of points stored for documentID.
func (m *MemoryIndex) CountByDocument(ctx context.Context, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if e.payload.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

// Count returns the number of points in the index.
func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.Size(), nil
}

// DocumentIDs returns the distinct document ids present in the index.
func (m *MemoryIndex) DocumentIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var ids []string
	for _, e := range m.entries {
		if _, ok := seen[e.payload.DocumentID]; ok {
			continue
		}
		seen[e.payload.DocumentID] = struct{}{}
		ids = append(ids, e.payload.DocumentID)
	}
	return ids, nil
}

// SetFile makes Flush write the index to path. An empty path turns Flush into a no-op.
func (m *MemoryIndex) SetFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.file = path
}

// Flush saves the index to the file set with SetFile.
func (m *MemoryIndex) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	path := m.file
	m.mu.RUnlock()
	return m.Save(path)
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Save persists the index to path, replacing the file atomically. Format: magic (4),
// dimension (4), revision (8), n (4), then per point: idLen (4), id, revision (8),
// vector (dimension*4 bytes), payloadLen (4), payload JSON.
func (m *MemoryIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".vectors-*")
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer os.Remove(f.Name())

	w := bufio.NewWriter(f)
	if err := m.writeTo(w); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush index file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close index file: %w", err)
	}
	return os.Rename(f.Name(), path)
}

func (m *MemoryIndex) writeTo(w io.Writer) error {
	if _, err := io.WriteString(w, memoryFileMagic); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	header := []interface{}{uint32(m.dimensions), m.revision, uint32(len(m.entries))}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for id, e := range m.entries {
		payload, err := json.Marshal(e.payload)
		if err != nil {
			return fmt.Errorf("encode payload %s: %w", id, err)
		}
		if err := writeBytes(w, []byte(id)); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, e.revision); err != nil {
			return fmt.Errorf("write revision: %w", err)
		}
		if _, err := w.Write(float32SliceToBytes(e.vector)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
		if err := writeBytes(w, payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// Load reads the index from path and replaces the in-memory contents. Dimensions must match.
// If the file does not exist, no error is returned and the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(memoryFileMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != memoryFileMagic {
		return fmt.Errorf("%s is not a vector index file", path)
	}
	var (
		dim, n   uint32
		revision uint64
	)
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", dim, m.dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &revision); err != nil {
		return fmt.Errorf("read revision: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}

	entries := make(map[string]*memoryEntry, n)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		id, err := readBytes(r)
		if err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		e := &memoryEntry{}
		if err := binary.Read(r, binary.LittleEndian, &e.revision); err != nil {
			return fmt.Errorf("read revision: %w", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		e.vector = bytesToFloat32Slice(buf)
		payload, err := readBytes(r)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		if err := json.Unmarshal(payload, &e.payload); err != nil {
			return fmt.Errorf("decode payload %s: %w", id, err)
		}
		entries[string(id)] = e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.revision = revision
	return nil
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

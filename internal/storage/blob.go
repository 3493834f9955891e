package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kotae/internal/models"
)

// FileBlobStore keeps upload bytes as one file per document under a directory.
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates the directory if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

// Dir returns the blob directory.
func (b *FileBlobStore) Dir() string {
	return b.dir
}

func (b *FileBlobStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: invalid blob id %q", models.ErrInvalidInput, id)
	}
	return filepath.Join(b.dir, strings.ReplaceAll(id, ":", "_")+".blob"), nil
}

// Put writes r to the blob for id, replacing any previous content atomically.
func (b *FileBlobStore) Put(ctx context.Context, id string, r io.Reader) (int64, error) {
	p, err := b.path(id)
	if err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(b.dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("write blob %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close blob %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return 0, fmt.Errorf("commit blob %s: %w", id, err)
	}
	return n, nil
}

// Get returns the stored bytes for id.
func (b *FileBlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	p, err := b.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", id, models.ErrNotFound)
	}
	return data, err
}

// Delete removes the blob for id. Missing blobs are not an error.
func (b *FileBlobStore) Delete(ctx context.Context, id string) error {
	p, err := b.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

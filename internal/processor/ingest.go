package processor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/fileid"
	"github.com/hyperjump/kotae/internal/models"
)

const (
	metaKeySourcePath  = "source_path"
	metaKeySourceMtime = "source_mtime"
	metaKeySourceSize  = "source_size"
)

// IngestResult is the outcome for one file.
type IngestResult struct {
	Path       string
	DocumentID string
	Skipped    bool
	Err        error
}

// IngestOptions controls directory ingestion.
type IngestOptions struct {
	Recursive bool
	// Extensions restricts the files considered, e.g. ".pdf". Empty means all files.
	Extensions []string
	// OnFile is called after each file is handled.
	OnFile func(IngestResult)
}

// IngestSummary counts the files handled by IngestDirectory.
type IngestSummary struct {
	Files    int `json:"files"`
	Uploaded int `json:"uploaded"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// IngestFile uploads the file at path under an ID derived from its absolute
// path, so ingesting the same file again replaces the same document. An
// unchanged file (same mtime and size) is skipped; an unchanged file whose
// last attempt failed is retried instead.
func (p *Processor) IngestFile(ctx context.Context, path string) (IngestResult, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return IngestResult{Path: path}, fmt.Errorf("absolute path: %w", err)
	}
	res := IngestResult{Path: absPath, DocumentID: fileid.FileDocID(absPath)}
	info, err := os.Stat(absPath)
	if err != nil {
		return res, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return res, fmt.Errorf("%w: not a regular file: %s", models.ErrInvalidInput, absPath)
	}

	if doc, err := p.store.GetDocument(ctx, res.DocumentID); err == nil && unchanged(doc, absPath, info) {
		if doc.Status == models.StatusFailed {
			_, err := p.Retry(ctx, doc.ID)
			return res, err
		}
		p.logger.Debug("Skipping unchanged file", zap.String("path", absPath))
		res.Skipped = true
		return res, nil
	}

	f, err := os.Open(absPath)
	if err != nil {
		return res, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	_, err = p.Upload(ctx, UploadRequest{
		ID:       res.DocumentID,
		Filename: filepath.Base(absPath),
		Content:  f,
		Metadata: map[string]interface{}{
			metaKeySourcePath: absPath,
			// Stored as strings: UnixNano does not survive a JSON float64.
			metaKeySourceMtime: strconv.FormatInt(info.ModTime().UnixNano(), 10),
			metaKeySourceSize:  strconv.FormatInt(info.Size(), 10),
		},
	})
	return res, err
}

func unchanged(doc *models.Document, absPath string, info os.FileInfo) bool {
	if doc.Metadata == nil || doc.Metadata[metaKeySourcePath] != absPath {
		return false
	}
	return metadataInt64(doc.Metadata, metaKeySourceMtime) == info.ModTime().UnixNano() &&
		metadataInt64(doc.Metadata, metaKeySourceSize) == info.Size()
}

func metadataInt64(m map[string]interface{}, key string) int64 {
	switch n := m[key].(type) {
	case string:
		x, _ := strconv.ParseInt(n, 10, 64)
		return x
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// IngestDirectory ingests the regular files in dir. Per-file failures are
// counted and reported through OnFile; they do not stop the walk.
func (p *Processor) IngestDirectory(ctx context.Context, dir string, opts IngestOptions) (IngestSummary, error) {
	var sum IngestSummary
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return sum, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return sum, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return sum, fmt.Errorf("%w: not a directory: %s", models.ErrInvalidInput, absDir)
	}

	err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != absDir && (!opts.Recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if len(opts.Extensions) > 0 && !extensionAllowed(filepath.Ext(path), opts.Extensions) {
			return nil
		}
		// Resolve symlinks so only regular files are ingested.
		if fi, err := os.Stat(path); err != nil || !fi.Mode().IsRegular() {
			return nil
		}

		res, err := p.IngestFile(ctx, path)
		res.Err = err
		sum.Files++
		switch {
		case err != nil:
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return err
			}
			sum.Failed++
			p.logger.Warn("Failed to ingest file", zap.String("path", path), zap.Error(err))
		case res.Skipped:
			sum.Skipped++
		default:
			sum.Uploaded++
		}
		if opts.OnFile != nil {
			opts.OnFile(res)
		}
		return nil
	})
	return sum, err
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	if extNorm == "" {
		return false
	}
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}

// Package watcher uploads files dropped into inbox directories and deletes
// their documents when the files are removed.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/fileid"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/processor"
)

const defaultDebounce = 400 * time.Millisecond

// Ingester receives inbox files. *processor.Processor satisfies it.
type Ingester interface {
	IngestFile(ctx context.Context, path string) (processor.IngestResult, error)
	Delete(ctx context.Context, id string) error
}

// Inbox watches directories and feeds created, modified and removed files to an Ingester.
type Inbox struct {
	roots      []string
	extensions []string
	recursive  bool
	debounce   time.Duration
	ingester   Ingester
	logger     *zap.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	ctx     context.Context
	pending map[string]*time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Inbox) {
		if l != nil {
			in.logger = l
		}
	}
}

// New creates an inbox over cfg.Directories. Nothing is watched until Start.
func New(cfg config.InboxConfig, ingester Ingester, opts ...Option) *Inbox {
	in := &Inbox{
		extensions: cfg.Extensions,
		recursive:  cfg.RecursiveOrDefault(),
		debounce:   cfg.Debounce,
		ingester:   ingester,
		logger:     zap.NewNop(),
		pending:    make(map[string]*time.Timer),
	}
	if in.debounce <= 0 {
		in.debounce = defaultDebounce
	}
	for _, dir := range cfg.Directories {
		if abs, err := filepath.Abs(dir); err == nil {
			in.roots = append(in.roots, filepath.Clean(abs))
		}
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Directories returns the watched roots.
func (in *Inbox) Directories() []string {
	return append([]string(nil), in.roots...)
}

// Start creates missing roots, begins watching and ingests files already
// present. It returns once the watches are in place; events are handled until
// ctx is cancelled or Stop is called.
func (in *Inbox) Start(ctx context.Context) error {
	in.mu.Lock()
	if in.fsw != nil {
		in.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		in.mu.Unlock()
		return err
	}
	for _, root := range in.roots {
		if err := os.MkdirAll(root, 0755); err != nil {
			_ = fsw.Close()
			in.mu.Unlock()
			return err
		}
		if err := in.watchTree(fsw, root); err != nil {
			_ = fsw.Close()
			in.mu.Unlock()
			return err
		}
	}
	in.fsw = fsw
	in.ctx = ctx
	in.done = make(chan struct{})
	in.mu.Unlock()

	in.logger.Info("Watching inbox",
		zap.Strings("directories", in.roots),
		zap.Strings("extensions", in.extensions),
		zap.Bool("recursive", in.recursive))

	in.wg.Add(2)
	go func() {
		defer in.wg.Done()
		in.run(ctx, fsw, in.done)
	}()
	go func() {
		defer in.wg.Done()
		for _, root := range in.roots {
			in.sync(ctx, root)
		}
	}()
	return nil
}

func (in *Inbox) watchTree(fsw *fsnotify.Watcher, root string) error {
	if !in.recursive {
		return fsw.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func (in *Inbox) run(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			in.Stop()
			return
		case <-done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			in.handle(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			in.logger.Warn("Inbox watch error", zap.Error(err))
		}
	}
}

func (in *Inbox) handle(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !in.underRoot(path) || hidden(filepath.Base(path)) {
		return
	}
	in.logger.Debug("Inbox event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		in.cancel(path)
		if matchExtension(path, in.extensions) {
			in.remove(path)
		}
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) && in.recursive {
				if err := in.watchTree(fsw, path); err != nil {
					in.logger.Warn("Failed to watch new directory", zap.String("path", path), zap.Error(err))
				}
				in.sync(in.context(), path)
			}
			return
		}
		if matchExtension(path, in.extensions) {
			in.schedule(path)
		}
	}
}

func (in *Inbox) context() context.Context {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ctx == nil {
		return context.Background()
	}
	return in.ctx
}

// schedule ingests path once no further event for it arrives within the debounce window.
func (in *Inbox) schedule(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.fsw == nil {
		return
	}
	if t, ok := in.pending[path]; ok {
		t.Stop()
	}
	in.pending[path] = time.AfterFunc(in.debounce, func() {
		in.mu.Lock()
		delete(in.pending, path)
		ctx := in.ctx
		in.mu.Unlock()
		in.ingest(ctx, path)
	})
}

func (in *Inbox) cancel(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.pending[path]; ok {
		t.Stop()
		delete(in.pending, path)
	}
}

func (in *Inbox) ingest(ctx context.Context, path string) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	res, err := in.ingester.IngestFile(ctx, path)
	switch {
	case err != nil:
		in.logger.Warn("Failed to ingest inbox file", zap.String("path", path), zap.Error(err))
	case res.Skipped:
		in.logger.Debug("Inbox file unchanged", zap.String("path", path))
	default:
		in.logger.Info("Inbox file uploaded", zap.String("path", path), zap.String("document_id", res.DocumentID))
	}
}

func (in *Inbox) remove(path string) {
	id := fileid.FileDocID(path)
	err := in.ingester.Delete(in.context(), id)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		in.logger.Warn("Failed to delete removed inbox file", zap.String("path", path), zap.Error(err))
	default:
		in.logger.Info("Inbox file removed", zap.String("path", path), zap.String("document_id", id))
	}
}

// sync ingests the matching files under root.
func (in *Inbox) sync(ctx context.Context, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && (!in.recursive || hidden(d.Name())) {
				return filepath.SkipDir
			}
			return nil
		}
		if !hidden(d.Name()) && d.Type().IsRegular() && matchExtension(path, in.extensions) {
			in.ingest(ctx, path)
		}
		return nil
	})
}

func (in *Inbox) underRoot(path string) bool {
	for _, root := range in.roots {
		if inDir(root, path) {
			return true
		}
	}
	return false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// hidden matches dotfiles and editor temporaries such as "~$report.docx".
func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~")
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// Stop stops watching. Debounced ingests that have not fired are dropped.
func (in *Inbox) Stop() {
	in.mu.Lock()
	if in.fsw == nil {
		in.mu.Unlock()
		return
	}
	for path, t := range in.pending {
		t.Stop()
		delete(in.pending, path)
	}
	_ = in.fsw.Close()
	in.fsw = nil
	close(in.done)
	in.mu.Unlock()
}

// Wait blocks until the goroutines started by Start have returned.
func (in *Inbox) Wait() {
	in.wg.Wait()
}

// Package watcher feeds files appearing under the uploads directory through
// the upload hook once they stop changing.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Skryldev/image-optimizer/catalog"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/hooks"
	"github.com/Skryldev/image-optimizer/layout"
	"github.com/Skryldev/image-optimizer/state"
)

// DefaultSettleDelay is used when New is given a non-positive delay.
const DefaultSettleDelay = 500 * time.Millisecond

// Uploader is the upload hook invoked for every settled file.
type Uploader interface {
	HandleUpload(ctx context.Context, desc core.UploadDescriptor) (core.UploadDescriptor, core.Outcome, error)
}

// Watcher watches a directory tree.  A file is handed to the Uploader after
// no event touched it for the settle delay.  Files are handled one at a
// time on the Run goroutine.
type Watcher struct {
	root     string
	markers  state.MarkerStore
	uploader Uploader
	settle   time.Duration
	exclude  []string
	logger   core.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	started chan struct{}
	done    chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option { return func(w *Watcher) { w.logger = l } }

// WithExclude skips the given directories and everything below them.
func WithExclude(dirs ...string) Option {
	return func(w *Watcher) { w.exclude = append(w.exclude, dirs...) }
}

// New returns a Watcher over root.
func New(root string, markers state.MarkerStore, uploader Uploader, settle time.Duration, opts ...Option) *Watcher {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	w := &Watcher{
		root:     root,
		markers:  markers,
		uploader: uploader,
		settle:   settle,
		logger:   hooks.NopLogger{},
		pending:  make(map[string]*time.Timer),
		ready:    make(chan string, 64),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Started is closed once the initial directory tree is being watched.
func (w *Watcher) Started() <-chan struct{} { return w.started }

// Run watches until ctx is cancelled.  It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create: %w", err)
	}
	defer fw.Close()
	defer w.stopTimers()

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("watcher: prepare %s: %w", w.root, err)
	}
	if err := w.addTree(fw, w.root, false); err != nil {
		return err
	}
	close(w.started)
	w.logger.Info("watch.started", "root", w.root, "settle", w.settle)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch.error", "error", err)
		case path := <-w.ready:
			w.process(ctx, path)
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			// Files written before the directory was added produce no event.
			if err := w.addTree(fw, ev.Name, true); err != nil {
				w.logger.Warn("watch.add_failed", "dir", ev.Name, "error", err)
			}
		}
		return
	}
	if w.wanted(ev.Name) {
		w.touch(ev.Name)
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string, queueFiles bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			if queueFiles && w.wanted(path) {
				w.touch(path)
			}
			return nil
		}
		if path != w.root && (w.excluded(path) || strings.HasPrefix(d.Name(), ".")) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watcher: add %s: %w", path, err)
		}
		return nil
	})
}

// wanted filters out derivatives, markers, temp files and backups.
func (w *Watcher) wanted(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") || w.excluded(path) {
		return false
	}
	return core.IsSupportedMime(catalog.MimeByExtension(path))
}

func (w *Watcher) excluded(path string) bool {
	for _, ex := range w.exclude {
		if ex != "" && layout.IsWithin(path, ex) {
			return true
		}
	}
	return false
}

// touch (re)starts the settle timer of path.
func (w *Watcher) touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
	close(w.done)
}

func (w *Watcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	marked, err := w.markers.IsOptimized(ctx, path)
	if err != nil {
		w.logger.Warn("watch.marker_probe_failed", "path", path, "error", err)
		return
	}
	if marked {
		w.logger.Debug("watch.skip", "path", path, "reason", "already optimized")
		return
	}
	desc := core.UploadDescriptor{
		Path:     path,
		MimeType: catalog.MimeByExtension(path),
		Context:  core.UploadContextUpload,
	}
	got, out, err := w.uploader.HandleUpload(ctx, desc)
	if err != nil {
		// The engine already recorded the failure in the error log.
		w.logger.Debug("watch.failed", "path", path, "stage", out.Stage)
		return
	}
	w.logger.Info("watch.handled", "path", got.Path, "status", out.Status)
}

// Package backup keeps an untouched copy of every original before the first
// destructive transform and restores those copies on demand.
//
// Backups are keyed by base name only.  A backup is never overwritten once it
// exists, and restoring does not remove it.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/layout"
	"github.com/Skryldev/image-optimizer/state"
)

// MetaSource is the metadata field recording the live path a backup was
// taken from.
const MetaSource = "source"

// Result describes an EnsureBackup call.
type Result struct {
	Key     string
	Created bool
}

// PathRelocator is implemented by catalogs that must follow a restored
// PNG back from the JPEG it was converted to.
type PathRelocator interface {
	RelocatePath(ctx context.Context, from, to, mimeType string) error
}

// Store is the backup store.
type Store struct {
	storage    core.StorageAdapter
	bucket     string
	markers    state.MarkerStore
	uploadsDir string
	logger     core.Logger
	relocator  PathRelocator
}

// Option customises a Store.
type Option func(*Store)

// WithBucket stores backups in bucket instead of the adapter default.
func WithBucket(b string) Option { return func(s *Store) { s.bucket = b } }

// WithLogger attaches a structured logger.
func WithLogger(l core.Logger) Option { return func(s *Store) { s.logger = l } }

// WithRelocator updates catalog paths when a restore undoes a conversion.
func WithRelocator(r PathRelocator) Option { return func(s *Store) { s.relocator = r } }

// New returns a Store writing through storage.  markers is cleared for every
// restored image; uploadsDir resolves backups that carry no source metadata.
func New(storage core.StorageAdapter, markers state.MarkerStore, uploadsDir string, opts ...Option) *Store {
	s := &Store{storage: storage, markers: markers, uploadsDir: uploadsDir}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) key(path string) core.StorageKey {
	return core.StorageKey{Bucket: s.bucket, Path: layout.BackupKey(path)}
}

// Has reports whether a backup exists for path.
func (s *Store) Has(ctx context.Context, path string) (bool, error) {
	ok, err := s.storage.Exists(ctx, s.key(path))
	if err != nil {
		return false, apperrors.Wrap(apperrors.CategoryBackup, "backup.exists", err)
	}
	return ok, nil
}

// EnsureBackup copies the file at path into the store unless a backup with
// the same base name already exists.
func (s *Store) EnsureBackup(ctx context.Context, path string) (Result, error) {
	key := s.key(path)
	res := Result{Key: key.Path}

	exists, err := s.storage.Exists(ctx, key)
	if err != nil {
		return res, apperrors.Wrap(apperrors.CategoryBackup, "backup.exists", err)
	}
	if exists {
		return res, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return res, apperrors.Wrap(apperrors.CategoryBackup, "backup.open", err)
	}
	defer f.Close()

	source := path
	if abs, err := filepath.Abs(path); err == nil {
		source = abs
	}
	if err := s.storage.Put(ctx, key, f, map[string]string{MetaSource: source}); err != nil {
		return res, apperrors.Wrap(apperrors.CategoryBackup, "backup.put", err)
	}
	res.Created = true
	s.debug("backup.created", "path", path, "key", key.Path)
	return res, nil
}

// RestoreAll copies every backup over its live path and clears the marker of
// each restored image.  Per-backup failures are counted in the report; the
// returned error is set only when the backups cannot be enumerated.
func (s *Store) RestoreAll(ctx context.Context) (core.RestoreReport, error) {
	var report core.RestoreReport

	keys, err := s.storage.List(ctx, s.bucket)
	if err != nil {
		return report, apperrors.Wrap(apperrors.CategoryRestore, "restore.list", err)
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, apperrors.Wrap(apperrors.CategoryRestore, "restore", err)
		}
		target, err := s.restoreOne(ctx, key)
		if err != nil {
			report.Errors++
			report.Failures = append(report.Failures, core.RestoreFailure{
				Key:     key.Path,
				Target:  target,
				Message: apperrors.Message(err),
			})
			s.warn("restore.failed", "key", key.Path, "target", target, "error", err)
			continue
		}
		report.Restored++
		s.debug("restore.done", "key", key.Path, "target", target)
	}
	return report, nil
}

func (s *Store) restoreOne(ctx context.Context, key core.StorageKey) (string, error) {
	target := layout.RestoreTarget(s.uploadsDir, key.Path)
	meta, err := s.storage.Meta(ctx, key)
	if err != nil {
		return target, apperrors.Wrap(apperrors.CategoryRestore, "restore.meta", err)
	}
	if src := meta[MetaSource]; src != "" {
		target = src
	}

	rc, err := s.storage.Get(ctx, key)
	if err != nil {
		return target, apperrors.Wrap(apperrors.CategoryRestore, "restore.get", err)
	}
	defer rc.Close()

	if err := writeOver(target, rc); err != nil {
		return target, apperrors.Wrap(apperrors.CategoryRestore, "restore.write", err)
	}
	if err := s.undoConversion(ctx, target); err != nil {
		return target, apperrors.Wrap(apperrors.CategoryRestore, "restore.unconvert", err)
	}
	if s.markers != nil {
		if err := s.markers.Unmark(ctx, target); err != nil {
			return target, apperrors.Wrap(apperrors.CategoryRestore, "restore.unmark", err)
		}
	}
	return target, nil
}

// undoConversion removes the JPEG a restored PNG was converted to, together
// with the WebP derived from it.  A JPEG that has a backup of its own is an
// original and stays.
func (s *Store) undoConversion(ctx context.Context, target string) error {
	if !strings.EqualFold(filepath.Ext(target), ".png") {
		return nil
	}
	jpg := layout.JPEGPath(target)
	if _, err := os.Stat(jpg); err != nil {
		return nil
	}
	original, err := s.isOriginal(ctx, jpg)
	if err != nil || original {
		return err
	}

	for _, p := range []string{jpg, layout.WebPPath(jpg)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if s.relocator != nil {
		if err := s.relocator.RelocatePath(ctx, jpg, target, core.MimePNG); err != nil {
			return err
		}
	}
	s.debug("restore.unconverted", "removed", jpg, "target", target)
	return nil
}

// isOriginal reports whether the backup keyed by path's base name was taken
// from path itself.
func (s *Store) isOriginal(ctx context.Context, path string) (bool, error) {
	ok, err := s.Has(ctx, path)
	if err != nil || !ok {
		return false, err
	}
	meta, err := s.storage.Meta(ctx, s.key(path))
	if err != nil {
		return false, err
	}
	src := meta[MetaSource]
	if src == "" {
		return true, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return src == abs, nil
}

// writeOver replaces target with the contents of r via a temp file in the
// same directory.  The mode of an existing target is kept.
func writeOver(target string, r io.Reader) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(target); err == nil {
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, target); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename over %s: %w", target, err)
	}
	return nil
}

func (s *Store) debug(msg string, fields ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, fields...)
	}
}

func (s *Store) warn(msg string, fields ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, fields...)
	}
}

// Package state tracks which images completed the optimization pipeline.
//
// A marker is keyed by the image's directory and stem, so an opaque PNG
// converted to JPEG keeps the marker it was given under its original name.
// Every call re-probes the backing store; nothing is cached.
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/layout"
)

// MarkerStore records that an image completed the pipeline.
type MarkerStore interface {
	IsOptimized(ctx context.Context, path string) (bool, error)
	Mark(ctx context.Context, path string) error
	Unmark(ctx context.Context, path string) error
}

// ── FileMarkers ───────────────────────────────────────────────────────────────

// FileMarkers stores each marker as a zero-byte file next to the image.
type FileMarkers struct {
	Suffix string
}

// NewFileMarkers returns a file-backed MarkerStore.
func NewFileMarkers(suffix string) *FileMarkers {
	return &FileMarkers{Suffix: suffix}
}

// Path returns the marker file for the image at path.
func (m *FileMarkers) Path(path string) string {
	return layout.MarkerPath(path, m.Suffix)
}

func (m *FileMarkers) IsOptimized(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(m.Path(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apperrors.Wrap(apperrors.CategoryStorage, "markers.stat", err)
}

// Mark creates the marker file or refreshes its modification time.
func (m *FileMarkers) Mark(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := m.Path(path)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "markers.mark", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "markers.mark", err)
	}
	if err := f.Close(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "markers.mark", err)
	}
	now := time.Now()
	if err := os.Chtimes(p, now, now); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "markers.touch", err)
	}
	return nil
}

func (m *FileMarkers) Unmark(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(m.Path(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Wrap(apperrors.CategoryStorage, "markers.unmark", err)
	}
	return nil
}

// Key is the identity shared by every MarkerStore: the absolute marker path.
func Key(path, suffix string) string {
	p := layout.MarkerPath(path, suffix)
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func describe(path string, err error) error {
	return fmt.Errorf("marker %s: %w", path, err)
}

var _ MarkerStore = (*FileMarkers)(nil)

package optimizer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/layout"
)

// HandleUpload is the upload hook.  Descriptors whose context is "upload"
// run the full pipeline unconditionally; any other context passes through.
//
// The returned descriptor keeps the caller's shape.  Path and MimeType follow
// a PNG to JPEG conversion.  On failure the error is returned together with
// the unchanged descriptor so the caller can keep the unoptimized original.
// A path outside the uploads directory, or inside the backup directory, is
// rejected with a CategoryInput error before anything is read.
func (e *Engine) HandleUpload(ctx context.Context, desc core.UploadDescriptor) (core.UploadDescriptor, core.Outcome, error) {
	if desc.Context != core.UploadContextUpload {
		return desc, core.Skipped(desc.Path, "", "not an upload"), nil
	}
	if err := e.confine(desc.Path); err != nil {
		e.logger.Warn("optimizer.upload.rejected", "path", desc.Path, "error", err)
		return desc, core.Failed(desc.Path, apperrors.CategoryInput, err), err
	}

	out := e.Process(ctx, desc.Path, desc.MimeType)
	if out.Status == core.StatusError {
		return desc, out, out.Err
	}

	result := desc
	if out.Converted {
		result.Path = out.Path
		result.MimeType = core.MimeJPEG
	}

	if e.registrar != nil && core.IsSupportedMime(result.MimeType) {
		asset, err := e.registrar.Register(ctx, core.Asset{Path: result.Path, MimeType: result.MimeType})
		if err != nil {
			e.logger.Warn("optimizer.upload.register_failed", "path", result.Path, "error", err)
		} else {
			e.logger.Debug("optimizer.upload.registered", "path", result.Path, "id", asset.ID)
		}
	}
	return result, out, nil
}

func (e *Engine) confine(path string) error {
	p := resolve(path)
	if !layout.IsWithin(p, resolve(e.cfg.UploadsDir)) || layout.IsWithin(p, resolve(e.cfg.BackupDir())) {
		return apperrors.New(apperrors.CategoryInput, "upload.path",
			fmt.Errorf("%w: %s", apperrors.ErrOutsideUploads, path))
	}
	return nil
}

// resolve returns the absolute, symlink-free form of path.  When path does
// not exist its parent directory is resolved instead.
func resolve(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs))
	}
	return abs
}

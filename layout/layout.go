// Package layout derives every on-disk location the optimizer touches from
// the path of a live image.  All functions are pure.
package layout

import (
	"path/filepath"
	"strings"
)

// Stem returns the base name of path without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// StemPath returns path with its extension removed.
func StemPath(path string) string {
	return filepath.Join(filepath.Dir(path), Stem(path))
}

// MarkerPath returns the marker file colocated with path: <dir>/<stem><suffix>.
func MarkerPath(path, suffix string) string {
	return StemPath(path) + suffix
}

// WebPPath returns the WebP derivative sibling of path: <dir>/<stem>.webp.
func WebPPath(path string) string {
	return StemPath(path) + ".webp"
}

// JPEGPath returns the path an opaque PNG is renamed to: <dir>/<stem>.jpg.
func JPEGPath(path string) string {
	return StemPath(path) + ".jpg"
}

// BackupKey returns the key a backup of path is stored under.  Directory
// structure is flattened, so same-named files from different directories
// share a key.
func BackupKey(path string) string {
	return filepath.Base(path)
}

// BackupDir returns <uploads>/<name>.
func BackupDir(uploadsDir, name string) string {
	return filepath.Join(uploadsDir, name)
}

// RestoreTarget reverses BackupKey when the recorded source is unknown: the
// backup is restored to <uploads>/<key>.
func RestoreTarget(uploadsDir, key string) string {
	return filepath.Join(uploadsDir, filepath.FromSlash(key))
}

// IsWithin reports whether path lies inside dir (or is dir itself).
func IsWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

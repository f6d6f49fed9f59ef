package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/layout"
)

// DirCatalog lists the JPEG and PNG files under a directory tree, sorted by
// path.  The asset ID is the slash-separated path relative to the root.
// The tree is walked on every call.
type DirCatalog struct {
	root    string
	exclude []string
}

// NewDirCatalog returns a catalog over root.  Files inside any of the
// exclude directories are not listed.
func NewDirCatalog(root string, exclude ...string) *DirCatalog {
	return &DirCatalog{root: root, exclude: exclude}
}

func (c *DirCatalog) List(ctx context.Context, offset, limit int) ([]core.Asset, error) {
	all, err := c.scan(ctx)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []core.Asset{}, nil
	}
	end := len(all)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

func (c *DirCatalog) Count(ctx context.Context) (int, error) {
	all, err := c.scan(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (c *DirCatalog) scan(ctx context.Context) ([]core.Asset, error) {
	var assets []core.Asset
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == c.root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if c.excluded(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !d.Type().IsRegular() {
			return nil
		}
		mime := MimeByExtension(path)
		if !core.IsSupportedMime(mime) {
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		assets = append(assets, core.Asset{ID: filepath.ToSlash(rel), Path: path, MimeType: mime})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: walk %s: %w", c.root, err)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })
	return assets, nil
}

func (c *DirCatalog) excluded(dir string) bool {
	for _, ex := range c.exclude {
		if ex != "" && layout.IsWithin(dir, ex) {
			return true
		}
	}
	return false
}

// MimeByExtension maps image file extensions to MIME types.
func MimeByExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".jpe":
		return core.MimeJPEG
	case ".png":
		return core.MimePNG
	case ".webp":
		return core.MimeWebP
	case ".gif":
		return "image/gif"
	}
	return ""
}

var _ Catalog = (*DirCatalog)(nil)

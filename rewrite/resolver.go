// Package rewrite maps original upload URLs to their WebP derivatives.
package rewrite

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Skryldev/image-optimizer/layout"
)

// Resolver resolves derivative URLs for assets served from BaseURL, whose
// files live under UploadsDir.
type Resolver struct {
	base       *url.URL
	uploadsDir string
}

// NewResolver returns a Resolver.  baseURL may be a path ("/uploads") or an
// absolute URL; absolute asset URLs must then match its host.
func NewResolver(baseURL, uploadsDir string) (*Resolver, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	return &Resolver{base: base, uploadsDir: uploadsDir}, nil
}

// Candidate returns the WebP URL for rawURL and whether the derivative
// exists on disk.  URLs outside BaseURL and non JPEG/PNG URLs yield ("", false).
func (r *Resolver) Candidate(rawURL string) (string, bool) {
	disk, u, ok := r.locate(rawURL)
	if !ok {
		return "", false
	}
	webpDisk := layout.WebPPath(disk)
	info, err := os.Stat(webpDisk)
	exists := err == nil && info.Mode().IsRegular()

	out := *u
	out.Path = strings.TrimSuffix(u.Path, path.Ext(u.Path)) + ".webp"
	out.RawPath = ""
	return out.String(), exists
}

func (r *Resolver) locate(rawURL string) (string, *url.URL, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, false
	}
	if u.Host != "" && r.base.Host != "" && !strings.EqualFold(u.Host, r.base.Host) {
		return "", nil, false
	}
	prefix := r.base.Path + "/"
	if !strings.HasPrefix(u.Path, prefix) {
		return "", nil, false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".jpg", ".jpeg", ".png":
	default:
		return "", nil, false
	}
	rel := path.Clean("/" + strings.TrimPrefix(u.Path, prefix))
	disk := filepath.Join(r.uploadsDir, filepath.FromSlash(rel))
	if !layout.IsWithin(disk, r.uploadsDir) {
		return "", nil, false
	}
	return disk, u, true
}

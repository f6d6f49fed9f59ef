// Package catalog enumerates the images a batch run walks over.
package catalog

import (
	"context"

	"github.com/Skryldev/image-optimizer/core"
)

// Catalog is a paged, stable-ordered listing of JPEG and PNG assets.  The
// same offset against an unchanged catalog yields the same page.
type Catalog interface {
	// List returns up to limit supported assets starting at offset.
	List(ctx context.Context, offset, limit int) ([]core.Asset, error)
	// Count returns the number of supported assets.
	Count(ctx context.Context) (int, error)
}

// Relocator is implemented by catalogs that track file paths and must follow
// a PNG to JPEG rename.
type Relocator interface {
	Relocate(ctx context.Context, id, path, mimeType string) error
}

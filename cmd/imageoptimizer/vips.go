//go:build vips

package main

import (
	imageoptimizer "github.com/Skryldev/image-optimizer"
	"github.com/Skryldev/image-optimizer/adapters/vips"
	"github.com/Skryldev/image-optimizer/config"
)

// vipsBackend starts libvips and switches the resize and strip steps to it.
// The returned attach func registers the libvips codecs once the optimizer
// exists.
func vipsBackend(cfg config.Config, opts *[]imageoptimizer.Option) (func(*imageoptimizer.Optimizer), func(), error) {
	backend := vips.NewBackend(vips.BackendConfig{DefaultQuality: cfg.Quality})
	*opts = append(*opts, imageoptimizer.WithToolkit(vips.Toolkit{}))
	attach := func(o *imageoptimizer.Optimizer) {
		vips.RegisterVipsBackend(o.Registry(), backend)
	}
	return attach, backend.Shutdown, nil
}

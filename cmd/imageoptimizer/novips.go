//go:build !vips

package main

import (
	"errors"

	imageoptimizer "github.com/Skryldev/image-optimizer"
	"github.com/Skryldev/image-optimizer/config"
)

func vipsBackend(config.Config, *[]imageoptimizer.Option) (func(*imageoptimizer.Optimizer), func(), error) {
	return nil, nil, errors.New("backend vips requires a build with -tags vips")
}

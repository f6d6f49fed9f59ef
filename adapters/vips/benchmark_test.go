package vips_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	imageoptimizer "github.com/Skryldev/image-optimizer"
	"github.com/Skryldev/image-optimizer/adapters/vips"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/pipeline"
)

func makeJPEG(b *testing.B, w, h int) []byte {
	b.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92})
	return buf.Bytes()
}

func makePNG(b *testing.B, w, h int) []byte {
	b.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / w), G: 90, B: uint8(y * 255 / h), A: 255})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

type bench struct {
	proc    *core.Processor
	reg     core.Registry
	toolkit pipeline.Toolkit
}

func newStdlibBench(b *testing.B) *bench {
	b.Helper()
	cfg := imageoptimizer.DefaultConfig()
	reg := imageoptimizer.NewStdRegistry(cfg.Quality)
	return &bench{
		proc:    core.New(cfg, reg),
		reg:     reg,
		toolkit: pipeline.StdToolkit{Resampler: pipeline.Resampler(cfg.Resampler)},
	}
}

func newVipsBench(b *testing.B) (*bench, *vips.Backend) {
	b.Helper()
	cfg := imageoptimizer.DefaultConfig()
	reg := imageoptimizer.NewStdRegistry(cfg.Quality)
	backend := vips.NewBackend(vips.BackendConfig{DefaultQuality: cfg.Quality})
	vips.RegisterVipsBackend(reg, backend)
	return &bench{proc: core.New(cfg, reg), reg: reg, toolkit: vips.Toolkit{}}, backend
}

// optimize mirrors the transform stage: decode, fit, strip, re-encode.
func (s *bench) optimize(b *testing.B, raw []byte, maxWidth int) {
	b.Helper()
	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.proc.Process(context.Background(),
			core.Source{Reader: bytes.NewReader(raw)},
			&pipeline.DecodeStep{Registry: s.reg},
			s.toolkit.FitWidth(maxWidth),
			s.toolkit.StripMetadata(),
			&pipeline.QualityStep{Quality: 78},
			&pipeline.OpaquePNGToJPEGStep{},
			&pipeline.EncodeStep{Registry: s.reg},
		); err != nil {
			b.Fatal(err)
		}
	}
}

// derive mirrors the WebP stage.
func (s *bench) derive(b *testing.B, raw []byte) {
	b.Helper()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.proc.Process(context.Background(),
			core.Source{Reader: bytes.NewReader(raw)},
			&pipeline.DecodeStep{Registry: s.reg},
			&pipeline.QualityStep{Quality: 78},
			&pipeline.FormatStep{Format: core.FormatWebP},
			&pipeline.EncodeStep{Registry: s.reg, BaseOptions: core.EncodeOptions{StripEXIF: true}},
		); err != nil {
			b.Fatal(err)
		}
	}
}

// ─── Decode ───────────────────────────────────────────────────────────────────

func BenchmarkDecode_Stdlib_1920x1080(b *testing.B) {
	raw := makeJPEG(b, 1920, 1080)
	s := newStdlibBench(b)

	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.proc.Process(context.Background(),
			core.Source{Reader: bytes.NewReader(raw)},
			&pipeline.DecodeStep{Registry: s.reg},
		); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecode_Vips_1920x1080(b *testing.B) {
	raw := makeJPEG(b, 1920, 1080)
	s, backend := newVipsBench(b)
	defer backend.Shutdown()

	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.proc.Process(context.Background(),
			core.Source{Reader: bytes.NewReader(raw)},
			&pipeline.DecodeStep{Registry: s.reg},
		); err != nil {
			b.Fatal(err)
		}
	}
}

// ─── Optimize ─────────────────────────────────────────────────────────────────

func BenchmarkOptimize_Stdlib_4Kto2000(b *testing.B) {
	newStdlibBench(b).optimize(b, makeJPEG(b, 3840, 2160), 2000)
}

func BenchmarkOptimize_Vips_4Kto2000(b *testing.B) {
	s, backend := newVipsBench(b)
	defer backend.Shutdown()
	s.optimize(b, makeJPEG(b, 3840, 2160), 2000)
}

func BenchmarkOptimize_Stdlib_OpaquePNG(b *testing.B) {
	newStdlibBench(b).optimize(b, makePNG(b, 1280, 720), 2000)
}

func BenchmarkOptimize_Vips_OpaquePNG(b *testing.B) {
	s, backend := newVipsBench(b)
	defer backend.Shutdown()
	s.optimize(b, makePNG(b, 1280, 720), 2000)
}

// ─── WebP derivative ──────────────────────────────────────────────────────────

func BenchmarkDeriveWebP_Stdlib(b *testing.B) {
	newStdlibBench(b).derive(b, makeJPEG(b, 800, 600))
}

func BenchmarkDeriveWebP_Vips(b *testing.B) {
	s, backend := newVipsBench(b)
	defer backend.Shutdown()
	s.derive(b, makeJPEG(b, 800, 600))
}

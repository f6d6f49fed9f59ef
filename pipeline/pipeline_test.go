package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/Skryldev/image-optimizer/adapters/decoder"
	"github.com/Skryldev/image-optimizer/adapters/encoder"
	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/pipeline"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func decoded(t *testing.T, w, h int) *core.ImageData {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 10, A: 255})
		}
	}
	return &core.ImageData{Image: img, Format: core.FormatJPEG, Meta: core.Metadata{Width: w, Height: h}}
}

func registry() *core.DefaultRegistry {
	reg := core.NewRegistry()
	reg.RegisterDecoder(core.FormatPNG, decoder.NewPNG())
	reg.RegisterDecoder(core.FormatJPEG, decoder.NewJPEG())
	reg.RegisterEncoder(core.FormatJPEG, encoder.NewJPEG(82))
	reg.RegisterEncoder(core.FormatWebP, encoder.NewWebP(82))
	return reg
}

type flakyStep struct {
	failures int
	calls    int
	err      func() error
}

func (s *flakyStep) Name() string { return "flaky" }

func (s *flakyStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, s.err()
	}
	return img, nil
}

type countingHook struct{ before, after int }

func (h *countingHook) BeforeStep(context.Context, string, *core.ImageData) { h.before++ }
func (h *countingHook) AfterStep(context.Context, string, *core.ImageData, time.Duration, error) {
	h.after++
}

// ── Steps ─────────────────────────────────────────────────────────────────────

func TestFitWidthStep(t *testing.T) {
	cases := []struct {
		name       string
		w, h, max  int
		wantW      int
		wantH      int
		passesThru bool
	}{
		{"wide image halves", 400, 300, 200, 200, 150, false},
		{"at limit untouched", 200, 100, 200, 200, 100, true},
		{"narrow untouched", 50, 500, 200, 50, 500, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := decoded(t, tc.w, tc.h)
			out, err := (&pipeline.FitWidthStep{MaxWidth: tc.max}).Execute(context.Background(), in)
			if err != nil {
				t.Fatal(err)
			}
			b := out.Image.(image.Image).Bounds()
			if b.Dx() != tc.wantW || b.Dy() != tc.wantH || out.Meta.Width != tc.wantW || out.Meta.Height != tc.wantH {
				t.Errorf("got %dx%d (meta %dx%d), want %dx%d", b.Dx(), b.Dy(), out.Meta.Width, out.Meta.Height, tc.wantW, tc.wantH)
			}
			if (out == in) != tc.passesThru {
				t.Errorf("pass-through = %v, want %v", out == in, tc.passesThru)
			}
		})
	}
}

func TestFitWidthStep_RequiresDecodedImage(t *testing.T) {
	_, err := (&pipeline.FitWidthStep{MaxWidth: 10}).Execute(context.Background(), &core.ImageData{Data: []byte{1}})
	if !errors.Is(err, apperrors.ErrEmptyInput) {
		t.Errorf("err = %v", err)
	}
}

func TestOpaquePNGToJPEGStep(t *testing.T) {
	cases := []struct {
		name   string
		format core.Format
		alpha  bool
		want   core.Format
	}{
		{"opaque png converts", core.FormatPNG, false, core.FormatJPEG},
		{"alpha png stays", core.FormatPNG, true, core.FormatPNG},
		{"jpeg unchanged", core.FormatJPEG, false, core.FormatJPEG},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := &core.ImageData{Format: tc.format, Meta: core.Metadata{Format: tc.format, HasAlpha: tc.alpha}}
			out, err := (&pipeline.OpaquePNGToJPEGStep{}).Execute(context.Background(), in)
			if err != nil {
				t.Fatal(err)
			}
			if out.Format != tc.want || out.Meta.Format != tc.want {
				t.Errorf("format = %s/%s, want %s", out.Format, out.Meta.Format, tc.want)
			}
		})
	}
}

func TestQualityStep(t *testing.T) {
	out, err := (&pipeline.QualityStep{Quality: 78}).Execute(context.Background(), &core.ImageData{})
	if err != nil || out.Quality != 78 {
		t.Fatalf("quality = %d, %v", out.Quality, err)
	}
	for _, q := range []int{0, 101} {
		if _, err := (&pipeline.QualityStep{Quality: q}).Execute(context.Background(), &core.ImageData{}); !apperrors.IsCategory(err, apperrors.CategoryConfig) {
			t.Errorf("quality %d: err = %v", q, err)
		}
	}
}

func TestStripMetadataStep(t *testing.T) {
	in := &core.ImageData{Meta: core.Metadata{EXIF: map[string]string{"Make": "x"}, HasEXIF: true, Orientation: 6}}
	out, err := (&pipeline.StripMetadataStep{}).Execute(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Meta.EXIF != nil || out.Meta.HasEXIF || out.Meta.Orientation != 0 || !out.StripMetadata {
		t.Errorf("meta = %+v strip=%v", out.Meta, out.StripMetadata)
	}
	if in.Meta.EXIF == nil {
		t.Error("input was mutated")
	}
}

func TestStripMetadataStep_AppliesOrientation(t *testing.T) {
	// A 3x2 image whose top-left pixel is red.
	tests := []struct {
		orientation  int
		wantW, wantH int
		redX, redY   int
	}{
		{1, 3, 2, 0, 0},
		{2, 3, 2, 2, 0},
		{3, 3, 2, 2, 1},
		{4, 3, 2, 0, 1},
		{5, 2, 3, 0, 0},
		{6, 2, 3, 1, 0},
		{7, 2, 3, 1, 2},
		{8, 2, 3, 0, 2},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("orientation %d", tc.orientation), func(t *testing.T) {
			src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
			for y := 0; y < 2; y++ {
				for x := 0; x < 3; x++ {
					src.SetNRGBA(x, y, color.NRGBA{B: 255, A: 255})
				}
			}
			src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
			in := &core.ImageData{Image: src, Meta: core.Metadata{Width: 3, Height: 2, Orientation: tc.orientation}}

			out, err := (&pipeline.StripMetadataStep{}).Execute(context.Background(), in)
			if err != nil {
				t.Fatal(err)
			}
			got := out.Image.(image.Image)
			if b := got.Bounds(); b.Dx() != tc.wantW || b.Dy() != tc.wantH {
				t.Fatalf("bounds = %v, want %dx%d", b, tc.wantW, tc.wantH)
			}
			if out.Meta.Width != tc.wantW || out.Meta.Height != tc.wantH {
				t.Errorf("meta = %dx%d", out.Meta.Width, out.Meta.Height)
			}
			if r, _, _, _ := got.At(tc.redX, tc.redY).RGBA(); r != 0xffff {
				t.Errorf("red pixel not at (%d,%d)", tc.redX, tc.redY)
			}
			if out.Meta.Orientation != 0 {
				t.Errorf("orientation = %d after strip", out.Meta.Orientation)
			}
		})
	}
}

func TestDecodeStep_UnsupportedFormat(t *testing.T) {
	_, err := (&pipeline.DecodeStep{Registry: core.NewRegistry()}).Execute(context.Background(),
		&core.ImageData{Data: []byte("GIF89a"), Format: core.FormatUnknown})
	if !errors.Is(err, apperrors.ErrUnsupportedFormat) {
		t.Errorf("err = %v", err)
	}
}

// ── Pipeline ──────────────────────────────────────────────────────────────────

func TestPipeline_DecodeToWebP(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 30, 20))
	for i := range src.Pix {
		src.Pix[i] = 0xFF
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}
	reg := registry()
	hook := &countingHook{}
	p := pipeline.New().
		Use(
			&pipeline.DecodeStep{Registry: reg},
			&pipeline.QualityStep{Quality: 78},
			&pipeline.FormatStep{Format: core.FormatWebP},
			&pipeline.EncodeStep{Registry: reg},
		).
		AddHook(hook)

	out, timings, err := p.Run(context.Background(), &core.ImageData{Data: buf.Bytes(), Format: core.FormatPNG})
	if err != nil {
		t.Fatal(err)
	}
	if out.Format != core.FormatWebP || !bytes.HasPrefix(out.Data, []byte("RIFF")) {
		t.Errorf("output format %s, prefix %q", out.Format, out.Data[:4])
	}
	if len(timings) != p.Len() || hook.before != 4 || hook.after != 4 {
		t.Errorf("timings %d, hooks %d/%d", len(timings), hook.before, hook.after)
	}
}

func TestPipeline_RetriesTransientErrors(t *testing.T) {
	step := &flakyStep{failures: 2, err: func() error { return apperrors.Transient("flaky", errors.New("busy")) }}
	_, _, err := pipeline.New().Use(step).WithRetry(2, time.Millisecond).Run(context.Background(), &core.ImageData{})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if step.calls != 3 {
		t.Errorf("calls = %d, want 3", step.calls)
	}
}

func TestPipeline_DoesNotRetryCodecErrors(t *testing.T) {
	step := &flakyStep{failures: 5, err: func() error {
		return apperrors.New(apperrors.CategoryDecode, "flaky", errors.New("corrupt"))
	}}
	_, _, err := pipeline.New().Use(step).WithRetry(3, time.Millisecond).Run(context.Background(), &core.ImageData{})
	if !apperrors.IsCategory(err, apperrors.CategoryDecode) {
		t.Fatalf("err = %v", err)
	}
	if step.calls != 1 {
		t.Errorf("calls = %d, want 1", step.calls)
	}
}

func TestPipeline_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	step := &flakyStep{}
	if _, _, err := pipeline.New().Use(step).Run(ctx, &core.ImageData{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if step.calls != 0 {
		t.Errorf("step ran %d times", step.calls)
	}
}

// Package pipeline provides built-in pipeline steps and the extensible Step API.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/utils"
)

// ── Toolkit ───────────────────────────────────────────────────────────────────

// Toolkit builds the steps whose implementation depends on the codec backend.
type Toolkit interface {
	FitWidth(maxWidth int) core.Step
	StripMetadata() core.Step
}

// StdToolkit builds steps operating on image.Image values.
type StdToolkit struct {
	Resampler xdraw.Interpolator
}

func (t StdToolkit) FitWidth(maxWidth int) core.Step {
	return &FitWidthStep{MaxWidth: maxWidth, Resampler: t.Resampler}
}

func (t StdToolkit) StripMetadata() core.Step { return &StripMetadataStep{} }

// Resampler maps a configuration name to an interpolator.  Unknown names
// select CatmullRom.
func Resampler(name string) xdraw.Interpolator {
	switch name {
	case "bilinear":
		return xdraw.BiLinear
	case "approxbilinear":
		return xdraw.ApproxBiLinear
	case "nearest":
		return xdraw.NearestNeighbor
	}
	return xdraw.CatmullRom
}

// ── Decode ────────────────────────────────────────────────────────────────────

// DecodeStep decodes raw bytes in img.Data into a pixel buffer.
type DecodeStep struct {
	Registry core.Registry
}

func (s *DecodeStep) Name() string { return "decode" }

func (s *DecodeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if img.Image != nil {
		return img, nil // already decoded
	}
	if len(img.Data) == 0 {
		return nil, apperrors.New(apperrors.CategoryDecode, s.Name(), apperrors.ErrEmptyInput)
	}
	dec, ok := s.Registry.DecoderFor(img.Format)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryDecode, s.Name(),
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, img.Format))
	}

	decoded, err := dec.Decode(ctx, bytes.NewReader(img.Data))
	if err != nil {
		return nil, err
	}

	// Preserve the raw data bytes alongside the decoded representation.
	decoded.Data = img.Data
	decoded.OriginalSize = img.OriginalSize
	decoded.Meta.SizeBytes = int64(len(img.Data))
	decoded.Quality = img.Quality
	decoded.StripMetadata = img.StripMetadata
	return decoded, nil
}

// ── FitWidth ──────────────────────────────────────────────────────────────────

// FitWidthStep downsizes images wider than MaxWidth, deriving the height from
// the source aspect ratio.  Narrower images pass through untouched.
type FitWidthStep struct {
	MaxWidth int
	// Resampler controls quality vs speed.  Defaults to draw.CatmullRom.
	Resampler xdraw.Interpolator
}

func (s *FitWidthStep) Name() string { return "resize" }

func (s *FitWidthStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}

	src, ok := img.Image.(image.Image)
	if !ok || src == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrEmptyInput)
	}

	srcB := src.Bounds()
	dstW, dstH, resize := utils.FitWidth(srcB.Dx(), srcB.Dy(), s.MaxWidth)
	if !resize {
		return img, nil
	}
	if dstW <= 0 || dstH <= 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrInvalidDimensions)
	}

	sampler := s.Resampler
	if sampler == nil {
		sampler = xdraw.CatmullRom
	}

	dst := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	sampler.Scale(dst, dst.Bounds(), src, srcB, xdraw.Src, nil)

	out := *img
	out.Image = dst
	out.Meta.Width = dstW
	out.Meta.Height = dstH
	return &out, nil
}

// ── Metadata strip ────────────────────────────────────────────────────────────

// StripMetadataStep removes EXIF/XMP/ICC metadata.  Pixel buffers decoded by
// the pure-Go codecs never carry metadata, so for them this only clears the
// recorded tags and instructs the encoder.  The orientation tag is baked into
// the pixels first, since the encoded output no longer carries it.
type StripMetadataStep struct{}

func (s *StripMetadataStep) Name() string { return "strip_metadata" }

func (s *StripMetadataStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	out := *img
	if src, ok := img.Image.(image.Image); ok && src != nil && img.Meta.Orientation > 1 {
		upright := orient(src, img.Meta.Orientation)
		out.Image = upright
		out.Meta.Width, out.Meta.Height = upright.Bounds().Dx(), upright.Bounds().Dy()
	}
	out.Meta.EXIF = nil
	out.Meta.HasEXIF = false
	out.Meta.Orientation = 0
	out.StripMetadata = true
	return &out, nil
}

// orient returns src transformed so that Exif orientation o displays
// upright.  Orientations 5-8 swap width and height.
func orient(src image.Image, o int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dw, dh := w, h
	if o >= 5 {
		dw, dh = h, w
	}
	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch o {
			case 2: // mirror horizontal
				dx, dy = w-1-x, y
			case 3: // rotate 180
				dx, dy = w-1-x, h-1-y
			case 4: // mirror vertical
				dx, dy = x, h-1-y
			case 5: // transpose
				dx, dy = y, x
			case 6: // rotate 90 clockwise
				dx, dy = h-1-y, x
			case 7: // transverse
				dx, dy = h-1-y, w-1-x
			case 8: // rotate 270 clockwise
				dx, dy = y, w-1-x
			default:
				dx, dy = x, y
			}
			dst.Set(dx, dy, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// ── Quality ───────────────────────────────────────────────────────────────────

// QualityStep records the desired encode quality consumed by EncodeStep.
type QualityStep struct {
	Quality int
}

func (s *QualityStep) Name() string { return "quality" }

func (s *QualityStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	if s.Quality < 1 || s.Quality > 100 {
		return nil, apperrors.New(apperrors.CategoryConfig, s.Name(),
			fmt.Errorf("quality %d out of range 1-100", s.Quality))
	}
	out := *img
	out.Quality = s.Quality
	return &out, nil
}

// ── Opaque PNG → JPEG ─────────────────────────────────────────────────────────

// OpaquePNGToJPEGStep switches the output format of a PNG without any
// transparent pixel to JPEG.  PNGs with an active alpha channel keep their
// format.
type OpaquePNGToJPEGStep struct{}

func (s *OpaquePNGToJPEGStep) Name() string { return "png_to_jpeg" }

func (s *OpaquePNGToJPEGStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	if img.Format != core.FormatPNG || img.Meta.HasAlpha {
		return img, nil
	}
	out := *img
	out.Format = core.FormatJPEG
	out.Meta.Format = core.FormatJPEG
	return &out, nil
}

// ── Format conversion ─────────────────────────────────────────────────────────

// FormatStep converts the image to a new format (sets img.Format for the
// subsequent encode step to pick up).
type FormatStep struct {
	Format core.Format
}

func (s *FormatStep) Name() string { return "format" }

func (s *FormatStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	out := *img
	out.Format = s.Format
	out.Meta.Format = s.Format
	return &out, nil
}

// ── Encode ────────────────────────────────────────────────────────────────────

// EncodeStep serialises the pixel buffer into encoded bytes using the registry.
type EncodeStep struct {
	Registry    core.Registry
	BaseOptions core.EncodeOptions
}

func (s *EncodeStep) Name() string { return "encode" }

func (s *EncodeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	enc, ok := s.Registry.EncoderFor(img.Format)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryEncode, s.Name(),
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, img.Format))
	}

	opts := s.BaseOptions
	if img.Quality > 0 {
		opts.Quality = img.Quality
	}
	if img.StripMetadata {
		opts.StripEXIF = true
	}

	data, err := enc.Encode(ctx, img, opts)
	if err != nil {
		return nil, err
	}

	out := *img
	out.Data = data
	out.Meta.SizeBytes = int64(len(data))
	return &out, nil
}

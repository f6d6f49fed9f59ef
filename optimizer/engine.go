// Package optimizer runs the single-image optimization pipeline:
// type gate, backup, transform, WebP derivative, mark.
//
// Every stage is a hard precondition for the next.  A failed stage stops the
// pipeline and nothing already done is rolled back; restoring from backup is
// the recovery path.
package optimizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Skryldev/image-optimizer/backup"
	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/errlog"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/hooks"
	"github.com/Skryldev/image-optimizer/layout"
	"github.com/Skryldev/image-optimizer/pipeline"
	"github.com/Skryldev/image-optimizer/state"
)

// CategoryMark is the stage reported when the marker cannot be written.
const CategoryMark apperrors.Category = "mark"

// Registrar records newly uploaded images in the catalog.
type Registrar interface {
	Register(ctx context.Context, asset core.Asset) (core.Asset, error)
}

// Engine is the pipeline engine.  It is safe for concurrent use, although
// nothing synchronises two runs over the same file.
type Engine struct {
	cfg      config.Config
	registry core.Registry
	proc     *core.Processor
	toolkit  pipeline.Toolkit
	backups  *backup.Store
	markers  state.MarkerStore

	errlog    errlog.Sink
	logger    core.Logger
	metrics   core.MetricsCollector
	registrar Registrar
	hooks     []core.Hook
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(l core.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics records one outcome per processed image.
func WithMetrics(m core.MetricsCollector) Option { return func(e *Engine) { e.metrics = m } }

// WithErrorLog sets the sink receiving one line per failed image.
func WithErrorLog(s errlog.Sink) Option { return func(e *Engine) { e.errlog = s } }

// WithRegistrar registers uploaded images with a catalog.
func WithRegistrar(r Registrar) Option { return func(e *Engine) { e.registrar = r } }

// WithToolkit selects the resize and metadata steps.  Defaults to the pure-Go
// toolkit configured by cfg.Resampler.
func WithToolkit(t pipeline.Toolkit) Option { return func(e *Engine) { e.toolkit = t } }

// WithHooks attaches step observers to both the transform and WebP stages.
func WithHooks(h ...core.Hook) Option { return func(e *Engine) { e.hooks = append(e.hooks, h...) } }

// New builds an Engine.  reg supplies the codecs.
func New(cfg config.Config, reg core.Registry, backups *backup.Store, markers state.MarkerStore, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		registry: reg,
		backups:  backups,
		markers:  markers,
		errlog:   errlog.Discard{},
		logger:   hooks.NopLogger{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.toolkit == nil {
		e.toolkit = pipeline.StdToolkit{Resampler: pipeline.Resampler(cfg.Resampler)}
	}
	e.proc = core.New(cfg, reg)
	for _, h := range e.hooks {
		e.proc.AddHook(h)
	}
	return e
}

// Markers returns the state tracker the engine marks images in.
func (e *Engine) Markers() state.MarkerStore { return e.markers }

// Processor returns the step runner used by the transform stage.
func (e *Engine) Processor() *core.Processor { return e.proc }

// Process runs the full pipeline over the image at path.  It never consults
// the marker first; callers that want to skip finished images must check
// IsOptimized themselves.
func (e *Engine) Process(ctx context.Context, path, mimeType string) core.Outcome {
	start := time.Now()
	out := e.process(ctx, path, mimeType)
	e.finish(out, time.Since(start))
	return out
}

func (e *Engine) process(ctx context.Context, path, mimeType string) core.Outcome {
	// 1. Type gate.
	if !core.IsSupportedMime(mimeType) {
		return core.Skipped(path, apperrors.CategoryUnsupportedType,
			fmt.Sprintf("unsupported type %q", mimeType))
	}

	// 2. Backup.
	res, err := e.backups.EnsureBackup(ctx, path)
	if err != nil {
		return core.Failed(path, apperrors.CategoryBackup, err)
	}

	// 3. Transform.
	tr, err := e.transform(ctx, path, mimeType)
	if err != nil {
		out := core.Failed(path, apperrors.CategoryOptimize, err)
		out.BackupCreated = res.Created
		return out
	}

	out := core.Optimized(path)
	out.BackupCreated = res.Created
	out.Path = tr.path
	out.Resized = tr.resized
	out.Converted = tr.converted
	out.OriginalBytes = tr.originalBytes
	out.OptimizedBytes = int64(len(tr.data))

	fail := func(stage apperrors.Category, err error) core.Outcome {
		f := core.Failed(path, stage, err)
		f.Path, f.Converted, f.Resized, f.BackupCreated = out.Path, out.Converted, out.Resized, out.BackupCreated
		return f
	}

	// 4. WebP derivative, from the optimized bytes.
	webpPath := layout.WebPPath(tr.path)
	n, err := e.deriveWebP(ctx, tr.data, tr.format, webpPath)
	if err != nil {
		return fail(apperrors.CategoryWebP, err)
	}
	out.WebPPath = webpPath
	out.WebPBytes = n

	// 5. Mark.
	if err := e.markers.Mark(ctx, tr.path); err != nil {
		return fail(CategoryMark, err)
	}
	return out
}

type transformed struct {
	path          string
	format        core.Format
	data          []byte
	originalBytes int64
	resized       bool
	converted     bool
}

func (e *Engine) transform(ctx context.Context, path, mimeType string) (*transformed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	probe := &inspectStep{}
	steps := []core.Step{
		&pipeline.DecodeStep{Registry: e.registry},
		// Orientation is applied while stripping, so MaxWidth bounds the
		// displayed width.
		e.toolkit.StripMetadata(),
		probe,
		e.toolkit.FitWidth(e.cfg.MaxWidth),
		&pipeline.QualityStep{Quality: e.cfg.Quality},
		&pipeline.OpaquePNGToJPEGStep{},
		&pipeline.EncodeStep{Registry: e.registry},
	}
	result, err := e.proc.Process(ctx, core.Source{Reader: f, ContentType: mimeType}, steps...)
	if err != nil {
		return nil, err
	}
	f.Close()

	img := result.Primary
	tr := &transformed{
		path:          path,
		format:        img.Format,
		data:          img.Data,
		originalBytes: img.OriginalSize,
		resized:       img.Meta.Width < probe.width,
	}
	// PNG bytes behind a .jpg name are re-encoded in place.
	if probe.format == core.FormatPNG && img.Format == core.FormatJPEG {
		if jpg := layout.JPEGPath(path); !strings.EqualFold(jpg, path) {
			tr.path = jpg
			tr.converted = true
		}
	}

	if err := e.write(tr.path, tr.data); err != nil {
		return nil, err
	}
	if tr.converted {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("optimizer.remove_converted_source", "path", path, "error", err)
		}
	}
	return tr, nil
}

func (e *Engine) deriveWebP(ctx context.Context, data []byte, format core.Format, dst string) (int64, error) {
	p := pipeline.New().
		Use(
			&pipeline.DecodeStep{Registry: e.registry},
			&pipeline.QualityStep{Quality: e.cfg.Quality},
			&pipeline.FormatStep{Format: core.FormatWebP},
			&pipeline.EncodeStep{Registry: e.registry, BaseOptions: core.EncodeOptions{StripEXIF: true}},
		).
		AddHook(e.hooks...).
		WithRetry(e.cfg.MaxRetries, e.cfg.RetryDelay)

	img, _, err := p.Run(ctx, &core.ImageData{
		Data:         data,
		Format:       format,
		OriginalSize: int64(len(data)),
	})
	if err != nil {
		return 0, err
	}
	if err := e.write(dst, img.Data); err != nil {
		return 0, err
	}
	return int64(len(img.Data)), nil
}

// write replaces dst with data.  With AtomicWrites the bytes go to a temp
// sibling first and are renamed into place.
func (e *Engine) write(dst string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(dst); err == nil {
		mode = info.Mode().Perm()
	}
	if !e.cfg.AtomicWrites {
		return os.WriteFile(dst, data, mode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, dst); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func (e *Engine) finish(out core.Outcome, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordOutcome(out.Status)
	}
	switch out.Status {
	case core.StatusError:
		e.errlog.Append(out.SourcePath, out.Message)
		e.logger.Error("optimizer.process.failed",
			"path", out.SourcePath,
			"stage", out.Stage,
			"error", out.Message,
		)
	case core.StatusSkipped:
		e.logger.Debug("optimizer.process.skipped",
			"path", out.SourcePath,
			"reason", out.Message,
		)
	default:
		e.logger.Info("optimizer.process.done",
			"path", out.Path,
			"before", humanize.Bytes(uint64(out.OriginalBytes)),
			"after", humanize.Bytes(uint64(out.OptimizedBytes)),
			"webp", humanize.Bytes(uint64(out.WebPBytes)),
			"resized", out.Resized,
			"converted", out.Converted,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}

// inspectStep records the decoded geometry for the outcome.
type inspectStep struct {
	width  int
	format core.Format
}

func (s *inspectStep) Name() string { return "inspect" }

func (s *inspectStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	s.width = img.Meta.Width
	s.format = img.Format
	return img, nil
}

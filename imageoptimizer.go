// Package imageoptimizer optimizes uploaded JPEG and PNG images in place,
// derives a WebP sibling for each one and keeps an untouched backup of every
// original.
//
// An Optimizer wires the pipeline engine, the batch coordinator, the backup
// store, the optimization markers and the error log from a config.Config:
//
//	opt, err := imageoptimizer.New(cfg, imageoptimizer.WithLogger(logger))
//	out := opt.Optimize(ctx, "/srv/uploads/photo.jpg", "image/jpeg")
package imageoptimizer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Skryldev/image-optimizer/adapters/decoder"
	"github.com/Skryldev/image-optimizer/adapters/encoder"
	"github.com/Skryldev/image-optimizer/adapters/storage"
	"github.com/Skryldev/image-optimizer/backup"
	"github.com/Skryldev/image-optimizer/batch"
	"github.com/Skryldev/image-optimizer/catalog"
	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/errlog"
	"github.com/Skryldev/image-optimizer/hooks"
	"github.com/Skryldev/image-optimizer/optimizer"
	"github.com/Skryldev/image-optimizer/pipeline"
	"github.com/Skryldev/image-optimizer/rewrite"
	"github.com/Skryldev/image-optimizer/state"
)

// Re-export Format constants for convenience.
const (
	JPEG = core.FormatJPEG
	PNG  = core.FormatPNG
	WebP = core.FormatWebP
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// NewStdRegistry returns a registry holding the pure-Go JPEG, PNG and WebP
// codecs.
func NewStdRegistry(quality int) *core.DefaultRegistry {
	reg := core.NewRegistry()
	reg.RegisterDecoder(core.FormatJPEG, decoder.NewJPEG())
	reg.RegisterDecoder(core.FormatPNG, decoder.NewPNG())
	reg.RegisterDecoder(core.FormatWebP, decoder.NewWebP())
	reg.RegisterEncoder(core.FormatJPEG, encoder.NewJPEG(quality))
	reg.RegisterEncoder(core.FormatPNG, encoder.NewPNG())
	reg.RegisterEncoder(core.FormatWebP, encoder.NewWebP(quality))
	return reg
}

// Optimizer is the primary entry point.
type Optimizer struct {
	cfg config.Config
	reg *core.DefaultRegistry

	engine   *optimizer.Engine
	coord    *batch.Coordinator
	backups  *backup.Store
	markers  state.MarkerStore
	storage  core.StorageAdapter
	catalog  catalog.Catalog
	resolver *rewrite.Resolver
	errlog   *errlog.File

	logger  core.Logger
	metrics core.MetricsCollector
	toolkit pipeline.Toolkit
	hooks   []core.Hook
	closers []func() error
}

// Option customises an Optimizer.
type Option func(*Optimizer)

// WithLogger attaches a structured logger.  Pipeline steps are logged at
// debug level.
func WithLogger(l core.Logger) Option { return func(o *Optimizer) { o.logger = l } }

// WithMetrics attaches a metrics collector fed by every step and outcome.
func WithMetrics(m core.MetricsCollector) Option { return func(o *Optimizer) { o.metrics = m } }

// WithHook registers an observer for pipeline step events.
func WithHook(h core.Hook) Option { return func(o *Optimizer) { o.hooks = append(o.hooks, h) } }

// WithToolkit replaces the resize and metadata steps, e.g. with the libvips
// ones.  Register the matching codecs through Registry().
func WithToolkit(t pipeline.Toolkit) Option { return func(o *Optimizer) { o.toolkit = t } }

// WithMarkers overrides the marker store selected by the configuration.
func WithMarkers(m state.MarkerStore) Option { return func(o *Optimizer) { o.markers = m } }

// WithStorage overrides the backup storage selected by the configuration.
func WithStorage(s core.StorageAdapter) Option { return func(o *Optimizer) { o.storage = s } }

// WithCatalog overrides the catalog selected by the configuration.
func WithCatalog(c catalog.Catalog) Option { return func(o *Optimizer) { o.catalog = c } }

// New validates cfg and builds a fully wired Optimizer.  Call Close when done.
func New(cfg config.Config, opts ...Option) (*Optimizer, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	o := &Optimizer{cfg: cfg, reg: NewStdRegistry(cfg.Quality)}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = hooks.NopLogger{}
	} else {
		o.hooks = append(o.hooks, hooks.NewLoggingHook(o.logger))
	}
	if o.metrics != nil {
		o.hooks = append(o.hooks, hooks.NewMetricsHook(o.metrics))
	}

	if err := o.wire(); err != nil {
		o.Close()
		return nil, err
	}
	return o, nil
}

func (o *Optimizer) wire() error {
	cfg := o.cfg
	var err error

	if o.markers == nil {
		if o.markers, err = newMarkers(cfg); err != nil {
			return err
		}
		if c, ok := o.markers.(interface{ Close() error }); ok {
			o.closers = append(o.closers, c.Close)
		}
	}
	if o.storage == nil {
		if o.storage, err = newStorage(cfg); err != nil {
			return err
		}
	}
	if o.catalog == nil {
		if o.catalog, err = newCatalog(cfg); err != nil {
			return err
		}
		if c, ok := o.catalog.(interface{ Close() error }); ok {
			o.closers = append(o.closers, c.Close)
		}
	}
	if o.resolver, err = rewrite.NewResolver(cfg.HTTP.BaseURL, cfg.UploadsDir); err != nil {
		return fmt.Errorf("imageoptimizer: http base url: %w", err)
	}

	o.errlog = errlog.New(cfg.ErrorLog(), errlog.WithLogger(o.logger))
	backupOpts := []backup.Option{backup.WithLogger(o.logger)}
	if r, ok := o.catalog.(backup.PathRelocator); ok {
		backupOpts = append(backupOpts, backup.WithRelocator(r))
	}
	o.backups = backup.New(o.storage, o.markers, cfg.UploadsDir, backupOpts...)

	engineOpts := []optimizer.Option{
		optimizer.WithLogger(o.logger),
		optimizer.WithErrorLog(o.errlog),
		optimizer.WithHooks(o.hooks...),
	}
	if o.metrics != nil {
		engineOpts = append(engineOpts, optimizer.WithMetrics(o.metrics))
	}
	if o.toolkit != nil {
		engineOpts = append(engineOpts, optimizer.WithToolkit(o.toolkit))
	}
	if r, ok := o.catalog.(optimizer.Registrar); ok {
		engineOpts = append(engineOpts, optimizer.WithRegistrar(r))
	}
	o.engine = optimizer.New(cfg, o.reg, o.backups, o.markers, engineOpts...)
	o.coord = batch.New(o.catalog, o.engine, o.markers, cfg.PageSize,
		batch.WithLogger(o.logger),
		batch.WithErrorLog(o.errlog),
	)
	return nil
}

func newMarkers(cfg config.Config) (state.MarkerStore, error) {
	switch cfg.Markers.Backend {
	case config.MarkersRedis:
		m, err := state.NewRedisMarkers(cfg.Markers.RedisURL, cfg.Markers.Prefix, cfg.MarkerSuffix)
		if err != nil {
			return nil, fmt.Errorf("imageoptimizer: markers: %w", err)
		}
		return m, nil
	default:
		return state.NewFileMarkers(cfg.MarkerSuffix), nil
	}
}

func newStorage(cfg config.Config) (core.StorageAdapter, error) {
	switch cfg.Storage {
	case config.StorageS3:
		client, err := storage.NewMinioClient(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("imageoptimizer: backup storage: %w", err)
		}
		return storage.NewS3(client, cfg.S3.Bucket, cfg.S3.Prefix)
	default:
		return storage.NewLocal(cfg.BackupDir(), os.FileMode(cfg.Local.Permissions))
	}
}

func newCatalog(cfg config.Config) (catalog.Catalog, error) {
	switch cfg.Catalog.Backend {
	case config.CatalogSQLite:
		c, err := catalog.OpenSQLite(cfg.Catalog.DSN)
		if err != nil {
			return nil, fmt.Errorf("imageoptimizer: %w", err)
		}
		return c, nil
	default:
		return catalog.NewDirCatalog(cfg.UploadsDir, cfg.BackupDir()), nil
	}
}

// Close releases the marker store and catalog connections.
func (o *Optimizer) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	o.closers = nil
	return errors.Join(errs...)
}

// Config returns the configuration the Optimizer was built with.
func (o *Optimizer) Config() config.Config { return o.cfg }

// Registry returns the codec registry so callers can swap codecs, e.g. for
// the libvips backend.
func (o *Optimizer) Registry() core.Registry { return o.reg }

// Optimize runs the full pipeline over one image, whether or not it is
// already marked.
func (o *Optimizer) Optimize(ctx context.Context, path, mimeType string) core.Outcome {
	return o.engine.Process(ctx, path, mimeType)
}

// HandleUpload is the upload hook.  See optimizer.Engine.HandleUpload.
func (o *Optimizer) HandleUpload(ctx context.Context, desc core.UploadDescriptor) (core.UploadDescriptor, core.Outcome, error) {
	return o.engine.HandleUpload(ctx, desc)
}

// RunPage processes one batch page starting at offset.
func (o *Optimizer) RunPage(ctx context.Context, offset int) (*core.ProgressReport, error) {
	return o.coord.RunPage(ctx, core.Cursor{Offset: offset, PageSize: o.coord.PageSize()})
}

// RestoreAll copies every backup over its live file and clears its marker.
func (o *Optimizer) RestoreAll(ctx context.Context) (core.RestoreReport, error) {
	report, err := o.backups.RestoreAll(ctx)
	if err == nil {
		o.logger.Info("restore.done", "restored", report.Restored, "errors", report.Errors)
	}
	return report, err
}

// IsOptimized reports whether the image at path completed the pipeline.
func (o *Optimizer) IsOptimized(ctx context.Context, path string) (bool, error) {
	return o.markers.IsOptimized(ctx, path)
}

// Candidate returns the WebP URL for an upload URL and whether it exists.
func (o *Optimizer) Candidate(rawURL string) (string, bool) {
	return o.resolver.Candidate(rawURL)
}

// Stats returns lightweight processing statistics of the transform stage.
func (o *Optimizer) Stats() (processed, errors int64) {
	p := o.engine.Processor()
	return p.ProcessedCount(), p.ErrorCount()
}

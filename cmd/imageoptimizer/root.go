package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	imageoptimizer "github.com/Skryldev/image-optimizer"
	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/hooks"
)

const envPrefix = "IMAGEOPT"

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "imageoptimizer",
		Short:         "Optimize uploaded JPEG and PNG images and derive WebP siblings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	def := config.Default()
	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML config file (flags and IMAGEOPT_* env override it)")
	flags.String("uploads-dir", def.UploadsDir, "root directory of uploaded images")
	flags.Int("quality", def.Quality, "JPEG and WebP quality (1-100)")
	flags.Int("max-width", def.MaxWidth, "images wider than this are downsized")
	flags.Int("page-size", def.PageSize, "catalog entries per batch page")
	flags.String("backend", string(def.Backend), "codec backend: stdlib or vips")
	flags.String("resampler", def.Resampler, "resize kernel: catmullrom, bilinear, approxbilinear, nearest")
	flags.Bool("atomic-writes", def.AtomicWrites, "write optimized files to a temp sibling and rename")
	flags.String("max-image-bytes", "0", "reject images larger than this (e.g. 50MB, 0 disables)")
	flags.Int("max-retries", def.MaxRetries, "retries of transient step failures")
	flags.String("backup-dir-name", def.BackupDirName, "backup directory name under the uploads dir")
	flags.String("marker-suffix", def.MarkerSuffix, "suffix appended to marker file names")
	flags.String("error-log", "", "error log path (defaults to <uploads>/"+config.DefaultErrorLogName+")")
	flags.String("markers", string(def.Markers.Backend), "marker store: file or redis")
	flags.String("redis-url", "", "redis URL for the redis marker store")
	flags.String("redis-prefix", def.Markers.Prefix, "key prefix for the redis marker store")
	flags.String("storage", string(def.Storage), "backup storage: local or s3")
	flags.String("s3-bucket", "", "S3 bucket for backups")
	flags.String("s3-endpoint", "", "S3 endpoint (defaults to AWS)")
	flags.String("s3-region", "", "S3 region")
	flags.String("s3-prefix", "", "object key prefix for backups")
	flags.String("s3-access-key-id", "", "S3 access key (falls back to the credential chain)")
	flags.String("s3-secret-access-key", "", "S3 secret key")
	flags.Bool("s3-path-style", false, "use path-style bucket addressing")
	flags.Bool("s3-insecure", false, "connect to the S3 endpoint over plain HTTP")
	flags.String("catalog", string(def.Catalog.Backend), "image catalog: dir or sqlite")
	flags.String("catalog-dsn", "", "sqlite DSN for the sqlite catalog")
	flags.String("listen", def.HTTP.Listen, "HTTP listen address")
	flags.String("base-url", def.HTTP.BaseURL, "public URL prefix of the uploads dir")
	flags.Duration("settle-delay", def.Watch.SettleDelay, "quiet period before a new upload is processed")
	flags.String("log-level", def.Log.Level, "log level: debug, info, warn, error")
	flags.String("log-format", def.Log.Format, "log format: json or text")

	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(
		newServeCommand(v),
		newWatchCommand(v),
		newOptimizeCommand(v),
		newBatchCommand(v),
		newRestoreCommand(v),
		newConfigCommand(v),
	)
	return cmd
}

// loadConfig reads --config and overlays every flag or env var that was set.
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return cfg, err
	}
	set := func(key string, apply func()) {
		if v.IsSet(key) {
			apply()
		}
	}
	set("uploads-dir", func() { cfg.UploadsDir = v.GetString("uploads-dir") })
	set("quality", func() { cfg.Quality = v.GetInt("quality") })
	set("max-width", func() { cfg.MaxWidth = v.GetInt("max-width") })
	set("page-size", func() { cfg.PageSize = v.GetInt("page-size") })
	set("backend", func() { cfg.Backend = config.CodecBackend(v.GetString("backend")) })
	set("resampler", func() { cfg.Resampler = v.GetString("resampler") })
	set("atomic-writes", func() { cfg.AtomicWrites = v.GetBool("atomic-writes") })
	set("max-retries", func() { cfg.MaxRetries = v.GetInt("max-retries") })
	set("backup-dir-name", func() { cfg.BackupDirName = v.GetString("backup-dir-name") })
	set("marker-suffix", func() { cfg.MarkerSuffix = v.GetString("marker-suffix") })
	set("error-log", func() { cfg.ErrorLogPath = v.GetString("error-log") })
	set("markers", func() { cfg.Markers.Backend = config.MarkerBackend(v.GetString("markers")) })
	set("redis-url", func() { cfg.Markers.RedisURL = v.GetString("redis-url") })
	set("redis-prefix", func() { cfg.Markers.Prefix = v.GetString("redis-prefix") })
	set("storage", func() { cfg.Storage = config.StorageBackend(v.GetString("storage")) })
	set("s3-bucket", func() { cfg.S3.Bucket = v.GetString("s3-bucket") })
	set("s3-endpoint", func() { cfg.S3.Endpoint = v.GetString("s3-endpoint") })
	set("s3-region", func() { cfg.S3.Region = v.GetString("s3-region") })
	set("s3-prefix", func() { cfg.S3.Prefix = v.GetString("s3-prefix") })
	set("s3-access-key-id", func() { cfg.S3.AccessKeyID = v.GetString("s3-access-key-id") })
	set("s3-secret-access-key", func() { cfg.S3.SecretAccessKey = v.GetString("s3-secret-access-key") })
	set("s3-path-style", func() { cfg.S3.UsePathStyle = v.GetBool("s3-path-style") })
	set("s3-insecure", func() { cfg.S3.Insecure = v.GetBool("s3-insecure") })
	set("catalog", func() { cfg.Catalog.Backend = config.CatalogBackend(v.GetString("catalog")) })
	set("catalog-dsn", func() { cfg.Catalog.DSN = v.GetString("catalog-dsn") })
	set("listen", func() { cfg.HTTP.Listen = v.GetString("listen") })
	set("base-url", func() { cfg.HTTP.BaseURL = v.GetString("base-url") })
	set("settle-delay", func() { cfg.Watch.SettleDelay = v.GetDuration("settle-delay") })
	set("log-level", func() { cfg.Log.Level = v.GetString("log-level") })
	set("log-format", func() { cfg.Log.Format = v.GetString("log-format") })

	if v.IsSet("max-image-bytes") {
		size, err := humanize.ParseBytes(v.GetString("max-image-bytes"))
		if err != nil {
			return cfg, fmt.Errorf("parse max-image-bytes: %w", err)
		}
		cfg.MaxImageBytes = int64(size)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", cfg.Format)
}

// app is what every command needs: the wired optimizer and its logger.
type app struct {
	cfg     config.Config
	opt     *imageoptimizer.Optimizer
	log     *hooks.SlogLogger
	cleanup []func()
}

func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func newApp(cmd *cobra.Command, v *viper.Viper) (*app, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	base, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: hooks.NewSlogLogger(base.With("app", "imageoptimizer"))}

	opts := []imageoptimizer.Option{
		imageoptimizer.WithLogger(a.log),
		imageoptimizer.WithMetrics(hooks.NewPromMetrics("imageopt", nil)),
	}
	var attach func(*imageoptimizer.Optimizer)
	if cfg.Backend == config.BackendVips {
		var shutdown func()
		attach, shutdown, err = vipsBackend(cfg, &opts)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, shutdown)
	}

	opt, err := imageoptimizer.New(cfg, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	if attach != nil {
		attach(opt)
	}
	a.opt = opt
	a.cleanup = append(a.cleanup, func() {
		if err := opt.Close(); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	})
	return a, nil
}

package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Skryldev/image-optimizer/catalog"
	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/server"
	"github.com/Skryldev/image-optimizer/watcher"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and optimize new uploads as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(cmd.Context())
			srv := server.New(a.opt, server.WithLogger(a.log))
			g.Go(func() error { return srv.ListenAndServe(ctx, a.cfg.HTTP.Listen) })
			if !noWatch {
				w := newWatcher(a)
				g.Go(func() error { return w.Run(ctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch the uploads dir")
	return cmd
}

func newWatchCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Optimize new uploads as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()
			return newWatcher(a).Run(cmd.Context())
		},
	}
}

func newWatcher(a *app) *watcher.Watcher {
	return watcher.New(a.cfg.UploadsDir, a.opt.Markers(), a.opt, a.cfg.Watch.SettleDelay,
		watcher.WithExclude(a.cfg.BackupDir()),
		watcher.WithLogger(a.log),
	)
}

func newOptimizeCommand(v *viper.Viper) *cobra.Command {
	var mime string
	cmd := &cobra.Command{
		Use:   "optimize <path>...",
		Short: "Run the pipeline over the given images, marked or not",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			failed := 0
			for _, arg := range args {
				path, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				typ := mime
				if typ == "" {
					typ = catalog.MimeByExtension(path)
				}
				res := a.opt.Optimize(cmd.Context(), path, typ)
				switch res.Status {
				case core.StatusOptimized:
					fmt.Fprintf(out, "optimized %s: %s -> %s, webp %s\n", res.Path,
						humanize.Bytes(uint64(res.OriginalBytes)),
						humanize.Bytes(uint64(res.OptimizedBytes)),
						humanize.Bytes(uint64(res.WebPBytes)))
				case core.StatusSkipped:
					fmt.Fprintf(out, "skipped %s: %s\n", path, res.Message)
				default:
					failed++
					fmt.Fprintf(out, "error %s (%s): %s\n", path, res.Stage, res.Message)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d images failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mime, "mime", "", "declared MIME type (defaults to the file extension)")
	return cmd
}

func newBatchCommand(v *viper.Viper) *cobra.Command {
	var offset int
	var once bool
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Optimize the whole catalog page by page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for {
				report, err := a.opt.RunPage(cmd.Context(), offset)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s, progress %.2f%%\n", report.Message(), report.Progress)
				for _, item := range report.Items {
					if item.Status == core.StatusError {
						fmt.Fprintf(out, "  error %s: %s\n", item.Name, item.Message)
					}
				}
				if !report.Continue || once {
					if report.Continue {
						fmt.Fprintf(out, "next offset: %d\n", report.Next.Offset)
					}
					return nil
				}
				offset = report.Next.Offset
			}
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "catalog offset to start from")
	cmd.Flags().BoolVar(&once, "once", false, "process a single page and print the next offset")
	return cmd
}

func newRestoreCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Copy every backup over its live image and clear its marker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.opt.RestoreAll(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, report.String())
			for _, f := range report.Failures {
				fmt.Fprintf(out, "  %s -> %s: %s\n", f.Key, f.Target, f.Message)
			}
			if report.Errors > 0 {
				return errors.New("some backups could not be restored")
			}
			return nil
		},
	}
}

func newConfigCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

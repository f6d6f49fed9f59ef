package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Skryldev/image-optimizer/config"
)

func TestDefault_IsValid(t *testing.T) {
	if err := config.Validate(config.Default()); err != nil {
		t.Fatalf("Default() is invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"quality zero", func(c *config.Config) { c.Quality = 0 }, "Quality"},
		{"quality above 100", func(c *config.Config) { c.Quality = 101 }, "Quality"},
		{"max width", func(c *config.Config) { c.MaxWidth = 0 }, "MaxWidth"},
		{"page size", func(c *config.Config) { c.PageSize = -1 }, "PageSize"},
		{"chunk size", func(c *config.Config) { c.ChunkSize = 0 }, "ChunkSize"},
		{"uploads dir", func(c *config.Config) { c.UploadsDir = "" }, "UploadsDir"},
		{"retries", func(c *config.Config) { c.MaxRetries = -1 }, "MaxRetries"},
		{"backend", func(c *config.Config) { c.Backend = "imagemagick" }, "Backend"},
		{"resampler", func(c *config.Config) { c.Resampler = "lanczos9" }, "Resampler"},
		{"redis without url", func(c *config.Config) { c.Markers.Backend = config.MarkersRedis }, "RedisURL"},
		{"markers backend", func(c *config.Config) { c.Markers.Backend = "etcd" }, "Markers.Backend"},
		{"s3 without bucket", func(c *config.Config) { c.Storage = config.StorageS3 }, "S3.Bucket"},
		{"storage", func(c *config.Config) { c.Storage = "ftp" }, "Storage"},
		{"sqlite without dsn", func(c *config.Config) { c.Catalog.Backend = config.CatalogSQLite }, "Catalog.DSN"},
		{"catalog backend", func(c *config.Config) { c.Catalog.Backend = "mysql" }, "Catalog.Backend"},
		{"redis with url", func(c *config.Config) {
			c.Markers.Backend = config.MarkersRedis
			c.Markers.RedisURL = "redis://localhost:6379/0"
		}, ""},
		{"s3 with bucket", func(c *config.Config) {
			c.Storage = config.StorageS3
			c.S3.Bucket = "backups"
		}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := config.Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imageopt.yaml")
	raw := `quality: 70
maxWidth: 1200
uploadsDir: /srv/uploads
retryDelay: 1s
markers:
  backend: redis
  redisURL: redis://cache:6379/2
catalog:
  backend: sqlite
  dsn: /var/lib/imageopt/library.db
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Quality != 70 || cfg.MaxWidth != 1200 {
		t.Errorf("quality/maxWidth = %d/%d, want 70/1200", cfg.Quality, cfg.MaxWidth)
	}
	if cfg.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", cfg.RetryDelay)
	}
	if cfg.Markers.Backend != config.MarkersRedis || cfg.Markers.RedisURL != "redis://cache:6379/2" {
		t.Errorf("markers = %+v", cfg.Markers)
	}
	// Keys absent from the file keep their defaults.
	if cfg.PageSize != 20 {
		t.Errorf("PageSize = %d, want default 20", cfg.PageSize)
	}
	if cfg.Markers.Prefix != "imageopt:marker:" {
		t.Errorf("Markers.Prefix = %q, want default", cfg.Markers.Prefix)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("quality: [not, a, number]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(bad); err == nil {
		t.Error("expected parse error")
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg != config.Default() {
		t.Error("Load(\"\") should return the defaults")
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := config.Default()
	cfg.UploadsDir = "/srv/uploads"

	if got, want := cfg.BackupDir(), filepath.Join("/srv/uploads", config.DefaultBackupDirName); got != want {
		t.Errorf("BackupDir = %q, want %q", got, want)
	}
	if got, want := cfg.ErrorLog(), filepath.Join("/srv/uploads", config.DefaultErrorLogName); got != want {
		t.Errorf("ErrorLog = %q, want %q", got, want)
	}

	cfg.BackupDirName = ""
	if got, want := cfg.BackupDir(), filepath.Join("/srv/uploads", config.DefaultBackupDirName); got != want {
		t.Errorf("BackupDir with empty name = %q, want %q", got, want)
	}

	cfg.Local.RootDir = "/backups"
	cfg.ErrorLogPath = "/var/log/imageopt.log"
	if cfg.BackupDir() != "/backups" {
		t.Errorf("BackupDir = %q, want /backups", cfg.BackupDir())
	}
	if cfg.ErrorLog() != "/var/log/imageopt.log" {
		t.Errorf("ErrorLog = %q", cfg.ErrorLog())
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageBackend selects the storage adapter holding backups.
type StorageBackend string

const (
	StorageLocal StorageBackend = "local"
	StorageS3    StorageBackend = "s3"
)

// CodecBackend selects the image codec implementation.
type CodecBackend string

const (
	BackendStdlib CodecBackend = "stdlib"
	BackendVips   CodecBackend = "vips"
)

// MarkerBackend selects where optimization markers are recorded.
type MarkerBackend string

const (
	MarkersFile  MarkerBackend = "file"
	MarkersRedis MarkerBackend = "redis"
)

// CatalogBackend selects the image catalog enumerated by batch runs.
type CatalogBackend string

const (
	CatalogDir    CatalogBackend = "dir"
	CatalogSQLite CatalogBackend = "sqlite"
)

// DefaultBackupDirName is the directory under the uploads root that holds
// untouched originals.
const DefaultBackupDirName = "image-optimizer-backup"

// DefaultErrorLogName is the error log file name used when ErrorLogPath is empty.
const DefaultErrorLogName = "image-optimizer-errors.log"

// Config is the top-level configuration struct.  Start from Default() and
// override only what you need; it is passed explicitly to every component.
type Config struct {
	// Encoding.
	Quality   int          `yaml:"quality"`   // 1-100; recommended 75-85
	MaxWidth  int          `yaml:"maxWidth"`  // images wider than this are downsized
	Resampler string       `yaml:"resampler"` // catmullrom, bilinear, approxbilinear, nearest
	Backend   CodecBackend `yaml:"backend"`

	// Batch.
	PageSize int `yaml:"pageSize"`

	// Layout.
	UploadsDir    string `yaml:"uploadsDir"`
	BackupDirName string `yaml:"backupDirName"`
	MarkerSuffix  string `yaml:"markerSuffix"`
	ErrorLogPath  string `yaml:"errorLogPath"`

	// Write the optimized file to a temporary sibling and rename it into
	// place once the encode succeeded.
	AtomicWrites bool `yaml:"atomicWrites"`

	// Streaming / memory limits.
	MaxImageBytes int64 `yaml:"maxImageBytes"` // 0 = no limit
	ChunkSize     int   `yaml:"chunkSize"`     // streaming chunk size in bytes; default 32 KiB

	// Retry of transient step failures.
	MaxRetries int           `yaml:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay"`

	Markers MarkerConfig   `yaml:"markers"`
	Storage StorageBackend `yaml:"storage"`
	Local   LocalConfig    `yaml:"local"`
	S3      S3Config       `yaml:"s3"`
	Catalog CatalogConfig  `yaml:"catalog"`
	HTTP    HTTPConfig     `yaml:"http"`
	Watch   WatchConfig    `yaml:"watch"`
	Log     LogConfig      `yaml:"log"`
}

// MarkerConfig configures the optimization state tracker.
type MarkerConfig struct {
	Backend  MarkerBackend `yaml:"backend"`
	RedisURL string        `yaml:"redisURL"`
	Prefix   string        `yaml:"prefix"`
}

// LocalConfig configures the local filesystem storage adapter.
type LocalConfig struct {
	RootDir     string `yaml:"rootDir"` // defaults to <uploads>/<backupDirName>
	Permissions uint32 `yaml:"permissions"`
}

// S3Config configures the S3 storage adapter.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // optional custom endpoint (MinIO, etc.)
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
	Insecure        bool   `yaml:"insecure"`
	Prefix          string `yaml:"prefix"`
}

// CatalogConfig configures the image catalog.
type CatalogConfig struct {
	Backend CatalogBackend `yaml:"backend"`
	DSN     string         `yaml:"dsn"` // sqlite file path or DSN
}

// HTTPConfig configures the HTTP wrapper.
type HTTPConfig struct {
	Listen  string `yaml:"listen"`
	BaseURL string `yaml:"baseURL"` // public URL prefix of the uploads dir
}

// WatchConfig configures the upload watcher.
type WatchConfig struct {
	SettleDelay time.Duration `yaml:"settleDelay"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		Quality:       82,
		MaxWidth:      2000,
		Resampler:     "catmullrom",
		Backend:       BackendStdlib,
		PageSize:      20,
		UploadsDir:    "./uploads",
		BackupDirName: DefaultBackupDirName,
		ChunkSize:     32 * 1024,
		MaxRetries:    0,
		RetryDelay:    200 * time.Millisecond,
		Markers:       MarkerConfig{Backend: MarkersFile, Prefix: "imageopt:marker:"},
		Storage:       StorageLocal,
		Catalog:       CatalogConfig{Backend: CatalogDir},
		HTTP:          HTTPConfig{Listen: ":8080", BaseURL: "/uploads"},
		Watch:         WatchConfig{SettleDelay: 500 * time.Millisecond},
		Log:           LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML file over Default().  An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// BackupDir returns the directory that holds backups of originals.
func (c Config) BackupDir() string {
	if c.Local.RootDir != "" {
		return c.Local.RootDir
	}
	name := c.BackupDirName
	if name == "" {
		name = DefaultBackupDirName
	}
	return filepath.Join(c.UploadsDir, name)
}

// ErrorLog returns the error log path.
func (c Config) ErrorLog() string {
	if c.ErrorLogPath != "" {
		return c.ErrorLogPath
	}
	return filepath.Join(c.UploadsDir, DefaultErrorLogName)
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.Quality < 1 || c.Quality > 100 {
		return errors.New("config: Quality must be between 1 and 100")
	}
	if c.MaxWidth <= 0 {
		return errors.New("config: MaxWidth must be positive")
	}
	if c.PageSize <= 0 {
		return errors.New("config: PageSize must be positive")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: ChunkSize must be positive")
	}
	if c.UploadsDir == "" {
		return errors.New("config: UploadsDir is required")
	}
	if c.MaxRetries < 0 {
		return errors.New("config: MaxRetries must not be negative")
	}
	switch c.Backend {
	case BackendStdlib, BackendVips:
	default:
		return fmt.Errorf("config: unknown Backend %q", c.Backend)
	}
	switch c.Resampler {
	case "", "catmullrom", "bilinear", "approxbilinear", "nearest":
	default:
		return fmt.Errorf("config: unknown Resampler %q", c.Resampler)
	}
	switch c.Markers.Backend {
	case MarkersFile:
	case MarkersRedis:
		if c.Markers.RedisURL == "" {
			return errors.New("config: Markers.RedisURL is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown Markers.Backend %q", c.Markers.Backend)
	}
	switch c.Storage {
	case StorageLocal:
	case StorageS3:
		if c.S3.Bucket == "" {
			return errors.New("config: S3.Bucket is required for the s3 storage backend")
		}
	default:
		return fmt.Errorf("config: unknown Storage %q", c.Storage)
	}
	switch c.Catalog.Backend {
	case CatalogDir:
	case CatalogSQLite:
		if c.Catalog.DSN == "" {
			return errors.New("config: Catalog.DSN is required for the sqlite catalog")
		}
	default:
		return fmt.Errorf("config: unknown Catalog.Backend %q", c.Catalog.Backend)
	}
	return nil
}

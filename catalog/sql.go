package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Skryldev/image-optimizer/core"
)

// Attachment is one media library row.
type Attachment struct {
	ID        uint   `gorm:"primaryKey"`
	Path      string `gorm:"uniqueIndex;size:1024;not null"`
	MimeType  string `gorm:"index;size:64;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SQLCatalog is a media library kept in a SQL database.  Rows are listed in
// primary key order.
type SQLCatalog struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) the sqlite database at dsn.
func OpenSQLite(dsn string) (*SQLCatalog, error) {
	if dsn == "" {
		return nil, errors.New("catalog: sqlite dsn is empty")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: open sqlite: %w", err)
	}
	return NewSQLCatalog(db)
}

// NewSQLCatalog wraps an open database and migrates the attachments table.
func NewSQLCatalog(db *gorm.DB) (*SQLCatalog, error) {
	if err := db.AutoMigrate(&Attachment{}); err != nil {
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return &SQLCatalog{db: db}, nil
}

// DB exposes the underlying handle.
func (c *SQLCatalog) DB() *gorm.DB { return c.db }

// Close closes the database connection.
func (c *SQLCatalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (c *SQLCatalog) supported(ctx context.Context) *gorm.DB {
	return c.db.WithContext(ctx).Model(&Attachment{}).Where("mime_type IN ?", core.SupportedMimeTypes)
}

func (c *SQLCatalog) List(ctx context.Context, offset, limit int) ([]core.Asset, error) {
	var rows []Attachment
	if err := c.supported(ctx).Order("id").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	assets := make([]core.Asset, 0, len(rows))
	for _, r := range rows {
		assets = append(assets, r.asset())
	}
	return assets, nil
}

func (c *SQLCatalog) Count(ctx context.Context) (int, error) {
	var n int64
	if err := c.supported(ctx).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("catalog: count: %w", err)
	}
	return int(n), nil
}

// Register adds asset to the library, or returns the existing row for the
// same path.
func (c *SQLCatalog) Register(ctx context.Context, asset core.Asset) (core.Asset, error) {
	row := Attachment{Path: asset.Path, MimeType: asset.MimeType}
	err := c.db.WithContext(ctx).
		Where(Attachment{Path: asset.Path}).
		Attrs(Attachment{MimeType: asset.MimeType}).
		FirstOrCreate(&row).Error
	if err != nil {
		return core.Asset{}, fmt.Errorf("catalog: register %s: %w", asset.Path, err)
	}
	return row.asset(), nil
}

// Relocate points the row id at a new path and MIME type.
func (c *SQLCatalog) Relocate(ctx context.Context, id, path, mimeType string) error {
	pk, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return fmt.Errorf("catalog: bad id %q: %w", id, err)
	}
	res := c.db.WithContext(ctx).Model(&Attachment{}).Where("id = ?", pk).
		Updates(map[string]interface{}{"path": path, "mime_type": mimeType})
	if res.Error != nil {
		return fmt.Errorf("catalog: relocate %s: %w", id, res.Error)
	}
	return nil
}

// RelocatePath points every row at from to the path to.
func (c *SQLCatalog) RelocatePath(ctx context.Context, from, to, mimeType string) error {
	res := c.db.WithContext(ctx).Model(&Attachment{}).Where("path = ?", from).
		Updates(map[string]interface{}{"path": to, "mime_type": mimeType})
	if res.Error != nil {
		return fmt.Errorf("catalog: relocate %s: %w", from, res.Error)
	}
	return nil
}

func (r Attachment) asset() core.Asset {
	return core.Asset{ID: strconv.FormatUint(uint64(r.ID), 10), Path: r.Path, MimeType: r.MimeType}
}

var (
	_ Catalog   = (*SQLCatalog)(nil)
	_ Relocator = (*SQLCatalog)(nil)
)

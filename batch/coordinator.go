// Package batch drives the optimization engine over the catalog one page at
// a time.  Nothing is kept between pages: the caller resubmits the cursor
// returned by the previous page until Continue is false.
package batch

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/Skryldev/image-optimizer/catalog"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/errlog"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/hooks"
	"github.com/Skryldev/image-optimizer/state"
)

// DefaultPageSize is used when the coordinator is built with a page size < 1.
const DefaultPageSize = 20

// Engine runs the pipeline over one image.
type Engine interface {
	Process(ctx context.Context, path, mimeType string) core.Outcome
}

// Coordinator runs batch pages.
type Coordinator struct {
	catalog  catalog.Catalog
	engine   Engine
	markers  state.MarkerStore
	pageSize int

	logger core.Logger
	errlog errlog.Sink
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger attaches a structured logger.
func WithLogger(l core.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithErrorLog records marker probe failures in the error log.
func WithErrorLog(s errlog.Sink) Option { return func(c *Coordinator) { c.errlog = s } }

// New builds a Coordinator.
func New(cat catalog.Catalog, engine Engine, markers state.MarkerStore, pageSize int, opts ...Option) *Coordinator {
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	c := &Coordinator{
		catalog:  cat,
		engine:   engine,
		markers:  markers,
		pageSize: pageSize,
		logger:   hooks.NopLogger{},
		errlog:   errlog.Discard{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PageSize returns the fixed number of catalog entries fetched per page.
func (c *Coordinator) PageSize() int { return c.pageSize }

// RunPage processes the page starting at cur.Offset.  Per-item failures are
// reported in the returned report; the error is set only when the catalog
// cannot be read or ctx ends.
func (c *Coordinator) RunPage(ctx context.Context, cur core.Cursor) (*core.ProgressReport, error) {
	if cur.Offset < 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "batch.cursor",
			fmt.Errorf("negative offset %d", cur.Offset))
	}

	entries, err := c.catalog.List(ctx, cur.Offset, c.pageSize)
	if err != nil {
		return nil, catalogErr("batch.list", err)
	}

	report := &core.ProgressReport{Items: make([]core.ItemResult, 0, len(entries))}
	for _, asset := range entries {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryPipeline, "batch.run", err)
		}
		report.Items = append(report.Items, c.runItem(ctx, asset, report))
	}

	// Re-queried on every page: a catalog changing mid-run skews progress.
	total, err := c.catalog.Count(ctx)
	if err != nil {
		return nil, catalogErr("batch.count", err)
	}

	report.Total = total
	report.Processed = cur.Offset + len(entries)
	report.Progress = progress(report.Processed, total)
	report.Continue = report.Processed < total
	report.Next = core.Cursor{Offset: cur.Offset + c.pageSize, PageSize: c.pageSize}

	c.logger.Info("batch.page.done",
		"offset", cur.Offset,
		"fetched", len(entries),
		"optimized", report.Optimized,
		"skipped", report.Skipped,
		"errors", report.Errors,
		"processed", report.Processed,
		"total", total,
		"progress", report.Progress,
	)
	return report, nil
}

func (c *Coordinator) runItem(ctx context.Context, asset core.Asset, report *core.ProgressReport) core.ItemResult {
	item := core.ItemResult{ID: asset.ID, Name: filepath.Base(asset.Path)}

	done, err := c.markers.IsOptimized(ctx, asset.Path)
	if err != nil {
		msg := apperrors.Message(err)
		c.errlog.Append(asset.Path, msg)
		c.logger.Warn("batch.marker_probe_failed", "path", asset.Path, "error", err)
		report.Errors++
		item.Status, item.Message = core.StatusError, msg
		return item
	}
	if done {
		report.Skipped++
		item.Status, item.Message = core.StatusSkipped, "already optimized"
		return item
	}

	out := c.engine.Process(ctx, asset.Path, asset.MimeType)
	item.Status = out.Status
	switch out.Status {
	case core.StatusOptimized:
		report.Optimized++
		if out.Converted {
			item.Name = filepath.Base(out.Path)
			c.relocate(ctx, asset, out.Path)
		}
	case core.StatusSkipped:
		report.Skipped++
		item.Message = out.Message
	default:
		report.Errors++
		item.Message = out.Message
	}
	return item
}

func (c *Coordinator) relocate(ctx context.Context, asset core.Asset, path string) {
	r, ok := c.catalog.(catalog.Relocator)
	if !ok || asset.ID == "" {
		return
	}
	if err := r.Relocate(ctx, asset.ID, path, core.MimeJPEG); err != nil {
		c.logger.Warn("batch.relocate_failed", "id", asset.ID, "path", path, "error", err)
	}
}

// progress returns processed/total as a percentage rounded to two decimals.
// An empty catalog is complete.
func progress(processed, total int) float64 {
	if total <= 0 {
		return 100
	}
	return math.Round(float64(processed)/float64(total)*100*100) / 100
}

func catalogErr(op string, err error) error {
	return apperrors.New(apperrors.CategoryCatalog, op,
		fmt.Errorf("%w: %v", apperrors.ErrCatalogUnavailable, err))
}

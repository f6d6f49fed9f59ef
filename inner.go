package imageoptimizer

import (
	"github.com/Skryldev/image-optimizer/backup"
	"github.com/Skryldev/image-optimizer/batch"
	"github.com/Skryldev/image-optimizer/catalog"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/errlog"
	"github.com/Skryldev/image-optimizer/optimizer"
	"github.com/Skryldev/image-optimizer/rewrite"
	"github.com/Skryldev/image-optimizer/state"
)

// The accessors below expose the wired components for advanced use (e.g.
// mounting them in a custom server or asserting on them in tests).  Prefer the
// high-level API for normal usage.

func (o *Optimizer) Engine() *optimizer.Engine       { return o.engine }
func (o *Optimizer) Coordinator() *batch.Coordinator { return o.coord }
func (o *Optimizer) Backups() *backup.Store          { return o.backups }
func (o *Optimizer) Markers() state.MarkerStore      { return o.markers }
func (o *Optimizer) Storage() core.StorageAdapter    { return o.storage }
func (o *Optimizer) Catalog() catalog.Catalog        { return o.catalog }
func (o *Optimizer) Resolver() *rewrite.Resolver     { return o.resolver }
func (o *Optimizer) ErrorLog() *errlog.File          { return o.errlog }
func (o *Optimizer) Logger() core.Logger             { return o.logger }
func (o *Optimizer) Metrics() core.MetricsCollector  { return o.metrics }

// Package loader imports census metadata, statistics and boundaries into
// PostGIS and derives the web boundary tables the map server reads.
package loader

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/db"
	"github.com/sells-group/census-loader/internal/dispatch"
)

// Load stages recorded in census_meta.load_status.
const (
	StageMetadata   = "metadata"
	StageData       = "data"
	StageBoundaries = "boundaries"
	StageWeb        = "web"
)

// Options configures a Loader.
type Options struct {
	DataPath       string
	BoundariesPath string
	Defaults       census.YearDefaults
	Dispatcher     *dispatch.Dispatcher
	BatchSize      int

	// Ogr2ogr, when set, is the ogr2ogr binary used to import boundary
	// shapefiles into DatabaseURL instead of parsing them in process.
	Ogr2ogr     string
	DatabaseURL string
}

// Loader runs the load stages for one census year.
type Loader struct {
	pool     db.Pool
	settings *census.Settings
	opts     Options
	log      *zap.Logger
}

// New creates a Loader.
func New(pool db.Pool, settings *census.Settings, opts Options) *Loader {
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.New(dispatch.DefaultWorkers, 0)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = db.DefaultBatchSize
	}
	return &Loader{
		pool:     pool,
		settings: settings,
		opts:     opts,
		log: zap.L().With(
			zap.String("component", "loader"),
			zap.String("census_year", settings.Year),
		),
	}
}

// RunOptions selects which stages Run executes.
type RunOptions struct {
	SkipData       bool
	SkipBoundaries bool
	SkipWeb        bool
}

// Run creates the census schemas and executes the selected stages in order:
// metadata and statistics, raw boundaries, then web boundaries.
func (l *Loader) Run(ctx context.Context, ro RunOptions) error {
	start := time.Now()

	if err := db.EnsureSchemas(ctx, l.pool, l.settings.DataSchema, l.settings.BoundarySchema, l.settings.WebSchema); err != nil {
		return err
	}

	if !ro.SkipData {
		if err := l.LoadMetadata(ctx); err != nil {
			return err
		}
		if err := l.LoadDataFiles(ctx); err != nil {
			return err
		}
	}
	if !ro.SkipBoundaries {
		if err := l.LoadBoundaries(ctx); err != nil {
			return err
		}
	}
	if !ro.SkipWeb {
		if err := l.BuildWebBoundaries(ctx); err != nil {
			return err
		}
	}

	l.log.Info("census load complete", zap.Duration("duration", time.Since(start)))
	return nil
}

// dispatch runs units and turns any failure into a stage error.
func (l *Loader) dispatch(ctx context.Context, stage string, units []dispatch.Unit) error {
	if len(units) == 0 {
		l.log.Warn("nothing to load", zap.String("stage", stage))
		return nil
	}
	results := l.opts.Dispatcher.Run(ctx, units)
	failed := dispatch.Report(results, len(units))

	l.log.Info("stage finished",
		zap.String("stage", stage),
		zap.String("summary", dispatch.Summary(results, len(units))),
	)
	if failed > 0 {
		return eris.Errorf("loader: %s stage: %d of %d units failed", stage, failed, len(units))
	}
	return nil
}

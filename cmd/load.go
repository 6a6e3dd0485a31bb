package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/db"
	"github.com/sells-group/census-loader/internal/dispatch"
	"github.com/sells-group/census-loader/internal/loader"
	"github.com/sells-group/census-loader/internal/telemetry"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load census metadata, data and boundaries",
	Long: "Applies migrations, loads the metadata workbook and census CSV files, imports boundary " +
		"shapefiles and builds the web boundary tables, running independent work in parallel.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("load"); err != nil {
			return err
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "load: migrate")
		}

		settings, _, err := censusSettings(ctx, pool)
		if err != nil {
			return err
		}
		defaults, _ := census.Defaults(settings.Year)

		disp := dispatch.New(cfg.Load.MaxProcesses, cfg.Load.UnitTimeout)
		disp.Instruments = telemetry.NewInstruments()

		l := loader.New(pool, settings, loader.Options{
			DataPath:       cfg.Census.DataPath,
			BoundariesPath: cfg.Census.BoundariesPath,
			Defaults:       defaults,
			Dispatcher:     disp,
			BatchSize:      cfg.Load.BatchSize,
			Ogr2ogr:        cfg.Load.Ogr2ogrPath,
			DatabaseURL:    cfg.Store.DatabaseURL,
		})

		skipData, _ := cmd.Flags().GetBool("skip-data")
		skipBdys, _ := cmd.Flags().GetBool("skip-boundaries")
		skipWeb, _ := cmd.Flags().GetBool("skip-web")

		start := time.Now()
		if err := l.Run(ctx, loader.RunOptions{
			SkipData:       skipData,
			SkipBoundaries: skipBdys,
			SkipWeb:        skipWeb,
		}); err != nil {
			return eris.Wrap(err, "load")
		}

		zap.L().Info("census load complete",
			zap.String("census_year", settings.Year),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	},
}

func init() {
	loadCmd.Flags().Bool("skip-data", false, "skip metadata and census data files")
	loadCmd.Flags().Bool("skip-boundaries", false, "skip raw boundary shapefiles")
	loadCmd.Flags().Bool("skip-web", false, "skip building web boundary tables")
	rootCmd.AddCommand(loadCmd)
}

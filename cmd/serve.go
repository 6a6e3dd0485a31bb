package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/census-loader/internal/classify"
	"github.com/sells-group/census-loader/internal/render"
	"github.com/sells-group/census-loader/internal/telemetry"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the map data server",
	Long:  "Serves class breaks (/bins) and simplified GeoJSON boundaries (/boundaries) for web maps.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		settings, _, err := censusSettings(ctx, pool)
		if err != nil {
			return err
		}

		inst := telemetry.NewInstruments()
		engine := classify.NewEngine(pool, settings,
			classify.WithInstruments(inst),
			classify.WithTracer(telemetry.Tracer("census-loader/classify")),
			classify.WithPercentBuckets(cfg.Classify.PercentBuckets),
		)
		srv := render.NewServer(pool, settings, engine, render.Options{
			NumClasses:    cfg.Classify.NumClasses,
			Method:        classify.Method(cfg.Classify.Method),
			CacheSize:     cfg.Server.CacheSize,
			CacheMaxBytes: cfg.Server.CacheMaxBytes,
			CacheTTL:      cfg.Server.CacheTTL,
			RateLimit:     cfg.Server.RateLimit,
			RateBurst:     cfg.Server.RateBurst,
			CORSOrigins:   cfg.Server.CORSOrigins,
			Instruments:   inst,
		})

		if err := srv.ListenAndServe(ctx, fmt.Sprintf(":%d", port)); err != nil {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

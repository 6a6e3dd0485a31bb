package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/config"
	"github.com/sells-group/census-loader/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfg      *config.Config
	provider *telemetry.Provider
)

var rootCmd = &cobra.Command{
	Use:   "census-loader",
	Short: "Census data and boundary loader with choropleth classification",
	Long: "Loads ABS census statistics, metadata and boundary shapefiles into PostGIS, builds " +
		"web-optimised boundaries, and serves class breaks and simplified boundaries for web maps.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		if cfg.Telemetry.Enabled {
			p, err := telemetry.Init(cmd.Context(), version)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			provider = p
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := provider.Shutdown(context.Background()); err != nil {
			zap.L().Warn("telemetry shutdown failed", zap.Error(err))
		}
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

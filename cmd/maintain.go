package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/loader"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run census schema maintenance tasks",
	Long:  "Runs VACUUM ANALYZE and CLUSTER on the census tables and reports table statistics.",
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

		schemas := []string{cfg.Census.DataSchema, cfg.Census.BoundarySchema, cfg.Census.WebSchema}

		statsOnly, _ := cmd.Flags().GetBool("stats")
		if !statsOnly {
			zap.L().Info("running census table maintenance", zap.Strings("schemas", schemas))
			if err := loader.Maintain(ctx, pool, schemas); err != nil {
				return eris.Wrap(err, "maintain")
			}
			zap.L().Info("maintenance complete")
		}

		stats, err := loader.GetTableStats(ctx, pool, schemas)
		if err != nil {
			return eris.Wrap(err, "maintain stats")
		}
		formatTableStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	maintainCmd.Flags().Bool("stats", false, "only report table statistics")
	rootCmd.AddCommand(maintainCmd)
}

// formatTableStats writes table statistics to out.
func formatTableStats(out io.Writer, stats []loader.TableStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tROWS\tTOTAL SIZE\tINDEX SIZE\tSPATIAL\tCLUSTERED")
	for _, s := range stats {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			s.Schema+"."+s.TableName, s.RowCount, s.TotalSize, s.IndexSize,
			yesNo(s.HasSpatial), yesNo(s.Clustered))
	}
	_ = w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

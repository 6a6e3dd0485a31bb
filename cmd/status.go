package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/census-loader/internal/loader"
	versionpkg "github.com/sells-group/census-loader/internal/version"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database versions and census load status",
	Long:  "Prints server, PostGIS and GEOS versions, K-means support, runtime details and the recorded table loads.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("status"); err != nil {
			return err
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		v, err := versionpkg.Probe(ctx, pool)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		formatVersions(os.Stdout, v, versionpkg.RuntimeInfo())

		all, _ := cmd.Flags().GetBool("all-years")
		year := cfg.Census.Year
		if all {
			year = ""
		}
		rows, err := loader.LoadStatus(ctx, pool, year)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		fmt.Println()
		if len(rows) == 0 {
			fmt.Println("No loads recorded, run 'census-loader load' first.")
			return nil
		}
		formatLoadStatus(os.Stdout, rows)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("all-years", false, "show loads for every census year")
	rootCmd.AddCommand(statusCmd)
}

// formatVersions writes database and runtime versions to out.
func formatVersions(out io.Writer, v versionpkg.Versions, rt versionpkg.Runtime) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Server\t%s\n", v.Server)
	_, _ = fmt.Fprintf(w, "PostGIS\t%s\n", v.PostGIS)
	_, _ = fmt.Fprintf(w, "GEOS\t%s\n", v.GEOS)
	_, _ = fmt.Fprintf(w, "K-means\t%t\n", v.KMeansSupported())
	_, _ = fmt.Fprintf(w, "Go\t%s %s/%s (%d CPUs)\n", rt.GoVersion, rt.OS, rt.Arch, rt.CPUs)
	_, _ = fmt.Fprintf(w, "pgx\t%s\n", rt.PgxVersion)
	_ = w.Flush()
}

// formatLoadStatus writes a tabular representation of load status rows to out.
func formatLoadStatus(out io.Writer, rows []loader.StatusRow) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "YEAR\tSTAGE\tTABLE\tROWS\tDURATION\tLOADED")
	_, _ = fmt.Fprintln(w, "----\t-----\t-----\t----\t--------\t------")

	for _, r := range rows {
		d := (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Millisecond)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.CensusYear,
			r.Stage,
			r.TableName,
			r.RowCount,
			d,
			r.LoadedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

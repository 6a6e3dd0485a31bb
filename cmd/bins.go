package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/classify"
	"github.com/sells-group/census-loader/internal/telemetry"
	"github.com/sells-group/census-loader/internal/zoom"
)

var binsCmd = &cobra.Command{
	Use:   "bins",
	Short: "Print choropleth class breaks for a census statistic",
	Long: "Computes class breaks for a statistic of a census table at one boundary resolution. " +
		"The resolution and population floor come from --zoom unless --boundary is given.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("bins"); err != nil {
			return err
		}

		table, _ := cmd.Flags().GetString("table")
		stat, _ := cmd.Flags().GetString("stat")
		boundary, _ := cmd.Flags().GetString("boundary")
		z, _ := cmd.Flags().GetInt("zoom")
		method, _ := cmd.Flags().GetString("method")
		classes, _ := cmd.Flags().GetInt("classes")
		mapType, _ := cmd.Flags().GetString("map-type")
		minPop, _ := cmd.Flags().GetInt("min-population")
		asJSON, _ := cmd.Flags().GetBool("json")

		req, err := binsRequest(table, stat, boundary, z, minPop)
		if err != nil {
			return err
		}
		req.Method = classify.Method(method)
		req.MapType = classify.MapType(mapType)
		req.NumClasses = classes
		if req.NumClasses == 0 {
			req.NumClasses = cfg.Classify.NumClasses
		}
		if req.Method == "" {
			req.Method = classify.Method(cfg.Classify.Method)
		}
		if req.NumClasses < 1 || req.NumClasses > classify.MaxClasses {
			return eris.Errorf("bins: --classes must be between 1 and %d", classify.MaxClasses)
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

		engine := classify.NewEngine(pool, settings,
			classify.WithInstruments(telemetry.NewInstruments()),
			classify.WithTracer(telemetry.Tracer("census-loader/classify")),
			classify.WithPercentBuckets(cfg.Classify.PercentBuckets),
		)
		res, err := engine.Bins(ctx, req)
		if err != nil {
			return eris.Wrap(err, "bins")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		fmt.Printf("%s.%s at %s (%s, min population %d)\n",
			req.DataTable, req.StatField, req.Boundary, res.Method, req.MinPopulation)
		for i, b := range res.Bins {
			fmt.Printf("%3d  %g\n", i+1, b)
		}
		return nil
	},
}

// binsRequest resolves the boundary, data table and population floor of a
// bins query. table may be a table code ("g02") or a full data table name
// ("sa2_g02").
func binsRequest(table, stat, boundary string, z, minPop int) (classify.Request, error) {
	if table == "" || stat == "" {
		return classify.Request{}, eris.New("bins: --table and --stat are required")
	}

	var req classify.Request
	if boundary != "" {
		req.Boundary = census.Resolution(strings.ToLower(boundary))
		req.MinPopulation = classify.DefaultMinPopulation
		for _, tier := range zoom.Tiers() {
			if tier.Resolution == req.Boundary {
				req.MinPopulation = tier.MinPopulation
			}
		}
	} else {
		if z < 0 {
			return classify.Request{}, eris.New("bins: one of --boundary or --zoom is required")
		}
		tier := zoom.Resolve(z)
		req.Boundary = tier.Resolution
		req.MinPopulation = tier.MinPopulation
	}
	if minPop >= 0 {
		req.MinPopulation = minPop
	}

	req.DataTable = census.DataTableName(req.Boundary, table)
	req.StatField = stat
	return req, nil
}

func init() {
	binsCmd.Flags().String("table", "", "census table code (e.g. g02) or data table name")
	binsCmd.Flags().String("stat", "", "statistic column (e.g. median_age_persons)")
	binsCmd.Flags().String("boundary", "", "boundary resolution (e.g. sa2); overrides --zoom")
	binsCmd.Flags().Int("zoom", -1, "map zoom level selecting the boundary resolution")
	binsCmd.Flags().String("method", "", "kmeans, equal_interval or equal_count (default from config)")
	binsCmd.Flags().Int("classes", 0, "number of classes (default from config)")
	binsCmd.Flags().String("map-type", "values", "values or percent")
	binsCmd.Flags().Int("min-population", -1, "population floor for K-means (default from zoom tier)")
	binsCmd.Flags().Bool("json", false, "print JSON")
	rootCmd.AddCommand(binsCmd)
}

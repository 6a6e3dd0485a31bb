package loader

import (
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/dispatch"
)

var errTest = errors.New("test error")

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testSettings(t *testing.T, boundaries ...census.Resolution) *census.Settings {
	t.Helper()
	d, ok := census.Defaults("2016")
	require.True(t, ok)

	s := &census.Settings{
		Year:            "2016",
		DataSchema:      "census_2016_data",
		BoundarySchema:  "census_2016_bdys",
		WebSchema:       "census_2016_web",
		RegionIDField:   d.RegionIDField,
		Boundaries:      d.Boundaries,
		PopulationTable: d.PopulationTable,
		PopulationStat:  d.PopulationStat,
	}
	if len(boundaries) > 0 {
		s.Boundaries = nil
		for _, b := range d.Boundaries {
			for _, want := range boundaries {
				if b.Boundary == want {
					s.Boundaries = append(s.Boundaries, b)
				}
			}
		}
	}
	return s
}

func newTestLoader(t *testing.T, settings *census.Settings, opts Options) (*Loader, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	if opts.Defaults.DataFilePrefix == "" {
		opts.Defaults, _ = census.Defaults(settings.Year)
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.New(1, 0)
	}
	return New(mock, settings, opts), mock
}

func expectRecord(mock pgxmock.PgxPoolIface, stage, table string) {
	mock.ExpectExec("INSERT INTO census_meta.load_status").
		WithArgs("2016", stage, table, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

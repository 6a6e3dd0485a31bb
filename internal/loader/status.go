package loader

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/db"
)

// StatusRow is one row of census_meta.load_status.
type StatusRow struct {
	CensusYear string    `json:"census_year"`
	Stage      string    `json:"stage"`
	TableName  string    `json:"table_name"`
	RowCount   int64     `json:"row_count"`
	DurationMs int       `json:"duration_ms"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// RecordLoad upserts the load status of one table.
func RecordLoad(ctx context.Context, pool db.Pool, year, stage, table string, rows int64, d time.Duration) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO census_meta.load_status (census_year, stage, table_name, row_count, duration_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (census_year, stage, table_name) DO UPDATE SET
			row_count = EXCLUDED.row_count,
			duration_ms = EXCLUDED.duration_ms,
			loaded_at = now()`,
		year, stage, table, rows, int(d.Milliseconds()),
	)
	if err != nil {
		return eris.Wrapf(err, "loader: record load status %s", table)
	}
	return nil
}

// LoadStatus returns every recorded load, optionally limited to one year.
func LoadStatus(ctx context.Context, pool db.Pool, year string) ([]StatusRow, error) {
	rows, err := pool.Query(ctx, `
		SELECT census_year, stage, table_name, row_count, COALESCE(duration_ms, 0), loaded_at
		FROM census_meta.load_status
		WHERE $1 = '' OR census_year = $1
		ORDER BY census_year, stage, table_name`, year)
	if err != nil {
		return nil, eris.Wrap(err, "loader: query load status")
	}
	defer rows.Close()

	var status []StatusRow
	for rows.Next() {
		var sr StatusRow
		if err := rows.Scan(&sr.CensusYear, &sr.Stage, &sr.TableName, &sr.RowCount, &sr.DurationMs, &sr.LoadedAt); err != nil {
			return nil, eris.Wrap(err, "loader: scan load status row")
		}
		status = append(status, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "loader: iterate load status rows")
	}
	return status, nil
}

// record logs instead of failing when the status row cannot be written.
func (l *Loader) record(ctx context.Context, stage, table string, rows int64, start time.Time) {
	if err := RecordLoad(ctx, l.pool, l.settings.Year, stage, table, rows, time.Since(start)); err != nil {
		l.log.Warn("failed to record load status", zap.String("table", table), zap.Error(err))
	}
}

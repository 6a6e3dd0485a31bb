package loader

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/db"
)

// TableStats holds size and row count information for a census table.
type TableStats struct {
	Schema     string `json:"schema"`
	TableName  string `json:"table_name"`
	RowCount   int64  `json:"row_count"`
	TotalSize  string `json:"total_size"`
	IndexSize  string `json:"index_size"`
	HasSpatial bool   `json:"has_spatial"`
	Clustered  bool   `json:"clustered"`
}

// Identifier returns the schema-qualified table identifier.
func (s TableStats) Identifier() pgx.Identifier {
	return pgx.Identifier{s.Schema, s.TableName}
}

// GetTableStats returns size and row count statistics for every table in
// schemas, largest first.
func GetTableStats(ctx context.Context, pool db.Pool, schemas []string) ([]TableStats, error) {
	sql := `
		SELECT
			s.schemaname,
			s.relname,
			s.n_live_tup,
			pg_size_pretty(pg_total_relation_size(s.relid)),
			pg_size_pretty(pg_indexes_size(s.relid)),
			EXISTS (
				SELECT 1 FROM pg_indexes
				WHERE schemaname = s.schemaname AND tablename = s.relname
				AND indexdef LIKE '%USING gist%'
			),
			EXISTS (
				SELECT 1 FROM pg_index i
				WHERE i.indrelid = s.relid AND i.indisclustered
			)
		FROM pg_stat_user_tables s
		WHERE s.schemaname = ANY($1)
		ORDER BY pg_total_relation_size(s.relid) DESC`

	rows, err := pool.Query(ctx, sql, schemas)
	if err != nil {
		return nil, eris.Wrap(err, "loader: query table stats")
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(&s.Schema, &s.TableName, &s.RowCount, &s.TotalSize, &s.IndexSize, &s.HasSpatial, &s.Clustered); err != nil {
			return nil, eris.Wrap(err, "loader: scan table stats row")
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "loader: iterate table stats rows")
	}
	return stats, nil
}

// Maintain runs VACUUM ANALYZE on every table in schemas and re-clusters
// the tables that have a clustering index.
func Maintain(ctx context.Context, pool db.Pool, schemas []string) error {
	stats, err := GetTableStats(ctx, pool, schemas)
	if err != nil {
		return err
	}

	log := zap.L().With(zap.String("component", "loader.maintain"))
	for _, s := range stats {
		name := s.Identifier().Sanitize()

		log.Info("vacuum analyze", zap.String("table", name))
		if _, err := pool.Exec(ctx, "VACUUM ANALYZE "+name); err != nil {
			return eris.Wrapf(err, "loader: vacuum analyze %s", name)
		}
		if !s.Clustered {
			continue
		}
		log.Info("cluster", zap.String("table", name))
		if _, err := pool.Exec(ctx, "CLUSTER "+name); err != nil {
			return eris.Wrapf(err, "loader: cluster %s", name)
		}
	}
	return nil
}

// Package db provides the shared Postgres pool abstraction, COPY helpers,
// key-range partitioning of large statements, and schema migrations.
package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultBatchSize is the number of rows sent per COPY round trip.
const DefaultBatchSize = 50000

// CopyRows bulk-inserts rows into table using the COPY protocol, batching in
// chunks of batchSize (0 = DefaultBatchSize). It returns the number of rows
// copied before any failure.
func CopyRows(ctx context.Context, pool Pool, table pgx.Identifier, columns []string, rows [][]any, batchSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	name := strings.Join(table, ".")
	log := zap.L().With(
		zap.String("component", "db.copy"),
		zap.String("table", name),
		zap.Int("total_rows", len(rows)),
	)

	var total int64
	for i := 0; i < len(rows); i += batchSize {
		end := min(i+batchSize, len(rows))

		n, err := pool.CopyFrom(ctx, table, columns, pgx.CopyFromRows(rows[i:end]))
		if err != nil {
			return total, eris.Wrapf(err, "db: COPY INTO %s (batch %d-%d)", name, i, end)
		}
		total += n

		log.Debug("batch copied",
			zap.Int("batch_start", i),
			zap.Int("batch_end", end),
			zap.Int64("batch_rows", n),
		)
	}

	return total, nil
}

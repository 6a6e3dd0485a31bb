package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// MinPartitionRows is the smallest key span worth giving its own partition.
const MinPartitionRows = 10

// ErrEmptyTable is returned when a table to split has no rows.
var ErrEmptyTable = eris.New("db: table is empty")

// KeyRange is a half-open primary-key range: Lo < key <= Hi.
type KeyRange struct {
	Lo int64
	Hi int64
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key int64) bool {
	return key > r.Lo && key <= r.Hi
}

// Partition splits [minKey, maxKey] into contiguous key ranges sized for
// target parallel workers. When the average partition would cover fewer than
// MinPartitionRows keys, partitions are widened to MinPartitionRows and fewer
// of them are produced. The final range may extend past maxKey.
func Partition(minKey, maxKey int64, target int) []KeyRange {
	if maxKey < minKey {
		return nil
	}
	if target < 1 {
		target = 1
	}

	diff := maxKey - minKey
	perPartition := diff/int64(target) + 1
	count := int64(target)

	if float64(diff)/float64(target) < MinPartitionRows {
		perPartition = MinPartitionRows
		count = diff/MinPartitionRows + 1
	}

	ranges := make([]KeyRange, 0, count)
	start := minKey - 1
	for i := int64(0); i < count; i++ {
		end := start + perPartition
		ranges = append(ranges, KeyRange{Lo: start, Hi: end})
		start = end
	}
	return ranges
}

var (
	whereRe   = regexp.MustCompile(`(?i)\bWHERE\s+`)
	groupByRe = regexp.MustCompile(`(?i)\bGROUP\s+BY\s+`)
	orderByRe = regexp.MustCompile(`(?i)\bORDER\s+BY\s+`)
)

// RangePredicate renders the SQL predicate selecting r on alias.key.
func RangePredicate(alias, key string, r KeyRange) string {
	col := pgx.Identifier{alias, key}.Sanitize()
	return fmt.Sprintf("%s > %d AND %s <= %d", col, r.Lo, col, r.Hi)
}

// InjectRange adds a key-range predicate to a template statement. The first
// WHERE clause gets the predicate ANDed in front of its existing conditions;
// failing that a WHERE clause is inserted before the first GROUP BY, then
// before the first ORDER BY, then before the final ';'. If the statement has
// none of those the clause is appended and terminated reports false.
//
// Only the first WHERE is rewritten; later ones, such as a subquery's, are
// left as they are. Templates must therefore put the outer WHERE first.
func InjectRange(sql, alias, key string, r KeyRange) (out string, terminated bool) {
	pred := RangePredicate(alias, key, r)

	if loc := whereRe.FindStringIndex(sql); loc != nil {
		return sql[:loc[0]] + "WHERE " + pred + " AND " + sql[loc[1]:], true
	}
	if loc := groupByRe.FindStringIndex(sql); loc != nil {
		return sql[:loc[0]] + "WHERE " + pred + " " + sql[loc[0]:], true
	}
	if loc := orderByRe.FindStringIndex(sql); loc != nil {
		return sql[:loc[0]] + "WHERE " + pred + " " + sql[loc[0]:], true
	}
	if i := strings.LastIndex(sql, ";"); i >= 0 {
		return strings.TrimRight(sql[:i], " \t\n") + " WHERE " + pred + sql[i:], true
	}
	return sql + " WHERE " + pred, false
}

// SplitStatement reads the key bounds of table and returns one copy of sql per
// key range, each restricted with InjectRange. It fails with ErrEmptyTable,
// carrying the bounds query, when table has no rows.
func SplitStatement(ctx context.Context, pool Pool, sql string, table pgx.Identifier, alias, key string, target int) ([]string, error) {
	log := zap.L().With(
		zap.String("component", "db.partition"),
		zap.String("table", strings.Join(table, ".")),
	)

	col := pgx.Identifier{key}.Sanitize()
	boundsSQL := fmt.Sprintf("SELECT MIN(%s) IS NULL, COALESCE(MIN(%s), 0)::bigint, COALESCE(MAX(%s), 0)::bigint FROM %s",
		col, col, col, table.Sanitize())

	var empty bool
	var minKey, maxKey int64
	if err := pool.QueryRow(ctx, boundsSQL).Scan(&empty, &minKey, &maxKey); err != nil {
		log.Error("key bounds query failed", zap.String("sql", boundsSQL), zap.Error(err))
		return nil, eris.Wrapf(err, "db: split statement: %s", boundsSQL)
	}
	if empty {
		log.Error("table to split is empty", zap.String("sql", boundsSQL))
		return nil, eris.Wrapf(ErrEmptyTable, "db: split statement: %s", boundsSQL)
	}

	ranges := Partition(minKey, maxKey, target)
	if len(ranges) < target {
		log.Info("partition count adjusted due to low row count",
			zap.Int("partitions", len(ranges)),
			zap.Int("target", target),
		)
	}

	out := make([]string, 0, len(ranges))
	for _, r := range ranges {
		stmt, terminated := InjectRange(sql, alias, key, r)
		if !terminated {
			log.Warn("no ; found at the end of the SQL statement")
		}
		if _, err := pg_query.Parse(stmt); err != nil {
			return nil, eris.Wrapf(err, "db: split statement produced invalid SQL: %s", stmt)
		}
		out = append(out, stmt)
	}
	return out, nil
}

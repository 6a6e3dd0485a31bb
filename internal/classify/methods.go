package classify

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/census-loader/internal/census"
)

// KMeans clusters the filtered values of q into numClasses groups along a
// line and returns each cluster's maximum, ascending. Only areas with more
// than minPopulation people are considered. Query failures are logged and
// return nil.
func (e *Engine) KMeans(ctx context.Context, q census.StatQuery, numClasses, minPopulation int) []float64 {
	col := q.Column()
	sql := fmt.Sprintf(`
		WITH points AS (
			SELECT %[1]s AS val, ST_MakePoint(%[1]s, 0) AS pnt
			%[2]s
			%[3]s
		), sub AS (
			SELECT val, ST_ClusterKMeans(pnt, $1) OVER () AS cluster_id FROM points
		)
		SELECT MAX(val) AS val FROM sub GROUP BY cluster_id ORDER BY val`,
		col, q.From(), q.Where("$2"))

	bins, err := e.queryBins(ctx, sql, numClasses, minPopulation)
	if err != nil {
		e.logFailure("kmeans bins failed", q, err)
		return nil
	}
	return bins
}

// EqualInterval splits the range of the filtered values of q into numClasses
// equal bands and returns the start of each band, beginning with the minimum.
// Unlike the other methods these are lower bounds, which is what map legends
// built on equal interval breaks expect.
func (e *Engine) EqualInterval(ctx context.Context, q census.StatQuery, numClasses int) ([]float64, error) {
	if numClasses < 1 {
		return nil, eris.Wrapf(ErrInvalidClasses, "classify: got %d", numClasses)
	}
	col := q.Column()
	sql := fmt.Sprintf(`SELECT COUNT(%[1]s), COALESCE(MIN(%[1]s), 0), COALESCE(MAX(%[1]s), 0) %[2]s %[3]s`,
		col, q.From(), q.Where("$1"))

	var (
		n      int64
		lo, hi float64
	)
	if err := e.pool.QueryRow(ctx, sql, DefaultMinPopulation).Scan(&n, &lo, &hi); err != nil {
		e.logFailure("equal interval bins failed", q, err)
		return nil, eris.Wrapf(err, "classify: equal interval %s.%s", q.Data.Sanitize(), q.Stat)
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrInsufficientData, "classify: equal interval %s.%s", q.Data.Sanitize(), q.Stat)
	}

	return IntervalStarts(lo, hi, numClasses), nil
}

// IntervalStarts returns the lower bound of each of n equal bands over
// [lo, hi].
func IntervalStarts(lo, hi float64, n int) []float64 {
	delta := (hi - lo) / float64(n)
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + float64(i)*delta
	}
	return out
}

// EqualCount ranks the filtered values of q into numClasses groups of equal
// size and returns each group's maximum, in group order. Query failures are
// logged and return nil.
func (e *Engine) EqualCount(ctx context.Context, q census.StatQuery, numClasses int) []float64 {
	col := q.Column()
	sql := fmt.Sprintf(`
		WITH classes AS (
			SELECT %[1]s AS val, ntile($1) OVER (ORDER BY %[1]s) AS class_id
			%[2]s
			%[3]s
		)
		SELECT MAX(val) AS val FROM classes GROUP BY class_id ORDER BY class_id`,
		col, q.From(), q.Where("$2"))

	bins, err := e.queryBins(ctx, sql, numClasses, DefaultMinPopulation)
	if err != nil {
		e.logFailure("equal count bins failed", q, err)
		return nil
	}
	return bins
}

func (e *Engine) queryBins(ctx context.Context, sql string, numClasses, minPopulation int) ([]float64, error) {
	rows, err := e.pool.Query(ctx, sql, numClasses, minPopulation)
	if err != nil {
		return nil, eris.Wrap(err, "classify: query bins")
	}
	defer rows.Close()

	var bins []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "classify: scan bin")
		}
		bins = append(bins, v)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "classify: iterate bins")
	}
	return bins, nil
}

package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/db"
	"github.com/sells-group/census-loader/internal/dispatch"
)

// snapGrid is the coordinate grid, in degrees, web geometries are snapped
// to before being repaired.
const snapGrid = 0.0000001

// BuildWebBoundaries derives <web_schema>.<boundary> for every configured
// boundary with a loaded raw table. Each table holds id, name, area (km²),
// population and geom. The insert for a boundary is split into key ranges
// over the raw table and the ranges run in parallel.
func (l *Loader) BuildWebBoundaries(ctx context.Context) error {
	for _, meta := range l.settings.Boundaries {
		if err := l.buildWebBoundary(ctx, meta); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) buildWebBoundary(ctx context.Context, meta census.BoundaryMeta) error {
	start := time.Now()
	log := l.log.With(zap.String("boundary", string(meta.Boundary)))

	raw, err := l.settings.RawBoundaryTable(meta.Boundary)
	if err != nil {
		return err
	}
	exists, err := tableExists(ctx, l.pool, raw)
	if err != nil {
		return err
	}
	if !exists {
		log.Info("no raw boundary table, skipping web table")
		return nil
	}

	web, err := l.settings.WebTable(meta.Boundary)
	if err != nil {
		return err
	}
	pop, err := l.settings.DataTableFor(meta.Boundary, l.settings.PopulationTable)
	if err != nil {
		return err
	}
	hasPop, err := tableExists(ctx, l.pool, pop)
	if err != nil {
		return err
	}
	if !hasPop {
		log.Warn("population table missing, web boundaries will have zero population",
			zap.String("table", pop.Sanitize()))
	}

	if _, err := l.pool.Exec(ctx, createWebSQL(web)); err != nil {
		return eris.Wrapf(err, "loader: create %s", web.Sanitize())
	}

	insert := webInsertSQL(l.settings, meta, raw, web, pop, hasPop)
	statements, err := db.SplitStatement(ctx, l.pool, insert, raw, "bdy", "gid", l.opts.Dispatcher.Workers)
	if err != nil {
		return eris.Wrapf(err, "loader: split web insert for %s", meta.Boundary)
	}
	if err := l.dispatch(ctx, StageWeb, dispatch.SQLUnits(l.pool, "web "+string(meta.Boundary), statements)); err != nil {
		return err
	}

	name := web.Sanitize()
	index := pgx.Identifier{string(meta.Boundary) + "_web_geom_idx"}.Sanitize()
	post := []string{
		fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (id)", name),
		fmt.Sprintf("CREATE INDEX %s ON %s USING gist (geom)", index, name),
		fmt.Sprintf("ALTER TABLE %s CLUSTER ON %s", name, index),
		"ANALYZE " + name,
	}
	for _, sql := range post {
		if _, err := l.pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "loader: finish %s", name)
		}
	}

	var n int64
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+name).Scan(&n); err != nil {
		return eris.Wrapf(err, "loader: count %s", name)
	}
	l.record(ctx, StageWeb, string(meta.Boundary), n, start)
	log.Info("web boundary built", zap.Int64("rows", n), zap.Duration("duration", time.Since(start)))
	return nil
}

func createWebSQL(web pgx.Identifier) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %[1]s CASCADE;
		CREATE TABLE %[1]s (
			id         text NOT NULL,
			name       text,
			area       double precision,
			population double precision NOT NULL DEFAULT 0,
			geom       geometry(MultiPolygon, %[2]d)
		)`, web.Sanitize(), SRID)
}

// webInsertSQL builds the insert that populates a web boundary table. Name
// and area are configured SQL expressions over the raw boundary columns.
func webInsertSQL(s *census.Settings, meta census.BoundaryMeta, raw, web, pop pgx.Identifier, hasPop bool) string {
	id := pgx.Identifier{"bdy", meta.IDField}.Sanitize()

	population := "0"
	join := ""
	if hasPop {
		population = fmt.Sprintf("COALESCE(%s, 0)", pgx.Identifier{"tab", s.PopulationStat}.Sanitize())
		join = fmt.Sprintf("LEFT OUTER JOIN %s AS tab ON %s = %s",
			pop.Sanitize(), id, pgx.Identifier{"tab", s.RegionIDField}.Sanitize())
	}

	return fmt.Sprintf(`INSERT INTO %s (id, name, area, population, geom)
		SELECT %s, %s, %s, %s, ST_Multi(ST_Buffer(ST_SnapToGrid(bdy.geom, %g), 0.0))
		FROM %s AS bdy %s
		WHERE bdy.geom IS NOT NULL;`,
		web.Sanitize(), id, meta.NameField, meta.AreaField, population, snapGrid,
		raw.Sanitize(), join)
}

func tableExists(ctx context.Context, pool db.Pool, table pgx.Identifier) (bool, error) {
	var ok bool
	if err := pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table.Sanitize()).Scan(&ok); err != nil {
		return false, eris.Wrapf(err, "loader: check %s exists", table.Sanitize())
	}
	return ok, nil
}

package render

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/db"
	"github.com/sells-group/census-loader/internal/loader"
	"github.com/sells-group/census-loader/internal/zoom"
)

// BoundaryQuery selects the boundaries of one zoom level inside a bounding
// box together with one statistic.
type BoundaryQuery struct {
	Table string // census table code, e.g. "g02"
	Stat  string
	Zoom  int
	Bound orb.Bound
}

// TileBound returns the bounds in degrees of slippy-map tile x/y at zoom z.
func TileBound(x, y uint32, z int) orb.Bound {
	return maptile.New(x, y, maptile.Zoom(z)).Bound()
}

// Boundaries loads the web boundaries for q as a GeoJSON feature collection.
// Each feature carries id, name, area, population and the statistic value
// under the statistic's name. Geometries are simplified for q.Zoom.
func Boundaries(ctx context.Context, pool db.Pool, settings *census.Settings, q BoundaryQuery) (*geojson.FeatureCollection, error) {
	tier := zoom.Resolve(q.Zoom)
	sq, err := settings.NewStatQuery(census.DataTableName(tier.Resolution, q.Table), tier.Resolution, q.Stat, false)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`SELECT bdy.id, COALESCE(bdy.name, ''), COALESCE(bdy.area, 0), bdy.population,
		COALESCE(%s, 0), ST_AsBinary(bdy.geom)
		%s
		WHERE bdy.geom && ST_MakeEnvelope($1, $2, $3, $4, %d)`,
		sq.Column(), sq.From(), loader.SRID)

	rows, err := pool.Query(ctx, sql, q.Bound.Min.X(), q.Bound.Min.Y(), q.Bound.Max.X(), q.Bound.Max.Y())
	if err != nil {
		return nil, eris.Wrapf(err, "render: query %s boundaries", tier.Resolution)
	}
	defer rows.Close()

	fc := geojson.NewFeatureCollection()
	var skipped int
	for rows.Next() {
		var (
			id, name         string
			area, pop, value float64
			raw              []byte
		)
		if err := rows.Scan(&id, &name, &area, &pop, &value, &raw); err != nil {
			return nil, eris.Wrap(err, "render: scan boundary")
		}

		g, err := wkb.Unmarshal(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "render: decode geometry of %s", id)
		}
		g = Simplify(g, q.Zoom)
		if g == nil {
			skipped++
			continue
		}

		f := geojson.NewFeature(g)
		f.ID = id
		f.Properties["id"] = id
		f.Properties["name"] = name
		f.Properties["area"] = area
		f.Properties["population"] = pop
		f.Properties[q.Stat] = value
		fc.Append(f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "render: iterate boundaries")
	}

	if skipped > 0 {
		zap.L().Debug("render: boundaries collapsed by simplification",
			zap.String("boundary", string(tier.Resolution)),
			zap.Int("zoom", q.Zoom),
			zap.Int("skipped", skipped),
		)
	}
	return fc, nil
}

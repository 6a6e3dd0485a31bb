package render

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/paulmach/orb/simplify"

	"github.com/sells-group/census-loader/internal/zoom"
)

// Simplify prepares a boundary geometry in degrees for display at zoom z.
// Vertices are removed with Visvalingam-Whyatt in web mercator metres using
// zoom.Tolerance, then coordinates are rounded to zoom.DecimalPlaces. The
// input is not modified. A geometry that collapses entirely returns nil.
func Simplify(g orb.Geometry, z int) orb.Geometry {
	if g == nil {
		return nil
	}

	merc := project.Geometry(orb.Clone(g), project.WGS84.ToMercator)
	merc = simplify.VisvalingamThreshold(zoom.Tolerance(z)).Simplify(merc)
	if empty(merc) {
		return nil
	}

	out := project.Geometry(merc, project.Mercator.ToWGS84)
	return orb.Round(out, int(math.Pow10(zoom.DecimalPlaces(z))))
}

func empty(g orb.Geometry) bool {
	switch g := g.(type) {
	case nil:
		return true
	case orb.Polygon:
		return len(g) == 0 || len(g[0]) < 4
	case orb.MultiPolygon:
		for _, p := range g {
			if len(p) > 0 && len(p[0]) >= 4 {
				return false
			}
		}
		return true
	case orb.Ring:
		return len(g) < 4
	case orb.LineString:
		return len(g) < 2
	case orb.Collection:
		for _, c := range g {
			if !empty(c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

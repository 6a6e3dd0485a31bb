// Package zoom maps web-map zoom levels to census boundary resolutions,
// minimum population thresholds and geometry simplification parameters.
package zoom

import "github.com/sells-group/census-loader/internal/census"

// Zoom range of the standard slippy-map pyramid.
const (
	MinZoom = 0
	MaxZoom = 20
)

// Tier is the boundary resolution shown from MinZoom (inclusive) until the
// next tier's MinZoom. Areas with MinPopulation or fewer people are not
// coloured at that zoom.
type Tier struct {
	MinZoom       int
	Resolution    census.Resolution
	MinPopulation int
}

var tiers = []Tier{
	{MinZoom: 0, Resolution: census.State, MinPopulation: 80},
	{MinZoom: 7, Resolution: census.SA4, MinPopulation: 40},
	{MinZoom: 9, Resolution: census.SA3, MinPopulation: 20},
	{MinZoom: 11, Resolution: census.SA2, MinPopulation: 15},
	{MinZoom: 14, Resolution: census.SA1, MinPopulation: 10},
	{MinZoom: 17, Resolution: census.MeshBlock, MinPopulation: 3},
}

// Tiers returns a copy of the zoom tier table, coarsest first.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}

// Resolve returns the tier for zoom level z. Levels below zero use the
// coarsest tier and levels past the last boundary use the finest.
func Resolve(z int) Tier {
	t := tiers[0]
	for _, candidate := range tiers[1:] {
		if z < candidate.MinZoom {
			break
		}
		t = candidate
	}
	return t
}

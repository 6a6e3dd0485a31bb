package loader

import (
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID of the GDA94 geographic coordinates used by ABS boundary files.
const SRID = 4283

// EncodeEWKB converts a shapefile polygon to a MultiPolygon in EWKB with the
// given SRID. It returns nil, nil for nil, empty or non-polygon shapes.
func EncodeEWKB(shape shp.Shape, srid int) ([]byte, error) {
	p, ok := shape.(*shp.Polygon)
	if !ok || p == nil {
		return nil, nil
	}
	mp := polygonToMultiPolygon(p, srid)
	if mp == nil {
		return nil, nil
	}
	data, err := ewkb.Marshal(mp, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "loader: encode EWKB")
	}
	return data, nil
}

// polygonToMultiPolygon groups shapefile rings into polygons. Shapefile
// outer rings run clockwise and holes counter-clockwise; a hole belongs to
// the outer ring before it.
func polygonToMultiPolygon(p *shp.Polygon, srid int) *geom.MultiPolygon {
	if p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	var polys []*geom.Polygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if start < 0 || end > int32(len(p.Points)) || end-start < 4 {
			continue
		}

		pts := p.Points[start:end]
		flat := make([]float64, 0, len(pts)*2)
		for _, pt := range pts {
			flat = append(flat, pt.X, pt.Y)
		}
		ring := geom.NewLinearRingFlat(geom.XY, flat)

		if signedArea(pts) <= 0 || len(polys) == 0 {
			poly := geom.NewPolygon(geom.XY)
			if err := poly.Push(ring); err != nil {
				continue
			}
			polys = append(polys, poly)
			continue
		}
		if err := polys[len(polys)-1].Push(ring); err != nil {
			continue
		}
	}
	if len(polys) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(srid)
	for _, poly := range polys {
		if err := mp.Push(poly); err != nil {
			continue
		}
	}
	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// signedArea is positive for counter-clockwise rings.
func signedArea(pts []shp.Point) float64 {
	var a float64
	for i := 0; i < len(pts)-1; i++ {
		a += pts[i].X*pts[i+1].Y - pts[i+1].X*pts[i].Y
	}
	return a / 2
}

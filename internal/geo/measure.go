package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// Area returns the geodesic area of g in square meters. Points and lines have no area.
func Area(g orb.Geometry) float64 {
	if g == nil {
		return 0
	}
	return geo.Area(g)
}

// PlanarArea returns the area of g in squared coordinate units.
func PlanarArea(g orb.Geometry) float64 {
	if g == nil {
		return 0
	}
	return planar.Area(g)
}

// Perimeter returns the boundary length of g in meters. A Polygon counts its
// outer ring only; a MultiPolygon sums every ring, holes included.
func Perimeter(g orb.Geometry) float64 {
	switch g := g.(type) {
	case orb.Polygon:
		if len(g) == 0 {
			return 0
		}
		return geo.Length(g[0])
	case orb.MultiPolygon:
		total := 0.0
		for _, p := range g {
			for _, r := range p {
				total += geo.Length(r)
			}
		}
		return total
	case orb.Collection:
		total := 0.0
		for _, c := range g {
			total += Perimeter(c)
		}
		return total
	case orb.Ring:
		return geo.Length(g)
	case orb.Bound:
		return geo.Length(g.ToRing())
	default:
		return 0
	}
}

// BBox returns [minX, minY, maxX, maxY] of g.
func BBox(g orb.Geometry) []float64 {
	if g == nil {
		return nil
	}
	b := g.Bound()
	return []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// IsPolygonal reports whether g has area: polygons, bounds, and collections containing them.
func IsPolygonal(g orb.Geometry) bool {
	switch g := g.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Ring, orb.Bound:
		return true
	case orb.Collection:
		for _, c := range g {
			if IsPolygonal(c) {
				return true
			}
		}
	}
	return false
}

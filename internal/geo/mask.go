package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
)

// Contains reports whether p lies inside the polygonal parts of g.
// Boundary points count as inside.
func Contains(g orb.Geometry, p orb.Point) bool {
	switch g := g.(type) {
	case orb.Polygon:
		return len(g) > 0 && planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	case orb.Ring:
		return len(g) > 0 && planar.RingContains(g, p)
	case orb.Bound:
		return g.Contains(p)
	case orb.Collection:
		for _, c := range g {
			if Contains(c, p) {
				return true
			}
		}
	}
	return false
}

// ClipToBound intersects the polygonal parts of g with b. It returns nil when
// nothing remains. g is not modified.
func ClipToBound(g orb.Geometry, b orb.Bound) orb.Geometry {
	if g == nil {
		return nil
	}
	if !g.Bound().Intersects(b) {
		return nil
	}
	clipped := clip.Geometry(b, orb.Clone(g))
	if clipped == nil || PlanarArea(clipped) == 0 {
		return nil
	}
	return clipped
}

// Mask precomputes a containment test against a polygonal geometry.
type Mask struct {
	geom  orb.Geometry
	bound orb.Bound
}

// NewMask returns a Mask over g, or nil when g has no area.
func NewMask(g orb.Geometry) *Mask {
	if g == nil || !IsPolygonal(g) {
		return nil
	}
	return &Mask{geom: g, bound: g.Bound()}
}

// Contains reports whether p is inside the mask. A nil mask contains everything.
func (m *Mask) Contains(p orb.Point) bool {
	if m == nil {
		return true
	}
	if !m.bound.Contains(p) {
		return false
	}
	return Contains(m.geom, p)
}

// Bound returns the mask's bounding box.
func (m *Mask) Bound() orb.Bound {
	return m.bound
}

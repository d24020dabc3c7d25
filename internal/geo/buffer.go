package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	polyclip "github.com/ctessum/polyclip-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
)

const (
	// DefaultBufferSteps is the number of segments used to approximate a full circle.
	DefaultBufferSteps = 64
	// MinBufferSteps is the smallest accepted circle resolution.
	MinBufferSteps = 4

	// maxMercatorLat is the latitude limit of Web Mercator.
	maxMercatorLat = 85.05112878

	// edgeOverlap stretches each edge rectangle past its endpoints, as a
	// fraction of the distance, so input vertices fall strictly inside a
	// rectangle instead of on its boundary.
	edgeOverlap = 1e-7
)

var (
	// ErrInvalidDistance is returned for non-positive or non-finite buffer distances.
	ErrInvalidDistance = errors.New("buffer distance must be a positive number")
	// ErrOutsideProjection is returned for geometries beyond Web Mercator latitude limits.
	ErrOutsideProjection = errors.New("geometry extends beyond web mercator latitude limits")
	// ErrEmptyBuffer is returned when the union of buffer pieces has no area.
	ErrEmptyBuffer = errors.New("buffer produced no area")
)

// Buffer returns the region within meters of g as a Polygon, or a
// MultiPolygon when the buffered parts stay disjoint. g must be in
// longitude/latitude degrees. The result is the union of g with a rectangle
// around every edge and a circle around every vertex, so overlapping parts
// and narrow concavities are merged rather than folded over. A circle is
// approximated with steps segments. Results crossing the antimeridian are
// split into parts on either side of it. g is not modified.
func Buffer(g orb.Geometry, meters float64, steps int) (orb.Geometry, error) {
	if err := Validate(g); err != nil {
		return nil, err
	}
	if err := ValidateLonLat(g); err != nil {
		return nil, err
	}
	if meters <= 0 || math.IsNaN(meters) || math.IsInf(meters, 0) {
		return nil, ErrInvalidDistance
	}
	steps = max(steps, MinBufferSteps)

	b := g.Bound()
	if b.Min[1] < -maxMercatorLat || b.Max[1] > maxMercatorLat {
		return nil, ErrOutsideProjection
	}

	// Mercator stretches distances by 1/cos(lat); scale at the geometry center.
	d := meters * project.MercatorScaleFactor(b.Center())

	merc := project.Geometry(orb.Clone(g), project.WGS84.ToMercator)
	out, err := bufferPlanar(merc, d, steps)
	if err != nil {
		return nil, err
	}
	return splitAntimeridian(project.Geometry(out, project.Mercator.ToWGS84)), nil
}

func bufferPlanar(g orb.Geometry, d float64, steps int) (orb.Geometry, error) {
	if p, ok := g.(orb.Point); ok {
		return circle(p, d, steps, 0), nil
	}

	var pieces []polyclip.Polygon
	if err := collectPieces(&pieces, g, d, steps); err != nil {
		return nil, err
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%w: nothing to buffer", ErrInvalidGeometry)
	}
	return fromPolyclip(unionAll(pieces))
}

// collectPieces appends the polygons whose union is the buffer of g.
func collectPieces(dst *[]polyclip.Polygon, g orb.Geometry, d float64, steps int) error {
	switch g := g.(type) {
	case orb.Point:
		*dst = append(*dst, toPolyclip(circle(g, d, steps, 0)))
	case orb.MultiPoint:
		for _, p := range g {
			*dst = append(*dst, toPolyclip(circle(p, d, steps, 0)))
		}
	case orb.LineString:
		pathPieces(dst, simplifyPath(g, false), false, d, steps)
	case orb.MultiLineString:
		for _, ls := range g {
			pathPieces(dst, simplifyPath(ls, false), false, d, steps)
		}
	case orb.Ring:
		polygonPieces(dst, orb.Polygon{g}, d, steps)
	case orb.Bound:
		polygonPieces(dst, g.ToPolygon(), d, steps)
	case orb.Polygon:
		polygonPieces(dst, g, d, steps)
	case orb.MultiPolygon:
		for _, p := range g {
			polygonPieces(dst, p, d, steps)
		}
	case orb.Collection:
		for _, part := range g {
			if err := collectPieces(dst, part, d, steps); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: cannot buffer %T", ErrInvalidGeometry, g)
	}
	return nil
}

// polygonPieces adds the polygon itself plus the pieces of every ring.
// Holes are covered from their edges inward, which shrinks them and drops
// the ones narrower than twice the distance.
func polygonPieces(dst *[]polyclip.Polygon, p orb.Polygon, d float64, steps int) {
	var body polyclip.Polygon
	for _, r := range p {
		pts := simplifyPath(r, true)
		if len(pts) >= 3 {
			body = append(body, toContour(pts))
		}
		pathPieces(dst, pts, len(pts) >= 3, d, steps)
	}
	if len(body) > 0 {
		*dst = append(*dst, body)
	}
}

// pathPieces adds a rectangle per edge and a circle per vertex. closed
// connects the last vertex back to the first.
func pathPieces(dst *[]polyclip.Polygon, pts []orb.Point, closed bool, d float64, steps int) {
	if len(pts) == 0 {
		return
	}
	for _, p := range pts {
		*dst = append(*dst, toPolyclip(circle(p, d, steps, 0.5)))
	}

	edges := len(pts) - 1
	if closed {
		edges = len(pts)
	}
	seen := make(map[[2]orb.Point]struct{}, edges)
	for i := range edges {
		a, b := pts[i], pts[(i+1)%len(pts)]
		// A path doubling back over an edge would add the same rectangle twice.
		key := [2]orb.Point{a, b}
		if a[0] > b[0] || (a[0] == b[0] && a[1] > b[1]) {
			key = [2]orb.Point{b, a}
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		*dst = append(*dst, edgeRect(a, b, d))
	}
}

func edgeRect(a, b orb.Point, d float64) polyclip.Polygon {
	dx, dy := b[0]-a[0], b[1]-a[1]
	l := math.Hypot(dx, dy)
	ux, uy := dx/l, dy/l
	nx, ny := uy*d, -ux*d
	ex, ey := ux*d*edgeOverlap, uy*d*edgeOverlap
	a0 := polyclip.Point{X: a[0] - ex, Y: a[1] - ey}
	b0 := polyclip.Point{X: b[0] + ex, Y: b[1] + ey}
	return polyclip.Polygon{{
		{X: a0.X + nx, Y: a0.Y + ny},
		{X: b0.X + nx, Y: b0.Y + ny},
		{X: b0.X - nx, Y: b0.Y - ny},
		{X: a0.X - nx, Y: a0.Y - ny},
	}}
}

// circle approximates a circle with steps vertices on it. phase rotates the
// vertices by a fraction of a step.
func circle(c orb.Point, r float64, steps int, phase float64) orb.Polygon {
	ring := make(orb.Ring, 0, steps+1)
	for i := range steps {
		a := 2 * math.Pi * (float64(i) + phase) / float64(steps)
		ring = append(ring, orb.Point{c[0] + r*math.Cos(a), c[1] + r*math.Sin(a)})
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// unionAll merges pieces pairwise so each union works on similarly sized inputs.
func unionAll(pieces []polyclip.Polygon) polyclip.Polygon {
	for len(pieces) > 1 {
		next := make([]polyclip.Polygon, 0, (len(pieces)+1)/2)
		for i := 0; i < len(pieces); i += 2 {
			if i+1 == len(pieces) {
				next = append(next, pieces[i])
				continue
			}
			next = append(next, pieces[i].Construct(polyclip.UNION, pieces[i+1]))
		}
		pieces = next
	}
	return pieces[0]
}

func toContour(pts []orb.Point) polyclip.Contour {
	c := make(polyclip.Contour, 0, len(pts))
	for _, p := range pts {
		c = append(c, polyclip.Point{X: p[0], Y: p[1]})
	}
	return c
}

func toPolyclip(p orb.Polygon) polyclip.Polygon {
	out := make(polyclip.Polygon, 0, len(p))
	for _, r := range p {
		out = append(out, toContour(closedPoints(r)))
	}
	return out
}

type contour struct {
	ring   orb.Ring
	area   float64
	sample orb.Point
	depth  int
}

// fromPolyclip turns union output, a flat list of non-crossing contours,
// into polygons. A contour nested in an odd number of others is a hole.
// Exteriors are counter-clockwise and holes clockwise.
func fromPolyclip(p polyclip.Polygon) (orb.Geometry, error) {
	cs := make([]*contour, 0, len(p))
	for _, c := range p {
		pts := make([]orb.Point, 0, len(c))
		for _, v := range c {
			pts = append(pts, orb.Point{v.X, v.Y})
		}
		pts = closedPoints(pts)
		if len(pts) < 3 {
			continue
		}
		area := signedArea(pts)
		if area == 0 {
			continue
		}
		ring := append(orb.Ring(pts), pts[0])
		cs = append(cs, &contour{
			ring:   ring,
			area:   math.Abs(area),
			sample: orb.Point{(ring[0][0] + ring[1][0]) / 2, (ring[0][1] + ring[1][1]) / 2},
		})
	}
	if len(cs) == 0 {
		return nil, ErrEmptyBuffer
	}

	sort.Slice(cs, func(i, j int) bool { return cs[i].area > cs[j].area })
	for i, c := range cs {
		for _, outer := range cs[:i] {
			if planar.RingContains(outer.ring, c.sample) {
				c.depth++
			}
		}
	}

	var polys orb.MultiPolygon
	owner := make(map[*contour]int)
	for i, c := range cs {
		if c.depth%2 == 0 {
			orient(c.ring, orb.CCW)
			owner[c] = len(polys)
			polys = append(polys, orb.Polygon{c.ring})
			continue
		}
		// The smallest exterior one level up that contains the hole owns it.
		for j := i - 1; j >= 0; j-- {
			o := cs[j]
			idx, isExterior := owner[o]
			if isExterior && o.depth == c.depth-1 && planar.RingContains(o.ring, c.sample) {
				orient(c.ring, orb.CW)
				polys[idx] = append(polys[idx], c.ring)
				break
			}
		}
	}
	return single(polys), nil
}

func orient(r orb.Ring, want orb.Orientation) {
	if r.Orientation() != want {
		r.Reverse()
	}
}

func single(mp orb.MultiPolygon) orb.Geometry {
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}

// splitAntimeridian moves the parts of g beyond ±180° longitude to the other
// side of the antimeridian.
func splitAntimeridian(g orb.Geometry) orb.Geometry {
	b := g.Bound()
	if b.Min[0] >= -180 && b.Max[0] <= 180 {
		return g
	}

	var parts orb.MultiPolygon
	for _, shift := range []float64{0, -360, 360} {
		window := orb.Bound{Min: orb.Point{-180 - shift, -90}, Max: orb.Point{180 - shift, 90}}
		piece := clip.Geometry(window, orb.Clone(g))
		switch piece := piece.(type) {
		case orb.Polygon:
			parts = appendShifted(parts, piece, shift)
		case orb.MultiPolygon:
			for _, p := range piece {
				parts = appendShifted(parts, p, shift)
			}
		}
	}
	if len(parts) == 0 {
		return g
	}
	return single(parts)
}

func appendShifted(dst orb.MultiPolygon, p orb.Polygon, shift float64) orb.MultiPolygon {
	if len(p) == 0 || planar.Area(p) == 0 {
		return dst
	}
	for _, r := range p {
		for i := range r {
			r[i][0] += shift
		}
	}
	return append(dst, p)
}

// simplifyPath drops repeated points and vertices in the middle of a
// straight run. For closed paths the closing point is dropped too.
func simplifyPath(pts []orb.Point, closed bool) []orb.Point {
	pts = dedupe(pts)
	if closed {
		pts = closedPoints(pts)
	}
	if len(pts) < 3 {
		return pts
	}

	out := make([]orb.Point, 0, len(pts))
	n := len(pts)
	for i, p := range pts {
		if !closed && (i == 0 || i == n-1) {
			out = append(out, p)
			continue
		}
		prev, next := pts[(i-1+n)%n], pts[(i+1)%n]
		if straight(prev, p, next) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// straight reports whether b lies on the segment a-c, continuing forward.
func straight(a, b, c orb.Point) bool {
	ux, uy := b[0]-a[0], b[1]-a[1]
	vx, vy := c[0]-b[0], c[1]-b[1]
	cross := ux*vy - uy*vx
	dot := ux*vx + uy*vy
	scale := math.Hypot(ux, uy) * math.Hypot(vx, vy)
	return dot > 0 && math.Abs(cross) <= 1e-12*scale
}

func dedupe(pts []orb.Point) []orb.Point {
	out := make([]orb.Point, 0, len(pts))
	for _, p := range pts {
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	return out
}

// closedPoints returns the distinct vertices of a ring without the closing point.
func closedPoints(r []orb.Point) []orb.Point {
	pts := dedupe(r)
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	return pts
}

// signedArea is the shoelace area of an implicitly closed loop; negative when clockwise.
func signedArea(pts []orb.Point) float64 {
	sum := 0.0
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i][0]*pts[j][1] - pts[j][0]*pts[i][1]
	}
	return sum / 2
}

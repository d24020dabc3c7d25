package geo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	// ErrInvalidGeometry is returned for null, malformed or degenerate GeoJSON.
	ErrInvalidGeometry = errors.New("invalid geometry")
	// ErrInvalidZones is returned when a zones value has no recognizable shape.
	ErrInvalidZones = errors.New("zones must be a geometry, feature, feature collection, geometry collection, or array")
	// ErrNotLonLat is returned when an operation that needs geographic
	// coordinates gets values outside the longitude/latitude range.
	ErrNotLonLat = errors.New("coordinates are outside the longitude/latitude range")
)

type typeProbe struct {
	Type string `json:"type"`
}

type featureDoc struct {
	ID         any             `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type collectionDoc struct {
	Features   []json.RawMessage `json:"features"`
	Geometries []json.RawMessage `json:"geometries"`
}

// ParseGeometry decodes a GeoJSON geometry, or the geometry of a GeoJSON Feature.
func ParseGeometry(raw json.RawMessage) (orb.Geometry, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrInvalidGeometry
	}

	var probe typeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}

	if probe.Type == "Feature" {
		var f featureDoc
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
		}
		return ParseGeometry(f.Geometry)
	}

	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	geom := g.Geometry()
	if err := Validate(geom); err != nil {
		return nil, err
	}
	return geom, nil
}

// Validate rejects empty geometries, non-finite coordinates and rings or
// lines with too few points. Coordinates may be in any planar system, such
// as projected meters or raster pixels.
func Validate(g orb.Geometry) error {
	switch g := g.(type) {
	case nil:
		return ErrInvalidGeometry
	case orb.Point:
		return validatePoint(g)
	case orb.MultiPoint:
		if len(g) == 0 {
			return fmt.Errorf("%w: empty MultiPoint", ErrInvalidGeometry)
		}
		for _, p := range g {
			if err := validatePoint(p); err != nil {
				return err
			}
		}
	case orb.LineString:
		return validatePath(g, 2)
	case orb.MultiLineString:
		if len(g) == 0 {
			return fmt.Errorf("%w: empty MultiLineString", ErrInvalidGeometry)
		}
		for _, ls := range g {
			if err := validatePath(ls, 2); err != nil {
				return err
			}
		}
	case orb.Ring:
		return validatePath(g, 4)
	case orb.Polygon:
		return validatePolygon(g)
	case orb.MultiPolygon:
		if len(g) == 0 {
			return fmt.Errorf("%w: empty MultiPolygon", ErrInvalidGeometry)
		}
		for _, p := range g {
			if err := validatePolygon(p); err != nil {
				return err
			}
		}
	case orb.Collection:
		if len(g) == 0 {
			return fmt.Errorf("%w: empty GeometryCollection", ErrInvalidGeometry)
		}
		for _, c := range g {
			if err := Validate(c); err != nil {
				return err
			}
		}
	case orb.Bound:
		return validatePath(g.ToRing(), 4)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidGeometry, g)
	}
	return nil
}

func validatePoint(p orb.Point) error {
	x, y := p[0], p[1]
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return fmt.Errorf("%w: non-finite coordinate", ErrInvalidGeometry)
	}
	return nil
}

// ValidateLonLat checks that every coordinate of g is a longitude in
// [-180, 180] and a latitude in [-90, 90].
func ValidateLonLat(g orb.Geometry) error {
	b := g.Bound()
	if b.Min[0] < -180 || b.Max[0] > 180 || b.Min[1] < -90 || b.Max[1] > 90 {
		return fmt.Errorf("%w: bounds %v to %v", ErrNotLonLat, b.Min, b.Max)
	}
	return nil
}

func validatePath(pts []orb.Point, minPoints int) error {
	if len(pts) < minPoints {
		return fmt.Errorf("%w: need at least %d positions, got %d", ErrInvalidGeometry, minPoints, len(pts))
	}
	for _, p := range pts {
		if err := validatePoint(p); err != nil {
			return err
		}
	}
	return nil
}

func validatePolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: polygon has no rings", ErrInvalidGeometry)
	}
	for _, r := range p {
		if err := validatePath(r, 4); err != nil {
			return err
		}
	}
	return nil
}

// Zone is one entry of a zonal statistics request. Err is set when the
// entry could not be decoded; the remaining fields are best effort.
type Zone struct {
	Index      int
	ID         string
	Name       string
	Geometry   orb.Geometry
	Properties map[string]any
	Raw        json.RawMessage
	Err        error
}

// ParseZones normalizes a Geometry, Feature, FeatureCollection,
// GeometryCollection or array of those into a list of zones. Individual
// entries that fail to decode are returned with Err set so callers can
// keep going.
func ParseZones(raw json.RawMessage) ([]Zone, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrInvalidZones
	}

	var items []json.RawMessage
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidZones, err)
		}
	case '{':
		var probe typeProbe
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidZones, err)
		}
		switch probe.Type {
		case "FeatureCollection", "GeometryCollection":
			var c collectionDoc
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidZones, err)
			}
			items = c.Features
			if probe.Type == "GeometryCollection" {
				items = c.Geometries
			}
		case "":
			return nil, ErrInvalidZones
		default:
			items = []json.RawMessage{raw}
		}
	default:
		return nil, ErrInvalidZones
	}

	zones := make([]Zone, len(items))
	for i, item := range items {
		zones[i] = parseZone(i, item)
	}
	return zones, nil
}

func parseZone(index int, raw json.RawMessage) Zone {
	z := Zone{Index: index, Raw: raw}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		z.Err = ErrInvalidGeometry
		return z
	}

	var probe typeProbe
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		z.Err = fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
		return z
	}

	geomRaw := trimmed
	if probe.Type == "Feature" {
		var f featureDoc
		if err := json.Unmarshal(trimmed, &f); err != nil {
			z.Err = fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
			return z
		}
		z.Properties = f.Properties
		z.ID = ScalarString(f.ID)
		if name, ok := f.Properties["name"].(string); ok {
			z.Name = name
		}
		geomRaw = f.Geometry
	}

	z.Geometry, z.Err = ParseGeometry(geomRaw)
	return z
}

// ScalarString renders a JSON scalar as an id. Objects and arrays yield "".
func ScalarString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return ""
	}
}

// MarshalGeometry renders g as a GeoJSON geometry object.
func MarshalGeometry(g orb.Geometry) (json.RawMessage, error) {
	if g == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(geojson.NewGeometry(g))
}

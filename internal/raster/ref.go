package raster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// ErrInvalidRef is returned when a raster reference is neither a string nor an object.
var ErrInvalidRef = errors.New("raster reference must be a URL, dataset id, or object")

// Ref points at a raster by URL or dataset id, optionally carrying georeferencing
// that overrides what the dataset records.
type Ref struct {
	URL       string
	DatasetID string
	Bounds    *orb.Bound
	NoData    *float64
}

// URLRef returns a Ref for a URL.
func URLRef(url string) Ref {
	return Ref{URL: url}
}

// DatasetRef returns a Ref for a dataset id.
func DatasetRef(id string) Ref {
	return Ref{DatasetID: id}
}

// IsZero reports whether the reference names no source.
func (r Ref) IsZero() bool {
	return r.URL == "" && r.DatasetID == ""
}

// String renders the reference for logs and error messages.
func (r Ref) String() string {
	if r.URL != "" {
		return r.URL
	}
	if r.DatasetID != "" {
		return "dataset:" + r.DatasetID
	}
	return "<empty>"
}

type refObject struct {
	URL       string    `json:"url"`
	DatasetID string    `json:"dataset_id"`
	Bounds    []float64 `json:"bounds"`
	NoData    *float64  `json:"no_data"`
}

// UnmarshalJSON accepts either a string (URL when it starts with http:// or
// https://, dataset id otherwise) or an object.
func (r *Ref) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*r = Ref{}
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*r = ParseRef(s)
		return nil
	case '{':
		var obj refObject
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fmt.Errorf("raster reference: %w", err)
		}
		ref := Ref{
			URL:       strings.TrimSpace(obj.URL),
			DatasetID: strings.TrimSpace(obj.DatasetID),
			NoData:    obj.NoData,
		}
		if obj.Bounds != nil {
			b, err := BoundFromSlice(obj.Bounds)
			if err != nil {
				return err
			}
			ref.Bounds = &b
		}
		*r = ref
		return nil
	default:
		return ErrInvalidRef
	}
}

// MarshalJSON renders the object form.
func (r Ref) MarshalJSON() ([]byte, error) {
	obj := refObject{URL: r.URL, DatasetID: r.DatasetID, NoData: r.NoData}
	if r.Bounds != nil {
		obj.Bounds = BoundToSlice(*r.Bounds)
	}
	return json.Marshal(obj)
}

// ParseRef classifies a bare string reference.
func ParseRef(s string) Ref {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return Ref{URL: s}
	}
	return Ref{DatasetID: s}
}

// BoundFromSlice converts [minX,minY,maxX,maxY] into a bound.
func BoundFromSlice(v []float64) (orb.Bound, error) {
	if len(v) != 4 {
		return orb.Bound{}, fmt.Errorf("bounds must have 4 values, got %d", len(v))
	}
	if v[2] <= v[0] || v[3] <= v[1] {
		return orb.Bound{}, fmt.Errorf("bounds must satisfy minX < maxX and minY < maxY: %v", v)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

// BoundToSlice renders a bound as [minX,minY,maxX,maxY].
func BoundToSlice(b orb.Bound) []float64 {
	return []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// Package raster holds decoded raster grids and the loader that fetches them.
package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// ErrEmptyRaster is returned when a raster has no pixels or no bands.
var ErrEmptyRaster = errors.New("raster: empty raster")

// PixelSize is the ground size of a single pixel in raster units.
type PixelSize struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Raster is a decoded grid. Bands are band-major and each band is row-major,
// top row first.
type Raster struct {
	Bands     [][]float64
	Width     int
	Height    int
	Bounds    orb.Bound
	PixelSize PixelSize
	NoData    *float64

	// Georeferenced is false when the raster was placed in pixel space.
	Georeferenced bool
}

// New builds a Raster. A nil bounds places the raster in pixel space
// ([0,0,width,height]).
func New(width, height int, bands [][]float64, bounds *orb.Bound, noData *float64) (*Raster, error) {
	if width <= 0 || height <= 0 || len(bands) == 0 {
		return nil, ErrEmptyRaster
	}
	for i, b := range bands {
		if len(b) != width*height {
			return nil, fmt.Errorf("raster: band %d has %d pixels, want %d", i+1, len(b), width*height)
		}
	}

	r := &Raster{Bands: bands, Width: width, Height: height, NoData: noData}
	if bounds != nil {
		if bounds.Max[0] <= bounds.Min[0] || bounds.Max[1] <= bounds.Min[1] {
			return nil, fmt.Errorf("raster: invalid bounds %v", *bounds)
		}
		r.Bounds = *bounds
		r.Georeferenced = true
	} else {
		r.Bounds = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{float64(width), float64(height)}}
	}
	r.PixelSize = PixelSize{
		X: (r.Bounds.Max[0] - r.Bounds.Min[0]) / float64(width),
		Y: (r.Bounds.Max[1] - r.Bounds.Min[1]) / float64(height),
	}
	return r, nil
}

// BandCount returns the number of bands.
func (r *Raster) BandCount() int {
	return len(r.Bands)
}

// Band returns band i, counting from 1.
func (r *Raster) Band(i int) ([]float64, error) {
	if i < 1 || i > len(r.Bands) {
		return nil, &BandRangeError{Band: i, Count: len(r.Bands)}
	}
	return r.Bands[i-1], nil
}

// BandRangeError reports a band index outside the raster.
type BandRangeError struct {
	Band  int
	Count int
}

func (e *BandRangeError) Error() string {
	return fmt.Sprintf("band %d out of range (raster has %d bands)", e.Band, e.Count)
}

// IsNoData reports whether v is the raster's no-data value. NaN is always no-data.
func (r *Raster) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return r.NoData != nil && v == *r.NoData
}

// PixelCenter returns the center of pixel (col,row) in raster coordinates.
func (r *Raster) PixelCenter(col, row int) orb.Point {
	return orb.Point{
		r.Bounds.Min[0] + (float64(col)+0.5)*r.PixelSize.X,
		r.Bounds.Max[1] - (float64(row)+0.5)*r.PixelSize.Y,
	}
}

// PixelArea is the area of one pixel in squared raster units.
func (r *Raster) PixelArea() float64 {
	return r.PixelSize.X * r.PixelSize.Y
}

// IsGeographic reports whether the raster bounds look like longitude/latitude degrees.
func (r *Raster) IsGeographic() bool {
	if !r.Georeferenced {
		return false
	}
	b := r.Bounds
	return b.Min[0] >= -180 && b.Max[0] <= 180 && b.Min[1] >= -90 && b.Max[1] <= 90
}

// Window is the inclusive pixel range covering a bound.
type Window struct {
	MinCol, MinRow, MaxCol, MaxRow int
}

// Empty reports whether the window covers no pixels.
func (w Window) Empty() bool {
	return w.MaxCol < w.MinCol || w.MaxRow < w.MinRow
}

// WindowFor returns the pixels whose extent overlaps b, clamped to the grid.
func (r *Raster) WindowFor(b orb.Bound) Window {
	minCol := int(math.Floor((b.Min[0] - r.Bounds.Min[0]) / r.PixelSize.X))
	maxCol := int(math.Ceil((b.Max[0]-r.Bounds.Min[0])/r.PixelSize.X)) - 1
	minRow := int(math.Floor((r.Bounds.Max[1] - b.Max[1]) / r.PixelSize.Y))
	maxRow := int(math.Ceil((r.Bounds.Max[1]-b.Min[1])/r.PixelSize.Y)) - 1

	return Window{
		MinCol: max(minCol, 0),
		MinRow: max(minRow, 0),
		MaxCol: min(maxCol, r.Width-1),
		MaxRow: min(maxRow, r.Height-1),
	}
}

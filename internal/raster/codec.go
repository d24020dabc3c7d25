package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	"golang.org/x/image/tiff"
)

// Format is an output encoding for derived rasters.
type Format string

const (
	// FormatGeoTIFF writes a 16-bit grayscale TIFF.
	FormatGeoTIFF Format = "geotiff"
	// FormatPNG writes a 16-bit grayscale PNG.
	FormatPNG Format = "png"
)

// Valid reports whether f is a supported output format.
func (f Format) Valid() bool {
	return f == FormatGeoTIFF || f == FormatPNG
}

// Extension returns the file extension without a dot.
func (f Format) Extension() string {
	if f == FormatPNG {
		return "png"
	}
	return "tif"
}

// ContentType returns the MIME type for the encoded artifact.
func (f Format) ContentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/tiff"
}

// Decode reads a TIFF or PNG image into bands. Gray images yield one band,
// color images yield R, G, B and A bands in that order.
func Decode(data []byte) (width, height int, bands [][]float64, err error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("raster: decode: %w", err)
	}
	if format != "tiff" && format != "png" {
		return 0, 0, nil, fmt.Errorf("raster: decode: unsupported format %q", format)
	}

	b := img.Bounds()
	width, height = b.Dx(), b.Dy()
	n := width * height

	switch m := img.(type) {
	case *image.Gray:
		band := make([]float64, n)
		for y := range height {
			row := m.Pix[y*m.Stride : y*m.Stride+width]
			for x, v := range row {
				band[y*width+x] = float64(v)
			}
		}
		return width, height, [][]float64{band}, nil
	case *image.Gray16:
		band := make([]float64, n)
		for y := range height {
			off := y * m.Stride
			for x := range width {
				band[y*width+x] = float64(uint16(m.Pix[off+2*x])<<8 | uint16(m.Pix[off+2*x+1]))
			}
		}
		return width, height, [][]float64{band}, nil
	case *image.Paletted:
		band := make([]float64, n)
		for y := range height {
			row := m.Pix[y*m.Stride : y*m.Stride+width]
			for x, v := range row {
				band[y*width+x] = float64(v)
			}
		}
		return width, height, [][]float64{band}, nil
	case *image.NRGBA:
		return width, height, interleaved8(m.Pix, m.Stride, width, height), nil
	case *image.RGBA:
		return width, height, interleaved8(m.Pix, m.Stride, width, height), nil
	case *image.NRGBA64:
		return width, height, interleaved16(m.Pix, m.Stride, width, height), nil
	case *image.RGBA64:
		return width, height, interleaved16(m.Pix, m.Stride, width, height), nil
	default:
		bands = [][]float64{make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)}
		for y := range height {
			for x := range width {
				r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				i := y*width + x
				bands[0][i], bands[1][i], bands[2][i], bands[3][i] = float64(r), float64(g), float64(bl), float64(a)
			}
		}
		return width, height, bands, nil
	}
}

func interleaved8(pix []uint8, stride, width, height int) [][]float64 {
	bands := make([][]float64, 4)
	for c := range bands {
		bands[c] = make([]float64, width*height)
	}
	for y := range height {
		off := y * stride
		for x := range width {
			for c := range 4 {
				bands[c][y*width+x] = float64(pix[off+4*x+c])
			}
		}
	}
	return bands
}

func interleaved16(pix []uint8, stride, width, height int) [][]float64 {
	bands := make([][]float64, 4)
	for c := range bands {
		bands[c] = make([]float64, width*height)
	}
	for y := range height {
		off := y * stride
		for x := range width {
			for c := range 4 {
				p := off + 8*x + 2*c
				bands[c][y*width+x] = float64(uint16(pix[p])<<8 | uint16(pix[p+1]))
			}
		}
	}
	return bands
}

// Gray16 packs row-major samples into a 16-bit grayscale image.
func Gray16(width, height int, values []uint16) (*image.Gray16, error) {
	if len(values) != width*height {
		return nil, fmt.Errorf("raster: %d samples for %dx%d image", len(values), width, height)
	}
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for i, v := range values {
		img.Pix[2*i] = uint8(v >> 8)
		img.Pix[2*i+1] = uint8(v)
	}
	return img, nil
}

// EncodeGray16 writes row-major 16-bit samples in the requested format.
func EncodeGray16(w io.Writer, f Format, width, height int, values []uint16) error {
	img, err := Gray16(width, height, values)
	if err != nil {
		return err
	}
	switch f {
	case FormatPNG:
		err = png.Encode(w, img)
	case FormatGeoTIFF:
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("raster: unsupported output format %q", f)
	}
	if err != nil {
		return fmt.Errorf("raster: encode %s: %w", f, err)
	}
	return nil
}

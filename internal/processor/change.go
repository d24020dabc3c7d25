package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/geojobs/internal/core"
	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/geo"
	"github.com/target/geojobs/internal/raster"
)

// ChangeMethod selects how before/after pixel pairs are compared.
type ChangeMethod string

// Supported change detection methods.
const (
	ChangeSimpleDifference     ChangeMethod = "simple_difference"
	ChangeNormalizedDifference ChangeMethod = "normalized_difference"
	ChangeRatio                ChangeMethod = "ratio"
)

const defaultChangeThreshold = 0.1

// Valid reports whether m is a supported method.
func (m ChangeMethod) Valid() bool {
	switch m {
	case ChangeSimpleDifference, ChangeNormalizedDifference, ChangeRatio:
		return true
	}
	return false
}

// ChangeOptions configures the change detection processor.
type ChangeOptions struct {
	Rasters core.RasterSource
	Store   core.ObjectStore
	Logger  *slog.Logger
}

// ChangeProcessor compares two rasters of the same grid.
type ChangeProcessor struct {
	rasters core.RasterSource
	store   core.ObjectStore
	logger  *slog.Logger
}

// NewChangeProcessor creates a ChangeProcessor.
func NewChangeProcessor(opts ChangeOptions) *ChangeProcessor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeProcessor{
		rasters: opts.Rasters,
		store:   opts.Store,
		logger:  logger.With("component", "change_processor"),
	}
}

// Type implements Processor.
func (p *ChangeProcessor) Type() model.JobType { return model.JobTypeChangeDetection }

type changeParams struct {
	BeforeImage  raster.Ref      `json:"before_image"`
	AfterImage   raster.Ref      `json:"after_image"`
	Threshold    *float64        `json:"threshold"`
	Method       string          `json:"method"`
	MaskGeometry json.RawMessage `json:"mask_geometry"`
	Band         *int            `json:"band"`
}

// ChangeStatistics counts evaluated pixels by outcome. Areas are pixel
// counts times the pixel area in raster units.
type ChangeStatistics struct {
	TotalPixels        int     `json:"total_pixels"`
	ChangedPixels      int     `json:"changed_pixels"`
	UnchangedPixels    int     `json:"unchanged_pixels"`
	ChangePercentage   float64 `json:"change_percentage"`
	PositiveChangeArea float64 `json:"positive_change_area"`
	NegativeChangeArea float64 `json:"negative_change_area"`
	NoChangeArea       float64 `json:"no_change_area"`
}

// ImageMetadata describes one input raster.
type ImageMetadata struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Bounds []float64 `json:"bounds"`
}

// ChangeMetadata describes the inputs of a change detection run.
type ChangeMetadata struct {
	BeforeImage    ImageMetadata `json:"before_image"`
	AfterImage     ImageMetadata `json:"after_image"`
	ProcessingTime int64         `json:"processing_time"`
}

// ChangeResult is the job result of a change detection job.
type ChangeResult struct {
	ChangeMapURL       string           `json:"change_map_url"`
	Statistics         ChangeStatistics `json:"statistics"`
	MethodUsed         ChangeMethod     `json:"method_used"`
	ThresholdUsed      float64          `json:"threshold_used"`
	ProcessingMetadata ChangeMetadata   `json:"processing_metadata"`
}

// Process implements Processor.
func (p *ChangeProcessor) Process(ctx context.Context, job *model.Job) (any, error) {
	start := time.Now()

	var params changeParams
	if err := decodeParams(job, &params); err != nil {
		return nil, err
	}
	if params.BeforeImage.IsZero() || params.AfterImage.IsZero() {
		return nil, invalid("Both before_image and after_image are required")
	}
	threshold := defaultChangeThreshold
	if params.Threshold != nil {
		threshold = *params.Threshold
	}
	if threshold < 0 || math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return nil, invalid("Threshold must be a non-negative number")
	}
	method := ChangeSimpleDifference
	if params.Method != "" {
		method = ChangeMethod(strings.ToLower(strings.TrimSpace(params.Method)))
	}
	if !method.Valid() {
		return nil, invalid("Unsupported change detection method: " + params.Method)
	}

	var mask *geo.Mask
	if raw := bytes.TrimSpace(params.MaskGeometry); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		g, err := geo.ParseGeometry(raw)
		if err != nil {
			return nil, &ValidationError{Message: "Invalid mask_geometry: " + err.Error(), Err: err}
		}
		if mask = geo.NewMask(g); mask == nil {
			return nil, invalid("Invalid mask_geometry: must be a Polygon or MultiPolygon")
		}
	}

	before, after, err := p.loadPair(ctx, params.BeforeImage, params.AfterImage)
	if err != nil {
		return nil, err
	}
	if before.Width != after.Width || before.Height != after.Height {
		return nil, invalid(fmt.Sprintf(
			"Before and after images must have the same dimensions (before: %dx%d, after: %dx%d)",
			before.Width, before.Height, after.Width, after.Height))
	}

	bandIdx := intPtrOr(params.Band, 1)
	beforeBand, err := bandOrInvalid(before, bandIdx, "band")
	if err != nil {
		return nil, err
	}
	afterBand, err := bandOrInvalid(after, bandIdx, "band")
	if err != nil {
		return nil, err
	}

	cm := detectChange(before, after, beforeBand, afterBand, method, threshold, mask)

	var buf bytes.Buffer
	if err := raster.EncodeGray16(&buf, raster.FormatGeoTIFF, before.Width, before.Height, cm.encode()); err != nil {
		return nil, err
	}
	url, err := p.store.Put(ctx, core.PutObjectParams{
		Key:         fmt.Sprintf("jobs/%s/change_map.%s", job.ID, raster.FormatGeoTIFF.Extension()),
		ContentType: raster.FormatGeoTIFF.ContentType(),
		Body:        &buf,
		Size:        int64(buf.Len()),
	})
	if err != nil {
		return nil, fmt.Errorf("store change map: %w", err)
	}

	p.logger.DebugContext(ctx, "change detection computed",
		"job_id", job.ID,
		"method", method,
		"changed_pixels", cm.stats.ChangedPixels,
		"total_pixels", cm.stats.TotalPixels)

	return &ChangeResult{
		ChangeMapURL:  url,
		Statistics:    cm.stats,
		MethodUsed:    method,
		ThresholdUsed: threshold,
		ProcessingMetadata: ChangeMetadata{
			BeforeImage:    imageMetadata(before),
			AfterImage:     imageMetadata(after),
			ProcessingTime: elapsedMillis(start),
		},
	}, nil
}

// loadPair fetches both rasters concurrently.
func (p *ChangeProcessor) loadPair(ctx context.Context, beforeRef, afterRef raster.Ref) (*raster.Raster, *raster.Raster, error) {
	var before, after *raster.Raster
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		img, err := p.rasters.Load(gctx, beforeRef)
		if err != nil {
			return fmt.Errorf("load before_image %s: %w", beforeRef, err)
		}
		before = img
		return nil
	})
	g.Go(func() error {
		img, err := p.rasters.Load(gctx, afterRef)
		if err != nil {
			return fmt.Errorf("load after_image %s: %w", afterRef, err)
		}
		after = img
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// changeMap holds per-pixel change values; NaN marks pixels not evaluated.
type changeMap struct {
	values []float64
	maxAbs float64
	stats  ChangeStatistics
}

// encode packs the change values into 16-bit samples scaled by the largest
// observed magnitude. 0 is no-data.
func (c *changeMap) encode() []uint16 {
	out := make([]uint16, len(c.values))
	for i, v := range c.values {
		if math.IsNaN(v) {
			continue
		}
		scaled := 0.0
		if c.maxAbs > 0 {
			scaled = v / c.maxAbs
		}
		out[i] = encodeSigned(scaled)
	}
	return out
}

func detectChange(
	before, after *raster.Raster,
	beforeBand, afterBand []float64,
	method ChangeMethod,
	threshold float64,
	mask *geo.Mask,
) *changeMap {
	cm := &changeMap{values: make([]float64, len(beforeBand))}
	var positive, negative, unchanged int

	for row := 0; row < before.Height; row++ {
		for col := 0; col < before.Width; col++ {
			i := row*before.Width + col
			cm.values[i] = math.NaN()

			b, a := beforeBand[i], afterBand[i]
			if before.IsNoData(b) || after.IsNoData(a) {
				continue
			}
			if !mask.Contains(before.PixelCenter(col, row)) {
				continue
			}

			v := changeValue(method, b, a)
			if math.Abs(v) <= threshold {
				v = 0
			}
			cm.values[i] = v
			cm.maxAbs = math.Max(cm.maxAbs, math.Abs(v))

			switch {
			case v > 0:
				positive++
			case v < 0:
				negative++
			default:
				unchanged++
			}
		}
	}

	px := before.PixelArea()
	total := positive + negative + unchanged
	cm.stats = ChangeStatistics{
		TotalPixels:        total,
		ChangedPixels:      positive + negative,
		UnchangedPixels:    unchanged,
		PositiveChangeArea: float64(positive) * px,
		NegativeChangeArea: float64(negative) * px,
		NoChangeArea:       float64(unchanged) * px,
	}
	if total > 0 {
		cm.stats.ChangePercentage = float64(positive+negative) / float64(total) * 100
	}
	return cm
}

func changeValue(method ChangeMethod, before, after float64) float64 {
	switch method {
	case ChangeNormalizedDifference:
		if after+before == 0 {
			return 0
		}
		return (after - before) / (after + before)
	case ChangeRatio:
		if before == 0 {
			if after > 0 {
				return 1
			}
			return 0
		}
		return after / before
	default:
		return after - before
	}
}

func imageMetadata(r *raster.Raster) ImageMetadata {
	return ImageMetadata{
		Width:  r.Width,
		Height: r.Height,
		Bounds: raster.BoundToSlice(r.Bounds),
	}
}

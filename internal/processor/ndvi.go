package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/target/geojobs/internal/core"
	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/raster"
)

// NDVIOptions configures the vegetation index processor.
type NDVIOptions struct {
	Rasters      core.RasterSource
	Store        core.ObjectStore
	IndexResults core.IndexResultRepository
	Logger       *slog.Logger
}

// NDVIProcessor computes the normalized difference vegetation index of a raster.
type NDVIProcessor struct {
	rasters core.RasterSource
	store   core.ObjectStore
	results core.IndexResultRepository
	logger  *slog.Logger
}

// NewNDVIProcessor creates an NDVIProcessor.
func NewNDVIProcessor(opts NDVIOptions) *NDVIProcessor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NDVIProcessor{
		rasters: opts.Rasters,
		store:   opts.Store,
		results: opts.IndexResults,
		logger:  logger.With("component", "ndvi_processor"),
	}
}

// Type implements Processor.
func (p *NDVIProcessor) Type() model.JobType { return model.JobTypeVegetationIndex }

type ndviParams struct {
	RasterURL    string `json:"raster_url"`
	DatasetID    string `json:"dataset_id"`
	RedBand      *int   `json:"red_band"`
	NIRBand      *int   `json:"nir_band"`
	OutputFormat string `json:"output_format"`
}

// NDVIHistogram buckets valid NDVI pixels by land cover class.
type NDVIHistogram struct {
	Water              int `json:"water"`
	BareSoil           int `json:"bare_soil"`
	LowVegetation      int `json:"low_vegetation"`
	ModerateVegetation int `json:"moderate_vegetation"`
	HighVegetation     int `json:"high_vegetation"`
}

func (h *NDVIHistogram) add(v float64) {
	switch {
	case v < 0:
		h.Water++
	case v < 0.2:
		h.BareSoil++
	case v < 0.4:
		h.LowVegetation++
	case v < 0.6:
		h.ModerateVegetation++
	default:
		h.HighVegetation++
	}
}

// NDVIStatistics summarizes the valid NDVI pixels.
type NDVIStatistics struct {
	Min                  float64       `json:"min"`
	Max                  float64       `json:"max"`
	Mean                 float64       `json:"mean"`
	Std                  float64       `json:"std"`
	ValidPixels          int           `json:"valid_pixels"`
	TotalPixels          int           `json:"total_pixels"`
	Histogram            NDVIHistogram `json:"histogram"`
	VegetationPercentage float64       `json:"vegetation_percentage"`
}

// NDVIResult is the job result of a vegetation index job.
type NDVIResult struct {
	NDVIResultID   string         `json:"ndvi_result_id"`
	RasterURL      string         `json:"raster_url"`
	Statistics     NDVIStatistics `json:"statistics"`
	ProcessingTime int64          `json:"processing_time"`
	OutputFormat   raster.Format  `json:"output_format"`
}

// Process implements Processor.
func (p *NDVIProcessor) Process(ctx context.Context, job *model.Job) (any, error) {
	start := time.Now()

	var params ndviParams
	if err := decodeParams(job, &params); err != nil {
		return nil, err
	}

	var ref raster.Ref
	switch {
	case strings.TrimSpace(params.RasterURL) != "":
		ref = raster.URLRef(strings.TrimSpace(params.RasterURL))
	case strings.TrimSpace(params.DatasetID) != "":
		ref = raster.DatasetRef(strings.TrimSpace(params.DatasetID))
	default:
		return nil, invalid("No raster data source provided")
	}

	format := raster.FormatGeoTIFF
	if params.OutputFormat != "" {
		format = raster.Format(strings.ToLower(params.OutputFormat))
	}
	if !format.Valid() {
		return nil, invalid("Unsupported output format: " + params.OutputFormat)
	}

	img, err := p.rasters.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load raster %s: %w", ref, err)
	}
	red, err := bandOrInvalid(img, intPtrOr(params.RedBand, 1), "red_band")
	if err != nil {
		return nil, err
	}
	nir, err := bandOrInvalid(img, intPtrOr(params.NIRBand, 2), "nir_band")
	if err != nil {
		return nil, err
	}

	values, stats := computeNDVI(img, red, nir)

	var buf bytes.Buffer
	if err := raster.EncodeGray16(&buf, format, img.Width, img.Height, values); err != nil {
		return nil, err
	}
	url, err := p.store.Put(ctx, core.PutObjectParams{
		Key:         fmt.Sprintf("jobs/%s/ndvi.%s", job.ID, format.Extension()),
		ContentType: format.ContentType(),
		Body:        &buf,
		Size:        int64(buf.Len()),
	})
	if err != nil {
		return nil, fmt.Errorf("store ndvi raster: %w", err)
	}

	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("encode ndvi statistics: %w", err)
	}
	rec, err := p.results.Create(ctx, &model.CreateIndexResultRequest{
		JobID:          job.ID,
		ProjectID:      job.ProjectID,
		OrganizationID: job.OrganizationID,
		IndexType:      "ndvi",
		RasterURL:      url,
		OutputFormat:   string(format),
		Statistics:     statsJSON,
	})
	if err != nil {
		return nil, &PersistenceError{Message: "Failed to save NDVI results", Err: err}
	}

	p.logger.DebugContext(ctx, "ndvi computed",
		"job_id", job.ID,
		"valid_pixels", stats.ValidPixels,
		"total_pixels", stats.TotalPixels)

	return &NDVIResult{
		NDVIResultID:   rec.ID,
		RasterURL:      url,
		Statistics:     stats,
		ProcessingTime: elapsedMillis(start),
		OutputFormat:   format,
	}, nil
}

// computeNDVI returns the encoded NDVI samples (0 is no-data) and statistics.
func computeNDVI(img *raster.Raster, red, nir []float64) ([]uint16, NDVIStatistics) {
	values := make([]uint16, len(red))
	stats := NDVIStatistics{TotalPixels: len(red)}
	var acc runningStats

	for i := range red {
		r, n := red[i], nir[i]
		if img.IsNoData(r) || img.IsNoData(n) || n+r == 0 {
			continue
		}
		v := math.Max(-1, math.Min(1, (n-r)/(n+r)))
		values[i] = encodeSigned(v)
		acc.add(v)
		stats.Histogram.add(v)
	}

	stats.ValidPixels = acc.n
	if acc.n > 0 {
		stats.Min, stats.Max, stats.Mean, stats.Std = acc.min, acc.max, acc.mean, acc.std()
		veg := stats.Histogram.LowVegetation + stats.Histogram.ModerateVegetation + stats.Histogram.HighVegetation
		stats.VegetationPercentage = float64(veg) / float64(acc.n) * 100
	}
	return values, stats
}

// bandOrInvalid turns an out-of-range band into a ValidationError.
func bandOrInvalid(img *raster.Raster, band int, field string) ([]float64, error) {
	b, err := img.Band(band)
	if err != nil {
		var rangeErr *raster.BandRangeError
		if errors.As(err, &rangeErr) {
			return nil, &ValidationError{Message: fmt.Sprintf("Invalid %s: %s", field, err), Err: err}
		}
		return nil, err
	}
	return b, nil
}

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/target/geojobs/internal/core"
	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/geo"
)

// maxBufferSteps bounds circle resolution so a single job cannot emit huge rings.
const maxBufferSteps = 1024

// BufferOptions configures the buffer processor.
type BufferOptions struct {
	Features core.FeatureRepository
	Logger   *slog.Logger
}

// BufferProcessor buffers a geometry by a distance and stores the result as a feature.
type BufferProcessor struct {
	features core.FeatureRepository
	logger   *slog.Logger
}

// NewBufferProcessor creates a BufferProcessor.
func NewBufferProcessor(opts BufferOptions) *BufferProcessor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BufferProcessor{features: opts.Features, logger: logger.With("component", "buffer_processor")}
}

// Type implements Processor.
func (p *BufferProcessor) Type() model.JobType { return model.JobTypeBuffer }

type bufferParams struct {
	Geometry json.RawMessage `json:"geometry"`
	Distance *float64        `json:"distance"`
	Units    string          `json:"units"`
	Steps    *int            `json:"steps"`
	Name     string          `json:"name"`
}

// BufferStatistics summarizes a buffer result. Areas are square meters.
type BufferStatistics struct {
	OriginalArea         float64   `json:"original_area"`
	BufferedArea         float64   `json:"buffered_area"`
	BufferPerimeter      float64   `json:"buffer_perimeter"`
	BBox                 []float64 `json:"bbox"`
	BufferDistance       float64   `json:"buffer_distance"`
	Units                geo.Unit  `json:"units"`
	BufferDistanceMeters float64   `json:"buffer_distance_meters"`
	Steps                int       `json:"steps"`
}

// BufferResult is the job result of a buffer job.
type BufferResult struct {
	BufferedGeometry json.RawMessage  `json:"buffered_geometry"`
	StoredFeatureID  string           `json:"stored_feature_id,omitempty"`
	Statistics       BufferStatistics `json:"statistics"`
	ProcessingTime   int64            `json:"processing_time"`
	OperationType    string           `json:"operation_type"`
}

// Process implements Processor.
func (p *BufferProcessor) Process(ctx context.Context, job *model.Job) (any, error) {
	start := time.Now()

	var params bufferParams
	if err := decodeParams(job, &params); err != nil {
		return nil, err
	}
	g, err := geo.ParseGeometry(params.Geometry)
	if err != nil {
		return nil, &ValidationError{Message: "Invalid or missing geometry", Err: err}
	}
	if params.Distance == nil || *params.Distance <= 0 || math.IsNaN(*params.Distance) || math.IsInf(*params.Distance, 0) {
		return nil, invalid("Distance must be a positive number")
	}
	unit, err := geo.ParseUnit(params.Units)
	if err != nil {
		return nil, &ValidationError{Message: err.Error(), Err: err}
	}
	steps := min(max(intPtrOr(params.Steps, geo.DefaultBufferSteps), geo.MinBufferSteps), maxBufferSteps)

	distance := *params.Distance
	meters := unit.ToMeters(distance)

	buffered, err := geo.Buffer(g, meters, steps)
	if err != nil {
		switch {
		case errors.Is(err, geo.ErrOutsideProjection):
			return nil, &ValidationError{Message: "Geometry is outside the supported latitude range", Err: err}
		case errors.Is(err, geo.ErrNotLonLat):
			return nil, &ValidationError{Message: "Geometry coordinates must be longitude and latitude", Err: err}
		case errors.Is(err, geo.ErrInvalidGeometry):
			return nil, &ValidationError{Message: "Invalid or missing geometry", Err: err}
		}
		return nil, fmt.Errorf("buffer geometry: %w", err)
	}
	geomJSON, err := geo.MarshalGeometry(buffered)
	if err != nil {
		return nil, fmt.Errorf("encode buffered geometry: %w", err)
	}

	result := &BufferResult{
		BufferedGeometry: geomJSON,
		Statistics: BufferStatistics{
			OriginalArea:         geo.Area(g),
			BufferedArea:         geo.Area(buffered),
			BufferPerimeter:      geo.Perimeter(buffered),
			BBox:                 geo.BBox(buffered),
			BufferDistance:       distance,
			Units:                unit,
			BufferDistanceMeters: meters,
			Steps:                steps,
		},
		OperationType: "buffer",
	}

	result.StoredFeatureID = p.store(ctx, job, &params, unit, geomJSON)
	result.ProcessingTime = elapsedMillis(start)
	return result, nil
}

// store saves the buffer as a geographic feature. Failures are logged and
// reported as an empty id; the buffer itself is still returned.
func (p *BufferProcessor) store(
	ctx context.Context,
	job *model.Job,
	params *bufferParams,
	unit geo.Unit,
	geomJSON json.RawMessage,
) string {
	if p.features == nil {
		return ""
	}

	name := params.Name
	if name == "" {
		name = fmt.Sprintf("Buffer %s %s", strconv.FormatFloat(*params.Distance, 'f', -1, 64), unit)
	}
	props, err := json.Marshal(map[string]any{
		"job_id":          job.ID,
		"buffer_distance": *params.Distance,
		"units":           unit,
		"operation_type":  "buffer",
	})
	if err != nil {
		p.logger.WarnContext(ctx, "failed to encode buffer feature properties", "job_id", job.ID, "error", err)
		return ""
	}

	feature, err := p.features.Create(ctx, &model.CreateFeatureRequest{
		JobID:          job.ID,
		ProjectID:      job.ProjectID,
		OrganizationID: job.OrganizationID,
		UserID:         job.UserID,
		Name:           name,
		FeatureType:    "buffer",
		Geometry:       geomJSON,
		Properties:     props,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "failed to store buffer feature", "job_id", job.ID, "error", err)
		return ""
	}
	return feature.ID
}

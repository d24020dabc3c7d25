package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/paulmach/orb"

	"github.com/target/geojobs/internal/core"
	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/geo"
	"github.com/target/geojobs/internal/raster"
)

// Zonal statistic names.
const (
	StatMean  = "mean"
	StatMin   = "min"
	StatMax   = "max"
	StatSum   = "sum"
	StatCount = "count"
	StatStd   = "std"
)

var (
	knownZonalStats   = map[string]bool{StatMean: true, StatMin: true, StatMax: true, StatSum: true, StatCount: true, StatStd: true}
	defaultZonalStats = []string{StatMean, StatMin, StatMax, StatSum, StatCount}
)

// ZonalOptions configures the zonal statistics processor.
type ZonalOptions struct {
	Rasters core.RasterSource
	Logger  *slog.Logger
}

// ZonalProcessor aggregates raster values inside each zone.
type ZonalProcessor struct {
	rasters core.RasterSource
	logger  *slog.Logger
}

// NewZonalProcessor creates a ZonalProcessor.
func NewZonalProcessor(opts ZonalOptions) *ZonalProcessor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ZonalProcessor{rasters: opts.Rasters, logger: logger.With("component", "zonal_processor")}
}

// Type implements Processor.
func (p *ZonalProcessor) Type() model.JobType { return model.JobTypeZonalStats }

type zonalParams struct {
	Zones       json.RawMessage `json:"zones"`
	RasterData  raster.Ref      `json:"raster_data"`
	Statistics  []string        `json:"statistics"`
	ZoneIDField string          `json:"zone_id_field"`
	Band        *int            `json:"band"`
}

// ZoneStatistics is the per-zone entry of a zonal statistics result.
type ZoneStatistics struct {
	ZoneID          string             `json:"zone_id"`
	ZoneName        string             `json:"zone_name,omitempty"`
	Area            float64            `json:"area"`
	PixelCount      int                `json:"pixel_count"`
	ValidPixelCount int                `json:"valid_pixel_count"`
	Statistics      map[string]float64 `json:"statistics"`
	Geometry        json.RawMessage    `json:"geometry"`
	Error           string             `json:"error,omitempty"`
}

// ZonalSummary aggregates all zones.
type ZonalSummary struct {
	TotalZones       int      `json:"total_zones"`
	TotalArea        float64  `json:"total_area"`
	TotalPixels      int      `json:"total_pixels"`
	TotalValidPixels int      `json:"total_valid_pixels"`
	OverallMean      *float64 `json:"overall_mean,omitempty"`
	OverallMin       *float64 `json:"overall_min,omitempty"`
	OverallMax       *float64 `json:"overall_max,omitempty"`
}

// ZonalResult is the job result of a zonal statistics job.
type ZonalResult struct {
	ZoneStatistics      []ZoneStatistics `json:"zone_statistics"`
	Summary             ZonalSummary     `json:"summary"`
	StatisticsRequested []string         `json:"statistics_requested"`
	ProcessingTime      int64            `json:"processing_time"`
}

// Process implements Processor.
func (p *ZonalProcessor) Process(ctx context.Context, job *model.Job) (any, error) {
	start := time.Now()

	var params zonalParams
	if err := decodeParams(job, &params); err != nil {
		return nil, err
	}
	zones, err := geo.ParseZones(params.Zones)
	if err != nil {
		return nil, &ValidationError{Message: "Invalid zones: " + err.Error(), Err: err}
	}
	if params.RasterData.IsZero() {
		return nil, invalid("No raster data source provided")
	}
	requested, err := resolveZonalStats(params.Statistics)
	if err != nil {
		return nil, err
	}

	idExpr := strings.TrimSpace(params.ZoneIDField)
	if idExpr != "" {
		if _, err := jmespath.Compile(idExpr); err != nil {
			return nil, &ValidationError{Message: "Invalid zone_id_field: " + err.Error(), Err: err}
		}
	}

	img, err := p.rasters.Load(ctx, params.RasterData)
	if err != nil {
		return nil, fmt.Errorf("load raster %s: %w", params.RasterData, err)
	}
	band, err := bandOrInvalid(img, intPtrOr(params.Band, 1), "band")
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(requested))
	for _, s := range requested {
		want[s] = true
	}

	out := &ZonalResult{
		ZoneStatistics:      make([]ZoneStatistics, 0, len(zones)),
		StatisticsRequested: requested,
	}
	var overall runningStats
	for _, z := range zones {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		zs, acc := p.processZone(ctx, job, z, idExpr, img, band, want)
		out.ZoneStatistics = append(out.ZoneStatistics, zs)

		out.Summary.TotalArea += zs.Area
		out.Summary.TotalPixels += zs.PixelCount
		out.Summary.TotalValidPixels += zs.ValidPixelCount
		if acc != nil && acc.n > 0 {
			mergeStats(&overall, acc)
		}
	}
	out.Summary.TotalZones = len(zones)

	if overall.n > 0 {
		if want[StatMean] {
			mean := overall.sum / float64(overall.n)
			out.Summary.OverallMean = &mean
		}
		if want[StatMin] {
			v := overall.min
			out.Summary.OverallMin = &v
		}
		if want[StatMax] {
			v := overall.max
			out.Summary.OverallMax = &v
		}
	}

	out.ProcessingTime = elapsedMillis(start)
	return out, nil
}

// processZone computes one zone. Any failure, including a panic, yields an
// empty entry carrying the error so the batch can continue.
func (p *ZonalProcessor) processZone(
	ctx context.Context,
	job *model.Job,
	z geo.Zone,
	idExpr string,
	img *raster.Raster,
	band []float64,
	want map[string]bool,
) (zs ZoneStatistics, acc *runningStats) {
	zs = ZoneStatistics{
		ZoneID:     p.zoneID(ctx, z, idExpr),
		ZoneName:   z.Name,
		Statistics: map[string]float64{},
		Geometry:   json.RawMessage("null"),
	}

	fail := func(err error) {
		p.logger.WarnContext(ctx, "zone skipped",
			"job_id", job.ID,
			"zone_index", z.Index,
			"zone_id", zs.ZoneID,
			"error", err)
		zs.Area, zs.PixelCount, zs.ValidPixelCount = 0, 0, 0
		zs.Statistics = map[string]float64{}
		zs.Error = err.Error()
		acc = nil
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "zone processing panicked",
				"job_id", job.ID, "zone_index", z.Index, "panic", r, "stack", string(debug.Stack()))
			fail(fmt.Errorf("zone processing panicked: %v", r))
		}
	}()

	if z.Err != nil {
		fail(z.Err)
		return zs, nil
	}
	if geomJSON, err := geo.MarshalGeometry(z.Geometry); err == nil {
		zs.Geometry = geomJSON
	}
	if !geo.IsPolygonal(z.Geometry) {
		fail(fmt.Errorf("zone geometry must be a Polygon or MultiPolygon, got %s", z.Geometry.GeoJSONType()))
		return zs, nil
	}

	if img.IsGeographic() {
		zs.Area = geo.Area(z.Geometry)
	} else {
		zs.Area = geo.PlanarArea(z.Geometry)
	}

	acc = &runningStats{}
	clipped := geo.ClipToBound(z.Geometry, img.Bounds)
	if clipped != nil {
		zs.PixelCount = visitZone(img, band, clipped, acc)
	}
	zs.ValidPixelCount = acc.n

	s := acc
	if want[StatCount] {
		zs.Statistics[StatCount] = float64(s.n)
	}
	if want[StatSum] {
		zs.Statistics[StatSum] = s.sum
	}
	if s.n > 0 {
		if want[StatMean] {
			zs.Statistics[StatMean] = s.mean
		}
		if want[StatMin] {
			zs.Statistics[StatMin] = s.min
		}
		if want[StatMax] {
			zs.Statistics[StatMax] = s.max
		}
		if want[StatStd] {
			zs.Statistics[StatStd] = s.std()
		}
	}
	return zs, acc
}

// visitZone feeds valid pixels whose centers fall inside g into acc and
// returns the number of pixels inside g.
func visitZone(img *raster.Raster, band []float64, g orb.Geometry, acc *runningStats) int {
	w := img.WindowFor(g.Bound())
	if w.Empty() {
		return 0
	}
	inside := 0
	for row := w.MinRow; row <= w.MaxRow; row++ {
		for col := w.MinCol; col <= w.MaxCol; col++ {
			if !geo.Contains(g, img.PixelCenter(col, row)) {
				continue
			}
			inside++
			v := band[row*img.Width+col]
			if img.IsNoData(v) {
				continue
			}
			acc.add(v)
		}
	}
	return inside
}

func (p *ZonalProcessor) zoneID(ctx context.Context, z geo.Zone, idExpr string) string {
	if idExpr != "" && z.Properties != nil {
		v, err := jmespath.Search(idExpr, z.Properties)
		if err != nil {
			p.logger.DebugContext(ctx, "zone_id_field lookup failed", "zone_index", z.Index, "error", err)
		} else if id := geo.ScalarString(v); id != "" {
			return id
		}
	}
	if z.ID != "" {
		return z.ID
	}
	return fmt.Sprintf("zone_%d", z.Index+1)
}

func resolveZonalStats(names []string) ([]string, error) {
	if len(names) == 0 {
		return append([]string(nil), defaultZonalStats...), nil
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if !knownZonalStats[n] {
			return nil, invalid("Unsupported statistic: " + n)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

// mergeStats folds src into dst (parallel Welford merge).
func mergeStats(dst, src *runningStats) {
	if dst.n == 0 {
		*dst = *src
		return
	}
	n := dst.n + src.n
	delta := src.mean - dst.mean
	dst.m2 += src.m2 + delta*delta*float64(dst.n)*float64(src.n)/float64(n)
	dst.mean += delta * float64(src.n) / float64(n)
	dst.sum += src.sum
	dst.min = min(dst.min, src.min)
	dst.max = max(dst.max, src.max)
	dst.n = n
}

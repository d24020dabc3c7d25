package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/testutil/fakes"
)

const zonalRasterURL = "https://imagery.example.com/grid.tif"

// grid4x4 is a pixel-space raster holding 1..16 row-major, top row first.
func grid4x4(t *testing.T, noData *float64) *fakes.Rasters {
	t.Helper()
	values := make([]float64, 16)
	for i := range values {
		values[i] = float64(i + 1)
	}
	return fakes.NewRasters().Add(zonalRasterURL, mustRaster(t, 4, 4, nil, noData, values))
}

func runZonal(t *testing.T, rasters *fakes.Rasters, params string) (*ZonalResult, error) {
	t.Helper()
	p := NewZonalProcessor(ZonalOptions{Rasters: rasters})
	out, err := p.Process(context.Background(), newJob(model.JobTypeZonalStats, params))
	if err != nil {
		return nil, err
	}
	return out.(*ZonalResult), nil
}

const (
	topLeftSquare = `{"type":"Polygon","coordinates":[[[0,2],[2,2],[2,4],[0,4],[0,2]]]}`
	wholeGrid     = `{"type":"Polygon","coordinates":[[[0,0],[4,0],[4,4],[0,4],[0,0]]]}`
)

func TestZonalProcessor_Batch(t *testing.T) {
	params := `{
		"zones": {"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"name":"North west"},"geometry":` + topLeftSquare + `},
			{"type":"Feature","properties":{"parcel":{"id":"P-7"},"name":"All"},"geometry":` + wholeGrid + `},
			{"type":"Feature","properties":{},"geometry":null}
		]},
		"raster_data": "` + zonalRasterURL + `",
		"zone_id_field": "parcel.id"
	}`
	res, err := runZonal(t, grid4x4(t, nil), params)
	require.NoError(t, err)
	require.Len(t, res.ZoneStatistics, 3)
	assert.Equal(t, []string{StatMean, StatMin, StatMax, StatSum, StatCount}, res.StatisticsRequested)

	nw := res.ZoneStatistics[0]
	assert.Equal(t, "zone_1", nw.ZoneID)
	assert.Equal(t, "North west", nw.ZoneName)
	assert.Equal(t, 4, nw.PixelCount)
	assert.Equal(t, 4, nw.ValidPixelCount)
	assert.InDelta(t, 4, nw.Area, 1e-9)
	assert.Equal(t, map[string]float64{
		StatCount: 4, StatSum: 14, StatMean: 3.5, StatMin: 1, StatMax: 6,
	}, nw.Statistics)
	assert.Empty(t, nw.Error)

	all := res.ZoneStatistics[1]
	assert.Equal(t, "P-7", all.ZoneID)
	assert.Equal(t, 16, all.PixelCount)
	assert.Equal(t, 136.0, all.Statistics[StatSum])
	assert.NotContains(t, all.Statistics, StatStd)

	bad := res.ZoneStatistics[2]
	assert.Equal(t, "zone_3", bad.ZoneID)
	assert.NotEmpty(t, bad.Error)
	assert.Equal(t, 0, bad.PixelCount)
	assert.Equal(t, 0.0, bad.Area)
	assert.Empty(t, bad.Statistics)

	s := res.Summary
	assert.Equal(t, 3, s.TotalZones)
	assert.Equal(t, 20, s.TotalPixels)
	assert.Equal(t, 20, s.TotalValidPixels)
	assert.InDelta(t, 20, s.TotalArea, 1e-9)
	require.NotNil(t, s.OverallMean)
	assert.InDelta(t, 7.5, *s.OverallMean, 1e-9)
	assert.Equal(t, 1.0, *s.OverallMin)
	assert.Equal(t, 16.0, *s.OverallMax)
}

func TestZonalProcessor_NoDataAndInvariants(t *testing.T) {
	noData := 6.0
	params := `{"zones":[` + topLeftSquare + `,` + wholeGrid + `],"raster_data":"` + zonalRasterURL + `","statistics":["count","sum","mean","std"]}`
	res, err := runZonal(t, grid4x4(t, &noData), params)
	require.NoError(t, err)

	nw := res.ZoneStatistics[0]
	assert.Equal(t, 4, nw.PixelCount)
	assert.Equal(t, 3, nw.ValidPixelCount)
	assert.Equal(t, 8.0, nw.Statistics[StatSum])
	assert.NotContains(t, nw.Statistics, StatMin)

	for _, z := range res.ZoneStatistics {
		assert.Equal(t, float64(z.ValidPixelCount), z.Statistics[StatCount])
		assert.LessOrEqual(t, z.ValidPixelCount, z.PixelCount)
		if z.ValidPixelCount > 0 {
			assert.InDelta(t, z.Statistics[StatSum]/z.Statistics[StatCount], z.Statistics[StatMean], 1e-9)
			assert.Contains(t, z.Statistics, StatStd)
		}
	}
	assert.Nil(t, res.Summary.OverallMin, "min was not requested")
}

func TestZonalProcessor_Geometries(t *testing.T) {
	t.Run("zone outside raster", func(t *testing.T) {
		params := `{"zones":{"type":"Polygon","coordinates":[[[10,10],[12,10],[12,12],[10,12],[10,10]]]},"raster_data":"` + zonalRasterURL + `"}`
		res, err := runZonal(t, grid4x4(t, nil), params)
		require.NoError(t, err)
		z := res.ZoneStatistics[0]
		assert.Empty(t, z.Error)
		assert.Equal(t, 0, z.PixelCount)
		assert.Equal(t, 0.0, z.Statistics[StatCount])
		assert.NotContains(t, z.Statistics, StatMean)
		assert.Nil(t, res.Summary.OverallMean)
	})

	t.Run("point zone is reported", func(t *testing.T) {
		params := `{"zones":[{"type":"Point","coordinates":[1,1]}],"raster_data":"` + zonalRasterURL + `"}`
		res, err := runZonal(t, grid4x4(t, nil), params)
		require.NoError(t, err)
		assert.Contains(t, res.ZoneStatistics[0].Error, "Polygon")
		assert.JSONEq(t, `{"type":"Point","coordinates":[1,1]}`, string(res.ZoneStatistics[0].Geometry))
	})

	t.Run("feature id used when no expression", func(t *testing.T) {
		params := `{"zones":{"type":"Feature","id":42,"properties":null,"geometry":` + wholeGrid + `},"raster_data":"` + zonalRasterURL + `"}`
		res, err := runZonal(t, grid4x4(t, nil), params)
		require.NoError(t, err)
		assert.Equal(t, "42", res.ZoneStatistics[0].ZoneID)
	})

	t.Run("geographic raster uses square meters", func(t *testing.T) {
		b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0.04, 0.04}}
		rasters := fakes.NewRasters().Add(zonalRasterURL, mustRaster(t, 4, 4, &b, nil, make([]float64, 16)))
		params := `{"zones":{"type":"Polygon","coordinates":[[[0,0],[0.04,0],[0.04,0.04],[0,0.04],[0,0]]]},"raster_data":"` + zonalRasterURL + `"}`
		res, err := runZonal(t, rasters, params)
		require.NoError(t, err)
		assert.Greater(t, res.ZoneStatistics[0].Area, 1e7)
		assert.Equal(t, 16, res.ZoneStatistics[0].PixelCount)
	})
}

func TestZonalProcessor_PlanarRasters(t *testing.T) {
	ramp := make([]float64, 300)
	for i := range ramp {
		ramp[i] = float64(i)
	}
	utm := orb.Bound{Min: orb.Point{500000, 4000000}, Max: orb.Point{500040, 4000040}}
	grid := make([]float64, 16)
	for i := range grid {
		grid[i] = float64(i + 1)
	}

	tests := []struct {
		name       string
		raster     func(t *testing.T) *fakes.Rasters
		zone       string
		wantPixels int
		wantSum    float64
		wantArea   float64
	}{
		{
			name: "projected meters",
			raster: func(t *testing.T) *fakes.Rasters {
				return fakes.NewRasters().Add(zonalRasterURL, mustRaster(t, 4, 4, &utm, nil, grid))
			},
			zone:       `{"type":"Polygon","coordinates":[[[500000,4000000],[500020,4000000],[500020,4000040],[500000,4000040],[500000,4000000]]]}`,
			wantPixels: 8,
			wantSum:    1 + 2 + 5 + 6 + 9 + 10 + 13 + 14,
			wantArea:   800,
		},
		{
			name: "pixel space wider than 180",
			raster: func(t *testing.T) *fakes.Rasters {
				return fakes.NewRasters().Add(zonalRasterURL, mustRaster(t, 300, 1, nil, nil, ramp))
			},
			zone:       `{"type":"Polygon","coordinates":[[[190,0],[210,0],[210,1],[190,1],[190,0]]]}`,
			wantPixels: 20,
			wantSum:    (190 + 209) * 20 / 2,
			wantArea:   20,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := `{"zones":[` + tt.zone + `],"raster_data":"` + zonalRasterURL + `"}`
			res, err := runZonal(t, tt.raster(t), params)
			require.NoError(t, err)

			z := res.ZoneStatistics[0]
			assert.Empty(t, z.Error)
			assert.Equal(t, tt.wantPixels, z.PixelCount)
			assert.Equal(t, tt.wantSum, z.Statistics[StatSum])
			assert.InDelta(t, tt.wantArea, z.Area, 1e-6)
		})
	}
}

func TestZonalProcessor_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params string
		msg    string
	}{
		{name: "missing zones", params: `{"raster_data":"` + zonalRasterURL + `"}`, msg: "Invalid zones: zones must be a geometry, feature, feature collection, geometry collection, or array"},
		{name: "missing raster", params: `{"zones":[` + wholeGrid + `]}`, msg: "No raster data source provided"},
		{name: "unknown statistic", params: `{"zones":[` + wholeGrid + `],"raster_data":"` + zonalRasterURL + `","statistics":["median"]}`, msg: "Unsupported statistic: median"},
		{name: "band out of range", params: `{"zones":[` + wholeGrid + `],"raster_data":"` + zonalRasterURL + `","band":2}`, msg: "Invalid band: band 2 out of range (raster has 1 bands)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runZonal(t, grid4x4(t, nil), tt.params)
			requireValidation(t, err, tt.msg)
		})
	}

	t.Run("bad zone_id_field", func(t *testing.T) {
		_, err := runZonal(t, grid4x4(t, nil), `{"zones":[`+wholeGrid+`],"raster_data":"`+zonalRasterURL+`","zone_id_field":"[[["}`)
		require.Error(t, err)
		assert.True(t, IsValidation(err))
		assert.Contains(t, err.Error(), "Invalid zone_id_field")
	})
}

func TestZonalResult_JSONShape(t *testing.T) {
	res, err := runZonal(t, grid4x4(t, nil), `{"zones":[`+wholeGrid+`],"raster_data":{"url":"`+zonalRasterURL+`"}}`)
	require.NoError(t, err)
	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "zone_statistics")
	assert.Contains(t, doc, "summary")
	assert.Contains(t, doc, "statistics_requested")
	assert.Contains(t, doc, "processing_time")
}

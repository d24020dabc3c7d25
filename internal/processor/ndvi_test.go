package processor

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/raster"
	"github.com/target/geojobs/internal/testutil/fakes"
)

type ndviFixture struct {
	rasters *fakes.Rasters
	objects *fakes.Objects
	results *fakes.IndexResults
	proc    *NDVIProcessor
}

func newNDVIFixture(t *testing.T) *ndviFixture {
	t.Helper()
	f := &ndviFixture{
		rasters: fakes.NewRasters(),
		objects: fakes.NewObjects(),
		results: &fakes.IndexResults{},
	}
	f.proc = NewNDVIProcessor(NDVIOptions{Rasters: f.rasters, Store: f.objects, IndexResults: f.results})
	return f
}

func (f *ndviFixture) run(params string) (*NDVIResult, error) {
	out, err := f.proc.Process(context.Background(), newJob(model.JobTypeVegetationIndex, params))
	if err != nil {
		return nil, err
	}
	return out.(*NDVIResult), nil
}

func TestNDVIProcessor_Compute(t *testing.T) {
	f := newNDVIFixture(t)
	noData := -9999.0
	f.rasters.Add("https://imagery.example.com/scene.tif", mustRaster(t, 2, 2, nil, &noData,
		[]float64{0.1, 0.2, 0.5, noData},
		[]float64{0.5, 0.2, 0.1, 0.3},
	))

	res, err := f.run(`{"raster_url":"https://imagery.example.com/scene.tif"}`)
	require.NoError(t, err)

	s := res.Statistics
	assert.Equal(t, 4, s.TotalPixels)
	assert.Equal(t, 3, s.ValidPixels)
	assert.InDelta(t, -2.0/3, s.Min, 1e-9)
	assert.InDelta(t, 2.0/3, s.Max, 1e-9)
	assert.InDelta(t, 0, s.Mean, 1e-9)
	assert.Equal(t, NDVIHistogram{Water: 1, BareSoil: 1, HighVegetation: 1}, s.Histogram)
	assert.InDelta(t, 100.0/3, s.VegetationPercentage, 1e-9)
	assert.Equal(t, raster.FormatGeoTIFF, res.OutputFormat)
	assert.Equal(t, "mem://jobs/job-1/ndvi.tif", res.RasterURL)

	body, contentType, ok := f.objects.Get("jobs/job-1/ndvi.tif")
	require.True(t, ok)
	assert.Equal(t, "image/tiff", contentType)
	w, h, bands, err := raster.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, 2, w)
	assert.Equal(t, 2, h)
	require.Len(t, bands, 1)
	assert.Equal(t, float64(encodeSigned(2.0/3)), bands[0][0])
	assert.Equal(t, 32768.0, bands[0][1])
	assert.Equal(t, 0.0, bands[0][3], "no-data pixel encodes as 0")

	stored := f.results.All()
	require.Len(t, stored, 1)
	assert.Equal(t, res.NDVIResultID, stored[0].ID)
	assert.Equal(t, "ndvi", stored[0].IndexType)
	assert.Equal(t, res.RasterURL, stored[0].RasterURL)
	var persisted NDVIStatistics
	require.NoError(t, json.Unmarshal(stored[0].Statistics, &persisted))
	assert.Equal(t, s.ValidPixels, persisted.ValidPixels)
}

func TestNDVIProcessor_DatasetAndPNG(t *testing.T) {
	f := newNDVIFixture(t)
	f.rasters.Add("dataset:ds-1", mustRaster(t, 1, 1, nil, nil,
		[]float64{10}, []float64{0}, []float64{30},
	))

	res, err := f.run(`{"dataset_id":"ds-1","red_band":1,"nir_band":3,"output_format":"PNG"}`)
	require.NoError(t, err)
	assert.Equal(t, raster.FormatPNG, res.OutputFormat)
	assert.Equal(t, "mem://jobs/job-1/ndvi.png", res.RasterURL)
	assert.InDelta(t, 0.5, res.Statistics.Mean, 1e-9)
	assert.Equal(t, 1, res.Statistics.Histogram.ModerateVegetation)

	_, contentType, ok := f.objects.Get("jobs/job-1/ndvi.png")
	require.True(t, ok)
	assert.Equal(t, "image/png", contentType)
}

func TestNDVIProcessor_ZeroSumIsNoData(t *testing.T) {
	f := newNDVIFixture(t)
	f.rasters.Add("https://x.example.com/a.tif", mustRaster(t, 2, 1, nil, nil,
		[]float64{0, 0}, []float64{0, 0},
	))
	res, err := f.run(`{"raster_url":"https://x.example.com/a.tif"}`)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Statistics.ValidPixels)
	assert.Equal(t, 2, res.Statistics.TotalPixels)
	assert.Equal(t, 0.0, res.Statistics.VegetationPercentage)
}

func TestNDVIProcessor_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const w, h = 16, 16
	red := make([]float64, w*h)
	nir := make([]float64, w*h)
	for i := range red {
		red[i] = rng.Float64()*2000 - 100
		nir[i] = rng.Float64()*2000 - 100
	}
	f := newNDVIFixture(t)
	f.rasters.Add("https://x.example.com/r.tif", mustRaster(t, w, h, nil, nil, red, nir))

	res, err := f.run(`{"raster_url":"https://x.example.com/r.tif"}`)
	require.NoError(t, err)
	s := res.Statistics
	assert.GreaterOrEqual(t, s.Min, -1.0)
	assert.LessOrEqual(t, s.Max, 1.0)
	assert.GreaterOrEqual(t, s.VegetationPercentage, 0.0)
	assert.LessOrEqual(t, s.VegetationPercentage, 100.0)
	hist := s.Histogram
	assert.Equal(t, s.ValidPixels, hist.Water+hist.BareSoil+hist.LowVegetation+hist.ModerateVegetation+hist.HighVegetation)
}

func TestNDVIProcessor_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params string
		msg    string
	}{
		{name: "no source", params: `{}`, msg: "No raster data source provided"},
		{name: "blank source", params: `{"raster_url":"  "}`, msg: "No raster data source provided"},
		{name: "bad format", params: `{"raster_url":"https://x.example.com/r.tif","output_format":"jpeg"}`, msg: "Unsupported output format: jpeg"},
		{name: "red band out of range", params: `{"raster_url":"https://x.example.com/r.tif","red_band":5}`, msg: "Invalid red_band: band 5 out of range (raster has 2 bands)"},
		{name: "nir band out of range", params: `{"raster_url":"https://x.example.com/r.tif","nir_band":0}`, msg: "Invalid nir_band: band 0 out of range (raster has 2 bands)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newNDVIFixture(t)
			f.rasters.Add("https://x.example.com/r.tif", mustRaster(t, 1, 1, nil, nil, []float64{1}, []float64{2}))
			_, err := f.run(tt.params)
			requireValidation(t, err, tt.msg)
			assert.Empty(t, f.objects.Keys())
			assert.Empty(t, f.results.All())
		})
	}
}

func TestNDVIProcessor_UpstreamAndPersistenceFailures(t *testing.T) {
	t.Run("fetch failure is wrapped", func(t *testing.T) {
		f := newNDVIFixture(t)
		_, err := f.run(`{"raster_url":"https://x.example.com/missing.tif"}`)
		require.Error(t, err)
		var fetchErr *raster.FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, 404, fetchErr.StatusCode)
		assert.False(t, IsValidation(err))
	})

	t.Run("index result write is fatal", func(t *testing.T) {
		f := newNDVIFixture(t)
		f.results.Err = fakes.ErrInjected
		f.rasters.Add("https://x.example.com/r.tif", mustRaster(t, 1, 1, nil, nil, []float64{1}, []float64{2}))
		_, err := f.run(`{"raster_url":"https://x.example.com/r.tif"}`)
		require.Error(t, err)
		var pe *PersistenceError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "Failed to save NDVI results: injected failure", err.Error())
	})

	t.Run("object store failure", func(t *testing.T) {
		f := newNDVIFixture(t)
		f.objects.Err = fakes.ErrInjected
		f.rasters.Add("https://x.example.com/r.tif", mustRaster(t, 1, 1, nil, nil, []float64{1}, []float64{2}))
		_, err := f.run(`{"raster_url":"https://x.example.com/r.tif"}`)
		require.ErrorIs(t, err, fakes.ErrInjected)
		assert.Empty(t, f.results.All())
	})
}

package raster

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/geojobs/internal/domain/model"
)

type stubDatasets map[string]*model.Dataset

func (s stubDatasets) GetByID(_ context.Context, id string) (*model.Dataset, error) {
	ds, ok := s[id]
	if !ok {
		return nil, errors.New("dataset not found")
	}
	return ds, nil
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = value
	return nil
}

func pngFixture(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, EncodeGray16(&buf, FormatPNG, 2, 2, []uint16{1, 2, 3, 4}))
	return buf.Bytes()
}

func TestLoader_LoadURL(t *testing.T) {
	body := pngFixture(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cache := &memoryCache{}
	l := NewLoader(LoaderOptions{Cache: cache, CacheTTL: time.Minute})

	r, err := l.Load(context.Background(), URLRef(srv.URL+"/a.png"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Width)
	assert.Equal(t, []float64{1, 2, 3, 4}, r.Bands[0])
	assert.False(t, r.Georeferenced)

	// second load is served from cache
	_, err = l.Load(context.Background(), URLRef(srv.URL+"/a.png"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestLoader_SharedFetchOutlivesCaller(t *testing.T) {
	body := pngFixture(t)
	var hits atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			close(started)
		}
		<-release
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cache := &memoryCache{}
	l := NewLoader(LoaderOptions{Cache: cache, CacheTTL: time.Minute, FetchTimeout: 10 * time.Second})
	rawURL := srv.URL + "/slow.png"

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := l.Load(ctx, URLRef(rawURL))
		errc <- err
	}()

	<-started
	cancel()
	err := <-errc
	require.ErrorIs(t, err, context.Canceled)
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)

	// The download keeps going for the other callers and fills the cache.
	close(release)
	require.Eventually(t, func() bool {
		data, _ := cache.Get(context.Background(), rawURL)
		return data != nil
	}, 5*time.Second, 10*time.Millisecond)

	r, err := l.Load(context.Background(), URLRef(rawURL))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Width)
	assert.Equal(t, int32(1), hits.Load())
}

func TestLoader_LoadDataset(t *testing.T) {
	body := pngFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	nd := 4.0
	l := NewLoader(LoaderOptions{Datasets: stubDatasets{
		"ds-1": {ID: "ds-1", URL: srv.URL + "/ds.png", Bounds: []float64{0, 0, 20, 10}, NoData: &nd},
	}})

	r, err := l.Load(context.Background(), DatasetRef("ds-1"))
	require.NoError(t, err)
	assert.True(t, r.Georeferenced)
	assert.Equal(t, PixelSize{X: 10, Y: 5}, r.PixelSize)
	assert.True(t, r.IsNoData(4))

	_, err = l.Load(context.Background(), DatasetRef("missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve dataset missing")
}

func TestLoader_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	t.Run("bad status", func(t *testing.T) {
		l := NewLoader(LoaderOptions{})
		_, err := l.Load(context.Background(), URLRef(srv.URL+"/missing.tif"))
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	})

	t.Run("circuit opens", func(t *testing.T) {
		l := NewLoader(LoaderOptions{BreakerFailures: 1, BreakerCooldown: time.Hour})
		_, err := l.Load(context.Background(), URLRef(srv.URL+"/x.tif"))
		require.Error(t, err)
		_, err = l.Load(context.Background(), URLRef(srv.URL+"/y.tif"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "circuit breaker is open")
	})

	t.Run("host not allowed", func(t *testing.T) {
		l := NewLoader(LoaderOptions{AllowedDomains: []string{"example.com"}})
		_, err := l.Load(context.Background(), URLRef("https://tiles.other.org/a.tif"))
		require.ErrorIs(t, err, ErrHostNotAllowed)
	})

	t.Run("too large", func(t *testing.T) {
		big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(make([]byte, 64))
		}))
		defer big.Close()
		l := NewLoader(LoaderOptions{MaxBytes: 16})
		_, err := l.Load(context.Background(), URLRef(big.URL))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds 16 bytes")
	})

	t.Run("empty reference", func(t *testing.T) {
		_, err := NewLoader(LoaderOptions{}).Load(context.Background(), Ref{})
		require.Error(t, err)
	})
}

func TestLoader_CheckURL(t *testing.T) {
	l := NewLoader(LoaderOptions{AllowedDomains: []string{"example.com"}})

	_, err := l.checkURL("https://tiles.example.com/a.tif")
	require.NoError(t, err)

	_, err = l.checkURL("https://example.com.evil.net/a.tif")
	require.ErrorIs(t, err, ErrHostNotAllowed)

	_, err = l.checkURL("ftp://example.com/a.tif")
	require.Error(t, err)
}

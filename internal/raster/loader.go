package raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/target/geojobs/internal/domain/model"
)

// DefaultFetchTimeout bounds a raster download when no timeout is configured.
const DefaultFetchTimeout = 300 * time.Second

// ErrHostNotAllowed is returned when a raster URL is outside the allowed domains.
var ErrHostNotAllowed = errors.New("raster host not allowed")

// FetchError describes a failed raster download.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("raster: fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("raster: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DatasetLookup resolves dataset ids to their stored location.
type DatasetLookup interface {
	GetByID(ctx context.Context, id string) (*model.Dataset, error)
}

// ByteCache stores fetched raster bytes. Get returns nil on a miss.
type ByteCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Datasets   DatasetLookup
	Cache      ByteCache
	HTTPClient *http.Client
	Logger     *slog.Logger

	FetchTimeout    time.Duration
	MaxBytes        int64
	AllowedDomains  []string
	CacheTTL        time.Duration
	CacheMaxBytes   int64
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Loader fetches rasters over HTTP(S) and decodes them. It is safe for concurrent use.
type Loader struct {
	datasets DatasetLookup
	cache    ByteCache
	client   *http.Client
	logger   *slog.Logger

	timeout         time.Duration
	maxBytes        int64
	allowed         map[string]struct{}
	cacheTTL        time.Duration
	cacheMaxBytes   int64
	breakerFailures uint32
	breakerCooldown time.Duration

	group    singleflight.Group
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewLoader creates a Loader.
func NewLoader(opts LoaderOptions) *Loader {
	l := &Loader{
		datasets:        opts.Datasets,
		cache:           opts.Cache,
		client:          opts.HTTPClient,
		logger:          opts.Logger,
		timeout:         opts.FetchTimeout,
		maxBytes:        opts.MaxBytes,
		cacheTTL:        opts.CacheTTL,
		cacheMaxBytes:   opts.CacheMaxBytes,
		breakerFailures: opts.BreakerFailures,
		breakerCooldown: opts.BreakerCooldown,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
	}
	if l.timeout <= 0 {
		l.timeout = DefaultFetchTimeout
	}
	if l.client == nil {
		l.client = &http.Client{Timeout: l.timeout}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "raster_loader")
	if l.breakerFailures == 0 {
		l.breakerFailures = 5
	}
	if l.breakerCooldown <= 0 {
		l.breakerCooldown = 30 * time.Second
	}
	if len(opts.AllowedDomains) > 0 {
		l.allowed = make(map[string]struct{}, len(opts.AllowedDomains))
		for _, d := range opts.AllowedDomains {
			l.allowed[strings.ToLower(d)] = struct{}{}
		}
	}
	return l
}

// Load resolves ref and returns the decoded raster.
func (l *Loader) Load(ctx context.Context, ref Ref) (*Raster, error) {
	if ref.IsZero() {
		return nil, errors.New("raster reference is empty")
	}

	src, err := l.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	data, err := l.fetch(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	width, height, bands, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return New(width, height, bands, src.Bounds, src.NoData)
}

// resolve turns a dataset reference into a URL ref, keeping caller overrides.
func (l *Loader) resolve(ctx context.Context, ref Ref) (Ref, error) {
	if ref.URL != "" {
		return ref, nil
	}
	if l.datasets == nil {
		return Ref{}, fmt.Errorf("raster: dataset %s cannot be resolved without a dataset store", ref.DatasetID)
	}
	ds, err := l.datasets.GetByID(ctx, ref.DatasetID)
	if err != nil {
		return Ref{}, fmt.Errorf("raster: resolve dataset %s: %w", ref.DatasetID, err)
	}

	out := Ref{URL: ds.URL, DatasetID: ds.ID, Bounds: ref.Bounds, NoData: ref.NoData}
	if out.Bounds == nil && len(ds.Bounds) > 0 {
		b, err := BoundFromSlice(ds.Bounds)
		if err != nil {
			return Ref{}, fmt.Errorf("raster: dataset %s: %w", ds.ID, err)
		}
		out.Bounds = &b
	}
	if out.NoData == nil {
		out.NoData = ds.NoData
	}
	return out, nil
}

func (l *Loader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := l.checkURL(rawURL)
	if err != nil {
		return nil, err
	}

	if data := l.cached(ctx, rawURL); data != nil {
		return data, nil
	}

	// The shared download is not tied to whichever caller started it and is
	// bounded by the fetch timeout alone. Each caller stops waiting when its
	// own context ends.
	detached := context.WithoutCancel(ctx)
	ch := l.group.DoChan(rawURL, func() (any, error) {
		v, err := l.breaker(u.Hostname()).Execute(func() (any, error) {
			return l.download(detached, rawURL)
		})
		if err == nil {
			data, _ := v.([]byte)
			l.store(detached, rawURL, data)
		}
		return v, err
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, &FetchError{URL: rawURL, Err: ctx.Err()}
	}
	if res.Err != nil {
		if errors.Is(res.Err, gobreaker.ErrOpenState) || errors.Is(res.Err, gobreaker.ErrTooManyRequests) {
			return nil, &FetchError{URL: rawURL, Err: res.Err}
		}
		return nil, res.Err
	}
	if res.Shared {
		l.logger.DebugContext(ctx, "raster fetch shared", "url", rawURL)
	}
	data, _ := res.Val.([]byte)
	return data, nil
}

func (l *Loader) checkURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("raster: invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("raster: unsupported url scheme %q", u.Scheme)
	}
	if l.allowed == nil {
		return u, nil
	}

	host := strings.ToLower(u.Hostname())
	if _, ok := l.allowed[host]; ok {
		return u, nil
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err == nil {
		if _, ok := l.allowed[domain]; ok {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}

func (l *Loader) cached(ctx context.Context, key string) []byte {
	if l.cache == nil || l.cacheTTL <= 0 {
		return nil
	}
	data, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.WarnContext(ctx, "raster cache get failed", "url", key, "error", err)
		return nil
	}
	return data
}

func (l *Loader) store(ctx context.Context, key string, data []byte) {
	if l.cache == nil || l.cacheTTL <= 0 || len(data) == 0 {
		return
	}
	if l.cacheMaxBytes > 0 && int64(len(data)) > l.cacheMaxBytes {
		return
	}
	if err := l.cache.Set(ctx, key, data, l.cacheTTL); err != nil {
		l.logger.WarnContext(ctx, "raster cache set failed", "url", key, "error", err)
	}
}

func (l *Loader) breaker(host string) *gobreaker.CircuitBreaker {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cb, ok := l.breakers[host]; ok {
		return cb
	}
	failures := l.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     l.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("raster host circuit changed state",
				"host", name, "from", from.String(), "to", to.String())
		},
	})
	l.breakers[host] = cb
	return cb
}

func (l *Loader) download(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body := io.Reader(resp.Body)
	if l.maxBytes > 0 {
		body = io.LimitReader(resp.Body, l.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if l.maxBytes > 0 && int64(len(data)) > l.maxBytes {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("raster exceeds %d bytes", l.maxBytes)}
	}
	return data, nil
}

package fakes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/geojobs/internal/core"
	"github.com/target/geojobs/internal/data"
	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/raster"
)

// Projects is an in-memory project store.
type Projects struct {
	mu    sync.Mutex
	items map[string]*model.Project
	Err   error
}

// NewProjects seeds a project store.
func NewProjects(ps ...*model.Project) *Projects {
	s := &Projects{items: map[string]*model.Project{}}
	for _, p := range ps {
		s.items[p.ID] = p
	}
	return s
}

// GetByID implements core.ProjectRepository.
func (s *Projects) GetByID(_ context.Context, id string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	p, ok := s.items[id]
	if !ok {
		return nil, data.ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

// Datasets is an in-memory dataset store.
type Datasets struct {
	mu    sync.Mutex
	items map[string]*model.Dataset
	Err   error
}

// NewDatasets seeds a dataset store.
func NewDatasets(ds ...*model.Dataset) *Datasets {
	s := &Datasets{items: map[string]*model.Dataset{}}
	for _, d := range ds {
		s.items[d.ID] = d
	}
	return s
}

// GetByID implements core.DatasetRepository.
func (s *Datasets) GetByID(_ context.Context, id string) (*model.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	d, ok := s.items[id]
	if !ok {
		return nil, data.ErrDatasetNotFound
	}
	cp := *d
	return &cp, nil
}

// ListByProject implements core.DatasetRepository.
func (s *Datasets) ListByProject(_ context.Context, projectID string) ([]*model.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*model.Dataset
	for _, id := range sortedKeys(s.items) {
		d := s.items[id]
		if d.ProjectID != nil && *d.ProjectID == projectID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Features is an in-memory geographic feature store.
type Features struct {
	mu    sync.Mutex
	items []*model.GeographicFeature
	Err   error
}

// Create implements core.FeatureRepository.
func (s *Features) Create(_ context.Context, req *model.CreateFeatureRequest) (*model.GeographicFeature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	jobID := req.JobID
	f := &model.GeographicFeature{
		ID:             uuid.NewString(),
		JobID:          &jobID,
		ProjectID:      req.ProjectID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Name:           req.Name,
		FeatureType:    req.FeatureType,
		Geometry:       req.Geometry,
		Properties:     req.Properties,
		CreatedAt:      time.Now(),
	}
	s.items = append(s.items, f)
	return f, nil
}

// Add seeds a stored feature.
func (s *Features) Add(f *model.GeographicFeature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, f)
}

// ListByProject implements core.FeatureRepository.
func (s *Features) ListByProject(_ context.Context, projectID string, limit int) ([]*model.GeographicFeature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*model.GeographicFeature
	for _, f := range s.items {
		if f.ProjectID != nil && *f.ProjectID == projectID {
			out = append(out, f)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// All returns every stored feature.
func (s *Features) All() []*model.GeographicFeature {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.GeographicFeature(nil), s.items...)
}

// IndexResults is an in-memory index result store.
type IndexResults struct {
	mu    sync.Mutex
	items []*model.IndexResult
	Err   error
}

// Create implements core.IndexResultRepository.
func (s *IndexResults) Create(_ context.Context, req *model.CreateIndexResultRequest) (*model.IndexResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	r := &model.IndexResult{
		ID:             uuid.NewString(),
		JobID:          req.JobID,
		ProjectID:      req.ProjectID,
		OrganizationID: req.OrganizationID,
		IndexType:      req.IndexType,
		RasterURL:      req.RasterURL,
		OutputFormat:   req.OutputFormat,
		Statistics:     req.Statistics,
		CreatedAt:      time.Now(),
	}
	s.items = append(s.items, r)
	return r, nil
}

// ListByProject implements core.IndexResultRepository.
func (s *IndexResults) ListByProject(_ context.Context, projectID string, limit int) ([]*model.IndexResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*model.IndexResult
	for _, r := range s.items {
		if r.ProjectID != nil && *r.ProjectID == projectID {
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// All returns every stored index result.
func (s *IndexResults) All() []*model.IndexResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.IndexResult(nil), s.items...)
}

// Reports is an in-memory report store.
type Reports struct {
	mu    sync.Mutex
	items map[string]*model.Report
	Err   error
}

// Create implements core.ReportRepository.
func (s *Reports) Create(_ context.Context, req *model.CreateReportRequest) (*model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	sections, err := json.Marshal(req.Sections)
	if err != nil {
		return nil, err
	}
	r := &model.Report{
		ID:             uuid.NewString(),
		JobID:          req.JobID,
		ProjectID:      req.ProjectID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Title:          req.Title,
		ReportType:     req.ReportType,
		Format:         req.Format,
		FilePath:       req.FilePath,
		Sections:       sections,
		CreatedAt:      time.Now(),
	}
	if s.items == nil {
		s.items = map[string]*model.Report{}
	}
	s.items[r.ID] = r
	return r, nil
}

// GetByID implements core.ReportRepository.
func (s *Reports) GetByID(_ context.Context, id string) (*model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("report %s not found", id)
	}
	return r, nil
}

// Len returns the number of stored reports.
func (s *Reports) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Rasters serves fixture rasters keyed by Ref.String() (URL or dataset:<id>).
type Rasters struct {
	mu    sync.Mutex
	items map[string]*raster.Raster
	Err   error
	Loads int
}

// NewRasters creates an empty raster source.
func NewRasters() *Rasters {
	return &Rasters{items: map[string]*raster.Raster{}}
}

// Add registers img under key.
func (s *Rasters) Add(key string, img *raster.Raster) *Rasters {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = img
	return s
}

// Load implements core.RasterSource.
func (s *Rasters) Load(ctx context.Context, ref raster.Ref) (*raster.Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Loads++
	if s.Err != nil {
		return nil, s.Err
	}
	img, ok := s.items[ref.String()]
	if !ok {
		return nil, &raster.FetchError{URL: ref.String(), StatusCode: 404}
	}
	return img, nil
}

// Objects is an in-memory object store returning mem:// URLs.
type Objects struct {
	mu    sync.Mutex
	items map[string][]byte
	types map[string]string
	Err   error
}

// NewObjects creates an empty object store.
func NewObjects() *Objects {
	return &Objects{items: map[string][]byte{}, types: map[string]string{}}
}

// Put implements core.ObjectStore.
func (s *Objects) Put(_ context.Context, p core.PutObjectParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	body, err := io.ReadAll(p.Body)
	if err != nil {
		return "", err
	}
	s.items[p.Key] = body
	s.types[p.Key] = p.ContentType
	return "mem://" + p.Key, nil
}

// Get returns a stored object and its content type.
func (s *Objects) Get(key string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.items[key]
	return bytes.Clone(b), s.types[key], ok
}

// Keys returns every stored key in order.
func (s *Objects) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.items)
}

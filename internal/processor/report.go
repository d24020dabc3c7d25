package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/target/geojobs/internal/core"
	"github.com/target/geojobs/internal/data"
	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/geo"
)

// Report types.
const (
	ReportSummary         = "summary"
	ReportDetailed        = "detailed"
	ReportSpatialAnalysis = "spatial_analysis"
	ReportCustom          = "custom"
)

// Report formats.
const (
	ReportFormatJSON = "json"
	ReportFormatHTML = "html"
	ReportFormatPDF  = "pdf"
)

// Section names.
const (
	SectionOverview        = "overview"
	SectionKeyMetrics      = "key_metrics"
	SectionRecentActivity  = "recent_activity"
	SectionDatasets        = "datasets"
	SectionAnalysisResults = "analysis_results"
	SectionSpatialAnalysis = "spatial_analysis"
	SectionSpatialMetrics  = "spatial_metrics"
	SectionMaps            = "maps"
	SectionRecommendations = "recommendations"
)

const (
	recentActivityLimit     = 10
	reportJobListLimit      = 200
	reportFeatureListLimit  = 500
	reportIndexResultsLimit = 100
)

var reportSections = map[string][]string{
	ReportSummary:         {SectionOverview, SectionKeyMetrics, SectionRecentActivity},
	ReportDetailed:        {SectionOverview, SectionDatasets, SectionAnalysisResults, SectionSpatialAnalysis, SectionRecommendations},
	ReportSpatialAnalysis: {SectionOverview, SectionSpatialMetrics, SectionAnalysisResults, SectionMaps},
}

var sectionTitles = map[string]string{
	SectionOverview:        "Project Overview",
	SectionKeyMetrics:      "Key Metrics",
	SectionRecentActivity:  "Recent Activity",
	SectionDatasets:        "Datasets",
	SectionAnalysisResults: "Analysis Results",
	SectionSpatialAnalysis: "Spatial Analysis",
	SectionSpatialMetrics:  "Spatial Metrics",
	SectionMaps:            "Maps",
	SectionRecommendations: "Recommendations",
}

// ReportOptions configures the report processor.
type ReportOptions struct {
	Projects     core.ProjectRepository
	Datasets     core.DatasetRepository
	Jobs         core.JobRepository
	IndexResults core.IndexResultRepository
	Features     core.FeatureRepository
	Reports      core.ReportRepository
	Store        core.ObjectStore
	Logger       *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// ReportProcessor renders project reports from the job store.
type ReportProcessor struct {
	projects core.ProjectRepository
	datasets core.DatasetRepository
	jobs     core.JobRepository
	results  core.IndexResultRepository
	features core.FeatureRepository
	reports  core.ReportRepository
	store    core.ObjectStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewReportProcessor creates a ReportProcessor.
func NewReportProcessor(opts ReportOptions) *ReportProcessor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ReportProcessor{
		projects: opts.Projects,
		datasets: opts.Datasets,
		jobs:     opts.Jobs,
		results:  opts.IndexResults,
		features: opts.Features,
		reports:  opts.Reports,
		store:    opts.Store,
		logger:   logger.With("component", "report_processor"),
		now:      now,
	}
}

// Type implements Processor.
func (p *ReportProcessor) Type() model.JobType { return model.JobTypeReportGeneration }

type reportParams struct {
	ProjectID       string   `json:"project_id"`
	ReportType      string   `json:"report_type"`
	IncludeSections []string `json:"include_sections"`
	Format          string   `json:"format"`
	Title           string   `json:"title"`
}

// ReportSection is one rendered section of a report document.
type ReportSection struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	Data  any    `json:"data"`
}

// ReportProject identifies the project a report covers.
type ReportProject struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Organization string `json:"organization"`
}

// ReportDocument is the rendered artifact.
type ReportDocument struct {
	Title       string          `json:"title"`
	ReportType  string          `json:"report_type"`
	Project     ReportProject   `json:"project"`
	GeneratedAt time.Time       `json:"generated_at"`
	Sections    []ReportSection `json:"sections"`
}

// ReportResult is the job result of a report generation job.
type ReportResult struct {
	ReportID      string    `json:"report_id"`
	Title         string    `json:"title"`
	FilePath      string    `json:"file_path"`
	Format        string    `json:"format"`
	SectionsCount int       `json:"sections_count"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Process implements Processor.
func (p *ReportProcessor) Process(ctx context.Context, job *model.Job) (any, error) {
	var params reportParams
	if err := decodeParams(job, &params); err != nil {
		return nil, err
	}

	reportType := strings.ToLower(strings.TrimSpace(params.ReportType))
	if reportType == "" {
		reportType = ReportSummary
	}
	sections, err := sectionsFor(reportType, params.IncludeSections)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(strings.TrimSpace(params.Format))
	switch format {
	case "":
		format = ReportFormatJSON
	case ReportFormatJSON, ReportFormatHTML:
	case ReportFormatPDF:
		return nil, invalid("PDF report generation is not yet implemented")
	default:
		return nil, invalid("Unsupported report format: " + params.Format)
	}

	projectID := strings.TrimSpace(params.ProjectID)
	if projectID == "" {
		projectID = job.ProjectIDOrEmpty()
	}
	if projectID == "" {
		return nil, invalid("project_id is required")
	}
	project, err := p.projects.GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, data.ErrProjectNotFound) {
			return nil, &ValidationError{Message: "Project not found: " + projectID, Err: err}
		}
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}

	generatedAt := p.now().UTC()
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = fmt.Sprintf("%s Report: %s", reportTypeLabel(reportType), project.Name)
	}

	doc := &ReportDocument{
		Title:      title,
		ReportType: reportType,
		Project: ReportProject{
			ID:           project.ID,
			Name:         project.Name,
			Organization: project.Organization.Name,
		},
		GeneratedAt: generatedAt,
	}

	src := &reportSources{p: p, project: project}
	for _, name := range sections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sectionData, err := p.buildSection(ctx, src, name, generatedAt)
		if err != nil {
			p.logger.WarnContext(ctx, "report section omitted",
				"job_id", job.ID,
				"project_id", project.ID,
				"section", name,
				"error", err)
			continue
		}
		doc.Sections = append(doc.Sections, ReportSection{Name: name, Title: sectionTitles[name], Data: sectionData})
	}

	body, contentType, err := renderReport(doc, format)
	if err != nil {
		return nil, err
	}
	url, err := p.store.Put(ctx, core.PutObjectParams{
		Key:         fmt.Sprintf("jobs/%s/report.%s", job.ID, format),
		ContentType: contentType,
		Body:        bytes.NewReader(body),
		Size:        int64(len(body)),
	})
	if err != nil {
		return nil, fmt.Errorf("store report: %w", err)
	}

	names := make([]string, 0, len(doc.Sections))
	for _, s := range doc.Sections {
		names = append(names, s.Name)
	}
	rec, err := p.reports.Create(ctx, &model.CreateReportRequest{
		JobID:          job.ID,
		ProjectID:      project.ID,
		OrganizationID: job.OrganizationID,
		UserID:         job.UserID,
		Title:          title,
		ReportType:     reportType,
		Format:         format,
		FilePath:       url,
		Sections:       names,
	})
	if err != nil {
		return nil, &PersistenceError{Message: "Failed to save report", Err: err}
	}

	return &ReportResult{
		ReportID:      rec.ID,
		Title:         title,
		FilePath:      url,
		Format:        format,
		SectionsCount: len(doc.Sections),
		GeneratedAt:   generatedAt,
	}, nil
}

func sectionsFor(reportType string, include []string) ([]string, error) {
	if reportType == ReportCustom {
		seen := make(map[string]bool, len(include))
		var out []string
		for _, s := range include {
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, invalid("include_sections is required for custom reports")
		}
		return out, nil
	}
	s, ok := reportSections[reportType]
	if !ok {
		return nil, invalid("Unsupported report type: " + reportType)
	}
	return s, nil
}

func reportTypeLabel(t string) string {
	switch t {
	case ReportDetailed:
		return "Detailed"
	case ReportSpatialAnalysis:
		return "Spatial Analysis"
	case ReportCustom:
		return "Custom"
	default:
		return "Summary"
	}
}

// reportSources loads each data source at most once per report.
type reportSources struct {
	p       *ReportProcessor
	project *model.Project

	datasets    []*model.Dataset
	datasetsErr error
	datasetsOK  bool

	jobs    []*model.Job
	jobsErr error
	jobsOK  bool

	results    []*model.IndexResult
	resultsErr error
	resultsOK  bool

	features    []*model.GeographicFeature
	featuresErr error
	featuresOK  bool
}

func (s *reportSources) Datasets(ctx context.Context) ([]*model.Dataset, error) {
	if !s.datasetsOK {
		s.datasets, s.datasetsErr = s.p.datasets.ListByProject(ctx, s.project.ID)
		s.datasetsOK = true
	}
	return s.datasets, s.datasetsErr
}

func (s *reportSources) CompletedJobs(ctx context.Context) ([]*model.Job, error) {
	if !s.jobsOK {
		s.jobs, s.jobsErr = s.p.jobs.List(ctx, data.ListJobsOptions{
			ProjectID: s.project.ID,
			Status:    model.JobStatusCompleted,
			Limit:     reportJobListLimit,
		})
		s.jobsOK = true
	}
	return s.jobs, s.jobsErr
}

func (s *reportSources) IndexResults(ctx context.Context) ([]*model.IndexResult, error) {
	if !s.resultsOK {
		s.results, s.resultsErr = s.p.results.ListByProject(ctx, s.project.ID, reportIndexResultsLimit)
		s.resultsOK = true
	}
	return s.results, s.resultsErr
}

func (s *reportSources) Features(ctx context.Context) ([]*model.GeographicFeature, error) {
	if !s.featuresOK {
		s.features, s.featuresErr = s.p.features.ListByProject(ctx, s.project.ID, reportFeatureListLimit)
		s.featuresOK = true
	}
	return s.features, s.featuresErr
}

func (p *ReportProcessor) buildSection(ctx context.Context, src *reportSources, name string, now time.Time) (any, error) {
	switch name {
	case SectionOverview:
		return overviewSection(src.project, now), nil
	case SectionKeyMetrics:
		return p.keyMetricsSection(ctx, src)
	case SectionRecentActivity:
		return recentActivitySection(ctx, src)
	case SectionDatasets:
		return datasetsSection(ctx, src)
	case SectionAnalysisResults:
		return analysisResultsSection(ctx, src)
	case SectionSpatialAnalysis:
		return spatialAnalysisSection(ctx, src)
	case SectionSpatialMetrics:
		return spatialMetricsSection(ctx, src)
	case SectionMaps:
		return mapsSection(ctx, src)
	case SectionRecommendations:
		return recommendationsSection(ctx, p, src)
	default:
		return nil, fmt.Errorf("unknown report section %q", name)
	}
}

func overviewSection(project *model.Project, now time.Time) map[string]any {
	out := map[string]any{
		"project_id":   project.ID,
		"project_name": project.Name,
		"organization": project.Organization.Name,
		"created_at":   project.CreatedAt,
		"generated_at": now,
	}
	if project.Description != nil {
		out["description"] = *project.Description
	}
	return out
}

func (p *ReportProcessor) keyMetricsSection(ctx context.Context, src *reportSources) (map[string]any, error) {
	stats, err := p.jobs.Stats(ctx, src.project.ID)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	datasets, err := src.Datasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	features, err := src.Features(ctx)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	results, err := src.IndexResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("list index results: %w", err)
	}

	total := stats.Queued + stats.Running + stats.Completed + stats.Failed
	successRate := 0.0
	if finished := stats.Completed + stats.Failed; finished > 0 {
		successRate = float64(stats.Completed) / float64(finished) * 100
	}
	return map[string]any{
		"total_jobs":          total,
		"completed_jobs":      stats.Completed,
		"failed_jobs":         stats.Failed,
		"pending_jobs":        stats.Queued + stats.Running,
		"success_rate":        successRate,
		"dataset_count":       len(datasets),
		"feature_count":       len(features),
		"index_results_count": len(results),
	}, nil
}

type activityEntry struct {
	JobID       string        `json:"job_id"`
	JobType     model.JobType `json:"job_type"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

func recentActivitySection(ctx context.Context, src *reportSources) ([]activityEntry, error) {
	jobs, err := src.CompletedJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list completed jobs: %w", err)
	}
	sorted := append([]*model.Job(nil), jobs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return completedAt(sorted[i]).After(completedAt(sorted[j]))
	})
	out := make([]activityEntry, 0, min(len(sorted), recentActivityLimit))
	for _, j := range sorted {
		if len(out) == recentActivityLimit {
			break
		}
		out = append(out, activityEntry{JobID: j.ID, JobType: j.Type, CompletedAt: j.CompletedAt})
	}
	return out, nil
}

func completedAt(j *model.Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.CreatedAt
}

type datasetEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Bounds    []float64 `json:"bounds,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func datasetsSection(ctx context.Context, src *reportSources) (map[string]any, error) {
	datasets, err := src.Datasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	byKind := map[string]int{}
	entries := make([]datasetEntry, 0, len(datasets))
	for _, d := range datasets {
		byKind[d.Kind]++
		entries = append(entries, datasetEntry{ID: d.ID, Name: d.Name, Kind: d.Kind, Bounds: d.Bounds, CreatedAt: d.CreatedAt})
	}
	return map[string]any{
		"total":    len(datasets),
		"by_kind":  byKind,
		"datasets": entries,
	}, nil
}

func analysisResultsSection(ctx context.Context, src *reportSources) (map[string]any, error) {
	jobs, err := src.CompletedJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list completed jobs: %w", err)
	}
	results, err := src.IndexResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("list index results: %w", err)
	}

	byType := map[string]int{}
	for _, j := range jobs {
		byType[string(j.Type)]++
	}

	type indexSummary struct {
		ID         string         `json:"id"`
		IndexType  string         `json:"index_type"`
		RasterURL  string         `json:"raster_url"`
		Statistics map[string]any `json:"statistics,omitempty"`
		CreatedAt  time.Time      `json:"created_at"`
	}
	summaries := make([]indexSummary, 0, len(results))
	for _, r := range results {
		var stats map[string]any
		if len(r.Statistics) > 0 {
			if err := json.Unmarshal(r.Statistics, &stats); err != nil {
				stats = nil
			}
		}
		summaries = append(summaries, indexSummary{
			ID:         r.ID,
			IndexType:  r.IndexType,
			RasterURL:  r.RasterURL,
			Statistics: stats,
			CreatedAt:  r.CreatedAt,
		})
	}
	return map[string]any{
		"completed_by_type": byType,
		"index_results":     summaries,
	}, nil
}

// featureMetrics aggregates stored features by type.
type featureMetrics struct {
	count     int
	totalArea float64
	byType    map[string]int
	areaBy    map[string]float64
	bound     orb.Bound
	hasBound  bool
	invalid   int
}

func measureFeatures(features []*model.GeographicFeature) *featureMetrics {
	m := &featureMetrics{byType: map[string]int{}, areaBy: map[string]float64{}}
	for _, f := range features {
		m.count++
		m.byType[f.FeatureType]++
		g, err := geo.ParseGeometry(f.Geometry)
		if err != nil {
			m.invalid++
			continue
		}
		a := geo.Area(g)
		m.totalArea += a
		m.areaBy[f.FeatureType] += a
		if m.hasBound {
			m.bound = m.bound.Union(g.Bound())
		} else {
			m.bound, m.hasBound = g.Bound(), true
		}
	}
	return m
}

func (m *featureMetrics) extent() []float64 {
	if !m.hasBound {
		return nil
	}
	return []float64{m.bound.Min[0], m.bound.Min[1], m.bound.Max[0], m.bound.Max[1]}
}

func spatialAnalysisSection(ctx context.Context, src *reportSources) (map[string]any, error) {
	features, err := src.Features(ctx)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	m := measureFeatures(features)
	return map[string]any{
		"feature_count":      m.count,
		"features_by_type":   m.byType,
		"area_by_type":       m.areaBy,
		"total_area":         m.totalArea,
		"extent":             m.extent(),
		"invalid_geometries": m.invalid,
	}, nil
}

func spatialMetricsSection(ctx context.Context, src *reportSources) (map[string]any, error) {
	features, err := src.Features(ctx)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	datasets, err := src.Datasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	m := measureFeatures(features)

	avg := 0.0
	if valid := m.count - m.invalid; valid > 0 {
		avg = m.totalArea / float64(valid)
	}
	var coverage []float64
	for _, d := range datasets {
		if len(d.Bounds) != 4 {
			continue
		}
		if coverage == nil {
			coverage = append([]float64(nil), d.Bounds...)
			continue
		}
		coverage[0] = math.Min(coverage[0], d.Bounds[0])
		coverage[1] = math.Min(coverage[1], d.Bounds[1])
		coverage[2] = math.Max(coverage[2], d.Bounds[2])
		coverage[3] = math.Max(coverage[3], d.Bounds[3])
	}
	return map[string]any{
		"feature_count":    m.count,
		"total_area":       m.totalArea,
		"average_area":     avg,
		"feature_extent":   m.extent(),
		"dataset_coverage": coverage,
	}, nil
}

type mapLayer struct {
	Name   string    `json:"name"`
	Kind   string    `json:"kind"`
	URL    string    `json:"url"`
	Bounds []float64 `json:"bounds,omitempty"`
}

func mapsSection(ctx context.Context, src *reportSources) (map[string]any, error) {
	datasets, err := src.Datasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	results, err := src.IndexResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("list index results: %w", err)
	}
	layers := make([]mapLayer, 0, len(datasets)+len(results))
	for _, d := range datasets {
		layers = append(layers, mapLayer{Name: d.Name, Kind: "dataset", URL: d.URL, Bounds: d.Bounds})
	}
	for _, r := range results {
		layers = append(layers, mapLayer{Name: r.IndexType + " " + r.JobID, Kind: r.IndexType, URL: r.RasterURL})
	}
	return map[string]any{"layers": layers}, nil
}

func recommendationsSection(ctx context.Context, p *ReportProcessor, src *reportSources) ([]string, error) {
	datasets, err := src.Datasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	results, err := src.IndexResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("list index results: %w", err)
	}
	stats, err := p.jobs.Stats(ctx, src.project.ID)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}

	var out []string
	if len(datasets) == 0 {
		out = append(out, "Upload imagery or vector datasets to enable analysis for this project.")
	}
	if finished := stats.Completed + stats.Failed; finished > 0 && float64(stats.Failed)/float64(finished) > 0.2 {
		out = append(out, "More than 20% of jobs failed; review job parameters and raster sources.")
	}
	hasNDVI := false
	for _, r := range results {
		if r.IndexType != "ndvi" {
			continue
		}
		hasNDVI = true
		var s NDVIStatistics
		if err := json.Unmarshal(r.Statistics, &s); err == nil && s.ValidPixels > 0 && s.VegetationPercentage < 30 {
			out = append(out, fmt.Sprintf("Vegetation cover is low (%.1f%%) in NDVI result %s; consider change detection against earlier imagery.", s.VegetationPercentage, r.ID))
		}
	}
	if !hasNDVI && len(datasets) > 0 {
		out = append(out, "Run a vegetation index analysis to assess vegetation health.")
	}
	if len(out) == 0 {
		out = append(out, "No issues detected.")
	}
	return out, nil
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"json": sectionJSON,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<header>
<h1>{{.Title}}</h1>
<p>{{.Project.Name}}{{if .Project.Organization}} ({{.Project.Organization}}){{end}}</p>
<p>Generated {{.GeneratedAt.Format "2006-01-02T15:04:05Z07:00"}}</p>
</header>
{{range .Sections}}<section id="{{.Name}}">
<h2>{{.Title}}</h2>
<pre>{{json .Data}}</pre>
</section>
{{end}}</body>
</html>
`))

func sectionJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(b)
}

func renderReport(doc *ReportDocument, format string) ([]byte, string, error) {
	if format == ReportFormatJSON {
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("encode report: %w", err)
		}
		return b, "application/json", nil
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, doc); err != nil {
		return nil, "", fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), "text/html; charset=utf-8", nil
}

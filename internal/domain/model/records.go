package model

import (
	"encoding/json"
	"time"
)

// Organization owns projects.
type Organization struct {
	ID   string `json:"id"   db:"id"`
	Name string `json:"name" db:"name"`
}

// Project groups datasets, jobs and derived artifacts.
type Project struct {
	ID             string       `json:"id"                    db:"id"`
	OrganizationID string       `json:"organization_id"       db:"organization_id"`
	Name           string       `json:"name"                  db:"name"`
	Description    *string      `json:"description,omitempty" db:"description"`
	CreatedAt      time.Time    `json:"created_at"            db:"created_at"`
	Organization   Organization `json:"organization"`
}

// Dataset is an uploaded raster or vector source. The core only reads it.
type Dataset struct {
	ID             string    `json:"id"                        db:"id"`
	ProjectID      *string   `json:"project_id,omitempty"      db:"project_id"`
	OrganizationID *string   `json:"organization_id,omitempty" db:"organization_id"`
	Name           string    `json:"name"                      db:"name"`
	Kind           string    `json:"kind"                      db:"kind"`
	URL            string    `json:"url"                       db:"url"`
	Bounds         []float64 `json:"bounds,omitempty"          db:"bounds"`
	NoData         *float64  `json:"no_data,omitempty"         db:"no_data"`
	CreatedAt      time.Time `json:"created_at"                db:"created_at"`
}

// GeographicFeature is a stored vector feature, for example a buffer result.
type GeographicFeature struct {
	ID             string          `json:"id"                        db:"id"`
	JobID          *string         `json:"job_id,omitempty"          db:"job_id"`
	ProjectID      *string         `json:"project_id,omitempty"      db:"project_id"`
	OrganizationID *string         `json:"organization_id,omitempty" db:"organization_id"`
	UserID         *string         `json:"user_id,omitempty"         db:"user_id"`
	Name           string          `json:"name"                      db:"name"`
	FeatureType    string          `json:"feature_type"              db:"feature_type"`
	Geometry       json.RawMessage `json:"geometry"                  db:"geometry"`
	Properties     json.RawMessage `json:"properties"                db:"properties"`
	CreatedAt      time.Time       `json:"created_at"                db:"created_at"`
}

// CreateFeatureRequest inserts a GeographicFeature.
type CreateFeatureRequest struct {
	JobID          string
	ProjectID      *string
	OrganizationID *string
	UserID         *string
	Name           string
	FeatureType    string
	Geometry       json.RawMessage
	Properties     json.RawMessage
}

// IndexResult records a derived index raster such as NDVI.
type IndexResult struct {
	ID             string          `json:"id"                        db:"id"`
	JobID          string          `json:"job_id"                    db:"job_id"`
	ProjectID      *string         `json:"project_id,omitempty"      db:"project_id"`
	OrganizationID *string         `json:"organization_id,omitempty" db:"organization_id"`
	IndexType      string          `json:"index_type"                db:"index_type"`
	RasterURL      string          `json:"raster_url"                db:"raster_url"`
	OutputFormat   string          `json:"output_format"             db:"output_format"`
	Statistics     json.RawMessage `json:"statistics"                db:"statistics"`
	CreatedAt      time.Time       `json:"created_at"                db:"created_at"`
}

// CreateIndexResultRequest inserts an IndexResult.
type CreateIndexResultRequest struct {
	JobID          string
	ProjectID      *string
	OrganizationID *string
	IndexType      string
	RasterURL      string
	OutputFormat   string
	Statistics     json.RawMessage
}

// Report is a rendered project report.
type Report struct {
	ID             string          `json:"id"                        db:"id"`
	JobID          string          `json:"job_id"                    db:"job_id"`
	ProjectID      string          `json:"project_id"                db:"project_id"`
	OrganizationID *string         `json:"organization_id,omitempty" db:"organization_id"`
	UserID         *string         `json:"user_id,omitempty"         db:"user_id"`
	Title          string          `json:"title"                     db:"title"`
	ReportType     string          `json:"report_type"               db:"report_type"`
	Format         string          `json:"format"                    db:"format"`
	FilePath       string          `json:"file_path"                 db:"file_path"`
	Sections       json.RawMessage `json:"sections"                  db:"sections"`
	CreatedAt      time.Time       `json:"created_at"                db:"created_at"`
}

// CreateReportRequest inserts a Report.
type CreateReportRequest struct {
	JobID          string
	ProjectID      string
	OrganizationID *string
	UserID         *string
	Title          string
	ReportType     string
	Format         string
	FilePath       string
	Sections       []string
}

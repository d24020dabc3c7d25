package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/target/geojobs/internal/data/pgxutil"
	"github.com/target/geojobs/internal/domain/model"
)

// ReportRepo stores generated report metadata.
type ReportRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewReportRepo creates a ReportRepo.
func NewReportRepo(db *sql.DB, tp TimeProvider) *ReportRepo {
	return &ReportRepo{DB: db, timeProvider: resolveTimeProvider(tp)}
}

const reportColumns = `id, job_id, project_id, organization_id, user_id, title, report_type, format, file_path, sections, created_at`

// Create inserts a report row.
func (r *ReportRepo) Create(ctx context.Context, req *model.CreateReportRequest) (*model.Report, error) {
	if req == nil {
		return nil, errors.New("create report request is required")
	}
	if strings.TrimSpace(req.JobID) == "" {
		return nil, ErrJobIDRequired
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, ErrProjectIDRequired
	}
	sections := req.Sections
	if sections == nil {
		sections = []string{}
	}
	sectionsJSON, err := json.Marshal(sections)
	if err != nil {
		return nil, fmt.Errorf("marshal sections: %w", err)
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO reports (id, job_id, project_id, organization_id, user_id, title, report_type, format, file_path, sections, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+reportColumns,
		uuid.NewString(),
		req.JobID,
		req.ProjectID,
		req.OrganizationID,
		req.UserID,
		req.Title,
		req.ReportType,
		req.Format,
		req.FilePath,
		sectionsJSON,
		r.timeProvider.Now(),
	)
	rep, err := scanReport(row)
	if err != nil {
		if pgxutil.IsUniqueViolation(err) {
			return nil, ErrDuplicateRecord
		}
		return nil, fmt.Errorf("insert report: %w", err)
	}
	return rep, nil
}

// GetByID returns one report.
func (r *ReportRepo) GetByID(ctx context.Context, id string) (*model.Report, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	rep, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s not found: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return rep, nil
}

func scanReport(scanner rowScanner) (*model.Report, error) {
	var (
		rep           model.Report
		orgID, userID sql.NullString
		sections      []byte
	)
	if err := scanner.Scan(
		&rep.ID, &rep.JobID, &rep.ProjectID, &orgID, &userID, &rep.Title, &rep.ReportType,
		&rep.Format, &rep.FilePath, &sections, &rep.CreatedAt,
	); err != nil {
		return nil, err
	}
	rep.OrganizationID = cloneNullableString(orgID)
	rep.UserID = cloneNullableString(userID)
	rep.Sections = cloneJSON(sections)
	rep.CreatedAt = rep.CreatedAt.UTC()
	return &rep, nil
}

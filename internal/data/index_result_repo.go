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

// IndexResultRepo stores derived index rasters (NDVI and friends).
type IndexResultRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewIndexResultRepo creates an IndexResultRepo.
func NewIndexResultRepo(db *sql.DB, tp TimeProvider) *IndexResultRepo {
	return &IndexResultRepo{DB: db, timeProvider: resolveTimeProvider(tp)}
}

const indexResultColumns = `id, job_id, project_id, organization_id, index_type, raster_url, output_format, statistics, created_at`

// Create inserts an index result.
func (r *IndexResultRepo) Create(ctx context.Context, req *model.CreateIndexResultRequest) (*model.IndexResult, error) {
	if req == nil {
		return nil, errors.New("create index result request is required")
	}
	if strings.TrimSpace(req.JobID) == "" {
		return nil, ErrJobIDRequired
	}
	stats := req.Statistics
	if len(stats) == 0 {
		stats = json.RawMessage(`{}`)
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO index_results (id, job_id, project_id, organization_id, index_type, raster_url, output_format, statistics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+indexResultColumns,
		uuid.NewString(),
		req.JobID,
		req.ProjectID,
		req.OrganizationID,
		req.IndexType,
		req.RasterURL,
		req.OutputFormat,
		[]byte(stats),
		r.timeProvider.Now(),
	)
	res, err := scanIndexResult(row)
	if err != nil {
		if pgxutil.IsUniqueViolation(err) {
			return nil, ErrDuplicateRecord
		}
		return nil, fmt.Errorf("insert index result: %w", err)
	}
	return res, nil
}

// ListByProject returns up to limit index results of a project, newest first.
func (r *IndexResultRepo) ListByProject(ctx context.Context, projectID string, limit int) ([]*model.IndexResult, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+indexResultColumns+`
		FROM index_results
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list index results: %w", err)
	}
	defer rows.Close()

	var out []*model.IndexResult
	for rows.Next() {
		res, scanErr := scanIndexResult(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan index result: %w", scanErr)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanIndexResult(scanner rowScanner) (*model.IndexResult, error) {
	var (
		res              model.IndexResult
		projectID, orgID sql.NullString
		stats            []byte
	)
	if err := scanner.Scan(
		&res.ID, &res.JobID, &projectID, &orgID, &res.IndexType, &res.RasterURL, &res.OutputFormat, &stats, &res.CreatedAt,
	); err != nil {
		return nil, err
	}
	res.ProjectID = cloneNullableString(projectID)
	res.OrganizationID = cloneNullableString(orgID)
	res.Statistics = cloneJSON(stats)
	res.CreatedAt = res.CreatedAt.UTC()
	return &res, nil
}

package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/target/geojobs/internal/domain/model"
)

// DatasetRepo reads uploaded dataset metadata.
type DatasetRepo struct {
	DB *sql.DB
}

// NewDatasetRepo creates a DatasetRepo.
func NewDatasetRepo(db *sql.DB) *DatasetRepo {
	return &DatasetRepo{DB: db}
}

const datasetColumns = `id, project_id, organization_id, name, kind, url, bounds, no_data, created_at`

// GetByID returns one dataset or ErrDatasetNotFound.
func (r *DatasetRepo) GetByID(ctx context.Context, id string) (*model.Dataset, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("dataset id is required")
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id)
	ds, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return ds, nil
}

// ListByProject returns a project's datasets, newest first.
func (r *DatasetRepo) ListByProject(ctx context.Context, projectID string) ([]*model.Dataset, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+datasetColumns+`
		FROM datasets
		WHERE project_id = $1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []*model.Dataset
	for rows.Next() {
		ds, scanErr := scanDataset(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan dataset: %w", scanErr)
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

func scanDataset(scanner rowScanner) (*model.Dataset, error) {
	var (
		ds               model.Dataset
		projectID, orgID sql.NullString
		bounds           []byte
		noData           sql.NullFloat64
	)
	if err := scanner.Scan(
		&ds.ID, &projectID, &orgID, &ds.Name, &ds.Kind, &ds.URL, &bounds, &noData, &ds.CreatedAt,
	); err != nil {
		return nil, err
	}
	ds.ProjectID = cloneNullableString(projectID)
	ds.OrganizationID = cloneNullableString(orgID)
	if len(bounds) > 0 && string(bounds) != "null" {
		if err := json.Unmarshal(bounds, &ds.Bounds); err != nil {
			return nil, fmt.Errorf("decode dataset bounds: %w", err)
		}
	}
	if noData.Valid {
		v := noData.Float64
		ds.NoData = &v
	}
	ds.CreatedAt = ds.CreatedAt.UTC()
	return &ds, nil
}

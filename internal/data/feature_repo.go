package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/target/geojobs/internal/data/pgxutil"
	"github.com/target/geojobs/internal/domain/model"
)

// FeatureRepo stores vector features derived by jobs.
type FeatureRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewFeatureRepo creates a FeatureRepo.
func NewFeatureRepo(db *sql.DB, tp TimeProvider) *FeatureRepo {
	return &FeatureRepo{DB: db, timeProvider: resolveTimeProvider(tp)}
}

const featureColumns = `id, job_id, project_id, organization_id, user_id, name, feature_type, geometry, properties, created_at`

// Create inserts a feature and returns the stored row.
func (r *FeatureRepo) Create(ctx context.Context, req *model.CreateFeatureRequest) (*model.GeographicFeature, error) {
	if req == nil {
		return nil, errors.New("create feature request is required")
	}
	if len(req.Geometry) == 0 {
		return nil, errors.New("feature geometry is required")
	}
	props := req.Properties
	if len(props) == 0 {
		props = json.RawMessage(`{}`)
	}
	var jobID *string
	if req.JobID != "" {
		jobID = &req.JobID
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO geographic_features (id, job_id, project_id, organization_id, user_id, name, feature_type, geometry, properties, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+featureColumns,
		uuid.NewString(),
		jobID,
		req.ProjectID,
		req.OrganizationID,
		req.UserID,
		req.Name,
		req.FeatureType,
		[]byte(req.Geometry),
		[]byte(props),
		r.timeProvider.Now(),
	)
	f, err := scanFeature(row)
	if err != nil {
		if pgxutil.IsUniqueViolation(err) {
			return nil, ErrDuplicateRecord
		}
		return nil, fmt.Errorf("insert feature: %w", err)
	}
	return f, nil
}

// ListByProject returns up to limit features of a project, newest first.
func (r *FeatureRepo) ListByProject(ctx context.Context, projectID string, limit int) ([]*model.GeographicFeature, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+featureColumns+`
		FROM geographic_features
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	var out []*model.GeographicFeature
	for rows.Next() {
		f, scanErr := scanFeature(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan feature: %w", scanErr)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFeature(scanner rowScanner) (*model.GeographicFeature, error) {
	var (
		f                             model.GeographicFeature
		jobID, projectID, orgID, user sql.NullString
		geometry, props               []byte
	)
	if err := scanner.Scan(
		&f.ID, &jobID, &projectID, &orgID, &user, &f.Name, &f.FeatureType, &geometry, &props, &f.CreatedAt,
	); err != nil {
		return nil, err
	}
	f.JobID = cloneNullableString(jobID)
	f.ProjectID = cloneNullableString(projectID)
	f.OrganizationID = cloneNullableString(orgID)
	f.UserID = cloneNullableString(user)
	f.Geometry = cloneJSON(geometry)
	f.Properties = cloneJSON(props)
	f.CreatedAt = f.CreatedAt.UTC()
	return &f, nil
}

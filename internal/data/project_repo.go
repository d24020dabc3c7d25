package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/target/geojobs/internal/domain/model"
)

// ProjectRepo reads projects and their owning organization.
type ProjectRepo struct {
	DB *sql.DB
}

// NewProjectRepo creates a ProjectRepo.
func NewProjectRepo(db *sql.DB) *ProjectRepo {
	return &ProjectRepo{DB: db}
}

// GetByID returns the project with its organization, or ErrProjectNotFound.
func (r *ProjectRepo) GetByID(ctx context.Context, id string) (*model.Project, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrProjectIDRequired
	}

	var (
		p    model.Project
		desc sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `
		SELECT p.id, p.organization_id, p.name, p.description, p.created_at, o.id, o.name
		FROM projects p
		JOIN organizations o ON o.id = p.organization_id
		WHERE p.id = $1
	`, id).Scan(
		&p.ID,
		&p.OrganizationID,
		&p.Name,
		&desc,
		&p.CreatedAt,
		&p.Organization.ID,
		&p.Organization.Name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.Description = cloneNullableString(desc)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

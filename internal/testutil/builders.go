package testutil

import (
	"encoding/json"

	"github.com/target/geojobs/internal/domain/model"
)

// SubmitRequestBuilder provides a fluent interface for building SubmitJobRequest values in tests.
type SubmitRequestBuilder struct {
	req *model.SubmitJobRequest
}

// NewSubmitRequest starts a buffer job around a point with sensible defaults.
func NewSubmitRequest() *SubmitRequestBuilder {
	return &SubmitRequestBuilder{
		req: &model.SubmitJobRequest{
			Type:       model.JobTypeBuffer,
			Parameters: json.RawMessage(`{"geometry":{"type":"Point","coordinates":[0,0]},"distance":100}`),
			SessionID:  "session-test",
		},
	}
}

// WithType sets the job type.
func (b *SubmitRequestBuilder) WithType(t model.JobType) *SubmitRequestBuilder {
	b.req.Type = t
	return b
}

// WithParameters sets raw JSON parameters.
func (b *SubmitRequestBuilder) WithParameters(params string) *SubmitRequestBuilder {
	b.req.Parameters = json.RawMessage(params)
	return b
}

// WithProject sets the project and organization ids.
func (b *SubmitRequestBuilder) WithProject(projectID, orgID string) *SubmitRequestBuilder {
	b.req.ProjectID = &projectID
	if orgID != "" {
		b.req.OrganizationID = &orgID
	}
	return b
}

// WithSession sets the session id.
func (b *SubmitRequestBuilder) WithSession(sessionID string) *SubmitRequestBuilder {
	b.req.SessionID = sessionID
	return b
}

// WithMaxAttempts sets the queue delivery budget.
func (b *SubmitRequestBuilder) WithMaxAttempts(n int) *SubmitRequestBuilder {
	b.req.MaxAttempts = n
	return b
}

// Build returns the built request.
func (b *SubmitRequestBuilder) Build() *model.SubmitJobRequest {
	return b.req
}

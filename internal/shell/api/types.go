package api

import (
	"time"

	"github.com/artpar/shipd/internal/core/runspec"
)

// =============================================================================
// Response Types
// =============================================================================

// DeploymentResponse is the response for deployment operations. RunSpec
// is populated on a successful trigger; it is the sealed descriptor the
// caller's runtime consumes.
type DeploymentResponse struct {
	ID         string     `json:"id"`
	AppID      string     `json:"app_id"`
	Version    string     `json:"version"`
	Status     string     `json:"status"`
	DeployedBy string     `json:"deployed_by"`
	Commit     string     `json:"commit,omitempty"`
	Image      string     `json:"image,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Log        string     `json:"log,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	RunSpec *runspec.RunSpec `json:"run_spec,omitempty"`
}

// ListDeploymentsResponse is the response for listing deployments.
type ListDeploymentsResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
	Total       int                  `json:"total"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

// ErrorResponse is the error response format. DeploymentID and LogTail
// are set when a trigger was admitted but the pipeline failed, so the
// caller can fetch the full record.
type ErrorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	DeploymentID string `json:"deployment_id,omitempty"`
	LogTail      string `json:"log_tail,omitempty"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrDeploymentTerminal = errors.New("deployment is in a terminal state")
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusPending    DeploymentStatus = "pending"
	StatusInProgress DeploymentStatus = "in_progress"
	StatusSuccessful DeploymentStatus = "successful"
	StatusFailed     DeploymentStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// =============================================================================
// Failure Reasons
// =============================================================================

// Failure reasons recorded on the deployment row. They classify why a
// deployment ended failed without forcing callers to parse the log.
const (
	ReasonRefNotFound     = "ref_not_found"
	ReasonUnreachable     = "source_unreachable"
	ReasonResolveTimeout  = "resolve_timeout"
	ReasonBuildFailed     = "build_failed"
	ReasonBuildTimeout    = "build_timeout"
	ReasonResources       = "resource_exhausted"
	ReasonPolicyViolation = "policy_violation"
	ReasonInvalidConfig   = "invalid_config"
	ReasonCancelled       = "cancelled"
	ReasonInterrupted     = "interrupted"
)

// =============================================================================
// Deployment
// =============================================================================

// Deployment is a single attempt to ship an app. Rows are append-mostly:
// once a deployment reaches a terminal status only reads are valid.
type Deployment struct {
	ID         string           `json:"id"`
	AppID      string           `json:"app_id"`
	Version    string           `json:"version"`
	Status     DeploymentStatus `json:"status"`
	DeployedBy string           `json:"deployed_by"`
	Commit     string           `json:"commit,omitempty"`
	Image      string           `json:"image,omitempty"`
	Log        string           `json:"log,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// NewDeployment creates a pending deployment for an app. The version
// label is assigned by the store when the row is inserted.
func NewDeployment(appID, deployedBy string) *Deployment {
	now := time.Now().UTC()
	return &Deployment{
		ID:         uuid.New().String(),
		AppID:      appID,
		Status:     StatusPending,
		DeployedBy: deployedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition attempts to move the deployment to a new status.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}

	d.Status = to
	d.UpdatedAt = time.Now().UTC()

	if to == StatusInProgress {
		now := time.Now().UTC()
		d.StartedAt = &now
	}
	if to.Terminal() {
		now := time.Now().UTC()
		d.FinishedAt = &now
	}

	return nil
}

// TransitionToFailed moves the deployment to failed with a reason code.
func (d *Deployment) TransitionToFailed(reason string) error {
	if err := d.Transition(StatusFailed); err != nil {
		return err
	}
	d.Reason = reason
	return nil
}

// AppendLog appends output to the deployment log. The log is append-only;
// earlier content is never rewritten.
func (d *Deployment) AppendLog(chunk string) {
	if chunk == "" {
		return
	}
	d.Log += chunk
	d.UpdatedAt = time.Now().UTC()
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed state transitions. A pending
// deployment may fail directly when it is cancelled or reconciled away
// before any work started.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusSuccessful, StatusFailed},
	StatusSuccessful: {},
	StatusFailed:     {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrDeploymentTerminal, from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

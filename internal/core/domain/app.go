package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// App Errors
// =============================================================================

var (
	ErrAppNotDeployable = errors.New("app is not in a deployable state")
	ErrInvalidAppConfig = errors.New("app config is invalid")
)

// =============================================================================
// App Status
// =============================================================================

type AppStatus string

const (
	AppStatusDraft     AppStatus = "draft"
	AppStatusPublished AppStatus = "published"
	AppStatusArchived  AppStatus = "archived"
)

// =============================================================================
// App Config
// =============================================================================

// MountRequest is a host mount asked for by the app's configuration.
// Whether it is honored is decided by the sealing policy, not here.
type MountRequest struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// AppConfig is the free-form configuration attached to an app. It is
// stored as JSON; unknown keys are ignored on parse.
type AppConfig struct {
	Image      string            `json:"image,omitempty"`
	Tag        string            `json:"tag,omitempty"`
	Dockerfile string            `json:"dockerfile,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Ports      []string          `json:"ports,omitempty"`
	Mounts     []MountRequest    `json:"mounts,omitempty"`
	Workdir    string            `json:"workdir,omitempty"`
}

// ParseAppConfig decodes an app_config JSON document. An empty document
// yields the zero config.
func ParseAppConfig(raw []byte) (AppConfig, error) {
	var cfg AppConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("%w: %v", ErrInvalidAppConfig, err)
	}
	return cfg, nil
}

// =============================================================================
// App
// =============================================================================

// App is a deployable unit backed by a git repository. CurrentDeploymentID
// points at the most recent successful deployment and is only moved in the
// same transaction that marks that deployment successful.
type App struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"owner_id"`
	Name                string    `json:"name"`
	RepositoryID        *string   `json:"repository_id,omitempty"`
	RepositoryURL       string    `json:"repository_url"`
	Branch              string    `json:"branch"`
	Status              AppStatus `json:"status"`
	Config              AppConfig `json:"config"`
	CurrentDeploymentID *string   `json:"current_deployment_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Deployable reports whether deployments may be created for the app.
func (a *App) Deployable() error {
	if a.Status == AppStatusArchived {
		return ErrAppNotDeployable
	}
	if a.RepositoryURL == "" {
		return ErrAppNotDeployable
	}
	return nil
}

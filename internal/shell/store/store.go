package store

import (
	"context"
	"time"

	"github.com/artpar/shipd/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for shipd entities.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)

	// SSH key operations
	CreateSSHKey(ctx context.Context, key *domain.SSHKey) error
	GetSSHKeyByFingerprint(ctx context.Context, fingerprint string) (*domain.SSHKey, error)
	DeleteSSHKey(ctx context.Context, id string) error
	ListSSHKeysByUser(ctx context.Context, userID string) ([]domain.SSHKey, error)

	// Repository operations
	CreateRepository(ctx context.Context, repo *domain.Repository) error
	GetRepository(ctx context.Context, id string) (*domain.Repository, error)

	// Collaborator operations
	SetCollaborator(ctx context.Context, collab *domain.Collaborator) error
	GetCollaborator(ctx context.Context, repositoryID, userID string) (*domain.Collaborator, error)
	RemoveCollaborator(ctx context.Context, repositoryID, userID string) error
	ListCollaborators(ctx context.Context, repositoryID string) ([]domain.Collaborator, error)

	// App operations
	CreateApp(ctx context.Context, app *domain.App) error
	GetApp(ctx context.Context, id string) (*domain.App, error)
	UpdateApp(ctx context.Context, app *domain.App) error
	SetAppTarget(ctx context.Context, appID, deploymentID string) error

	// Deployment operations. CreateDeployment assigns the version label
	// and fails with ErrDeploymentActive when the app already has a
	// non-terminal deployment.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	ListDeploymentsByApp(ctx context.Context, appID string, opts ListOptions) ([]domain.Deployment, error)
	ListUnfinishedDeployments(ctx context.Context, olderThan time.Time) ([]domain.Deployment, error)

	// Observability operations
	AppendAppLog(ctx context.Context, log *domain.AppLog) error
	ListAppLogs(ctx context.Context, appID string, opts ListOptions) ([]domain.AppLog, error)
	CreateAppMetric(ctx context.Context, metric *domain.AppMetric) error

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

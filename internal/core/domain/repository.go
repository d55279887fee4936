package domain

import (
	"errors"
	"time"
)

// =============================================================================
// Repository Errors
// =============================================================================

var (
	ErrRepositoryArchived = errors.New("repository is archived")
	ErrRepositoryDisabled = errors.New("repository is disabled")
)

// =============================================================================
// Visibility
// =============================================================================

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// =============================================================================
// Repository
// =============================================================================

// Repository represents a hosted git repository.
type Repository struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Visibility    Visibility `json:"visibility"`
	DefaultBranch string     `json:"default_branch"`
	ForkOf        *string    `json:"fork_of,omitempty"`
	MirrorSource  *string    `json:"mirror_source,omitempty"`
	Archived      bool       `json:"archived"`
	Disabled      bool       `json:"disabled"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// =============================================================================
// Permission
// =============================================================================

// Permission is a collaborator's access tier on a repository.
// Tiers are ordered: admin implies write, write implies read.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// PermissionDeploy is the minimum tier required to trigger a deployment.
const PermissionDeploy = PermissionWrite

// permissionRank orders tiers for Covers comparisons.
var permissionRank = map[Permission]int{
	PermissionRead:  1,
	PermissionWrite: 2,
	PermissionAdmin: 3,
}

// Valid reports whether p is a known permission tier.
func (p Permission) Valid() bool {
	_, ok := permissionRank[p]
	return ok
}

// Covers reports whether p grants at least the required tier.
func (p Permission) Covers(required Permission) bool {
	return permissionRank[p] >= permissionRank[required]
}

// =============================================================================
// Collaborator
// =============================================================================

// Collaborator grants a user a permission tier on a repository.
type Collaborator struct {
	RepositoryID string     `json:"repository_id"`
	UserID       string     `json:"user_id"`
	Permission   Permission `json:"permission"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Package auth decides whether a presented credential may deploy an app.
// It is pure: callers resolve the key and collaborator rows, the gate
// only applies the policy.
package auth

import (
	"errors"
	"time"

	"github.com/artpar/shipd/internal/core/domain"
)

// =============================================================================
// Gate Errors
// =============================================================================

var (
	// ErrUnauthenticated is returned when the credential does not map to
	// a live identity: unknown fingerprint, or an expired key.
	ErrUnauthenticated = errors.New("credential is not authenticated")

	// ErrForbidden is returned when the identity is known but lacks the
	// required permission tier.
	ErrForbidden = errors.New("identity lacks required permission")
)

// =============================================================================
// Authorization
// =============================================================================

// Request carries everything the gate needs for one decision.
// Collaborator is nil when the key's user has no grant on the repository.
type Request struct {
	Key          *domain.SSHKey
	Now          time.Time
	RepoOwnerID  string
	Collaborator *domain.Permission
	Required     domain.Permission
}

// Authorize applies the deploy policy. Expiry is checked here, at
// authorization time, so a key that expired after registration is
// rejected as unauthenticated rather than forbidden.
func Authorize(req Request) error {
	if req.Key == nil {
		return ErrUnauthenticated
	}
	if req.Key.Expired(req.Now) {
		return ErrUnauthenticated
	}

	if req.Key.UserID == req.RepoOwnerID {
		return nil
	}

	if req.Collaborator != nil && req.Collaborator.Covers(req.Required) {
		return nil
	}

	return ErrForbidden
}

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/artpar/shipd/internal/core/domain"
)

func validKey(userID string) *domain.SSHKey {
	return &domain.SSHKey{
		ID:          "key-1",
		UserID:      userID,
		Fingerprint: "SHA256:deadbeef",
		Algorithm:   "ssh-ed25519",
	}
}

func permPtr(p domain.Permission) *domain.Permission {
	return &p
}

// =============================================================================
// Authentication Tests
// =============================================================================

func TestAuthorize_NilKey(t *testing.T) {
	err := Authorize(Request{
		Now:         time.Now().UTC(),
		RepoOwnerID: "owner-1",
		Required:    domain.PermissionDeploy,
	})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthorize_ExpiredKey(t *testing.T) {
	now := time.Now().UTC()
	expired := now.Add(-time.Minute)

	key := validKey("owner-1")
	key.ExpiresAt = &expired

	// Even the owner is unauthenticated once the key has expired.
	err := Authorize(Request{
		Key:         key,
		Now:         now,
		RepoOwnerID: "owner-1",
		Required:    domain.PermissionDeploy,
	})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthorize_ExpiryCheckedAtDecisionTime(t *testing.T) {
	expiry := time.Now().UTC().Add(time.Hour)
	key := validKey("owner-1")
	key.ExpiresAt = &expiry

	before := Authorize(Request{Key: key, Now: expiry.Add(-time.Second), RepoOwnerID: "owner-1", Required: domain.PermissionDeploy})
	after := Authorize(Request{Key: key, Now: expiry, RepoOwnerID: "owner-1", Required: domain.PermissionDeploy})

	assert.NoError(t, before)
	assert.ErrorIs(t, after, ErrUnauthenticated)
}

// =============================================================================
// Permission Tests
// =============================================================================

func TestAuthorize_Owner(t *testing.T) {
	err := Authorize(Request{
		Key:         validKey("owner-1"),
		Now:         time.Now().UTC(),
		RepoOwnerID: "owner-1",
		Required:    domain.PermissionDeploy,
	})
	assert.NoError(t, err)
}

func TestAuthorize_CollaboratorWrite(t *testing.T) {
	err := Authorize(Request{
		Key:          validKey("user-2"),
		Now:          time.Now().UTC(),
		RepoOwnerID:  "owner-1",
		Collaborator: permPtr(domain.PermissionWrite),
		Required:     domain.PermissionDeploy,
	})
	assert.NoError(t, err)
}

func TestAuthorize_CollaboratorAdmin(t *testing.T) {
	err := Authorize(Request{
		Key:          validKey("user-2"),
		Now:          time.Now().UTC(),
		RepoOwnerID:  "owner-1",
		Collaborator: permPtr(domain.PermissionAdmin),
		Required:     domain.PermissionDeploy,
	})
	assert.NoError(t, err)
}

func TestAuthorize_CollaboratorReadOnly(t *testing.T) {
	err := Authorize(Request{
		Key:          validKey("user-2"),
		Now:          time.Now().UTC(),
		RepoOwnerID:  "owner-1",
		Collaborator: permPtr(domain.PermissionRead),
		Required:     domain.PermissionDeploy,
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAuthorize_NoGrant(t *testing.T) {
	err := Authorize(Request{
		Key:         validKey("user-2"),
		Now:         time.Now().UTC(),
		RepoOwnerID: "owner-1",
		Required:    domain.PermissionDeploy,
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Permission Ordering Tests
// =============================================================================

func TestPermission_Covers(t *testing.T) {
	assert.True(t, PermissionAdmin.Covers(PermissionRead))
	assert.True(t, PermissionAdmin.Covers(PermissionWrite))
	assert.True(t, PermissionAdmin.Covers(PermissionAdmin))

	assert.True(t, PermissionWrite.Covers(PermissionRead))
	assert.True(t, PermissionWrite.Covers(PermissionWrite))
	assert.False(t, PermissionWrite.Covers(PermissionAdmin))

	assert.True(t, PermissionRead.Covers(PermissionRead))
	assert.False(t, PermissionRead.Covers(PermissionWrite))
	assert.False(t, PermissionRead.Covers(PermissionAdmin))
}

func TestPermission_Valid(t *testing.T) {
	assert.True(t, PermissionRead.Valid())
	assert.True(t, PermissionWrite.Valid())
	assert.True(t, PermissionAdmin.Valid())
	assert.False(t, Permission("owner").Valid())
	assert.False(t, Permission("").Valid())
}

func TestPermissionDeploy_IsWrite(t *testing.T) {
	assert.Equal(t, PermissionWrite, PermissionDeploy)
}

// =============================================================================
// Username Validation Tests
// =============================================================================

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("alice"))
	assert.NoError(t, ValidateUsername("bob-42"))
	assert.NoError(t, ValidateUsername("under_score"))

	assert.Error(t, ValidateUsername("a"))
	assert.Error(t, ValidateUsername("Capital"))
	assert.Error(t, ValidateUsername("has space"))
	assert.Error(t, ValidateUsername("-leading"))
	assert.Error(t, ValidateUsername("trailing-"))
}

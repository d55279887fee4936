package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Deployment Creation Tests
// =============================================================================

func TestNewDeployment(t *testing.T) {
	d := NewDeployment("app-123", "SHA256:abcdef")

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "app-123", d.AppID)
	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, "SHA256:abcdef", d.DeployedBy)
	assert.Empty(t, d.Version)
	assert.NotZero(t, d.CreatedAt)
	assert.Nil(t, d.StartedAt)
	assert.Nil(t, d.FinishedAt)
}

func TestNewDeployment_UniqueIDs(t *testing.T) {
	d1 := NewDeployment("app-123", "SHA256:abcdef")
	d2 := NewDeployment("app-123", "SHA256:abcdef")

	assert.NotEqual(t, d1.ID, d2.ID)
}

// =============================================================================
// Status Transition Tests
// =============================================================================

func TestDeployment_Transition_PendingToInProgress(t *testing.T) {
	d := NewDeployment("app-123", "SHA256:abcdef")

	err := d.Transition(StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, d.Status)
	assert.NotNil(t, d.StartedAt)
	assert.Nil(t, d.FinishedAt)
}

func TestDeployment_Transition_InProgressToSuccessful(t *testing.T) {
	d := NewDeployment("app-123", "SHA256:abcdef")
	require.NoError(t, d.Transition(StatusInProgress))

	err := d.Transition(StatusSuccessful)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccessful, d.Status)
	assert.NotNil(t, d.FinishedAt)
}

func TestDeployment_Transition_InProgressToFailed(t *testing.T) {
	d := NewDeployment("app-123", "SHA256:abcdef")
	require.NoError(t, d.Transition(StatusInProgress))

	err := d.TransitionToFailed(ReasonBuildFailed)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, ReasonBuildFailed, d.Reason)
	assert.NotNil(t, d.FinishedAt)
}

func TestDeployment_Transition_PendingToFailed(t *testing.T) {
	d := NewDeployment("app-123", "SHA256:abcdef")

	err := d.TransitionToFailed(ReasonCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, ReasonCancelled, d.Reason)
}

func TestDeployment_Transition_PendingToSuccessful_Invalid(t *testing.T) {
	d := NewDeployment("app-123", "SHA256:abcdef")

	err := d.Transition(StatusSuccessful)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusPending, d.Status)
}

func TestDeployment_Transition_TerminalRejectsAll(t *testing.T) {
	for _, terminal := range []DeploymentStatus{StatusSuccessful, StatusFailed} {
		for _, to := range []DeploymentStatus{StatusPending, StatusInProgress, StatusSuccessful, StatusFailed} {
			d := NewDeployment("app-123", "SHA256:abcdef")
			d.Status = terminal

			err := d.Transition(to)
			assert.ErrorIs(t, err, ErrDeploymentTerminal, "from %s to %s", terminal, to)
		}
	}
}

func TestDeploymentStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusSuccessful.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

// =============================================================================
// Log Tests
// =============================================================================

func TestDeployment_AppendLog(t *testing.T) {
	d := NewDeployment("app-123", "SHA256:abcdef")

	d.AppendLog("cloning repository\n")
	d.AppendLog("building image\n")
	d.AppendLog("")

	assert.Equal(t, "cloning repository\nbuilding image\n", d.Log)
}

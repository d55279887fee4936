package domain

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// generateTestKey returns an authorized_keys line for a fresh ed25519 key.
func generateTestKey(t *testing.T, comment string) []byte {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	line := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPub)), "\n")
	if comment != "" {
		line += " " + comment
	}
	return []byte(line)
}

// =============================================================================
// Key Creation Tests
// =============================================================================

func TestNewSSHKey(t *testing.T) {
	key, err := NewSSHKey("user-1", generateTestKey(t, "laptop"), nil)
	require.NoError(t, err)

	assert.NotEmpty(t, key.ID)
	assert.Equal(t, "user-1", key.UserID)
	assert.Equal(t, ssh.KeyAlgoED25519, key.Algorithm)
	assert.True(t, strings.HasPrefix(key.Fingerprint, "SHA256:"))
	assert.Equal(t, "laptop", key.Comment)
	assert.Nil(t, key.ExpiresAt)
}

func TestNewSSHKey_FingerprintStable(t *testing.T) {
	raw := generateTestKey(t, "")

	k1, err := NewSSHKey("user-1", raw, nil)
	require.NoError(t, err)
	k2, err := NewSSHKey("user-2", raw, nil)
	require.NoError(t, err)

	assert.Equal(t, k1.Fingerprint, k2.Fingerprint)
}

func TestNewSSHKey_Garbage(t *testing.T) {
	_, err := NewSSHKey("user-1", []byte("not a key at all"), nil)
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestNewSSHKey_ExpiryInPast(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)

	_, err := NewSSHKey("user-1", generateTestKey(t, ""), &past)
	assert.ErrorIs(t, err, ErrKeyExpiryInPast)
}

// =============================================================================
// Expiry Tests
// =============================================================================

func TestSSHKey_Expired(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	key, err := NewSSHKey("user-1", generateTestKey(t, ""), &future)
	require.NoError(t, err)

	assert.False(t, key.Expired(time.Now().UTC()))
	assert.True(t, key.Expired(future))
	assert.True(t, key.Expired(future.Add(time.Minute)))
}

func TestSSHKey_Expired_NoExpiry(t *testing.T) {
	key, err := NewSSHKey("user-1", generateTestKey(t, ""), nil)
	require.NoError(t, err)

	assert.False(t, key.Expired(time.Now().UTC().Add(100*365*24*time.Hour)))
}

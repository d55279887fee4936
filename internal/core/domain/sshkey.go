package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// =============================================================================
// SSH Key Errors
// =============================================================================

var (
	ErrInvalidPublicKey   = errors.New("public key could not be parsed")
	ErrUnsupportedKeyType = errors.New("public key type is not supported")
	ErrKeyExpiryInPast    = errors.New("key expiry must be in the future")
)

// supportedKeyTypes lists the key algorithms accepted for authentication.
var supportedKeyTypes = map[string]bool{
	ssh.KeyAlgoED25519:  true,
	ssh.KeyAlgoRSA:      true,
	ssh.KeyAlgoECDSA256: true,
	ssh.KeyAlgoECDSA384: true,
	ssh.KeyAlgoECDSA521: true,
}

// =============================================================================
// SSH Key
// =============================================================================

// SSHKey is a public key registered by a user. The fingerprint is the
// stable credential presented when triggering deployments.
type SSHKey struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Fingerprint string     `json:"fingerprint"`
	Algorithm   string     `json:"algorithm"`
	PublicKey   string     `json:"public_key"`
	Comment     string     `json:"comment,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewSSHKey parses an authorized_keys formatted public key and derives
// its SHA256 fingerprint.
func NewSSHKey(userID string, authorizedKey []byte, expiresAt *time.Time) (*SSHKey, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	if !supportedKeyTypes[pub.Type()] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, pub.Type())
	}

	now := time.Now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, ErrKeyExpiryInPast
	}

	return &SSHKey{
		ID:          uuid.New().String(),
		UserID:      userID,
		Fingerprint: ssh.FingerprintSHA256(pub),
		Algorithm:   pub.Type(),
		PublicKey:   string(ssh.MarshalAuthorizedKey(pub)),
		Comment:     comment,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}, nil
}

// Expired reports whether the key is past its expiry at the given instant.
// Keys without an expiry never expire.
func (k *SSHKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

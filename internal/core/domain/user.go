package domain

import (
	"errors"
	"strings"
	"time"
)

// =============================================================================
// User Errors
// =============================================================================

var (
	ErrInvalidUsername = errors.New("username is invalid")
	ErrUserDisabled    = errors.New("user account is disabled")
)

// =============================================================================
// Role
// =============================================================================

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// =============================================================================
// User
// =============================================================================

// User represents an account that owns repositories and apps.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ValidateUsername checks that a username is usable as an identity and
// as a path segment in repository locators.
func ValidateUsername(username string) error {
	if len(username) < 2 || len(username) > 64 {
		return ErrInvalidUsername
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return ErrInvalidUsername
		}
	}
	if strings.HasPrefix(username, "-") || strings.HasSuffix(username, "-") {
		return ErrInvalidUsername
	}
	return nil
}

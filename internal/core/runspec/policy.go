// Package runspec turns an app configuration into a sealed, declarative
// run specification. Generation is pure and deterministic; nothing here
// talks to a container runtime.
package runspec

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Policy Errors
// =============================================================================

var (
	ErrInvalidPolicy = errors.New("sealing policy is invalid")
)

// =============================================================================
// Sealing Policy
// =============================================================================

// SealingPolicy describes the host surface a container is allowed to see.
// Everything not listed here is denied.
type SealingPolicy struct {
	// ReadOnlyMounts are host paths bound read-only into the container
	// at the same path. Host config the app needs but must not change.
	ReadOnlyMounts []string `yaml:"read_only_mounts"`

	// HostAllowList are host path prefixes an app may request additional
	// read-only binds under. Requests outside the list are dropped.
	HostAllowList []string `yaml:"host_allow_list"`

	// WritableDir is the only writable path inside the container. It is
	// memory-backed, never host-backed.
	WritableDir    string `yaml:"writable_dir"`
	WritableSizeMB int64  `yaml:"writable_size_mb"`
	WritableMode   uint32 `yaml:"writable_mode"`
}

// DefaultPolicy returns the sealing policy used when no policy file is
// configured.
func DefaultPolicy() SealingPolicy {
	return SealingPolicy{
		ReadOnlyMounts: []string{
			"/etc/ssl/certs",
			"/etc/resolv.conf",
		},
		HostAllowList:  []string{},
		WritableDir:    "/app",
		WritableSizeMB: 64,
		WritableMode:   0o700,
	}
}

// LoadPolicy reads a sealing policy from a YAML file. Fields left unset
// fall back to the defaults.
func LoadPolicy(path string) (SealingPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SealingPolicy{}, fmt.Errorf("read policy file: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return SealingPolicy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	if err := policy.Validate(); err != nil {
		return SealingPolicy{}, err
	}
	return policy, nil
}

// Validate checks internal consistency of the policy.
func (p SealingPolicy) Validate() error {
	if !strings.HasPrefix(p.WritableDir, "/") {
		return fmt.Errorf("%w: writable_dir must be absolute", ErrInvalidPolicy)
	}
	if p.WritableSizeMB <= 0 {
		return fmt.Errorf("%w: writable_size_mb must be positive", ErrInvalidPolicy)
	}
	if p.WritableMode == 0 || p.WritableMode > 0o777 {
		return fmt.Errorf("%w: writable_mode out of range", ErrInvalidPolicy)
	}
	for _, m := range p.ReadOnlyMounts {
		if !strings.HasPrefix(m, "/") {
			return fmt.Errorf("%w: read-only mount %q must be absolute", ErrInvalidPolicy, m)
		}
	}
	for _, m := range p.HostAllowList {
		if !strings.HasPrefix(m, "/") {
			return fmt.Errorf("%w: allow-list entry %q must be absolute", ErrInvalidPolicy, m)
		}
	}
	return nil
}

// allows reports whether a host path falls under the allow list.
func (p SealingPolicy) allows(hostPath string) bool {
	for _, prefix := range p.HostAllowList {
		if hostPath == prefix || strings.HasPrefix(hostPath, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

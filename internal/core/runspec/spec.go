package runspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/artpar/shipd/internal/core/domain"
)

// =============================================================================
// Run-Spec Errors
// =============================================================================

var (
	// ErrPolicyViolation is returned when the app config asks for
	// something the sealing policy can never grant. Unlike dropped
	// requests, this fails the deployment.
	ErrPolicyViolation = errors.New("app config violates sealing policy")

	ErrInvalidPort = errors.New("port specification is invalid")
	ErrNoImage     = errors.New("run spec requires an image")
)

// =============================================================================
// Run Spec
// =============================================================================

// MountBacking distinguishes host binds from memory-backed mounts.
type MountBacking string

const (
	BackingBind  MountBacking = "bind"
	BackingTmpfs MountBacking = "tmpfs"
)

// Mount is one mount entry in the sealed spec.
type Mount struct {
	Backing   MountBacking `json:"backing"`
	Source    string       `json:"source,omitempty"`
	Target    string       `json:"target"`
	ReadOnly  bool         `json:"read_only"`
	SizeBytes int64        `json:"size_bytes,omitempty"`
	FileMode  uint32       `json:"file_mode,omitempty"`
}

// EnvVar is one environment entry, kept as a slice so ordering is part
// of the spec.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RunSpec is the declarative result of sealing an app config. It
// describes the container without starting it.
type RunSpec struct {
	Image      string   `json:"image"`
	Mounts     []Mount  `json:"mounts"`
	Env        []EnvVar `json:"env,omitempty"`
	Ports      []string `json:"ports,omitempty"`
	WorkingDir string   `json:"working_dir"`

	// Violations records config requests that were dropped by policy.
	// They are advisory; hard violations fail generation instead.
	Violations []string `json:"violations,omitempty"`
}

// Marshal renders the spec as canonical JSON. Equal inputs to Generate
// produce byte-identical output.
func (s *RunSpec) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// =============================================================================
// Generation
// =============================================================================

// Generate seals an app config under a policy. It is side-effect free:
// same image, config and policy always yield the same spec.
func Generate(image string, cfg domain.AppConfig, policy SealingPolicy) (*RunSpec, error) {
	if image == "" {
		return nil, ErrNoImage
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	spec := &RunSpec{
		Image:      image,
		WorkingDir: policy.WritableDir,
	}

	// Writable host mounts can never be granted. This is the one request
	// that fails generation outright.
	for _, m := range cfg.Mounts {
		if !m.ReadOnly {
			return nil, fmt.Errorf("%w: writable host mount %s -> %s", ErrPolicyViolation, m.Source, m.Target)
		}
	}

	mounts, violations := sealMounts(cfg.Mounts, policy)
	spec.Mounts = mounts
	spec.Violations = violations

	env, envViolations := sealEnv(cfg.Env, policy)
	spec.Env = env
	spec.Violations = append(spec.Violations, envViolations...)

	if cfg.Workdir != "" && cfg.Workdir != policy.WritableDir {
		if within(policy.WritableDir, cfg.Workdir) {
			spec.WorkingDir = path.Clean(cfg.Workdir)
		} else {
			spec.Violations = append(spec.Violations,
				fmt.Sprintf("workdir %s outside writable dir, using %s", cfg.Workdir, policy.WritableDir))
		}
	}

	ports, err := sealPorts(cfg.Ports)
	if err != nil {
		return nil, err
	}
	spec.Ports = ports

	return spec, nil
}

// sealMounts builds the ordered mount list: policy read-only binds,
// allow-listed request binds, then the single writable tmpfs.
func sealMounts(requests []domain.MountRequest, policy SealingPolicy) ([]Mount, []string) {
	var violations []string

	targets := map[string]bool{}
	var binds []Mount

	for _, host := range policy.ReadOnlyMounts {
		clean := path.Clean(host)
		binds = append(binds, Mount{
			Backing:  BackingBind,
			Source:   clean,
			Target:   clean,
			ReadOnly: true,
		})
		targets[clean] = true
	}

	for _, req := range requests {
		source := path.Clean(req.Source)
		target := path.Clean(req.Target)
		switch {
		case !policy.allows(source):
			violations = append(violations,
				fmt.Sprintf("mount %s -> %s not in host allow list, dropped", source, target))
		case targets[target]:
			violations = append(violations,
				fmt.Sprintf("mount target %s already claimed, dropped", target))
		case target == policy.WritableDir || within(policy.WritableDir, target):
			violations = append(violations,
				fmt.Sprintf("mount target %s shadows writable dir, dropped", target))
		default:
			binds = append(binds, Mount{
				Backing:  BackingBind,
				Source:   source,
				Target:   target,
				ReadOnly: true,
			})
			targets[target] = true
		}
	}

	sort.Slice(binds, func(i, j int) bool { return binds[i].Target < binds[j].Target })

	mounts := append(binds, Mount{
		Backing:   BackingTmpfs,
		Target:    policy.WritableDir,
		ReadOnly:  false,
		SizeBytes: policy.WritableSizeMB * 1024 * 1024,
		FileMode:  policy.WritableMode,
	})

	return mounts, violations
}

// sealEnv sorts the environment and forces HOME into the writable dir.
func sealEnv(env map[string]string, policy SealingPolicy) ([]EnvVar, []string) {
	var violations []string

	names := make([]string, 0, len(env))
	for name := range env {
		if name == "HOME" {
			violations = append(violations,
				fmt.Sprintf("HOME override %q dropped, forced to %s", env[name], policy.WritableDir))
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]EnvVar, 0, len(names)+1)
	out = append(out, EnvVar{Name: "HOME", Value: policy.WritableDir})
	for _, name := range names {
		out = append(out, EnvVar{Name: name, Value: env[name]})
	}

	return out, violations
}

// sealPorts validates and normalizes port specs to "port/proto" form.
func sealPorts(specs []string) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	seen := map[string]bool{}
	out := make([]string, 0, len(specs))
	for _, raw := range specs {
		proto, port := nat.SplitProtoPort(raw)
		p, err := nat.NewPort(proto, port)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPort, raw)
		}
		normalized := string(p)
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	sort.Strings(out)
	return out, nil
}

// within reports whether p is strictly under dir.
func within(dir, p string) bool {
	dir = path.Clean(dir)
	p = path.Clean(p)
	return strings.HasPrefix(p, dir+"/")
}

// =============================================================================
// Docker Rendering
// =============================================================================

// DockerRunArgs renders the spec as a docker run argument vector. It is
// a convenience for operators inspecting what would run; the spec itself
// stays declarative.
func (s *RunSpec) DockerRunArgs(name string) []string {
	args := []string{"run", "--rm", "--init", "--name", name, "--workdir", s.WorkingDir}

	for _, m := range s.Mounts {
		switch m.Backing {
		case BackingBind:
			opt := fmt.Sprintf("type=bind,source=%s,target=%s", m.Source, m.Target)
			if m.ReadOnly {
				opt += ",readonly"
			}
			args = append(args, "--mount", opt)
		case BackingTmpfs:
			args = append(args, "--mount",
				fmt.Sprintf("type=tmpfs,target=%s,tmpfs-size=%d,tmpfs-mode=%04o", m.Target, m.SizeBytes, m.FileMode))
		}
	}

	for _, e := range s.Env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", e.Name, e.Value))
	}

	for _, p := range s.Ports {
		args = append(args, "--publish", p)
	}

	return append(args, s.Image)
}

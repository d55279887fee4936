// Package builder turns resolved sources into container images.
package builder

import (
	"context"
	"errors"
	"os"
	"os/exec"
)

// =============================================================================
// Runner
// =============================================================================

// Runner executes an external process and reports its exit code along
// with combined stdout and stderr. The single injection point for build
// execution; tests substitute fakes, production uses ExecRunner.
type Runner interface {
	Run(ctx context.Context, name string, args []string, dir string, env []string) (exitCode int, combined string, err error)
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct{}

// Run executes the command with the extra environment appended to the
// process environment. Combined output preserves the interleaving the
// process produced.
func (ExecRunner) Run(ctx context.Context, name string, args []string, dir string, env []string) (int, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), string(out), nil
		}
		return -1, string(out), err
	}

	return 0, string(out), nil
}

package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// =============================================================================
// Build Errors
// =============================================================================

var (
	// ErrBuildFailed is the sentinel under BuildError for a non-zero
	// compiler or docker exit.
	ErrBuildFailed = errors.New("build failed")

	// ErrBuildTimeout is the sentinel under BuildError when the build
	// exceeded its deadline. The partial log is kept.
	ErrBuildTimeout = errors.New("build timed out")

	// ErrResourceExhausted is returned when no build slot frees up
	// within the queue wait.
	ErrResourceExhausted = errors.New("build capacity exhausted")
)

// BuildError carries the exit code and full build log of a failed
// build. The log is attached on every failure path.
type BuildError struct {
	ExitCode int
	Log      string
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%v (exit code %d)", e.Err, e.ExitCode)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Artifact
// =============================================================================

// Artifact is a successfully built image plus the log that produced it.
type Artifact struct {
	Image string
	Log   string
}

// ImageTag composes the image reference for a build: repository name
// tagged with the short commit.
func ImageTag(repoName, shortCommit string) string {
	return fmt.Sprintf("%s:%s", repoName, shortCommit)
}

// =============================================================================
// Engine
// =============================================================================

// Verifier confirms an image exists after the build reports success.
type Verifier interface {
	ImageExists(ctx context.Context, image string) (bool, error)
}

// Engine builds images with bounded concurrency. Slots bound how many
// builds run at once; waiters past the queue wait are shed.
type Engine struct {
	runner    Runner
	verifier  Verifier
	slots     chan struct{}
	queueWait time.Duration
	logger    *slog.Logger
}

// NewEngine creates a build engine. verifier may be nil when no image
// store is available to cross-check against.
func NewEngine(runner Runner, verifier Verifier, slots int, queueWait time.Duration, logger *slog.Logger) *Engine {
	if slots <= 0 {
		slots = 1
	}
	if queueWait <= 0 {
		queueWait = 30 * time.Second
	}
	return &Engine{
		runner:    runner,
		verifier:  verifier,
		slots:     make(chan struct{}, slots),
		queueWait: queueWait,
		logger:    logger.With("component", "builder"),
	}
}

// Build runs docker buildx against the source directory and tags the
// result. The returned error is a *BuildError on every build-side
// failure so the log survives.
func (e *Engine) Build(ctx context.Context, dir, image, dockerfile string) (*Artifact, error) {
	release, err := e.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	args := []string{"buildx", "build", "--tag", image}
	if dockerfile != "" {
		args = append(args, "--file", dockerfile)
	}
	args = append(args, ".")

	e.logger.Info("building image", "image", image, "dir", dir)
	start := time.Now()

	exitCode, combined, err := e.runner.Run(ctx, "docker", args, dir, []string{"DOCKER_BUILDKIT=1"})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &BuildError{ExitCode: exitCode, Log: combined, Err: ErrBuildTimeout}
		}
		return nil, &BuildError{ExitCode: exitCode, Log: combined, Err: fmt.Errorf("%w: %v", ErrBuildFailed, err)}
	}
	if exitCode != 0 {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &BuildError{ExitCode: exitCode, Log: combined, Err: ErrBuildTimeout}
		}
		e.logger.Warn("build failed", "image", image, "exit_code", exitCode)
		return nil, &BuildError{ExitCode: exitCode, Log: combined, Err: ErrBuildFailed}
	}

	if e.verifier != nil {
		exists, verr := e.verifier.ImageExists(ctx, image)
		if verr != nil {
			return nil, &BuildError{Log: combined, Err: fmt.Errorf("%w: verify image: %v", ErrBuildFailed, verr)}
		}
		if !exists {
			return nil, &BuildError{Log: combined, Err: fmt.Errorf("%w: image missing after build", ErrBuildFailed)}
		}
	}

	e.logger.Info("image built", "image", image, "duration", time.Since(start))
	return &Artifact{Image: image, Log: combined}, nil
}

// acquireSlot blocks for a build slot up to the queue wait. A free slot
// is taken without arming the timer.
func (e *Engine) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	default:
	}

	timer := time.NewTimer(e.queueWait)
	defer timer.Stop()

	select {
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	case <-timer.C:
		return nil, ErrResourceExhausted
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &BuildError{Err: ErrBuildTimeout}
		}
		return nil, ctx.Err()
	}
}

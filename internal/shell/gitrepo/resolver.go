// Package gitrepo fetches repository sources into local working trees.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// =============================================================================
// Resolver Errors
// =============================================================================

var (
	// ErrRefNotFound is returned when the remote exists but the
	// requested branch or revision does not.
	ErrRefNotFound = errors.New("ref not found in repository")

	// ErrUnreachable is returned when the repository cannot be reached:
	// network failures, DNS, or rejected credentials.
	ErrUnreachable = errors.New("repository unreachable")

	// ErrTimeout is returned when fetching exceeds the caller's deadline.
	ErrTimeout = errors.New("repository fetch timed out")
)

// =============================================================================
// Source
// =============================================================================

// Source is a resolved working tree pinned to a commit.
type Source struct {
	Locator string
	Ref     string
	Commit  string
	Dir     string
}

// ShortCommit returns the 7-character commit prefix used in image tags.
func (s *Source) ShortCommit() string {
	if len(s.Commit) < 7 {
		return s.Commit
	}
	return s.Commit[:7]
}

// Remove deletes the working tree. Safe to call more than once.
func (s *Source) Remove() error {
	if s.Dir == "" || s.Dir == "/" {
		return nil
	}
	return os.RemoveAll(s.Dir)
}

// =============================================================================
// Resolver
// =============================================================================

// Resolver clones repositories into per-attempt directories under a
// root it owns.
type Resolver struct {
	root   string
	logger *slog.Logger
}

// NewResolver creates a resolver rooted at dir, creating it if needed.
func NewResolver(root string, logger *slog.Logger) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}

	return &Resolver{
		root:   abs,
		logger: logger.With("component", "gitrepo"),
	}, nil
}

// Resolve fetches the given ref of a repository into a fresh directory.
// A shallow clone is enough: deployments only need the tree at the tip.
// On failure nothing is left behind; on success the caller owns the
// returned Source and must Remove it.
func (r *Resolver) Resolve(ctx context.Context, locator, ref string) (*Source, error) {
	dir, err := os.MkdirTemp(r.root, "src-")
	if err != nil {
		return nil, fmt.Errorf("create working dir: %w", err)
	}

	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref, "--single-branch")
	}
	args = append(args, "--", locator, dir)

	r.logger.Debug("fetching source", "locator", locator, "ref", ref)

	out, err := r.git(ctx, "", args...)
	if err != nil {
		os.RemoveAll(dir)
		return nil, classify(ctx, err, out)
	}

	commit, err := r.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		os.RemoveAll(dir)
		return nil, classify(ctx, err, commit)
	}

	src := &Source{
		Locator: locator,
		Ref:     ref,
		Commit:  strings.TrimSpace(commit),
		Dir:     dir,
	}

	r.logger.Info("source resolved", "locator", locator, "ref", ref, "commit", src.ShortCommit())
	return src, nil
}

// git runs a git command and returns its combined output. Prompts are
// disabled so missing credentials fail instead of hanging.
func (r *Resolver) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_SSH_COMMAND=ssh -o BatchMode=yes",
	)

	out, err := cmd.CombinedOutput()
	return string(out), err
}

// =============================================================================
// Error Classification
// =============================================================================

// refNotFoundPatterns match git output for a missing branch or revision.
var refNotFoundPatterns = []string{
	"not found in upstream",
	"could not find remote branch",
	"unknown revision or path",
	"couldn't find remote ref",
}

// classify maps a git failure onto the resolver error taxonomy. The
// deadline check comes first: a cancelled clone produces misleading
// output.
func classify(ctx context.Context, err error, output string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}

	lower := strings.ToLower(output)
	for _, p := range refNotFoundPatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: %s", ErrRefNotFound, firstLine(output))
		}
	}

	return fmt.Errorf("%w: %s", ErrUnreachable, firstLine(output))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// =============================================================================
// Naming
// =============================================================================

// RepoName derives the image name from a repository locator: the last
// path segment, lowered, with any .git suffix stripped.
func RepoName(locator string) string {
	name := strings.TrimSuffix(locator, "/")
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, ".git")
	return strings.ToLower(name)
}

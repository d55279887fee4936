// Package orchestrator drives a deployment from trigger to terminal
// state: authorize, admit, resolve, build, seal, persist.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/shipd/internal/core/auth"
	"github.com/artpar/shipd/internal/core/domain"
	"github.com/artpar/shipd/internal/core/runspec"
	"github.com/artpar/shipd/internal/shell/builder"
	"github.com/artpar/shipd/internal/shell/gitrepo"
	"github.com/artpar/shipd/internal/shell/store"
)

// =============================================================================
// Capability Interfaces
// =============================================================================

// SourceResolver fetches a repository ref into a working tree.
type SourceResolver interface {
	Resolve(ctx context.Context, locator, ref string) (*gitrepo.Source, error)
}

// ImageBuilder builds an image from a source directory.
type ImageBuilder interface {
	Build(ctx context.Context, dir, image, dockerfile string) (*builder.Artifact, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config bounds the pipeline. Each phase gets its own timeout so a hung
// fetch cannot eat the build budget.
type Config struct {
	MaxConcurrent   int
	ResolveTimeout  time.Duration
	BuildTimeout    time.Duration
	FinalizeTimeout time.Duration
}

// DefaultConfig returns default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   3,
		ResolveTimeout:  2 * time.Minute,
		BuildTimeout:    15 * time.Minute,
		FinalizeTimeout: 10 * time.Second,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = d.ResolveTimeout
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = d.BuildTimeout
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = d.FinalizeTimeout
	}
	return c
}

// =============================================================================
// Orchestrator
// =============================================================================

// Result is a finished deployment and the run spec it produced.
// Spec is nil when the deployment failed before sealing.
type Result struct {
	Deployment *domain.Deployment
	Spec       *runspec.RunSpec
}

// Orchestrator owns the deployment pipeline.
type Orchestrator struct {
	store    store.Store
	resolver SourceResolver
	builder  ImageBuilder
	policy   runspec.SealingPolicy
	config   Config
	sem      chan struct{}
	logger   *slog.Logger
}

// New creates an orchestrator.
func New(s store.Store, resolver SourceResolver, imageBuilder ImageBuilder, policy runspec.SealingPolicy, config Config, logger *slog.Logger) *Orchestrator {
	config = config.normalize()
	return &Orchestrator{
		store:    s,
		resolver: resolver,
		builder:  imageBuilder,
		policy:   policy,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrent),
		logger:   logger.With("component", "orchestrator"),
	}
}

// Deploy runs one deployment attempt for the app, authorized by the
// presented key fingerprint. Pre-admission failures (unknown app,
// rejected credential, busy app) surface as errors without leaving a
// row behind; anything after admission lands in a terminal row.
func (o *Orchestrator) Deploy(ctx context.Context, appID, fingerprint string) (*Result, error) {
	app, err := o.store.GetApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if err := app.Deployable(); err != nil {
		return nil, err
	}

	key, err := o.authorize(ctx, app, fingerprint)
	if err != nil {
		return nil, err
	}

	// The partial unique index behind CreateDeployment is the admission
	// gate: exactly one caller wins when triggers race.
	deployment := domain.NewDeployment(app.ID, key.Fingerprint)
	if err := o.store.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}

	o.logger.Info("deployment admitted",
		"deployment_id", deployment.ID, "app_id", app.ID, "version", deployment.Version)

	return o.run(ctx, app, deployment)
}

// authorize resolves the fingerprint to a key and applies the gate.
func (o *Orchestrator) authorize(ctx context.Context, app *domain.App, fingerprint string) (*domain.SSHKey, error) {
	key, err := o.store.GetSSHKeyByFingerprint(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, auth.ErrUnauthenticated
		}
		return nil, err
	}

	req := auth.Request{
		Key:         key,
		Now:         time.Now().UTC(),
		RepoOwnerID: app.OwnerID,
		Required:    domain.PermissionDeploy,
	}

	// Apps backed by a hosted repository delegate to its owner and
	// collaborator grants. Apps pointing at an external URL are
	// deployable by their owner only.
	if app.RepositoryID != nil {
		repo, err := o.store.GetRepository(ctx, *app.RepositoryID)
		if err != nil {
			return nil, err
		}
		req.RepoOwnerID = repo.OwnerID

		collab, err := o.store.GetCollaborator(ctx, repo.ID, key.UserID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if collab != nil {
			req.Collaborator = &collab.Permission
		}
	}

	if err := auth.Authorize(req); err != nil {
		return nil, err
	}
	return key, nil
}

// run executes the phases after admission. Every exit path leaves the
// deployment terminal, except when persistence itself fails.
func (o *Orchestrator) run(ctx context.Context, app *domain.App, d *domain.Deployment) (*Result, error) {
	start := time.Now()

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return o.fail(d, domain.ReasonCancelled, "cancelled while waiting for a worker slot\n", ctx.Err())
	}

	if err := d.Transition(domain.StatusInProgress); err != nil {
		return nil, err
	}
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		return nil, err
	}

	// Resolve
	resolveCtx, cancelResolve := context.WithTimeout(ctx, o.config.ResolveTimeout)
	src, err := o.resolver.Resolve(resolveCtx, app.RepositoryURL, app.Branch)
	cancelResolve()
	if err != nil {
		return o.fail(d, resolveReason(ctx, err), fmt.Sprintf("resolve: %v\n", err), err)
	}
	defer func() {
		if rmErr := src.Remove(); rmErr != nil {
			o.logger.Warn("failed to remove working tree", "dir", src.Dir, "error", rmErr)
		}
	}()

	d.Commit = src.Commit
	d.AppendLog(fmt.Sprintf("resolved %s@%s to %s\n", app.RepositoryURL, app.Branch, src.ShortCommit()))

	// Build
	image := imageRef(app, src)
	buildCtx, cancelBuild := context.WithTimeout(ctx, o.config.BuildTimeout)
	artifact, err := o.builder.Build(buildCtx, src.Dir, image, app.Config.Dockerfile)
	cancelBuild()
	if err != nil {
		var buildErr *builder.BuildError
		if errors.As(err, &buildErr) {
			d.AppendLog(buildErr.Log)
		}
		return o.fail(d, buildReason(ctx, err), fmt.Sprintf("build: %v\n", err), err)
	}
	d.Image = artifact.Image
	d.AppendLog(artifact.Log)

	// Seal
	spec, err := runspec.Generate(artifact.Image, app.Config, o.policy)
	if err != nil {
		return o.fail(d, sealReason(err), fmt.Sprintf("seal: %v\n", err), err)
	}
	for _, v := range spec.Violations {
		d.AppendLog("policy: " + v + "\n")
	}

	// The terminal transition and the app pointer move in one
	// transaction: observers never see a successful deployment the app
	// does not point at.
	if err := d.Transition(domain.StatusSuccessful); err != nil {
		return nil, err
	}
	err = o.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateDeployment(ctx, d); err != nil {
			return err
		}
		return tx.SetAppTarget(ctx, app.ID, d.ID)
	})
	if err != nil {
		return nil, err
	}

	o.record(app, d, time.Since(start))

	o.logger.Info("deployment successful",
		"deployment_id", d.ID, "app_id", app.ID, "version", d.Version, "image", d.Image)
	return &Result{Deployment: d, Spec: spec}, nil
}

// fail drives the deployment to failed on a detached context so the
// terminal state lands even when the trigger was cancelled. If the
// store rejects the write the row stays in_progress for the reconciler.
func (o *Orchestrator) fail(d *domain.Deployment, reason, logChunk string, cause error) (*Result, error) {
	d.AppendLog(logChunk)
	if err := d.TransitionToFailed(reason); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.config.FinalizeTimeout)
	defer cancel()

	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		// Another writer (a reconciler, usually) already settled the row;
		// its terminal state stands and ours is discarded.
		if errors.Is(err, store.ErrDeploymentSettled) {
			o.logger.Warn("deployment already settled elsewhere",
				"deployment_id", d.ID, "reason", reason)
			return &Result{Deployment: d}, cause
		}
		o.logger.Error("failed to persist terminal state",
			"deployment_id", d.ID, "reason", reason, "error", err)
		return nil, err
	}

	o.logger.Warn("deployment failed",
		"deployment_id", d.ID, "app_id", d.AppID, "reason", reason, "error", cause)
	return &Result{Deployment: d}, cause
}

// record writes best-effort observability rows after success.
func (o *Orchestrator) record(app *domain.App, d *domain.Deployment, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.FinalizeTimeout)
	defer cancel()

	now := time.Now().UTC()
	if err := o.store.CreateAppMetric(ctx, &domain.AppMetric{
		AppID: app.ID, Name: "deploy_duration_seconds", Value: elapsed.Seconds(), CreatedAt: now,
	}); err != nil {
		o.logger.Warn("failed to record metric", "app_id", app.ID, "error", err)
	}
	if err := o.store.AppendAppLog(ctx, &domain.AppLog{
		AppID: app.ID, Source: "deploy",
		Line: fmt.Sprintf("%s deployed as %s", d.Version, d.Image), CreatedAt: now,
	}); err != nil {
		o.logger.Warn("failed to record app log", "app_id", app.ID, "error", err)
	}
}

// imageRef derives the image reference: explicit config wins, otherwise
// the repository name tagged with the short commit.
func imageRef(app *domain.App, src *gitrepo.Source) string {
	name := app.Config.Image
	if name == "" {
		name = gitrepo.RepoName(app.RepositoryURL)
	}
	tag := app.Config.Tag
	if tag == "" {
		tag = src.ShortCommit()
	}
	return builder.ImageTag(name, tag)
}

// =============================================================================
// Failure Classification
// =============================================================================

func resolveReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.ReasonCancelled
	case errors.Is(err, gitrepo.ErrRefNotFound):
		return domain.ReasonRefNotFound
	case errors.Is(err, gitrepo.ErrTimeout):
		return domain.ReasonResolveTimeout
	default:
		return domain.ReasonUnreachable
	}
}

func buildReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.ReasonCancelled
	case errors.Is(err, builder.ErrBuildTimeout):
		return domain.ReasonBuildTimeout
	case errors.Is(err, builder.ErrResourceExhausted):
		return domain.ReasonResources
	default:
		return domain.ReasonBuildFailed
	}
}

func sealReason(err error) string {
	if errors.Is(err, runspec.ErrPolicyViolation) {
		return domain.ReasonPolicyViolation
	}
	return domain.ReasonInvalidConfig
}

package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipd/internal/core/auth"
	"github.com/artpar/shipd/internal/core/domain"
	"github.com/artpar/shipd/internal/core/runspec"
	"github.com/artpar/shipd/internal/shell/builder"
	"github.com/artpar/shipd/internal/shell/gitrepo"
	"github.com/artpar/shipd/internal/shell/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// =============================================================================
// Fakes
// =============================================================================

// fakeResolver hands out real temp directories so cleanup is observable.
type fakeResolver struct {
	root   string
	commit string
	err    error

	lastDir string
}

func (f *fakeResolver) Resolve(ctx context.Context, locator, ref string) (*gitrepo.Source, error) {
	if f.err != nil {
		return nil, f.err
	}
	dir, err := os.MkdirTemp(f.root, "src-")
	if err != nil {
		return nil, err
	}
	f.lastDir = dir
	return &gitrepo.Source{Locator: locator, Ref: ref, Commit: f.commit, Dir: dir}, nil
}

type fakeBuilder struct {
	log       string
	err       error
	waitOnCtx bool

	lastImage string
}

func (f *fakeBuilder) Build(ctx context.Context, dir, image, dockerfile string) (*builder.Artifact, error) {
	f.lastImage = image
	if f.waitOnCtx {
		<-ctx.Done()
		return nil, &builder.BuildError{Log: f.log, Err: builder.ErrBuildTimeout}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &builder.Artifact{Image: image, Log: f.log}, nil
}

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	store    *store.SQLiteStore
	resolver *fakeResolver
	builder  *fakeBuilder
	orch     *Orchestrator

	owner *domain.User
	app   *domain.App
}

const ownerFingerprint = "SHA256:owner-key"

func setup(t *testing.T) *fixture {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "shipd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	now := time.Now().UTC()

	owner := &domain.User{
		ID: uuid.New().String(), Username: "alice", Role: domain.RoleUser,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateUser(ctx, owner))

	require.NoError(t, s.CreateSSHKey(ctx, &domain.SSHKey{
		ID: uuid.New().String(), UserID: owner.ID,
		Fingerprint: ownerFingerprint, Algorithm: "ssh-ed25519",
		PublicKey: "ssh-ed25519 AAAA... alice", CreatedAt: now,
	}))

	app := &domain.App{
		ID: uuid.New().String(), OwnerID: owner.ID, Name: "web",
		RepositoryURL: "https://git.example.com/alice/web.git", Branch: "main",
		Status: domain.AppStatusPublished, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateApp(ctx, app))

	resolver := &fakeResolver{root: t.TempDir(), commit: "0123456789abcdef0123456789abcdef01234567"}
	fb := &fakeBuilder{log: "Successfully built\n"}

	cfg := DefaultConfig()
	cfg.ResolveTimeout = 5 * time.Second
	cfg.BuildTimeout = 5 * time.Second

	return &fixture{
		store:    s,
		resolver: resolver,
		builder:  fb,
		orch:     New(s, resolver, fb, runspec.DefaultPolicy(), cfg, testLogger()),
		owner:    owner,
		app:      app,
	}
}

func (f *fixture) reload(t *testing.T, id string) *domain.Deployment {
	t.Helper()
	d, err := f.store.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	return d
}

// =============================================================================
// Success Path
// =============================================================================

func TestDeploy_Success(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	require.NoError(t, err)

	d := f.reload(t, res.Deployment.ID)
	assert.Equal(t, domain.StatusSuccessful, d.Status)
	assert.Equal(t, "v1", d.Version)
	assert.Equal(t, "web:0123456", d.Image)
	assert.Equal(t, f.resolver.commit, d.Commit)
	assert.Contains(t, d.Log, "resolved")
	assert.Contains(t, d.Log, "Successfully built")
	assert.NotNil(t, d.FinishedAt)

	// App pointer moved with the terminal transition.
	app, err := f.store.GetApp(ctx, f.app.ID)
	require.NoError(t, err)
	require.NotNil(t, app.CurrentDeploymentID)
	assert.Equal(t, d.ID, *app.CurrentDeploymentID)

	// Sealed spec came back alongside the row.
	require.NotNil(t, res.Spec)
	assert.Equal(t, "web:0123456", res.Spec.Image)

	// Working tree is gone.
	assert.NoDirExists(t, f.resolver.lastDir)

	// Observability rows landed.
	logs, err := f.store.ListAppLogs(ctx, f.app.ID, store.DefaultListOptions())
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Line, "v1 deployed as web:0123456")
}

func TestDeploy_ImageOverrideFromConfig(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.app.Config = domain.AppConfig{Image: "registry.local/web", Tag: "release"}
	require.NoError(t, f.store.UpdateApp(ctx, f.app))

	res, err := f.orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	require.NoError(t, err)
	assert.Equal(t, "registry.local/web:release", res.Deployment.Image)
}

// =============================================================================
// Admission
// =============================================================================

func TestDeploy_UnknownApp(t *testing.T) {
	f := setup(t)

	_, err := f.orch.Deploy(context.Background(), "missing", ownerFingerprint)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeploy_ArchivedApp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.app.Status = domain.AppStatusArchived
	require.NoError(t, f.store.UpdateApp(ctx, f.app))

	_, err := f.orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	assert.ErrorIs(t, err, domain.ErrAppNotDeployable)
}

func TestDeploy_UnknownFingerprint(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.orch.Deploy(ctx, f.app.ID, "SHA256:stranger")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	// Rejected triggers never create a row.
	list, err := f.store.ListDeploymentsByApp(ctx, f.app.ID, store.DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeploy_ExpiredKey(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	expired := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.store.CreateSSHKey(ctx, &domain.SSHKey{
		ID: uuid.New().String(), UserID: f.owner.ID,
		Fingerprint: "SHA256:expired", Algorithm: "ssh-ed25519",
		PublicKey: "ssh-ed25519 BBBB...", ExpiresAt: &expired,
		CreatedAt: time.Now().UTC(),
	}))

	_, err := f.orch.Deploy(ctx, f.app.ID, "SHA256:expired")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestDeploy_CollaboratorPermissions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	repo := &domain.Repository{
		ID: uuid.New().String(), OwnerID: f.owner.ID, Name: "web",
		Visibility: domain.VisibilityPrivate, DefaultBranch: "main",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateRepository(ctx, repo))
	f.app.RepositoryID = &repo.ID
	require.NoError(t, f.store.UpdateApp(ctx, f.app))

	bob := &domain.User{
		ID: uuid.New().String(), Username: "bob", Role: domain.RoleUser,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateUser(ctx, bob))
	require.NoError(t, f.store.CreateSSHKey(ctx, &domain.SSHKey{
		ID: uuid.New().String(), UserID: bob.ID,
		Fingerprint: "SHA256:bob", Algorithm: "ssh-ed25519",
		PublicKey: "ssh-ed25519 CCCC...", CreatedAt: now,
	}))

	// Read tier cannot deploy.
	require.NoError(t, f.store.SetCollaborator(ctx, &domain.Collaborator{
		RepositoryID: repo.ID, UserID: bob.ID,
		Permission: domain.PermissionRead, CreatedAt: now,
	}))
	_, err := f.orch.Deploy(ctx, f.app.ID, "SHA256:bob")
	assert.ErrorIs(t, err, auth.ErrForbidden)

	// Write tier can.
	require.NoError(t, f.store.SetCollaborator(ctx, &domain.Collaborator{
		RepositoryID: repo.ID, UserID: bob.ID,
		Permission: domain.PermissionWrite, CreatedAt: now,
	}))
	res, err := f.orch.Deploy(ctx, f.app.ID, "SHA256:bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccessful, res.Deployment.Status)
	assert.Equal(t, "SHA256:bob", res.Deployment.DeployedBy)
}

func TestDeploy_ExternalRepoOwnerOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// No backing repository row: only the app owner may deploy.
	bob := &domain.User{
		ID: uuid.New().String(), Username: "bob", Role: domain.RoleUser,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateUser(ctx, bob))
	require.NoError(t, f.store.CreateSSHKey(ctx, &domain.SSHKey{
		ID: uuid.New().String(), UserID: bob.ID,
		Fingerprint: "SHA256:bob", Algorithm: "ssh-ed25519",
		PublicKey: "ssh-ed25519 CCCC...", CreatedAt: now,
	}))

	_, err := f.orch.Deploy(ctx, f.app.ID, "SHA256:bob")
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

// =============================================================================
// Concurrency (scenario: concurrent triggers)
// =============================================================================

func TestDeploy_SecondTriggerWhileActive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// An active attempt is already holding the admission slot.
	active := domain.NewDeployment(f.app.ID, ownerFingerprint)
	require.NoError(t, f.store.CreateDeployment(ctx, active))

	_, err := f.orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	assert.ErrorIs(t, err, store.ErrDeploymentActive)

	// Once it settles, the next trigger is admitted and versioned after it.
	require.NoError(t, active.TransitionToFailed(domain.ReasonCancelled))
	require.NoError(t, f.store.UpdateDeployment(ctx, active))

	res, err := f.orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Deployment.Version)
}

// =============================================================================
// Failure Paths (scenario: failed build)
// =============================================================================

func TestDeploy_BuildFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.builder.err = &builder.BuildError{
		ExitCode: 2,
		Log:      "Step 3/5 : RUN make\nmake: *** missing target\n",
		Err:      builder.ErrBuildFailed,
	}

	_, err := f.orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	assert.ErrorIs(t, err, builder.ErrBuildFailed)

	list, lerr := f.store.ListDeploymentsByApp(ctx, f.app.ID, store.DefaultListOptions())
	require.NoError(t, lerr)
	require.Len(t, list, 1)

	d := list[0]
	assert.Equal(t, domain.StatusFailed, d.Status)
	assert.Equal(t, domain.ReasonBuildFailed, d.Reason)
	assert.Contains(t, d.Log, "missing target")
	assert.NotNil(t, d.FinishedAt)

	// Pointer untouched, working tree removed.
	app, aerr := f.store.GetApp(ctx, f.app.ID)
	require.NoError(t, aerr)
	assert.Nil(t, app.CurrentDeploymentID)
	assert.NoDirExists(t, f.resolver.lastDir)
}

func TestDeploy_RefNotFound(t *testing.T) {
	f := setup(t)
	f.resolver.err = gitrepo.ErrRefNotFound

	_, err := f.orch.Deploy(context.Background(), f.app.ID, ownerFingerprint)
	assert.ErrorIs(t, err, gitrepo.ErrRefNotFound)

	list, _ := f.store.ListDeploymentsByApp(context.Background(), f.app.ID, store.DefaultListOptions())
	require.Len(t, list, 1)
	assert.Equal(t, domain.ReasonRefNotFound, list[0].Reason)
}

func TestDeploy_SourceUnreachable(t *testing.T) {
	f := setup(t)
	f.resolver.err = gitrepo.ErrUnreachable

	_, err := f.orch.Deploy(context.Background(), f.app.ID, ownerFingerprint)
	assert.ErrorIs(t, err, gitrepo.ErrUnreachable)

	list, _ := f.store.ListDeploymentsByApp(context.Background(), f.app.ID, store.DefaultListOptions())
	require.Len(t, list, 1)
	assert.Equal(t, domain.ReasonUnreachable, list[0].Reason)
}

func TestDeploy_ResolveTimeout(t *testing.T) {
	f := setup(t)
	f.resolver.err = gitrepo.ErrTimeout

	_, err := f.orch.Deploy(context.Background(), f.app.ID, ownerFingerprint)
	assert.ErrorIs(t, err, gitrepo.ErrTimeout)

	list, _ := f.store.ListDeploymentsByApp(context.Background(), f.app.ID, store.DefaultListOptions())
	require.Len(t, list, 1)
	assert.Equal(t, domain.ReasonResolveTimeout, list[0].Reason)
}

func TestDeploy_ResourceExhausted(t *testing.T) {
	f := setup(t)
	f.builder.err = builder.ErrResourceExhausted

	_, err := f.orch.Deploy(context.Background(), f.app.ID, ownerFingerprint)
	assert.ErrorIs(t, err, builder.ErrResourceExhausted)

	list, _ := f.store.ListDeploymentsByApp(context.Background(), f.app.ID, store.DefaultListOptions())
	require.Len(t, list, 1)
	assert.Equal(t, domain.ReasonResources, list[0].Reason)
}

// =============================================================================
// Sealing (scenario: sealing violation)
// =============================================================================

func TestDeploy_PolicyViolation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.app.Config = domain.AppConfig{
		Mounts: []domain.MountRequest{
			{Source: "/var/data", Target: "/data", ReadOnly: false},
		},
	}
	require.NoError(t, f.store.UpdateApp(ctx, f.app))

	_, err := f.orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	assert.ErrorIs(t, err, runspec.ErrPolicyViolation)

	list, _ := f.store.ListDeploymentsByApp(ctx, f.app.ID, store.DefaultListOptions())
	require.Len(t, list, 1)

	d := list[0]
	assert.Equal(t, domain.StatusFailed, d.Status)
	assert.Equal(t, domain.ReasonPolicyViolation, d.Reason)
	// The build ran; its log is preserved alongside the seal failure.
	assert.Contains(t, d.Log, "Successfully built")

	app, _ := f.store.GetApp(ctx, f.app.ID)
	assert.Nil(t, app.CurrentDeploymentID)
}

func TestDeploy_DroppedMountsRecordedNotFatal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.app.Config = domain.AppConfig{
		Mounts: []domain.MountRequest{
			{Source: "/etc/passwd", Target: "/secrets", ReadOnly: true},
		},
	}
	require.NoError(t, f.store.UpdateApp(ctx, f.app))

	res, err := f.orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuccessful, res.Deployment.Status)
	require.Len(t, res.Spec.Violations, 1)
	assert.Contains(t, res.Deployment.Log, "not in host allow list")
}

// =============================================================================
// Cancellation
// =============================================================================

func TestDeploy_CancelledMidBuild(t *testing.T) {
	f := setup(t)
	f.builder.waitOnCtx = true
	f.builder.log = "Step 1/4 : FROM debian\n"

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := f.orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	require.Error(t, err)

	// Terminal state still lands: fail() uses a detached context.
	list, lerr := f.store.ListDeploymentsByApp(context.Background(), f.app.ID, store.DefaultListOptions())
	require.NoError(t, lerr)
	require.Len(t, list, 1)
	assert.Equal(t, domain.StatusFailed, list[0].Status)
	assert.Equal(t, domain.ReasonCancelled, list[0].Reason)
	assert.Contains(t, list[0].Log, "Step 1/4")
}

// =============================================================================
// Reconciliation (scenario: restart with stale rows)
// =============================================================================

func TestReconciler_SettlesStaleRows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	pending := domain.NewDeployment(f.app.ID, ownerFingerprint)
	require.NoError(t, f.store.CreateDeployment(ctx, pending))

	r := NewReconciler(f.store, DefaultReconcilerConfig(), testLogger())
	n, err := r.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d := f.reload(t, pending.ID)
	assert.Equal(t, domain.StatusFailed, d.Status)
	assert.Equal(t, domain.ReasonInterrupted, d.Reason)
	assert.Contains(t, d.Log, "interrupted")

	// The app is deployable again.
	res, err := f.orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Deployment.Version)
}

func TestReconciler_LeavesTerminalAndFreshRows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	require.NoError(t, err)

	fresh := domain.NewDeployment(f.app.ID, ownerFingerprint)
	require.NoError(t, f.store.CreateDeployment(ctx, fresh))

	r := NewReconciler(f.store, DefaultReconcilerConfig(), testLogger())
	n, err := r.RunOnce(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, domain.StatusSuccessful, f.reload(t, res.Deployment.ID).Status)
	assert.Equal(t, domain.StatusPending, f.reload(t, fresh.ID).Status)
}

func TestReconciler_StartStop(t *testing.T) {
	f := setup(t)

	cfg := ReconcilerConfig{Interval: 10 * time.Millisecond, StaleAfter: time.Hour}
	r := NewReconciler(f.store, cfg, testLogger())
	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}

// =============================================================================
// Persistence failure during finalization
// =============================================================================

type failingUpdateStore struct {
	store.Store
	failUpdates bool
}

func (s *failingUpdateStore) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	if s.failUpdates && d.Status.Terminal() {
		return store.NewStoreError("UpdateDeployment", "deployment", d.ID, "disk full", store.ErrTxFailed)
	}
	return s.Store.UpdateDeployment(ctx, d)
}

// settledStore simulates a reconciler in another process winning the
// race to settle the row.
type settledStore struct {
	store.Store
}

func (s *settledStore) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	if d.Status.Terminal() {
		return store.NewStoreError("UpdateDeployment", "deployment", d.ID,
			"deployment already settled to failed", store.ErrDeploymentSettled)
	}
	return s.Store.UpdateDeployment(ctx, d)
}

func TestDeploy_RowSettledElsewhereYieldsCause(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.builder.err = builder.ErrBuildFailed
	orch := New(&settledStore{Store: f.store}, f.resolver, f.builder, runspec.DefaultPolicy(), DefaultConfig(), testLogger())

	res, err := orch.Deploy(ctx, f.app.ID, ownerFingerprint)

	// The other writer's terminal state stands; the pipeline error is
	// surfaced, not the refused write.
	assert.ErrorIs(t, err, builder.ErrBuildFailed)
	assert.NotErrorIs(t, err, store.ErrDeploymentSettled)
	require.NotNil(t, res)
}

func TestDeploy_PersistenceFailureLeavesRecoverableRow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.builder.err = builder.ErrBuildFailed
	wrapped := &failingUpdateStore{Store: f.store, failUpdates: true}
	orch := New(wrapped, f.resolver, f.builder, runspec.DefaultPolicy(), DefaultConfig(), testLogger())

	_, err := orch.Deploy(ctx, f.app.ID, ownerFingerprint)
	assert.ErrorIs(t, err, store.ErrTxFailed)

	// The row stays in_progress for the reconciler to settle later.
	list, lerr := f.store.ListDeploymentsByApp(ctx, f.app.ID, store.DefaultListOptions())
	require.NoError(t, lerr)
	require.Len(t, list, 1)
	assert.Equal(t, domain.StatusInProgress, list[0].Status)
}

package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/shipd/internal/core/domain"
	"github.com/artpar/shipd/internal/shell/store"
)

// =============================================================================
// Reconciler
// =============================================================================

// ReconcilerConfig configures the reconciler worker.
type ReconcilerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// DefaultReconcilerConfig returns default configuration.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:   30 * time.Second,
		StaleAfter: 20 * time.Minute,
	}
}

// Reconciler fails deployments stranded in a non-terminal state, such
// as rows left behind by a crash mid-pipeline. Failing them rather than
// resuming keeps the pipeline single-shot: the trigger can simply be
// repeated.
type Reconciler struct {
	store  store.Store
	config ReconcilerConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a new reconciler worker.
func NewReconciler(s store.Store, config ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = 20 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		store:  s,
		config: config,
		logger: logger.With("component", "reconciler"),
	}
}

// Start begins the reconciler background goroutine.
func (r *Reconciler) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.run()
	r.logger.Info("reconciler started", "interval", r.config.Interval, "stale_after", r.config.StaleAfter)
}

// Stop gracefully stops the reconciler.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.RunOnce(r.ctx, r.config.StaleAfter); err != nil {
				r.logger.Error("reconcile cycle failed", "error", err)
			} else if n > 0 {
				r.logger.Info("reconciled stale deployments", "count", n)
			}
		}
	}
}

// RunOnce fails every non-terminal deployment untouched for longer than
// staleAfter and returns how many rows it settled. Called with a zero
// staleAfter at startup it sweeps everything a previous process left
// in flight.
func (r *Reconciler) RunOnce(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)

	stale, err := r.store.ListUnfinishedDeployments(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var settled int
	for i := range stale {
		d := &stale[i]

		d.AppendLog("deployment interrupted, settled by reconciler\n")
		if err := d.TransitionToFailed(domain.ReasonInterrupted); err != nil {
			r.logger.Error("cannot fail stale deployment", "deployment_id", d.ID, "error", err)
			continue
		}
		if err := r.store.UpdateDeployment(ctx, d); err != nil {
			// The worker finished between our list and this write.
			if errors.Is(err, store.ErrDeploymentSettled) {
				r.logger.Info("deployment settled while reconciling, skipped", "deployment_id", d.ID)
				continue
			}
			r.logger.Error("failed to settle stale deployment", "deployment_id", d.ID, "error", err)
			continue
		}

		r.logger.Warn("settled stale deployment",
			"deployment_id", d.ID, "app_id", d.AppID, "version", d.Version)
		settled++
	}

	return settled, nil
}

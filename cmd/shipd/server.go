package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artpar/shipd/internal/core/runspec"
	"github.com/artpar/shipd/internal/shell/api"
	"github.com/artpar/shipd/internal/shell/builder"
	"github.com/artpar/shipd/internal/shell/docker"
	"github.com/artpar/shipd/internal/shell/gitrepo"
	"github.com/artpar/shipd/internal/shell/orchestrator"
	"github.com/artpar/shipd/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the shipd application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	docker     *docker.DockerClient
	reconciler *orchestrator.Reconciler
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Connect to Docker. Builds run through the CLI; the SDK client only
	// verifies images and backs the readiness check, so an unreachable
	// daemon at startup is a warning, not a fatal error.
	d, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := d.Ping(pingCtx); err != nil {
		logger.Warn("docker daemon unreachable, deployments will fail until it is up", "error", err)
	}
	cancelPing()

	// Load sealing policy
	policy := runspec.DefaultPolicy()
	if cfg.Policy.File != "" {
		policy, err = runspec.LoadPolicy(cfg.Policy.File)
		if err != nil {
			s.Close()
			d.Close()
			return nil, &ServerError{
				Op:       "NewServer",
				Err:      err,
				ExitCode: ExitConfigError,
			}
		}
		logger.Info("loaded sealing policy", "file", cfg.Policy.File)
	}

	// Create repository resolver
	resolver, err := gitrepo.NewResolver(cfg.Git.WorkDir, logger)
	if err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	// Create build engine and orchestrator
	engine := builder.NewEngine(builder.ExecRunner{}, d, cfg.Build.Slots, cfg.Build.QueueWait, logger)

	orch := orchestrator.New(s, resolver, engine, policy, orchestrator.Config{
		MaxConcurrent:  cfg.Deploy.MaxConcurrent,
		ResolveTimeout: cfg.Deploy.ResolveTimeout,
		BuildTimeout:   cfg.Deploy.BuildTimeout,
	}, logger)

	reconciler := orchestrator.NewReconciler(s, orchestrator.ReconcilerConfig{
		Interval:   cfg.Deploy.ReconcileInterval,
		StaleAfter: cfg.Deploy.StaleAfter,
	}, logger)

	// Create HTTP server
	handler := api.NewHandler(s, orch, d, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		docker:     d,
		reconciler: reconciler,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Settle deployments a previous process left in flight, then keep
	// sweeping in the background.
	if n, err := s.reconciler.RunOnce(ctx, 0); err != nil {
		s.logger.Error("startup reconciliation failed", "error", err)
	} else if n > 0 {
		s.logger.Info("settled interrupted deployments", "count", n)
	}
	s.reconciler.Start()

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop reconciler
	s.reconciler.Stop()

	// Close Docker client
	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

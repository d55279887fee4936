package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/shipd/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Store Methods
// =============================================================================

func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	return createUser(ctx, s.db, user)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return getUser(ctx, s.db, id)
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return getUserByUsername(ctx, s.db, username)
}

func (s *SQLiteStore) CreateSSHKey(ctx context.Context, key *domain.SSHKey) error {
	return createSSHKey(ctx, s.db, key)
}

func (s *SQLiteStore) GetSSHKeyByFingerprint(ctx context.Context, fingerprint string) (*domain.SSHKey, error) {
	return getSSHKeyByFingerprint(ctx, s.db, fingerprint)
}

func (s *SQLiteStore) DeleteSSHKey(ctx context.Context, id string) error {
	return deleteSSHKey(ctx, s.db, id)
}

func (s *SQLiteStore) ListSSHKeysByUser(ctx context.Context, userID string) ([]domain.SSHKey, error) {
	return listSSHKeysByUser(ctx, s.db, userID)
}

func (s *SQLiteStore) CreateRepository(ctx context.Context, repo *domain.Repository) error {
	return createRepository(ctx, s.db, repo)
}

func (s *SQLiteStore) GetRepository(ctx context.Context, id string) (*domain.Repository, error) {
	return getRepository(ctx, s.db, id)
}

func (s *SQLiteStore) SetCollaborator(ctx context.Context, collab *domain.Collaborator) error {
	return setCollaborator(ctx, s.db, collab)
}

func (s *SQLiteStore) GetCollaborator(ctx context.Context, repositoryID, userID string) (*domain.Collaborator, error) {
	return getCollaborator(ctx, s.db, repositoryID, userID)
}

func (s *SQLiteStore) RemoveCollaborator(ctx context.Context, repositoryID, userID string) error {
	return removeCollaborator(ctx, s.db, repositoryID, userID)
}

func (s *SQLiteStore) ListCollaborators(ctx context.Context, repositoryID string) ([]domain.Collaborator, error) {
	return listCollaborators(ctx, s.db, repositoryID)
}

func (s *SQLiteStore) CreateApp(ctx context.Context, app *domain.App) error {
	return createApp(ctx, s.db, app)
}

func (s *SQLiteStore) GetApp(ctx context.Context, id string) (*domain.App, error) {
	return getApp(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateApp(ctx context.Context, app *domain.App) error {
	return updateApp(ctx, s.db, app)
}

func (s *SQLiteStore) SetAppTarget(ctx context.Context, appID, deploymentID string) error {
	return setAppTarget(ctx, s.db, appID, deploymentID)
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) ListDeploymentsByApp(ctx context.Context, appID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByApp(ctx, s.db, appID, opts)
}

func (s *SQLiteStore) ListUnfinishedDeployments(ctx context.Context, olderThan time.Time) ([]domain.Deployment, error) {
	return listUnfinishedDeployments(ctx, s.db, olderThan)
}

func (s *SQLiteStore) AppendAppLog(ctx context.Context, log *domain.AppLog) error {
	return appendAppLog(ctx, s.db, log)
}

func (s *SQLiteStore) ListAppLogs(ctx context.Context, appID string, opts ListOptions) ([]domain.AppLog, error) {
	return listAppLogs(ctx, s.db, appID, opts)
}

func (s *SQLiteStore) CreateAppMetric(ctx context.Context, metric *domain.AppMetric) error {
	return createAppMetric(ctx, s.db, metric)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	return createUser(ctx, s.tx, user)
}

func (s *txSQLiteStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return getUser(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return getUserByUsername(ctx, s.tx, username)
}

func (s *txSQLiteStore) CreateSSHKey(ctx context.Context, key *domain.SSHKey) error {
	return createSSHKey(ctx, s.tx, key)
}

func (s *txSQLiteStore) GetSSHKeyByFingerprint(ctx context.Context, fingerprint string) (*domain.SSHKey, error) {
	return getSSHKeyByFingerprint(ctx, s.tx, fingerprint)
}

func (s *txSQLiteStore) DeleteSSHKey(ctx context.Context, id string) error {
	return deleteSSHKey(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListSSHKeysByUser(ctx context.Context, userID string) ([]domain.SSHKey, error) {
	return listSSHKeysByUser(ctx, s.tx, userID)
}

func (s *txSQLiteStore) CreateRepository(ctx context.Context, repo *domain.Repository) error {
	return createRepository(ctx, s.tx, repo)
}

func (s *txSQLiteStore) GetRepository(ctx context.Context, id string) (*domain.Repository, error) {
	return getRepository(ctx, s.tx, id)
}

func (s *txSQLiteStore) SetCollaborator(ctx context.Context, collab *domain.Collaborator) error {
	return setCollaborator(ctx, s.tx, collab)
}

func (s *txSQLiteStore) GetCollaborator(ctx context.Context, repositoryID, userID string) (*domain.Collaborator, error) {
	return getCollaborator(ctx, s.tx, repositoryID, userID)
}

func (s *txSQLiteStore) RemoveCollaborator(ctx context.Context, repositoryID, userID string) error {
	return removeCollaborator(ctx, s.tx, repositoryID, userID)
}

func (s *txSQLiteStore) ListCollaborators(ctx context.Context, repositoryID string) ([]domain.Collaborator, error) {
	return listCollaborators(ctx, s.tx, repositoryID)
}

func (s *txSQLiteStore) CreateApp(ctx context.Context, app *domain.App) error {
	return createApp(ctx, s.tx, app)
}

func (s *txSQLiteStore) GetApp(ctx context.Context, id string) (*domain.App, error) {
	return getApp(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateApp(ctx context.Context, app *domain.App) error {
	return updateApp(ctx, s.tx, app)
}

func (s *txSQLiteStore) SetAppTarget(ctx context.Context, appID, deploymentID string) error {
	return setAppTarget(ctx, s.tx, appID, deploymentID)
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) ListDeploymentsByApp(ctx context.Context, appID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByApp(ctx, s.tx, appID, opts)
}

func (s *txSQLiteStore) ListUnfinishedDeployments(ctx context.Context, olderThan time.Time) ([]domain.Deployment, error) {
	return listUnfinishedDeployments(ctx, s.tx, olderThan)
}

func (s *txSQLiteStore) AppendAppLog(ctx context.Context, log *domain.AppLog) error {
	return appendAppLog(ctx, s.tx, log)
}

func (s *txSQLiteStore) ListAppLogs(ctx context.Context, appID string, opts ListOptions) ([]domain.AppLog, error) {
	return listAppLogs(ctx, s.tx, appID, opts)
}

func (s *txSQLiteStore) CreateAppMetric(ctx context.Context, metric *domain.AppMetric) error {
	return createAppMetric(ctx, s.tx, metric)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

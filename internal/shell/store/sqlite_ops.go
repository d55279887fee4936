package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/shipd/internal/core/domain"
)

// =============================================================================
// Row Types
// =============================================================================

type userRow struct {
	ID           string `db:"id"`
	Username     string `db:"username"`
	PasswordHash string `db:"password_hash"`
	Role         string `db:"role"`
	Disabled     bool   `db:"disabled"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

type sshKeyRow struct {
	ID          string  `db:"id"`
	UserID      string  `db:"user_id"`
	Fingerprint string  `db:"fingerprint"`
	Algorithm   string  `db:"algorithm"`
	PublicKey   string  `db:"public_key"`
	Comment     string  `db:"comment"`
	ExpiresAt   *string `db:"expires_at"`
	CreatedAt   string  `db:"created_at"`
}

type repositoryRow struct {
	ID            string  `db:"id"`
	OwnerID       string  `db:"owner_id"`
	Name          string  `db:"name"`
	Description   string  `db:"description"`
	Visibility    string  `db:"visibility"`
	DefaultBranch string  `db:"default_branch"`
	ForkOf        *string `db:"fork_of"`
	MirrorSource  *string `db:"mirror_source"`
	Archived      bool    `db:"archived"`
	Disabled      bool    `db:"disabled"`
	CreatedAt     string  `db:"created_at"`
	UpdatedAt     string  `db:"updated_at"`
}

type collaboratorRow struct {
	RepositoryID string `db:"repository_id"`
	UserID       string `db:"user_id"`
	Permission   string `db:"permission"`
	CreatedAt    string `db:"created_at"`
}

type appRow struct {
	ID                  string  `db:"id"`
	OwnerID             string  `db:"owner_id"`
	Name                string  `db:"name"`
	RepositoryID        *string `db:"repository_id"`
	RepositoryURL       string  `db:"repository_url"`
	Branch              string  `db:"branch"`
	Status              string  `db:"status"`
	Config              *string `db:"config"`
	CurrentDeploymentID *string `db:"current_deployment_id"`
	CreatedAt           string  `db:"created_at"`
	UpdatedAt           string  `db:"updated_at"`
}

type deploymentRow struct {
	ID         string  `db:"id"`
	AppID      string  `db:"app_id"`
	Version    string  `db:"version"`
	Status     string  `db:"status"`
	DeployedBy string  `db:"deployed_by"`
	CommitSHA  string  `db:"commit_sha"`
	Image      string  `db:"image"`
	Log        string  `db:"log"`
	Reason     string  `db:"reason"`
	CreatedAt  string  `db:"created_at"`
	UpdatedAt  string  `db:"updated_at"`
	StartedAt  *string `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

type appLogRow struct {
	ID        int64  `db:"id"`
	AppID     string `db:"app_id"`
	Source    string `db:"source"`
	Line      string `db:"line"`
	CreatedAt string `db:"created_at"`
}

// =============================================================================
// Time Helpers
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}

// =============================================================================
// User Operations
// =============================================================================

func createUser(ctx context.Context, exec executor, user *domain.User) error {
	query := `
		INSERT INTO users (id, username, password_hash, role, disabled, created_at, updated_at)
		VALUES (:id, :username, :password_hash, :role, :disabled, :created_at, :updated_at)`

	row := map[string]any{
		"id":            user.ID,
		"username":      user.Username,
		"password_hash": user.PasswordHash,
		"role":          string(user.Role),
		"disabled":      user.Disabled,
		"created_at":    formatTime(user.CreatedAt),
		"updated_at":    formatTime(user.UpdatedAt),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: users.id") {
			return NewStoreError("CreateUser", "user", user.ID, "user with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: users.username") {
			return NewStoreError("CreateUser", "user", user.ID, "username already taken", ErrDuplicateUsername)
		}
		return NewStoreError("CreateUser", "user", user.ID, err.Error(), err)
	}

	return nil
}

func getUser(ctx context.Context, exec executor, id string) (*domain.User, error) {
	var row userRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM users WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetUser", "user", id, "user not found", ErrNotFound)
		}
		return nil, NewStoreError("GetUser", "user", id, err.Error(), err)
	}
	return rowToUser(&row), nil
}

func getUserByUsername(ctx context.Context, exec executor, username string) (*domain.User, error) {
	var row userRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM users WHERE username = ?`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetUserByUsername", "user", username, "user not found", ErrNotFound)
		}
		return nil, NewStoreError("GetUserByUsername", "user", username, err.Error(), err)
	}
	return rowToUser(&row), nil
}

func rowToUser(row *userRow) *domain.User {
	return &domain.User{
		ID:           row.ID,
		Username:     row.Username,
		PasswordHash: row.PasswordHash,
		Role:         domain.Role(row.Role),
		Disabled:     row.Disabled,
		CreatedAt:    parseTime(row.CreatedAt),
		UpdatedAt:    parseTime(row.UpdatedAt),
	}
}

// =============================================================================
// SSH Key Operations
// =============================================================================

func createSSHKey(ctx context.Context, exec executor, key *domain.SSHKey) error {
	query := `
		INSERT INTO ssh_keys (id, user_id, fingerprint, algorithm, public_key, comment, expires_at, created_at)
		VALUES (:id, :user_id, :fingerprint, :algorithm, :public_key, :comment, :expires_at, :created_at)`

	row := map[string]any{
		"id":          key.ID,
		"user_id":     key.UserID,
		"fingerprint": key.Fingerprint,
		"algorithm":   key.Algorithm,
		"public_key":  key.PublicKey,
		"comment":     key.Comment,
		"expires_at":  formatTimePtr(key.ExpiresAt),
		"created_at":  formatTime(key.CreatedAt),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: ssh_keys.id") {
			return NewStoreError("CreateSSHKey", "ssh_key", key.ID, "key with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: ssh_keys.fingerprint") ||
			strings.Contains(err.Error(), "UNIQUE constraint failed: ssh_keys.public_key") {
			return NewStoreError("CreateSSHKey", "ssh_key", key.ID, "key already registered", ErrDuplicateKey)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateSSHKey", "ssh_key", key.ID, "user does not exist", ErrForeignKey)
		}
		return NewStoreError("CreateSSHKey", "ssh_key", key.ID, err.Error(), err)
	}

	return nil
}

func getSSHKeyByFingerprint(ctx context.Context, exec executor, fingerprint string) (*domain.SSHKey, error) {
	var row sshKeyRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM ssh_keys WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSSHKeyByFingerprint", "ssh_key", fingerprint, "key not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSSHKeyByFingerprint", "ssh_key", fingerprint, err.Error(), err)
	}
	return rowToSSHKey(&row), nil
}

func deleteSSHKey(ctx context.Context, exec executor, id string) error {
	res, err := exec.ExecContext(ctx, `DELETE FROM ssh_keys WHERE id = ?`, id)
	if err != nil {
		return NewStoreError("DeleteSSHKey", "ssh_key", id, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("DeleteSSHKey", "ssh_key", id, "key not found", ErrNotFound)
	}
	return nil
}

func listSSHKeysByUser(ctx context.Context, exec executor, userID string) ([]domain.SSHKey, error) {
	var rows []sshKeyRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM ssh_keys WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, NewStoreError("ListSSHKeysByUser", "ssh_key", userID, err.Error(), err)
	}

	keys := make([]domain.SSHKey, len(rows))
	for i := range rows {
		keys[i] = *rowToSSHKey(&rows[i])
	}
	return keys, nil
}

func rowToSSHKey(row *sshKeyRow) *domain.SSHKey {
	return &domain.SSHKey{
		ID:          row.ID,
		UserID:      row.UserID,
		Fingerprint: row.Fingerprint,
		Algorithm:   row.Algorithm,
		PublicKey:   row.PublicKey,
		Comment:     row.Comment,
		ExpiresAt:   parseTimePtr(row.ExpiresAt),
		CreatedAt:   parseTime(row.CreatedAt),
	}
}

// =============================================================================
// Repository Operations
// =============================================================================

func createRepository(ctx context.Context, exec executor, repo *domain.Repository) error {
	query := `
		INSERT INTO repositories (
			id, owner_id, name, description, visibility, default_branch,
			fork_of, mirror_source, archived, disabled, created_at, updated_at
		) VALUES (
			:id, :owner_id, :name, :description, :visibility, :default_branch,
			:fork_of, :mirror_source, :archived, :disabled, :created_at, :updated_at
		)`

	row := map[string]any{
		"id":             repo.ID,
		"owner_id":       repo.OwnerID,
		"name":           repo.Name,
		"description":    repo.Description,
		"visibility":     string(repo.Visibility),
		"default_branch": repo.DefaultBranch,
		"fork_of":        repo.ForkOf,
		"mirror_source":  repo.MirrorSource,
		"archived":       repo.Archived,
		"disabled":       repo.Disabled,
		"created_at":     formatTime(repo.CreatedAt),
		"updated_at":     formatTime(repo.UpdatedAt),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: repositories.id") {
			return NewStoreError("CreateRepository", "repository", repo.ID, "repository with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: repositories.owner_id, repositories.name") {
			return NewStoreError("CreateRepository", "repository", repo.ID, "owner already has a repository with this name", ErrDuplicateName)
		}
		return NewStoreError("CreateRepository", "repository", repo.ID, err.Error(), err)
	}

	return nil
}

func getRepository(ctx context.Context, exec executor, id string) (*domain.Repository, error) {
	var row repositoryRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM repositories WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRepository", "repository", id, "repository not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRepository", "repository", id, err.Error(), err)
	}

	return &domain.Repository{
		ID:            row.ID,
		OwnerID:       row.OwnerID,
		Name:          row.Name,
		Description:   row.Description,
		Visibility:    domain.Visibility(row.Visibility),
		DefaultBranch: row.DefaultBranch,
		ForkOf:        row.ForkOf,
		MirrorSource:  row.MirrorSource,
		Archived:      row.Archived,
		Disabled:      row.Disabled,
		CreatedAt:     parseTime(row.CreatedAt),
		UpdatedAt:     parseTime(row.UpdatedAt),
	}, nil
}

// =============================================================================
// Collaborator Operations
// =============================================================================

func setCollaborator(ctx context.Context, exec executor, collab *domain.Collaborator) error {
	query := `
		INSERT INTO collaborators (repository_id, user_id, permission, created_at)
		VALUES (:repository_id, :user_id, :permission, :created_at)
		ON CONFLICT (repository_id, user_id) DO UPDATE SET permission = :permission`

	row := map[string]any{
		"repository_id": collab.RepositoryID,
		"user_id":       collab.UserID,
		"permission":    string(collab.Permission),
		"created_at":    formatTime(collab.CreatedAt),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("SetCollaborator", "collaborator", collab.UserID, "repository or user does not exist", ErrForeignKey)
		}
		return NewStoreError("SetCollaborator", "collaborator", collab.UserID, err.Error(), err)
	}

	return nil
}

func getCollaborator(ctx context.Context, exec executor, repositoryID, userID string) (*domain.Collaborator, error) {
	var row collaboratorRow
	err := exec.GetContext(ctx, &row,
		`SELECT * FROM collaborators WHERE repository_id = ? AND user_id = ?`, repositoryID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetCollaborator", "collaborator", userID, "collaborator not found", ErrNotFound)
		}
		return nil, NewStoreError("GetCollaborator", "collaborator", userID, err.Error(), err)
	}
	return rowToCollaborator(&row), nil
}

func removeCollaborator(ctx context.Context, exec executor, repositoryID, userID string) error {
	res, err := exec.ExecContext(ctx,
		`DELETE FROM collaborators WHERE repository_id = ? AND user_id = ?`, repositoryID, userID)
	if err != nil {
		return NewStoreError("RemoveCollaborator", "collaborator", userID, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("RemoveCollaborator", "collaborator", userID, "collaborator not found", ErrNotFound)
	}
	return nil
}

func listCollaborators(ctx context.Context, exec executor, repositoryID string) ([]domain.Collaborator, error) {
	var rows []collaboratorRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM collaborators WHERE repository_id = ? ORDER BY created_at`, repositoryID)
	if err != nil {
		return nil, NewStoreError("ListCollaborators", "collaborator", repositoryID, err.Error(), err)
	}

	collabs := make([]domain.Collaborator, len(rows))
	for i := range rows {
		collabs[i] = *rowToCollaborator(&rows[i])
	}
	return collabs, nil
}

func rowToCollaborator(row *collaboratorRow) *domain.Collaborator {
	return &domain.Collaborator{
		RepositoryID: row.RepositoryID,
		UserID:       row.UserID,
		Permission:   domain.Permission(row.Permission),
		CreatedAt:    parseTime(row.CreatedAt),
	}
}

// =============================================================================
// App Operations
// =============================================================================

func createApp(ctx context.Context, exec executor, app *domain.App) error {
	configJSON, err := json.Marshal(app.Config)
	if err != nil {
		return NewStoreError("CreateApp", "app", app.ID, "failed to serialize config", ErrInvalidData)
	}

	query := `
		INSERT INTO apps (
			id, owner_id, name, repository_id, repository_url, branch,
			status, config, current_deployment_id, created_at, updated_at
		) VALUES (
			:id, :owner_id, :name, :repository_id, :repository_url, :branch,
			:status, :config, :current_deployment_id, :created_at, :updated_at
		)`

	row := map[string]any{
		"id":                    app.ID,
		"owner_id":              app.OwnerID,
		"name":                  app.Name,
		"repository_id":         app.RepositoryID,
		"repository_url":        app.RepositoryURL,
		"branch":                app.Branch,
		"status":                string(app.Status),
		"config":                string(configJSON),
		"current_deployment_id": app.CurrentDeploymentID,
		"created_at":            formatTime(app.CreatedAt),
		"updated_at":            formatTime(app.UpdatedAt),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: apps.id") {
			return NewStoreError("CreateApp", "app", app.ID, "app with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: apps.owner_id, apps.name") {
			return NewStoreError("CreateApp", "app", app.ID, "owner already has an app with this name", ErrDuplicateName)
		}
		return NewStoreError("CreateApp", "app", app.ID, err.Error(), err)
	}

	return nil
}

func getApp(ctx context.Context, exec executor, id string) (*domain.App, error) {
	var row appRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM apps WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetApp", "app", id, "app not found", ErrNotFound)
		}
		return nil, NewStoreError("GetApp", "app", id, err.Error(), err)
	}
	return rowToApp(&row)
}

func updateApp(ctx context.Context, exec executor, app *domain.App) error {
	configJSON, err := json.Marshal(app.Config)
	if err != nil {
		return NewStoreError("UpdateApp", "app", app.ID, "failed to serialize config", ErrInvalidData)
	}

	query := `
		UPDATE apps SET
			name = :name,
			repository_id = :repository_id,
			repository_url = :repository_url,
			branch = :branch,
			status = :status,
			config = :config,
			current_deployment_id = :current_deployment_id,
			updated_at = :updated_at
		WHERE id = :id`

	row := map[string]any{
		"id":                    app.ID,
		"name":                  app.Name,
		"repository_id":         app.RepositoryID,
		"repository_url":        app.RepositoryURL,
		"branch":                app.Branch,
		"status":                string(app.Status),
		"config":                string(configJSON),
		"current_deployment_id": app.CurrentDeploymentID,
		"updated_at":            formatTime(time.Now().UTC()),
	}

	res, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateApp", "app", app.ID, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("UpdateApp", "app", app.ID, "app not found", ErrNotFound)
	}

	return nil
}

func setAppTarget(ctx context.Context, exec executor, appID, deploymentID string) error {
	res, err := exec.ExecContext(ctx,
		`UPDATE apps SET current_deployment_id = ?, updated_at = ? WHERE id = ?`,
		deploymentID, formatTime(time.Now().UTC()), appID)
	if err != nil {
		return NewStoreError("SetAppTarget", "app", appID, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("SetAppTarget", "app", appID, "app not found", ErrNotFound)
	}
	return nil
}

func rowToApp(row *appRow) (*domain.App, error) {
	var cfg domain.AppConfig
	if row.Config != nil && *row.Config != "" {
		if err := json.Unmarshal([]byte(*row.Config), &cfg); err != nil {
			return nil, NewStoreError("GetApp", "app", row.ID, "failed to deserialize config", ErrInvalidData)
		}
	}

	return &domain.App{
		ID:                  row.ID,
		OwnerID:             row.OwnerID,
		Name:                row.Name,
		RepositoryID:        row.RepositoryID,
		RepositoryURL:       row.RepositoryURL,
		Branch:              row.Branch,
		Status:              domain.AppStatus(row.Status),
		Config:              cfg,
		CurrentDeploymentID: row.CurrentDeploymentID,
		CreatedAt:           parseTime(row.CreatedAt),
		UpdatedAt:           parseTime(row.UpdatedAt),
	}, nil
}

// =============================================================================
// Deployment Operations
// =============================================================================

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	// Version labels count all attempts for the app, terminal or not.
	var count int
	err := exec.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM deployments WHERE app_id = ?`, deployment.AppID)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}
	deployment.Version = fmt.Sprintf("v%d", count+1)

	query := `
		INSERT INTO deployments (
			id, app_id, version, status, deployed_by, commit_sha, image,
			log, reason, created_at, updated_at, started_at, finished_at
		) VALUES (
			:id, :app_id, :version, :status, :deployed_by, :commit_sha, :image,
			:log, :reason, :created_at, :updated_at, :started_at, :finished_at
		)`

	_, err = exec.NamedExecContext(ctx, query, deploymentToRow(deployment))
	if err != nil {
		if strings.Contains(err.Error(), "deployments_one_active") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID,
				"app already has an active deployment", ErrDeploymentActive)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "app does not exist", ErrForeignKey)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	var row deploymentRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM deployments WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}
	return rowToDeployment(&row), nil
}

func updateDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	// The status guard makes terminal states immutable at the database,
	// not just in the domain state machine: a writer holding a stale
	// copy cannot rewrite a row another process already settled.
	query := `
		UPDATE deployments SET
			status = :status,
			commit_sha = :commit_sha,
			image = :image,
			log = :log,
			reason = :reason,
			updated_at = :updated_at,
			started_at = :started_at,
			finished_at = :finished_at
		WHERE id = :id AND status NOT IN ('successful', 'failed')`

	res, err := exec.NamedExecContext(ctx, query, deploymentToRow(deployment))
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := exec.GetContext(ctx, &status, `SELECT status FROM deployments WHERE id = ?`, deployment.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "deployment not found", ErrNotFound)
		}
		if err != nil {
			return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
		}
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID,
			"deployment already settled to "+status, ErrDeploymentSettled)
	}

	return nil
}

func listDeploymentsByApp(ctx context.Context, exec executor, appID string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()

	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM deployments WHERE app_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		appID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListDeploymentsByApp", "deployment", appID, err.Error(), err)
	}

	deployments := make([]domain.Deployment, len(rows))
	for i := range rows {
		deployments[i] = *rowToDeployment(&rows[i])
	}
	return deployments, nil
}

func listUnfinishedDeployments(ctx context.Context, exec executor, olderThan time.Time) ([]domain.Deployment, error) {
	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM deployments
		 WHERE status IN ('pending', 'in_progress') AND updated_at < ?
		 ORDER BY created_at`,
		formatTime(olderThan))
	if err != nil {
		return nil, NewStoreError("ListUnfinishedDeployments", "deployment", "", err.Error(), err)
	}

	deployments := make([]domain.Deployment, len(rows))
	for i := range rows {
		deployments[i] = *rowToDeployment(&rows[i])
	}
	return deployments, nil
}

func deploymentToRow(d *domain.Deployment) map[string]any {
	return map[string]any{
		"id":          d.ID,
		"app_id":      d.AppID,
		"version":     d.Version,
		"status":      string(d.Status),
		"deployed_by": d.DeployedBy,
		"commit_sha":  d.Commit,
		"image":       d.Image,
		"log":         d.Log,
		"reason":      d.Reason,
		"created_at":  formatTime(d.CreatedAt),
		"updated_at":  formatTime(d.UpdatedAt),
		"started_at":  formatTimePtr(d.StartedAt),
		"finished_at": formatTimePtr(d.FinishedAt),
	}
}

func rowToDeployment(row *deploymentRow) *domain.Deployment {
	return &domain.Deployment{
		ID:         row.ID,
		AppID:      row.AppID,
		Version:    row.Version,
		Status:     domain.DeploymentStatus(row.Status),
		DeployedBy: row.DeployedBy,
		Commit:     row.CommitSHA,
		Image:      row.Image,
		Log:        row.Log,
		Reason:     row.Reason,
		CreatedAt:  parseTime(row.CreatedAt),
		UpdatedAt:  parseTime(row.UpdatedAt),
		StartedAt:  parseTimePtr(row.StartedAt),
		FinishedAt: parseTimePtr(row.FinishedAt),
	}
}

// =============================================================================
// Observability Operations
// =============================================================================

func appendAppLog(ctx context.Context, exec executor, log *domain.AppLog) error {
	query := `
		INSERT INTO app_logs (app_id, source, line, created_at)
		VALUES (:app_id, :source, :line, :created_at)`

	row := map[string]any{
		"app_id":     log.AppID,
		"source":     log.Source,
		"line":       log.Line,
		"created_at": formatTime(log.CreatedAt),
	}

	res, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("AppendAppLog", "app_log", log.AppID, "app does not exist", ErrForeignKey)
		}
		return NewStoreError("AppendAppLog", "app_log", log.AppID, err.Error(), err)
	}

	if id, err := res.LastInsertId(); err == nil {
		log.ID = id
	}
	return nil
}

func listAppLogs(ctx context.Context, exec executor, appID string, opts ListOptions) ([]domain.AppLog, error) {
	opts = opts.Normalize()

	var rows []appLogRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM app_logs WHERE app_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		appID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListAppLogs", "app_log", appID, err.Error(), err)
	}

	logs := make([]domain.AppLog, len(rows))
	for i, row := range rows {
		logs[i] = domain.AppLog{
			ID:        row.ID,
			AppID:     row.AppID,
			Source:    row.Source,
			Line:      row.Line,
			CreatedAt: parseTime(row.CreatedAt),
		}
	}
	return logs, nil
}

func createAppMetric(ctx context.Context, exec executor, metric *domain.AppMetric) error {
	query := `
		INSERT INTO app_metrics (app_id, name, value, created_at)
		VALUES (:app_id, :name, :value, :created_at)`

	row := map[string]any{
		"app_id":     metric.AppID,
		"name":       metric.Name,
		"value":      metric.Value,
		"created_at": formatTime(metric.CreatedAt),
	}

	res, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateAppMetric", "app_metric", metric.AppID, "app does not exist", ErrForeignKey)
		}
		return NewStoreError("CreateAppMetric", "app_metric", metric.AppID, err.Error(), err)
	}

	if id, err := res.LastInsertId(); err == nil {
		metric.ID = id
	}
	return nil
}

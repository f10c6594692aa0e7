package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

const projectColumns = `id, name, slug, repo_url, repo_full_name, branch, install_command, build_command, start_command,
	dockerfile, app_port, server_id, auto_deploy_enabled, preview_deployments_enabled, env_vars,
	container_id, container_name, container_port, webhook_secret_hash, webhook_signing_secret, created_at, updated_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.RepoURL, &p.RepoFullName, &p.Branch, &p.InstallCommand, &p.BuildCommand, &p.StartCommand,
		&p.Dockerfile, &p.AppPort, &p.ServerID, &p.AutoDeployEnabled, &p.PreviewDeploymentsEnabled, &p.EnvVars,
		&p.ContainerID, &p.ContainerName, &p.ContainerPort, &p.WebhookSecretHash, &p.WebhookSigningSecret, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if p.EnvVars == nil {
		p.EnvVars = map[string]string{}
	}
	return &p, nil
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, slug, repo_url, repo_full_name, branch, install_command, build_command, start_command,
			dockerfile, app_port, server_id, auto_deploy_enabled, preview_deployments_enabled, env_vars,
			webhook_secret_hash, webhook_signing_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)`
	envVars := project.EnvVars
	if envVars == nil {
		envVars = map[string]string{}
	}
	_, err := r.pool.Exec(ctx, query,
		project.ID, project.Name, project.Slug, project.RepoURL, project.RepoFullName, project.Branch,
		project.InstallCommand, project.BuildCommand, project.StartCommand, project.Dockerfile, project.AppPort,
		project.ServerID, project.AutoDeployEnabled, project.PreviewDeploymentsEnabled, envVars,
		project.WebhookSecretHash, project.WebhookSigningSecret, project.CreatedAt,
	)
	return mapError(err)
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	return scanProject(r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, projectID))
}

// GetProjectByWebhookSecretHash resolves the project owning a webhook path secret.
func (r *Repository) GetProjectByWebhookSecretHash(ctx context.Context, hash string) (*domain.Project, error) {
	return scanProject(r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE webhook_secret_hash = $1`, hash))
}

// ListProjects returns all projects, newest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// UpdateProject persists editable project settings.
func (r *Repository) UpdateProject(ctx context.Context, project *domain.Project) error {
	const query = `UPDATE projects
		SET name = $2, repo_url = $3, repo_full_name = $4, branch = $5, install_command = $6, build_command = $7,
			start_command = $8, dockerfile = $9, app_port = $10, server_id = $11, auto_deploy_enabled = $12,
			preview_deployments_enabled = $13, env_vars = $14, updated_at = NOW()
		WHERE id = $1`
	envVars := project.EnvVars
	if envVars == nil {
		envVars = map[string]string{}
	}
	return expectOne(r.pool.Exec(ctx, query,
		project.ID, project.Name, project.RepoURL, project.RepoFullName, project.Branch, project.InstallCommand,
		project.BuildCommand, project.StartCommand, project.Dockerfile, project.AppPort, project.ServerID,
		project.AutoDeployEnabled, project.PreviewDeploymentsEnabled, envVars,
	))
}

// UpdateProjectWebhookSecret replaces the webhook path secret hash and signing secret.
func (r *Repository) UpdateProjectWebhookSecret(ctx context.Context, projectID, hash string, signingSecret []byte) error {
	const query = `UPDATE projects SET webhook_secret_hash = $2, webhook_signing_secret = $3, updated_at = NOW() WHERE id = $1`
	return expectOne(r.pool.Exec(ctx, query, projectID, hash, signingSecret))
}

// ClearProjectContainer forgets the production container of a project.
func (r *Repository) ClearProjectContainer(ctx context.Context, projectID string) error {
	const query = `UPDATE projects SET container_id = NULL, container_name = NULL, container_port = NULL, updated_at = NOW() WHERE id = $1`
	return expectOne(r.pool.Exec(ctx, query, projectID))
}

// DeleteProject removes a project; deployments, previews, databases and backups cascade.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	return expectOne(r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID))
}

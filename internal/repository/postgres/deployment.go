package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

const deploymentColumns = `id, project_id, trigger, branch, commit_hash, commit_message, status, docker_image, docker_tag,
	is_current_production, skip_build, source_deployment_id, actor_id, build_log, deploy_log, error_message, url,
	build_duration_ms, deploy_duration_ms, created_at, started_at, finished_at, updated_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Trigger, &d.Branch, &d.CommitHash, &d.CommitMessage, &d.Status, &d.DockerImage, &d.DockerTag,
		&d.IsCurrentProduction, &d.SkipBuild, &d.SourceDeploymentID, &d.ActorID, &d.BuildLog, &d.DeployLog, &d.ErrorMessage, &d.URL,
		&d.BuildDurationMS, &d.DeployDurationMS, &d.CreatedAt, &d.StartedAt, &d.FinishedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, trigger, branch, commit_hash, commit_message, status,
			skip_build, source_deployment_id, actor_id, url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		deployment.Trigger,
		deployment.Branch,
		deployment.CommitHash,
		deployment.CommitMessage,
		deployment.Status,
		deployment.SkipBuild,
		stringPtrToNil(deployment.SourceDeploymentID),
		deployment.ActorID,
		deployment.URL,
		deployment.CreatedAt,
	)
	return mapError(err)
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return scanDeployment(r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, deploymentID))
}

// ListDeploymentsByProject fetches recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// TransitionDeployment conditionally moves a deployment between statuses.
func (r *Repository) TransitionDeployment(ctx context.Context, deploymentID, to string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition %s: %w", deploymentID, repository.ErrInvalidArgument)
	}
	const query = `UPDATE deployments
		SET status = $2,
			started_at = CASE WHEN $2 IN ('building', 'deploying') THEN COALESCE(started_at, NOW()) ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('success', 'failed', 'cancelled') THEN NOW() ELSE finished_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`
	tag, err := r.pool.Exec(ctx, query, deploymentID, to, from)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateDeploymentCommit records the commit resolved during checkout.
func (r *Repository) UpdateDeploymentCommit(ctx context.Context, deploymentID, commitHash, commitMessage string) error {
	const query = `UPDATE deployments SET commit_hash = $2, commit_message = $3, updated_at = NOW() WHERE id = $1`
	return expectOne(r.pool.Exec(ctx, query, deploymentID, commitHash, commitMessage))
}

// RecordBuildDuration stores how long the build phase took.
func (r *Repository) RecordBuildDuration(ctx context.Context, deploymentID string, ms int64) error {
	const query = `UPDATE deployments SET build_duration_ms = $2, updated_at = NOW() WHERE id = $1`
	return expectOne(r.pool.Exec(ctx, query, deploymentID, ms))
}

// AppendDeploymentLog concatenates text onto the build or deploy log.
func (r *Repository) AppendDeploymentLog(ctx context.Context, deploymentID, stream, text string) error {
	var query string
	switch stream {
	case repository.BuildLog:
		query = `UPDATE deployments SET build_log = build_log || $2, updated_at = NOW() WHERE id = $1`
	case repository.DeployLog:
		query = `UPDATE deployments SET deploy_log = deploy_log || $2, updated_at = NOW() WHERE id = $1`
	default:
		return fmt.Errorf("log stream %q: %w", stream, repository.ErrInvalidArgument)
	}
	return expectOne(r.pool.Exec(ctx, query, deploymentID, text))
}

// FailDeployment marks an active deployment failed.
func (r *Repository) FailDeployment(ctx context.Context, deploymentID, message string) (bool, error) {
	const query = `UPDATE deployments
		SET status = 'failed', error_message = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'building', 'deploying')`
	tag, err := r.pool.Exec(ctx, query, deploymentID, message)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDeploymentSucceeded clears sibling production flags, promotes the deployment
// and repoints the project container inside one transaction.
func (r *Repository) MarkDeploymentSucceeded(ctx context.Context, result domain.DeploymentResult) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	const clear = `UPDATE deployments SET is_current_production = FALSE, updated_at = NOW()
		WHERE project_id = $1 AND is_current_production AND id <> $2`
	if _, err := tx.Exec(ctx, clear, result.ProjectID, result.DeploymentID); err != nil {
		return false, mapError(err)
	}

	const promote = `UPDATE deployments
		SET status = 'success', docker_image = $2, docker_tag = $3, url = $4, is_current_production = TRUE,
			deploy_duration_ms = $5, finished_at = $6, error_message = '', updated_at = NOW()
		WHERE id = $1 AND status = 'deploying'`
	tag, err := tx.Exec(ctx, promote, result.DeploymentID, result.DockerImage, result.DockerTag, result.URL,
		result.DeployDurationMS, result.FinishedAt)
	if err != nil {
		return false, mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	const repoint = `UPDATE projects SET container_id = $2, container_name = $3, container_port = $4, updated_at = NOW()
		WHERE id = $1`
	if err := expectOne(tx.Exec(ctx, repoint, result.ProjectID, result.ContainerID, result.ContainerName, result.ContainerPort)); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// HasActiveDeployments reports whether any deployment of the project is still in flight.
func (r *Repository) HasActiveDeployments(ctx context.Context, projectID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM deployments WHERE project_id = $1 AND status IN ('queued', 'building', 'deploying'))`
	var active bool
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&active); err != nil {
		return false, err
	}
	return active, nil
}

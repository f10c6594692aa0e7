package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

const previewColumns = `id, project_id, pr_number, pr_title, head_branch, commit_hash, status, container_id, container_name,
	container_port, url, build_log, error_message, created_at, updated_at, destroyed_at`

func scanPreview(row pgx.Row) (*domain.PreviewDeployment, error) {
	var p domain.PreviewDeployment
	if err := row.Scan(&p.ID, &p.ProjectID, &p.PRNumber, &p.PRTitle, &p.HeadBranch, &p.CommitHash, &p.Status, &p.ContainerID, &p.ContainerName,
		&p.ContainerPort, &p.URL, &p.BuildLog, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt, &p.DestroyedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpsertOpenPreview inserts the open preview for a pull request or refreshes the
// existing one through the partial unique index on open previews.
func (r *Repository) UpsertOpenPreview(ctx context.Context, preview *domain.PreviewDeployment) error {
	const query = `INSERT INTO preview_deployments (id, project_id, pr_number, pr_title, head_branch, commit_hash, status, url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (project_id, pr_number) WHERE status <> 'destroyed'
		DO UPDATE SET pr_title = EXCLUDED.pr_title, head_branch = EXCLUDED.head_branch, commit_hash = EXCLUDED.commit_hash,
			status = EXCLUDED.status, error_message = '', updated_at = NOW()
		RETURNING ` + previewColumns
	row := r.pool.QueryRow(ctx, query, preview.ID, preview.ProjectID, preview.PRNumber, preview.PRTitle, preview.HeadBranch,
		preview.CommitHash, preview.Status, preview.URL, preview.CreatedAt)
	stored, err := scanPreview(row)
	if err != nil {
		return mapError(err)
	}
	*preview = *stored
	return nil
}

// GetOpenPreview returns the non-destroyed preview for a pull request.
func (r *Repository) GetOpenPreview(ctx context.Context, projectID string, prNumber int) (*domain.PreviewDeployment, error) {
	query := `SELECT ` + previewColumns + ` FROM preview_deployments WHERE project_id = $1 AND pr_number = $2 AND status <> 'destroyed'`
	return scanPreview(r.pool.QueryRow(ctx, query, projectID, prNumber))
}

// GetPreviewByID fetches a preview by identifier.
func (r *Repository) GetPreviewByID(ctx context.Context, previewID string) (*domain.PreviewDeployment, error) {
	return scanPreview(r.pool.QueryRow(ctx, `SELECT `+previewColumns+` FROM preview_deployments WHERE id = $1`, previewID))
}

// ListPreviewsByProject lists previews of a project, newest first.
func (r *Repository) ListPreviewsByProject(ctx context.Context, projectID string) ([]domain.PreviewDeployment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+previewColumns+` FROM preview_deployments WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	previews := make([]domain.PreviewDeployment, 0)
	for rows.Next() {
		p, err := scanPreview(rows)
		if err != nil {
			return nil, err
		}
		previews = append(previews, *p)
	}
	return previews, rows.Err()
}

// UpdatePreview persists status, container and URL fields of a preview that
// is not destroyed.
func (r *Repository) UpdatePreview(ctx context.Context, preview *domain.PreviewDeployment) (bool, error) {
	const query = `UPDATE preview_deployments
		SET status = $2, container_id = $3, container_name = $4, container_port = $5, url = $6, error_message = $7, updated_at = NOW()
		WHERE id = $1 AND status <> 'destroyed'`
	tag, err := r.pool.Exec(ctx, query, preview.ID, preview.Status, stringPtrToNil(preview.ContainerID),
		stringPtrToNil(preview.ContainerName), intPtrToNil(preview.ContainerPort), preview.URL, preview.ErrorMessage)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendPreviewLog concatenates text onto the preview build log.
func (r *Repository) AppendPreviewLog(ctx context.Context, previewID, text string) error {
	const query = `UPDATE preview_deployments SET build_log = build_log || $2, updated_at = NOW() WHERE id = $1`
	return expectOne(r.pool.Exec(ctx, query, previewID, text))
}

// MarkPreviewDestroyed closes the preview so the pull request number can be reused.
func (r *Repository) MarkPreviewDestroyed(ctx context.Context, previewID string) error {
	const query = `UPDATE preview_deployments SET status = 'destroyed', destroyed_at = COALESCE(destroyed_at, NOW()), updated_at = NOW() WHERE id = $1`
	return expectOne(r.pool.Exec(ctx, query, previewID))
}

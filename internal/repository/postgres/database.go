package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

const databaseColumns = `id, project_id, server_id, name, engine, version, status, username, password, database_name,
	host_port, container_id, container_name, memory_limit, cpu_limit, error_message, created_at, updated_at`

func scanDatabase(row pgx.Row) (*domain.Database, error) {
	var d domain.Database
	if err := row.Scan(&d.ID, &d.ProjectID, &d.ServerID, &d.Name, &d.Engine, &d.Version, &d.Status, &d.Username, &d.Password, &d.DatabaseName,
		&d.HostPort, &d.ContainerID, &d.ContainerName, &d.MemoryLimit, &d.CPULimit, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateDatabase inserts a database record.
func (r *Repository) CreateDatabase(ctx context.Context, database *domain.Database) error {
	const query = `INSERT INTO databases (id, project_id, server_id, name, engine, version, status, username, password,
			database_name, host_port, container_name, memory_limit, cpu_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`
	_, err := r.pool.Exec(ctx, query, database.ID, database.ProjectID, database.ServerID, database.Name, database.Engine,
		database.Version, database.Status, database.Username, database.Password, database.DatabaseName, database.HostPort,
		database.ContainerName, database.MemoryLimit, database.CPULimit, database.CreatedAt)
	return mapError(err)
}

// GetDatabaseByID fetches a database by identifier.
func (r *Repository) GetDatabaseByID(ctx context.Context, databaseID string) (*domain.Database, error) {
	return scanDatabase(r.pool.QueryRow(ctx, `SELECT `+databaseColumns+` FROM databases WHERE id = $1`, databaseID))
}

// ListDatabasesByProject lists the databases owned by a project.
func (r *Repository) ListDatabasesByProject(ctx context.Context, projectID string) ([]domain.Database, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+databaseColumns+` FROM databases WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	databases := make([]domain.Database, 0)
	for rows.Next() {
		d, err := scanDatabase(rows)
		if err != nil {
			return nil, err
		}
		databases = append(databases, *d)
	}
	return databases, rows.Err()
}

// UpdateDatabaseStatus sets status and error message.
func (r *Repository) UpdateDatabaseStatus(ctx context.Context, databaseID, status, errorMessage string) error {
	const query = `UPDATE databases SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1`
	return expectOne(r.pool.Exec(ctx, query, databaseID, status, errorMessage))
}

// UpdateDatabaseContainer records the container backing the database.
func (r *Repository) UpdateDatabaseContainer(ctx context.Context, databaseID, containerID, status string) error {
	const query = `UPDATE databases SET container_id = $2, status = $3, error_message = '', updated_at = NOW() WHERE id = $1`
	return expectOne(r.pool.Exec(ctx, query, databaseID, emptyToNil(containerID), status))
}

// DeleteDatabase removes a database record and its backups.
func (r *Repository) DeleteDatabase(ctx context.Context, databaseID string) error {
	return expectOne(r.pool.Exec(ctx, `DELETE FROM databases WHERE id = $1`, databaseID))
}

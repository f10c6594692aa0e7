package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

const serverColumns = `id, name, host, port, username, auth_method, credential, host_key, status,
	docker_available, docker_version, last_error, created_at, updated_at`

func scanServer(row pgx.Row) (*domain.Server, error) {
	var s domain.Server
	if err := row.Scan(&s.ID, &s.Name, &s.Host, &s.Port, &s.Username, &s.AuthMethod, &s.Credential, &s.HostKey, &s.Status,
		&s.DockerAvailable, &s.DockerVersion, &s.LastError, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// CreateServer inserts a server record.
func (r *Repository) CreateServer(ctx context.Context, server *domain.Server) error {
	const query = `INSERT INTO servers (id, name, host, port, username, auth_method, credential, host_key, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`
	_, err := r.pool.Exec(ctx, query, server.ID, server.Name, server.Host, server.Port, server.Username,
		server.AuthMethod, server.Credential, server.HostKey, server.Status, server.CreatedAt)
	return mapError(err)
}

// GetServerByID fetches a server by identifier.
func (r *Repository) GetServerByID(ctx context.Context, serverID string) (*domain.Server, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, serverID)
	return scanServer(row)
}

// ListServers returns every registered server.
func (r *Repository) ListServers(ctx context.Context) ([]domain.Server, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := make([]domain.Server, 0)
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *s)
	}
	return servers, rows.Err()
}

// UpdateServerProbe records the outcome of a connectivity probe.
func (r *Repository) UpdateServerProbe(ctx context.Context, serverID, status string, dockerAvailable bool, dockerVersion, lastError string) error {
	const query = `UPDATE servers
		SET status = $2, docker_available = $3, docker_version = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1`
	return expectOne(r.pool.Exec(ctx, query, serverID, status, dockerAvailable, dockerVersion, lastError))
}

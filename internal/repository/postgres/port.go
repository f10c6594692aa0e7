package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

// ReservePort claims a host port for an owner.
func (r *Repository) ReservePort(ctx context.Context, reservation domain.PortReservation) error {
	const query = `INSERT INTO port_reservations (server_id, port, owner_kind, owner_id) VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, reservation.ServerID, reservation.Port, reservation.OwnerKind, reservation.OwnerID)
	return mapError(err)
}

// GetPortByOwner returns the reservation held by an owner.
func (r *Repository) GetPortByOwner(ctx context.Context, ownerKind, ownerID string) (*domain.PortReservation, error) {
	const query = `SELECT server_id, port, owner_kind, owner_id FROM port_reservations WHERE owner_kind = $1 AND owner_id = $2`
	var p domain.PortReservation
	if err := r.pool.QueryRow(ctx, query, ownerKind, ownerID).Scan(&p.ServerID, &p.Port, &p.OwnerKind, &p.OwnerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListReservedPorts lists ports reserved on a server.
func (r *Repository) ListReservedPorts(ctx context.Context, serverID string) ([]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT port FROM port_reservations WHERE server_id = $1 ORDER BY port`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ports := make([]int, 0)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

// ReleasePort drops an owner's reservation. Releasing a missing reservation is not an error.
func (r *Repository) ReleasePort(ctx context.Context, ownerKind, ownerID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM port_reservations WHERE owner_kind = $1 AND owner_id = $2`, ownerKind, ownerID)
	return err
}

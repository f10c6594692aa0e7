package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

const backupColumns = `id, database_id, status, method, compression, retention_days, expires_at, file_path, size_bytes,
	error_message, created_at, completed_at`

func scanBackup(row pgx.Row) (*domain.Backup, error) {
	var b domain.Backup
	if err := row.Scan(&b.ID, &b.DatabaseID, &b.Status, &b.Method, &b.Compression, &b.RetentionDays, &b.ExpiresAt, &b.FilePath, &b.SizeBytes,
		&b.ErrorMessage, &b.CreatedAt, &b.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (r *Repository) queryBackups(ctx context.Context, query string, args ...any) ([]domain.Backup, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	backups := make([]domain.Backup, 0)
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

// CreateBackup inserts a backup record.
func (r *Repository) CreateBackup(ctx context.Context, backup *domain.Backup) error {
	const query = `INSERT INTO backups (id, database_id, status, method, compression, retention_days, expires_at, file_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, backup.ID, backup.DatabaseID, backup.Status, backup.Method, backup.Compression,
		backup.RetentionDays, backup.ExpiresAt, backup.FilePath, backup.CreatedAt)
	return mapError(err)
}

// GetBackupByID fetches a backup by identifier.
func (r *Repository) GetBackupByID(ctx context.Context, backupID string) (*domain.Backup, error) {
	return scanBackup(r.pool.QueryRow(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = $1`, backupID))
}

// ListBackupsByDatabase lists backups of a database, newest first.
func (r *Repository) ListBackupsByDatabase(ctx context.Context, databaseID string) ([]domain.Backup, error) {
	return r.queryBackups(ctx, `SELECT `+backupColumns+` FROM backups WHERE database_id = $1 ORDER BY created_at DESC`, databaseID)
}

// CompleteBackup records the dump artifact.
func (r *Repository) CompleteBackup(ctx context.Context, backupID, filePath string, sizeBytes int64, completedAt time.Time) error {
	const query = `UPDATE backups SET status = 'completed', file_path = $2, size_bytes = $3, completed_at = $4, error_message = ''
		WHERE id = $1`
	return expectOne(r.pool.Exec(ctx, query, backupID, filePath, sizeBytes, completedAt))
}

// FailBackup marks a backup failed.
func (r *Repository) FailBackup(ctx context.Context, backupID, message string) error {
	const query = `UPDATE backups SET status = 'failed', error_message = $2 WHERE id = $1`
	return expectOne(r.pool.Exec(ctx, query, backupID, message))
}

// DeleteBackup removes a backup record.
func (r *Repository) DeleteBackup(ctx context.Context, backupID string) error {
	return expectOne(r.pool.Exec(ctx, `DELETE FROM backups WHERE id = $1`, backupID))
}

// ListExpiredBackups returns backups whose retention window ended before now.
func (r *Repository) ListExpiredBackups(ctx context.Context, now time.Time) ([]domain.Backup, error) {
	return r.queryBackups(ctx, `SELECT `+backupColumns+` FROM backups WHERE expires_at <= $1 ORDER BY expires_at`, now)
}

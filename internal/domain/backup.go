package domain

import "time"

// Backup statuses.
const (
	BackupCreating  = "creating"
	BackupCompleted = "completed"
	BackupFailed    = "failed"
)

// Backup compression modes.
const (
	CompressionGzip = "gzip"
	CompressionNone = "none"
)

// Backup is a dump of a database stored on the database's server.
type Backup struct {
	ID            string     `json:"id"`
	DatabaseID    string     `json:"database_id"`
	Status        string     `json:"status"`
	Method        string     `json:"method"`
	Compression   string     `json:"compression"`
	RetentionDays int        `json:"retention_days"`
	ExpiresAt     time.Time  `json:"expires_at"`
	FilePath      string     `json:"file_path,omitempty"`
	SizeBytes     *int64     `json:"size_bytes,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ExpiryFor computes the expiry instant for a retention window starting at created.
func ExpiryFor(created time.Time, retentionDays int) time.Time {
	return created.Add(time.Duration(retentionDays) * 24 * time.Hour)
}

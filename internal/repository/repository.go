package repository

import (
	"context"
	"time"

	"github.com/splax/localvercel/internal/domain"
)

// Deployment log streams.
const (
	BuildLog  = "build"
	DeployLog = "deploy"
)

// ServerRepository persists remote hosts.
type ServerRepository interface {
	CreateServer(ctx context.Context, server *domain.Server) error
	GetServerByID(ctx context.Context, serverID string) (*domain.Server, error)
	ListServers(ctx context.Context) ([]domain.Server, error)
	UpdateServerProbe(ctx context.Context, serverID, status string, dockerAvailable bool, dockerVersion, lastError string) error
}

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectByWebhookSecretHash(ctx context.Context, hash string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	UpdateProject(ctx context.Context, project *domain.Project) error
	UpdateProjectWebhookSecret(ctx context.Context, projectID, hash string, signingSecret []byte) error
	ClearProjectContainer(ctx context.Context, projectID string) error
	DeleteProject(ctx context.Context, projectID string) error
}

// DeploymentRepository stores deployment history and drives its status transitions.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	// TransitionDeployment moves the deployment to status `to` only when its
	// current status is one of from. It reports whether the update applied.
	TransitionDeployment(ctx context.Context, deploymentID, to string, from ...string) (bool, error)
	UpdateDeploymentCommit(ctx context.Context, deploymentID, commitHash, commitMessage string) error
	RecordBuildDuration(ctx context.Context, deploymentID string, ms int64) error
	AppendDeploymentLog(ctx context.Context, deploymentID, stream, text string) error
	// FailDeployment marks an active deployment failed. Deployments already in a
	// terminal status are left untouched and false is returned.
	FailDeployment(ctx context.Context, deploymentID, message string) (bool, error)
	// MarkDeploymentSucceeded flips production to this deployment and updates the
	// project's container fields in one transaction. It applies only while the
	// deployment is deploying.
	MarkDeploymentSucceeded(ctx context.Context, result domain.DeploymentResult) (bool, error)
	HasActiveDeployments(ctx context.Context, projectID string) (bool, error)
}

// PreviewRepository persists pull request preview deployments.
type PreviewRepository interface {
	// UpsertOpenPreview creates the open preview for (project, pr) or refreshes the
	// existing one, populating preview.ID with the stored identifier.
	UpsertOpenPreview(ctx context.Context, preview *domain.PreviewDeployment) error
	GetOpenPreview(ctx context.Context, projectID string, prNumber int) (*domain.PreviewDeployment, error)
	GetPreviewByID(ctx context.Context, previewID string) (*domain.PreviewDeployment, error)
	ListPreviewsByProject(ctx context.Context, projectID string) ([]domain.PreviewDeployment, error)
	// UpdatePreview persists status, container and URL fields unless the
	// preview was destroyed meanwhile. It reports whether the update applied.
	UpdatePreview(ctx context.Context, preview *domain.PreviewDeployment) (bool, error)
	AppendPreviewLog(ctx context.Context, previewID, text string) error
	MarkPreviewDestroyed(ctx context.Context, previewID string) error
}

// DatabaseRepository persists on-demand database services.
type DatabaseRepository interface {
	CreateDatabase(ctx context.Context, database *domain.Database) error
	GetDatabaseByID(ctx context.Context, databaseID string) (*domain.Database, error)
	ListDatabasesByProject(ctx context.Context, projectID string) ([]domain.Database, error)
	UpdateDatabaseStatus(ctx context.Context, databaseID, status, errorMessage string) error
	UpdateDatabaseContainer(ctx context.Context, databaseID, containerID, status string) error
	DeleteDatabase(ctx context.Context, databaseID string) error
}

// BackupRepository persists database backups.
type BackupRepository interface {
	CreateBackup(ctx context.Context, backup *domain.Backup) error
	GetBackupByID(ctx context.Context, backupID string) (*domain.Backup, error)
	ListBackupsByDatabase(ctx context.Context, databaseID string) ([]domain.Backup, error)
	CompleteBackup(ctx context.Context, backupID, filePath string, sizeBytes int64, completedAt time.Time) error
	FailBackup(ctx context.Context, backupID, message string) error
	DeleteBackup(ctx context.Context, backupID string) error
	ListExpiredBackups(ctx context.Context, now time.Time) ([]domain.Backup, error)
}

// PortRepository tracks host port reservations per server.
type PortRepository interface {
	// ReservePort inserts a reservation and returns ErrConflict when the port is taken.
	ReservePort(ctx context.Context, reservation domain.PortReservation) error
	GetPortByOwner(ctx context.Context, ownerKind, ownerID string) (*domain.PortReservation, error)
	ListReservedPorts(ctx context.Context, serverID string) ([]int, error)
	ReleasePort(ctx context.Context, ownerKind, ownerID string) error
}

// HealthChecker verifies and resets the underlying connection pool.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Reset()
}

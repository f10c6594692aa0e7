// Package memory provides an in-process implementation of the repository
// interfaces. It backs service tests and single-process development runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

// Store keeps every entity in maps guarded by one mutex.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	servers     map[string]domain.Server
	projects    map[string]domain.Project
	deployments map[string]domain.Deployment
	previews    map[string]domain.PreviewDeployment
	databases   map[string]domain.Database
	backups     map[string]domain.Backup
	ports       map[portKey]domain.PortReservation

	// PingErr is returned by Ping when set; Resets counts Reset calls.
	PingErr error
	Resets  int
}

type portKey struct {
	serverID string
	port     int
}

var (
	_ repository.ServerRepository     = (*Store)(nil)
	_ repository.ProjectRepository    = (*Store)(nil)
	_ repository.DeploymentRepository = (*Store)(nil)
	_ repository.PreviewRepository    = (*Store)(nil)
	_ repository.DatabaseRepository   = (*Store)(nil)
	_ repository.BackupRepository     = (*Store)(nil)
	_ repository.PortRepository       = (*Store)(nil)
	_ repository.HealthChecker        = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		now:         time.Now,
		servers:     make(map[string]domain.Server),
		projects:    make(map[string]domain.Project),
		deployments: make(map[string]domain.Deployment),
		previews:    make(map[string]domain.PreviewDeployment),
		databases:   make(map[string]domain.Database),
		backups:     make(map[string]domain.Backup),
		ports:       make(map[portKey]domain.PortReservation),
	}
}

// SetClock overrides the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Ping implements repository.HealthChecker.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Reset implements repository.HealthChecker.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resets++
	s.PingErr = nil
}

// CreateServer stores a server.
func (s *Store) CreateServer(_ context.Context, server *domain.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[server.ID]; ok {
		return repository.ErrConflict
	}
	server.UpdatedAt = server.CreatedAt
	s.servers[server.ID] = *server
	return nil
}

// GetServerByID returns a server.
func (s *Store) GetServerByID(_ context.Context, serverID string) (*domain.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	server, ok := s.servers[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &server, nil
}

// ListServers returns all servers ordered by creation.
func (s *Store) ListServers(context.Context) ([]domain.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Server, 0, len(s.servers))
	for _, server := range s.servers {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateServerProbe records a probe outcome.
func (s *Store) UpdateServerProbe(_ context.Context, serverID, status string, dockerAvailable bool, dockerVersion, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	server, ok := s.servers[serverID]
	if !ok {
		return repository.ErrNotFound
	}
	server.Status = status
	server.DockerAvailable = dockerAvailable
	server.DockerVersion = dockerVersion
	server.LastError = lastError
	server.UpdatedAt = s.now()
	s.servers[serverID] = server
	return nil
}

// CreateProject stores a project.
func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.projects {
		if existing.ID == project.ID || existing.Slug == project.Slug || existing.WebhookSecretHash == project.WebhookSecretHash {
			return repository.ErrConflict
		}
	}
	if _, ok := s.servers[project.ServerID]; project.ServerID != "" && !ok {
		return repository.ErrNotFound
	}
	project.UpdatedAt = project.CreatedAt
	s.projects[project.ID] = cloneProject(*project)
	return nil
}

// GetProjectByID returns a project.
func (s *Store) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneProject(project)
	return &out, nil
}

// GetProjectByWebhookSecretHash resolves a project from its webhook secret hash.
func (s *Store) GetProjectByWebhookSecretHash(_ context.Context, hash string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, project := range s.projects {
		if project.WebhookSecretHash == hash {
			out := cloneProject(project)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListProjects returns all projects.
func (s *Store) ListProjects(context.Context) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, project := range s.projects {
		out = append(out, cloneProject(project))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateProject replaces editable settings.
func (s *Store) UpdateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.projects[project.ID]
	if !ok {
		return repository.ErrNotFound
	}
	existing.Name = project.Name
	existing.RepoURL = project.RepoURL
	existing.RepoFullName = project.RepoFullName
	existing.Branch = project.Branch
	existing.InstallCommand = project.InstallCommand
	existing.BuildCommand = project.BuildCommand
	existing.StartCommand = project.StartCommand
	existing.Dockerfile = project.Dockerfile
	existing.AppPort = project.AppPort
	existing.ServerID = project.ServerID
	existing.AutoDeployEnabled = project.AutoDeployEnabled
	existing.PreviewDeploymentsEnabled = project.PreviewDeploymentsEnabled
	existing.EnvVars = project.EnvVars
	existing.UpdatedAt = s.now()
	s.projects[project.ID] = cloneProject(existing)
	return nil
}

// UpdateProjectWebhookSecret replaces the webhook secrets.
func (s *Store) UpdateProjectWebhookSecret(_ context.Context, projectID, hash string, signingSecret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	project.WebhookSecretHash = hash
	project.WebhookSigningSecret = append([]byte(nil), signingSecret...)
	project.UpdatedAt = s.now()
	s.projects[projectID] = project
	return nil
}

// ClearProjectContainer forgets the production container.
func (s *Store) ClearProjectContainer(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	project.ContainerID = nil
	project.ContainerName = nil
	project.ContainerPort = nil
	s.projects[projectID] = project
	return nil
}

// DeleteProject removes a project and cascades to its children.
func (s *Store) DeleteProject(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.projects, projectID)
	for id, d := range s.deployments {
		if d.ProjectID == projectID {
			delete(s.deployments, id)
		}
	}
	for id, p := range s.previews {
		if p.ProjectID == projectID {
			delete(s.previews, id)
		}
	}
	for id, db := range s.databases {
		if db.ProjectID == projectID {
			delete(s.databases, id)
			for bid, b := range s.backups {
				if b.DatabaseID == id {
					delete(s.backups, bid)
				}
			}
		}
	}
	return nil
}

func cloneProject(p domain.Project) domain.Project {
	if p.EnvVars != nil {
		env := make(map[string]string, len(p.EnvVars))
		for k, v := range p.EnvVars {
			env[k] = v
		}
		p.EnvVars = env
	} else {
		p.EnvVars = map[string]string{}
	}
	return p
}

// CreateDeployment stores a deployment.
func (s *Store) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[deployment.ID]; ok {
		return repository.ErrConflict
	}
	if _, ok := s.projects[deployment.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	deployment.UpdatedAt = deployment.CreatedAt
	s.deployments[deployment.ID] = *deployment
	return nil
}

// GetDeploymentByID returns a deployment.
func (s *Store) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

// ListDeploymentsByProject returns deployments newest first.
func (s *Store) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	out := make([]domain.Deployment, 0)
	for _, d := range s.deployments {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TransitionDeployment conditionally updates the status.
func (s *Store) TransitionDeployment(_ context.Context, deploymentID, to string, from ...string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return false, nil
	}
	if !slices.Contains(from, d.Status) {
		return false, nil
	}
	now := s.now()
	d.Status = to
	switch to {
	case domain.DeploymentBuilding, domain.DeploymentDeploying:
		if d.StartedAt == nil {
			d.StartedAt = &now
		}
	case domain.DeploymentSuccess, domain.DeploymentFailed, domain.DeploymentCancelled:
		d.FinishedAt = &now
	}
	d.UpdatedAt = now
	s.deployments[deploymentID] = d
	return true, nil
}

// UpdateDeploymentCommit records the resolved commit.
func (s *Store) UpdateDeploymentCommit(_ context.Context, deploymentID, commitHash, commitMessage string) error {
	return s.mutateDeployment(deploymentID, func(d *domain.Deployment) {
		d.CommitHash = commitHash
		d.CommitMessage = commitMessage
	})
}

// RecordBuildDuration stores the build duration.
func (s *Store) RecordBuildDuration(_ context.Context, deploymentID string, ms int64) error {
	return s.mutateDeployment(deploymentID, func(d *domain.Deployment) {
		d.BuildDurationMS = &ms
	})
}

// AppendDeploymentLog appends to the build or deploy log.
func (s *Store) AppendDeploymentLog(_ context.Context, deploymentID, stream, text string) error {
	if stream != repository.BuildLog && stream != repository.DeployLog {
		return fmt.Errorf("log stream %q: %w", stream, repository.ErrInvalidArgument)
	}
	return s.mutateDeployment(deploymentID, func(d *domain.Deployment) {
		if stream == repository.BuildLog {
			d.BuildLog += text
		} else {
			d.DeployLog += text
		}
	})
}

// FailDeployment marks an active deployment failed.
func (s *Store) FailDeployment(_ context.Context, deploymentID, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok || !d.Active() {
		return false, nil
	}
	now := s.now()
	d.Status = domain.DeploymentFailed
	d.ErrorMessage = message
	d.FinishedAt = &now
	d.UpdatedAt = now
	s.deployments[deploymentID] = d
	return true, nil
}

// MarkDeploymentSucceeded promotes a deploying deployment to production.
func (s *Store) MarkDeploymentSucceeded(_ context.Context, result domain.DeploymentResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[result.DeploymentID]
	if !ok || d.Status != domain.DeploymentDeploying {
		return false, nil
	}
	project, ok := s.projects[result.ProjectID]
	if !ok {
		return false, repository.ErrNotFound
	}
	now := s.now()
	for id, sibling := range s.deployments {
		if sibling.ProjectID == result.ProjectID && sibling.IsCurrentProduction && id != result.DeploymentID {
			sibling.IsCurrentProduction = false
			sibling.UpdatedAt = now
			s.deployments[id] = sibling
		}
	}
	image, tag := result.DockerImage, result.DockerTag
	duration := result.DeployDurationMS
	finished := result.FinishedAt
	d.Status = domain.DeploymentSuccess
	d.DockerImage = &image
	d.DockerTag = &tag
	d.URL = result.URL
	d.IsCurrentProduction = true
	d.DeployDurationMS = &duration
	d.FinishedAt = &finished
	d.ErrorMessage = ""
	d.UpdatedAt = now
	s.deployments[result.DeploymentID] = d

	containerID, containerName, containerPort := result.ContainerID, result.ContainerName, result.ContainerPort
	project.ContainerID = &containerID
	project.ContainerName = &containerName
	project.ContainerPort = &containerPort
	project.UpdatedAt = now
	s.projects[result.ProjectID] = project
	return true, nil
}

// HasActiveDeployments reports in-flight deployments for a project.
func (s *Store) HasActiveDeployments(_ context.Context, projectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deployments {
		if d.ProjectID == projectID && d.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) mutateDeployment(deploymentID string, fn func(*domain.Deployment)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&d)
	d.UpdatedAt = s.now()
	s.deployments[deploymentID] = d
	return nil
}

// UpsertOpenPreview creates or refreshes the open preview of a pull request.
func (s *Store) UpsertOpenPreview(_ context.Context, preview *domain.PreviewDeployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, existing := range s.previews {
		if existing.ProjectID == preview.ProjectID && existing.PRNumber == preview.PRNumber && existing.Status != domain.PreviewDestroyed {
			existing.PRTitle = preview.PRTitle
			existing.HeadBranch = preview.HeadBranch
			existing.CommitHash = preview.CommitHash
			existing.Status = preview.Status
			existing.ErrorMessage = ""
			existing.UpdatedAt = now
			s.previews[id] = existing
			*preview = existing
			return nil
		}
	}
	preview.UpdatedAt = preview.CreatedAt
	s.previews[preview.ID] = *preview
	return nil
}

// GetOpenPreview returns the open preview for a pull request.
func (s *Store) GetOpenPreview(_ context.Context, projectID string, prNumber int) (*domain.PreviewDeployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.previews {
		if p.ProjectID == projectID && p.PRNumber == prNumber && p.Status != domain.PreviewDestroyed {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetPreviewByID returns a preview.
func (s *Store) GetPreviewByID(_ context.Context, previewID string) (*domain.PreviewDeployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.previews[previewID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// ListPreviewsByProject returns previews newest first.
func (s *Store) ListPreviewsByProject(_ context.Context, projectID string) ([]domain.PreviewDeployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PreviewDeployment, 0)
	for _, p := range s.previews {
		if p.ProjectID == projectID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdatePreview persists status and container fields of a preview that is
// not destroyed.
func (s *Store) UpdatePreview(_ context.Context, preview *domain.PreviewDeployment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.previews[preview.ID]
	if !ok || existing.Status == domain.PreviewDestroyed {
		return false, nil
	}
	existing.Status = preview.Status
	existing.ContainerID = preview.ContainerID
	existing.ContainerName = preview.ContainerName
	existing.ContainerPort = preview.ContainerPort
	existing.URL = preview.URL
	existing.ErrorMessage = preview.ErrorMessage
	existing.UpdatedAt = s.now()
	s.previews[preview.ID] = existing
	return true, nil
}

// AppendPreviewLog appends to the preview build log.
func (s *Store) AppendPreviewLog(_ context.Context, previewID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.previews[previewID]
	if !ok {
		return repository.ErrNotFound
	}
	p.BuildLog += text
	s.previews[previewID] = p
	return nil
}

// MarkPreviewDestroyed closes a preview.
func (s *Store) MarkPreviewDestroyed(_ context.Context, previewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.previews[previewID]
	if !ok {
		return repository.ErrNotFound
	}
	now := s.now()
	p.Status = domain.PreviewDestroyed
	if p.DestroyedAt == nil {
		p.DestroyedAt = &now
	}
	p.UpdatedAt = now
	s.previews[previewID] = p
	return nil
}

// CreateDatabase stores a database.
func (s *Store) CreateDatabase(_ context.Context, database *domain.Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.databases {
		if existing.ID == database.ID || (existing.ProjectID == database.ProjectID && existing.Name == database.Name) {
			return repository.ErrConflict
		}
	}
	database.UpdatedAt = database.CreatedAt
	s.databases[database.ID] = *database
	return nil
}

// GetDatabaseByID returns a database.
func (s *Store) GetDatabaseByID(_ context.Context, databaseID string) (*domain.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.databases[databaseID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

// ListDatabasesByProject returns the databases of a project.
func (s *Store) ListDatabasesByProject(_ context.Context, projectID string) ([]domain.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Database, 0)
	for _, d := range s.databases {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateDatabaseStatus sets status and error message.
func (s *Store) UpdateDatabaseStatus(_ context.Context, databaseID, status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.databases[databaseID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = status
	d.ErrorMessage = errorMessage
	d.UpdatedAt = s.now()
	s.databases[databaseID] = d
	return nil
}

// UpdateDatabaseContainer records the backing container.
func (s *Store) UpdateDatabaseContainer(_ context.Context, databaseID, containerID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.databases[databaseID]
	if !ok {
		return repository.ErrNotFound
	}
	if containerID == "" {
		d.ContainerID = nil
	} else {
		d.ContainerID = &containerID
	}
	d.Status = status
	d.ErrorMessage = ""
	d.UpdatedAt = s.now()
	s.databases[databaseID] = d
	return nil
}

// DeleteDatabase removes a database and its backups.
func (s *Store) DeleteDatabase(_ context.Context, databaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.databases[databaseID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.databases, databaseID)
	for id, b := range s.backups {
		if b.DatabaseID == databaseID {
			delete(s.backups, id)
		}
	}
	return nil
}

// CreateBackup stores a backup.
func (s *Store) CreateBackup(_ context.Context, backup *domain.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backups[backup.ID]; ok {
		return repository.ErrConflict
	}
	if _, ok := s.databases[backup.DatabaseID]; !ok {
		return repository.ErrNotFound
	}
	s.backups[backup.ID] = *backup
	return nil
}

// GetBackupByID returns a backup.
func (s *Store) GetBackupByID(_ context.Context, backupID string) (*domain.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[backupID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

// ListBackupsByDatabase returns backups newest first.
func (s *Store) ListBackupsByDatabase(_ context.Context, databaseID string) ([]domain.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Backup, 0)
	for _, b := range s.backups {
		if b.DatabaseID == databaseID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CompleteBackup records the dump artifact.
func (s *Store) CompleteBackup(_ context.Context, backupID, filePath string, sizeBytes int64, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[backupID]
	if !ok {
		return repository.ErrNotFound
	}
	b.Status = domain.BackupCompleted
	b.FilePath = filePath
	b.SizeBytes = &sizeBytes
	b.CompletedAt = &completedAt
	b.ErrorMessage = ""
	s.backups[backupID] = b
	return nil
}

// FailBackup marks a backup failed.
func (s *Store) FailBackup(_ context.Context, backupID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[backupID]
	if !ok {
		return repository.ErrNotFound
	}
	b.Status = domain.BackupFailed
	b.ErrorMessage = message
	s.backups[backupID] = b
	return nil
}

// DeleteBackup removes a backup.
func (s *Store) DeleteBackup(_ context.Context, backupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backups[backupID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.backups, backupID)
	return nil
}

// ListExpiredBackups returns backups expiring at or before now.
func (s *Store) ListExpiredBackups(_ context.Context, now time.Time) ([]domain.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Backup, 0)
	for _, b := range s.backups {
		if !b.ExpiresAt.After(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// ReservePort claims a port.
func (s *Store) ReservePort(_ context.Context, reservation domain.PortReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := portKey{serverID: reservation.ServerID, port: reservation.Port}
	if _, ok := s.ports[key]; ok {
		return repository.ErrConflict
	}
	for _, existing := range s.ports {
		if existing.OwnerKind == reservation.OwnerKind && existing.OwnerID == reservation.OwnerID {
			return repository.ErrConflict
		}
	}
	s.ports[key] = reservation
	return nil
}

// GetPortByOwner returns an owner's reservation.
func (s *Store) GetPortByOwner(_ context.Context, ownerKind, ownerID string) (*domain.PortReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ports {
		if p.OwnerKind == ownerKind && p.OwnerID == ownerID {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListReservedPorts lists reserved ports on a server.
func (s *Store) ListReservedPorts(_ context.Context, serverID string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0)
	for key := range s.ports {
		if key.serverID == serverID {
			out = append(out, key.port)
		}
	}
	sort.Ints(out)
	return out, nil
}

// ReleasePort drops an owner's reservation.
func (s *Store) ReleasePort(_ context.Context, ownerKind, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.ports {
		if p.OwnerKind == ownerKind && p.OwnerID == ownerID {
			delete(s.ports, key)
		}
	}
	return nil
}

// Package project manages project settings, webhook secrets and teardown.
package project

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/internal/service/preview"
	"github.com/splax/localvercel/pkg/crypto"
)

// Store is the persistence a project spans.
type Store interface {
	repository.ProjectRepository
	repository.ServerRepository
	repository.DeploymentRepository
	repository.PreviewRepository
	repository.DatabaseRepository
}

// DatabaseDestroyer tears down a database with its volume, backups and port.
type DatabaseDestroyer interface {
	Destroy(ctx context.Context, db domain.Database) error
}

var (
	slugPattern     = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,38}[a-z0-9])?$`)
	slugInvalid     = regexp.MustCompile(`[^a-z0-9]+`)
	branchPattern   = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,200}$`)
	envKeyPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	fullNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
)

const defaultAppPort = 3000

// Service orchestrates project management.
type Service struct {
	store      Store
	jobs       queue.Queue
	containers *container.Manager
	ports      *container.PortAllocator
	databases  DatabaseDestroyer
	box        *crypto.Box
	logger     *slog.Logger
	now        func() time.Time
}

// New returns a project service.
func New(store Store, jobs queue.Queue, containers *container.Manager, ports *container.PortAllocator, databases DatabaseDestroyer, box *crypto.Box, logger *slog.Logger) Service {
	return Service{
		store:      store,
		jobs:       jobs,
		containers: containers,
		ports:      ports,
		databases:  databases,
		box:        box,
		logger:     logger.With("component", "project"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name           string
	Slug           string
	RepoURL        string
	RepoFullName   string
	Branch         string
	InstallCommand string
	BuildCommand   string
	StartCommand   string
	Dockerfile     string
	AppPort        int
	ServerID       string
	AutoDeploy     *bool
	Previews       bool
	EnvVars        map[string]string
}

// Secrets are returned once, when issued.
type Secrets struct {
	WebhookSecret string `json:"webhook_secret"`
	SigningSecret string `json:"signing_secret"`
}

// Created bundles a new project with its freshly issued secrets.
type Created struct {
	Project *domain.Project `json:"project"`
	Secrets
}

// Create registers a project on a server and issues its webhook secrets.
func (s Service) Create(ctx context.Context, in CreateInput) (*Created, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.Preconditionf("project name is required")
	}
	slug := strings.TrimSpace(in.Slug)
	if slug == "" {
		slug = Slugify(name)
	}
	if !slugPattern.MatchString(slug) {
		return nil, domain.Preconditionf("invalid project slug %q", slug)
	}
	repoURL := strings.TrimSpace(in.RepoURL)
	if repoURL == "" {
		return nil, domain.Preconditionf("repository URL is required")
	}
	fullName := strings.TrimSpace(in.RepoFullName)
	if fullName == "" {
		fullName = RepoFullName(repoURL)
	}
	if in.ServerID == "" {
		return nil, domain.Preconditionf("server id is required")
	}
	if _, err := s.store.GetServerByID(ctx, in.ServerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.Preconditionf("server %s does not exist", in.ServerID)
		}
		return nil, err
	}

	now := s.now()
	project := &domain.Project{
		ID:                        uuid.NewString(),
		Name:                      name,
		Slug:                      slug,
		RepoURL:                   repoURL,
		RepoFullName:              fullName,
		Branch:                    strings.TrimSpace(in.Branch),
		InstallCommand:            in.InstallCommand,
		BuildCommand:              in.BuildCommand,
		StartCommand:              in.StartCommand,
		Dockerfile:                strings.TrimSpace(in.Dockerfile),
		AppPort:                   in.AppPort,
		ServerID:                  in.ServerID,
		AutoDeployEnabled:         in.AutoDeploy == nil || *in.AutoDeploy,
		PreviewDeploymentsEnabled: in.Previews,
		EnvVars:                   in.EnvVars,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if project.Branch == "" {
		project.Branch = "main"
	}
	if project.AppPort == 0 {
		project.AppPort = defaultAppPort
	}
	if err := validate(*project); err != nil {
		return nil, err
	}

	secrets, hash, sealed, err := s.issueSecrets()
	if err != nil {
		return nil, err
	}
	project.WebhookSecretHash = hash
	project.WebhookSigningSecret = sealed
	if err := s.store.CreateProject(ctx, project); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.Preconditionf("project slug %q is already taken", slug)
		}
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "server_id", project.ServerID, "slug", project.Slug)
	return &Created{Project: project, Secrets: secrets}, nil
}

func validate(p domain.Project) error {
	if !branchPattern.MatchString(p.Branch) || strings.HasPrefix(p.Branch, "-") || strings.Contains(p.Branch, "..") {
		return domain.Preconditionf("invalid branch %q", p.Branch)
	}
	if p.RepoFullName != "" && !fullNamePattern.MatchString(p.RepoFullName) {
		return domain.Preconditionf("repository full name must look like owner/repo")
	}
	if p.AppPort < 1 || p.AppPort > 65535 {
		return domain.Preconditionf("app port must be between 1 and 65535")
	}
	if strings.HasPrefix(p.Dockerfile, "/") || strings.Contains(p.Dockerfile, "..") {
		return domain.Preconditionf("dockerfile must be a path inside the repository")
	}
	for key := range p.EnvVars {
		if !envKeyPattern.MatchString(key) {
			return domain.Preconditionf("invalid environment variable name %q", key)
		}
	}
	return nil
}

func (s Service) issueSecrets() (Secrets, string, []byte, error) {
	if s.box == nil {
		return Secrets{}, "", nil, errors.New("webhook secrets require an encryption key")
	}
	path, err := crypto.RandomToken(24)
	if err != nil {
		return Secrets{}, "", nil, err
	}
	signing, err := crypto.RandomToken(32)
	if err != nil {
		return Secrets{}, "", nil, err
	}
	sealed, err := s.box.Seal(signing)
	if err != nil {
		return Secrets{}, "", nil, fmt.Errorf("seal signing secret: %w", err)
	}
	return Secrets{WebhookSecret: path, SigningSecret: signing}, crypto.HashToken(path), sealed, nil
}

// UpdateInput carries the settings to change; nil fields are left alone.
type UpdateInput struct {
	Name           *string
	RepoURL        *string
	RepoFullName   *string
	Branch         *string
	InstallCommand *string
	BuildCommand   *string
	StartCommand   *string
	Dockerfile     *string
	AppPort        *int
	ServerID       *string
	AutoDeploy     *bool
	Previews       *bool
	EnvVars        map[string]string
}

// Update changes project settings. Moving a project to another server is
// refused while it has a running container.
func (s Service) Update(ctx context.Context, projectID string, in UpdateInput) (*domain.Project, error) {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&project.Name, in.Name)
	set(&project.RepoURL, in.RepoURL)
	set(&project.RepoFullName, in.RepoFullName)
	set(&project.Branch, in.Branch)
	set(&project.Dockerfile, in.Dockerfile)
	if in.InstallCommand != nil {
		project.InstallCommand = *in.InstallCommand
	}
	if in.BuildCommand != nil {
		project.BuildCommand = *in.BuildCommand
	}
	if in.StartCommand != nil {
		project.StartCommand = *in.StartCommand
	}
	if in.AppPort != nil {
		project.AppPort = *in.AppPort
	}
	if in.AutoDeploy != nil {
		project.AutoDeployEnabled = *in.AutoDeploy
	}
	if in.Previews != nil {
		project.PreviewDeploymentsEnabled = *in.Previews
	}
	if in.EnvVars != nil {
		project.EnvVars = in.EnvVars
	}
	if in.ServerID != nil && *in.ServerID != project.ServerID {
		if project.ContainerID != nil {
			return nil, domain.Preconditionf("project %s is running on its current server; delete it before moving", project.Slug)
		}
		if _, err := s.store.GetServerByID(ctx, *in.ServerID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, domain.Preconditionf("server %s does not exist", *in.ServerID)
			}
			return nil, err
		}
		project.ServerID = *in.ServerID
	}
	if project.Name == "" || project.RepoURL == "" {
		return nil, domain.Preconditionf("project name and repository URL are required")
	}
	if in.RepoURL != nil && in.RepoFullName == nil {
		project.RepoFullName = RepoFullName(project.RepoURL)
	}
	if err := validate(*project); err != nil {
		return nil, err
	}
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project updated", "project_id", project.ID)
	return s.store.GetProjectByID(ctx, project.ID)
}

// RotateWebhookSecret issues new webhook secrets; the old ones stop working
// immediately.
func (s Service) RotateWebhookSecret(ctx context.Context, projectID string) (Secrets, error) {
	if _, err := s.store.GetProjectByID(ctx, projectID); err != nil {
		return Secrets{}, err
	}
	secrets, hash, sealed, err := s.issueSecrets()
	if err != nil {
		return Secrets{}, err
	}
	if err := s.store.UpdateProjectWebhookSecret(ctx, projectID, hash, sealed); err != nil {
		return Secrets{}, err
	}
	s.logger.Info("webhook secret rotated", "project_id", projectID)
	return secrets, nil
}

// Get returns project details by identifier.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, repository.ErrInvalidArgument
	}
	return s.store.GetProjectByID(ctx, projectID)
}

// List returns every project.
func (s Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.store.ListProjects(ctx)
}

type cleanupPayload struct {
	ProjectID string `json:"project_id"`
}

// Delete queues removal of a project and everything it runs. It is refused
// while a deployment is in flight.
func (s Service) Delete(ctx context.Context, projectID string) error {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	active, err := s.store.HasActiveDeployments(ctx, project.ID)
	if err != nil {
		return err
	}
	if active {
		return domain.Preconditionf("project %s has deployments in progress; cancel them first", project.Slug)
	}
	job, err := queue.NewJob(queue.TypeProjectCleanup, project.ID, cleanupPayload{ProjectID: project.ID})
	if err != nil {
		return err
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue project cleanup: %w", err)
	}
	s.logger.Info("project deletion queued", "project_id", project.ID, "job_id", job.ID)
	return nil
}

// HandleCleanup is the worker handler for project.cleanup jobs.
func (s Service) HandleCleanup(ctx context.Context, job queue.Job) error {
	var payload cleanupPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	logger := s.logger.With("project_id", payload.ProjectID, "job_id", job.ID)
	project, err := s.store.GetProjectByID(ctx, payload.ProjectID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Info("project already deleted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	active, err := s.store.HasActiveDeployments(ctx, project.ID)
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("project %s has deployments in progress", project.Slug)
	}
	server, err := s.store.GetServerByID(ctx, project.ServerID)
	if err != nil {
		return fmt.Errorf("load server: %w", err)
	}

	if err := s.teardownPreviews(ctx, *server, *project, logger); err != nil {
		return err
	}
	dbs, err := s.store.ListDatabasesByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	for _, db := range dbs {
		if err := s.databases.Destroy(ctx, db); err != nil {
			return fmt.Errorf("destroy database %s: %w", db.Name, err)
		}
	}
	target := deploy.ContainerName(project.Slug)
	if project.ContainerID != nil {
		target = *project.ContainerID
	}
	if err := s.containers.Remove(ctx, *server, target); err != nil {
		return err
	}
	if err := s.ports.Release(ctx, domain.PortOwnerProject, project.ID); err != nil {
		return fmt.Errorf("release port: %w", err)
	}
	if err := s.store.DeleteProject(ctx, project.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	logger.Info("project deleted", "databases", len(dbs))
	return nil
}

func (s Service) teardownPreviews(ctx context.Context, server domain.Server, project domain.Project, logger *slog.Logger) error {
	previews, err := s.store.ListPreviewsByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	for _, p := range previews {
		target := preview.ContainerName(project.Slug, p.PRNumber)
		if p.ContainerID != nil {
			target = *p.ContainerID
		}
		if err := s.containers.Remove(ctx, server, target); err != nil {
			return fmt.Errorf("remove preview %d: %w", p.PRNumber, err)
		}
		if err := s.ports.Release(ctx, domain.PortOwnerPreview, p.ID); err != nil {
			return fmt.Errorf("release preview port: %w", err)
		}
	}
	if len(previews) > 0 {
		logger.Info("previews removed", "count", len(previews))
	}
	return nil
}

// Slugify derives a URL and container safe slug from a project name.
func Slugify(name string) string {
	slug := strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return slug
}

// RepoFullName extracts owner/repo from an https or scp-style git URL.
func RepoFullName(repoURL string) string {
	raw := strings.TrimSuffix(strings.TrimSpace(repoURL), ".git")
	var p string
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		p = u.Path
	} else if _, rest, ok := strings.Cut(raw, ":"); ok {
		p = rest
	}
	p = strings.Trim(p, "/")
	if !fullNamePattern.MatchString(p) {
		return ""
	}
	return p
}

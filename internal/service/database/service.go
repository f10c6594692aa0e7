// Package database provisions on-demand database containers for projects.
package database

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/pkg/crypto"
)

var (
	namePattern    = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	versionPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)
)

const minMemoryBytes = 64 * units.MiB

// BackupPurger removes the stored backups of a database being deleted.
type BackupPurger interface {
	PurgeDatabase(ctx context.Context, server domain.Server, db domain.Database) error
}

// Service validates, records and provisions databases.
type Service struct {
	projects   repository.ProjectRepository
	servers    repository.ServerRepository
	databases  repository.DatabaseRepository
	jobs       queue.Queue
	containers *container.Manager
	ports      *container.PortAllocator
	box        *crypto.Box
	backups    BackupPurger
	logger     *slog.Logger
	now        func() time.Time
}

// New returns a database service. backups may be nil.
func New(projects repository.ProjectRepository, servers repository.ServerRepository, databases repository.DatabaseRepository, jobs queue.Queue, containers *container.Manager, ports *container.PortAllocator, box *crypto.Box, backups BackupPurger, logger *slog.Logger) Service {
	return Service{
		projects:   projects,
		servers:    servers,
		databases:  databases,
		jobs:       jobs,
		containers: containers,
		ports:      ports,
		box:        box,
		backups:    backups,
		logger:     logger.With("component", "database"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type jobPayload struct {
	DatabaseID string `json:"database_id"`
}

// CreateInput holds the requested database attributes.
type CreateInput struct {
	ProjectID   string
	Name        string
	Engine      string
	Version     string
	MemoryLimit string
	CPULimit    string
}

func (in CreateInput) validate() (Engine, error) {
	engine, ok := LookupEngine(strings.ToLower(strings.TrimSpace(in.Engine)))
	if !ok {
		return Engine{}, domain.Preconditionf("unsupported engine %q", in.Engine)
	}
	if !namePattern.MatchString(in.Name) {
		return Engine{}, domain.Preconditionf("database name must start with a letter and contain only lowercase letters, digits and underscores")
	}
	if in.Version != "" && !versionPattern.MatchString(in.Version) {
		return Engine{}, domain.Preconditionf("invalid version %q", in.Version)
	}
	if in.MemoryLimit != "" {
		bytes, err := units.RAMInBytes(in.MemoryLimit)
		if err != nil {
			return Engine{}, domain.Preconditionf("invalid memory limit %q", in.MemoryLimit)
		}
		if bytes < minMemoryBytes {
			return Engine{}, domain.Preconditionf("memory limit must be at least %s", units.BytesSize(float64(minMemoryBytes)))
		}
	}
	if in.CPULimit != "" {
		cpus, err := strconv.ParseFloat(in.CPULimit, 64)
		if err != nil || cpus <= 0 || cpus > 64 {
			return Engine{}, domain.Preconditionf("invalid cpu limit %q", in.CPULimit)
		}
	}
	return engine, nil
}

// Create records a database with generated credentials and a reserved port,
// then queues its provisioning.
func (s Service) Create(ctx context.Context, in CreateInput) (*domain.Database, error) {
	engine, err := in.validate()
	if err != nil {
		return nil, err
	}
	project, err := s.projects.GetProjectByID(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.ServerID == "" {
		return nil, domain.Preconditionf("project %s has no server assigned", project.Slug)
	}
	server, err := s.servers.GetServerByID(ctx, project.ServerID)
	if err != nil {
		return nil, err
	}
	if s.box == nil {
		return nil, errors.New("database credentials require an encryption key")
	}

	user, err := crypto.RandomAlphanumeric(10)
	if err != nil {
		return nil, err
	}
	password, err := crypto.RandomAlphanumeric(32)
	if err != nil {
		return nil, err
	}
	sealed, err := s.box.Seal(password)
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}

	now := s.now()
	db := &domain.Database{
		ID:            uuid.NewString(),
		ProjectID:     project.ID,
		ServerID:      server.ID,
		Name:          in.Name,
		Engine:        engine.Name,
		Version:       in.Version,
		Status:        domain.DatabaseCreating,
		Username:      "u_" + strings.ToLower(user),
		Password:      sealed,
		DatabaseName:  in.Name,
		ContainerName: ContainerName(project.Slug, in.Name),
		MemoryLimit:   in.MemoryLimit,
		CPULimit:      in.CPULimit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if db.Version == "" {
		db.Version = engine.DefaultVersion
	}
	if engine.Name == domain.EngineRedis {
		db.Username = "default"
	}

	port, err := s.ports.Reserve(ctx, *server, domain.PortOwnerDatabase, db.ID)
	if err != nil {
		return nil, fmt.Errorf("reserve port: %w", err)
	}
	db.HostPort = port
	if err := s.databases.CreateDatabase(ctx, db); err != nil {
		if rerr := s.ports.Release(context.WithoutCancel(ctx), domain.PortOwnerDatabase, db.ID); rerr != nil {
			s.logger.Warn("release port after failed create", "database_id", db.ID, "error", rerr)
		}
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.Preconditionf("database %q already exists in this project", in.Name)
		}
		return nil, err
	}
	if err := s.enqueue(ctx, queue.TypeDatabaseCreate, *db); err != nil {
		msg := "failed to queue provisioning: " + err.Error()
		if uerr := s.databases.UpdateDatabaseStatus(context.WithoutCancel(ctx), db.ID, domain.DatabaseError, msg); uerr != nil {
			s.logger.Error("mark unqueued database failed", "database_id", db.ID, "error", uerr)
		}
		db.Status = domain.DatabaseError
		db.ErrorMessage = msg
		return db, err
	}
	s.logger.Info("database queued", "database_id", db.ID, "project_id", project.ID, "engine", db.Engine, "port", port)
	return db, nil
}

func (s Service) enqueue(ctx context.Context, jobType string, db domain.Database) error {
	job, err := queue.NewJob(jobType, db.ProjectID, jobPayload{DatabaseID: db.ID})
	if err != nil {
		return err
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return nil
}

// HandleCreate is the worker handler for database.create jobs.
func (s Service) HandleCreate(ctx context.Context, job queue.Job) error {
	var payload jobPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	logger := s.logger.With("database_id", payload.DatabaseID, "job_id", job.ID)
	db, err := s.databases.GetDatabaseByID(ctx, payload.DatabaseID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("database not found, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load database: %w", err)
	}
	if db.Status != domain.DatabaseCreating {
		logger.Info("database already provisioned, skipping", "status", db.Status)
		return nil
	}

	id, err := s.provision(ctx, *db)
	if err != nil {
		logger.Error("database provisioning failed", "error", err)
		if uerr := s.databases.UpdateDatabaseStatus(context.WithoutCancel(ctx), db.ID, domain.DatabaseError, err.Error()); uerr != nil {
			return fmt.Errorf("record provisioning failure: %w", uerr)
		}
		return nil
	}
	if err := s.databases.UpdateDatabaseContainer(ctx, db.ID, id, domain.DatabaseRunning); err != nil {
		return fmt.Errorf("record container: %w", err)
	}
	logger.Info("database running", "container_id", id)
	return nil
}

func (s Service) provision(ctx context.Context, db domain.Database) (string, error) {
	engine, ok := LookupEngine(db.Engine)
	if !ok {
		return "", fmt.Errorf("unsupported engine %q", db.Engine)
	}
	server, err := s.servers.GetServerByID(ctx, db.ServerID)
	if err != nil {
		return "", fmt.Errorf("load server: %w", err)
	}
	password, err := s.box.Open(db.Password)
	if err != nil {
		return "", fmt.Errorf("open password: %w", err)
	}
	// leftovers from an interrupted attempt
	if err := s.containers.Remove(ctx, *server, db.ContainerName); err != nil {
		return "", err
	}
	id, err := s.containers.Run(ctx, *server, container.RunSpec{
		Name:    db.ContainerName,
		Image:   engine.ImageRef(db.Version),
		Env:     engine.Env(db, password),
		Ports:   container.PublishPort(db.HostPort, engine.Port),
		Limits:  container.Limits{Memory: db.MemoryLimit, CPUs: db.CPULimit},
		Restart: "unless-stopped",
		Volumes: map[string]string{db.VolumeName(): engine.DataDir},
		Labels:  map[string]string{"peep.project": db.ProjectID, "peep.database": db.ID},
		Cmd:     engine.Cmd(password),
	})
	if err != nil {
		return "", err
	}
	if _, err := s.containers.WaitRunning(ctx, *server, id, time.Second); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rmErr := s.containers.Remove(cleanupCtx, *server, id); rmErr != nil {
			s.logger.Warn("remove failed database container", "container_id", id, "error", rmErr)
		}
		return "", err
	}
	return id, nil
}

// Start starts a stopped database.
func (s Service) Start(ctx context.Context, databaseID string) (*domain.Database, error) {
	return s.control(ctx, databaseID, "start", domain.DatabaseRunning, func(ctx context.Context, server domain.Server, id string) error {
		return s.containers.Start(ctx, server, id)
	})
}

// Stop stops a running database.
func (s Service) Stop(ctx context.Context, databaseID string) (*domain.Database, error) {
	return s.control(ctx, databaseID, "stop", domain.DatabaseStopped, func(ctx context.Context, server domain.Server, id string) error {
		return s.containers.Stop(ctx, server, id)
	})
}

// Restart restarts a database.
func (s Service) Restart(ctx context.Context, databaseID string) (*domain.Database, error) {
	return s.control(ctx, databaseID, "restart", domain.DatabaseRunning, func(ctx context.Context, server domain.Server, id string) error {
		return s.containers.Restart(ctx, server, id)
	})
}

func (s Service) control(ctx context.Context, databaseID, action, result string, op func(context.Context, domain.Server, string) error) (*domain.Database, error) {
	db, err := s.databases.GetDatabaseByID(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	switch db.Status {
	case domain.DatabaseRunning, domain.DatabaseStopped:
	case domain.DatabaseError:
		if db.ContainerID == nil {
			return nil, domain.Preconditionf("database %s was never provisioned", db.Name)
		}
	default:
		return nil, domain.Preconditionf("database %s is %s; cannot %s", db.Name, db.Status, action)
	}
	server, err := s.servers.GetServerByID(ctx, db.ServerID)
	if err != nil {
		return nil, err
	}
	target := db.ContainerName
	if db.ContainerID != nil {
		target = *db.ContainerID
	}
	if err := op(ctx, *server, target); err != nil {
		return nil, fmt.Errorf("%s database: %w", action, err)
	}
	if err := s.databases.UpdateDatabaseStatus(ctx, db.ID, result, ""); err != nil {
		return nil, err
	}
	s.logger.Info("database "+action, "database_id", db.ID, "project_id", db.ProjectID)
	return s.databases.GetDatabaseByID(ctx, db.ID)
}

// Delete marks a database deleting and queues removal of its container,
// volume, backups and port.
func (s Service) Delete(ctx context.Context, databaseID string) (*domain.Database, error) {
	db, err := s.databases.GetDatabaseByID(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	if db.Status == domain.DatabaseCreating || db.Status == domain.DatabaseDeleting {
		return nil, domain.Preconditionf("database %s is %s", db.Name, db.Status)
	}
	if err := s.databases.UpdateDatabaseStatus(ctx, db.ID, domain.DatabaseDeleting, ""); err != nil {
		return nil, err
	}
	db.Status = domain.DatabaseDeleting
	if err := s.enqueue(ctx, queue.TypeDatabaseDelete, *db); err != nil {
		if uerr := s.databases.UpdateDatabaseStatus(context.WithoutCancel(ctx), db.ID, domain.DatabaseError, "failed to queue deletion: "+err.Error()); uerr != nil {
			s.logger.Error("mark unqueued deletion failed", "database_id", db.ID, "error", uerr)
		}
		return nil, err
	}
	s.logger.Info("database deletion queued", "database_id", db.ID)
	return db, nil
}

// HandleDelete is the worker handler for database.delete jobs.
func (s Service) HandleDelete(ctx context.Context, job queue.Job) error {
	var payload jobPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	db, err := s.databases.GetDatabaseByID(ctx, payload.DatabaseID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load database: %w", err)
	}
	if db.Status != domain.DatabaseDeleting {
		s.logger.Info("database not marked for deletion, skipping", "database_id", db.ID, "status", db.Status)
		return nil
	}
	return s.Destroy(ctx, *db)
}

// Destroy removes every remote resource of db and deletes its record.
func (s Service) Destroy(ctx context.Context, db domain.Database) error {
	server, err := s.servers.GetServerByID(ctx, db.ServerID)
	if err != nil {
		return fmt.Errorf("load server: %w", err)
	}
	target := db.ContainerName
	if db.ContainerID != nil {
		target = *db.ContainerID
	}
	if err := s.containers.Remove(ctx, *server, target); err != nil {
		return err
	}
	if err := s.containers.RemoveVolume(ctx, *server, db.VolumeName()); err != nil {
		return err
	}
	if s.backups != nil {
		if err := s.backups.PurgeDatabase(ctx, *server, db); err != nil {
			return fmt.Errorf("purge backups: %w", err)
		}
	}
	if err := s.ports.Release(ctx, domain.PortOwnerDatabase, db.ID); err != nil {
		return fmt.Errorf("release port: %w", err)
	}
	if err := s.databases.DeleteDatabase(ctx, db.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	s.logger.Info("database deleted", "database_id", db.ID, "project_id", db.ProjectID)
	return nil
}

// Get returns a database.
func (s Service) Get(ctx context.Context, databaseID string) (*domain.Database, error) {
	return s.databases.GetDatabaseByID(ctx, databaseID)
}

// List returns a project's databases.
func (s Service) List(ctx context.Context, projectID string) ([]domain.Database, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.databases.ListDatabasesByProject(ctx, projectID)
}

// Connection holds client connection details.
type Connection struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database,omitempty"`
	URL      string `json:"url"`
}

// Connection returns decrypted connection details of a database.
func (s Service) Connection(ctx context.Context, databaseID string) (Connection, error) {
	db, err := s.databases.GetDatabaseByID(ctx, databaseID)
	if err != nil {
		return Connection{}, err
	}
	server, err := s.servers.GetServerByID(ctx, db.ServerID)
	if err != nil {
		return Connection{}, err
	}
	engine, ok := LookupEngine(db.Engine)
	if !ok {
		return Connection{}, fmt.Errorf("unsupported engine %q", db.Engine)
	}
	password, err := s.box.Open(db.Password)
	if err != nil {
		return Connection{}, fmt.Errorf("open password: %w", err)
	}
	conn := Connection{
		Host:     server.Host,
		Port:     db.HostPort,
		Username: db.Username,
		Password: password,
		URL:      engine.ConnectionURL(*db, server.Host, password),
	}
	if engine.Name != domain.EngineRedis {
		conn.Database = db.DatabaseName
	}
	return conn, nil
}

// ContainerName returns the container name of a project database.
func ContainerName(projectSlug, name string) string {
	return "peep-" + projectSlug + "-db-" + name
}

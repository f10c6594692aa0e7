// Package backup dumps, restores and expires database backups stored on the
// database's server.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/pkg/crypto"
)

const (
	defaultRetentionDays = 7
	maxRetentionDays     = 365
	defaultRoot          = "/var/lib/peep/backups"
)

// Timeouts bounds the remote backup commands.
type Timeouts struct {
	Command time.Duration
	Dump    time.Duration
}

// Service manages database backups.
type Service struct {
	databases repository.DatabaseRepository
	backups   repository.BackupRepository
	servers   repository.ServerRepository
	jobs      queue.Queue
	exec      remote.Executor
	box       *crypto.Box
	root      string
	timeouts  Timeouts
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a backup service writing artifacts below root on each server.
func New(databases repository.DatabaseRepository, backups repository.BackupRepository, servers repository.ServerRepository, jobs queue.Queue, exec remote.Executor, box *crypto.Box, root string, timeouts Timeouts, logger *slog.Logger) Service {
	if root == "" {
		root = defaultRoot
	}
	if timeouts.Command <= 0 {
		timeouts.Command = 30 * time.Second
	}
	if timeouts.Dump <= 0 {
		timeouts.Dump = 30 * time.Minute
	}
	return Service{
		databases: databases,
		backups:   backups,
		servers:   servers,
		jobs:      jobs,
		exec:      exec,
		box:       box,
		root:      strings.TrimRight(root, "/"),
		timeouts:  timeouts,
		logger:    logger.With("component", "backup"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type jobPayload struct {
	BackupID string `json:"backup_id"`
}

// CreateInput holds the requested backup options.
type CreateInput struct {
	Compression   string
	RetentionDays int
}

// Create records a backup of a running database and queues the dump.
func (s Service) Create(ctx context.Context, databaseID string, in CreateInput) (*domain.Backup, error) {
	compression := strings.ToLower(strings.TrimSpace(in.Compression))
	if compression == "" {
		compression = domain.CompressionGzip
	}
	if compression != domain.CompressionGzip && compression != domain.CompressionNone {
		return nil, domain.Preconditionf("compression must be gzip or none")
	}
	retention := in.RetentionDays
	if retention == 0 {
		retention = defaultRetentionDays
	}
	if retention < 1 || retention > maxRetentionDays {
		return nil, domain.Preconditionf("retention must be between 1 and %d days", maxRetentionDays)
	}
	db, err := s.databases.GetDatabaseByID(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	if db.Status != domain.DatabaseRunning {
		return nil, domain.Preconditionf("database must be running to back up (database %s is %s)", db.Name, db.Status)
	}

	now := s.now()
	b := &domain.Backup{
		ID:            uuid.NewString(),
		DatabaseID:    db.ID,
		Status:        domain.BackupCreating,
		Method:        "dump",
		Compression:   compression,
		RetentionDays: retention,
		ExpiresAt:     domain.ExpiryFor(now, retention),
		CreatedAt:     now,
	}
	if err := s.backups.CreateBackup(ctx, b); err != nil {
		return nil, err
	}
	job, err := queue.NewJob(queue.TypeBackupCreate, db.ProjectID, jobPayload{BackupID: b.ID})
	if err == nil {
		err = s.jobs.Enqueue(ctx, job)
	}
	if err != nil {
		msg := "failed to queue backup: " + err.Error()
		if ferr := s.backups.FailBackup(context.WithoutCancel(ctx), b.ID, msg); ferr != nil {
			s.logger.Error("mark unqueued backup failed", "backup_id", b.ID, "error", ferr)
		}
		b.Status = domain.BackupFailed
		b.ErrorMessage = msg
		return b, fmt.Errorf("enqueue backup: %w", err)
	}
	s.logger.Info("backup queued", "backup_id", b.ID, "database_id", db.ID, "expires_at", b.ExpiresAt)
	return b, nil
}

// HandleCreate is the worker handler for backup.create jobs.
func (s Service) HandleCreate(ctx context.Context, job queue.Job) error {
	var payload jobPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	logger := s.logger.With("backup_id", payload.BackupID, "job_id", job.ID)
	b, err := s.backups.GetBackupByID(ctx, payload.BackupID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("backup not found, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load backup: %w", err)
	}
	if b.Status != domain.BackupCreating {
		logger.Info("backup already processed, skipping", "status", b.Status)
		return nil
	}

	file, size, err := s.dump(ctx, *b, logger)
	if err != nil {
		logger.Error("backup failed", "error", err)
		if ferr := s.backups.FailBackup(context.WithoutCancel(ctx), b.ID, err.Error()); ferr != nil {
			return fmt.Errorf("record backup failure: %w", ferr)
		}
		return nil
	}
	if err := s.backups.CompleteBackup(ctx, b.ID, file, size, s.now()); err != nil {
		return fmt.Errorf("record backup: %w", err)
	}
	logger.Info("backup completed", "file", file, "size_bytes", size)
	return nil
}

type target struct {
	db       domain.Database
	server   domain.Server
	engine   dumpEngine
	password string
}

func (s Service) resolve(ctx context.Context, databaseID string) (target, error) {
	db, err := s.databases.GetDatabaseByID(ctx, databaseID)
	if err != nil {
		return target{}, fmt.Errorf("load database: %w", err)
	}
	engine, ok := dumpEngines[db.Engine]
	if !ok {
		return target{}, fmt.Errorf("backups are not supported for %s", db.Engine)
	}
	server, err := s.servers.GetServerByID(ctx, db.ServerID)
	if err != nil {
		return target{}, fmt.Errorf("load server: %w", err)
	}
	password, err := s.box.Open(db.Password)
	if err != nil {
		return target{}, fmt.Errorf("open password: %w", err)
	}
	return target{db: *db, server: *server, engine: engine, password: password}, nil
}

func (s Service) dump(ctx context.Context, b domain.Backup, logger *slog.Logger) (string, int64, error) {
	t, err := s.resolve(ctx, b.DatabaseID)
	if err != nil {
		return "", 0, err
	}
	if t.db.Status != domain.DatabaseRunning {
		return "", 0, fmt.Errorf("database %s is %s", t.db.Name, t.db.Status)
	}
	dir := s.databaseDir(t.db.ID)
	raw := path.Join(dir, b.ID+"."+t.engine.ext)
	file := raw
	if b.Compression == domain.CompressionGzip {
		file = raw + ".gz"
	}

	if _, err := s.exec.Run(ctx, t.server, remote.Cmd("mkdir", "-p", dir).WithTimeout(s.timeouts.Command)); err != nil {
		return "", 0, fmt.Errorf("create backup directory: %w", err)
	}
	cleanup := func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeouts.Command)
		defer cancel()
		if _, err := s.exec.Run(cctx, t.server, remote.Cmd("rm", "-f", raw, file)); err != nil {
			logger.Warn("remove partial backup failed", "error", err)
		}
	}
	cmd := remote.Shell(t.engine.dump, s.containerRef(t.db), t.db.Username, t.password, t.db.DatabaseName, raw)
	if _, err := s.exec.Run(ctx, t.server, cmd.WithTimeout(s.timeouts.Dump)); err != nil {
		cleanup()
		return "", 0, fmt.Errorf("dump %s: %w", t.db.Name, err)
	}
	if b.Compression == domain.CompressionGzip {
		if _, err := s.exec.Run(ctx, t.server, remote.Cmd("gzip", "-f", raw).WithTimeout(s.timeouts.Dump)); err != nil {
			cleanup()
			return "", 0, fmt.Errorf("compress backup: %w", err)
		}
	}
	out, err := s.exec.Run(ctx, t.server, remote.Cmd("stat", "-c", "%s", file).WithTimeout(s.timeouts.Command))
	if err != nil {
		cleanup()
		return "", 0, fmt.Errorf("stat backup: %w", err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		cleanup()
		return "", 0, fmt.Errorf("parse backup size %q: %w", strings.TrimSpace(out), err)
	}
	return file, size, nil
}

// Restore loads a completed backup into its running database.
func (s Service) Restore(ctx context.Context, backupID string) (*domain.Backup, error) {
	b, err := s.backups.GetBackupByID(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BackupCompleted {
		return nil, domain.Preconditionf("backup %s is %s; only completed backups can be restored", b.ID, b.Status)
	}
	db, err := s.databases.GetDatabaseByID(ctx, b.DatabaseID)
	if err != nil {
		return nil, err
	}
	if db.Status != domain.DatabaseRunning {
		return nil, domain.Preconditionf("database must be running to restore (database %s is %s)", db.Name, db.Status)
	}
	t, err := s.resolve(ctx, b.DatabaseID)
	if err != nil {
		return nil, err
	}
	cmd := remote.Shell(t.engine.restore, s.containerRef(t.db), t.db.Username, t.password, t.db.DatabaseName, b.FilePath, b.Compression)
	if _, err := s.exec.Run(ctx, t.server, cmd.WithTimeout(s.timeouts.Dump)); err != nil {
		return nil, fmt.Errorf("restore %s: %w", db.Name, err)
	}
	s.logger.Info("backup restored", "backup_id", b.ID, "database_id", db.ID)
	return b, nil
}

// Delete removes a backup artifact and its record.
func (s Service) Delete(ctx context.Context, backupID string) error {
	b, err := s.backups.GetBackupByID(ctx, backupID)
	if err != nil {
		return err
	}
	if b.Status == domain.BackupCreating {
		return domain.Preconditionf("backup %s is still being created", b.ID)
	}
	if err := s.remove(ctx, *b); err != nil {
		return err
	}
	s.logger.Info("backup deleted", "backup_id", b.ID, "database_id", b.DatabaseID)
	return nil
}

func (s Service) remove(ctx context.Context, b domain.Backup) error {
	if b.FilePath != "" {
		db, err := s.databases.GetDatabaseByID(ctx, b.DatabaseID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err == nil {
			server, err := s.servers.GetServerByID(ctx, db.ServerID)
			if err != nil {
				return err
			}
			if err := s.checkPath(b.FilePath); err != nil {
				return err
			}
			if _, err := s.exec.Run(ctx, *server, remote.Cmd("rm", "-f", b.FilePath).WithTimeout(s.timeouts.Command)); err != nil {
				return fmt.Errorf("remove backup file: %w", err)
			}
		}
	}
	if err := s.backups.DeleteBackup(ctx, b.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return nil
}

// Artifact describes a downloadable backup file.
type Artifact struct {
	Name        string
	Compression string
	SizeBytes   int64
}

// Stat returns download metadata for a completed backup.
func (s Service) Stat(ctx context.Context, backupID string) (Artifact, error) {
	b, err := s.backups.GetBackupByID(ctx, backupID)
	if err != nil {
		return Artifact{}, err
	}
	if b.Status != domain.BackupCompleted || b.FilePath == "" {
		return Artifact{}, domain.Preconditionf("backup %s is %s and cannot be downloaded", b.ID, b.Status)
	}
	a := Artifact{Name: path.Base(b.FilePath), Compression: b.Compression}
	if b.SizeBytes != nil {
		a.SizeBytes = *b.SizeBytes
	}
	return a, nil
}

// Download streams a completed backup file to w.
func (s Service) Download(ctx context.Context, backupID string, w io.Writer) (int64, error) {
	if _, err := s.Stat(ctx, backupID); err != nil {
		return 0, err
	}
	b, err := s.backups.GetBackupByID(ctx, backupID)
	if err != nil {
		return 0, err
	}
	db, err := s.databases.GetDatabaseByID(ctx, b.DatabaseID)
	if err != nil {
		return 0, err
	}
	server, err := s.servers.GetServerByID(ctx, db.ServerID)
	if err != nil {
		return 0, err
	}
	if err := s.checkPath(b.FilePath); err != nil {
		return 0, err
	}
	n, err := s.exec.Copy(ctx, *server, remote.Cmd("cat", b.FilePath).WithTimeout(s.timeouts.Dump), w)
	if err != nil {
		return n, fmt.Errorf("download backup: %w", err)
	}
	return n, nil
}

// Get returns a backup.
func (s Service) Get(ctx context.Context, backupID string) (*domain.Backup, error) {
	return s.backups.GetBackupByID(ctx, backupID)
}

// List returns the backups of a database.
func (s Service) List(ctx context.Context, databaseID string) ([]domain.Backup, error) {
	if _, err := s.databases.GetDatabaseByID(ctx, databaseID); err != nil {
		return nil, err
	}
	return s.backups.ListBackupsByDatabase(ctx, databaseID)
}

// Sweep deletes every backup that expired at or before now, with its file.
func (s Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.backups.ListExpiredBackups(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired backups: %w", err)
	}
	var errs []error
	removed := 0
	for _, b := range expired {
		if b.Status == domain.BackupCreating {
			continue
		}
		if err := s.remove(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("backup %s: %w", b.ID, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// PurgeDatabase removes every backup file of db from server.
func (s Service) PurgeDatabase(ctx context.Context, server domain.Server, db domain.Database) error {
	dir := s.databaseDir(db.ID)
	if err := s.checkPath(path.Join(dir, "x")); err != nil {
		return err
	}
	if _, err := s.exec.Run(ctx, server, remote.Cmd("rm", "-rf", dir).WithTimeout(s.timeouts.Command)); err != nil {
		return fmt.Errorf("remove backups of %s: %w", db.Name, err)
	}
	return nil
}

func (s Service) databaseDir(databaseID string) string {
	return path.Join(s.root, databaseID)
}

// checkPath refuses paths outside <root>/<database>/.
func (s Service) checkPath(file string) error {
	clean := path.Clean(file)
	if clean != file || path.Dir(path.Dir(clean)) != s.root || strings.HasPrefix(path.Base(path.Dir(clean)), ".") {
		return fmt.Errorf("refusing backup path %q outside %s", file, s.root)
	}
	return nil
}

func (s Service) containerRef(db domain.Database) string {
	if db.ContainerID != nil && *db.ContainerID != "" {
		return *db.ContainerID
	}
	return db.ContainerName
}

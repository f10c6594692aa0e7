// Package preview runs ephemeral deployments for open pull requests.
package preview

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/scm"
	"github.com/splax/localvercel/internal/service/deploy"
)

const commentTimeout = 10 * time.Second

// Service manages preview deployments.
type Service struct {
	projects repository.ProjectRepository
	servers  repository.ServerRepository
	previews repository.PreviewRepository
	jobs     queue.Queue
	pipeline deploy.Pipeline
	scm      scm.Client
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a preview service.
func New(projects repository.ProjectRepository, servers repository.ServerRepository, previews repository.PreviewRepository, jobs queue.Queue, pipeline deploy.Pipeline, client scm.Client, logger *slog.Logger) Service {
	return Service{
		projects: projects,
		servers:  servers,
		previews: previews,
		jobs:     jobs,
		pipeline: pipeline,
		scm:      client,
		logger:   logger.With("component", "preview"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type deployPayload struct {
	PreviewID  string `json:"preview_id"`
	CommitHash string `json:"commit_hash"`
}

type destroyPayload struct {
	PreviewID string `json:"preview_id"`
}

// OpenRequest describes an opened or updated pull request.
type OpenRequest struct {
	ProjectID  string
	PRNumber   int
	Title      string
	HeadBranch string
	CommitHash string
}

// Open creates the preview for a pull request, or refreshes the existing one
// on a new push, and queues its deployment.
func (s Service) Open(ctx context.Context, req OpenRequest) (*domain.PreviewDeployment, error) {
	if req.PRNumber <= 0 {
		return nil, domain.Preconditionf("pull request number must be positive")
	}
	project, err := s.projects.GetProjectByID(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.ServerID == "" {
		return nil, domain.Preconditionf("project %s has no server assigned", project.Slug)
	}
	now := s.now()
	p := &domain.PreviewDeployment{
		ID:         uuid.NewString(),
		ProjectID:  project.ID,
		PRNumber:   req.PRNumber,
		PRTitle:    req.Title,
		HeadBranch: req.HeadBranch,
		CommitHash: req.CommitHash,
		Status:     domain.PreviewPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.previews.UpsertOpenPreview(ctx, p); err != nil {
		return nil, fmt.Errorf("upsert preview: %w", err)
	}

	job, err := queue.NewJob(queue.TypePreviewDeploy, project.ID, deployPayload{PreviewID: p.ID, CommitHash: p.CommitHash})
	if err == nil {
		err = s.jobs.Enqueue(ctx, job)
	}
	if err != nil {
		p.Status = domain.PreviewFailed
		p.ErrorMessage = "failed to queue preview: " + err.Error()
		if _, uerr := s.previews.UpdatePreview(context.WithoutCancel(ctx), p); uerr != nil {
			s.logger.Error("mark unqueued preview failed", "preview_id", p.ID, "error", uerr)
		}
		return p, fmt.Errorf("enqueue preview: %w", err)
	}
	s.logger.Info("preview queued", "preview_id", p.ID, "project_id", project.ID, "pr", p.PRNumber, "commit", p.CommitHash)
	s.comment(ctx, *project, p.PRNumber, fmt.Sprintf("Building preview for %s.", shortSHA(p.CommitHash)))
	return p, nil
}

// Close queues removal of a pull request's preview and marks it destroyed.
// It returns repository.ErrNotFound when no preview is open. The removal job
// is queued first so a failed enqueue leaves the preview open for a retried
// delivery.
func (s Service) Close(ctx context.Context, projectID string, prNumber int) (*domain.PreviewDeployment, error) {
	p, err := s.previews.GetOpenPreview(ctx, projectID, prNumber)
	if err != nil {
		return nil, err
	}
	job, err := queue.NewJob(queue.TypePreviewDestroy, projectID, destroyPayload{PreviewID: p.ID})
	if err == nil {
		err = s.jobs.Enqueue(ctx, job)
	}
	if err != nil {
		return p, fmt.Errorf("enqueue preview removal: %w", err)
	}
	if err := s.previews.MarkPreviewDestroyed(ctx, p.ID); err != nil {
		return p, fmt.Errorf("mark preview destroyed: %w", err)
	}
	p.Status = domain.PreviewDestroyed
	s.logger.Info("preview closed", "preview_id", p.ID, "project_id", projectID, "pr", prNumber)
	return p, nil
}

// List returns the previews of a project.
func (s Service) List(ctx context.Context, projectID string) ([]domain.PreviewDeployment, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.previews.ListPreviewsByProject(ctx, projectID)
}

// HandleDeploy is the worker handler for preview.deploy jobs. Jobs for a
// commit that a newer push superseded, and jobs for destroyed previews, are
// skipped.
func (s Service) HandleDeploy(ctx context.Context, job queue.Job) error {
	var payload deployPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	logger := s.logger.With("preview_id", payload.PreviewID, "job_id", job.ID)
	p, err := s.previews.GetPreviewByID(ctx, payload.PreviewID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("preview not found, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load preview: %w", err)
	}
	if p.Status == domain.PreviewDestroyed {
		logger.Info("preview destroyed, skipping deploy")
		return nil
	}
	if payload.CommitHash != p.CommitHash {
		logger.Info("preview superseded by newer commit, skipping", "job_commit", payload.CommitHash, "commit", p.CommitHash)
		return nil
	}
	// redelivered job for a commit that is already live
	if p.Status == domain.PreviewActive && p.ContainerID != nil {
		logger.Info("preview already active at this commit, skipping", "commit", p.CommitHash)
		return nil
	}

	project, err := s.projects.GetProjectByID(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	log := &buildLog{}
	err = s.deploy(ctx, *project, p, log, logger)
	if errors.Is(err, errPreviewClosed) {
		s.flush(ctx, p.ID, log, logger)
		logger.Info("pull request closed during preview deploy, stopping")
		return nil
	}
	if err != nil {
		log.Line("==> preview failed: " + err.Error())
		s.flush(ctx, p.ID, log, logger)
		p.Status = domain.PreviewFailed
		p.ErrorMessage = err.Error()
		applied, uerr := s.previews.UpdatePreview(context.WithoutCancel(ctx), p)
		if uerr != nil {
			return fmt.Errorf("record preview failure: %w", uerr)
		}
		if !applied {
			logger.Info("pull request closed during preview deploy, stopping", "error", err)
			return nil
		}
		logger.Error("preview failed", "project_id", project.ID, "error", err)
		s.comment(ctx, *project, p.PRNumber, fmt.Sprintf("Preview for %s failed: %s", shortSHA(p.CommitHash), err.Error()))
		return nil
	}
	s.flush(ctx, p.ID, log, logger)
	if p.Status != domain.PreviewActive {
		return nil
	}
	logger.Info("preview active", "project_id", project.ID, "url", p.URL)
	s.comment(ctx, *project, p.PRNumber, fmt.Sprintf("Preview for %s is live at %s", shortSHA(p.CommitHash), p.URL))
	return nil
}

func (s Service) deploy(ctx context.Context, project domain.Project, p *domain.PreviewDeployment, log *buildLog, logger *slog.Logger) error {
	server, err := s.servers.GetServerByID(ctx, project.ServerID)
	if err != nil {
		return fmt.Errorf("load server: %w", err)
	}
	if server.Status != domain.ServerActive {
		return fmt.Errorf("server %s is %s", server.Name, server.Status)
	}

	p.Status = domain.PreviewBuilding
	p.ErrorMessage = ""
	if err := s.save(ctx, p); err != nil {
		return err
	}
	out, err := s.pipeline.Build(ctx, *server, project, deploy.BuildRequest{
		WorkspaceID: "preview-" + p.ID,
		Branch:      p.HeadBranch,
		CommitHash:  p.CommitHash,
		DeployID:    p.ID,
	}, log.Line)
	s.flush(ctx, p.ID, log, logger)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	p.Status = domain.PreviewDeploying
	if err := s.save(ctx, p); err != nil {
		return err
	}
	var replace []string
	if p.ContainerID != nil {
		replace = append(replace, *p.ContainerID)
	}
	name := ContainerName(project.Slug, p.PRNumber)
	launch, err := s.pipeline.Launch(ctx, *server, project, deploy.LaunchRequest{
		Name:      name,
		ImageRef:  out.Ref(),
		OwnerKind: domain.PortOwnerPreview,
		OwnerID:   p.ID,
		Replace:   replace,
		Labels:    map[string]string{"peep.project": project.ID, "peep.preview": p.ID},
		ExtraEnv:  map[string]string{"PEEP_PREVIEW": "true", "PEEP_PR_NUMBER": strconv.Itoa(p.PRNumber)},
		HostLabel: HostLabel(project.Slug, p.PRNumber),
	}, log.Line)
	if err != nil {
		return fmt.Errorf("deploy failed: %w", err)
	}

	p.Status = domain.PreviewActive
	p.ContainerID = &launch.ContainerID
	p.ContainerName = &name
	p.ContainerPort = &launch.Port
	p.URL = s.pipeline.Config().HostURL(HostLabel(project.Slug, p.PRNumber))
	if err := s.save(ctx, p); err != nil {
		if errors.Is(err, errPreviewClosed) {
			if terr := s.teardown(context.WithoutCancel(ctx), *server, p.ID, launch.ContainerID, logger); terr != nil {
				logger.Warn("remove container of closed preview failed", "container_id", launch.ContainerID, "error", terr)
			}
		}
		return err
	}
	return nil
}

// errPreviewClosed stops a deploy whose pull request was closed meanwhile.
var errPreviewClosed = errors.New("preview closed")

// save persists p, returning errPreviewClosed once the preview was destroyed.
func (s Service) save(ctx context.Context, p *domain.PreviewDeployment) error {
	applied, err := s.previews.UpdatePreview(ctx, p)
	if err != nil {
		return fmt.Errorf("update preview: %w", err)
	}
	if !applied {
		return errPreviewClosed
	}
	return nil
}

// HandleDestroy is the worker handler for preview.destroy jobs.
func (s Service) HandleDestroy(ctx context.Context, job queue.Job) error {
	var payload destroyPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	logger := s.logger.With("preview_id", payload.PreviewID, "job_id", job.ID)
	p, err := s.previews.GetPreviewByID(ctx, payload.PreviewID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load preview: %w", err)
	}
	project, err := s.projects.GetProjectByID(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	server, err := s.servers.GetServerByID(ctx, project.ServerID)
	if err != nil {
		return fmt.Errorf("load server: %w", err)
	}
	target := ContainerName(project.Slug, p.PRNumber)
	if p.ContainerID != nil {
		target = *p.ContainerID
	}
	if err := s.teardown(ctx, *server, p.ID, target, logger); err != nil {
		return err
	}
	if p.Status != domain.PreviewDestroyed {
		if err := s.previews.MarkPreviewDestroyed(ctx, p.ID); err != nil {
			return fmt.Errorf("mark preview destroyed: %w", err)
		}
	}
	if p.CommitHash != "" {
		ref := s.pipeline.Config().ImageName(project.Slug) + ":" + deploy.ImageTag(p.CommitHash, p.ID)
		if err := s.pipeline.Containers().RemoveImage(ctx, *server, ref); err != nil {
			logger.Warn("remove preview image failed", "image", ref, "error", err)
		}
	}
	logger.Info("preview removed", "project_id", project.ID, "pr", p.PRNumber)
	s.comment(ctx, *project, p.PRNumber, "Preview removed.")
	return nil
}

func (s Service) teardown(ctx context.Context, server domain.Server, previewID, container string, logger *slog.Logger) error {
	if err := s.pipeline.Containers().Remove(ctx, server, container); err != nil {
		return fmt.Errorf("remove preview container: %w", err)
	}
	if err := s.pipeline.Ports().Release(ctx, domain.PortOwnerPreview, previewID); err != nil {
		logger.Warn("release preview port failed", "error", err)
	}
	return nil
}

func (s Service) flush(ctx context.Context, previewID string, log *buildLog, logger *slog.Logger) {
	text := log.Drain()
	if text == "" {
		return
	}
	if err := s.previews.AppendPreviewLog(context.WithoutCancel(ctx), previewID, text); err != nil {
		logger.Warn("append preview log failed", "error", err)
	}
}

func (s Service) comment(ctx context.Context, project domain.Project, number int, body string) {
	if s.scm == nil || project.RepoFullName == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commentTimeout)
	defer cancel()
	if err := s.scm.CommentOnPullRequest(ctx, project.RepoFullName, number, body); err != nil {
		s.logger.Warn("pull request comment failed", "project_id", project.ID, "pr", number, "error", err)
	}
}

// ContainerName returns the container name of a pull request preview.
func ContainerName(slug string, prNumber int) string {
	return deploy.ContainerName(slug) + "-pr-" + strconv.Itoa(prNumber)
}

// HostLabel returns the host label a preview is served under.
func HostLabel(slug string, prNumber int) string {
	return "pr-" + strconv.Itoa(prNumber) + "-" + slug
}

func shortSHA(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	if hash == "" {
		return "the latest commit"
	}
	return hash
}

type buildLog struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *buildLog) Line(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(strings.TrimRight(line, "\r\n"))
	b.buf.WriteByte('\n')
}

func (b *buildLog) Drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	text := b.buf.String()
	b.buf.Reset()
	return text
}

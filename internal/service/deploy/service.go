package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/notify"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/repository"
)

// ErrInvalidRollbackTarget is returned when the rollback target has no usable image.
var ErrInvalidRollbackTarget = errors.New("invalid rollback target")

var errStatusChanged = errors.New("deployment status changed while running")

const notifyTimeout = 5 * time.Second

// Service drives deployments through queued, building, deploying and a
// terminal status.
type Service struct {
	projects    repository.ProjectRepository
	servers     repository.ServerRepository
	deployments repository.DeploymentRepository
	jobs        queue.Queue
	broker      queue.Broker
	pipeline    Pipeline
	notifier    notify.Notifier
	logger      *slog.Logger
	running     *sync.Map
	now         func() time.Time
}

// New returns a deployment service.
func New(projects repository.ProjectRepository, servers repository.ServerRepository, deployments repository.DeploymentRepository, jobs queue.Queue, broker queue.Broker, pipeline Pipeline, notifier notify.Notifier, logger *slog.Logger) Service {
	return Service{
		projects:    projects,
		servers:     servers,
		deployments: deployments,
		jobs:        jobs,
		broker:      broker,
		pipeline:    pipeline,
		notifier:    notifier,
		logger:      logger.With("component", "deploy"),
		running:     &sync.Map{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type executePayload struct {
	DeploymentID string `json:"deployment_id"`
}

// TriggerRequest describes a new deployment of a project.
type TriggerRequest struct {
	ProjectID     string
	Trigger       string
	Branch        string
	CommitHash    string
	CommitMessage string
	ActorID       string
}

// Trigger records a queued deployment and dispatches it to the workers.
func (s Service) Trigger(ctx context.Context, req TriggerRequest) (*domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.ServerID == "" {
		return nil, domain.Preconditionf("project %s has no server assigned", project.Slug)
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = domain.TriggerManual
	}
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = project.Branch
	}
	d := s.newDeployment(project.ID, trigger, branch, strings.TrimSpace(req.CommitHash), req.CommitMessage, req.ActorID)
	if err := s.create(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}

// Redeploy rebuilds the commit of a successful deployment from scratch.
func (s Service) Redeploy(ctx context.Context, actorID, sourceID string) (*domain.Deployment, error) {
	source, err := s.deployments.GetDeploymentByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source.Status != domain.DeploymentSuccess {
		return nil, domain.Preconditionf("deployment %s is %s; only successful deployments can be redeployed", source.ID, source.Status)
	}
	d := s.newDeployment(source.ProjectID, domain.TriggerRedeploy, source.Branch, source.CommitHash, source.CommitMessage, actorID)
	d.SourceDeploymentID = &source.ID
	if err := s.create(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}

// Rollback redeploys the image of a successful deployment without building.
func (s Service) Rollback(ctx context.Context, actorID, targetID string) (*domain.Deployment, error) {
	target, err := s.deployments.GetDeploymentByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if err := validateRollbackTarget(*target); err != nil {
		return nil, err
	}
	d := s.newDeployment(target.ProjectID, domain.TriggerRollback, target.Branch, target.CommitHash, target.CommitMessage, actorID)
	d.SkipBuild = true
	d.SourceDeploymentID = &target.ID
	if err := s.create(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}

func validateRollbackTarget(target domain.Deployment) error {
	if target.Status != domain.DeploymentSuccess {
		return fmt.Errorf("%w: %w", ErrInvalidRollbackTarget, domain.Preconditionf("deployment %s is %s; only successful deployments can be rolled back to", target.ID, target.Status))
	}
	if !target.HasImage() {
		return fmt.Errorf("%w: %w", ErrInvalidRollbackTarget, domain.Preconditionf("deployment %s has no image to roll back to", target.ID))
	}
	return nil
}

func (s Service) newDeployment(projectID, trigger, branch, commitHash, commitMessage, actorID string) *domain.Deployment {
	now := s.now()
	return &domain.Deployment{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		Trigger:       trigger,
		Branch:        branch,
		CommitHash:    commitHash,
		CommitMessage: commitMessage,
		Status:        domain.DeploymentQueued,
		ActorID:       actorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// create persists d and publishes its job. A deployment whose job cannot be
// published is marked failed.
func (s Service) create(ctx context.Context, d *domain.Deployment) error {
	if err := s.deployments.CreateDeployment(ctx, d); err != nil {
		return err
	}
	job, err := queue.NewJob(queue.TypeDeploymentExecute, d.ProjectID, executePayload{DeploymentID: d.ID})
	if err == nil {
		err = s.jobs.Enqueue(ctx, job)
	}
	if err != nil {
		msg := "failed to queue deployment: " + err.Error()
		if _, ferr := s.deployments.FailDeployment(context.WithoutCancel(ctx), d.ID, msg); ferr != nil {
			s.logger.Error("mark unqueued deployment failed", "deployment_id", d.ID, "error", ferr)
		}
		d.Status = domain.DeploymentFailed
		d.ErrorMessage = msg
		s.logger.Error("deployment enqueue failed", "deployment_id", d.ID, "project_id", d.ProjectID, "error", err)
		return fmt.Errorf("enqueue deployment: %w", err)
	}
	s.logger.Info("deployment queued", "deployment_id", d.ID, "project_id", d.ProjectID, "trigger", d.Trigger, "job_id", job.ID)
	return nil
}

// HandleExecute is the worker handler for deployment.execute jobs.
func (s Service) HandleExecute(ctx context.Context, job queue.Job) error {
	var payload executePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	return s.Execute(ctx, payload.DeploymentID)
}

// Execute runs a queued deployment. A deployment that is no longer queued was
// already handled by an earlier delivery and is skipped.
func (s Service) Execute(ctx context.Context, deploymentID string) error {
	logger := s.logger.With("deployment_id", deploymentID)
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("deployment not found, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load deployment: %w", err)
	}

	next := domain.DeploymentBuilding
	if d.SkipBuild {
		next = domain.DeploymentDeploying
	}
	applied, err := s.deployments.TransitionDeployment(ctx, d.ID, next, domain.DeploymentQueued)
	if err != nil {
		return fmt.Errorf("start deployment: %w", err)
	}
	if !applied {
		logger.Info("deployment already processed, skipping", "status", d.Status)
		return nil
	}
	d.Status = next
	logger = logger.With("project_id", d.ProjectID)
	logger.Info("deployment started", "trigger", d.Trigger, "skip_build", d.SkipBuild)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.running.Store(d.ID, cancel)
	defer s.running.Delete(d.ID)
	if current, err := s.deployments.GetDeploymentByID(ctx, d.ID); err == nil && current.Status == domain.DeploymentCancelled {
		cancel()
	}

	project, result, runErr := s.run(runCtx, d, logger)
	if runErr != nil {
		return s.fail(ctx, project, d, runErr, logger)
	}
	return s.succeed(ctx, project, d, result, logger)
}

func (s Service) run(ctx context.Context, d *domain.Deployment, logger *slog.Logger) (domain.Project, domain.DeploymentResult, error) {
	project, err := s.projects.GetProjectByID(ctx, d.ProjectID)
	if err != nil {
		return domain.Project{}, domain.DeploymentResult{}, fmt.Errorf("load project: %w", err)
	}
	server, err := s.servers.GetServerByID(ctx, project.ServerID)
	if err != nil {
		return *project, domain.DeploymentResult{}, fmt.Errorf("load server: %w", err)
	}
	if server.Status != domain.ServerActive {
		return *project, domain.DeploymentResult{}, fmt.Errorf("server %s is %s", server.Name, server.Status)
	}

	channel := queue.LogChannel(d.ID)
	buildLog := newLogSink(ctx, channel, repository.BuildLog, s.broker, logger, func(ctx context.Context, text string) error {
		return s.deployments.AppendDeploymentLog(ctx, d.ID, repository.BuildLog, text)
	})
	defer buildLog.Flush()
	deployLog := newLogSink(ctx, channel, repository.DeployLog, s.broker, logger, func(ctx context.Context, text string) error {
		return s.deployments.AppendDeploymentLog(ctx, d.ID, repository.DeployLog, text)
	})
	defer deployLog.Flush()

	var image, tag string
	if d.SkipBuild {
		image, tag, err = s.sourceImage(ctx, *server, d)
		if err != nil {
			return *project, domain.DeploymentResult{}, err
		}
		deployLog.Line(fmt.Sprintf("==> reusing image %s:%s", image, tag))
	} else {
		started := s.now()
		out, err := s.pipeline.Build(ctx, *server, *project, BuildRequest{
			WorkspaceID: "deploy-" + d.ID,
			Branch:      d.Branch,
			CommitHash:  d.CommitHash,
			DeployID:    d.ID,
		}, buildLog.Line)
		buildLog.Flush()
		if err != nil {
			return *project, domain.DeploymentResult{}, fmt.Errorf("build failed: %w", err)
		}
		if err := s.deployments.RecordBuildDuration(ctx, d.ID, s.now().Sub(started).Milliseconds()); err != nil {
			logger.Warn("record build duration failed", "error", err)
		}
		if d.CommitHash == "" || d.CommitMessage == "" {
			if d.CommitHash == "" {
				d.CommitHash = out.CommitHash
			}
			if d.CommitMessage == "" {
				d.CommitMessage = out.CommitMessage
			}
			if err := s.deployments.UpdateDeploymentCommit(ctx, d.ID, d.CommitHash, d.CommitMessage); err != nil {
				logger.Warn("record commit failed", "error", err)
			}
		}
		applied, err := s.deployments.TransitionDeployment(ctx, d.ID, domain.DeploymentDeploying, domain.DeploymentBuilding)
		if err != nil {
			return *project, domain.DeploymentResult{}, fmt.Errorf("start deploy phase: %w", err)
		}
		if !applied {
			return *project, domain.DeploymentResult{}, errStatusChanged
		}
		d.Status = domain.DeploymentDeploying
		image, tag = out.Image, out.Tag
	}

	started := s.now()
	var replace []string
	if project.ContainerID != nil {
		replace = append(replace, *project.ContainerID)
	}
	name := ContainerName(project.Slug)
	launch, err := s.pipeline.Launch(ctx, *server, *project, LaunchRequest{
		Name:      name,
		ImageRef:  image + ":" + tag,
		OwnerKind: domain.PortOwnerProject,
		OwnerID:   project.ID,
		Replace:   replace,
		Labels:    map[string]string{"peep.project": project.ID, "peep.deployment": d.ID},
		HostLabel: project.Slug,
	}, deployLog.Line)
	if err != nil {
		return *project, domain.DeploymentResult{}, fmt.Errorf("deploy failed: %w", err)
	}
	finished := s.now()
	return *project, domain.DeploymentResult{
		DeploymentID:     d.ID,
		ProjectID:        project.ID,
		DockerImage:      image,
		DockerTag:        tag,
		URL:              s.pipeline.Config().HostURL(project.Slug),
		ContainerID:      launch.ContainerID,
		ContainerName:    name,
		ContainerPort:    launch.Port,
		DeployDurationMS: finished.Sub(started).Milliseconds(),
		FinishedAt:       finished,
	}, nil
}

// sourceImage resolves the image a rollback reuses and checks it is still on
// the server.
func (s Service) sourceImage(ctx context.Context, server domain.Server, d *domain.Deployment) (string, string, error) {
	if d.SourceDeploymentID == nil {
		return "", "", fmt.Errorf("rollback has no source deployment")
	}
	source, err := s.deployments.GetDeploymentByID(ctx, *d.SourceDeploymentID)
	if err != nil {
		return "", "", fmt.Errorf("load rollback source: %w", err)
	}
	if err := validateRollbackTarget(*source); err != nil {
		return "", "", err
	}
	ref := source.ImageRef()
	ok, err := s.pipeline.Containers().ImageExists(ctx, server, ref)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("image %s is no longer present on server %s", ref, server.Name)
	}
	return *source.DockerImage, *source.DockerTag, nil
}

func (s Service) succeed(ctx context.Context, project domain.Project, d *domain.Deployment, result domain.DeploymentResult, logger *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	applied, err := s.deployments.MarkDeploymentSucceeded(ctx, result)
	if err != nil {
		logger.Error("record deployment success failed", "error", err)
		return s.fail(ctx, project, d, fmt.Errorf("record success: %w", err), logger)
	}
	if !applied {
		logger.Warn("deployment status changed before completion, container left running", "container_id", result.ContainerID)
		s.publishEnd(ctx, d.ID)
		return nil
	}
	d.Status = domain.DeploymentSuccess
	d.URL = result.URL
	logger.Info("deployment succeeded", "url", result.URL, "container_id", result.ContainerID, "port", result.ContainerPort)
	s.notify(ctx, notify.KindDeploymentSucceeded, project, *d, logger)
	s.publishEnd(ctx, d.ID)
	return nil
}

// fail records cause on the deployment. Deployments that already reached a
// terminal status, such as cancelled, are left untouched.
func (s Service) fail(ctx context.Context, project domain.Project, d *domain.Deployment, cause error, logger *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	applied, err := s.deployments.FailDeployment(ctx, d.ID, msg)
	if err != nil {
		logger.Error("record deployment failure failed", "error", err, "cause", cause)
		return fmt.Errorf("record failure: %w", err)
	}
	if !applied {
		logger.Info("deployment stopped", "reason", msg)
		s.publishEnd(ctx, d.ID)
		return nil
	}
	if err := s.deployments.AppendDeploymentLog(ctx, d.ID, repository.DeployLog, "==> deployment failed: "+msg+"\n"); err != nil {
		logger.Warn("append failure to log failed", "error", err)
	}
	d.Status = domain.DeploymentFailed
	d.ErrorMessage = msg
	logger.Error("deployment failed", "error", cause)
	if project.ID != "" {
		s.notify(ctx, notify.KindDeploymentFailed, project, *d, logger)
	}
	s.publishEnd(ctx, d.ID)
	return nil
}

func (s Service) notify(ctx context.Context, kind string, project domain.Project, d domain.Deployment, logger *slog.Logger) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	event := notify.NewEvent(kind, project, d)
	event.OccurredAt = s.now()
	if err := s.notifier.Notify(ctx, event); err != nil {
		logger.Warn("deployment notification failed", "kind", kind, "error", err)
	}
}

func (s Service) publishEnd(ctx context.Context, deploymentID string) {
	if s.broker == nil {
		return
	}
	status := ""
	if d, err := s.deployments.GetDeploymentByID(ctx, deploymentID); err == nil {
		status = d.Status
	}
	publish(ctx, s.broker, queue.LogChannel(deploymentID), LogMessage{Event: EventEnd, Status: status, Time: s.now()}, s.logger)
}

// Cancel flags an active deployment cancelled and interrupts the worker
// executing it.
func (s Service) Cancel(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	applied, err := s.deployments.TransitionDeployment(ctx, d.ID, domain.DeploymentCancelled,
		domain.DeploymentQueued, domain.DeploymentBuilding, domain.DeploymentDeploying)
	if err != nil {
		return nil, err
	}
	if !applied {
		if current, err := s.deployments.GetDeploymentByID(ctx, d.ID); err == nil {
			d = current
		}
		return nil, domain.Preconditionf("deployment %s is %s and cannot be cancelled", d.ID, d.Status)
	}
	s.interrupt(d.ID)
	if s.broker != nil {
		if err := s.broker.Publish(ctx, queue.CancelChannel, []byte(d.ID)); err != nil {
			s.logger.Warn("publish cancellation failed", "deployment_id", d.ID, "error", err)
		}
	}
	s.logger.Info("deployment cancelled", "deployment_id", d.ID, "project_id", d.ProjectID, "previous_status", d.Status)
	return s.deployments.GetDeploymentByID(ctx, d.ID)
}

func (s Service) interrupt(deploymentID string) bool {
	value, ok := s.running.Load(deploymentID)
	if !ok {
		return false
	}
	value.(context.CancelFunc)()
	return true
}

// ListenCancellations interrupts local executions when another process
// publishes a cancellation. It blocks until ctx ends.
func (s Service) ListenCancellations(ctx context.Context) error {
	if s.broker == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	msgs, stop, err := s.broker.Subscribe(ctx, queue.CancelChannel)
	if err != nil {
		return err
	}
	defer stop()
	for msg := range msgs {
		id := string(msg)
		if s.interrupt(id) {
			s.logger.Info("interrupting cancelled deployment", "deployment_id", id)
		}
	}
	return ctx.Err()
}

// Get returns a deployment.
func (s Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListByProject returns recent deployments for a project.
func (s Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// Logs holds the stored output of a deployment.
type Logs struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	BuildLog     string `json:"build_log"`
	DeployLog    string `json:"deploy_log"`
}

// Logs returns the stored build and deploy logs.
func (s Service) Logs(ctx context.Context, deploymentID string) (Logs, error) {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return Logs{}, err
	}
	return Logs{DeploymentID: d.ID, Status: d.Status, BuildLog: d.BuildLog, DeployLog: d.DeployLog}, nil
}

// ContainerName returns the production container name of a project.
func ContainerName(slug string) string {
	return "peep-" + slug
}

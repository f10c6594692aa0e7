package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/internal/service/preview"
	"github.com/splax/localvercel/pkg/crypto"
)

var (
	// ErrUnknownSecret is returned when no project owns the path secret.
	ErrUnknownSecret = errors.New("unknown webhook secret")
	// ErrInvalidSignature is returned when X-Hub-Signature-256 does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

const signaturePrefix = "sha256="

// Deployer starts production deployments.
type Deployer interface {
	Trigger(ctx context.Context, req deploy.TriggerRequest) (*domain.Deployment, error)
}

// Previewer manages pull request previews.
type Previewer interface {
	Open(ctx context.Context, req preview.OpenRequest) (*domain.PreviewDeployment, error)
	Close(ctx context.Context, projectID string, prNumber int) (*domain.PreviewDeployment, error)
}

// Service routes repository host events to deployments and previews.
type Service struct {
	projects repository.ProjectRepository
	box      *crypto.Box
	deployer Deployer
	previews Previewer
	logger   *slog.Logger
}

// New constructs a webhook service.
func New(projects repository.ProjectRepository, box *crypto.Box, deployer Deployer, previews Previewer, logger *slog.Logger) Service {
	return Service{projects: projects, box: box, deployer: deployer, previews: previews, logger: logger.With("component", "webhook")}
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Secret     string
	Event      string
	DeliveryID string
	Signature  string
	Body       []byte
}

// Result describes how a delivery was handled.
type Result struct {
	Ignored      bool
	Message      string
	DeploymentID string
	PreviewID    string
}

func ignored(format string, args ...any) Result {
	return Result{Ignored: true, Message: fmt.Sprintf(format, args...)}
}

// Handle authenticates a delivery against the project owning its path secret
// and dispatches it by event type.
func (s Service) Handle(ctx context.Context, d Delivery) (Result, error) {
	project, err := s.authenticate(ctx, d)
	if err != nil {
		return Result{}, err
	}
	logger := s.logger.With("project_id", project.ID, "event", d.Event, "delivery_id", d.DeliveryID)

	switch d.Event {
	case "ping":
		return Result{Message: "pong"}, nil
	case "push":
		return s.handlePush(ctx, *project, d.Body, logger)
	case "pull_request":
		return s.handlePullRequest(ctx, *project, d.Body, logger)
	default:
		logger.Debug("ignoring webhook event")
		return ignored("event %q ignored", d.Event), nil
	}
}

func (s Service) authenticate(ctx context.Context, d Delivery) (*domain.Project, error) {
	secret := strings.TrimSpace(d.Secret)
	if secret == "" {
		return nil, ErrUnknownSecret
	}
	project, err := s.projects.GetProjectByWebhookSecretHash(ctx, crypto.HashToken(secret))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownSecret
	}
	if err != nil {
		return nil, err
	}
	if d.Signature == "" {
		return project, nil
	}
	if len(project.WebhookSigningSecret) == 0 || s.box == nil {
		return nil, ErrInvalidSignature
	}
	key, err := s.box.Open(project.WebhookSigningSecret)
	if err != nil {
		return nil, fmt.Errorf("open signing secret: %w", err)
	}
	if err := ValidateSignature(d.Body, []byte(key), d.Signature); err != nil {
		s.logger.Warn("webhook signature mismatch", "project_id", project.ID, "delivery_id", d.DeliveryID)
		return nil, err
	}
	return project, nil
}

// ValidateSignature checks a sha256=<hex> HMAC of payload.
func ValidateSignature(payload, secret []byte, provided string) error {
	if !strings.HasPrefix(provided, signaturePrefix) {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value for payload.
func Sign(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

type commit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type pushEvent struct {
	Ref        string   `json:"ref"`
	After      string   `json:"after"`
	Deleted    bool     `json:"deleted"`
	HeadCommit *commit  `json:"head_commit"`
	Commits    []commit `json:"commits"`
}

const zeroSHA = "0000000000000000000000000000000000000000"

func (s Service) handlePush(ctx context.Context, project domain.Project, body []byte, logger *slog.Logger) (Result, error) {
	if !project.AutoDeployEnabled {
		return ignored("auto deploy disabled"), nil
	}
	if project.ServerID == "" {
		return ignored("project has no server assigned"), nil
	}
	var event pushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return Result{}, domain.Preconditionf("invalid push payload: %v", err)
	}
	branch, ok := strings.CutPrefix(event.Ref, "refs/heads/")
	if !ok || branch != project.Branch {
		return ignored("push to %q does not match branch %q", event.Ref, project.Branch), nil
	}
	sha := strings.TrimSpace(event.After)
	if sha == zeroSHA {
		sha = ""
	}
	if event.Deleted || (len(event.Commits) == 0 && sha == "") {
		return ignored("push has no commits to deploy"), nil
	}
	message := ""
	if event.HeadCommit != nil {
		message = event.HeadCommit.Message
		if sha == "" {
			sha = event.HeadCommit.ID
		}
	} else if n := len(event.Commits); n > 0 {
		message = event.Commits[n-1].Message
		if sha == "" {
			sha = event.Commits[n-1].ID
		}
	}

	d, err := s.deployer.Trigger(ctx, deploy.TriggerRequest{
		ProjectID:     project.ID,
		Trigger:       domain.TriggerGitPush,
		Branch:        branch,
		CommitHash:    sha,
		CommitMessage: firstLine(message),
	})
	if err != nil {
		return Result{}, err
	}
	logger.Info("push deployment queued", "deployment_id", d.ID, "commit", sha)
	return Result{Message: "deployment queued", DeploymentID: d.ID}, nil
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title string `json:"title"`
		Head  struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
}

func (s Service) handlePullRequest(ctx context.Context, project domain.Project, body []byte, logger *slog.Logger) (Result, error) {
	if !project.PreviewDeploymentsEnabled {
		return ignored("preview deployments disabled"), nil
	}
	var event pullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return Result{}, domain.Preconditionf("invalid pull_request payload: %v", err)
	}
	if event.Number <= 0 {
		return Result{}, domain.Preconditionf("pull_request payload has no number")
	}

	switch event.Action {
	case "opened", "synchronize", "reopened":
		if project.ServerID == "" {
			return ignored("project has no server assigned"), nil
		}
		p, err := s.previews.Open(ctx, preview.OpenRequest{
			ProjectID:  project.ID,
			PRNumber:   event.Number,
			Title:      event.PullRequest.Title,
			HeadBranch: event.PullRequest.Head.Ref,
			CommitHash: event.PullRequest.Head.SHA,
		})
		if err != nil {
			return Result{}, err
		}
		logger.Info("preview queued", "preview_id", p.ID, "pr", event.Number, "action", event.Action)
		return Result{Message: "preview queued", PreviewID: p.ID}, nil
	case "closed":
		p, err := s.previews.Close(ctx, project.ID, event.Number)
		if errors.Is(err, repository.ErrNotFound) {
			return ignored("no open preview for pull request #%d", event.Number), nil
		}
		if err != nil {
			return Result{}, err
		}
		logger.Info("preview closed", "preview_id", p.ID, "pr", event.Number)
		return Result{Message: "preview destroyed", PreviewID: p.ID}, nil
	default:
		return ignored("pull_request action %q ignored", event.Action), nil
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

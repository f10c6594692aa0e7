// Package notify delivers deployment outcome notifications to collaborators
// outside the orchestration core.
package notify

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/splax/localvercel/internal/domain"
)

// Event kinds.
const (
	KindDeploymentSucceeded = "deployment.succeeded"
	KindDeploymentFailed    = "deployment.failed"
)

// Event is the payload describing a finished deployment.
type Event struct {
	Kind         string    `json:"kind"`
	ProjectID    string    `json:"project_id"`
	ProjectName  string    `json:"project_name"`
	DeploymentID string    `json:"deployment_id"`
	Trigger      string    `json:"trigger"`
	Branch       string    `json:"branch"`
	CommitHash   string    `json:"commit_hash"`
	URL          string    `json:"url,omitempty"`
	Error        string    `json:"error,omitempty"`
	ActorID      string    `json:"actor_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewEvent builds an event for a deployment of project.
func NewEvent(kind string, project domain.Project, d domain.Deployment) Event {
	return Event{
		Kind:         kind,
		ProjectID:    project.ID,
		ProjectName:  project.Name,
		DeploymentID: d.ID,
		Trigger:      d.Trigger,
		Branch:       d.Branch,
		CommitHash:   d.CommitHash,
		URL:          d.URL,
		Error:        d.ErrorMessage,
		ActorID:      d.ActorID,
	}
}

// Notifier receives deployment outcomes. Implementations must not block for
// long; failures are logged by the caller and never change deployment state.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier that logs each event.
func NewLogNotifier(logger *slog.Logger) LogNotifier {
	return LogNotifier{logger: logger.With("component", "notify")}
}

func (n LogNotifier) Notify(_ context.Context, event Event) error {
	level := slog.LevelInfo
	if event.Kind == KindDeploymentFailed {
		level = slog.LevelWarn
	}
	n.logger.Log(context.Background(), level, "deployment notification",
		"kind", event.Kind,
		"project_id", event.ProjectID,
		"deployment_id", event.DeploymentID,
		"trigger", event.Trigger,
		"url", event.URL,
		"error", event.Error,
	)
	return nil
}

// Multi fans an event out to every notifier, joining their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

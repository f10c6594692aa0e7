package webhook

import (
	"context"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/remote/remotetest"
	"github.com/splax/localvercel/internal/repository/memory"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/pkg/crypto"
)

// A push to main with auto deploy on ends with the new deployment serving
// production once the worker has processed it.
func TestPushToMainReachesProduction(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := memory.New()
	_ = store.CreateServer(ctx, &domain.Server{ID: "srv-1", Name: "edge", Host: "h", Port: 22, Username: "u", AuthMethod: domain.AuthKey, Status: domain.ServerActive})
	if err := store.CreateProject(ctx, &domain.Project{
		ID:                "P",
		Name:              "P",
		Slug:              "p",
		RepoURL:           "https://example.com/p.git",
		Branch:            "main",
		ServerID:          "srv-1",
		AutoDeployEnabled: true,
		WebhookSecretHash: crypto.HashToken(pathSecret),
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	exec := remotetest.New()
	exec.On("git log", remotetest.Response{Stdout: "abc123\nfix\n"})
	exec.On("docker run", remotetest.Response{Stdout: "c1\n"})
	exec.On("docker inspect", remotetest.Response{Stdout: `[{"Id":"c1","State":{"Status":"running","Running":true}}]`})
	mgr := container.NewManager(exec, container.Timeouts{Health: time.Second}, "/srv/builds", logger)
	pipeline := deploy.NewPipeline(mgr, container.NewPortAllocator(store, mgr, 30000, 30010), deploy.Config{PollInterval: time.Millisecond}, logger)
	jobs := queue.NewMemoryQueue(3)
	deployments := deploy.New(store, store, store, jobs, queue.NewMemoryBroker(), pipeline, nil, logger)
	svc := New(store, nil, deployments, nil, logger)

	res, err := svc.Handle(ctx, Delivery{
		Secret: pathSecret,
		Event:  "push",
		Body:   []byte(`{"ref":"refs/heads/main","after":"abc123","head_commit":{"id":"abc123","message":"fix"},"commits":[{"id":"abc123","message":"fix"}]}`),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	queued, err := store.GetDeploymentByID(ctx, res.DeploymentID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if queued.Trigger != domain.TriggerGitPush || queued.CommitHash != "abc123" || queued.Status != domain.DeploymentQueued {
		t.Fatalf("unexpected queued deployment %+v", queued)
	}

	d, err := jobs.Dequeue(ctx)
	if err != nil || d == nil {
		t.Fatalf("dequeue: %v %v", d, err)
	}
	if err := deployments.HandleExecute(ctx, d.Job); err != nil {
		t.Fatalf("execute: %v", err)
	}
	_ = d.Ack(ctx)

	done, _ := store.GetDeploymentByID(ctx, res.DeploymentID)
	if done.Status != domain.DeploymentSuccess || !done.IsCurrentProduction {
		t.Fatalf("expected success in production, got %s (%s)", done.Status, done.ErrorMessage)
	}
}

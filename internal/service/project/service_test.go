package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/remote/remotetest"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/repository/memory"
	"github.com/splax/localvercel/pkg/crypto"
)

type destroyRecorder struct {
	destroyed []string
}

func (d *destroyRecorder) Destroy(_ context.Context, db domain.Database) error {
	d.destroyed = append(d.destroyed, db.ID)
	return nil
}

type fixture struct {
	store *memory.Store
	exec  *remotetest.Executor
	jobs  *queue.MemoryQueue
	ports *container.PortAllocator
	box   *crypto.Box
	dbs   *destroyRecorder
	svc   Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	box, err := crypto.NewBox("unit-test-key")
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	f := &fixture{store: memory.New(), exec: remotetest.New(), jobs: queue.NewMemoryQueue(3), box: box, dbs: &destroyRecorder{}}
	if err := f.store.CreateServer(context.Background(), &domain.Server{ID: "srv-1", Name: "edge-1", Host: "10.0.0.5", Port: 22, Status: domain.ServerActive}); err != nil {
		t.Fatalf("create server: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := container.NewManager(f.exec, container.Timeouts{}, "", log)
	f.ports = container.NewPortAllocator(f.store, mgr, 20000, 20010)
	f.svc = New(f.store, f.jobs, mgr, f.ports, f.dbs, box, log)
	return f
}

func TestCreateIssuesSecretsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, CreateInput{Name: "My Shop!", RepoURL: "https://github.com/acme/shop.git", ServerID: "srv-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p := created.Project
	if p.Slug != "my-shop" || p.RepoFullName != "acme/shop" || p.Branch != "main" || p.AppPort != 3000 || !p.AutoDeployEnabled {
		t.Fatalf("unexpected defaults %+v", p)
	}
	if created.WebhookSecret == "" || created.SigningSecret == "" {
		t.Fatalf("expected secrets to be returned")
	}
	byHash, err := f.store.GetProjectByWebhookSecretHash(ctx, crypto.HashToken(created.WebhookSecret))
	if err != nil || byHash.ID != p.ID {
		t.Fatalf("expected lookup by secret hash, got %v", err)
	}
	if byHash.WebhookSecretHash == created.WebhookSecret {
		t.Fatalf("path secret stored in plaintext")
	}
	signing, err := f.box.Open(byHash.WebhookSigningSecret)
	if err != nil || signing != created.SigningSecret {
		t.Fatalf("signing secret did not round trip: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]CreateInput{
		"name":   {RepoURL: "https://github.com/acme/shop", ServerID: "srv-1"},
		"repo":   {Name: "shop", ServerID: "srv-1"},
		"server": {Name: "shop", RepoURL: "https://github.com/acme/shop", ServerID: "srv-404"},
		"branch": {Name: "shop", RepoURL: "https://github.com/acme/shop", ServerID: "srv-1", Branch: "--upload-pack=x"},
		"port":   {Name: "shop", RepoURL: "https://github.com/acme/shop", ServerID: "srv-1", AppPort: 70000},
		"env":    {Name: "shop", RepoURL: "https://github.com/acme/shop", ServerID: "srv-1", EnvVars: map[string]string{"BAD KEY": "x"}},
		"docker": {Name: "shop", RepoURL: "https://github.com/acme/shop", ServerID: "srv-1", Dockerfile: "../Dockerfile"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), in)
			var pre *domain.PreconditionError
			if !errors.As(err, &pre) {
				t.Fatalf("expected precondition error, got %v", err)
			}
		})
	}
}

func TestDuplicateSlugRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := CreateInput{Name: "shop", RepoURL: "https://github.com/acme/shop", ServerID: "srv-1"}
	if _, err := f.svc.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := f.svc.Create(ctx, in)
	var pre *domain.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestRotateWebhookSecretInvalidatesOld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, _ := f.svc.Create(ctx, CreateInput{Name: "shop", RepoURL: "https://github.com/acme/shop", ServerID: "srv-1"})

	rotated, err := f.svc.RotateWebhookSecret(ctx, created.Project.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.WebhookSecret == created.WebhookSecret {
		t.Fatalf("expected a new secret")
	}
	if _, err := f.store.GetProjectByWebhookSecretHash(ctx, crypto.HashToken(created.WebhookSecret)); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("old secret still resolves: %v", err)
	}
	if _, err := f.store.GetProjectByWebhookSecretHash(ctx, crypto.HashToken(rotated.WebhookSecret)); err != nil {
		t.Fatalf("new secret does not resolve: %v", err)
	}
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, _ := f.svc.Create(ctx, CreateInput{Name: "shop", RepoURL: "https://github.com/acme/shop", ServerID: "srv-1"})

	branch, off, previews := "release", false, true
	updated, err := f.svc.Update(ctx, created.Project.ID, UpdateInput{Branch: &branch, AutoDeploy: &off, Previews: &previews})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Branch != "release" || updated.AutoDeployEnabled || !updated.PreviewDeploymentsEnabled {
		t.Fatalf("unexpected project %+v", updated)
	}

	bad := "../x"
	if _, err := f.svc.Update(ctx, created.Project.ID, UpdateInput{Branch: &bad}); err == nil {
		t.Fatalf("expected invalid branch to be rejected")
	}
}

func TestDeleteRejectedWhileDeploying(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, _ := f.svc.Create(ctx, CreateInput{Name: "shop", RepoURL: "https://github.com/acme/shop", ServerID: "srv-1"})
	if err := f.store.CreateDeployment(ctx, &domain.Deployment{ID: "dep-1", ProjectID: created.Project.ID, Trigger: domain.TriggerManual, Status: domain.DeploymentBuilding, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create deployment: %v", err)
	}

	err := f.svc.Delete(ctx, created.Project.ID)
	var pre *domain.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if len(f.jobs.Pending()) != 0 {
		t.Fatalf("cleanup must not be queued")
	}
}

func TestDeleteTearsDownEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, _ := f.svc.Create(ctx, CreateInput{Name: "shop", RepoURL: "https://github.com/acme/shop", ServerID: "srv-1"})
	p := created.Project
	server, _ := f.store.GetServerByID(ctx, "srv-1")

	if _, err := f.ports.Reserve(ctx, *server, domain.PortOwnerProject, p.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	pr := &domain.PreviewDeployment{ID: "prev-1", ProjectID: p.ID, PRNumber: 7, Status: domain.PreviewActive}
	if err := f.store.UpsertOpenPreview(ctx, pr); err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := f.ports.Reserve(ctx, *server, domain.PortOwnerPreview, pr.ID); err != nil {
		t.Fatalf("reserve preview: %v", err)
	}
	if err := f.store.CreateDatabase(ctx, &domain.Database{ID: "db-1", ProjectID: p.ID, ServerID: "srv-1", Name: "app", Engine: domain.EnginePostgres, Status: domain.DatabaseRunning}); err != nil {
		t.Fatalf("database: %v", err)
	}

	if err := f.svc.Delete(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	d, err := f.jobs.Dequeue(ctx)
	if err != nil || d == nil || d.Job.Type != queue.TypeProjectCleanup || d.Job.Key != p.ID {
		t.Fatalf("expected cleanup job, got %+v %v", d, err)
	}
	if err := f.svc.HandleCleanup(ctx, d.Job); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, err := f.store.GetProjectByID(ctx, p.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected project to be deleted")
	}
	if f.exec.Count("docker rm -f peep-shop-pr-7") != 1 || f.exec.Count("docker rm -f peep-shop") == 0 {
		t.Fatalf("expected containers to be removed, calls %v", f.exec.Calls())
	}
	if len(f.dbs.destroyed) != 1 {
		t.Fatalf("expected database teardown")
	}
	if ports, _ := f.store.ListReservedPorts(ctx, "srv-1"); len(ports) != 0 {
		t.Fatalf("expected ports to be released, got %v", ports)
	}

	if err := f.svc.HandleCleanup(ctx, d.Job); err != nil {
		t.Fatalf("repeated cleanup should be a no-op: %v", err)
	}
}

func TestRepoFullName(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/shop.git": "acme/shop",
		"git@github.com:acme/shop.git":     "acme/shop",
		"https://example.com/a/b/c":        "",
	}
	for in, want := range cases {
		if got := RepoFullName(in); got != want {
			t.Fatalf("RepoFullName(%q) = %q, want %q", in, got, want)
		}
	}
}

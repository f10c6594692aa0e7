package webhook

import (
	"context"
	"errors"
	"io"
	"testing"

	"log/slog"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/repository/memory"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/internal/service/preview"
	"github.com/splax/localvercel/pkg/crypto"
)

type stubDeployer struct {
	requests []deploy.TriggerRequest
	err      error
}

func (s *stubDeployer) Trigger(_ context.Context, req deploy.TriggerRequest) (*domain.Deployment, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.requests = append(s.requests, req)
	return &domain.Deployment{ID: "dep-1", ProjectID: req.ProjectID, Trigger: req.Trigger, CommitHash: req.CommitHash, Status: domain.DeploymentQueued}, nil
}

type stubPreviews struct {
	open   map[int]*domain.PreviewDeployment
	opened []preview.OpenRequest
	closed []int
}

func (s *stubPreviews) Open(_ context.Context, req preview.OpenRequest) (*domain.PreviewDeployment, error) {
	s.opened = append(s.opened, req)
	if p, ok := s.open[req.PRNumber]; ok {
		p.CommitHash = req.CommitHash
		return p, nil
	}
	p := &domain.PreviewDeployment{ID: "pv-" + req.CommitHash, ProjectID: req.ProjectID, PRNumber: req.PRNumber, CommitHash: req.CommitHash, Status: domain.PreviewPending}
	s.open[req.PRNumber] = p
	return p, nil
}

func (s *stubPreviews) Close(_ context.Context, _ string, number int) (*domain.PreviewDeployment, error) {
	p, ok := s.open[number]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(s.open, number)
	s.closed = append(s.closed, number)
	p.Status = domain.PreviewDestroyed
	return p, nil
}

const (
	pathSecret    = "path-secret-1"
	signingSecret = "signing-secret-1"
)

type fixture struct {
	deployer *stubDeployer
	previews *stubPreviews
	svc      Service
}

func newFixture(t *testing.T, mutate ...func(*domain.Project)) *fixture {
	t.Helper()
	ctx := context.Background()
	box, err := crypto.NewBox("test-encryption-key")
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	sealed, err := box.Seal(signingSecret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	store := memory.New()
	if err := store.CreateServer(ctx, &domain.Server{ID: "srv-1", Name: "edge", Host: "h", Port: 22, Username: "u", AuthMethod: domain.AuthKey, Status: domain.ServerActive}); err != nil {
		t.Fatalf("create server: %v", err)
	}
	project := domain.Project{
		ID:                        "proj-1",
		Name:                      "P",
		Slug:                      "p",
		Branch:                    "main",
		ServerID:                  "srv-1",
		AutoDeployEnabled:         true,
		PreviewDeploymentsEnabled: true,
		WebhookSecretHash:         crypto.HashToken(pathSecret),
		WebhookSigningSecret:      sealed,
	}
	for _, fn := range mutate {
		fn(&project)
	}
	if err := store.CreateProject(ctx, &project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	f := &fixture{deployer: &stubDeployer{}, previews: &stubPreviews{open: map[int]*domain.PreviewDeployment{}}}
	f.svc = New(store, box, f.deployer, f.previews, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	return f
}

func (f *fixture) deliver(t *testing.T, event, body string) Result {
	t.Helper()
	res, err := f.svc.Handle(context.Background(), Delivery{
		Secret:    pathSecret,
		Event:     event,
		Signature: Sign([]byte(body), []byte(signingSecret)),
		Body:      []byte(body),
	})
	if err != nil {
		t.Fatalf("handle %s: %v", event, err)
	}
	return res
}

func TestUnknownSecretRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Handle(context.Background(), Delivery{Secret: "nope", Event: "ping", Body: []byte(`{}`)})
	if !errors.Is(err, ErrUnknownSecret) {
		t.Fatalf("expected ErrUnknownSecret, got %v", err)
	}
	_, err = f.svc.Handle(context.Background(), Delivery{Event: "ping", Body: []byte(`{}`)})
	if !errors.Is(err, ErrUnknownSecret) {
		t.Fatalf("expected ErrUnknownSecret for empty secret, got %v", err)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"ref":"refs/heads/main","after":"abc123","commits":[{"id":"abc123"}]}`)
	for _, sig := range []string{
		Sign(body, []byte("wrong")),
		"sha1=deadbeef",
		Sign([]byte(`{"ref":"refs/heads/other"}`), []byte(signingSecret)),
	} {
		_, err := f.svc.Handle(context.Background(), Delivery{Secret: pathSecret, Event: "push", Signature: sig, Body: body})
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("signature %q: expected ErrInvalidSignature, got %v", sig, err)
		}
	}
	if len(f.deployer.requests) != 0 {
		t.Fatalf("rejected deliveries must not trigger deployments")
	}
}

func TestUnsignedDeliveryAccepted(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Handle(context.Background(), Delivery{Secret: pathSecret, Event: "ping", Body: []byte(`{"zen":"hi"}`)})
	if err != nil || res.Ignored {
		t.Fatalf("expected ping to be acknowledged, got %+v %v", res, err)
	}
}

func TestPushTriggersDeployment(t *testing.T) {
	f := newFixture(t)
	res := f.deliver(t, "push", `{"ref":"refs/heads/main","after":"abc123","head_commit":{"id":"abc123","message":"fix checkout\n\nlong body"},"commits":[{"id":"abc123","message":"fix checkout"}]}`)

	if res.Ignored || res.DeploymentID != "dep-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.deployer.requests) != 1 {
		t.Fatalf("expected one deployment, got %d", len(f.deployer.requests))
	}
	req := f.deployer.requests[0]
	if req.Trigger != domain.TriggerGitPush || req.CommitHash != "abc123" || req.Branch != "main" || req.CommitMessage != "fix checkout" {
		t.Fatalf("unexpected trigger request %+v", req)
	}
}

func TestPushIgnoredCases(t *testing.T) {
	cases := map[string]struct {
		mutate func(*domain.Project)
		body   string
	}{
		"other branch":      {body: `{"ref":"refs/heads/develop","after":"abc","commits":[{"id":"abc"}]}`},
		"prefix branch":     {body: `{"ref":"refs/heads/main-old","after":"abc","commits":[{"id":"abc"}]}`},
		"tag":               {body: `{"ref":"refs/tags/main","after":"abc","commits":[{"id":"abc"}]}`},
		"branch deleted":    {body: `{"ref":"refs/heads/main","after":"0000000000000000000000000000000000000000","deleted":true,"commits":[]}`},
		"no commits or sha": {body: `{"ref":"refs/heads/main","after":"","commits":[]}`},
		"no server assigned": {
			mutate: func(p *domain.Project) { p.ServerID = "" },
			body:   `{"ref":"refs/heads/main","after":"abc","commits":[{"id":"abc"}]}`,
		},
		"auto deploy off": {
			mutate: func(p *domain.Project) { p.AutoDeployEnabled = false },
			body:   `{"ref":"refs/heads/main","after":"abc","commits":[{"id":"abc"}]}`,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var f *fixture
			if tc.mutate != nil {
				f = newFixture(t, tc.mutate)
			} else {
				f = newFixture(t)
			}
			res := f.deliver(t, "push", tc.body)
			if !res.Ignored {
				t.Fatalf("expected ignored, got %+v", res)
			}
			if len(f.deployer.requests) != 0 {
				t.Fatalf("expected no deployment")
			}
		})
	}
}

func TestPullRequestLifecycle(t *testing.T) {
	f := newFixture(t)

	opened := f.deliver(t, "pull_request", `{"action":"opened","number":12,"pull_request":{"title":"Banner","head":{"ref":"feature","sha":"aaa111"}}}`)
	synced := f.deliver(t, "pull_request", `{"action":"synchronize","number":12,"pull_request":{"title":"Banner","head":{"ref":"feature","sha":"bbb222"}}}`)
	if opened.PreviewID == "" || synced.PreviewID != opened.PreviewID {
		t.Fatalf("expected synchronize to reuse preview %q, got %q", opened.PreviewID, synced.PreviewID)
	}
	if got := f.previews.opened[1]; got.CommitHash != "bbb222" || got.HeadBranch != "feature" || got.Title != "Banner" {
		t.Fatalf("unexpected open request %+v", got)
	}

	closed := f.deliver(t, "pull_request", `{"action":"closed","number":12,"pull_request":{"head":{"ref":"feature","sha":"bbb222"}}}`)
	if closed.PreviewID != opened.PreviewID || len(f.previews.closed) != 1 {
		t.Fatalf("expected preview to be destroyed, got %+v", closed)
	}
	again := f.deliver(t, "pull_request", `{"action":"closed","number":12}`)
	if !again.Ignored {
		t.Fatalf("expected second close to be ignored")
	}
	labeled := f.deliver(t, "pull_request", `{"action":"labeled","number":12}`)
	if !labeled.Ignored {
		t.Fatalf("expected unhandled action to be ignored")
	}
}

func TestPullRequestIgnoredWhenPreviewsDisabled(t *testing.T) {
	f := newFixture(t, func(p *domain.Project) { p.PreviewDeploymentsEnabled = false })
	res := f.deliver(t, "pull_request", `{"action":"opened","number":1,"pull_request":{"head":{"ref":"x","sha":"y"}}}`)
	if !res.Ignored || len(f.previews.opened) != 0 {
		t.Fatalf("expected ignored, got %+v", res)
	}
}

func TestPullRequestIgnoredWithoutServer(t *testing.T) {
	f := newFixture(t, func(p *domain.Project) { p.ServerID = "" })
	res := f.deliver(t, "pull_request", `{"action":"opened","number":1,"pull_request":{"head":{"ref":"x","sha":"y"}}}`)
	if !res.Ignored || len(f.previews.opened) != 0 {
		t.Fatalf("expected ignored, got %+v", res)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	f := newFixture(t)
	if res := f.deliver(t, "issues", `{}`); !res.Ignored {
		t.Fatalf("expected ignored, got %+v", res)
	}
}

func TestMalformedPushIsPrecondition(t *testing.T) {
	f := newFixture(t)
	body := `{"ref":`
	_, err := f.svc.Handle(context.Background(), Delivery{Secret: pathSecret, Event: "push", Signature: Sign([]byte(body), []byte(signingSecret)), Body: []byte(body)})
	var pre *domain.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

package logs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/remote/remotetest"
	"github.com/splax/localvercel/internal/repository/memory"
	"github.com/splax/localvercel/internal/service/deploy"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	data   [][]byte
	closed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{})}
}

func (r *recorder) Event(name string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
	r.data = append(r.data, append([]byte(nil), payload...))
	return nil
}

func (r *recorder) Send(payload []byte) error {
	return r.Event("", payload)
}

func (r *recorder) Close() {
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) payloads() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.data...)
}

type fixture struct {
	store  *memory.Store
	exec   *remotetest.Executor
	broker *queue.MemoryBroker
	svc    Service
}

func newFixture(t *testing.T, containerID *string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memory.New(), exec: remotetest.New(), broker: queue.NewMemoryBroker()}
	if err := f.store.CreateServer(ctx, &domain.Server{ID: "srv-1", Name: "edge-1", Host: "10.0.0.5", Status: domain.ServerActive}); err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := f.store.CreateProject(ctx, &domain.Project{ID: "proj-1", Name: "Shop", Slug: "shop", ServerID: "srv-1", WebhookSecretHash: "h", ContainerID: containerID}); err != nil {
		t.Fatalf("project: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := container.NewManager(f.exec, container.Timeouts{}, "", log)
	f.svc = New(f.store, f.store, f.store, mgr, f.broker, nil, log)
	return f
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestContainerStreamWithoutContainer(t *testing.T) {
	f := newFixture(t, nil)
	stream, err := f.svc.OpenContainer(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := newRecorder()
	if err := stream.Run(context.Background(), 0, rec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := rec.names(); !equal(got, []string{EventConnected, EventEnd}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestContainerStreamStoppedContainer(t *testing.T) {
	id := "cid-1"
	f := newFixture(t, &id)
	f.exec.On("docker inspect", remotetest.Response{Stdout: `[{"Id":"cid-1","State":{"Status":"exited","Running":false}}]`})
	stream, _ := f.svc.OpenContainer(context.Background(), "proj-1")
	rec := newRecorder()
	if err := stream.Run(context.Background(), 10, rec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := rec.names(); !equal(got, []string{EventConnected, EventEnd}) {
		t.Fatalf("unexpected events %v", got)
	}
	if f.exec.Count("docker logs") != 0 {
		t.Fatalf("stopped container must not be tailed")
	}
}

func TestContainerStreamEmitsLines(t *testing.T) {
	id := "cid-1"
	f := newFixture(t, &id)
	f.exec.On("docker inspect", remotetest.Response{Stdout: `[{"Id":"cid-1","State":{"Status":"running","Running":true}}]`})
	f.exec.On("docker logs", remotetest.Response{Stdout: "listening on 3000\nGET / 200\n"})
	stream, _ := f.svc.OpenContainer(context.Background(), "proj-1")
	rec := newRecorder()
	if err := stream.Run(context.Background(), 50, rec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := rec.names(); !equal(got, []string{EventConnected, EventLog, EventLog, EventEnd}) {
		t.Fatalf("unexpected events %v", got)
	}
	var line struct {
		Line string `json:"line"`
	}
	if err := json.Unmarshal(rec.payloads()[1], &line); err != nil || line.Line != "listening on 3000" {
		t.Fatalf("unexpected log payload %s", rec.payloads()[1])
	}
}

func TestClampTail(t *testing.T) {
	if ClampTail(0) != defaultTail || ClampTail(-5) != defaultTail || ClampTail(1_000_000) != maxTail || ClampTail(20) != 20 {
		t.Fatalf("unexpected tail clamping")
	}
}

func TestFollowFinishedDeploymentSendsEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.store.CreateDeployment(ctx, &domain.Deployment{ID: "dep-1", ProjectID: "proj-1", Trigger: domain.TriggerManual, Status: domain.DeploymentFailed, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("deployment: %v", err)
	}
	rec := newRecorder()
	if err := f.svc.Follow(ctx, "dep-1", rec); err != nil {
		t.Fatalf("follow: %v", err)
	}
	var msg deploy.LogMessage
	if p := rec.payloads(); len(p) != 1 || json.Unmarshal(p[0], &msg) != nil || msg.Event != deploy.EventEnd || msg.Status != domain.DeploymentFailed {
		t.Fatalf("expected a single end message, got %q", p)
	}
}

func TestFollowRelaysLiveLines(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.store.CreateDeployment(ctx, &domain.Deployment{ID: "dep-1", ProjectID: "proj-1", Trigger: domain.TriggerManual, Status: domain.DeploymentBuilding, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("deployment: %v", err)
	}
	rec := newRecorder()
	done := make(chan error, 1)
	go func() { done <- f.svc.Follow(ctx, "dep-1", rec) }()

	channel := queue.LogChannel("dep-1")
	deadline := time.After(2 * time.Second)
	for f.broker.Subscribers(channel) == 0 {
		select {
		case <-deadline:
			t.Fatalf("relay never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	line, _ := json.Marshal(deploy.LogMessage{Event: deploy.EventLog, Stream: "build", Line: "npm run build"})
	end, _ := json.Marshal(deploy.LogMessage{Event: deploy.EventEnd, Status: domain.DeploymentSuccess})
	_ = f.broker.Publish(ctx, channel, line)
	_ = f.broker.Publish(ctx, channel, end)

	select {
	case <-rec.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("client was not closed after the end message")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow: %v", err)
	}
	if p := rec.payloads(); len(p) != 2 {
		t.Fatalf("expected line and end, got %q", p)
	}
	if f.svc.Hub().Count("dep-1") != 0 {
		t.Fatalf("expected hub to be empty")
	}
}

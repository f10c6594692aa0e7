package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/notify"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/remote/remotetest"
	"github.com/splax/localvercel/internal/repository/memory"
	"github.com/splax/localvercel/internal/scm"
	"github.com/splax/localvercel/internal/service/backup"
	"github.com/splax/localvercel/internal/service/database"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/internal/service/logs"
	"github.com/splax/localvercel/internal/service/preview"
	"github.com/splax/localvercel/internal/service/project"
	"github.com/splax/localvercel/internal/service/server"
	"github.com/splax/localvercel/internal/service/webhook"
	"github.com/splax/localvercel/pkg/crypto"
	jwtpkg "github.com/splax/localvercel/pkg/jwt"
)

const (
	testJWTSecret = "router-test-secret"
	pathSecret    = "path-secret-abc"
	signingSecret = "signing-secret-xyz"
)

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

type harness struct {
	store   *memory.Store
	exec    *remotetest.Executor
	jobs    *queue.MemoryQueue
	limiter *rateLimiterStub
	router  *Router
	token   string
	health  error
}

type harnessOption func(*Options)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	box, err := crypto.NewBox("router-test-key")
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	h := &harness{store: memory.New(), exec: remotetest.New(), jobs: queue.NewMemoryQueue(3), limiter: &rateLimiterStub{}}

	sealed, err := box.Seal(signingSecret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := h.store.CreateServer(ctx, &domain.Server{ID: "srv-1", Name: "edge-1", Host: "10.0.0.5", Port: 22, Username: "deploy", AuthMethod: domain.AuthKey, Status: domain.ServerActive}); err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := h.store.CreateProject(ctx, &domain.Project{
		ID:                   "proj-1",
		Name:                 "Shop",
		Slug:                 "shop",
		RepoURL:              "https://github.com/acme/shop.git",
		RepoFullName:         "acme/shop",
		Branch:               "main",
		AppPort:              3000,
		ServerID:             "srv-1",
		AutoDeployEnabled:    true,
		WebhookSecretHash:    crypto.HashToken(pathSecret),
		WebhookSigningSecret: sealed,
	}); err != nil {
		t.Fatalf("project: %v", err)
	}

	broker := queue.NewMemoryBroker()
	mgr := container.NewManager(h.exec, container.Timeouts{}, "/srv/builds", log)
	ports := container.NewPortAllocator(h.store, mgr, 25000, 25010)
	pipeline := deploy.NewPipeline(mgr, ports, deploy.Config{DomainSuffix: ".apps.test"}, log)
	deploySvc := deploy.New(h.store, h.store, h.store, h.jobs, broker, pipeline, notify.NewLogNotifier(log), log)
	previewSvc := preview.New(h.store, h.store, h.store, h.jobs, pipeline, scm.NewGitHub("", "", nil), log)
	backupSvc := backup.New(h.store, h.store, h.store, h.jobs, h.exec, box, "/srv/backups", backup.Timeouts{}, log)
	databaseSvc := database.New(h.store, h.store, h.store, h.jobs, mgr, ports, box, backupSvc, log)

	svc := Services{
		Servers:   server.New(h.store, h.exec, box, time.Second, log),
		Projects:  project.New(h.store, h.jobs, mgr, ports, databaseSvc, box, log),
		Deploy:    deploySvc,
		Previews:  previewSvc,
		Webhook:   webhook.New(h.store, box, deploySvc, previewSvc, log),
		Databases: databaseSvc,
		Backups:   backupSvc,
		Logs:      logs.New(h.store, h.store, h.store, mgr, broker, nil, log),
	}
	options := Options{
		JWTSecret:    testJWTSecret,
		Limiter:      h.limiter,
		LogHeartbeat: time.Hour,
		DBHealth:     func(context.Context) error { return h.health },
	}
	for _, fn := range opts {
		fn(&options)
	}
	h.router = NewRouter(log, svc, options)
	h.token, err = jwtpkg.GenerateToken("operator-1", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return h
}

func (h *harness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+h.token)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decodeBodyInto(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode payload %q: %v", rr.Body.String(), err)
	}
}

func (h *harness) deliver(t *testing.T, secret, event, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github/"+secret, strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func TestManagementRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/projects/proj-1", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rr.Code)
		}
	}

	forged, err := jwtpkg.GenerateToken("operator-1", "other-secret", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/projects/proj-1", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected forged token to be rejected, got %d", rr.Code)
	}

	if rr := h.do(t, http.MethodGet, "/projects/proj-1", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHealthzReportsDatabase(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	h.health = errors.New("connection refused")
	rr = h.do(t, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status string `json:"status"`
	}
	decodeBodyInto(t, rr, &payload)
	if payload.Status != "degraded" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("expected json 404, got %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}
}

func TestWebhookPushQueuesDeployment(t *testing.T) {
	h := newHarness(t)
	body := `{"ref":"refs/heads/main","after":"abc123","commits":[{"id":"abc123","message":"fix cart"}]}`
	rr := h.deliver(t, pathSecret, "push", body, webhook.Sign([]byte(body), []byte(signingSecret)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Message      string `json:"message"`
		DeploymentID string `json:"deployment_id"`
	}
	decodeBodyInto(t, rr, &payload)
	if payload.DeploymentID == "" {
		t.Fatalf("expected deployment id in %s", rr.Body.String())
	}
	d, err := h.store.GetDeploymentByID(context.Background(), payload.DeploymentID)
	if err != nil {
		t.Fatalf("deployment: %v", err)
	}
	if d.Trigger != domain.TriggerGitPush || d.CommitHash != "abc123" || d.Status != domain.DeploymentQueued {
		t.Fatalf("unexpected deployment %+v", d)
	}
	if pending := h.jobs.Pending(); len(pending) != 1 || pending[0].Key != "proj-1" {
		t.Fatalf("expected one job keyed by project, got %+v", pending)
	}
}

func TestWebhookRejections(t *testing.T) {
	h := newHarness(t)
	body := `{"ref":"refs/heads/main","after":"abc123","commits":[{"id":"abc123"}]}`

	if rr := h.deliver(t, "wrong-secret", "push", body, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown secret: expected 404, got %d", rr.Code)
	}
	if rr := h.deliver(t, pathSecret, "push", body, webhook.Sign([]byte(body), []byte("nope"))); rr.Code != http.StatusForbidden {
		t.Fatalf("bad signature: expected 403, got %d", rr.Code)
	}
	if len(h.jobs.Pending()) != 0 {
		t.Fatalf("rejected deliveries must not queue jobs")
	}

	rr := h.deliver(t, pathSecret, "release", `{}`, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ignored") {
		t.Fatalf("unrecognized event: expected 200 ignored, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := h.deliver(t, pathSecret, "ping", `{"zen":"ok"}`, ""); rr.Code != http.StatusOK {
		t.Fatalf("ping: expected 200, got %d", rr.Code)
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.WebhookBodyLimit = 16 })
	rr := h.deliver(t, pathSecret, "push", `{"ref":"refs/heads/main","after":"abc123"}`, "")
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestCreateProjectReturnsSecretsOnce(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/projects", `{"name":"Blog","repo_url":"https://github.com/acme/blog","server_id":"srv-1"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Project struct {
			ID   string `json:"id"`
			Slug string `json:"slug"`
		} `json:"project"`
		WebhookSecret string `json:"webhook_secret"`
		SigningSecret string `json:"signing_secret"`
	}
	decodeBodyInto(t, rr, &created)
	if created.Project.Slug != "blog" || created.WebhookSecret == "" || created.SigningSecret == "" {
		t.Fatalf("unexpected create response %s", rr.Body.String())
	}

	rr = h.do(t, http.MethodGet, "/projects/"+created.Project.ID, "")
	if strings.Contains(rr.Body.String(), created.WebhookSecret) || strings.Contains(rr.Body.String(), created.SigningSecret) {
		t.Fatalf("secrets must not be returned after creation")
	}

	if rr := h.do(t, http.MethodPost, "/projects", `{"name":"Blog","server_id":"srv-1","unknown":1}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown fields to be rejected, got %d", rr.Code)
	}
}

func TestTriggerDeployRecordsActor(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/projects/proj-1/deploy", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var d domain.Deployment
	decodeBodyInto(t, rr, &d)
	if d.Status != domain.DeploymentQueued || d.Trigger != domain.TriggerManual || d.ActorID != "operator-1" || d.Branch != "main" {
		t.Fatalf("unexpected deployment %+v", d)
	}

	if rr := h.do(t, http.MethodPost, "/projects/missing/deploy", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown project, got %d", rr.Code)
	}
}

func TestRollbackRejectsTargetWithoutImage(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateDeployment(context.Background(), &domain.Deployment{ID: "dep-old", ProjectID: "proj-1", Trigger: domain.TriggerManual, Status: domain.DeploymentSuccess, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("deployment: %v", err)
	}
	rr := h.do(t, http.MethodPost, "/deployments/dep-old/rollback", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "no image") {
		t.Fatalf("expected reason in body, got %s", rr.Body.String())
	}
	if len(h.jobs.Pending()) != 0 {
		t.Fatalf("rejected rollback must not queue a job")
	}
}

func TestDeleteProjectWhileDeploying(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateDeployment(context.Background(), &domain.Deployment{ID: "dep-1", ProjectID: "proj-1", Trigger: domain.TriggerManual, Status: domain.DeploymentBuilding, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("deployment: %v", err)
	}
	if rr := h.do(t, http.MethodDelete, "/projects/proj-1", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestDatabaseRoutesUseEnvelope(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/projects/proj-1/databases", `{"name":"app_db","engine":"oracle"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var failure envelope
	decodeBodyInto(t, rr, &failure)
	if failure.Success || failure.Error == "" {
		t.Fatalf("unexpected failure envelope %+v", failure)
	}

	rr = h.do(t, http.MethodPost, "/projects/proj-1/databases", `{"name":"app_db","engine":"postgres"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var ok struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    domain.Database `json:"data"`
	}
	decodeBodyInto(t, rr, &ok)
	if !ok.Success || ok.Data.Status != domain.DatabaseCreating || ok.Data.HostPort != 25000 {
		t.Fatalf("unexpected envelope %s", rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "password") {
		t.Fatalf("password must not be serialized: %s", rr.Body.String())
	}

	rr = h.do(t, http.MethodPost, "/databases/"+ok.Data.ID+"/backups", "")
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "running") {
		t.Fatalf("expected backup of a creating database to be refused, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestBackupDownloadStreamsArtifact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.CreateDatabase(ctx, &domain.Database{ID: "db-1", ProjectID: "proj-1", ServerID: "srv-1", Name: "app", Engine: "postgres", Status: domain.DatabaseRunning}); err != nil {
		t.Fatalf("database: %v", err)
	}
	if err := h.store.CreateBackup(ctx, &domain.Backup{ID: "bk-1", DatabaseID: "db-1", Status: domain.BackupCreating, Compression: domain.CompressionGzip, RetentionDays: 7, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := h.store.CompleteBackup(ctx, "bk-1", "/srv/backups/db-1/bk-1.sql.gz", 9, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	h.exec.On("cat /srv/backups/db-1/bk-1.sql.gz", remotetest.Response{Stdout: "dump-data"})

	rr := h.do(t, http.MethodGet, "/backups/bk-1/download", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Disposition"); got != `attachment; filename="bk-1.sql.gz"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if rr.Body.String() != "dump-data" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}

	rr = h.do(t, http.MethodGet, "/databases/db-1/backups", "")
	var list struct {
		Data []struct {
			ID   string `json:"id"`
			Size string `json:"size"`
		} `json:"data"`
	}
	decodeBodyInto(t, rr, &list)
	if len(list.Data) != 1 || list.Data[0].Size != "9B" {
		t.Fatalf("unexpected backup list %s", rr.Body.String())
	}
}

func TestRateLimitExceeded(t *testing.T) {
	h := newHarness(t)
	reset := time.Unix(1_950_000_000, 0)
	h.limiter.allowFn = func(string, int, time.Duration) rateDecision {
		return rateDecision{allowed: false, count: rateLimitUserRead + 1, windowEnd: reset}
	}
	rr := h.do(t, http.MethodGet, "/projects/proj-1", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" || rr.Header().Get("X-RateLimit-Reset") != "1950000000" {
		t.Fatalf("unexpected rate headers %v", rr.Header())
	}
	h.limiter.mu.Lock()
	defer h.limiter.mu.Unlock()
	if len(h.limiter.calls) != 1 || h.limiter.calls[0].key != "actor:operator-1" {
		t.Fatalf("expected per-actor key, got %+v", h.limiter.calls)
	}
}

func TestContainerLogsWithoutContainer(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/projects/proj-1/logs/stream?tail=10", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rr.Body.String()
	first := strings.Index(body, "event: connected")
	last := strings.Index(body, "event: end")
	if first < 0 || last < first {
		t.Fatalf("expected connected then end, got %q", body)
	}
}

func TestDeploymentLogsWebsocketFinished(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateDeployment(context.Background(), &domain.Deployment{ID: "dep-1", ProjectID: "proj-1", Trigger: domain.TriggerManual, Status: domain.DeploymentSuccess, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("deployment: %v", err)
	}
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/deployments/dep-1/logs?access_token=" + h.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg deploy.LogMessage
	if err := json.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Event != deploy.EventEnd || msg.Status != domain.DeploymentSuccess {
		t.Fatalf("unexpected message %+v", msg)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the socket")
	}
}

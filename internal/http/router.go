package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/localvercel/internal/service/backup"
	"github.com/splax/localvercel/internal/service/database"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/internal/service/logs"
	"github.com/splax/localvercel/internal/service/preview"
	"github.com/splax/localvercel/internal/service/project"
	"github.com/splax/localvercel/internal/service/server"
	"github.com/splax/localvercel/internal/service/webhook"
)

// Services groups the domain services exposed over HTTP.
type Services struct {
	Servers   server.Service
	Projects  project.Service
	Deploy    deploy.Service
	Previews  preview.Service
	Webhook   webhook.Service
	Databases database.Service
	Backups   backup.Service
	Logs      logs.Service
}

// Options tunes router behaviour.
type Options struct {
	JWTSecret        string
	WebhookBodyLimit int64
	LogTail          int
	LogHeartbeat     time.Duration
	Limiter          RateLimiter
	DBHealth         func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux              *http.ServeMux
	logger           *slog.Logger
	svc              Services
	upgrader         websocket.Upgrader
	limiter          RateLimiter
	jwtSecret        string
	webhookBodyLimit int64
	logTail          int
	logHeartbeat     time.Duration
	dbHealth         func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	webhookDeliveries  *prometheus.CounterVec
}

const (
	rateWindowDefault      = time.Minute
	rateWindowRealtime     = 30 * time.Second
	rateLimitWebhook       = 120
	rateLimitWebhookSource = 1200
	rateLimitUserWrite     = 60
	rateLimitUserRead      = 240
	rateLimitStream        = 30
	healthCheckTimeout     = 2 * time.Second

	defaultWebhookBodyLimit = 5 << 20
	defaultLogHeartbeat     = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, opts Options) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		svc:    svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:          opts.Limiter,
		jwtSecret:        opts.JWTSecret,
		webhookBodyLimit: opts.WebhookBodyLimit,
		logTail:          opts.LogTail,
		logHeartbeat:     opts.LogHeartbeat,
		dbHealth:         opts.DBHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.webhookBodyLimit <= 0 {
		r.webhookBodyLimit = defaultWebhookBodyLimit
	}
	if r.logHeartbeat <= 0 {
		r.logHeartbeat = defaultLogHeartbeat
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	write := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.requireAuth(r.limited(route, writePolicy, h)))
	}
	read := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.requireAuth(r.limited(route, readPolicy, h)))
	}
	stream := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.requireAuth(r.limited(route, streamPolicy, h)))
	}

	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("POST /webhooks/github/{webhookSecret}", r.audit(r.limited("webhook", webhookSourcePolicy, r.limited("webhook", webhookPolicy, r.handleWebhook))))

	r.mux.HandleFunc("POST /servers", write("servers", r.handleRegisterServer))
	r.mux.HandleFunc("GET /servers", read("servers", r.handleListServers))
	r.mux.HandleFunc("POST /servers/{serverID}/probe", write("servers", r.handleProbeServer))

	r.mux.HandleFunc("POST /projects", write("projects", r.handleCreateProject))
	r.mux.HandleFunc("GET /projects", read("projects", r.handleListProjects))
	r.mux.HandleFunc("GET /projects/{projectID}", read("projects", r.handleGetProject))
	r.mux.HandleFunc("PATCH /projects/{projectID}", write("projects", r.handleUpdateProject))
	r.mux.HandleFunc("DELETE /projects/{projectID}", write("projects", r.handleDeleteProject))
	r.mux.HandleFunc("POST /projects/{projectID}/webhook-secret", write("projects", r.handleRotateWebhookSecret))

	r.mux.HandleFunc("POST /projects/{projectID}/deploy", write("deployments", r.handleTriggerDeploy))
	r.mux.HandleFunc("GET /projects/{projectID}/deployments", read("deployments", r.handleListDeployments))
	r.mux.HandleFunc("GET /deployments/{deploymentID}", read("deployments", r.handleGetDeployment))
	r.mux.HandleFunc("POST /deployments/{deploymentID}/cancel", write("deployments", r.handleCancelDeployment))
	r.mux.HandleFunc("POST /deployments/{deploymentID}/rollback", write("deployments", r.handleRollback))
	r.mux.HandleFunc("POST /deployments/{deploymentID}/redeploy", write("deployments", r.handleRedeploy))
	r.mux.HandleFunc("GET /deployments/{deploymentID}/logs", read("deployments", r.handleDeploymentLogs))
	r.mux.HandleFunc("GET /projects/{projectID}/previews", read("previews", r.handleListPreviews))

	r.mux.HandleFunc("GET /projects/{projectID}/logs/stream", stream("logs", r.handleContainerLogs))
	r.mux.HandleFunc("GET /ws/deployments/{deploymentID}/logs", stream("logs", r.handleDeploymentLogsWS))

	r.mux.HandleFunc("POST /projects/{projectID}/databases", write("databases", r.handleCreateDatabase))
	r.mux.HandleFunc("GET /projects/{projectID}/databases", read("databases", r.handleListDatabases))
	r.mux.HandleFunc("GET /databases/{databaseID}", read("databases", r.handleGetDatabase))
	r.mux.HandleFunc("GET /databases/{databaseID}/connection", read("databases", r.handleDatabaseConnection))
	r.mux.HandleFunc("POST /databases/{databaseID}/start", write("databases", r.handleDatabaseAction(actionStart)))
	r.mux.HandleFunc("POST /databases/{databaseID}/stop", write("databases", r.handleDatabaseAction(actionStop)))
	r.mux.HandleFunc("POST /databases/{databaseID}/restart", write("databases", r.handleDatabaseAction(actionRestart)))
	r.mux.HandleFunc("DELETE /databases/{databaseID}", write("databases", r.handleDeleteDatabase))

	r.mux.HandleFunc("POST /databases/{databaseID}/backups", write("backups", r.handleCreateBackup))
	r.mux.HandleFunc("GET /databases/{databaseID}/backups", read("backups", r.handleListBackups))
	r.mux.HandleFunc("GET /backups/{backupID}", read("backups", r.handleGetBackup))
	r.mux.HandleFunc("POST /backups/{backupID}/restore", write("backups", r.handleRestoreBackup))
	r.mux.HandleFunc("DELETE /backups/{backupID}", write("backups", r.handleDeleteBackup))
	r.mux.HandleFunc("GET /backups/{backupID}/download", read("backups", r.handleDownloadBackup))

	r.mux.HandleFunc("/", r.audit(r.notFound))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" || route == "/" {
			route = "unmatched"
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", redactPath(req.URL.Path),
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.ActorID
		} else if strings.HasPrefix(req.URL.Path, "/webhooks/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// redactPath hides the webhook path secret.
func redactPath(path string) string {
	const prefix = "/webhooks/github/"
	if strings.HasPrefix(path, prefix) {
		return prefix + "***"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

const maxJSONBody = 1 << 20

// requestError is a malformed request rejected before reaching a service.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

// decodeJSON reads a JSON body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) error {
	return decodeBody(w, req, dst, false)
}

// decodeOptionalJSON is decodeJSON accepting an empty body.
func decodeOptionalJSON(w http.ResponseWriter, req *http.Request, dst any) error {
	return decodeBody(w, req, dst, true)
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any, optional bool) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxJSONBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &requestError{status: http.StatusRequestEntityTooLarge, msg: "payload too large"}
		}
		return &requestError{status: http.StatusBadRequest, msg: "unreadable body"}
	}
	if optional && len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &requestError{status: http.StatusBadRequest, msg: "invalid JSON body"}
	}
	return nil
}

func queryInt(req *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(req.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

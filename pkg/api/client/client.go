package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides typed access to the peep API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doData unwraps the {success, message, data} envelope used by database routes.
func (c *Client) doData(ctx context.Context, method, path string, body any, token string, v any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, method, path, body, token, &env); err != nil {
		return err
	}
	if v == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Project describes a deployable repository.
type Project struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Slug              string    `json:"slug"`
	RepoURL           string    `json:"repo_url"`
	Branch            string    `json:"branch"`
	ServerID          string    `json:"server_id"`
	AppPort           int       `json:"app_port"`
	AutoDeployEnabled bool      `json:"auto_deploy_enabled"`
	ContainerPort     *int      `json:"container_port"`
	CreatedAt         time.Time `json:"created_at"`
}

// ListProjects returns every project.
func (c *Client) ListProjects(ctx context.Context, token string) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches detailed information about a project.
func (c *Client) GetProject(ctx context.Context, token, projectID string) (Project, error) {
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectID))
	var project Project
	if err := c.do(ctx, http.MethodGet, path, nil, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	Name         string `json:"name"`
	RepoURL      string `json:"repo_url"`
	Branch       string `json:"branch,omitempty"`
	ServerID     string `json:"server_id"`
	AppPort      int    `json:"app_port,omitempty"`
	BuildCommand string `json:"build_command,omitempty"`
	StartCommand string `json:"start_command,omitempty"`
}

// CreatedProject carries the secrets that are only returned once.
type CreatedProject struct {
	Project       Project `json:"project"`
	WebhookSecret string  `json:"webhook_secret"`
	SigningSecret string  `json:"signing_secret"`
}

// CreateProject registers a new project.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (CreatedProject, error) {
	var created CreatedProject
	if err := c.do(ctx, http.MethodPost, "/projects", input, token, &created); err != nil {
		return CreatedProject{}, err
	}
	return created, nil
}

// Deployment represents API deployment payloads.
type Deployment struct {
	ID                  string     `json:"id"`
	ProjectID           string     `json:"project_id"`
	Trigger             string     `json:"trigger"`
	Branch              string     `json:"branch"`
	CommitHash          string     `json:"commit_hash"`
	Status              string     `json:"status"`
	IsCurrentProduction bool       `json:"is_current_production"`
	ErrorMessage        string     `json:"error_message"`
	URL                 string     `json:"url"`
	CreatedAt           time.Time  `json:"created_at"`
	FinishedAt          *time.Time `json:"finished_at"`
}

// TriggerDeployment requests a new deployment for the project. An empty
// commit deploys the head of the project branch.
func (c *Client) TriggerDeployment(ctx context.Context, token, projectID, branch, commit string) (Deployment, error) {
	body := map[string]string{}
	if strings.TrimSpace(branch) != "" {
		body["branch"] = branch
	}
	if strings.TrimSpace(commit) != "" {
		body["commit_hash"] = commit
	}
	path := fmt.Sprintf("/projects/%s/deploy", url.PathEscape(projectID))
	var deployment Deployment
	if err := c.do(ctx, http.MethodPost, path, body, token, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// ListDeployments fetches recent deployments for a project.
func (c *Client) ListDeployments(ctx context.Context, token, projectID string, limit int) ([]Deployment, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/projects/%s/deployments%s", url.PathEscape(projectID), query)
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// GetDeployment fetches a single deployment.
func (c *Client) GetDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(deploymentID), nil, token, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// DeploymentAction posts one of cancel, rollback or redeploy.
func (c *Client) DeploymentAction(ctx context.Context, token, deploymentID, action string) (Deployment, error) {
	switch action {
	case "cancel", "rollback", "redeploy":
	default:
		return Deployment{}, fmt.Errorf("unknown deployment action %q", action)
	}
	path := fmt.Sprintf("/deployments/%s/%s", url.PathEscape(deploymentID), action)
	var d Deployment
	if err := c.do(ctx, http.MethodPost, path, nil, token, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// DeploymentLogs holds stored build and deploy output.
type DeploymentLogs struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	BuildLog     string `json:"build_log"`
	DeployLog    string `json:"deploy_log"`
}

// FetchLogs returns the stored logs of a deployment.
func (c *Client) FetchLogs(ctx context.Context, token, deploymentID string) (DeploymentLogs, error) {
	path := fmt.Sprintf("/deployments/%s/logs", url.PathEscape(deploymentID))
	var logs DeploymentLogs
	if err := c.do(ctx, http.MethodGet, path, nil, token, &logs); err != nil {
		return DeploymentLogs{}, err
	}
	return logs, nil
}

// LogMessage is one frame of a live deployment log.
type LogMessage struct {
	Event  string    `json:"event"`
	Stream string    `json:"stream"`
	Line   string    `json:"line"`
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// FollowLogs streams live deployment output to fn until the deployment ends
// or ctx is cancelled. It returns the final deployment status when known.
func (c *Client) FollowLogs(ctx context.Context, token, deploymentID string, fn func(LogMessage)) (string, error) {
	endpoint, err := url.Parse(c.baseURL + "/ws/deployments/" + url.PathEscape(deploymentID) + "/logs")
	if err != nil {
		return "", err
	}
	if endpoint.Scheme == "https" {
		endpoint.Scheme = "wss"
	} else {
		endpoint.Scheme = "ws"
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(token))

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return "", APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return "", fmt.Errorf("dial log stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg LogMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", nil
			}
			return "", fmt.Errorf("read log stream: %w", err)
		}
		fn(msg)
		if msg.Event == "end" {
			return msg.Status, nil
		}
	}
}

// Database is a managed database container.
type Database struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Engine    string `json:"engine"`
	Version   string `json:"version"`
	Status    string `json:"status"`
	HostPort  int    `json:"host_port"`
}

// ListDatabases returns the databases of a project.
func (c *Client) ListDatabases(ctx context.Context, token, projectID string) ([]Database, error) {
	path := fmt.Sprintf("/projects/%s/databases", url.PathEscape(projectID))
	var dbs []Database
	if err := c.doData(ctx, http.MethodGet, path, nil, token, &dbs); err != nil {
		return nil, err
	}
	return dbs, nil
}

// Backup is a database dump record.
type Backup struct {
	ID          string    `json:"id"`
	DatabaseID  string    `json:"database_id"`
	Status      string    `json:"status"`
	Compression string    `json:"compression"`
	Size        string    `json:"size"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateBackup queues a backup of the database.
func (c *Client) CreateBackup(ctx context.Context, token, databaseID string) (Backup, error) {
	path := fmt.Sprintf("/databases/%s/backups", url.PathEscape(databaseID))
	var b Backup
	if err := c.doData(ctx, http.MethodPost, path, nil, token, &b); err != nil {
		return Backup{}, err
	}
	return b, nil
}

// ListBackups returns the backups of a database.
func (c *Client) ListBackups(ctx context.Context, token, databaseID string) ([]Backup, error) {
	path := fmt.Sprintf("/databases/%s/backups", url.PathEscape(databaseID))
	var backups []Backup
	if err := c.doData(ctx, http.MethodGet, path, nil, token, &backups); err != nil {
		return nil, err
	}
	return backups, nil
}

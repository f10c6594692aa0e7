package domain

import "time"

// Project describes a deployable repository pinned to one server.
type Project struct {
	ID                        string            `json:"id"`
	Name                      string            `json:"name"`
	Slug                      string            `json:"slug"`
	RepoURL                   string            `json:"repo_url"`
	RepoFullName              string            `json:"repo_full_name"`
	Branch                    string            `json:"branch"`
	InstallCommand            string            `json:"install_command"`
	BuildCommand              string            `json:"build_command"`
	StartCommand              string            `json:"start_command"`
	Dockerfile                string            `json:"dockerfile"`
	AppPort                   int               `json:"app_port"`
	ServerID                  string            `json:"server_id"`
	AutoDeployEnabled         bool              `json:"auto_deploy_enabled"`
	PreviewDeploymentsEnabled bool              `json:"preview_deployments_enabled"`
	EnvVars                   map[string]string `json:"env_vars,omitempty"`
	ContainerID               *string           `json:"container_id"`
	ContainerName             *string           `json:"container_name"`
	ContainerPort             *int              `json:"container_port"`
	WebhookSecretHash         string            `json:"-"`
	WebhookSigningSecret      []byte            `json:"-"`
	CreatedAt                 time.Time         `json:"created_at"`
	UpdatedAt                 time.Time         `json:"updated_at"`
}

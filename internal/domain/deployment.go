package domain

import "time"

// Deployment triggers.
const (
	TriggerManual   = "manual"
	TriggerGitPush  = "git_push"
	TriggerRedeploy = "redeploy"
	TriggerRollback = "rollback"
)

// Deployment statuses.
const (
	DeploymentQueued    = "queued"
	DeploymentBuilding  = "building"
	DeploymentDeploying = "deploying"
	DeploymentSuccess   = "success"
	DeploymentFailed    = "failed"
	DeploymentCancelled = "cancelled"
)

// Deployment captures a single build+run attempt of a project.
type Deployment struct {
	ID                  string     `json:"id"`
	ProjectID           string     `json:"project_id"`
	Trigger             string     `json:"trigger"`
	Branch              string     `json:"branch"`
	CommitHash          string     `json:"commit_hash"`
	CommitMessage       string     `json:"commit_message"`
	Status              string     `json:"status"`
	DockerImage         *string    `json:"docker_image"`
	DockerTag           *string    `json:"docker_tag"`
	IsCurrentProduction bool       `json:"is_current_production"`
	SkipBuild           bool       `json:"skip_build"`
	SourceDeploymentID  *string    `json:"source_deployment_id,omitempty"`
	ActorID             string     `json:"actor_id,omitempty"`
	BuildLog            string     `json:"-"`
	DeployLog           string     `json:"-"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	URL                 string     `json:"url,omitempty"`
	BuildDurationMS     *int64     `json:"build_duration_ms,omitempty"`
	DeployDurationMS    *int64     `json:"deploy_duration_ms,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Active reports whether the deployment has not reached a terminal status.
func (d Deployment) Active() bool {
	switch d.Status {
	case DeploymentQueued, DeploymentBuilding, DeploymentDeploying:
		return true
	}
	return false
}

// HasImage reports whether the deployment recorded a usable image reference.
func (d Deployment) HasImage() bool {
	return d.DockerImage != nil && *d.DockerImage != "" && d.DockerTag != nil && *d.DockerTag != ""
}

// ImageRef returns image:tag when present.
func (d Deployment) ImageRef() string {
	if !d.HasImage() {
		return ""
	}
	return *d.DockerImage + ":" + *d.DockerTag
}

// DeploymentResult captures the fields written atomically when a deployment succeeds.
type DeploymentResult struct {
	DeploymentID     string
	ProjectID        string
	DockerImage      string
	DockerTag        string
	URL              string
	ContainerID      string
	ContainerName    string
	ContainerPort    int
	DeployDurationMS int64
	FinishedAt       time.Time
}

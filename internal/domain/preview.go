package domain

import "time"

// Preview deployment statuses.
const (
	PreviewPending   = "pending"
	PreviewBuilding  = "building"
	PreviewDeploying = "deploying"
	PreviewActive    = "active"
	PreviewFailed    = "failed"
	PreviewDestroyed = "destroyed"
)

// PreviewDeployment is an ephemeral deployment tied to one open pull request.
type PreviewDeployment struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	PRNumber      int        `json:"pr_number"`
	PRTitle       string     `json:"pr_title"`
	HeadBranch    string     `json:"head_branch"`
	CommitHash    string     `json:"commit_hash"`
	Status        string     `json:"status"`
	ContainerID   *string    `json:"container_id"`
	ContainerName *string    `json:"container_name"`
	ContainerPort *int       `json:"container_port"`
	URL           string     `json:"url,omitempty"`
	BuildLog      string     `json:"-"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DestroyedAt   *time.Time `json:"destroyed_at,omitempty"`
}

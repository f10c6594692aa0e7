package domain

import "time"

// Server statuses.
const (
	ServerPending = "pending"
	ServerActive  = "active"
	ServerError   = "error"
)

// Server authentication methods.
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// Server is a remote host reachable over SSH that runs a Docker daemon.
type Server struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	Username        string    `json:"username"`
	AuthMethod      string    `json:"auth_method"`
	Credential      []byte    `json:"-"`
	HostKey         string    `json:"host_key,omitempty"`
	Status          string    `json:"status"`
	DockerAvailable bool      `json:"docker_available"`
	DockerVersion   string    `json:"docker_version,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

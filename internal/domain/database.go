package domain

import "time"

// Database statuses.
const (
	DatabaseCreating = "creating"
	DatabaseRunning  = "running"
	DatabaseStopped  = "stopped"
	DatabaseError    = "error"
	DatabaseDeleting = "deleting"
)

// Supported database engines.
const (
	EnginePostgres = "postgres"
	EngineMySQL    = "mysql"
	EngineRedis    = "redis"
)

// Database is an on-demand data service container owned by a project.
type Database struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	ServerID      string    `json:"server_id"`
	Name          string    `json:"name"`
	Engine        string    `json:"engine"`
	Version       string    `json:"version"`
	Status        string    `json:"status"`
	Username      string    `json:"username"`
	Password      []byte    `json:"-"`
	DatabaseName  string    `json:"database_name"`
	HostPort      int       `json:"host_port"`
	ContainerID   *string   `json:"container_id"`
	ContainerName string    `json:"container_name"`
	MemoryLimit   string    `json:"memory_limit,omitempty"`
	CPULimit      string    `json:"cpu_limit,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// VolumeName returns the docker volume holding the database files.
func (d Database) VolumeName() string {
	return d.ContainerName + "-data"
}

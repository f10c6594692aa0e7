// Package container drives the Docker CLI on remote servers through the
// remote executor. Every value reaches docker as a discrete argument.
package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("container: resource not found")

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// Timeouts bounds the remote docker invocations.
type Timeouts struct {
	Command time.Duration
	Health  time.Duration
	Build   time.Duration
	Stream  time.Duration
}

// Manager builds, runs and inspects containers on a server.
type Manager struct {
	exec      remote.Executor
	timeouts  Timeouts
	buildRoot string
	log       *slog.Logger
}

// NewManager constructs a Manager. buildRoot is the remote directory holding
// per-deployment workspaces.
func NewManager(exec remote.Executor, timeouts Timeouts, buildRoot string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if timeouts.Command <= 0 {
		timeouts.Command = 30 * time.Second
	}
	if timeouts.Health <= 0 {
		timeouts.Health = 10 * time.Second
	}
	if timeouts.Build <= 0 {
		timeouts.Build = 30 * time.Minute
	}
	if timeouts.Stream <= 0 {
		timeouts.Stream = 12 * time.Hour
	}
	if buildRoot == "" {
		buildRoot = "/var/lib/peep/builds"
	}
	return &Manager{exec: exec, timeouts: timeouts, buildRoot: strings.TrimRight(buildRoot, "/"), log: log.With("component", "container")}
}

// Limits caps container resources.
type Limits struct {
	Memory string
	CPUs   string
}

// RunSpec describes a container to start.
type RunSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Ports   nat.PortMap
	Limits  Limits
	Restart string
	Volumes map[string]string
	Labels  map[string]string
	Cmd     []string
}

// Status summarises docker inspect output.
type Status struct {
	Exists       bool
	Running      bool
	State        string
	ExitCode     int
	RestartCount int
	StartedAt    time.Time
	Ports        nat.PortMap
}

// Stats is a point-in-time resource sample.
type Stats struct {
	CPUPercent string `json:"CPUPerc"`
	MemUsage   string `json:"MemUsage"`
	MemPercent string `json:"MemPerc"`
	NetIO      string `json:"NetIO"`
	BlockIO    string `json:"BlockIO"`
	PIDs       string `json:"PIDs"`
}

// PublishPort maps a host port onto a container port over TCP.
func PublishPort(hostPort, containerPort int) nat.PortMap {
	port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	return nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}}
}

// ValidateName rejects container names or ids docker would refuse or that
// could be read as flags.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid container name %q", name)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, server domain.Server, cmd remote.Command) (string, error) {
	if cmd.Timeout == 0 {
		cmd.Timeout = m.timeouts.Command
	}
	return m.exec.Run(ctx, server, cmd)
}

// Run starts a detached container and returns its id.
func (m *Manager) Run(ctx context.Context, server domain.Server, spec RunSpec) (string, error) {
	if err := ValidateName(spec.Name); err != nil {
		return "", err
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	args, err := runArgs(spec)
	if err != nil {
		return "", err
	}
	out, err := m.run(ctx, server, remote.Cmd(args...))
	if err != nil {
		return "", fmt.Errorf("docker run %s: %w", spec.Name, err)
	}
	id := lastLine(out)
	if id == "" {
		return "", fmt.Errorf("docker run %s: empty container id", spec.Name)
	}
	return id, nil
}

func runArgs(spec RunSpec) ([]string, error) {
	args := []string{"docker", "run", "-d", "--name", spec.Name}
	restart := spec.Restart
	if restart == "" {
		restart = "unless-stopped"
	}
	args = append(args, "--restart", restart)

	ports := make([]string, 0, len(spec.Ports))
	for port, bindings := range spec.Ports {
		for _, b := range bindings {
			host := b.HostPort
			if b.HostIP != "" {
				host = b.HostIP + ":" + b.HostPort
			}
			ports = append(ports, fmt.Sprintf("%s:%s/%s", host, port.Port(), port.Proto()))
		}
	}
	sort.Strings(ports)
	for _, p := range ports {
		args = append(args, "-p", p)
	}

	if spec.Limits.Memory != "" {
		bytes, err := units.RAMInBytes(spec.Limits.Memory)
		if err != nil || bytes <= 0 {
			return nil, fmt.Errorf("invalid memory limit %q", spec.Limits.Memory)
		}
		args = append(args, "--memory", strconv.FormatInt(bytes, 10))
	}
	if spec.Limits.CPUs != "" {
		cpus, err := strconv.ParseFloat(spec.Limits.CPUs, 64)
		if err != nil || cpus <= 0 {
			return nil, fmt.Errorf("invalid cpu limit %q", spec.Limits.CPUs)
		}
		args = append(args, "--cpus", strconv.FormatFloat(cpus, 'f', -1, 64))
	}

	for _, key := range sortedKeys(spec.Env) {
		args = append(args, "-e", key+"="+spec.Env[key])
	}
	for _, name := range sortedKeys(spec.Volumes) {
		args = append(args, "-v", name+":"+spec.Volumes[name])
	}
	for _, key := range sortedKeys(spec.Labels) {
		args = append(args, "--label", key+"="+spec.Labels[key])
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)
	return args, nil
}

// Stop stops a running container.
func (m *Manager) Stop(ctx context.Context, server domain.Server, id string) error {
	if err := ValidateName(id); err != nil {
		return err
	}
	if _, err := m.run(ctx, server, remote.Cmd("docker", "stop", "-t", "10", id)); err != nil {
		return fmt.Errorf("docker stop %s: %w", id, notFound(err))
	}
	return nil
}

// Start starts a stopped container.
func (m *Manager) Start(ctx context.Context, server domain.Server, id string) error {
	if err := ValidateName(id); err != nil {
		return err
	}
	if _, err := m.run(ctx, server, remote.Cmd("docker", "start", id)); err != nil {
		return fmt.Errorf("docker start %s: %w", id, notFound(err))
	}
	return nil
}

// Restart restarts a container.
func (m *Manager) Restart(ctx context.Context, server domain.Server, id string) error {
	if err := ValidateName(id); err != nil {
		return err
	}
	if _, err := m.run(ctx, server, remote.Cmd("docker", "restart", "-t", "10", id)); err != nil {
		return fmt.Errorf("docker restart %s: %w", id, notFound(err))
	}
	return nil
}

// Remove force-removes a container. A missing container is not an error.
func (m *Manager) Remove(ctx context.Context, server domain.Server, id string) error {
	if err := ValidateName(id); err != nil {
		return err
	}
	if _, err := m.run(ctx, server, remote.Cmd("docker", "rm", "-f", id)); err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return nil
		}
		return fmt.Errorf("docker rm %s: %w", id, err)
	}
	return nil
}

// RemoveVolume deletes a named volume if present.
func (m *Manager) RemoveVolume(ctx context.Context, server domain.Server, name string) error {
	if _, err := m.run(ctx, server, remote.Cmd("docker", "volume", "rm", "-f", name)); err != nil {
		return fmt.Errorf("docker volume rm %s: %w", name, err)
	}
	return nil
}

// Inspect reports container state. A missing container yields Exists=false.
func (m *Manager) Inspect(ctx context.Context, server domain.Server, id string) (Status, error) {
	out, err := m.run(ctx, server, remote.Cmd("docker", "inspect", "--type", "container", id).WithTimeout(m.timeouts.Health))
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("docker inspect %s: %w", id, err)
	}
	return parseInspect(out)
}

func parseInspect(out string) (Status, error) {
	var inspected []types.ContainerJSON
	if err := json.Unmarshal([]byte(out), &inspected); err != nil {
		return Status{}, fmt.Errorf("decode inspect output: %w", err)
	}
	if len(inspected) == 0 || inspected[0].ContainerJSONBase == nil {
		return Status{}, nil
	}
	c := inspected[0]
	status := Status{Exists: true, RestartCount: c.RestartCount, Ports: nat.PortMap{}}
	if c.State != nil {
		status.Running = c.State.Running
		status.State = c.State.Status
		status.ExitCode = c.State.ExitCode
		if started, err := time.Parse(time.RFC3339Nano, c.State.StartedAt); err == nil {
			status.StartedAt = started
		}
	}
	if c.NetworkSettings != nil && c.NetworkSettings.Ports != nil {
		status.Ports = c.NetworkSettings.Ports
	}
	return status, nil
}

// Stats samples resource usage once.
func (m *Manager) Stats(ctx context.Context, server domain.Server, id string) (Stats, error) {
	out, err := m.run(ctx, server, remote.Cmd("docker", "stats", "--no-stream", "--format", "{{json .}}", id).WithTimeout(m.timeouts.Health))
	if err != nil {
		return Stats{}, fmt.Errorf("docker stats %s: %w", id, notFound(err))
	}
	var stats Stats
	if err := json.Unmarshal([]byte(lastLine(out)), &stats); err != nil {
		return Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

// WaitRunning polls until the container is running or the health timeout passes.
func (m *Manager) WaitRunning(ctx context.Context, server domain.Server, id string, interval time.Duration) (Status, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(m.timeouts.Health)
	for {
		status, err := m.Inspect(ctx, server, id)
		if err != nil {
			return status, err
		}
		if !status.Exists {
			return status, fmt.Errorf("container %s disappeared", id)
		}
		if status.Running {
			return status, nil
		}
		if status.State == "exited" || status.State == "dead" {
			return status, fmt.Errorf("container %s exited with code %d", id, status.ExitCode)
		}
		if time.Now().After(deadline) {
			return status, fmt.Errorf("container %s not running after %s (state %s)", id, m.timeouts.Health, status.State)
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Logs returns the last tail lines of container output.
func (m *Manager) Logs(ctx context.Context, server domain.Server, id string, tail int) (string, error) {
	var b strings.Builder
	cmd := remote.Cmd("docker", "logs", "--tail", strconv.Itoa(tail), id).WithTimeout(m.timeouts.Command)
	err := m.exec.Stream(ctx, server, cmd, func(line string) bool {
		b.WriteString(line)
		b.WriteByte('\n')
		return true
	})
	if err != nil {
		return b.String(), fmt.Errorf("docker logs %s: %w", id, notFound(err))
	}
	return b.String(), nil
}

// StreamLogs follows container output, calling onLine per line until it
// returns false, the container stops or ctx ends.
func (m *Manager) StreamLogs(ctx context.Context, server domain.Server, id string, tail int, onLine func(string) bool) error {
	cmd := remote.Cmd("docker", "logs", "-f", "--tail", strconv.Itoa(tail), id).WithTimeout(m.timeouts.Stream)
	if err := m.exec.Stream(ctx, server, cmd, onLine); err != nil {
		return fmt.Errorf("docker logs -f %s: %w", id, notFound(err))
	}
	return nil
}

// notFound maps docker "no such" failures onto ErrNotFound.
func notFound(err error) error {
	var cmdErr *remote.CommandError
	if errors.As(err, &cmdErr) {
		msg := strings.ToLower(cmdErr.Stderr)
		if strings.Contains(msg, "no such container") || strings.Contains(msg, "no such object") || strings.Contains(msg, "no such image") {
			return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(cmdErr.Stderr))
		}
	}
	return err
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

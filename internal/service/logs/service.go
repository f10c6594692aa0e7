// Package logs streams container output and relays live build logs.
package logs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/internal/ws"
)

// Container stream events.
const (
	EventConnected = "connected"
	EventLog       = "log"
	EventError     = "error"
	EventEnd       = "end"
)

const (
	defaultTail = 100
	maxTail     = 5000
)

// EventWriter receives named stream events.
type EventWriter interface {
	Event(name string, payload []byte) error
}

// Service handles log streaming.
type Service struct {
	projects    repository.ProjectRepository
	servers     repository.ServerRepository
	deployments repository.DeploymentRepository
	containers  *container.Manager
	broker      queue.Broker
	hub         *ws.Hub
	relays      *relays
	logger      *slog.Logger
}

type relays struct {
	mu     sync.Mutex
	active map[string]*relay
}

type relay struct {
	cancel context.CancelFunc
}

// New constructs a log service.
func New(projects repository.ProjectRepository, servers repository.ServerRepository, deployments repository.DeploymentRepository, containers *container.Manager, broker queue.Broker, hub *ws.Hub, logger *slog.Logger) Service {
	if hub == nil {
		hub = ws.NewHub()
	}
	return Service{
		projects:    projects,
		servers:     servers,
		deployments: deployments,
		containers:  containers,
		broker:      broker,
		hub:         hub,
		relays:      &relays{active: make(map[string]*relay)},
		logger:      logger.With("component", "logs"),
	}
}

// Hub returns the live log hub.
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// ContainerStream follows the production container of one project.
type ContainerStream struct {
	svc     Service
	project domain.Project
	server  domain.Server
}

// OpenContainer resolves the project and server a stream will read from.
func (s Service) OpenContainer(ctx context.Context, projectID string) (*ContainerStream, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	server, err := s.servers.GetServerByID(ctx, project.ServerID)
	if err != nil {
		return nil, err
	}
	return &ContainerStream{svc: s, project: *project, server: *server}, nil
}

// ClampTail bounds a requested tail length.
func ClampTail(tail int) int {
	switch {
	case tail <= 0:
		return defaultTail
	case tail > maxTail:
		return maxTail
	}
	return tail
}

// Run emits connected, then log lines until the container stops, the stream
// drops or ctx ends, and finally end. A project without a running container
// gets connected followed by end.
func (c *ContainerStream) Run(ctx context.Context, tail int, out EventWriter) error {
	logger := c.svc.logger.With("project_id", c.project.ID)
	containerID := ""
	if c.project.ContainerID != nil {
		containerID = *c.project.ContainerID
	}
	if err := emit(out, EventConnected, map[string]any{"project_id": c.project.ID, "container_id": containerID}); err != nil {
		return err
	}
	if containerID == "" {
		return emit(out, EventEnd, map[string]string{"reason": "no container"})
	}

	status, err := c.svc.containers.Inspect(ctx, c.server, containerID)
	if err != nil {
		logger.Warn("inspect for log stream failed", "error", err)
		_ = emit(out, EventError, map[string]string{"error": "container status unavailable"})
		return emit(out, EventEnd, map[string]string{"reason": "error"})
	}
	if !status.Running {
		return emit(out, EventEnd, map[string]string{"reason": "container not running"})
	}

	var writeErr error
	err = c.svc.containers.StreamLogs(ctx, c.server, containerID, ClampTail(tail), func(line string) bool {
		writeErr = emit(out, EventLog, map[string]string{"line": line})
		return writeErr == nil
	})
	if writeErr != nil || ctx.Err() != nil {
		return writeErr
	}
	if err != nil {
		logger.Warn("container log stream ended", "error", err)
		_ = emit(out, EventError, map[string]string{"error": "log stream interrupted"})
	}
	return emit(out, EventEnd, map[string]string{"reason": "stream closed"})
}

func emit(out EventWriter, name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return out.Event(name, payload)
}

// Follow relays live log messages of a deployment to client until ctx ends
// or the deployment finishes. Deployments already finished get a single end
// message.
func (s Service) Follow(ctx context.Context, deploymentID string, client ws.Subscriber) error {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if !d.Active() {
		return sendEnd(client, d.Status)
	}
	if s.broker == nil {
		return errors.New("live logs require a message broker")
	}

	if err := s.join(d.ID, client); err != nil {
		return err
	}
	defer s.leave(d.ID, client)

	// the deployment may have finished before the relay subscribed
	if current, err := s.deployments.GetDeploymentByID(ctx, d.ID); err == nil && !current.Active() {
		return sendEnd(client, current.Status)
	}
	<-ctx.Done()
	return nil
}

func sendEnd(client ws.Subscriber, status string) error {
	payload, err := json.Marshal(deploy.LogMessage{Event: deploy.EventEnd, Status: status, Time: time.Now().UTC()})
	if err != nil {
		return err
	}
	return client.Send(payload)
}

// join registers client and starts the broker relay for the first one.
func (s Service) join(deploymentID string, client ws.Subscriber) error {
	s.relays.mu.Lock()
	defer s.relays.mu.Unlock()
	if !s.hub.Register(deploymentID, client) {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	msgs, stop, err := s.broker.Subscribe(ctx, queue.LogChannel(deploymentID))
	if err != nil {
		cancel()
		s.hub.Unregister(deploymentID, client)
		return err
	}
	r := &relay{cancel: cancel}
	s.relays.active[deploymentID] = r

	go func() {
		defer stop()
		for payload := range msgs {
			s.hub.Broadcast(deploymentID, payload)
			var msg deploy.LogMessage
			if json.Unmarshal(payload, &msg) == nil && msg.Event == deploy.EventEnd {
				s.hub.CloseAll(deploymentID)
				s.relays.stop(deploymentID, r)
				return
			}
		}
	}()
	s.logger.Debug("live log relay started", "deployment_id", deploymentID)
	return nil
}

func (s Service) leave(deploymentID string, client ws.Subscriber) {
	s.relays.mu.Lock()
	defer s.relays.mu.Unlock()
	if !s.hub.Unregister(deploymentID, client) {
		return
	}
	if r, ok := s.relays.active[deploymentID]; ok {
		delete(s.relays.active, deploymentID)
		r.cancel()
	}
}

// stop cancels r if it is still the active relay of the deployment.
func (rs *relays) stop(deploymentID string, r *relay) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.active[deploymentID] == r {
		delete(rs.active, deploymentID)
	}
	r.cancel()
}

// Package server registers deployment hosts and checks they can run containers.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/pkg/crypto"
)

const defaultProbeTimeout = 10 * time.Second

// Service manages registered servers.
type Service struct {
	servers      repository.ServerRepository
	exec         remote.Executor
	box          *crypto.Box
	probeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// New returns a server service. probeTimeout bounds the docker probe.
func New(servers repository.ServerRepository, exec remote.Executor, box *crypto.Box, probeTimeout time.Duration, logger *slog.Logger) Service {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return Service{
		servers:      servers,
		exec:         exec,
		box:          box,
		probeTimeout: probeTimeout,
		logger:       logger.With("component", "server"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// RegisterInput holds the connection details of a new server.
type RegisterInput struct {
	Name       string
	Host       string
	Port       int
	Username   string
	AuthMethod string
	Credential string
	HostKey    string
}

func (in *RegisterInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Host = strings.TrimSpace(in.Host)
	in.Username = strings.TrimSpace(in.Username)
	in.AuthMethod = strings.ToLower(strings.TrimSpace(in.AuthMethod))
	in.HostKey = strings.TrimSpace(in.HostKey)
	if in.Port == 0 {
		in.Port = 22
	}
	switch {
	case in.Name == "":
		return domain.Preconditionf("server name is required")
	case in.Host == "" || strings.ContainsAny(in.Host, " /@"):
		return domain.Preconditionf("invalid server host %q", in.Host)
	case in.Port < 1 || in.Port > 65535:
		return domain.Preconditionf("server port must be between 1 and 65535")
	case in.Username == "":
		return domain.Preconditionf("server username is required")
	case in.Credential == "":
		return domain.Preconditionf("server credential is required")
	}
	if in.HostKey != "" && !strings.HasPrefix(in.HostKey, "SHA256:") {
		return domain.Preconditionf("host key must be a SHA256 fingerprint")
	}
	switch in.AuthMethod {
	case domain.AuthPassword:
	case domain.AuthKey:
		if _, err := ssh.ParsePrivateKey([]byte(in.Credential)); err != nil {
			return domain.Preconditionf("private key could not be parsed")
		}
	default:
		return domain.Preconditionf("auth method must be password or key")
	}
	return nil
}

// Register stores a server with its credential encrypted. The server stays
// pending until a probe succeeds.
func (s Service) Register(ctx context.Context, in RegisterInput) (*domain.Server, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if s.box == nil {
		return nil, errors.New("server credentials require an encryption key")
	}
	sealed, err := s.box.Seal(in.Credential)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	now := s.now()
	server := &domain.Server{
		ID:         uuid.NewString(),
		Name:       in.Name,
		Host:       in.Host,
		Port:       in.Port,
		Username:   in.Username,
		AuthMethod: in.AuthMethod,
		Credential: sealed,
		HostKey:    in.HostKey,
		Status:     domain.ServerPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.servers.CreateServer(ctx, server); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.Preconditionf("server %q already exists", in.Name)
		}
		return nil, err
	}
	s.logger.Info("server registered", "server_id", server.ID, "host", server.Host, "auth_method", server.AuthMethod)
	return server, nil
}

// Probe connects to the server and asks the Docker daemon for its version.
// The outcome is recorded on the server either way.
func (s Service) Probe(ctx context.Context, serverID string) (*domain.Server, error) {
	server, err := s.servers.GetServerByID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("server_id", server.ID)

	out, probeErr := s.exec.Run(ctx, *server, remote.Cmd("docker", "version", "--format", "{{.Server.Version}}").WithTimeout(s.probeTimeout))
	version := strings.TrimSpace(out)
	if probeErr == nil && version == "" {
		probeErr = errors.New("docker daemon did not report a version")
	}

	status, available, lastError := domain.ServerActive, true, ""
	if probeErr != nil {
		status, available, version, lastError = domain.ServerError, false, "", probeErr.Error()
		logger.Warn("server probe failed", "error", probeErr)
	} else {
		logger.Info("server probe succeeded", "docker_version", version)
	}
	if err := s.servers.UpdateServerProbe(context.WithoutCancel(ctx), server.ID, status, available, version, lastError); err != nil {
		return nil, fmt.Errorf("record probe: %w", err)
	}
	return s.servers.GetServerByID(ctx, server.ID)
}

// Get returns a server.
func (s Service) Get(ctx context.Context, serverID string) (*domain.Server, error) {
	return s.servers.GetServerByID(ctx, serverID)
}

// List returns every registered server.
func (s Service) List(ctx context.Context) ([]domain.Server, error) {
	return s.servers.ListServers(ctx)
}

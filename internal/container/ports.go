package container

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
)

// ErrNoFreePort indicates the configured range is exhausted on a server.
var ErrNoFreePort = errors.New("container: no free port in range")

const reserveAttempts = 5

// PublishedPorts lists host ports bound by live containers on the server.
func (m *Manager) PublishedPorts(ctx context.Context, server domain.Server) (map[int]bool, error) {
	out, err := m.run(ctx, server, remote.Cmd("docker", "ps", "--format", "{{.Ports}}"))
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}
	return parsePublishedPorts(out), nil
}

// parsePublishedPorts reads the docker ps Ports column, e.g.
// "0.0.0.0:20001->3000/tcp, :::20001->3000/tcp".
func parsePublishedPorts(out string) map[int]bool {
	ports := make(map[int]bool)
	for _, line := range strings.Split(out, "\n") {
		for _, entry := range strings.Split(line, ",") {
			entry = strings.TrimSpace(entry)
			arrow := strings.Index(entry, "->")
			if arrow < 0 {
				continue
			}
			host := entry[:arrow]
			host = host[strings.LastIndex(host, ":")+1:]
			start, end, err := nat.ParsePortRange(host)
			if err != nil {
				continue
			}
			for p := start; p <= end; p++ {
				ports[int(p)] = true
			}
		}
	}
	return ports
}

type publishedPortLister interface {
	PublishedPorts(ctx context.Context, server domain.Server) (map[int]bool, error)
}

// PortAllocator hands out host ports per server, never reusing a port that is
// reserved in the store or published by a live container.
type PortAllocator struct {
	ports repository.PortRepository
	live  publishedPortLister
	start int
	end   int
}

// NewPortAllocator constructs an allocator over [start, end].
func NewPortAllocator(ports repository.PortRepository, live publishedPortLister, start, end int) *PortAllocator {
	return &PortAllocator{ports: ports, live: live, start: start, end: end}
}

// Reserve returns the owner's port, reserving the lowest free one on first use.
func (a *PortAllocator) Reserve(ctx context.Context, server domain.Server, ownerKind, ownerID string) (int, error) {
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		existing, err := a.ports.GetPortByOwner(ctx, ownerKind, ownerID)
		switch {
		case err == nil && existing.ServerID == server.ID:
			return existing.Port, nil
		case err == nil:
			if err := a.ports.ReleasePort(ctx, ownerKind, ownerID); err != nil {
				return 0, fmt.Errorf("release port on previous server: %w", err)
			}
		case !errors.Is(err, repository.ErrNotFound):
			return 0, fmt.Errorf("lookup port: %w", err)
		}

		port, err := a.lowestFree(ctx, server)
		if err != nil {
			return 0, err
		}
		err = a.ports.ReservePort(ctx, domain.PortReservation{ServerID: server.ID, Port: port, OwnerKind: ownerKind, OwnerID: ownerID})
		if err == nil {
			return port, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return 0, fmt.Errorf("reserve port %d: %w", port, err)
		}
	}
	return 0, fmt.Errorf("reserve port: %w", repository.ErrConflict)
}

func (a *PortAllocator) lowestFree(ctx context.Context, server domain.Server) (int, error) {
	reserved, err := a.ports.ListReservedPorts(ctx, server.ID)
	if err != nil {
		return 0, fmt.Errorf("list reserved ports: %w", err)
	}
	taken, err := a.live.PublishedPorts(ctx, server)
	if err != nil {
		return 0, err
	}
	if taken == nil {
		taken = make(map[int]bool)
	}
	for _, p := range reserved {
		taken[p] = true
	}
	for candidate := a.start; candidate <= a.end; candidate++ {
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return 0, ErrNoFreePort
}

// Release frees the owner's reservation.
func (a *PortAllocator) Release(ctx context.Context, ownerKind, ownerID string) error {
	return a.ports.ReleasePort(ctx, ownerKind, ownerID)
}

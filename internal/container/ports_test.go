package container

import (
	"context"
	"errors"
	"testing"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/repository/memory"
)

type staticPorts map[int]bool

func (s staticPorts) PublishedPorts(context.Context, domain.Server) (map[int]bool, error) {
	out := make(map[int]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

func TestParsePublishedPorts(t *testing.T) {
	out := "0.0.0.0:20001->3000/tcp, :::20001->3000/tcp\n\n127.0.0.1:20005-20006->5432-5433/tcp\n6379/tcp\n"
	ports := parsePublishedPorts(out)
	for _, p := range []int{20001, 20005, 20006} {
		if !ports[p] {
			t.Fatalf("expected port %d published, got %v", p, ports)
		}
	}
	if ports[6379] || len(ports) != 3 {
		t.Fatalf("unexpected ports %v", ports)
	}
}

func TestReserveSkipsReservedAndLivePorts(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.ReservePort(ctx, domain.PortReservation{ServerID: "srv-1", Port: 20000, OwnerKind: domain.PortOwnerProject, OwnerID: "p0"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	alloc := NewPortAllocator(store, staticPorts{20001: true}, 20000, 20010)

	port, err := alloc.Reserve(ctx, domain.Server{ID: "srv-1"}, domain.PortOwnerProject, "p1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if port != 20002 {
		t.Fatalf("expected 20002, got %d", port)
	}

	again, err := alloc.Reserve(ctx, domain.Server{ID: "srv-1"}, domain.PortOwnerProject, "p1")
	if err != nil || again != port {
		t.Fatalf("owner must keep its port: %d %v", again, err)
	}

	other, err := alloc.Reserve(ctx, domain.Server{ID: "srv-2"}, domain.PortOwnerDatabase, "db1")
	if err != nil || other != 20000 {
		t.Fatalf("ports are per server: %d %v", other, err)
	}
}

type conflictOnce struct {
	*memory.Store
	conflicted bool
}

func (c *conflictOnce) ReservePort(ctx context.Context, r domain.PortReservation) error {
	if !c.conflicted {
		c.conflicted = true
		_ = c.Store.ReservePort(ctx, domain.PortReservation{ServerID: r.ServerID, Port: r.Port, OwnerKind: domain.PortOwnerPreview, OwnerID: "racer"})
		return repository.ErrConflict
	}
	return c.Store.ReservePort(ctx, r)
}

func TestReserveRetriesOnConflict(t *testing.T) {
	repo := &conflictOnce{Store: memory.New()}
	alloc := NewPortAllocator(repo, staticPorts{}, 20000, 20010)
	port, err := alloc.Reserve(context.Background(), domain.Server{ID: "srv-1"}, domain.PortOwnerProject, "p1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if port != 20001 {
		t.Fatalf("expected retry to pick 20001, got %d", port)
	}
}

func TestReserveExhausted(t *testing.T) {
	alloc := NewPortAllocator(memory.New(), staticPorts{20000: true, 20001: true}, 20000, 20001)
	_, err := alloc.Reserve(context.Background(), domain.Server{ID: "srv-1"}, domain.PortOwnerProject, "p1")
	if !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("expected ErrNoFreePort, got %v", err)
	}
}

func TestReleaseFreesPort(t *testing.T) {
	store := memory.New()
	alloc := NewPortAllocator(store, staticPorts{}, 20000, 20010)
	ctx := context.Background()
	if _, err := alloc.Reserve(ctx, domain.Server{ID: "srv-1"}, domain.PortOwnerPreview, "pv1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := alloc.Release(ctx, domain.PortOwnerPreview, "pv1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.GetPortByOwner(ctx, domain.PortOwnerPreview, "pv1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected reservation removed, got %v", err)
	}
}

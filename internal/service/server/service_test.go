package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/remote/remotetest"
	"github.com/splax/localvercel/internal/repository/memory"
	"github.com/splax/localvercel/pkg/crypto"
)

func newService(t *testing.T, exec remote.Executor) (Service, *memory.Store, *crypto.Box) {
	t.Helper()
	box, err := crypto.NewBox("unit-test-key")
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	store := memory.New()
	return New(store, exec, box, 0, slog.New(slog.NewTextHandler(io.Discard, nil))), store, box
}

func privateKeyPEM(t *testing.T) string {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(key, "test")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(block))
}

func TestRegisterEncryptsCredential(t *testing.T) {
	svc, store, box := newService(t, remotetest.New())
	key := privateKeyPEM(t)

	server, err := svc.Register(context.Background(), RegisterInput{Name: "edge-1", Host: "203.0.113.10", Username: "deploy", AuthMethod: "key", Credential: key})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if server.Status != domain.ServerPending || server.Port != 22 {
		t.Fatalf("unexpected server %+v", server)
	}
	stored, _ := store.GetServerByID(context.Background(), server.ID)
	if strings.Contains(string(stored.Credential), "PRIVATE KEY") {
		t.Fatalf("credential stored in plaintext")
	}
	plain, err := box.Open(stored.Credential)
	if err != nil || plain != key {
		t.Fatalf("credential did not round trip: %v", err)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	svc, _, _ := newService(t, remotetest.New())
	cases := map[string]RegisterInput{
		"name":     {Host: "h", Username: "u", AuthMethod: "password", Credential: "pw"},
		"host":     {Name: "n", Host: "user@host", Username: "u", AuthMethod: "password", Credential: "pw"},
		"port":     {Name: "n", Host: "h", Port: 70000, Username: "u", AuthMethod: "password", Credential: "pw"},
		"method":   {Name: "n", Host: "h", Username: "u", AuthMethod: "token", Credential: "pw"},
		"key":      {Name: "n", Host: "h", Username: "u", AuthMethod: "key", Credential: "not a key"},
		"hostkey":  {Name: "n", Host: "h", Username: "u", AuthMethod: "password", Credential: "pw", HostKey: "md5:aa"},
		"no-creds": {Name: "n", Host: "h", Username: "u", AuthMethod: "password"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), in)
			var pre *domain.PreconditionError
			if !errors.As(err, &pre) {
				t.Fatalf("expected precondition error, got %v", err)
			}
		})
	}
}

func TestProbeActivatesServer(t *testing.T) {
	exec := remotetest.New()
	exec.On("docker version", remotetest.Response{Stdout: "26.1.1\n"})
	svc, _, _ := newService(t, exec)
	ctx := context.Background()
	server, err := svc.Register(ctx, RegisterInput{Name: "edge-1", Host: "edge.internal", Username: "deploy", AuthMethod: "password", Credential: "pw"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	probed, err := svc.Probe(ctx, server.ID)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if probed.Status != domain.ServerActive || !probed.DockerAvailable || probed.DockerVersion != "26.1.1" {
		t.Fatalf("unexpected probe result %+v", probed)
	}
	if exec.Count("docker version --format {{.Server.Version}}") != 1 {
		t.Fatalf("expected docker version probe, got %v", exec.Calls())
	}
}

func TestProbeFailureMarksError(t *testing.T) {
	exec := remotetest.New()
	exec.On("docker version", remotetest.Response{Err: &remote.ConnectionError{Host: "edge.internal", Err: errors.New("connection refused")}})
	svc, _, _ := newService(t, exec)
	ctx := context.Background()
	server, _ := svc.Register(ctx, RegisterInput{Name: "edge-1", Host: "edge.internal", Username: "deploy", AuthMethod: "password", Credential: "pw"})

	probed, err := svc.Probe(ctx, server.ID)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if probed.Status != domain.ServerError || probed.DockerAvailable || !strings.Contains(probed.LastError, "connection refused") {
		t.Fatalf("unexpected probe result %+v", probed)
	}
}

package container

import (
	"context"
	"reflect"
	"testing"

	"github.com/splax/localvercel/internal/remote/remotetest"
)

func TestPrepareWorkspaceResetsDirectory(t *testing.T) {
	exec := remotetest.New()
	m := newTestManager(exec)
	dir, err := m.PrepareWorkspace(context.Background(), testServer, "d-123")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if dir != "/var/lib/peep/builds/d-123" {
		t.Fatalf("unexpected dir %q", dir)
	}
	calls := exec.Calls()
	if len(calls) != 2 || calls[0].Line() != "rm -rf /var/lib/peep/builds/d-123" || calls[1].Line() != "mkdir -p /var/lib/peep/builds/d-123" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if _, err := m.PrepareWorkspace(context.Background(), testServer, "../etc"); err == nil {
		t.Fatalf("expected traversal identifier to be rejected")
	}
}

func TestCleanupWorkspaceRefusesOutsideRoot(t *testing.T) {
	exec := remotetest.New()
	m := newTestManager(exec)
	for _, dir := range []string{"/", "/var/lib/peep/builds", "/var/lib/peep/builds/../x", "/etc/passwd"} {
		if err := m.CleanupWorkspace(context.Background(), testServer, dir); err == nil {
			t.Fatalf("expected %q to be refused", dir)
		}
	}
	if len(exec.Calls()) != 0 {
		t.Fatalf("no command should have run")
	}
	if err := m.CleanupWorkspace(context.Background(), testServer, "/var/lib/peep/builds/d-1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func TestCloneChecksOutCommit(t *testing.T) {
	exec := remotetest.New()
	m := newTestManager(exec)
	err := m.Clone(context.Background(), testServer, "https://github.com/acme/shop.git", "main", "abc123", "/var/lib/peep/builds/d1", nil)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	calls := exec.Calls()
	wantClone := []string{"env", "GIT_TERMINAL_PROMPT=0", "git", "clone", "--no-tags", "--branch", "main", "--single-branch", "--", "https://github.com/acme/shop.git", "."}
	if !reflect.DeepEqual(calls[0].Args, wantClone) {
		t.Fatalf("unexpected clone args %q", calls[0].Args)
	}
	if calls[1].Args[len(calls[1].Args)-1] != "abc123" {
		t.Fatalf("unexpected checkout %q", calls[1].Args)
	}
	if err := m.Clone(context.Background(), testServer, "--upload-pack=evil", "main", "", "/x", nil); err == nil {
		t.Fatalf("expected option-like url to be rejected")
	}
}

func TestHeadCommitParsesOutput(t *testing.T) {
	exec := remotetest.New()
	exec.On("git log", remotetest.Response{Stdout: "abc123def\nfix: login redirect\n"})
	m := newTestManager(exec)
	hash, msg, err := m.HeadCommit(context.Background(), testServer, "/var/lib/peep/builds/d1")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if hash != "abc123def" || msg != "fix: login redirect" {
		t.Fatalf("unexpected commit %q %q", hash, msg)
	}
}

package container

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
)

// PrepareWorkspace creates an empty remote directory for identifier.
func (m *Manager) PrepareWorkspace(ctx context.Context, server domain.Server, identifier string) (string, error) {
	if identifier == "" || strings.ContainsAny(identifier, "/.") {
		return "", fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	dir := path.Join(m.buildRoot, identifier)
	if _, err := m.run(ctx, server, remote.Cmd("rm", "-rf", dir)); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if _, err := m.run(ctx, server, remote.Cmd("mkdir", "-p", dir)); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// CleanupWorkspace removes a workspace created by PrepareWorkspace.
func (m *Manager) CleanupWorkspace(ctx context.Context, server domain.Server, dir string) error {
	if dir == "" {
		return nil
	}
	clean := path.Clean(dir)
	if path.Dir(clean) != m.buildRoot {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	if _, err := m.run(ctx, server, remote.Cmd("rm", "-rf", clean)); err != nil {
		return fmt.Errorf("cleanup workspace: %w", err)
	}
	return nil
}

// Clone clones branch of repoURL into dir and checks out commit when given.
func (m *Manager) Clone(ctx context.Context, server domain.Server, repoURL, branch, commit, dir string, onLine func(string)) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if strings.HasPrefix(repoURL, "-") || strings.HasPrefix(branch, "-") || strings.HasPrefix(commit, "-") {
		return fmt.Errorf("invalid repository reference")
	}
	emit := func(line string) bool {
		if onLine != nil {
			onLine(line)
		}
		return true
	}

	args := []string{"env", "GIT_TERMINAL_PROMPT=0", "git", "clone", "--no-tags"}
	if branch != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	args = append(args, "--", repoURL, ".")
	if err := m.exec.Stream(ctx, server, remote.Cmd(args...).In(dir).WithTimeout(m.timeouts.Build), emit); err != nil {
		return fmt.Errorf("git clone: %w", err)
	}
	if commit == "" {
		return nil
	}
	checkout := remote.Cmd("git", "-c", "advice.detachedHead=false", "checkout", "--detach", commit).In(dir)
	if err := m.exec.Stream(ctx, server, checkout.WithTimeout(m.timeouts.Command), emit); err != nil {
		return fmt.Errorf("git checkout %s: %w", commit, err)
	}
	return nil
}

// HeadCommit returns the checked out commit hash and subject line.
func (m *Manager) HeadCommit(ctx context.Context, server domain.Server, dir string) (string, string, error) {
	out, err := m.run(ctx, server, remote.Cmd("git", "log", "-1", "--format=%H%n%s").In(dir))
	if err != nil {
		return "", "", fmt.Errorf("git log: %w", err)
	}
	parts := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	hash := strings.TrimSpace(parts[0])
	message := ""
	if len(parts) == 2 {
		message = strings.TrimSpace(parts[1])
	}
	return hash, message, nil
}

// RunScript executes a user supplied shell command inside dir, streaming its
// output. The command is one argv element to sh -c.
func (m *Manager) RunScript(ctx context.Context, server domain.Server, dir, script string, env map[string]string, onLine func(string)) error {
	args := []string{"env"}
	for _, key := range sortedKeys(env) {
		args = append(args, key+"="+env[key])
	}
	args = append(args, "sh", "-c", script)
	cmd := remote.Cmd(args...).In(dir).WithTimeout(m.timeouts.Build)
	return m.exec.Stream(ctx, server, cmd, func(line string) bool {
		if onLine != nil {
			onLine(line)
		}
		return true
	})
}

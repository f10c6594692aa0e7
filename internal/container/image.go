package container

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
)

var refPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._/-]*:[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

// BuildSpec describes an image build inside a prepared workspace.
type BuildSpec struct {
	Dir        string
	Dockerfile string
	Image      string
	Tag        string
	BuildArgs  map[string]string
}

// Ref returns image:tag.
func (s BuildSpec) Ref() string {
	return s.Image + ":" + s.Tag
}

// Build runs docker build, forwarding each output line to onLine.
func (m *Manager) Build(ctx context.Context, server domain.Server, spec BuildSpec, onLine func(string)) (string, error) {
	if spec.Dir == "" {
		return "", fmt.Errorf("build directory cannot be empty")
	}
	ref := spec.Ref()
	if !refPattern.MatchString(ref) {
		return "", fmt.Errorf("invalid image reference %q", ref)
	}
	dockerfile := spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if err := checkRelative(dockerfile); err != nil {
		return "", err
	}

	args := []string{"docker", "build", "--progress=plain", "-f", dockerfile, "-t", ref}
	keys := make([]string, 0, len(spec.BuildArgs))
	for k := range spec.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", k+"="+spec.BuildArgs[k])
	}
	args = append(args, ".")

	cmd := remote.Cmd(args...).In(spec.Dir).WithTimeout(m.timeouts.Build)
	err := m.exec.Stream(ctx, server, cmd, func(line string) bool {
		if onLine != nil {
			onLine(line)
		}
		return true
	})
	if err != nil {
		return "", fmt.Errorf("docker build %s: %w", ref, err)
	}
	return ref, nil
}

// Tag points dst at the image src.
func (m *Manager) Tag(ctx context.Context, server domain.Server, src, dst string) error {
	if !refPattern.MatchString(dst) {
		return fmt.Errorf("invalid image reference %q", dst)
	}
	if _, err := m.run(ctx, server, remote.Cmd("docker", "tag", src, dst)); err != nil {
		return fmt.Errorf("docker tag %s %s: %w", src, dst, notFound(err))
	}
	return nil
}

// ImageExists reports whether ref is present on the server.
func (m *Manager) ImageExists(ctx context.Context, server domain.Server, ref string) (bool, error) {
	_, err := m.run(ctx, server, remote.Cmd("docker", "image", "inspect", "--format", "{{.Id}}", ref).WithTimeout(m.timeouts.Health))
	if err == nil {
		return true, nil
	}
	if errors.Is(notFound(err), ErrNotFound) {
		return false, nil
	}
	var cmdErr *remote.CommandError
	if errors.As(err, &cmdErr) {
		return false, nil
	}
	return false, fmt.Errorf("docker image inspect %s: %w", ref, err)
}

// RemoveImage deletes an image. A missing image is not an error.
func (m *Manager) RemoveImage(ctx context.Context, server domain.Server, ref string) error {
	if _, err := m.run(ctx, server, remote.Cmd("docker", "image", "rm", ref)); err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return nil
		}
		return fmt.Errorf("docker image rm %s: %w", ref, err)
	}
	return nil
}

// DockerfileSpec feeds the generated Dockerfile template.
type DockerfileSpec struct {
	InstallCommand string
	BuildCommand   string
	StartCommand   string
	Port           int
}

// EnsureDockerfile generates a Dockerfile in dir when the repository lacks
// one. It reports whether a file was written.
func (m *Manager) EnsureDockerfile(ctx context.Context, server domain.Server, dir, dockerfile string, spec DockerfileSpec) (bool, error) {
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if err := checkRelative(dockerfile); err != nil {
		return false, err
	}
	target := path.Join(dir, dockerfile)
	if _, err := m.run(ctx, server, remote.Cmd("test", "-f", target)); err == nil {
		return false, nil
	} else {
		var cmdErr *remote.CommandError
		if !errors.As(err, &cmdErr) {
			return false, fmt.Errorf("check dockerfile: %w", err)
		}
	}

	listing, err := m.run(ctx, server, remote.Cmd("ls", "-1A", dir))
	if err != nil {
		return false, fmt.Errorf("list workspace: %w", err)
	}
	content, err := GenerateDockerfile(strings.Split(strings.TrimSpace(listing), "\n"), spec)
	if err != nil {
		return false, err
	}
	write := remote.Shell(`cat > "$1"`, target).WithStdin(strings.NewReader(content))
	if _, err := m.run(ctx, server, write); err != nil {
		return false, fmt.Errorf("write dockerfile: %w", err)
	}
	return true, nil
}

// GenerateDockerfile renders a Dockerfile for the detected runtime.
func GenerateDockerfile(files []string, spec DockerfileSpec) (string, error) {
	has := make(map[string]bool, len(files))
	for _, f := range files {
		has[strings.TrimSpace(f)] = true
	}
	port := spec.Port
	if port <= 0 {
		port = 3000
	}

	var base, install, start string
	switch {
	case has["package.json"]:
		base = "node:20-alpine"
		install = "npm ci"
		if !has["package-lock.json"] {
			install = "npm install"
		}
		start = "npm start"
	case has["requirements.txt"]:
		base = "python:3.12-slim"
		install = "pip install --no-cache-dir -r requirements.txt"
		start = "python app.py"
	case has["go.mod"]:
		base = "golang:1.24-alpine"
		install = "go mod download"
		start = "go run ."
	default:
		return "", domain.Preconditionf("no Dockerfile found and runtime could not be detected")
	}
	if spec.InstallCommand != "" {
		install = spec.InstallCommand
	}
	if spec.StartCommand != "" {
		start = spec.StartCommand
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", base)
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY . .\n")
	fmt.Fprintf(&b, "RUN %s\n", install)
	if spec.BuildCommand != "" {
		fmt.Fprintf(&b, "RUN %s\n", spec.BuildCommand)
	}
	fmt.Fprintf(&b, "ENV PORT=%d\n", port)
	fmt.Fprintf(&b, "EXPOSE %d\n", port)
	fmt.Fprintf(&b, "CMD [\"sh\", \"-c\", %q]\n", start)
	return b.String(), nil
}

func checkRelative(p string) error {
	clean := path.Clean(p)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the workspace", p)
	}
	return nil
}

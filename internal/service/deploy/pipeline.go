package deploy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/domain"
)

// Config controls naming and addressing of deployed containers.
type Config struct {
	DomainSuffix string
	PublicScheme string
	ImagePrefix  string
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DomainSuffix == "" {
		c.DomainSuffix = ".apps.peep.local"
	}
	if !strings.HasPrefix(c.DomainSuffix, ".") {
		c.DomainSuffix = "." + c.DomainSuffix
	}
	if c.PublicScheme == "" {
		c.PublicScheme = "https"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// HostURL returns the public URL for a host label such as a project slug.
func (c Config) HostURL(label string) string {
	return c.PublicScheme + "://" + c.Host(label)
}

// Host returns the public hostname for a host label.
func (c Config) Host(label string) string {
	return label + c.DomainSuffix
}

// ImageName returns the repository name used for a project's images.
func (c Config) ImageName(slug string) string {
	if c.ImagePrefix == "" {
		return slug
	}
	return strings.TrimRight(c.ImagePrefix, "/") + "/" + slug
}

// ImageTag returns <short-sha>-<id prefix>.
func ImageTag(commitHash, deploymentID string) string {
	sha := strings.ToLower(commitHash)
	if len(sha) > 7 {
		sha = sha[:7]
	}
	if sha == "" {
		sha = "head"
	}
	id := strings.ReplaceAll(deploymentID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return sha + "-" + id
}

// Pipeline runs the remote build and launch steps shared by production and
// preview deployments.
type Pipeline struct {
	containers *container.Manager
	ports      *container.PortAllocator
	cfg        Config
	logger     *slog.Logger
}

// NewPipeline returns a pipeline bound to a container manager and port allocator.
func NewPipeline(containers *container.Manager, ports *container.PortAllocator, cfg Config, logger *slog.Logger) Pipeline {
	return Pipeline{containers: containers, ports: ports, cfg: cfg.withDefaults(), logger: logger}
}

// Config returns the effective configuration.
func (p Pipeline) Config() Config {
	return p.cfg
}

// Containers exposes the underlying container manager.
func (p Pipeline) Containers() *container.Manager {
	return p.containers
}

// Ports exposes the port allocator.
func (p Pipeline) Ports() *container.PortAllocator {
	return p.ports
}

// BuildRequest identifies the source to build.
type BuildRequest struct {
	WorkspaceID string
	Branch      string
	CommitHash  string
	DeployID    string
}

// BuildOutput is the result of a successful build.
type BuildOutput struct {
	Image         string
	Tag           string
	CommitHash    string
	CommitMessage string
}

// Ref returns image:tag.
func (o BuildOutput) Ref() string {
	return o.Image + ":" + o.Tag
}

// Build clones the project, runs its install and build commands and builds an
// image. Each output line is passed to logf.
func (p Pipeline) Build(ctx context.Context, server domain.Server, project domain.Project, req BuildRequest, logf func(string)) (BuildOutput, error) {
	dir, err := p.containers.PrepareWorkspace(ctx, server, req.WorkspaceID)
	if err != nil {
		return BuildOutput{}, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := p.containers.CleanupWorkspace(cleanupCtx, server, dir); err != nil {
			p.logger.Warn("workspace cleanup failed", "server_id", server.ID, "dir", dir, "error", err)
		}
	}()

	logf(fmt.Sprintf("==> cloning %s (%s)", project.RepoURL, req.Branch))
	if err := p.containers.Clone(ctx, server, project.RepoURL, req.Branch, req.CommitHash, dir, logf); err != nil {
		return BuildOutput{}, err
	}
	hash, message, err := p.containers.HeadCommit(ctx, server, dir)
	if err != nil {
		return BuildOutput{}, err
	}
	logf(fmt.Sprintf("==> checked out %s", hash))

	generated, err := p.containers.EnsureDockerfile(ctx, server, dir, project.Dockerfile, container.DockerfileSpec{
		InstallCommand: project.InstallCommand,
		BuildCommand:   project.BuildCommand,
		StartCommand:   project.StartCommand,
		Port:           project.AppPort,
	})
	if err != nil {
		return BuildOutput{}, err
	}
	if generated {
		logf("==> no Dockerfile in repository, generated one")
	} else {
		for _, step := range []struct{ name, script string }{
			{"install", project.InstallCommand},
			{"build", project.BuildCommand},
		} {
			if strings.TrimSpace(step.script) == "" {
				continue
			}
			logf(fmt.Sprintf("==> running %s command", step.name))
			if err := p.containers.RunScript(ctx, server, dir, step.script, project.EnvVars, logf); err != nil {
				return BuildOutput{}, fmt.Errorf("%s command: %w", step.name, err)
			}
		}
	}

	out := BuildOutput{
		Image:         p.cfg.ImageName(project.Slug),
		Tag:           ImageTag(hash, req.DeployID),
		CommitHash:    hash,
		CommitMessage: message,
	}
	logf(fmt.Sprintf("==> building image %s", out.Ref()))
	if _, err := p.containers.Build(ctx, server, container.BuildSpec{
		Dir:        dir,
		Dockerfile: project.Dockerfile,
		Image:      out.Image,
		Tag:        out.Tag,
	}, logf); err != nil {
		return BuildOutput{}, err
	}
	return out, nil
}

// LaunchRequest describes a container replacement.
type LaunchRequest struct {
	Name      string
	ImageRef  string
	OwnerKind string
	OwnerID   string
	Replace   []string
	Labels    map[string]string
	ExtraEnv  map[string]string
	// HostLabel names the public hostname the container serves. It is
	// published as the peep.host label for a label-driven reverse proxy.
	HostLabel string
}

// LaunchOutput is the running container.
type LaunchOutput struct {
	ContainerID string
	Port        int
}

// Launch reserves the owner's port, removes the containers being replaced and
// starts the new one, waiting until it runs. A container that fails to reach
// running is removed.
func (p Pipeline) Launch(ctx context.Context, server domain.Server, project domain.Project, req LaunchRequest, logf func(string)) (LaunchOutput, error) {
	port, err := p.ports.Reserve(ctx, server, req.OwnerKind, req.OwnerID)
	if err != nil {
		return LaunchOutput{}, fmt.Errorf("reserve port: %w", err)
	}
	for _, old := range append(append([]string(nil), req.Replace...), req.Name) {
		if old == "" {
			continue
		}
		if err := p.containers.Remove(ctx, server, old); err != nil {
			return LaunchOutput{}, fmt.Errorf("remove previous container: %w", err)
		}
	}

	appPort := project.AppPort
	if appPort <= 0 {
		appPort = 3000
	}
	env := make(map[string]string, len(project.EnvVars)+len(req.ExtraEnv)+1)
	for k, v := range project.EnvVars {
		env[k] = v
	}
	for k, v := range req.ExtraEnv {
		env[k] = v
	}
	env["PORT"] = strconv.Itoa(appPort)

	labels := make(map[string]string, len(req.Labels)+2)
	for k, v := range req.Labels {
		labels[k] = v
	}
	if req.HostLabel != "" {
		labels["peep.host"] = p.cfg.Host(req.HostLabel)
		labels["peep.port"] = strconv.Itoa(port)
	}

	logf(fmt.Sprintf("==> starting %s on port %d", req.Name, port))
	id, err := p.containers.Run(ctx, server, container.RunSpec{
		Name:    req.Name,
		Image:   req.ImageRef,
		Env:     env,
		Ports:   container.PublishPort(port, appPort),
		Restart: "unless-stopped",
		Labels:  labels,
	})
	if err != nil {
		return LaunchOutput{}, err
	}
	if _, err := p.containers.WaitRunning(ctx, server, id, p.cfg.PollInterval); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rmErr := p.containers.Remove(cleanupCtx, server, id); rmErr != nil {
			p.logger.Warn("remove failed container", "container_id", id, "error", rmErr)
		}
		return LaunchOutput{}, err
	}
	logf(fmt.Sprintf("==> container %s running", shortID(id)))
	return LaunchOutput{ContainerID: id, Port: port}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

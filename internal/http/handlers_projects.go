package httpx

import (
	"net/http"

	"github.com/splax/localvercel/internal/service/project"
	"github.com/splax/localvercel/internal/service/server"
)

func (r *Router) handleRegisterServer(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name       string `json:"name"`
		Host       string `json:"host"`
		Port       int    `json:"port"`
		Username   string `json:"username"`
		AuthMethod string `json:"auth_method"`
		Credential string `json:"credential"`
		HostKey    string `json:"host_key"`
	}
	if err := decodeJSON(w, req, &payload); err != nil {
		r.fail(w, req, err)
		return
	}
	srv, err := r.svc.Servers.Register(req.Context(), server.RegisterInput{
		Name:       payload.Name,
		Host:       payload.Host,
		Port:       payload.Port,
		Username:   payload.Username,
		AuthMethod: payload.AuthMethod,
		Credential: payload.Credential,
		HostKey:    payload.HostKey,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

func (r *Router) handleListServers(w http.ResponseWriter, req *http.Request) {
	servers, err := r.svc.Servers.List(req.Context())
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (r *Router) handleProbeServer(w http.ResponseWriter, req *http.Request) {
	srv, err := r.svc.Servers.Probe(req.Context(), req.PathValue("serverID"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

type projectPayload struct {
	Name           *string           `json:"name"`
	Slug           *string           `json:"slug"`
	RepoURL        *string           `json:"repo_url"`
	RepoFullName   *string           `json:"repo_full_name"`
	Branch         *string           `json:"branch"`
	InstallCommand *string           `json:"install_command"`
	BuildCommand   *string           `json:"build_command"`
	StartCommand   *string           `json:"start_command"`
	Dockerfile     *string           `json:"dockerfile"`
	AppPort        *int              `json:"app_port"`
	ServerID       *string           `json:"server_id"`
	AutoDeploy     *bool             `json:"auto_deploy_enabled"`
	Previews       *bool             `json:"preview_deployments_enabled"`
	EnvVars        map[string]string `json:"env_vars"`
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) {
	var payload projectPayload
	if err := decodeJSON(w, req, &payload); err != nil {
		r.fail(w, req, err)
		return
	}
	created, err := r.svc.Projects.Create(req.Context(), project.CreateInput{
		Name:           deref(payload.Name),
		Slug:           deref(payload.Slug),
		RepoURL:        deref(payload.RepoURL),
		RepoFullName:   deref(payload.RepoFullName),
		Branch:         deref(payload.Branch),
		InstallCommand: deref(payload.InstallCommand),
		BuildCommand:   deref(payload.BuildCommand),
		StartCommand:   deref(payload.StartCommand),
		Dockerfile:     deref(payload.Dockerfile),
		AppPort:        deref(payload.AppPort),
		ServerID:       deref(payload.ServerID),
		AutoDeploy:     payload.AutoDeploy,
		Previews:       deref(payload.Previews),
		EnvVars:        payload.EnvVars,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (r *Router) handleListProjects(w http.ResponseWriter, req *http.Request) {
	projects, err := r.svc.Projects.List(req.Context())
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (r *Router) handleGetProject(w http.ResponseWriter, req *http.Request) {
	p, err := r.svc.Projects.Get(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) handleUpdateProject(w http.ResponseWriter, req *http.Request) {
	var payload projectPayload
	if err := decodeJSON(w, req, &payload); err != nil {
		r.fail(w, req, err)
		return
	}
	if payload.Slug != nil {
		writeError(w, http.StatusBadRequest, "slug cannot be changed")
		return
	}
	p, err := r.svc.Projects.Update(req.Context(), req.PathValue("projectID"), project.UpdateInput{
		Name:           payload.Name,
		RepoURL:        payload.RepoURL,
		RepoFullName:   payload.RepoFullName,
		Branch:         payload.Branch,
		InstallCommand: payload.InstallCommand,
		BuildCommand:   payload.BuildCommand,
		StartCommand:   payload.StartCommand,
		Dockerfile:     payload.Dockerfile,
		AppPort:        payload.AppPort,
		ServerID:       payload.ServerID,
		AutoDeploy:     payload.AutoDeploy,
		Previews:       payload.Previews,
		EnvVars:        payload.EnvVars,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) handleDeleteProject(w http.ResponseWriter, req *http.Request) {
	if err := r.svc.Projects.Delete(req.Context(), req.PathValue("projectID")); err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "project cleanup queued"})
}

func (r *Router) handleRotateWebhookSecret(w http.ResponseWriter, req *http.Request) {
	secrets, err := r.svc.Projects.RotateWebhookSecret(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, secrets)
}

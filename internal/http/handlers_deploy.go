package httpx

import (
	"net/http"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/service/deploy"
)

const (
	defaultDeploymentPage = 20
	maxDeploymentPage     = 100
)

func (r *Router) handleTriggerDeploy(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Branch        string `json:"branch"`
		CommitHash    string `json:"commit_hash"`
		CommitMessage string `json:"commit_message"`
	}
	// an empty body deploys the head of the project branch
	if err := decodeOptionalJSON(w, req, &payload); err != nil {
		r.fail(w, req, err)
		return
	}
	d, err := r.svc.Deploy.Trigger(req.Context(), deploy.TriggerRequest{
		ProjectID:     req.PathValue("projectID"),
		Trigger:       domain.TriggerManual,
		Branch:        payload.Branch,
		CommitHash:    payload.CommitHash,
		CommitMessage: payload.CommitMessage,
		ActorID:       actorID(req),
	})
	r.writeDeploymentAccepted(w, req, d, err)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	d, err := r.svc.Deploy.Rollback(req.Context(), actorID(req), req.PathValue("deploymentID"))
	r.writeDeploymentAccepted(w, req, d, err)
}

func (r *Router) handleRedeploy(w http.ResponseWriter, req *http.Request) {
	d, err := r.svc.Deploy.Redeploy(req.Context(), actorID(req), req.PathValue("deploymentID"))
	r.writeDeploymentAccepted(w, req, d, err)
}

// writeDeploymentAccepted reports a queued deployment. A deployment recorded
// but not dispatched is returned with its failed status.
func (r *Router) writeDeploymentAccepted(w http.ResponseWriter, req *http.Request, d *domain.Deployment, err error) {
	if err != nil {
		if d != nil && d.Status == domain.DeploymentFailed {
			r.logger.Error("deployment could not be queued", "deployment_id", d.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "deployment could not be queued", "deployment": d})
			return
		}
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", defaultDeploymentPage)
	if limit <= 0 || limit > maxDeploymentPage {
		limit = defaultDeploymentPage
	}
	deployments, err := r.svc.Deploy.ListByProject(req.Context(), req.PathValue("projectID"), limit)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	d, err := r.svc.Deploy.Get(req.Context(), req.PathValue("deploymentID"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (r *Router) handleCancelDeployment(w http.ResponseWriter, req *http.Request) {
	d, err := r.svc.Deploy.Cancel(req.Context(), req.PathValue("deploymentID"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request) {
	logs, err := r.svc.Deploy.Logs(req.Context(), req.PathValue("deploymentID"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (r *Router) handleListPreviews(w http.ResponseWriter, req *http.Request) {
	previews, err := r.svc.Previews.List(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, previews)
}

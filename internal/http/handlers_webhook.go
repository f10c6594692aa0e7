package httpx

import (
	"errors"
	"io"
	"net/http"

	"github.com/splax/localvercel/internal/service/webhook"
)

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.webhookBodyLimit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	event := req.Header.Get("X-GitHub-Event")
	result, err := r.svc.Webhook.Handle(req.Context(), webhook.Delivery{
		Secret:     req.PathValue("webhookSecret"),
		Event:      event,
		DeliveryID: req.Header.Get("X-GitHub-Delivery"),
		Signature:  req.Header.Get("X-Hub-Signature-256"),
		Body:       body,
	})
	if err != nil {
		r.recordWebhook(event, webhookRejected)
		r.fail(w, req, err)
		return
	}
	outcome := webhookQueued
	if result.Ignored {
		outcome = webhookIgnored
	}
	r.recordWebhook(event, outcome)
	payload := map[string]any{"message": result.Message}
	if result.DeploymentID != "" {
		payload["deployment_id"] = result.DeploymentID
	}
	if result.PreviewID != "" {
		payload["preview_id"] = result.PreviewID
	}
	if result.Ignored {
		payload["ignored"] = true
	}
	writeJSON(w, http.StatusOK, payload)
}

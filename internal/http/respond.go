package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"log/slog"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/service/webhook"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// envelope is the response shape of the database and backup endpoints.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeData(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

// errorStatus maps service errors to a status code and a client-safe message.
func errorStatus(err error) (int, string) {
	var precondition *domain.PreconditionError
	var bad *requestError
	switch {
	case errors.As(err, &bad):
		return bad.status, bad.msg
	case errors.As(err, &precondition):
		return http.StatusBadRequest, precondition.Reason
	case errors.Is(err, webhook.ErrUnknownSecret):
		return http.StatusNotFound, "unknown webhook"
	case errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusForbidden, "invalid signature"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid argument"
	}
	return http.StatusInternalServerError, "internal error"
}

func (r *Router) fail(w http.ResponseWriter, req *http.Request, err error) {
	status, msg := r.classify(req, err)
	writeError(w, status, msg)
}

func (r *Router) failEnvelope(w http.ResponseWriter, req *http.Request, err error) {
	status, msg := r.classify(req, err)
	writeFailure(w, status, msg)
}

func (r *Router) classify(req *http.Request, err error) (int, string) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", "path", redactPath(req.URL.Path), "error", err)
	} else {
		r.logger.Debug("request rejected", "path", redactPath(req.URL.Path), "status", status, slog.String("reason", msg))
	}
	return status, msg
}

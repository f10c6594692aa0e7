package httpx

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/splax/localvercel/internal/service/logs"
	"github.com/splax/localvercel/internal/ws"
)

// handleContainerLogs streams the production container output as SSE.
func (r *Router) handleContainerLogs(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	stream, err := r.svc.Logs.OpenContainer(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	tail := logs.ClampTail(queryInt(req, "tail", r.logTail))

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	ctx, cancel := context.WithCancel(req.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeat(ctx, client, cancel)
	}()

	if err := stream.Run(ctx, tail, client); err != nil {
		r.logger.Debug("container log stream stopped", "project_id", req.PathValue("projectID"), "error", err)
	}
	cancel()
	wg.Wait()
	client.Close()
}

func (r *Router) heartbeat(ctx context.Context, client *ws.SSEClient, cancel context.CancelFunc) {
	ticker := time.NewTicker(r.logHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(client.LastActivity()) < r.logHeartbeat {
				continue
			}
			if err := client.Heartbeat(); err != nil {
				cancel()
				return
			}
		}
	}
}

// handleDeploymentLogsWS relays live build and deploy output over a websocket.
func (r *Router) handleDeploymentLogsWS(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("deploymentID")
	if _, err := r.svc.Deploy.Get(req.Context(), id); err != nil {
		r.fail(w, req, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go client.Drain(cancel)

	if err := r.svc.Logs.Follow(ctx, id, client); err != nil {
		r.logger.Warn("deployment log relay failed", "deployment_id", id, "error", err)
	}
	client.Close()
}

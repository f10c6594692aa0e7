package httpx

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	units "github.com/docker/go-units"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/service/backup"
	"github.com/splax/localvercel/internal/service/database"
)

type databaseAction int

const (
	actionStart databaseAction = iota
	actionStop
	actionRestart
)

func (r *Router) handleCreateDatabase(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name        string `json:"name"`
		Engine      string `json:"engine"`
		Version     string `json:"version"`
		MemoryLimit string `json:"memory_limit"`
		CPULimit    string `json:"cpu_limit"`
	}
	if err := decodeJSON(w, req, &payload); err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	db, err := r.svc.Databases.Create(req.Context(), database.CreateInput{
		ProjectID:   req.PathValue("projectID"),
		Name:        payload.Name,
		Engine:      payload.Engine,
		Version:     payload.Version,
		MemoryLimit: payload.MemoryLimit,
		CPULimit:    payload.CPULimit,
	})
	if err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	writeData(w, http.StatusAccepted, "database provisioning queued", db)
}

func (r *Router) handleListDatabases(w http.ResponseWriter, req *http.Request) {
	dbs, err := r.svc.Databases.List(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	writeData(w, http.StatusOK, "", dbs)
}

func (r *Router) handleGetDatabase(w http.ResponseWriter, req *http.Request) {
	db, err := r.svc.Databases.Get(req.Context(), req.PathValue("databaseID"))
	if err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	writeData(w, http.StatusOK, "", db)
}

func (r *Router) handleDatabaseConnection(w http.ResponseWriter, req *http.Request) {
	conn, err := r.svc.Databases.Connection(req.Context(), req.PathValue("databaseID"))
	if err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeData(w, http.StatusOK, "", conn)
}

func (r *Router) handleDatabaseAction(action databaseAction) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var (
			op   func(context.Context, string) (*domain.Database, error)
			verb string
		)
		switch action {
		case actionStart:
			op, verb = r.svc.Databases.Start, "started"
		case actionStop:
			op, verb = r.svc.Databases.Stop, "stopped"
		default:
			op, verb = r.svc.Databases.Restart, "restarted"
		}
		db, err := op(req.Context(), req.PathValue("databaseID"))
		if err != nil {
			r.failEnvelope(w, req, err)
			return
		}
		writeData(w, http.StatusOK, "database "+verb, db)
	}
}

func (r *Router) handleDeleteDatabase(w http.ResponseWriter, req *http.Request) {
	db, err := r.svc.Databases.Delete(req.Context(), req.PathValue("databaseID"))
	if err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	writeData(w, http.StatusAccepted, "database deletion queued", db)
}

// backupView adds a human readable size to a backup record.
type backupView struct {
	*domain.Backup
	Size string `json:"size,omitempty"`
}

func viewBackup(b *domain.Backup) backupView {
	v := backupView{Backup: b}
	if b.SizeBytes != nil {
		v.Size = units.HumanSize(float64(*b.SizeBytes))
	}
	return v
}

func (r *Router) handleCreateBackup(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Compression   string `json:"compression"`
		RetentionDays int    `json:"retention_days"`
	}
	if err := decodeOptionalJSON(w, req, &payload); err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	b, err := r.svc.Backups.Create(req.Context(), req.PathValue("databaseID"), backup.CreateInput{
		Compression:   payload.Compression,
		RetentionDays: payload.RetentionDays,
	})
	if err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	writeData(w, http.StatusAccepted, "backup queued", viewBackup(b))
}

func (r *Router) handleListBackups(w http.ResponseWriter, req *http.Request) {
	backups, err := r.svc.Backups.List(req.Context(), req.PathValue("databaseID"))
	if err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	views := make([]backupView, 0, len(backups))
	for i := range backups {
		views = append(views, viewBackup(&backups[i]))
	}
	writeData(w, http.StatusOK, "", views)
}

func (r *Router) handleGetBackup(w http.ResponseWriter, req *http.Request) {
	b, err := r.svc.Backups.Get(req.Context(), req.PathValue("backupID"))
	if err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	writeData(w, http.StatusOK, "", viewBackup(b))
}

func (r *Router) handleRestoreBackup(w http.ResponseWriter, req *http.Request) {
	b, err := r.svc.Backups.Restore(req.Context(), req.PathValue("backupID"))
	if err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	writeData(w, http.StatusOK, "backup restored", viewBackup(b))
}

func (r *Router) handleDeleteBackup(w http.ResponseWriter, req *http.Request) {
	if err := r.svc.Backups.Delete(req.Context(), req.PathValue("backupID")); err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	writeData(w, http.StatusOK, "backup deleted", nil)
}

func (r *Router) handleDownloadBackup(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("backupID")
	artifact, err := r.svc.Backups.Stat(req.Context(), id)
	if err != nil {
		r.failEnvelope(w, req, err)
		return
	}
	contentType := "application/sql"
	if artifact.Compression == domain.CompressionGzip {
		contentType = "application/gzip"
	}
	headers := w.Header()
	headers.Set("Content-Type", contentType)
	headers.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Name))
	if artifact.SizeBytes > 0 {
		headers.Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	}
	n, err := r.svc.Backups.Download(req.Context(), id, w)
	if err != nil {
		// headers are gone once bytes were streamed
		if n == 0 {
			headers.Del("Content-Disposition")
			headers.Del("Content-Length")
			r.failEnvelope(w, req, err)
			return
		}
		r.logger.Error("backup download interrupted", "backup_id", id, "bytes", n, "error", err)
		return
	}
	r.logger.Info("backup downloaded", "backup_id", id, "size", units.HumanSize(float64(n)))
}

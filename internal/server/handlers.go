package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orchestro/console/internal/engine"
	"github.com/orchestro/console/pkg/api/client"
)

func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	if !decodeJSON(w, r, v) {
		return false
	}
	if err := client.Validate(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	backend := map[string]any{"status": "up"}
	if err := s.api.Health(ctx); err != nil {
		status = "degraded"
		backend = map[string]any{"status": "down", "error": err.Error()}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": map[string]any{"backend": backend},
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.OverviewView(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOverviewEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.OpenOverview(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	defer sess.Close()

	changes, err := sess.Watch()
	if err != nil {
		s.fail(w, err)
		return
	}
	l := s.logger.With("session_id", sess.SessionID())
	s.stream(w, r, l, "overview", changes, func() (any, bool) {
		return sess.View(), true
	})
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.ProjectView(r.Context(), projectIDFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	logView, err := engine.ParseLogView(r.URL.Query().Get("logs"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.engine.OpenProject(r.Context(), projectIDFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	defer sess.Close()

	changes, err := sess.Watch()
	if err != nil {
		s.fail(w, err)
		return
	}
	sess.SetLogView(logView)
	l := s.logger.With("session_id", sess.SessionID(), "project_id", sess.ID())
	s.stream(w, r, l, "project", changes, func() (any, bool) {
		return sess.View()
	})
}

func (s *Server) handleClearLog(w http.ResponseWriter, r *http.Request) {
	kind, err := engine.ParseLogView(chi.URLParam(r, "kind"))
	if err != nil || kind == engine.LogViewNone {
		writeError(w, http.StatusBadRequest, "log must be build or runtime")
		return
	}
	if err := s.engine.ClearLog(projectIDFrom(r), kind); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stream sends the current view, then one view per change signal until the client leaves or
// the change channel closes.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, l *slog.Logger, event string, changes <-chan struct{}, current func() (any, bool)) {
	out, ok := openSSE(w, l)
	if !ok {
		return
	}
	defer out.Close()

	send := func() error {
		view, ok := current()
		if !ok {
			return nil
		}
		payload, err := json.Marshal(view)
		if err != nil {
			return err
		}
		return out.Send(event, payload)
	}
	if err := send(); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case _, open := <-changes:
			if !open {
				_ = out.Send("closed", []byte(`{}`))
				return
			}
			if err := send(); err != nil {
				return
			}
		case <-ticker.C:
			if err := out.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var input client.ProjectInput
	if !s.decodeValid(w, r, &input) {
		return
	}
	project, err := s.engine.Actions().CreateProject(r.Context(), input)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var input client.ProjectInput
	if !s.decodeValid(w, r, &input) {
		return
	}
	project, err := s.engine.Actions().UpdateProject(r.Context(), projectIDFrom(r), input)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Actions().DeleteProject(r.Context(), projectIDFrom(r)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Deploy(r.Context(), projectIDFrom(r)); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "deployment started"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Actions().Pause(r.Context(), projectIDFrom(r)); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "pause requested"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Actions().Resume(r.Context(), projectIDFrom(r)); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "resume requested"})
}

func (s *Server) handleCreateEnv(w http.ResponseWriter, r *http.Request) {
	var input client.EnvVarInput
	if !s.decodeValid(w, r, &input) {
		return
	}
	env, err := s.engine.Actions().CreateEnvVar(r.Context(), projectIDFrom(r), input)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleDeleteEnv(w http.ResponseWriter, r *http.Request) {
	envID, ok := paramID(w, r, "envId")
	if !ok {
		return
	}
	if err := s.engine.Actions().DeleteEnvVar(r.Context(), projectIDFrom(r), envID); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddVolume(w http.ResponseWriter, r *http.Request) {
	var input client.VolumeInput
	if !s.decodeValid(w, r, &input) {
		return
	}
	vol, err := s.engine.Actions().AddVolume(r.Context(), projectIDFrom(r), input)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, vol)
}

func (s *Server) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	volumeID, ok := paramID(w, r, "volumeId")
	if !ok {
		return
	}
	if err := s.engine.Actions().DeleteVolume(r.Context(), projectIDFrom(r), volumeID); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	backup, err := s.engine.Actions().CreateBackup(r.Context(), projectIDFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, backup)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.api.ListBackups(r.Context(), projectIDFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if backups == nil {
		backups = []client.Backup{}
	}
	writeJSON(w, http.StatusOK, backups)
}

func (s *Server) handleDownloadBackup(w http.ResponseWriter, r *http.Request) {
	backupID, ok := paramID(w, r, "id")
	if !ok {
		return
	}
	out := &attachmentWriter{w: w, filename: fmt.Sprintf("backup-%d.tar.gz", backupID)}
	n, err := s.api.DownloadBackup(r.Context(), backupID, out)
	if err != nil {
		if !out.started {
			s.fail(w, err)
			return
		}
		s.logger.Warn("backup download interrupted", "backup_id", backupID, "bytes", n, "error", err)
		return
	}
	out.start()
}

// attachmentWriter defers the response headers until the first byte arrives, so a backend
// error can still be reported as JSON.
type attachmentWriter struct {
	w        http.ResponseWriter
	filename string
	started  bool
}

func (a *attachmentWriter) start() {
	if a.started {
		return
	}
	a.started = true
	h := a.w.Header()
	h.Set("Content-Type", "application/gzip")
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.filename))
	a.w.WriteHeader(http.StatusOK)
}

func (a *attachmentWriter) Write(p []byte) (int, error) {
	a.start()
	return a.w.Write(p)
}

package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/ledgersync/internal/app"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
	ledgersync "github.com/kimhsiao/ledgersync/internal/sync"
)

// Server is the daemon's local HTTP surface.
type Server struct {
	app    *app.App
	syncer ledgersync.Syncer
	hub    *WSHub
}

// NewServer creates a server over a.
func NewServer(a *app.App, hub *WSHub) *Server {
	return &Server{app: a, syncer: a.Orchestrator, hub: hub}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.With(middleware.Timeout(2*time.Minute)).Post("/sync", s.handleSync)
		r.Post("/{kind}/{localID}/delete", s.handleDelete)
		r.Post("/{kind}/{localID}/restore", s.handleRestore)
		r.Post("/media/retry", s.handleMediaRetry)
		r.Post("/backup", s.handleBackup)
		if s.hub != nil {
			r.Get("/ws", s.hub.ServeHTTP)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Status(r.Context()))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.TriggerSync(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"skipped": true,
			"state":   s.syncer.State().String(),
			"mode":    s.app.Mode.Mode(),
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func recordParams(r *http.Request) (models.Kind, int64, error) {
	kind, err := models.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrInvalid, "unknown record kind", err)
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "localID"), 10, 64)
	if err != nil || id <= 0 {
		return "", 0, apperrors.New(apperrors.ErrInvalid, "invalid local id")
	}
	return kind, id, nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, id, err := recordParams(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.app.Delete(r.Context(), kind, id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"kind":    kind,
		"localId": id,
		"pending": s.app.Shadow.IsPending(kind, id),
	})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	kind, id, err := recordParams(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	rec, err := s.app.Restore(r.Context(), kind, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMediaRetry(w http.ResponseWriter, r *http.Request) {
	n, err := s.app.Media.RetryAll(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	path, err := s.app.Backup.RunOnce(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeAppError maps an error code onto an HTTP status.
func writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperrors.CodeOf(err)
	switch {
	case apperrors.IsSecurity(err):
		status = http.StatusForbidden
	case code == apperrors.ErrNotFound:
		status = http.StatusNotFound
	case code == apperrors.ErrInvalid, code == apperrors.ErrValidation:
		status = http.StatusBadRequest
	case code == apperrors.ErrDuplicate:
		status = http.StatusConflict
	case code == apperrors.ErrRestoreExpired:
		status = http.StatusGone
	case code == apperrors.ErrNetwork, code == apperrors.ErrStorageUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.Error("api request failed", err, nil)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": err.Error(),
		},
	})
}

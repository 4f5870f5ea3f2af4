package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/theftguard/internal/alerts"
	"github.com/technosupport/theftguard/internal/backend"
	"github.com/technosupport/theftguard/internal/cameras"
	"github.com/technosupport/theftguard/internal/dvr"
	"github.com/technosupport/theftguard/internal/state"
)

type StateSource interface {
	Snapshot() state.ConnectionState
	Subscribe(l state.Listener) func()
}

type AlertSource interface {
	Snapshot() []alerts.Alert
	Subscribe(fn func(alerts.Alert)) func()
}

type CameraSelector interface {
	SelectCamera(ctx context.Context, id int) error
	Selected() int
	Pending() (int, bool)
}

type CameraLister interface {
	List() []backend.Camera
}

type DVRConfigurer interface {
	Configure(ctx context.Context, creds dvr.Credentials) (*dvr.Result, error)
}

// StateView is the console state as served to the renderer.
type StateView struct {
	state.ConnectionState
	SelectedCamera int  `json:"selected_camera"`
	PendingCamera  *int `json:"pending_camera,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) stateView() StateView {
	v := StateView{
		ConnectionState: s.deps.State.Snapshot(),
		SelectedCamera:  s.deps.Cameras.Selected(),
	}
	if id, ok := s.deps.Cameras.Pending(); ok {
		v.PendingCamera = &id
	}
	return v
}

// GET /api/v1/state
func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.stateView())
}

// GET /api/v1/alerts
func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"alerts": s.deps.Alerts.Snapshot()})
}

// GET /api/v1/cameras
func (s *Server) getCameras(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"cameras":  s.deps.Catalog.List(),
		"selected": s.deps.Cameras.Selected(),
	})
}

// POST /api/v1/cameras/{id}/select
func (s *Server) selectCamera(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	err = s.deps.Cameras.SelectCamera(r.Context(), id)
	var se *cameras.SwitchError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, s.stateView())
	case errors.Is(err, cameras.ErrUnknownCamera):
		respondError(w, http.StatusNotFound, "unknown camera")
	case errors.Is(err, cameras.ErrSwitchSuperseded):
		respondError(w, http.StatusConflict, "superseded by a newer selection")
	case errors.As(err, &se):
		s.logger.Warn("camera switch failed", zap.Int("camera_id", id), zap.Error(err))
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":      se.SafeMessage,
			"error_code": se.ErrorCode,
			"selected":   s.deps.Cameras.Selected(),
		})
	case errors.Is(err, cameras.ErrControllerClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "switch still in progress")
	default:
		s.logger.Error("camera switch error", zap.Int("camera_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "camera switch failed")
	}
}

// POST /api/v1/dvr/configure
func (s *Server) configureDVR(w http.ResponseWriter, r *http.Request) {
	var creds dvr.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&creds); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	res, err := s.deps.DVR.Configure(r.Context(), creds)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, res)
	case errors.Is(err, dvr.ErrInvalidCredentials):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":     "dvr configuration failed",
			"connected": false,
		})
	}
}

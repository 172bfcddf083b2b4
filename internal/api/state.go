package api

import (
	"net/http"

	"github.com/gaspardpetit/dockshell/internal/serverstate"
)

// StateHandler serves the state report.
type StateHandler struct {
	Registry *serverstate.Registry
}

type stateResponse struct {
	serverstate.State
	Components map[string]any `json:"components"`
}

// GetState returns the server status and every registered component section.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{State: serverstate.Snapshot(), Components: map[string]any{}}
	if h.Registry != nil {
		resp.Components = h.Registry.Report()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Healthz reports liveness. It answers 503 while draining.
func Healthz(w http.ResponseWriter, r *http.Request) {
	if serverstate.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": serverstate.StatusDraining})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

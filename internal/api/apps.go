// Package api implements the launcher and state HTTP handlers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/dockshell/core/logx"
	"github.com/gaspardpetit/dockshell/internal/bridge"
	"github.com/gaspardpetit/dockshell/internal/shell"
	contracts "github.com/gaspardpetit/dockshell/sdk/contracts/shell"
)

// Launcher opens and closes applications.
type Launcher interface {
	Launch(serviceKey, appKey string) (bridge.Record, bool, error)
	CloseApp(id string) error
	Apps() []bridge.Record
}

// Catalog exposes the current service listing.
type Catalog interface {
	Listing() contracts.Listing
}

// AppsHandler serves the launcher API.
type AppsHandler struct {
	Launcher Launcher
	Catalog  Catalog
}

type launchRequest struct {
	Service string `json:"service"`
	App     string `json:"app"`
}

// ListServices returns the service listing used to build the dock.
func (h *AppsHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Catalog.Listing())
}

// ListApps returns the open application records.
func (h *AppsHandler) ListApps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Launcher.Apps())
}

// Launch opens an application. It answers 201 for a new record and 200 when
// the application was already open.
func (h *AppsHandler) Launch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" || req.App == "" {
		writeError(w, http.StatusBadRequest, "service and app are required")
		return
	}
	rec, created, err := h.Launcher.Launch(req.Service, req.App)
	switch {
	case errors.Is(err, shell.ErrUnknownService), errors.Is(err, shell.ErrUnknownApp):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		logx.Log.Warn().Err(err).Str("service", req.Service).Str("app", req.App).Msg("launch failed")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rec)
}

// Close closes the application record named in the URL.
func (h *AppsHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Launcher.CloseApp(id); err != nil {
		if errors.Is(err, shell.ErrUnknownRecord) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package api implements the Job API + Log Tail HTTP surface (spec §4.5):
// GET /jobs, GET /jobs/{id}, GET /jobs/{id}/logs (SSE tail), and
// POST /jobs/{id}/cancel. Grounded on the teacher's admin-api Handler shape
// (writeJSON/writeError helpers, one method per endpoint), rewound onto
// gorilla/mux so the job id can be a named path parameter instead of
// suffix-matched on r.URL.Path. cmd/controlplane mounts this router
// alongside internal/intake's trigger/webhook routes on one http.Server.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/logstream"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler serves the Job API + Log Tail endpoints.
type Handler struct {
	cfg    *config.Config
	status statusstore.Store
	logs   logstream.Store
	log    *zap.Logger
}

func NewHandler(cfg *config.Config, status statusstore.Store, logs logstream.Store, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, status: status, logs: logs, log: log}
}

// Router builds the mux.Router serving the four Job API endpoints.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/jobs", h.HandleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.HandleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/logs", h.HandleLogs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/cancel", h.HandleCancel).Methods(http.MethodPost)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

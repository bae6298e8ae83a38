// Package admin exposes the server's replication status and the
// administrative desync/pause controls over HTTP.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dutow/wsrep-go/coordinator"
)

// Handlers serves the admin endpoints for one server state.
type Handlers struct {
	server *coordinator.ServerState
}

// NewHandlers creates admin handlers bound to the given server.
func NewHandlers(server *coordinator.ServerState) *Handlers {
	return &Handlers{server: server}
}

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()

	r.Get("/state", handlers.handleState)
	r.Get("/status", handlers.handleStatus)
	r.Get("/view", handlers.handleView)

	// Administrative quiesce controls for backup tooling
	r.Post("/desync", handlers.handleDesync)
	r.Post("/resync", handlers.handleResync)
	r.Post("/pause", handlers.handlePause)
	r.Post("/resume", handlers.handleResume)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode admin response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// handleState handles GET /admin/state
func (h *Handlers) handleState(w http.ResponseWriter, r *http.Request) {
	hist := h.server.StateHistory()
	histStrings := make([]string, len(hist))
	for i, s := range hist {
		histStrings[i] = s.String()
	}
	writeJSON(w, map[string]interface{}{
		"server_name":    h.server.Name(),
		"server_id":      h.server.ID().String(),
		"state":          h.server.State().String(),
		"state_history":  histStrings,
		"last_committed": h.server.LastCommittedGTID().String(),
		"connected_gtid": h.server.ConnectedGTID().String(),
		"desync_count":   h.server.DesyncCount(),
		"pause_count":    h.server.PauseCount(),
		"open_clients":   h.server.OpenClientCount(),
	})
}

// handleStatus handles GET /admin/status
func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	vars := h.server.Status()
	resp := make(map[string]string, len(vars))
	for _, v := range vars {
		resp[v.Name] = v.Value
	}
	writeJSON(w, resp)
}

// handleView handles GET /admin/view
func (h *Handlers) handleView(w http.ResponseWriter, r *http.Request) {
	view := h.server.CurrentView()
	members := make([]map[string]interface{}, len(view.Members))
	for i, m := range view.Members {
		members[i] = map[string]interface{}{
			"id":               m.ID.String(),
			"name":             m.Name,
			"incoming_address": m.IncomingAddress,
		}
	}
	writeJSON(w, map[string]interface{}{
		"status":    view.Status.String(),
		"seqno":     int64(view.ViewSeqno),
		"own_index": view.OwnIndex,
		"members":   members,
	})
}

// handleDesync handles POST /admin/desync
func (h *Handlers) handleDesync(w http.ResponseWriter, r *http.Request) {
	if err := h.server.Desync(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]interface{}{
		"success":      true,
		"desync_count": h.server.DesyncCount(),
	})
}

// handleResync handles POST /admin/resync
func (h *Handlers) handleResync(w http.ResponseWriter, r *http.Request) {
	if h.server.DesyncCount() == 0 {
		http.Error(w, "not desynced", http.StatusBadRequest)
		return
	}
	h.server.Resync()
	writeJSON(w, map[string]interface{}{
		"success":      true,
		"desync_count": h.server.DesyncCount(),
	})
}

// handlePause handles POST /admin/pause
func (h *Handlers) handlePause(w http.ResponseWriter, r *http.Request) {
	seqno, err := h.server.Pause()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]interface{}{
		"success":     true,
		"pause_seqno": int64(seqno),
		"pause_count": h.server.PauseCount(),
	})
}

// handleResume handles POST /admin/resume
func (h *Handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	if h.server.PauseCount() == 0 {
		http.Error(w, "not paused", http.StatusBadRequest)
		return
	}
	h.server.Resume()
	writeJSON(w, map[string]interface{}{
		"success":     true,
		"pause_count": h.server.PauseCount(),
	})
}

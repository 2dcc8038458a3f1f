package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/onnwee/chatnotes/chat"
	"github.com/onnwee/chatnotes/telemetry"
)

type sessionRequest struct {
	OwnerID string `json:"owner_id"`
}

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Mode      chat.Mode `json:"mode"`
}

// HandleSessionOpen registers a live client session and returns its ID.
func (h *Handlers) HandleSessionOpen(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		owner = r.URL.Query().Get("owner_id")
	}
	if h.opts.SessionOwnerLimit > 0 && owner != "" && h.ownerSessions(owner) >= h.opts.SessionOwnerLimit {
		writeError(w, r, http.StatusTooManyRequests, "too many sessions for owner")
		return
	}
	id := uuid.NewString()
	h.opts.Orchestrator.SessionOpened(id, owner)
	telemetry.LoggerWithCorr(r.Context()).Info("session opened", slog.String("session", id), slog.String("owner", owner))
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: id, OwnerID: owner, Mode: h.opts.Orchestrator.CurrentMode()})
}

// HandleSessionPing records activity for a session.
func (h *Handlers) HandleSessionPing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.opts.Orchestrator.Touch(id) {
		writeError(w, r, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id, Mode: h.opts.Orchestrator.CurrentMode()})
}

// HandleSessionClose ends a session. Closing an unknown session succeeds.
func (h *Handlers) HandleSessionClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.opts.Orchestrator.SessionClosed(id)
	telemetry.LoggerWithCorr(r.Context()).Info("session closed", slog.String("session", id))
	w.WriteHeader(http.StatusNoContent)
}

// HandleSessionsList returns all open sessions.
func (h *Handlers) HandleSessionsList(w http.ResponseWriter, r *http.Request) {
	sessions := h.opts.Orchestrator.Sessions()
	if sessions == nil {
		sessions = []chat.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "mode": h.opts.Orchestrator.CurrentMode()})
}

func (h *Handlers) ownerSessions(owner string) int {
	n := 0
	for _, s := range h.opts.Orchestrator.Sessions() {
		if s.OwnerID == owner {
			n++
		}
	}
	return n
}

package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/chatnotes/chat"
	"github.com/onnwee/chatnotes/db"
)

type channelRequest struct {
	ChannelID string `json:"channel_id"`
}

// HandleChannelsList returns the monitored channel IDs.
func (h *Handlers) HandleChannelsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": h.opts.Orchestrator.MonitoredChannels()})
}

// HandleChannelAdd starts monitoring a channel given in the path or the JSON body.
func (h *Handlers) HandleChannelAdd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		var req channelRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id = req.ChannelID
	}
	id = strings.TrimSpace(id)
	if err := h.opts.Orchestrator.AddMonitoredChannel(r.Context(), id); err != nil {
		if errors.Is(err, chat.ErrConfiguration) {
			writeError(w, r, http.StatusBadRequest, "channel_id required")
			return
		}
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"channel_id": id, "channels": h.opts.Orchestrator.MonitoredChannels()})
}

// HandleChannelRemove stops monitoring a channel. Its cursor is kept.
func (h *Handlers) HandleChannelRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Orchestrator.RemoveMonitoredChannel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleNotesList returns stored notes for ?channel_id=, newest first.
func (h *Handlers) HandleNotesList(w http.ResponseWriter, r *http.Request) {
	if h.opts.Notes == nil {
		writeError(w, r, http.StatusServiceUnavailable, "note storage not configured")
		return
	}
	channel := r.URL.Query().Get("channel_id")
	if channel == "" {
		writeError(w, r, http.StatusBadRequest, "channel_id required")
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	notes, err := h.opts.Notes.ListNotes(r.Context(), channel, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if notes == nil {
		notes = []db.Note{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": channel, "notes": notes})
}

package server

import (
	"errors"
	"net/http"

	"github.com/onnwee/chatnotes/directory"
)

func (h *Handlers) directory(w http.ResponseWriter, r *http.Request) *directory.Cache {
	c := h.opts.Orchestrator.Directory()
	if c == nil {
		writeError(w, r, http.StatusServiceUnavailable, "directory not configured")
	}
	return c
}

func writeDirectoryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, directory.ErrUpstream) {
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeError(w, r, http.StatusInternalServerError, err.Error())
}

func writeEntry(w http.ResponseWriter, e directory.Entry) {
	if e.Degraded {
		w.Header().Set("X-Directory-Degraded", "true")
	}
	writeJSON(w, http.StatusOK, e)
}

// HandleDirectoryServer returns one server's metadata.
func (h *Handlers) HandleDirectoryServer(w http.ResponseWriter, r *http.Request) {
	c := h.directory(w, r)
	if c == nil {
		return
	}
	e, err := c.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	writeEntry(w, e)
}

// HandleDirectoryChannel returns one channel's metadata.
func (h *Handlers) HandleDirectoryChannel(w http.ResponseWriter, r *http.Request) {
	c := h.directory(w, r)
	if c == nil {
		return
	}
	e, err := c.GetChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	writeEntry(w, e)
}

// HandleDirectoryServerChannels lists the channels under a server.
func (h *Handlers) HandleDirectoryServerChannels(w http.ResponseWriter, r *http.Request) {
	c := h.directory(w, r)
	if c == nil {
		return
	}
	serverID := r.PathValue("id")
	entries, err := c.ServerChannels(r.Context(), serverID)
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	degraded := false
	for _, e := range entries {
		degraded = degraded || e.Degraded
	}
	if degraded {
		w.Header().Set("X-Directory-Degraded", "true")
	}
	if entries == nil {
		entries = []directory.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"server_id": serverID, "channels": entries, "degraded": degraded})
}

package server

import (
	"net/http"
	"time"

	"github.com/onnwee/chatnotes/chat"
	"github.com/onnwee/chatnotes/directory"
)

// HandleAdminDirectorySweep deletes directory rows older than ?max_age= (a Go duration),
// defaulting to the configured sweep age.
func (h *Handlers) HandleAdminDirectorySweep(w http.ResponseWriter, r *http.Request) {
	c := h.directory(w, r)
	if c == nil {
		return
	}
	maxAge := h.opts.SweepMaxAge
	if s := r.URL.Query().Get("max_age"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, "max_age must be a positive duration")
			return
		}
		maxAge = d
	}
	n, err := c.SweepExpired(r.Context(), maxAge)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": n, "max_age": maxAge.String()})
}

type refreshRequest struct {
	Kind directory.Kind `json:"kind"`
	IDs  []string       `json:"ids"`
}

// HandleAdminDirectoryRefresh force-refreshes a batch of directory keys. With no IDs,
// the monitored channels are refreshed.
func (h *Handlers) HandleAdminDirectoryRefresh(w http.ResponseWriter, r *http.Request) {
	c := h.directory(w, r)
	if c == nil {
		return
	}
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Kind == "" {
		req.Kind = directory.KindChannel
	}
	if req.Kind != directory.KindChannel && req.Kind != directory.KindServer {
		writeError(w, r, http.StatusBadRequest, "kind must be server or channel")
		return
	}
	if len(req.IDs) == 0 && req.Kind == directory.KindChannel {
		req.IDs = h.opts.Orchestrator.MonitoredChannels()
	}
	n, err := c.RefreshAll(r.Context(), req.Kind, req.IDs)
	resp := map[string]any{"refreshed": n, "requested": len(req.IDs)}
	status := http.StatusOK
	if err != nil {
		resp["error"] = err.Error()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// HandleAdminPull runs one pull cycle now and returns its report.
func (h *Handlers) HandleAdminPull(w http.ResponseWriter, r *http.Request) {
	report := h.opts.Orchestrator.RunPullCycle(r.Context())
	failures := make([]map[string]any, 0, len(report.Failures))
	for _, f := range report.Failures {
		failures = append(failures, map[string]any{"channel_id": f.ChannelID, "attempts": f.Attempts, "error": f.Error()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"started_at":  report.StartedAt,
		"finished_at": report.FinishedAt,
		"channels":    report.Channels,
		"emitted":     report.Emitted,
		"failures":    failures,
	})
}

// HandleAdminCursors lists every channel's poll cursor.
func (h *Handlers) HandleAdminCursors(w http.ResponseWriter, r *http.Request) {
	if h.opts.Cursors == nil {
		writeError(w, r, http.StatusServiceUnavailable, "cursor storage not configured")
		return
	}
	cursors, err := h.opts.Cursors.ListCursors(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if cursors == nil {
		cursors = []chat.PollCursor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cursors": cursors})
}

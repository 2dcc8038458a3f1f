package server

import (
	"errors"
	"net/http"

	"github.com/onnwee/chatnotes/chat"
)

// HandleHealthz responds to liveness checks. With a database configured it must be reachable.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.opts.DB != nil {
		if err := h.opts.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness checks with the first failing check.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.opts.DB == nil {
				return nil
			}
			return h.opts.DB.PingContext(r.Context())
		}},
		{"ingestion", func() error {
			health := h.opts.Orchestrator.Health()
			if health.Status == chat.Unhealthy {
				if len(health.Reasons) > 0 {
					return errors.New(health.Reasons[0])
				}
				return errors.New("ingestion unhealthy")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleHealth returns the ingestion health report. Unhealthy maps to 503.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.opts.Orchestrator.Health()
	status := http.StatusOK
	if health.Status == chat.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// HandleStats returns ingestion counters.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Orchestrator.Stats())
}

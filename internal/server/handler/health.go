package handler

import (
	"net/http"
	"time"
)

// CycleClock reports when each periodic cycle last completed.
type CycleClock interface {
	LastRuns() map[string]time.Time
}

// HealthHandler serves the liveness probe: process uptime plus the last
// completed run of every cycle, so a wedged loop is visible to monitoring
// even while the process itself is healthy.
type HealthHandler struct {
	cycles  CycleClock
	started time.Time
}

// NewHealthHandler creates a HealthHandler. cycles may be nil when the
// process runs without a scheduler.
func NewHealthHandler(cycles CycleClock) *HealthHandler {
	return &HealthHandler{
		cycles:  cycles,
		started: time.Now().UTC(),
	}
}

// HealthCheck responds with uptime and per-cycle last-run timestamps.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
	}

	if h.cycles != nil {
		runs := make(map[string]string)
		for name, ts := range h.cycles.LastRuns() {
			runs[name] = ts.Format(time.RFC3339)
		}
		body["last_runs"] = runs
	}

	writeJSON(w, http.StatusOK, body)
}

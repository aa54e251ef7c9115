package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// CycleTrigger runs a named cycle out of band.
type CycleTrigger interface {
	TriggerNow(ctx context.Context, name string) error
}

// OpsHandler serves the operator endpoints: manual cycle triggers and the
// audit log.
type OpsHandler struct {
	cycles CycleTrigger
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewOpsHandler creates an OpsHandler.
func NewOpsHandler(cycles CycleTrigger, audit domain.AuditStore, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{
		cycles: cycles,
		audit:  audit,
		logger: logger.With(slog.String("handler", "ops")),
	}
}

// TriggerCycle fires one scheduler cycle immediately. The cycle still honors
// its re-entrancy lock, so a trigger during a running iteration is a no-op.
// POST /api/cycles/{name}/trigger
func (h *OpsHandler) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	if h.cycles == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running in this mode")
		return
	}
	name := r.PathValue("name")

	err := h.cycles.TriggerNow(r.Context(), name)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown cycle")
	case errors.Is(err, domain.ErrBreakerOpen):
		writeError(w, http.StatusConflict, "circuit breaker open")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "manual cycle trigger failed",
			slog.String("cycle", name),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cycle failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "cycle": name})
	}
}

// ListAudit returns recent audit log entries, newest first.
// GET /api/audit
func (h *OpsHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "listing audit log failed")
		return
	}

	type apiEntry struct {
		ID        int64          `json:"id"`
		Event     string         `json:"event"`
		Detail    map[string]any `json:"detail,omitempty"`
		CreatedAt string         `json:"created_at"`
	}
	out := make([]apiEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, apiEntry{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out, "count": len(out)})
}

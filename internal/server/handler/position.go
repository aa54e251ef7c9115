package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// PositionCloser executes an operator-requested close.
type PositionCloser interface {
	CloseByID(ctx context.Context, id string, reason domain.CloseReason) error
}

// PositionHandler serves the position ledger endpoints and the manual close
// surface.
type PositionHandler struct {
	positions domain.PositionStore
	closer    PositionCloser
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. closer may be nil in modes
// that run without the lifecycle engine; manual closes then return 503.
func NewPositionHandler(positions domain.PositionStore, closer PositionCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		closer:    closer,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

// apiPosition is the JSON view of a ledger row.
type apiPosition struct {
	ID                  string   `json:"id"`
	Wallet              string   `json:"wallet"`
	Chain               int64    `json:"chain"`
	Token               string   `json:"token"`
	Symbol              string   `json:"symbol,omitempty"`
	Direction           string   `json:"direction"`
	EntryPrice          float64  `json:"entry_price"`
	EntryAmount         float64  `json:"entry_amount"`
	TokenAmount         float64  `json:"token_amount"`
	EntryTx             string   `json:"entry_tx"`
	StopArmed           bool     `json:"stop_armed"`
	StopPrice           *float64 `json:"stop_price,omitempty"`
	Watermark           *float64 `json:"watermark,omitempty"`
	TrailingStopPercent float64  `json:"trailing_stop_percent"`
	TakeProfitPrice     float64  `json:"take_profit_price"`
	ProfitLockPercent   float64  `json:"profit_lock_percent"`
	Leverage            float64  `json:"leverage"`
	Borrowed            float64  `json:"borrowed,omitempty"`
	HealthFactor        *float64 `json:"health_factor,omitempty"`
	Status              string   `json:"status"`
	CloseReason         string   `json:"close_reason,omitempty"`
	OpenedAt            string   `json:"opened_at"`
	ClosedAt            *string  `json:"closed_at,omitempty"`
	ExitPrice           *float64 `json:"exit_price,omitempty"`
	PnL                 *float64 `json:"pnl,omitempty"`
	PnLPercent          *float64 `json:"pnl_percent,omitempty"`
	CloseTx             string   `json:"close_tx,omitempty"`
}

func toAPIPosition(p domain.Position) apiPosition {
	out := apiPosition{
		ID:                  p.ID,
		Wallet:              p.Wallet,
		Chain:               p.Chain,
		Token:               p.Token,
		Symbol:              p.Symbol,
		Direction:           string(p.Direction),
		EntryPrice:          p.EntryPrice,
		EntryAmount:         p.EntryAmount,
		TokenAmount:         p.TokenAmount,
		EntryTx:             p.EntryTx,
		StopArmed:           p.Protection.Armed,
		TrailingStopPercent: p.TrailingStopPercent,
		TakeProfitPrice:     p.TakeProfitPrice,
		ProfitLockPercent:   p.ProfitLockPercent,
		Leverage:            p.Leverage,
		Borrowed:            p.Borrowed,
		HealthFactor:        p.HealthFactor,
		Status:              string(p.Status),
		CloseReason:         string(p.CloseReason),
		OpenedAt:            p.OpenedAt.Format(time.RFC3339),
		ExitPrice:           p.ExitPrice,
		PnL:                 p.PnL,
		PnLPercent:          p.PnLPercent,
		CloseTx:             p.CloseTx,
	}
	if p.Protection.Armed {
		stop, mark := p.Protection.StopPrice, p.Protection.Watermark
		out.StopPrice = &stop
		out.Watermark = &mark
	}
	if p.ClosedAt != nil {
		ts := p.ClosedAt.Format(time.RFC3339)
		out.ClosedAt = &ts
	}
	return out
}

// ListOpen returns every open and closing position.
// GET /api/positions
func (h *PositionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListByStatus(r.Context(),
		domain.PositionStatusOpen, domain.PositionStatusClosing)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "listing positions failed")
		return
	}

	out := make([]apiPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, toAPIPosition(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out, "count": len(out)})
}

// GetPosition returns one position by ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	pos, err := h.positions.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "fetching position failed")
		return
	}
	writeJSON(w, http.StatusOK, toAPIPosition(pos))
}

// History returns a wallet's closed positions, newest first.
// GET /api/positions/history?wallet=0x...
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter is required")
		return
	}

	positions, err := h.positions.ListHistory(r.Context(), wallet, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "history failed",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "listing history failed")
		return
	}

	out := make([]apiPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, toAPIPosition(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out, "count": len(out)})
}

// ClosePosition executes an operator close of one position at the latest
// cached price.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	if h.closer == nil {
		writeError(w, http.StatusServiceUnavailable, "closing is not available in this mode")
		return
	}
	id := r.PathValue("id")

	err := h.closer.CloseByID(r.Context(), id, domain.CloseReasonManual)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position not found")
	case errors.Is(err, domain.ErrStatusConflict):
		writeError(w, http.StatusConflict, "position is not open")
	case errors.Is(err, domain.ErrStalePrice):
		writeError(w, http.StatusServiceUnavailable, "no fresh price for the position's token")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "manual close failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "close failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "id": id})
	}
}

// CloseAll closes every open position with the emergency reason. Failures are
// reported per position; one failed close does not stop the rest.
// POST /api/positions/close_all
func (h *PositionHandler) CloseAll(w http.ResponseWriter, r *http.Request) {
	if h.closer == nil {
		writeError(w, http.StatusServiceUnavailable, "closing is not available in this mode")
		return
	}

	open, err := h.positions.ListByStatus(r.Context(), domain.PositionStatusOpen)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing positions failed")
		return
	}

	closed := make([]string, 0, len(open))
	failed := make(map[string]string)
	for _, pos := range open {
		if err := h.closer.CloseByID(r.Context(), pos.ID, domain.CloseReasonEmergency); err != nil {
			h.logger.ErrorContext(r.Context(), "emergency close failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
			failed[pos.ID] = err.Error()
			continue
		}
		closed = append(closed, pos.ID)
	}

	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"closed": closed, "failed": failed})
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/condamm/internal/domain"
)

// MarketLister lists markets.
type MarketLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
}

// StatusHandler serves the process status (mode, market count, uptime).
type StatusHandler struct {
	mode      string
	startedAt time.Time
	markets   MarketLister
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler for the given run mode.
func NewStatusHandler(mode string, startedAt time.Time, markets MarketLister, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, markets: markets, logger: logger}
}

// GetStatus responds with a domain.Status.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ms, err := h.markets.List(r.Context(), domain.ListOpts{})
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to count markets", err)
		return
	}
	writeJSON(w, http.StatusOK, domain.Status{
		Mode:          h.mode,
		Markets:       len(ms),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

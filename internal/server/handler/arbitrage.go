package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/condamm/internal/arbmath"
	"github.com/alanyoungcy/condamm/internal/domain"
	"github.com/alanyoungcy/condamm/internal/service"
)

// ArbService defines the methods that the arbitrage handler requires.
type ArbService interface {
	FindRoute(ctx context.Context, marketID string, sizeHint uint64) (arbmath.Route, error)
	Execute(ctx context.Context, marketID string, sizeHint uint64) (domain.ArbExecution, error)
	ListExecutions(ctx context.Context, opts domain.ListOpts) ([]domain.ArbExecution, error)
}

var _ ArbService = (*service.ArbService)(nil)

// ArbHandler serves arbitrage-related HTTP endpoints.
type ArbHandler struct {
	arb    ArbService
	logger *slog.Logger
}

// NewArbHandler creates an ArbHandler with the given service and logger.
func NewArbHandler(arb ArbService, logger *slog.Logger) *ArbHandler {
	return &ArbHandler{arb: arb, logger: logger}
}

type executeRequest struct {
	SizeHint uint64 `json:"size_hint,string"`
}

// executeResponse carries the execution record. Rejected and failed
// executions are recorded too, so the record accompanies the error.
type executeResponse struct {
	Execution *domain.ArbExecution `json:"execution,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type listExecutionsResponse struct {
	Executions []domain.ArbExecution `json:"executions"`
	Limit      int                   `json:"limit"`
	Offset     int                   `json:"offset"`
}

// Route returns the most profitable route for the market right now without
// executing it. A route of kind "none" means nothing is profitable.
// GET /api/markets/{id}/route?size_hint=1000000
func (h *ArbHandler) Route(w http.ResponseWriter, r *http.Request) {
	hint, err := parseUint(r, "size_hint")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	route, err := h.arb.FindRoute(r.Context(), r.PathValue("id"), hint)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to find route", err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// Execute runs the best route for the market.
// POST /api/markets/{id}/arbitrage
func (h *ArbHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.arb.Execute(r.Context(), r.PathValue("id"), body.SizeHint)
	if err == nil {
		writeJSON(w, http.StatusOK, executeResponse{Execution: &rec})
		return
	}
	if rec.ID == "" {
		writeServiceError(w, r, h.logger, "failed to execute arbitrage", err)
		return
	}

	status := statusFor(err)
	resp := executeResponse{Execution: &rec, Error: err.Error()}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: arbitrage execution failed",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()),
		)
		resp.Error = "arbitrage execution failed"
	}
	writeJSON(w, status, resp)
}

// ListExecutions returns recent executions, newest first.
// GET /api/executions?limit=50&offset=0
func (h *ArbHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	execs, err := h.arb.ListExecutions(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list executions", err)
		return
	}
	if execs == nil {
		execs = []domain.ArbExecution{}
	}
	writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: execs,
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	})
}

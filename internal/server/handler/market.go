package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/condamm/internal/amm"
	"github.com/alanyoungcy/condamm/internal/domain"
	"github.com/alanyoungcy/condamm/internal/service"
)

// MarketService defines the methods that the market handler requires from the
// service layer.
type MarketService interface {
	CreateMarket(ctx context.Context, req service.CreateMarketRequest) (domain.MarketState, error)
	Get(ctx context.Context, id string) (domain.MarketState, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Quote(ctx context.Context, id string, ref domain.PoolRef, dir amm.Direction, amountIn uint64) (amm.SwapResult, error)
	Swap(ctx context.Context, id string, req service.SwapRequest) (uint64, domain.MarketState, error)
	WindDown(ctx context.Context, id string) (domain.MarketState, error)
}

var _ MarketService = (*service.MarketService)(nil)

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// marketResponse is a market with its pools rendered as views, spot first.
type marketResponse struct {
	Market  domain.Market     `json:"market"`
	Version int64             `json:"version"`
	Pools   []domain.PoolView `json:"pools"`
}

func newMarketResponse(st domain.MarketState) (marketResponse, error) {
	views, err := service.PoolViews(st)
	if err != nil {
		return marketResponse{}, err
	}
	return marketResponse{Market: st.Market, Version: st.Version, Pools: views}, nil
}

type reservesBody struct {
	Asset  uint64 `json:"asset,string"`
	Stable uint64 `json:"stable,string"`
}

type createMarketRequest struct {
	ID           string         `json:"id"`
	Question     string         `json:"question"`
	Outcomes     []string       `json:"outcomes"`
	Spot         reservesBody   `json:"spot"`
	Conditionals []reservesBody `json:"conditionals"`
}

// poolRequest selects a pool and direction. Pool -1 is the spot pool; 0..n-1
// are the conditional pools.
type poolRequest struct {
	Pool      *int   `json:"pool"`
	Direction string `json:"direction"`
	AmountIn  uint64 `json:"amount_in,string"`
}

func (p poolRequest) parse() (domain.PoolRef, amm.Direction, error) {
	if p.Pool == nil {
		return 0, 0, fmt.Errorf("%w: pool is required", domain.ErrInvalidInput)
	}
	dir, err := amm.ParseDirection(p.Direction)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return domain.PoolRef(*p.Pool), dir, nil
}

type swapRequest struct {
	poolRequest
	MinAmountOut uint64 `json:"min_amount_out,string"`
}

type quoteResponse struct {
	AmountOut   uint64 `json:"amount_out,string"`
	TotalFee    uint64 `json:"total_fee,string"`
	LPFee       uint64 `json:"lp_fee,string"`
	ProtocolFee uint64 `json:"protocol_fee,string"`
}

type swapResponse struct {
	AmountOut uint64 `json:"amount_out,string"`
	marketResponse
}

// ListMarkets returns markets with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// CreateMarket seeds a new market and its pools.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var body createMarketRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := service.CreateMarketRequest{
		ID:       body.ID,
		Question: body.Question,
		Outcomes: body.Outcomes,
		Spot:     service.Reserves{Asset: body.Spot.Asset, Stable: body.Spot.Stable},
	}
	for _, c := range body.Conditionals {
		req.Conditionals = append(req.Conditionals, service.Reserves{Asset: c.Asset, Stable: c.Stable})
	}

	st, err := h.markets.CreateMarket(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to create market", err)
		return
	}
	h.writeMarket(w, r, http.StatusCreated, st)
}

// GetMarket returns a market with its spot and conditional pool views.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	st, err := h.markets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get market", err)
		return
	}
	h.writeMarket(w, r, http.StatusOK, st)
}

// Quote previews a swap.
// POST /api/markets/{id}/quote
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var body poolRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ref, dir, err := body.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.markets.Quote(r.Context(), r.PathValue("id"), ref, dir, body.AmountIn)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to quote", err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		AmountOut:   res.AmountOut,
		TotalFee:    res.TotalFee,
		LPFee:       res.LPFee,
		ProtocolFee: res.ProtocolFee,
	})
}

// Swap executes a trader swap.
// POST /api/markets/{id}/swap
func (h *MarketHandler) Swap(w http.ResponseWriter, r *http.Request) {
	var body swapRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ref, dir, err := body.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, st, err := h.markets.Swap(r.Context(), r.PathValue("id"), service.SwapRequest{
		Pool:         ref,
		Direction:    dir,
		AmountIn:     body.AmountIn,
		MinAmountOut: body.MinAmountOut,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to swap", err)
		return
	}
	resp, err := newMarketResponse(st)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to render market", err)
		return
	}
	writeJSON(w, http.StatusOK, swapResponse{AmountOut: out, marketResponse: resp})
}

// WindDown empties every pool of the market.
// POST /api/markets/{id}/wind-down
func (h *MarketHandler) WindDown(w http.ResponseWriter, r *http.Request) {
	st, err := h.markets.WindDown(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to wind down market", err)
		return
	}
	h.writeMarket(w, r, http.StatusOK, st)
}

func (h *MarketHandler) writeMarket(w http.ResponseWriter, r *http.Request, status int, st domain.MarketState) {
	resp, err := newMarketResponse(st)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to render market", err)
		return
	}
	writeJSON(w, status, resp)
}

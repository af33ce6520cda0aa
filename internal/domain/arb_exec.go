package domain

import (
	"time"

	"github.com/alanyoungcy/condamm/internal/arbmath"
	"github.com/alanyoungcy/condamm/internal/escrow"
)

// ArbExecStatus is the execution state.
type ArbExecStatus string

const (
	ArbExecFilled   ArbExecStatus = "filled"
	ArbExecRejected ArbExecStatus = "rejected"
	ArbExecFailed   ArbExecStatus = "failed"
)

// ArbExecution records one arbitrage attempt against a market.
type ArbExecution struct {
	ID             string            `json:"id"`
	MarketID       string            `json:"market_id"`
	Route          arbmath.RouteKind `json:"route"`
	Amount         uint64            `json:"amount,string"`
	ExpectedProfit uint64            `json:"expected_profit,string"`
	RealizedProfit uint64            `json:"realized_profit,string"`
	PerOutcome     []uint64          `json:"per_outcome"`
	Ops            []escrow.Op       `json:"ops,omitempty"`
	DustID         string            `json:"dust_id,omitempty"`
	Status         ArbExecStatus     `json:"status"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

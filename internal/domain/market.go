package domain

import (
	"time"

	"github.com/alanyoungcy/condamm/internal/amm"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive MarketStatus = "active"
	// MarketStatusWoundDown markets have had every pool emptied.
	MarketStatusWoundDown MarketStatus = "wound_down"
)

// Market is one multi-outcome event: a spot pool plus one conditional pool
// per outcome, all trading the same asset/stable pair.
type Market struct {
	ID        string       `json:"id"`
	Question  string       `json:"question"`
	Outcomes  []string     `json:"outcomes"`
	Status    MarketStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// MarketState is a market together with the persisted state of its pools.
// Version increases by one on every saved mutation.
type MarketState struct {
	Market       Market         `json:"market"`
	Spot         amm.Snapshot   `json:"spot"`
	Conditionals []amm.Snapshot `json:"conditionals"`
	Version      int64          `json:"version"`
}

// PoolRef names a pool within a market. -1 is the spot pool; 0..N-1 are the
// conditional pools.
type PoolRef int

const SpotPool PoolRef = -1

func (r PoolRef) IsSpot() bool { return r == SpotPool }

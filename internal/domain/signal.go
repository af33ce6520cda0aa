package domain

import "time"

// Channel and stream names on the SignalBus.
const (
	ChannelPoolUpdates  = "pool_updates"
	StreamArbExecutions = "arb_executions"
)

// PoolEventKind says what changed a market's pools.
type PoolEventKind string

const (
	PoolEventCreated   PoolEventKind = "created"
	PoolEventSwap      PoolEventKind = "swap"
	PoolEventLiquidity PoolEventKind = "liquidity"
	PoolEventArbitrage PoolEventKind = "arbitrage"
	PoolEventWoundDown PoolEventKind = "wound_down"
)

// PoolView is the public summary of one pool. Prices are decimal strings
// scaled by 1e12.
type PoolView struct {
	Pool          PoolRef `json:"pool"`
	AssetReserve  uint64  `json:"asset_reserve,string"`
	StableReserve uint64  `json:"stable_reserve,string"`
	LPSupply      uint64  `json:"lp_supply,string"`
	FeeBps        uint64  `json:"fee_bps"`
	Price         string  `json:"price"`
	TWAP          string  `json:"twap"`
	LastPrice     string  `json:"last_price"`
}

// PoolEvent is published on ChannelPoolUpdates after every committed
// mutation.
type PoolEvent struct {
	MarketID string        `json:"market_id"`
	Kind     PoolEventKind `json:"kind"`
	Version  int64         `json:"version"`
	Pools    []PoolView    `json:"pools"`
	At       time.Time     `json:"at"`
}

// Status is a summary of the process's operational state.
type Status struct {
	Mode          string `json:"mode"`
	Markets       int    `json:"markets"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets and their pool snapshots.
type MarketStore interface {
	Create(ctx context.Context, state MarketState) error
	// Save writes state if the stored version is state.Version-1, and
	// returns ErrVersionConflict otherwise.
	Save(ctx context.Context, state MarketState) error
	Get(ctx context.Context, id string) (MarketState, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
}

// ArbExecutionStore persists arbitrage executions for profit tracking.
type ArbExecutionStore interface {
	Create(ctx context.Context, exec ArbExecution) error
	GetByID(ctx context.Context, id string) (ArbExecution, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]ArbExecution, error)
	SumProfit(ctx context.Context, marketID string, since time.Time) (uint64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

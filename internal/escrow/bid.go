package escrow

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/alanyoungcy/condamm/internal/arbmath"
)

// BidVenue buys asset at a protective floor price.
type BidVenue interface {
	// Params reports the current terms, with MaxCapacity set to what is left.
	Params() arbmath.BidParams
	Sell(ctx context.Context, assetIn uint64) (uint64, error)
	// Refund unwinds an earlier Sell of assetIn, restoring its capacity.
	Refund(ctx context.Context, assetIn uint64) error
}

// FixedBid is a BidVenue with a fixed NAV and fee and a finite stable budget
// that each sale draws down by its gross value.
type FixedBid struct {
	mu        sync.Mutex
	navPrice  uint64
	feeBps    uint64
	remaining uint64
}

func NewFixedBid(p arbmath.BidParams) *FixedBid {
	return &FixedBid{navPrice: p.NAVPrice, feeBps: p.FeeBps, remaining: p.MaxCapacity}
}

func (b *FixedBid) Params() arbmath.BidParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paramsLocked()
}

func (b *FixedBid) paramsLocked() arbmath.BidParams {
	return arbmath.BidParams{NAVPrice: b.navPrice, MaxCapacity: b.remaining, FeeBps: b.feeBps}
}

func (b *FixedBid) Sell(_ context.Context, assetIn uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.paramsLocked()
	payout, ok := arbmath.BidPayout(assetIn, p)
	if !ok {
		return 0, fmt.Errorf("%w: %d asset against %d remaining", ErrCapacityExceeded, assetIn, b.remaining)
	}
	// Capacity is consumed by the gross amount, fee included.
	gross, _ := arbmath.BidPayout(assetIn, arbmath.BidParams{NAVPrice: p.NAVPrice, MaxCapacity: p.MaxCapacity})
	b.remaining -= gross
	return payout, nil
}

func (b *FixedBid) Refund(_ context.Context, assetIn uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	gross, ok := arbmath.BidPayout(assetIn, arbmath.BidParams{NAVPrice: b.navPrice, MaxCapacity: math.MaxUint64})
	if !ok || b.remaining > math.MaxUint64-gross {
		return fmt.Errorf("escrow: refund %d asset: capacity overflow", assetIn)
	}
	b.remaining += gross
	return nil
}

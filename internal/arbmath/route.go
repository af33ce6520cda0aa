// Package arbmath finds the most profitable rebalancing trade between a spot
// pool, a set of conditional pools and an optional protective bid.
//
// Everything here is pure: inputs are value snapshots of pool reserves and
// nothing is mutated, so the optimizer may run concurrently with itself.
// Every route takes stable as input and reports profit in stable; internal
// rebalancing swaps are modelled without fees, matching how the executor
// performs them.
package arbmath

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// PoolView is a read-only snapshot of one constant-product pool.
type PoolView struct {
	AssetReserve  uint64 `json:"asset_reserve,string"`
	StableReserve uint64 `json:"stable_reserve,string"`
}

func (v PoolView) empty() bool { return v.AssetReserve == 0 || v.StableReserve == 0 }

// BidParams describes the protective bid: a venue buying asset at NAVPrice
// (stable per asset, scaled by oracle.PriceScale) minus FeeBps, paying out at
// most MaxCapacity stable in gross. Because NAVPrice is a uint64 at 1e12
// scale, the highest representable NAV is about 1.8e7 stable per asset.
type BidParams struct {
	NAVPrice    uint64 `json:"nav_price,string"`
	MaxCapacity uint64 `json:"max_capacity,string"`
	FeeBps      uint64 `json:"fee_bps"`
}

func (b BidParams) enabled() bool {
	return b.NAVPrice > 0 && b.MaxCapacity > 0 && b.FeeBps < bpsDenominator
}

// RouteKind identifies which venues a route trades through.
type RouteKind int

const (
	RouteNone RouteKind = iota
	RouteSpotToConditional
	RouteConditionalToSpot
	RouteSpotToBid
	RouteConditionalToBid
)

var routeNames = [...]string{
	RouteNone:              "none",
	RouteSpotToConditional: "spot_to_conditional",
	RouteConditionalToSpot: "conditional_to_spot",
	RouteSpotToBid:         "spot_to_bid",
	RouteConditionalToBid:  "conditional_to_bid",
}

func (k RouteKind) String() string {
	if k < 0 || int(k) >= len(routeNames) {
		return fmt.Sprintf("route(%d)", int(k))
	}
	return routeNames[k]
}

// ParseRouteKind is the inverse of RouteKind.String.
func ParseRouteKind(s string) (RouteKind, error) {
	for i, n := range routeNames {
		if n == s {
			return RouteKind(i), nil
		}
	}
	return RouteNone, fmt.Errorf("arbmath: unknown route kind %q", s)
}

func (k RouteKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *RouteKind) UnmarshalText(b []byte) error {
	v, err := ParseRouteKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Route is the optimizer's recommendation. Amount is the stable input;
// ExpectedProfit is in stable.
type Route struct {
	Amount         uint64    `json:"amount,string"`
	Kind           RouteKind `json:"kind"`
	ExpectedProfit uint64    `json:"expected_profit,string"`
}

// FindBestRoute evaluates every route and returns the one with the highest
// positive profit. Ties go to the earlier route in the order spot to
// conditional, conditional to spot, spot to bid, conditional to bid. A zero
// sizeHint leaves the search bounds untouched.
func FindBestRoute(spot PoolView, conds []PoolView, bid BidParams, sizeHint uint64) Route {
	best := Route{Kind: RouteNone}
	if spot.empty() || len(conds) == 0 {
		return best
	}
	for _, c := range conds {
		if c.empty() {
			return best
		}
	}

	consider := func(kind RouteKind, amount, profit uint64) {
		if profit > best.ExpectedProfit {
			best = Route{Amount: amount, Kind: kind, ExpectedProfit: profit}
		}
	}

	amt, p := SpotToConditional(spot, conds, sizeHint)
	consider(RouteSpotToConditional, amt, p)

	amt, p = ConditionalToSpot(spot, conds, sizeHint)
	consider(RouteConditionalToSpot, amt, p)

	if bid.enabled() {
		amt, p = SpotToBid(spot, bid, sizeHint)
		consider(RouteSpotToBid, amt, p)

		amt, p = ConditionalToBid(conds, bid, sizeHint)
		consider(RouteConditionalToBid, amt, p)
	}
	return best
}

// applyHint tightens ub to roughly 1.1x the hint when that is smaller.
func applyHint(ub, hint uint64) uint64 {
	if hint == 0 {
		return ub
	}
	h := hint + hint/10
	if h < hint {
		h = math.MaxUint64
	}
	return min(ub, h)
}

// clampU64 narrows a bound, saturating at MaxUint64.
func clampU64(x *uint256.Int) uint64 {
	if !x.IsUint64() {
		return math.MaxUint64
	}
	return x.Uint64()
}

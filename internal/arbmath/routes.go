package arbmath

import (
	"math"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/condamm/internal/oracle"
)

const bpsDenominator uint64 = 10_000

func u(x uint64) *uint256.Int { return uint256.NewInt(x) }

func mul(a, b uint64) *uint256.Int { return new(uint256.Int).Mul(u(a), u(b)) }

// SwapOut is the feeless constant-product output floor(in*rOut/(rIn+in)).
// It reports false when the swap would produce nothing or overflow the
// input reserve.
func SwapOut(in, reserveIn, reserveOut uint64) (uint64, bool) {
	if in == 0 || reserveIn == 0 || reserveOut == 0 {
		return 0, false
	}
	if reserveIn+in < reserveIn {
		return 0, false
	}
	num := mul(in, reserveOut)
	out := num.Div(num, u(reserveIn+in)).Uint64()
	return out, out > 0
}

// BidPayout is what the protective bid pays for assetIn, after its fee. It
// reports false when the gross payout would exceed the bid's capacity.
func BidPayout(assetIn uint64, bid BidParams) (uint64, bool) {
	gross := mul(assetIn, bid.NAVPrice)
	gross.Div(gross, u(oracle.PriceScale))
	if gross.Gt(u(bid.MaxCapacity)) {
		return 0, false
	}
	g := gross.Uint64()
	fee := new(uint256.Int).Div(mul(g, bid.FeeBps), u(bpsDenominator)).Uint64()
	return g - fee, true
}

// SpotToConditionalProfit buys asset in spot with b stable, replicates that
// asset into every outcome and sells it in each conditional pool. Revenue is
// the worst outcome.
func SpotToConditionalProfit(spot PoolView, conds []PoolView) ProfitFunc {
	return func(b uint64) Eval {
		a, ok := SwapOut(b, spot.StableReserve, spot.AssetReserve)
		if !ok {
			return infeasible()
		}
		worst := uint64(math.MaxUint64)
		for _, c := range conds {
			s, ok := SwapOut(a, c.AssetReserve, c.StableReserve)
			if !ok {
				return infeasible()
			}
			worst = min(worst, s)
		}
		return Eval{Revenue: worst, Cost: b, Feasible: true}
	}
}

// ConditionalToSpotProfit replicates b stable into every outcome, buys asset
// in each conditional pool and sells the complete-set minimum into spot.
func ConditionalToSpotProfit(spot PoolView, conds []PoolView) ProfitFunc {
	return func(b uint64) Eval {
		m, ok := minConditionalBuy(b, conds)
		if !ok {
			return infeasible()
		}
		s, ok := SwapOut(m, spot.AssetReserve, spot.StableReserve)
		if !ok {
			return infeasible()
		}
		return Eval{Revenue: s, Cost: b, Feasible: true}
	}
}

// SpotToBidProfit buys asset in spot and sells it to the protective bid.
func SpotToBidProfit(spot PoolView, bid BidParams) ProfitFunc {
	return func(b uint64) Eval {
		a, ok := SwapOut(b, spot.StableReserve, spot.AssetReserve)
		if !ok {
			return infeasible()
		}
		p, ok := BidPayout(a, bid)
		if !ok {
			return infeasible()
		}
		return Eval{Revenue: p, Cost: b, Feasible: true}
	}
}

// ConditionalToBidProfit buys asset in every conditional pool and sells the
// complete-set minimum to the protective bid.
func ConditionalToBidProfit(conds []PoolView, bid BidParams) ProfitFunc {
	return func(b uint64) Eval {
		m, ok := minConditionalBuy(b, conds)
		if !ok {
			return infeasible()
		}
		p, ok := BidPayout(m, bid)
		if !ok {
			return infeasible()
		}
		return Eval{Revenue: p, Cost: b, Feasible: true}
	}
}

func minConditionalBuy(b uint64, conds []PoolView) (uint64, bool) {
	worst := uint64(math.MaxUint64)
	for _, c := range conds {
		a, ok := SwapOut(b, c.StableReserve, c.AssetReserve)
		if !ok {
			return 0, false
		}
		worst = min(worst, a)
	}
	return worst, true
}

// SpotToConditional searches the spot to conditional route.
//
// With T_i = stable_i*spotAsset, A_i = asset_i*spotStable and
// B_i = asset_i+spotAsset, outcome i pays b*T_i/(A_i+b*B_i) for b stable.
// If T_i <= A_i for any outcome the route never profits. Otherwise the search
// is bounded by min_i floor((T_i-1)/B_i).
func SpotToConditional(spot PoolView, conds []PoolView, sizeHint uint64) (uint64, uint64) {
	ub := math.MaxUint64 - spot.StableReserve
	for _, c := range conds {
		t := mul(c.StableReserve, spot.AssetReserve)
		a := mul(c.AssetReserve, spot.StableReserve)
		if !t.Gt(a) {
			return 0, 0
		}
		b := new(uint256.Int).Add(u(c.AssetReserve), u(spot.AssetReserve))
		bound := t.Sub(t, u(1))
		ub = min(ub, clampU64(bound.Div(bound, b)))
	}
	return search(applyHint(ub, sizeHint), SpotToConditionalProfit(spot, conds))
}

// ConditionalToSpot is the mirror image: T'_i = asset_i*spotStable,
// A'_i = stable_i*spotAsset, B'_i = asset_i+spotAsset.
func ConditionalToSpot(spot PoolView, conds []PoolView, sizeHint uint64) (uint64, uint64) {
	ub := uint64(math.MaxUint64)
	for _, c := range conds {
		t := mul(c.AssetReserve, spot.StableReserve)
		a := mul(c.StableReserve, spot.AssetReserve)
		if !t.Gt(a) {
			return 0, 0
		}
		b := new(uint256.Int).Add(u(c.AssetReserve), u(spot.AssetReserve))
		bound := t.Sub(t, u(1))
		ub = min(ub, clampU64(bound.Div(bound, b)), math.MaxUint64-c.StableReserve)
	}
	return search(applyHint(ub, sizeHint), ConditionalToSpotProfit(spot, conds))
}

// SpotToBid searches the spot to protective bid route. Buying b stable of
// asset in spot and selling at the fee-adjusted NAV n profits only while
// b < spotAsset*n - spotStable.
func SpotToBid(spot PoolView, bid BidParams, sizeHint uint64) (uint64, uint64) {
	if !bid.enabled() {
		return 0, 0
	}
	ub, ok := bidProfitBound(spot, bid)
	if !ok {
		return 0, 0
	}
	ub = min(ub, capacityBound(spot, bid), math.MaxUint64-spot.StableReserve)
	return search(applyHint(ub, sizeHint), SpotToBidProfit(spot, bid))
}

// ConditionalToBid bounds each outcome like SpotToBid and takes the tightest.
// The capacity bound is the loosest per-outcome bound, since only the
// complete-set minimum reaches the bid.
func ConditionalToBid(conds []PoolView, bid BidParams, sizeHint uint64) (uint64, uint64) {
	if !bid.enabled() || len(conds) == 0 {
		return 0, 0
	}
	ub := uint64(math.MaxUint64)
	var capUB uint64
	for _, c := range conds {
		b, ok := bidProfitBound(c, bid)
		if !ok {
			return 0, 0
		}
		ub = min(ub, b, math.MaxUint64-c.StableReserve)
		capUB = max(capUB, capacityBound(c, bid))
	}
	return search(applyHint(min(ub, capUB), sizeHint), ConditionalToBidProfit(conds, bid))
}

// bidProfitBound returns floor(asset*nav*(1-fee)) - stable, the largest input
// at which buying from v and selling to the bid can still profit.
func bidProfitBound(v PoolView, bid BidParams) (uint64, bool) {
	worth := mul(v.AssetReserve, bid.NAVPrice)
	worth.Mul(worth, u(bpsDenominator-bid.FeeBps))
	worth.Div(worth, mul(oracle.PriceScale, bpsDenominator))
	if !worth.Gt(u(v.StableReserve)) {
		return 0, false
	}
	return clampU64(worth.Sub(worth, u(v.StableReserve))), true
}

// capacityBound returns the largest stable input into v whose asset output
// the bid can still absorb.
func capacityBound(v PoolView, bid BidParams) uint64 {
	maxAsset := mul(bid.MaxCapacity, oracle.PriceScale)
	maxAsset.Div(maxAsset, u(bid.NAVPrice))
	// out(b) <= maxAsset  <=>  b*(asset-maxAsset-1) < (maxAsset+1)*stable
	next := maxAsset.AddUint64(maxAsset, 1)
	if !next.Lt(u(v.AssetReserve)) {
		return math.MaxUint64
	}
	den := new(uint256.Int).Sub(u(v.AssetReserve), next)
	num := new(uint256.Int).Mul(next, u(v.StableReserve))
	q, rem := new(uint256.Int).DivMod(num, den, new(uint256.Int))
	if rem.IsZero() {
		q.Sub(q, u(1))
	}
	return clampU64(q)
}

func search(ub uint64, f ProfitFunc) (uint64, uint64) {
	if ub == 0 {
		return 0, 0
	}
	amt, e := TernarySearch(1, ub, f)
	p := e.Profit()
	if p == 0 {
		return 0, 0
	}
	return amt, p
}

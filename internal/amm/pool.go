// Package amm implements the constant-product market used for both the spot
// market and every conditional (per-outcome) market.
//
// All mutations stage their full result before touching the pool, so a
// failed call leaves reserves, shares, fees and oracle exactly as they were.
package amm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/condamm/internal/arbmath"
	"github.com/alanyoungcy/condamm/internal/fixedpoint"
	"github.com/alanyoungcy/condamm/internal/oracle"
)

// Direction selects which reserve receives the input.
type Direction int

const (
	AssetToStable Direction = iota
	StableToAsset
)

func (d Direction) String() string {
	switch d {
	case AssetToStable:
		return "asset_to_stable"
	case StableToAsset:
		return "stable_to_asset"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection is the inverse of Direction.String.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "asset_to_stable":
		return AssetToStable, nil
	case "stable_to_asset":
		return StableToAsset, nil
	}
	return 0, fmt.Errorf("amm: unknown direction %q", s)
}

// Pool is one constant-product AMM. It is not safe for concurrent use;
// callers serialize access per pool.
type Pool struct {
	cfg Config

	assetReserve  uint64
	stableReserve uint64

	lpSupply     uint64 // includes lockedShares
	lockedShares uint64

	protocolFeesAsset  uint64
	protocolFeesStable uint64

	oracle oracle.Oracle
}

// New creates a pool seeded with the given reserves and returns it with the
// shares minted to the creator.
func New(cfg Config, assetAmount, stableAmount, nowMs uint64) (*Pool, uint64, error) {
	if err := cfg.Validate(); err != nil {
		return nil, 0, err
	}
	p := &Pool{cfg: cfg}
	shares, err := p.AddLiquidity(assetAmount, stableAmount, 0, nowMs)
	if err != nil {
		return nil, 0, err
	}
	return p, shares, nil
}

// SwapResult describes a swap before it is committed.
type SwapResult struct {
	AmountOut   uint64
	TotalFee    uint64
	LPFee       uint64
	ProtocolFee uint64
}

type swapPlan struct {
	SwapResult
	newIn  uint64
	newOut uint64
}

func (p *Pool) reservesFor(dir Direction) (uint64, uint64) {
	if dir == StableToAsset {
		return p.stableReserve, p.assetReserve
	}
	return p.assetReserve, p.stableReserve
}

func (p *Pool) plan(dir Direction, amountIn, feeBps uint64) (swapPlan, error) {
	if dir != AssetToStable && dir != StableToAsset {
		return swapPlan{}, fmt.Errorf("amm: invalid direction %d", int(dir))
	}
	if amountIn == 0 {
		return swapPlan{}, ErrZeroAmount
	}
	if p.IsEmpty() {
		return swapPlan{}, ErrPoolEmpty
	}
	rIn, rOut := p.reservesFor(dir)

	totalFee, err := fixedpoint.MulDivFloor(amountIn, feeBps, bpsDenominator)
	if err != nil {
		return swapPlan{}, fmt.Errorf("%w: fee", ErrOverflow)
	}
	lpFee, err := fixedpoint.MulDivFloor(totalFee, p.cfg.LPFeeShareBps, bpsDenominator)
	if err != nil {
		return swapPlan{}, fmt.Errorf("%w: lp fee", ErrOverflow)
	}
	effective := amountIn - totalFee

	out, err := OutputAmount(effective, rIn, rOut)
	if err != nil {
		return swapPlan{}, err
	}
	if out == 0 {
		return swapPlan{}, ErrZeroOutput
	}
	if out >= rOut {
		return swapPlan{}, ErrPoolEmpty
	}

	protocolFee := totalFee - lpFee
	newIn := rIn + (amountIn - protocolFee)
	if newIn < rIn {
		return swapPlan{}, fmt.Errorf("%w: reserve", ErrOverflow)
	}
	return swapPlan{
		SwapResult: SwapResult{
			AmountOut:   out,
			TotalFee:    totalFee,
			LPFee:       lpFee,
			ProtocolFee: protocolFee,
		},
		newIn:  newIn,
		newOut: rOut - out,
	}, nil
}

// OutputAmount is the constant-product formula floor(in*rOut/(rIn+in)).
func OutputAmount(amountIn, reserveIn, reserveOut uint64) (uint64, error) {
	denom := new(uint256.Int).Add(uint256.NewInt(reserveIn), uint256.NewInt(amountIn))
	out, err := fixedpoint.MulDiv256(uint256.NewInt(amountIn), uint256.NewInt(reserveOut), denom, false)
	if err != nil {
		return 0, fmt.Errorf("amm: output: %w", err)
	}
	return out.Uint64(), nil
}

// Quote previews a fee-bearing swap without mutating the pool.
func (p *Pool) Quote(dir Direction, amountIn uint64) (SwapResult, error) {
	pl, err := p.plan(dir, amountIn, p.cfg.FeeBps)
	if err != nil {
		return SwapResult{}, err
	}
	return pl.SwapResult, nil
}

// Swap executes a fee-bearing swap. The total fee is taken from the input;
// the LP share stays in the reserve and the rest accrues to the protocol.
func (p *Pool) Swap(dir Direction, amountIn, minAmountOut, nowMs uint64) (uint64, error) {
	pl, err := p.plan(dir, amountIn, p.cfg.FeeBps)
	if err != nil {
		return 0, err
	}
	if pl.AmountOut < minAmountOut {
		return 0, fmt.Errorf("%w: got %d, want at least %d", ErrSlippageExceeded, pl.AmountOut, minAmountOut)
	}

	rIn, rOut := p.reservesFor(dir)
	kBefore := fixedpoint.Product(rIn, rOut)
	kAfter := fixedpoint.Product(pl.newIn, pl.newOut)
	if kAfter.Lt(kBefore) {
		return 0, fmt.Errorf("%w: fee swap k %s -> %s", ErrInvariantViolated, kBefore.Dec(), kAfter.Dec())
	}

	feesA, feesS := p.protocolFeesAsset, p.protocolFeesStable
	if dir == AssetToStable {
		feesA += pl.ProtocolFee
		if feesA < p.protocolFeesAsset {
			return 0, fmt.Errorf("%w: protocol fees", ErrOverflow)
		}
	} else {
		feesS += pl.ProtocolFee
		if feesS < p.protocolFeesStable {
			return 0, fmt.Errorf("%w: protocol fees", ErrOverflow)
		}
	}

	orc, err := p.stagedOracle(nowMs)
	if err != nil {
		return 0, err
	}

	p.commitSwap(dir, pl)
	p.protocolFeesAsset, p.protocolFeesStable = feesA, feesS
	p.oracle = orc
	return pl.AmountOut, nil
}

// feelessTolerance is the allowed relative change in k for a feeless swap,
// one part in this many.
const feelessTolerance uint64 = 1_000_000

// SwapFeeless executes a swap with no fee. It is reserved for arbitrage
// rebalancing, where k must be preserved within one part per million.
func (p *Pool) SwapFeeless(dir Direction, amountIn, minAmountOut, nowMs uint64) (uint64, error) {
	pl, err := p.plan(dir, amountIn, 0)
	if err != nil {
		return 0, err
	}
	if pl.AmountOut < minAmountOut {
		return 0, fmt.Errorf("%w: got %d, want at least %d", ErrSlippageExceeded, pl.AmountOut, minAmountOut)
	}

	rIn, rOut := p.reservesFor(dir)
	kBefore := fixedpoint.Product(rIn, rOut)
	kAfter := fixedpoint.Product(pl.newIn, pl.newOut)
	diff := new(uint256.Int)
	if kAfter.Gt(kBefore) {
		diff.Sub(kAfter, kBefore)
	} else {
		diff.Sub(kBefore, kAfter)
	}
	// |kAfter-kBefore| * 1e6 <= kBefore
	scaled, overflow := new(uint256.Int).MulOverflow(diff, uint256.NewInt(feelessTolerance))
	if overflow || scaled.Gt(kBefore) {
		return 0, fmt.Errorf("%w: feeless swap k %s -> %s", ErrInvariantViolated, kBefore.Dec(), kAfter.Dec())
	}

	orc, err := p.stagedOracle(nowMs)
	if err != nil {
		return 0, err
	}
	p.commitSwap(dir, pl)
	p.oracle = orc
	return pl.AmountOut, nil
}

func (p *Pool) commitSwap(dir Direction, pl swapPlan) {
	if dir == AssetToStable {
		p.assetReserve, p.stableReserve = pl.newIn, pl.newOut
	} else {
		p.stableReserve, p.assetReserve = pl.newIn, pl.newOut
	}
}

// stagedOracle returns a copy of the oracle updated with the current
// (pre-mutation) price.
func (p *Pool) stagedOracle(nowMs uint64) (oracle.Oracle, error) {
	price := p.Price()
	if price.IsZero() {
		// Below the scale's resolution; record the smallest unit.
		price.SetOne()
	}
	orc := p.oracle
	if err := orc.Update(price, nowMs); err != nil {
		return oracle.Oracle{}, fmt.Errorf("amm: oracle: %w", err)
	}
	return orc, nil
}

// SweepProtocolFees returns and resets the accumulated protocol fees.
func (p *Pool) SweepProtocolFees() (asset, stable uint64) {
	asset, stable = p.protocolFeesAsset, p.protocolFeesStable
	p.protocolFeesAsset, p.protocolFeesStable = 0, 0
	return asset, stable
}

// IsEmpty reports whether either reserve is zero.
func (p *Pool) IsEmpty() bool {
	return p.assetReserve == 0 || p.stableReserve == 0
}

// Price is the instantaneous stable-per-asset price scaled by
// oracle.PriceScale, or zero for an empty pool.
func (p *Pool) Price() *uint256.Int {
	if p.IsEmpty() {
		return new(uint256.Int)
	}
	return SpotPrice(p.assetReserve, p.stableReserve)
}

// SpotPrice returns stable*PriceScale/asset.
func SpotPrice(asset, stable uint64) *uint256.Int {
	num := new(uint256.Int).Mul(uint256.NewInt(stable), uint256.NewInt(oracle.PriceScale))
	return num.Div(num, uint256.NewInt(asset))
}

func (p *Pool) Reserves() (asset, stable uint64) { return p.assetReserve, p.stableReserve }
func (p *Pool) K() *uint256.Int                  { return fixedpoint.Product(p.assetReserve, p.stableReserve) }
func (p *Pool) FeeBps() uint64                   { return p.cfg.FeeBps }
func (p *Pool) Config() Config                   { return p.cfg }
func (p *Pool) LPSupply() uint64                 { return p.lpSupply }
func (p *Pool) LockedShares() uint64             { return p.lockedShares }

func (p *Pool) ProtocolFees() (asset, stable uint64) {
	return p.protocolFeesAsset, p.protocolFeesStable
}

// Oracle returns a copy of the embedded oracle.
func (p *Pool) Oracle() oracle.Oracle { return p.oracle }

// TWAP returns the oracle's capped average price.
func (p *Pool) TWAP() *uint256.Int { return p.oracle.TWAP() }

// View returns the read-only reserves used by the optimizer.
func (p *Pool) View() arbmath.PoolView {
	return arbmath.PoolView{
		AssetReserve:  p.assetReserve,
		StableReserve: p.stableReserve,
	}
}

// Clone returns an independent copy of the pool.
func (p *Pool) Clone() *Pool {
	cp := *p
	return &cp
}

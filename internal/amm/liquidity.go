package amm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/condamm/internal/fixedpoint"
	"github.com/alanyoungcy/condamm/internal/oracle"
)

// AddLiquidity deposits both tokens and mints LP shares.
//
// The first deposit into an empty pool mints floor(sqrt(asset*stable)) shares
// minus MinimumLockedShares, which stay locked forever. Later deposits must
// match the pool ratio within ImbalanceToleranceBps and mint the smaller of
// the two proportional share amounts.
func (p *Pool) AddLiquidity(assetAmount, stableAmount, minSharesOut, nowMs uint64) (uint64, error) {
	if assetAmount == 0 || stableAmount == 0 {
		return 0, ErrZeroAmount
	}
	if p.lpSupply == 0 || p.IsEmpty() {
		return p.seed(assetAmount, stableAmount, minSharesOut, nowMs)
	}

	fromAsset, err := fixedpoint.MulDivFloor(assetAmount, p.lpSupply, p.assetReserve)
	if err != nil {
		return 0, fmt.Errorf("%w: shares from asset", ErrOverflow)
	}
	fromStable, err := fixedpoint.MulDivFloor(stableAmount, p.lpSupply, p.stableReserve)
	if err != nil {
		return 0, fmt.Errorf("%w: shares from stable", ErrOverflow)
	}
	if imbalanced(fromAsset, fromStable, p.cfg.ImbalanceToleranceBps) {
		return 0, fmt.Errorf("%w: shares %d vs %d", ErrImbalancedDeposit, fromAsset, fromStable)
	}
	minted := min(fromAsset, fromStable)
	if minted == 0 {
		return 0, fmt.Errorf("%w: deposit mints no shares", ErrInsufficientLiquidity)
	}
	if minted < minSharesOut {
		return 0, fmt.Errorf("%w: minted %d, want at least %d", ErrSlippageExceeded, minted, minSharesOut)
	}

	newAsset := p.assetReserve + assetAmount
	newStable := p.stableReserve + stableAmount
	newSupply := p.lpSupply + minted
	if newAsset < p.assetReserve || newStable < p.stableReserve || newSupply < p.lpSupply {
		return 0, fmt.Errorf("%w: add liquidity", ErrOverflow)
	}
	kBefore := p.K()
	if kAfter := fixedpoint.Product(newAsset, newStable); !kAfter.Gt(kBefore) {
		return 0, fmt.Errorf("%w: deposit k %s -> %s", ErrInvariantViolated, kBefore.Dec(), kAfter.Dec())
	}

	orc, err := p.stagedOracle(nowMs)
	if err != nil {
		return 0, err
	}
	p.assetReserve, p.stableReserve = newAsset, newStable
	p.lpSupply = newSupply
	p.oracle = orc
	return minted, nil
}

// imbalanced reports whether a and b differ by more than tolBps of their
// average: |a-b|*20000 > (a+b)*tolBps.
func imbalanced(a, b, tolBps uint64) bool {
	lhs := new(uint256.Int).Mul(uint256.NewInt(fixedpoint.AbsDiff(a, b)), uint256.NewInt(2*bpsDenominator))
	sum := new(uint256.Int).Add(uint256.NewInt(a), uint256.NewInt(b))
	rhs := new(uint256.Int).Mul(sum, uint256.NewInt(tolBps))
	return lhs.Gt(rhs)
}

func (p *Pool) seed(assetAmount, stableAmount, minSharesOut, nowMs uint64) (uint64, error) {
	root := fixedpoint.Sqrt(fixedpoint.Product(assetAmount, stableAmount)).Uint64()
	if root <= MinimumLockedShares {
		return 0, fmt.Errorf("%w: sqrt(k)=%d must exceed %d", ErrInsufficientLiquidity, root, MinimumLockedShares)
	}
	shares := root - MinimumLockedShares
	if shares < minSharesOut {
		return 0, fmt.Errorf("%w: minted %d, want at least %d", ErrSlippageExceeded, shares, minSharesOut)
	}
	price := SpotPrice(assetAmount, stableAmount)
	orc, err := oracle.New(p.cfg.Oracle, price, nowMs)
	if err != nil {
		return 0, fmt.Errorf("amm: seed oracle: %w", err)
	}

	p.assetReserve, p.stableReserve = assetAmount, stableAmount
	p.lpSupply = root
	p.lockedShares = MinimumLockedShares
	p.oracle = *orc
	return shares, nil
}

// RemoveLiquidity burns shares for a proportional slice of both reserves.
// The pool must stay non-empty with k at or above MinimumK.
func (p *Pool) RemoveLiquidity(shares, minAssetOut, minStableOut, nowMs uint64) (uint64, uint64, error) {
	if shares == 0 {
		return 0, 0, ErrZeroAmount
	}
	if p.IsEmpty() || p.lpSupply == 0 {
		return 0, 0, ErrPoolEmpty
	}
	if shares > p.lpSupply-p.lockedShares {
		return 0, 0, fmt.Errorf("%w: %d shares exceeds redeemable %d", ErrInsufficientLiquidity, shares, p.lpSupply-p.lockedShares)
	}

	assetOut, err := fixedpoint.MulDivFloor(shares, p.assetReserve, p.lpSupply)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: asset out", ErrOverflow)
	}
	stableOut, err := fixedpoint.MulDivFloor(shares, p.stableReserve, p.lpSupply)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: stable out", ErrOverflow)
	}
	if assetOut == 0 && stableOut == 0 {
		return 0, 0, ErrZeroOutput
	}
	if assetOut < minAssetOut || stableOut < minStableOut {
		return 0, 0, fmt.Errorf("%w: got (%d, %d), want at least (%d, %d)",
			ErrSlippageExceeded, assetOut, stableOut, minAssetOut, minStableOut)
	}

	newAsset := p.assetReserve - assetOut
	newStable := p.stableReserve - stableOut
	if newAsset == 0 || newStable == 0 {
		return 0, 0, fmt.Errorf("%w: reserve would reach zero", ErrLowLiquidity)
	}
	kBefore := p.K()
	kAfter := fixedpoint.Product(newAsset, newStable)
	if kAfter.Lt(uint256.NewInt(MinimumK)) {
		return 0, 0, fmt.Errorf("%w: k %s below %d", ErrLowLiquidity, kAfter.Dec(), MinimumK)
	}
	if !kAfter.Lt(kBefore) {
		return 0, 0, fmt.Errorf("%w: removal k %s -> %s", ErrInvariantViolated, kBefore.Dec(), kAfter.Dec())
	}

	orc, err := p.stagedOracle(nowMs)
	if err != nil {
		return 0, 0, err
	}
	p.assetReserve, p.stableReserve = newAsset, newStable
	p.lpSupply -= shares
	p.oracle = orc
	return assetOut, stableOut, nil
}

// EmptyAll winds the pool down, returning every reserve unit and discarding
// all share accounting including the locked shares. The oracle keeps its last
// state. Accrued protocol fees remain sweepable.
func (p *Pool) EmptyAll(nowMs uint64) (asset, stable uint64, err error) {
	if p.IsEmpty() {
		return 0, 0, ErrPoolEmpty
	}
	orc, err := p.stagedOracle(nowMs)
	if err != nil {
		return 0, 0, err
	}
	asset, stable = p.assetReserve, p.stableReserve
	p.assetReserve, p.stableReserve = 0, 0
	p.lpSupply, p.lockedShares = 0, 0
	p.oracle = orc
	return asset, stable, nil
}

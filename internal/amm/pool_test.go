package amm

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condamm/internal/fixedpoint"
	"github.com/alanyoungcy/condamm/internal/oracle"
)

func newPool(t testing.TB, asset, stable uint64) *Pool {
	t.Helper()
	p, _, err := New(DefaultConfig(), asset, stable, 0)
	require.NoError(t, err)
	return p
}

func TestNew(t *testing.T) {
	p, shares, err := New(DefaultConfig(), 1_000_000, 1_000_000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(999_000), shares)
	assert.Equal(t, uint64(1_000_000), p.LPSupply())
	assert.Equal(t, MinimumLockedShares, p.LockedShares())
	assert.Equal(t, uint256.NewInt(oracle.PriceScale).Dec(), p.TWAP().Dec())
}

func TestNew_Rejects(t *testing.T) {
	_, _, err := New(DefaultConfig(), 0, 1_000, 0)
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, _, err = New(DefaultConfig(), 1_000, 1_000, 0)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity, "sqrt(k) equal to the locked amount leaves nothing to mint")

	cfg := DefaultConfig()
	cfg.MaxFeeBps = 10_000
	_, _, err = New(cfg, 1_000_000, 1_000_000, 0)
	assert.ErrorIs(t, err, ErrInvalidFee)

	cfg = DefaultConfig()
	cfg.FeeBps = cfg.MaxFeeBps + 1
	_, _, err = New(cfg, 1_000_000, 1_000_000, 0)
	assert.ErrorIs(t, err, ErrInvalidFee)
}

func TestSwap_Scenario(t *testing.T) {
	p := newPool(t, 1_000_000, 1_000_000)

	out, err := p.Swap(AssetToStable, 10_000, 0, 0)
	require.NoError(t, err)
	// floor(9970 * 1e6 / 1_009_970)
	assert.Equal(t, uint64(9_871), out)

	a, s := p.Reserves()
	assert.Equal(t, uint64(1_009_994), a, "input reserve keeps the LP fee, not the protocol fee")
	assert.Equal(t, uint64(990_129), s)
	assert.True(t, p.K().Gt(uint256.NewInt(1_000_000_000_000)))

	feesA, feesS := p.ProtocolFees()
	assert.Equal(t, uint64(6), feesA)
	assert.Equal(t, uint64(0), feesS)
}

func TestSwap_Errors(t *testing.T) {
	p := newPool(t, 1_000_000, 1_000_000)
	before := p.Snapshot()

	_, err := p.Swap(AssetToStable, 0, 0, 0)
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = p.Swap(AssetToStable, 10_000, 9_872, 0)
	assert.ErrorIs(t, err, ErrSlippageExceeded)

	_, err = p.Swap(StableToAsset, 1, 0, 0)
	assert.ErrorIs(t, err, ErrZeroOutput)

	_, err = p.Swap(Direction(9), 1_000, 0, 0)
	assert.Error(t, err)

	assert.Equal(t, before, p.Snapshot(), "rejected swaps must not mutate the pool")
}

func TestSwap_NeverDrains(t *testing.T) {
	p := newPool(t, 1_000_000, 1_000_000)
	out, err := p.Swap(AssetToStable, ^uint64(0)/4, 0, 0)
	require.NoError(t, err)
	_, s := p.Reserves()
	assert.Less(t, out, uint64(1_000_000))
	assert.Positive(t, s)
}

func TestSwap_ClockRegressionIsAtomic(t *testing.T) {
	p := newPool(t, 1_000_000, 1_000_000)
	_, err := p.Swap(AssetToStable, 1_000, 0, 5_000)
	require.NoError(t, err)
	before := p.Snapshot()

	_, err = p.Swap(AssetToStable, 1_000, 0, 4_000)
	assert.ErrorIs(t, err, oracle.ErrClockRegression)
	assert.Equal(t, before, p.Snapshot())
}

func TestSwap_OracleSeesPreSwapPrice(t *testing.T) {
	p := newPool(t, 1_000_000, 1_000_000)
	_, err := p.Swap(AssetToStable, 100_000, 0, 1_000)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(oracle.PriceScale).Dec(), p.Oracle().LastPrice().Dec())

	afterFirst := p.Price()
	_, err = p.Swap(AssetToStable, 100_000, 0, 2_000)
	require.NoError(t, err)
	assert.Equal(t, afterFirst.Dec(), p.Oracle().LastPrice().Dec())
	assert.NotEqual(t, afterFirst.Dec(), p.Price().Dec())
}

func TestQuoteMatchesSwap(t *testing.T) {
	p := newPool(t, 5_000_000, 2_000_000)
	q, err := p.Quote(StableToAsset, 123_456)
	require.NoError(t, err)
	out, err := p.Swap(StableToAsset, 123_456, q.AmountOut, 0)
	require.NoError(t, err)
	assert.Equal(t, q.AmountOut, out)
	assert.Equal(t, q.TotalFee, q.LPFee+q.ProtocolFee)
}

func TestSwapFeeless(t *testing.T) {
	p := newPool(t, 1_000_000_000, 1_000_000_000)
	kBefore := p.K()

	out, err := p.SwapFeeless(AssetToStable, 10_000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(9_999), out)

	assertWithinPPM(t, kBefore, p.K())
	feesA, feesS := p.ProtocolFees()
	assert.Zero(t, feesA)
	assert.Zero(t, feesS)
}

func assertWithinPPM(t *testing.T, before, after *uint256.Int) {
	t.Helper()
	diff := new(uint256.Int)
	if after.Gt(before) {
		diff.Sub(after, before)
	} else {
		diff.Sub(before, after)
	}
	scaled := new(uint256.Int).Mul(diff, uint256.NewInt(1_000_000))
	assert.False(t, scaled.Gt(before), "k moved from %s to %s", before.Dec(), after.Dec())
}

func TestAddLiquidity_Imbalance(t *testing.T) {
	tests := []struct {
		name    string
		asset   uint64
		stable  uint64
		want    uint64
		wantErr error
	}{
		{"exact ratio", 10_000, 10_000, 10_000, nil},
		{"within one percent", 10_000, 10_100, 10_000, nil},
		{"within one percent other side", 10_100, 10_000, 10_000, nil},
		{"just over one percent", 10_000, 10_102, 0, ErrImbalancedDeposit},
		{"lopsided attack", 10_000, 1, 0, ErrImbalancedDeposit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPool(t, 1_000_000, 1_000_000)
			kBefore := p.K()
			shares, err := p.AddLiquidity(tt.asset, tt.stable, 0, 0)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, kBefore.Dec(), p.K().Dec())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, shares)
			assert.True(t, p.K().Gt(kBefore))
		})
	}
}

func TestAddLiquidity_MinShares(t *testing.T) {
	p := newPool(t, 1_000_000, 1_000_000)
	_, err := p.AddLiquidity(10_000, 10_000, 10_001, 0)
	assert.ErrorIs(t, err, ErrSlippageExceeded)
	_, err = p.AddLiquidity(0, 10_000, 0, 0)
	assert.ErrorIs(t, err, ErrZeroAmount)
}

func TestRemoveLiquidity(t *testing.T) {
	p, shares, err := New(DefaultConfig(), 1_000_000, 1_000_000, 0)
	require.NoError(t, err)

	kBefore := p.K()
	a, s, err := p.RemoveLiquidity(499_000, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(499_000), a)
	assert.Equal(t, uint64(499_000), s)
	assert.True(t, p.K().Lt(kBefore))

	_, _, err = p.RemoveLiquidity(1, 1_000, 0, 0)
	assert.ErrorIs(t, err, ErrSlippageExceeded)

	_, _, err = p.RemoveLiquidity(shares, 0, 0, 0)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	a, s, err = p.RemoveLiquidity(500_000, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), a)
	assert.Equal(t, uint64(500_000), s)
	assert.Equal(t, MinimumLockedShares, p.LPSupply())
	assert.False(t, p.K().Lt(uint256.NewInt(MinimumK)))

	_, _, err = p.RemoveLiquidity(1, 0, 0, 0)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity, "locked shares are never redeemable")
}

func TestRemoveLiquidity_LowLiquidity(t *testing.T) {
	// Proportional removal from an honestly built pool cannot cross the
	// floor, so start from a restored pool whose share supply outruns sqrt(k).
	snap := newPool(t, 1_000_000, 1_000_000).Snapshot()
	snap.AssetReserve, snap.StableReserve = 2_000, 2_000
	snap.LPSupply, snap.LockedShares = 4_000, MinimumLockedShares
	p, err := FromSnapshot(snap)
	require.NoError(t, err)

	_, _, err = p.RemoveLiquidity(3_000, 0, 0, 0)
	assert.ErrorIs(t, err, ErrLowLiquidity)
	assert.Equal(t, snap, p.Snapshot())

	_, _, err = p.RemoveLiquidity(2_000, 0, 0, 0)
	assert.NoError(t, err)
}

func TestEmptyAll(t *testing.T) {
	p := newPool(t, 2_000_000, 1_000_000)
	_, err := p.Swap(AssetToStable, 50_000, 0, 0)
	require.NoError(t, err)
	ra, rs := p.Reserves()

	a, s, err := p.EmptyAll(10)
	require.NoError(t, err)
	assert.Equal(t, ra, a)
	assert.Equal(t, rs, s)
	assert.True(t, p.IsEmpty())
	assert.Zero(t, p.LPSupply())
	assert.Zero(t, p.LockedShares())

	_, err = p.Swap(AssetToStable, 1_000, 0, 20)
	assert.ErrorIs(t, err, ErrPoolEmpty)
	_, _, err = p.RemoveLiquidity(1, 0, 0, 20)
	assert.ErrorIs(t, err, ErrPoolEmpty)
	_, _, err = p.EmptyAll(20)
	assert.ErrorIs(t, err, ErrPoolEmpty)

	// fees survive the wind-down
	feesA, _ := p.SweepProtocolFees()
	assert.Positive(t, feesA)
	feesA, _ = p.ProtocolFees()
	assert.Zero(t, feesA)
}

func TestSnapshotJSONRoundTrip(t *testing.T) {
	p := newPool(t, 3_000_000, 1_500_000)
	_, err := p.Swap(StableToAsset, 40_000, 0, 70_000)
	require.NoError(t, err)

	raw, err := json.Marshal(p.Snapshot())
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	r, err := FromSnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, p.Snapshot(), r.Snapshot())

	snap.LockedShares = snap.LPSupply + 1
	_, err = FromSnapshot(snap)
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	p := newPool(t, 1_000_000, 1_000_000)
	c := p.Clone()
	_, err := c.Swap(AssetToStable, 10_000, 0, 60_000)
	require.NoError(t, err)
	a, _ := p.Reserves()
	assert.Equal(t, uint64(1_000_000), a)
	assert.Equal(t, uint64(0), p.Oracle().LastUpdate())
}

// Random sequences of swaps, deposits and withdrawals never shrink k except
// on withdrawal, never leave k below the floor, and failed calls mutate
// nothing.
func TestPoolProperties_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	allowed := []error{ErrZeroOutput, ErrImbalancedDeposit, ErrInsufficientLiquidity, ErrLowLiquidity}

	for run := 0; run < 20; run++ {
		p := newPool(t, 1_000_000+rng.Uint64N(1e9), 1_000_000+rng.Uint64N(1e9))
		now := uint64(0)
		for step := 0; step < 200; step++ {
			now += rng.Uint64N(90_000)
			before := p.Snapshot()
			kBefore := p.K()
			a, s := p.Reserves()

			var err error
			op := rng.IntN(4)
			switch op {
			case 0:
				_, err = p.Swap(AssetToStable, 1+rng.Uint64N(a/4+1), 0, now)
			case 1:
				_, err = p.Swap(StableToAsset, 1+rng.Uint64N(s/4+1), 0, now)
			case 2:
				in := 1 + rng.Uint64N(a/10+1)
				matched, _ := fixedpoint.MulDivCeil(in, s, a)
				_, err = p.AddLiquidity(in, matched, 0, now)
			case 3:
				redeemable := p.LPSupply() - p.LockedShares()
				if redeemable == 0 {
					continue
				}
				_, _, err = p.RemoveLiquidity(1+rng.Uint64N(redeemable/2+1), 0, 0, now)
			}

			if err != nil {
				assert.True(t, isOneOf(err, allowed), "run %d step %d op %d: %v", run, step, op, err)
				assert.Equal(t, before, p.Snapshot())
				continue
			}
			kAfter := p.K()
			if op == 3 {
				assert.True(t, kAfter.Lt(kBefore))
				assert.False(t, kAfter.Lt(uint256.NewInt(MinimumK)))
			} else {
				assert.False(t, kAfter.Lt(kBefore), "op %d shrank k", op)
			}
			assert.False(t, p.IsEmpty())
		}
	}
}

func isOneOf(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func FuzzSwapKInvariant(f *testing.F) {
	for _, seed := range []uint64{1, 1_000, 10_000, 1_000_000, 1 << 40, 9_999_999_999_999_999} {
		f.Add(seed, true)
		f.Add(seed, false)
	}
	f.Fuzz(func(t *testing.T, amountIn uint64, assetIn bool) {
		p := newPool(t, 1_000_000_000, 1_000_000_000)
		dir := StableToAsset
		if assetIn {
			dir = AssetToStable
		}
		_, rOut := p.reservesFor(dir)
		kBefore := p.K()

		out, err := p.Swap(dir, amountIn, 0, 0)
		if err != nil {
			return
		}
		require.Less(t, out, rOut)
		require.False(t, p.K().Lt(kBefore))
		require.False(t, p.IsEmpty())
	})
}

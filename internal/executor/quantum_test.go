package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condamm/internal/amm"
	"github.com/alanyoungcy/condamm/internal/arbmath"
	"github.com/alanyoungcy/condamm/internal/escrow"
	"github.com/alanyoungcy/condamm/internal/oracle"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type market struct {
	spot  *amm.Pool
	conds []*amm.Pool
}

func newMarket(t *testing.T, spot [2]uint64, conds ...[2]uint64) *market {
	t.Helper()
	cfg := amm.DefaultConfig()
	s, _, err := amm.New(cfg, spot[0], spot[1], 0)
	require.NoError(t, err)
	m := &market{spot: s}
	for _, c := range conds {
		p, _, err := amm.New(cfg, c[0], c[1], 0)
		require.NoError(t, err)
		m.conds = append(m.conds, p)
	}
	return m
}

func (m *market) views() (arbmath.PoolView, []arbmath.PoolView) {
	vs := make([]arbmath.PoolView, len(m.conds))
	for i, c := range m.conds {
		vs[i] = c.View()
	}
	return m.spot.View(), vs
}

func (m *market) snapshots() []amm.Snapshot {
	out := []amm.Snapshot{m.spot.Snapshot()}
	for _, c := range m.conds {
		out = append(out, c.Snapshot())
	}
	return out
}

func seededLedger(t *testing.T) *escrow.MemoryLedger {
	t.Helper()
	l := escrow.NewMemoryLedger()
	require.NoError(t, l.Apply(context.Background(), []escrow.Op{
		{Kind: escrow.Deposit, Token: escrow.Asset, Amount: 1_000_000_000},
		{Kind: escrow.Deposit, Token: escrow.Stable, Amount: 1_000_000_000},
	}))
	return l
}

const e9 = 1_000_000_000

func richConditionals(t *testing.T) *market {
	return newMarket(t, [2]uint64{e9, e9}, [2]uint64{e9, 1_200_000_000}, [2]uint64{e9, 1_300_000_000})
}

func TestExecute_SpotToConditional(t *testing.T) {
	ctx := context.Background()
	m := richConditionals(t)
	ledger := seededLedger(t)
	ex := New(ledger, nil, escrow.NewManualClock(1_000), discardLogger())

	spot, conds := m.views()
	route := arbmath.FindBestRoute(spot, conds, arbmath.BidParams{}, 0)
	require.Equal(t, arbmath.RouteSpotToConditional, route.Kind)

	res, err := ex.Execute(ctx, Request{Route: route, Spot: m.spot, Conditionals: m.conds})
	require.NoError(t, err)

	// Complete-set bound: revenue is exactly the worst outcome.
	assert.Equal(t, slices.Min(res.PerOutcome), res.Revenue)
	assert.Equal(t, res.Revenue-route.Amount, res.Profit)
	assert.Equal(t, route.ExpectedProfit, res.Profit)
	assert.Len(t, res.PerOutcome, 2)

	// Ledger: the stable complete set left escrow, the surplus stayed behind
	// as dust in each outcome.
	esc, err := ledger.Escrow(ctx, escrow.Stable)
	require.NoError(t, err)
	assert.Equal(t, uint64(e9)-res.Revenue, esc)
	for i, out := range res.PerOutcome {
		bal, err := ledger.Outcome(ctx, i, escrow.Stable)
		require.NoError(t, err)
		assert.Equal(t, out-res.Revenue, bal)
		assert.Equal(t, out-res.Revenue, res.Dust.PerOutcome[i])
		asset, err := ledger.Outcome(ctx, i, escrow.Asset)
		require.NoError(t, err)
		assert.Zero(t, asset)
	}
	assert.Equal(t, escrow.Stable, res.Dust.Token)
	assert.Zero(t, res.Dust.CompleteSets(), "the worst outcome holds no surplus")

	// Pools were committed.
	a, s := m.spot.Reserves()
	assert.Less(t, a, uint64(e9))
	assert.Equal(t, uint64(e9)+route.Amount, s)

	// The market is now balanced against its worst outcome.
	spot, conds = m.views()
	_, p := arbmath.SpotToConditional(spot, conds, 0)
	assert.Zero(t, p)
}

func TestExecute_ConditionalToSpot(t *testing.T) {
	ctx := context.Background()
	m := newMarket(t, [2]uint64{e9, e9}, [2]uint64{1_200_000_000, e9}, [2]uint64{1_300_000_000, e9})
	ledger := seededLedger(t)
	ex := New(ledger, nil, escrow.NewManualClock(0), discardLogger())

	spot, conds := m.views()
	route := arbmath.FindBestRoute(spot, conds, arbmath.BidParams{}, 0)
	require.Equal(t, arbmath.RouteConditionalToSpot, route.Kind)

	res, err := ex.Execute(ctx, Request{Route: route, Spot: m.spot, Conditionals: m.conds, MinProfit: 1})
	require.NoError(t, err)
	assert.Equal(t, route.ExpectedProfit, res.Profit)
	assert.Equal(t, escrow.Asset, res.Dust.Token)

	minAsset := slices.Min(res.PerOutcome)
	esc, err := ledger.Escrow(ctx, escrow.Asset)
	require.NoError(t, err)
	assert.Equal(t, uint64(e9)-minAsset, esc)
	esc, err = ledger.Escrow(ctx, escrow.Stable)
	require.NoError(t, err)
	assert.Equal(t, uint64(e9)+route.Amount, esc)
}

func TestExecute_DustMergesIntoExistingAccumulator(t *testing.T) {
	ctx := context.Background()
	dust := NewDust(escrow.Stable, 2)
	id := dust.ID

	var total []uint64
	for run := 0; run < 2; run++ {
		m := richConditionals(t)
		ex := New(seededLedger(t), nil, escrow.NewManualClock(0), discardLogger())
		spot, conds := m.views()
		route := arbmath.FindBestRoute(spot, conds, arbmath.BidParams{}, 0)

		res, err := ex.Execute(ctx, Request{Route: route, Spot: m.spot, Conditionals: m.conds, Dust: dust})
		require.NoError(t, err)
		assert.Same(t, dust, res.Dust)
		if total == nil {
			total = make([]uint64, len(res.PerOutcome))
		}
		for i, out := range res.PerOutcome {
			total[i] += out - res.Revenue
		}
	}
	assert.Equal(t, id, dust.ID)
	assert.Equal(t, total, dust.PerOutcome)
}

func TestExecute_DustMismatchLeavesStateUntouched(t *testing.T) {
	m := richConditionals(t)
	before := m.snapshots()
	ex := New(seededLedger(t), nil, escrow.NewManualClock(0), discardLogger())
	spot, conds := m.views()
	route := arbmath.FindBestRoute(spot, conds, arbmath.BidParams{}, 0)

	dust := NewDust(escrow.Asset, 2)
	_, err := ex.Execute(context.Background(), Request{Route: route, Spot: m.spot, Conditionals: m.conds, Dust: dust})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, before, m.snapshots())
	assert.Equal(t, []uint64{0, 0}, dust.PerOutcome)
}

func TestExecute_FailuresAreAtomic(t *testing.T) {
	ctx := context.Background()

	t.Run("below min profit", func(t *testing.T) {
		m := richConditionals(t)
		before := m.snapshots()
		ledger := seededLedger(t)
		ex := New(ledger, nil, escrow.NewManualClock(0), discardLogger())
		spot, conds := m.views()
		route := arbmath.FindBestRoute(spot, conds, arbmath.BidParams{}, 0)

		_, err := ex.Execute(ctx, Request{Route: route, Spot: m.spot, Conditionals: m.conds, MinProfit: route.ExpectedProfit + 1})
		assert.ErrorIs(t, err, ErrBelowMinProfit)
		assert.Equal(t, before, m.snapshots())
		esc, _ := ledger.Escrow(ctx, escrow.Stable)
		assert.Equal(t, uint64(e9), esc)
	})

	t.Run("ledger cannot fund withdrawal", func(t *testing.T) {
		m := richConditionals(t)
		before := m.snapshots()
		ex := New(escrow.NewMemoryLedger(), nil, escrow.NewManualClock(0), discardLogger())
		spot, conds := m.views()
		route := arbmath.FindBestRoute(spot, conds, arbmath.BidParams{}, 0)

		_, err := ex.Execute(ctx, Request{Route: route, Spot: m.spot, Conditionals: m.conds})
		assert.ErrorIs(t, err, ErrLedgerRejected)
		assert.ErrorIs(t, err, escrow.ErrInsufficientBalance)
		assert.Equal(t, before, m.snapshots())
	})

	t.Run("unprofitable amount", func(t *testing.T) {
		m := richConditionals(t)
		before := m.snapshots()
		ex := New(seededLedger(t), nil, escrow.NewManualClock(0), discardLogger())
		route := arbmath.Route{Kind: arbmath.RouteSpotToConditional, Amount: 900_000_000}

		_, err := ex.Execute(ctx, Request{Route: route, Spot: m.spot, Conditionals: m.conds})
		assert.ErrorIs(t, err, ErrBelowMinProfit)
		assert.Equal(t, before, m.snapshots())
	})
}

func TestExecute_SpotToBid(t *testing.T) {
	ctx := context.Background()
	m := newMarket(t, [2]uint64{e9, e9}, [2]uint64{e9, e9})
	bid := escrow.NewFixedBid(arbmath.BidParams{NAVPrice: 1_200_000_000_000, MaxCapacity: 1_000_000_000_000, FeeBps: 50})
	ex := New(seededLedger(t), bid, escrow.NewManualClock(0), discardLogger())

	spot, conds := m.views()
	route := arbmath.FindBestRoute(spot, conds, bid.Params(), 0)
	require.Equal(t, arbmath.RouteSpotToBid, route.Kind)

	res, err := ex.Execute(ctx, Request{Route: route, Spot: m.spot, Conditionals: m.conds})
	require.NoError(t, err)
	assert.Equal(t, route.ExpectedProfit, res.Profit)
	assert.Nil(t, res.Dust)
	assert.Empty(t, res.Ops)
	assert.Less(t, bid.Params().MaxCapacity, uint64(1_000_000_000_000))
}

func TestExecute_ConditionalToBid(t *testing.T) {
	ctx := context.Background()
	m := newMarket(t, [2]uint64{e9, 2 * e9}, [2]uint64{e9, 900_000_000}, [2]uint64{1_100_000_000, e9})
	bid := escrow.NewFixedBid(arbmath.BidParams{NAVPrice: oracle.PriceScale, MaxCapacity: 1_000_000_000_000, FeeBps: 30})
	ledger := seededLedger(t)
	ex := New(ledger, bid, escrow.NewManualClock(0), discardLogger())

	_, conds := m.views()
	amt, profit := arbmath.ConditionalToBid(conds, bid.Params(), 0)
	require.Positive(t, profit)
	route := arbmath.Route{Kind: arbmath.RouteConditionalToBid, Amount: amt, ExpectedProfit: profit}

	spotBefore := m.spot.Snapshot()
	res, err := ex.Execute(ctx, Request{Route: route, Spot: m.spot, Conditionals: m.conds})
	require.NoError(t, err)
	assert.Equal(t, profit, res.Profit)
	assert.Equal(t, spotBefore, m.spot.Snapshot(), "spot is not traded on this route")
	assert.Equal(t, slices.Min(res.PerOutcome), res.BidAsset)

	esc, _ := ledger.Escrow(ctx, escrow.Asset)
	assert.Equal(t, uint64(e9)-slices.Min(res.PerOutcome), esc)
}

type failingBid struct{ escrow.BidVenue }

func (failingBid) Sell(context.Context, uint64) (uint64, error) {
	return 0, errors.New("venue offline")
}

func TestExecute_BidFailureRevertsLedger(t *testing.T) {
	ctx := context.Background()
	m := newMarket(t, [2]uint64{e9, 2 * e9}, [2]uint64{e9, 900_000_000}, [2]uint64{1_100_000_000, e9})
	params := arbmath.BidParams{NAVPrice: oracle.PriceScale, MaxCapacity: 1_000_000_000_000, FeeBps: 30}
	ledger := seededLedger(t)
	ex := New(ledger, failingBid{escrow.NewFixedBid(params)}, escrow.NewManualClock(0), discardLogger())

	_, conds := m.views()
	amt, profit := arbmath.ConditionalToBid(conds, params, 0)
	before := m.snapshots()

	_, err := ex.Execute(ctx, Request{
		Route:        arbmath.Route{Kind: arbmath.RouteConditionalToBid, Amount: amt, ExpectedProfit: profit},
		Spot:         m.spot,
		Conditionals: m.conds,
	})
	assert.ErrorIs(t, err, ErrBidSaleReverted)
	assert.Equal(t, before, m.snapshots())

	for _, tok := range []escrow.Token{escrow.Asset, escrow.Stable} {
		esc, _ := ledger.Escrow(ctx, tok)
		assert.Equal(t, uint64(e9), esc)
		for i := range m.conds {
			bal, _ := ledger.Outcome(ctx, i, tok)
			assert.Zero(t, bal)
		}
	}
}

func TestExecute_Validation(t *testing.T) {
	ctx := context.Background()
	m := richConditionals(t)
	ex := New(seededLedger(t), nil, escrow.NewManualClock(0), discardLogger())

	_, err := ex.Execute(ctx, Request{Route: arbmath.Route{Kind: arbmath.RouteNone, Amount: 1}, Spot: m.spot, Conditionals: m.conds})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = ex.Execute(ctx, Request{Route: arbmath.Route{Kind: arbmath.RouteSpotToConditional}, Spot: m.spot, Conditionals: m.conds})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = ex.Execute(ctx, Request{Route: arbmath.Route{Kind: arbmath.RouteSpotToConditional, Amount: 5}, Spot: m.spot})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = ex.Execute(ctx, Request{Route: arbmath.Route{Kind: arbmath.RouteSpotToBid, Amount: 5}, Spot: m.spot})
	assert.ErrorIs(t, err, ErrNoBidVenue)
}

func TestDust(t *testing.T) {
	d := NewDust(escrow.Asset, 3)
	require.NoError(t, d.Merge(escrow.Asset, []uint64{5, 2, 9}))
	require.NoError(t, d.Merge(escrow.Asset, []uint64{1, 4, 0}))
	assert.Equal(t, []uint64{6, 6, 9}, d.PerOutcome)
	assert.Equal(t, uint64(6), d.CompleteSets())

	assert.Error(t, d.Merge(escrow.Stable, []uint64{1, 1, 1}))
	assert.Error(t, d.Merge(escrow.Asset, []uint64{1}))
	assert.Equal(t, []uint64{6, 6, 9}, d.PerOutcome)
}

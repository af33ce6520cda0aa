package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alanyoungcy/condamm/internal/amm"
	"github.com/alanyoungcy/condamm/internal/arbmath"
	"github.com/alanyoungcy/condamm/internal/escrow"
)

var (
	ErrInvalidRequest  = errors.New("executor: invalid request")
	ErrBelowMinProfit  = errors.New("executor: profit below minimum")
	ErrNoBidVenue      = errors.New("executor: no bid venue configured")
	ErrLedgerRejected  = errors.New("executor: ledger rejected settlement")
	ErrBidSaleReverted = errors.New("executor: bid sale failed, settlement reverted")
)

// Request asks the executor to realise one route against live pools.
type Request struct {
	Route        arbmath.Route
	Spot         *amm.Pool
	Conditionals []*amm.Pool
	MinProfit    uint64
	// Dust, when set, receives this execution's surplus instead of a fresh
	// accumulator.
	Dust *Dust
}

// Result reports a settled execution.
type Result struct {
	Kind    arbmath.RouteKind `json:"kind"`
	Amount  uint64            `json:"amount,string"`
	Revenue uint64            `json:"revenue,string"`
	Profit  uint64            `json:"profit,string"`
	// PerOutcome holds what each conditional pool returned: stable for
	// spot-to-conditional, asset for the conditional buy routes.
	PerOutcome []uint64    `json:"per_outcome,omitempty"`
	Ops        []escrow.Op `json:"ops,omitempty"`
	// BidAsset is the asset sold to the protective bid, zero for routes
	// that do not touch it.
	BidAsset uint64 `json:"bid_asset,omitempty,string"`
	Dust       *Dust       `json:"dust,omitempty"`
}

// Executor performs quantum arbitrage. One deposit is replicated into every
// outcome rather than split between them, each conditional pool is swapped
// independently, and only the minimum output across outcomes is withdrawn.
type Executor struct {
	ledger escrow.Ledger
	bid    escrow.BidVenue
	clock  escrow.Clock
	logger *slog.Logger
}

// New creates an Executor. bid may be nil when no protective bid exists.
func New(ledger escrow.Ledger, bid escrow.BidVenue, clock escrow.Clock, logger *slog.Logger) *Executor {
	return &Executor{
		ledger: ledger,
		bid:    bid,
		clock:  clock,
		logger: logger.With(slog.String("component", "executor")),
	}
}

// BidVenue returns the configured bid, or nil.
func (e *Executor) BidVenue() escrow.BidVenue { return e.bid }

type settlement struct {
	spot       *amm.Pool
	conds      []*amm.Pool
	perOutcome []uint64
	ops        []escrow.Op
	dustToken  escrow.Token
	surplus    []uint64
	bidAsset   uint64 // asset to sell to the bid after the ledger settles
	revenue    uint64
}

// Execute realises req.Route. Swaps run against clones of the pools; the
// ledger batch is applied atomically, and only then are the clones committed
// back into the caller's pools. On any error the pools and ledger are left
// unchanged.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if isBidRoute(req.Route.Kind) && e.bid == nil {
		return nil, ErrNoBidVenue
	}
	now := e.clock.NowMs()

	s, err := e.simulate(req, now)
	if err != nil {
		return nil, err
	}
	if isBidRoute(req.Route.Kind) {
		payout, ok := arbmath.BidPayout(s.bidAsset, e.bid.Params())
		if !ok {
			return nil, fmt.Errorf("executor: %w", escrow.ErrCapacityExceeded)
		}
		s.revenue = payout
	}
	if err := checkProfit(s.revenue, req.Route.Amount, req.MinProfit); err != nil {
		return nil, err
	}

	var dust *Dust
	if s.surplus != nil {
		dust = req.Dust
		if dust == nil {
			dust = NewDust(s.dustToken, len(s.surplus))
		}
		// Merge into a copy so a later failure leaves the caller's
		// accumulator untouched.
		staged := *dust
		staged.PerOutcome = slices.Clone(dust.PerOutcome)
		if err := staged.Merge(s.dustToken, s.surplus); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		dust = &staged
	}

	if len(s.ops) > 0 {
		if err := e.ledger.Apply(ctx, s.ops); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLedgerRejected, err)
		}
	}
	if isBidRoute(req.Route.Kind) {
		payout, err := e.bid.Sell(ctx, s.bidAsset)
		if err != nil {
			if len(s.ops) > 0 {
				if rerr := e.ledger.Apply(ctx, escrow.Reverse(s.ops)); rerr != nil {
					e.logger.ErrorContext(ctx, "ledger revert failed",
						slog.String("route", req.Route.Kind.String()),
						slog.String("error", rerr.Error()),
					)
					return nil, fmt.Errorf("%w: %w (revert: %w)", ErrBidSaleReverted, err, rerr)
				}
			}
			return nil, fmt.Errorf("%w: %w", ErrBidSaleReverted, err)
		}
		s.revenue = payout
	}

	// Commit.
	if s.spot != nil {
		*req.Spot = *s.spot
	}
	for i, c := range s.conds {
		*req.Conditionals[i] = *c
	}
	if dust != nil && req.Dust != nil {
		*req.Dust = *dust
		dust = req.Dust
	}

	res := &Result{
		Kind:       req.Route.Kind,
		Amount:     req.Route.Amount,
		Revenue:    s.revenue,
		Profit:     s.revenue - req.Route.Amount,
		PerOutcome: s.perOutcome,
		Ops:        s.ops,
		BidAsset:   s.bidAsset,
		Dust:       dust,
	}
	e.logger.InfoContext(ctx, "arbitrage executed",
		slog.String("route", res.Kind.String()),
		slog.Uint64("amount", res.Amount),
		slog.Uint64("profit", res.Profit),
		slog.Int("outcomes", len(req.Conditionals)),
	)
	return res, nil
}

func validate(req Request) error {
	if req.Route.Kind == arbmath.RouteNone {
		return fmt.Errorf("%w: no route", ErrInvalidRequest)
	}
	if req.Route.Amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrInvalidRequest)
	}
	if req.Route.Kind != arbmath.RouteConditionalToBid && req.Spot == nil {
		return fmt.Errorf("%w: %s needs a spot pool", ErrInvalidRequest, req.Route.Kind)
	}
	if req.Route.Kind != arbmath.RouteSpotToBid {
		if len(req.Conditionals) == 0 {
			return fmt.Errorf("%w: %s needs conditional pools", ErrInvalidRequest, req.Route.Kind)
		}
		for i, c := range req.Conditionals {
			if c == nil {
				return fmt.Errorf("%w: conditional %d is nil", ErrInvalidRequest, i)
			}
		}
	}
	return nil
}

func isBidRoute(k arbmath.RouteKind) bool {
	return k == arbmath.RouteSpotToBid || k == arbmath.RouteConditionalToBid
}

func checkProfit(revenue, cost, minProfit uint64) error {
	if revenue <= cost || revenue-cost < minProfit {
		return fmt.Errorf("%w: revenue %d for cost %d, want profit of at least %d",
			ErrBelowMinProfit, revenue, cost, max(minProfit, 1))
	}
	return nil
}

func (e *Executor) simulate(req Request, now uint64) (*settlement, error) {
	b := req.Route.Amount
	switch req.Route.Kind {
	case arbmath.RouteSpotToConditional:
		return e.spotToConditional(req, b, now)
	case arbmath.RouteConditionalToSpot, arbmath.RouteConditionalToBid:
		return e.conditionalBuy(req, b, now)
	case arbmath.RouteSpotToBid:
		spot := req.Spot.Clone()
		a, err := spot.SwapFeeless(amm.StableToAsset, b, 0, now)
		if err != nil {
			return nil, fmt.Errorf("executor: spot swap: %w", err)
		}
		return &settlement{spot: spot, bidAsset: a}, nil
	default:
		return nil, fmt.Errorf("%w: route %s", ErrInvalidRequest, req.Route.Kind)
	}
}

// spotToConditional buys asset in spot, mints it into every outcome, sells
// it in each conditional pool and withdraws the minimum stable.
func (e *Executor) spotToConditional(req Request, b, now uint64) (*settlement, error) {
	spot := req.Spot.Clone()
	a, err := spot.SwapFeeless(amm.StableToAsset, b, 0, now)
	if err != nil {
		return nil, fmt.Errorf("executor: spot swap: %w", err)
	}

	n := len(req.Conditionals)
	conds := make([]*amm.Pool, n)
	outs := make([]uint64, n)
	for i, p := range req.Conditionals {
		conds[i] = p.Clone()
		if outs[i], err = conds[i].SwapFeeless(amm.AssetToStable, a, 0, now); err != nil {
			return nil, fmt.Errorf("executor: conditional %d swap: %w", i, err)
		}
	}
	m := slices.Min(outs)

	ops := make([]escrow.Op, 0, 4*n+2)
	ops = append(ops, escrow.Op{Kind: escrow.Deposit, Token: escrow.Asset, Amount: a})
	for i := range n {
		ops = append(ops, escrow.Op{Kind: escrow.Credit, Outcome: i, Token: escrow.Asset, Amount: a})
	}
	for i := range n {
		ops = append(ops,
			escrow.Op{Kind: escrow.Debit, Outcome: i, Token: escrow.Asset, Amount: a},
			escrow.Op{Kind: escrow.Credit, Outcome: i, Token: escrow.Stable, Amount: outs[i]},
		)
	}
	for i := range n {
		ops = append(ops, escrow.Op{Kind: escrow.Debit, Outcome: i, Token: escrow.Stable, Amount: m})
	}
	ops = append(ops, escrow.Op{Kind: escrow.Withdraw, Token: escrow.Stable, Amount: m})

	return &settlement{
		spot:       spot,
		conds:      conds,
		perOutcome: outs,
		ops:        ops,
		dustToken:  escrow.Stable,
		surplus:    surplus(outs, m),
		revenue:    m,
	}, nil
}

// conditionalBuy mints b stable into every outcome, buys asset in each
// conditional pool and withdraws the minimum asset, which is then sold to
// spot or, for the bid route, left for the bid.
func (e *Executor) conditionalBuy(req Request, b, now uint64) (*settlement, error) {
	n := len(req.Conditionals)
	conds := make([]*amm.Pool, n)
	outs := make([]uint64, n)
	var err error
	for i, p := range req.Conditionals {
		conds[i] = p.Clone()
		if outs[i], err = conds[i].SwapFeeless(amm.StableToAsset, b, 0, now); err != nil {
			return nil, fmt.Errorf("executor: conditional %d swap: %w", i, err)
		}
	}
	m := slices.Min(outs)

	ops := make([]escrow.Op, 0, 4*n+2)
	ops = append(ops, escrow.Op{Kind: escrow.Deposit, Token: escrow.Stable, Amount: b})
	for i := range n {
		ops = append(ops, escrow.Op{Kind: escrow.Credit, Outcome: i, Token: escrow.Stable, Amount: b})
	}
	for i := range n {
		ops = append(ops,
			escrow.Op{Kind: escrow.Debit, Outcome: i, Token: escrow.Stable, Amount: b},
			escrow.Op{Kind: escrow.Credit, Outcome: i, Token: escrow.Asset, Amount: outs[i]},
		)
	}
	for i := range n {
		ops = append(ops, escrow.Op{Kind: escrow.Debit, Outcome: i, Token: escrow.Asset, Amount: m})
	}
	ops = append(ops, escrow.Op{Kind: escrow.Withdraw, Token: escrow.Asset, Amount: m})

	s := &settlement{
		conds:      conds,
		perOutcome: outs,
		ops:        ops,
		dustToken:  escrow.Asset,
		surplus:    surplus(outs, m),
	}
	if req.Route.Kind == arbmath.RouteConditionalToBid {
		s.bidAsset = m
		return s, nil
	}

	spot := req.Spot.Clone()
	out, err := spot.SwapFeeless(amm.AssetToStable, m, 0, now)
	if err != nil {
		return nil, fmt.Errorf("executor: spot swap: %w", err)
	}
	s.spot = spot
	s.revenue = out
	return s, nil
}

func surplus(outs []uint64, m uint64) []uint64 {
	d := make([]uint64, len(outs))
	for i, o := range outs {
		d[i] = o - m
	}
	return d
}

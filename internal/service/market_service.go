package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/condamm/internal/amm"
	"github.com/alanyoungcy/condamm/internal/domain"
	"github.com/alanyoungcy/condamm/internal/escrow"
)

// LedgerProvider hands out the escrow ledger that backs one market.
type LedgerProvider interface {
	Ledger(marketID string) escrow.Ledger
}

// Pools are the live pools of a market while a mutation holds its lock.
type Pools struct {
	Spot         *amm.Pool
	Conditionals []*amm.Pool
}

// Pool resolves a PoolRef.
func (p *Pools) Pool(ref domain.PoolRef) (*amm.Pool, error) {
	if ref.IsSpot() {
		return p.Spot, nil
	}
	if int(ref) < 0 || int(ref) >= len(p.Conditionals) {
		return nil, fmt.Errorf("%w: pool %d out of range", domain.ErrInvalidInput, ref)
	}
	return p.Conditionals[ref], nil
}

// Reserves is a pair of initial pool reserves.
type Reserves struct {
	Asset  uint64 `json:"asset,string"`
	Stable uint64 `json:"stable,string"`
}

// CreateMarketRequest describes a new market. Conditionals holds one entry
// per outcome, in outcome order.
type CreateMarketRequest struct {
	ID           string     `json:"id"`
	Question     string     `json:"question"`
	Outcomes     []string   `json:"outcomes"`
	Spot         Reserves   `json:"spot"`
	Conditionals []Reserves `json:"conditionals"`
}

// SwapRequest is a trader swap against one pool.
type SwapRequest struct {
	Pool         domain.PoolRef `json:"pool"`
	Direction    amm.Direction  `json:"-"`
	AmountIn     uint64         `json:"amount_in,string"`
	MinAmountOut uint64         `json:"min_amount_out,string"`
}

// MarketServiceConfig holds the pool settings new markets are created with.
type MarketServiceConfig struct {
	Pool    amm.Config
	LockTTL time.Duration
}

// MarketService owns market state. Every mutation runs under a per-market
// mutex and, when a LockManager is configured, a distributed lock; it is then
// saved with an optimistic version check, cached and published.
type MarketService struct {
	markets domain.MarketStore
	cache   domain.MarketCache
	locks   domain.LockManager
	bus     domain.SignalBus
	audit   domain.AuditStore
	ledgers LedgerProvider
	clock   escrow.Clock
	cfg     MarketServiceConfig
	logger  *slog.Logger

	mu    sync.Mutex
	local map[string]*sync.Mutex
}

// NewMarketService creates a MarketService. cache, locks, bus and audit may
// be nil.
func NewMarketService(
	markets domain.MarketStore,
	cache domain.MarketCache,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	ledgers LedgerProvider,
	clock escrow.Clock,
	cfg MarketServiceConfig,
	logger *slog.Logger,
) *MarketService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	return &MarketService{
		markets: markets,
		cache:   cache,
		locks:   locks,
		bus:     bus,
		audit:   audit,
		ledgers: ledgers,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "market_service")),
		local:   make(map[string]*sync.Mutex),
	}
}

// Clock returns the clock pool operations are stamped with.
func (s *MarketService) Clock() escrow.Clock { return s.clock }

// Ledger returns the escrow ledger backing a market.
func (s *MarketService) Ledger(marketID string) escrow.Ledger { return s.ledgers.Ledger(marketID) }

// CreateMarket seeds the spot pool and one conditional pool per outcome, and
// deposits enough of each token into escrow to back the largest conditional
// reserve.
func (s *MarketService) CreateMarket(ctx context.Context, req CreateMarketRequest) (domain.MarketState, error) {
	if req.ID == "" {
		return domain.MarketState{}, fmt.Errorf("market_service: create: %w: empty id", domain.ErrInvalidInput)
	}
	if len(req.Outcomes) == 0 || len(req.Outcomes) != len(req.Conditionals) {
		return domain.MarketState{}, fmt.Errorf("market_service: create %q: %w: %d outcomes, %d conditional pools",
			req.ID, domain.ErrInvalidInput, len(req.Outcomes), len(req.Conditionals))
	}

	now := s.clock.NowMs()
	spot, _, err := amm.New(s.cfg.Pool, req.Spot.Asset, req.Spot.Stable, now)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("market_service: create %q: spot pool: %w", req.ID, err)
	}
	pools := &Pools{Spot: spot, Conditionals: make([]*amm.Pool, len(req.Conditionals))}
	var backAsset, backStable uint64
	for i, r := range req.Conditionals {
		if pools.Conditionals[i], _, err = amm.New(s.cfg.Pool, r.Asset, r.Stable, now); err != nil {
			return domain.MarketState{}, fmt.Errorf("market_service: create %q: conditional %d: %w", req.ID, i, err)
		}
		backAsset = max(backAsset, r.Asset)
		backStable = max(backStable, r.Stable)
	}

	ts := time.Now().UTC()
	state := domain.MarketState{
		Market: domain.Market{
			ID:        req.ID,
			Question:  req.Question,
			Outcomes:  slices.Clone(req.Outcomes),
			Status:    domain.MarketStatusActive,
			CreatedAt: ts,
			UpdatedAt: ts,
		},
		Version: 1,
	}
	fillState(&state, pools)

	if _, err := s.markets.Get(ctx, req.ID); err == nil {
		return domain.MarketState{}, fmt.Errorf("market_service: create %q: %w", req.ID, domain.ErrAlreadyExists)
	}
	ledger := s.ledgers.Ledger(req.ID)
	seed := []escrow.Op{
		{Kind: escrow.Deposit, Token: escrow.Asset, Amount: backAsset},
		{Kind: escrow.Deposit, Token: escrow.Stable, Amount: backStable},
	}
	if err := ledger.Apply(ctx, seed); err != nil {
		return domain.MarketState{}, fmt.Errorf("market_service: create %q: seed escrow: %w", req.ID, err)
	}
	if err := s.markets.Create(ctx, state); err != nil {
		if rerr := ledger.Apply(ctx, escrow.Reverse(seed)); rerr != nil {
			s.logger.ErrorContext(ctx, "escrow seed revert failed",
				slog.String("market_id", req.ID),
				slog.String("error", rerr.Error()),
			)
		}
		return domain.MarketState{}, fmt.Errorf("market_service: create %q: %w", req.ID, err)
	}

	s.afterCommit(ctx, state, domain.PoolEventCreated)
	s.logAudit(ctx, "market_created", map[string]any{
		"market_id": req.ID,
		"outcomes":  len(req.Outcomes),
	})
	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", req.ID),
		slog.Int("outcomes", len(req.Outcomes)),
	)
	return state, nil
}

// Get returns a market's state, preferring the cache.
func (s *MarketService) Get(ctx context.Context, id string) (domain.MarketState, error) {
	if s.cache != nil {
		if st, err := s.cache.Get(ctx, id); err == nil {
			return st, nil
		}
	}
	st, err := s.markets.Get(ctx, id)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("market_service: get %q: %w", id, err)
	}
	if s.cache != nil {
		if cerr := s.cache.Set(ctx, st); cerr != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.String("market_id", id),
				slog.String("error", cerr.Error()),
			)
		}
	}
	return st, nil
}

// List returns market metadata from the store.
func (s *MarketService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	ms, err := s.markets.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return ms, nil
}

// Quote previews a swap without mutating anything.
func (s *MarketService) Quote(ctx context.Context, id string, ref domain.PoolRef, dir amm.Direction, amountIn uint64) (amm.SwapResult, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return amm.SwapResult{}, err
	}
	pools, err := LoadPools(st)
	if err != nil {
		return amm.SwapResult{}, fmt.Errorf("market_service: quote %q: %w", id, err)
	}
	p, err := pools.Pool(ref)
	if err != nil {
		return amm.SwapResult{}, fmt.Errorf("market_service: quote %q: %w", id, err)
	}
	res, err := p.Quote(dir, amountIn)
	if err != nil {
		return amm.SwapResult{}, fmt.Errorf("market_service: quote %q: %w", id, err)
	}
	return res, nil
}

// Swap executes a trader swap and returns the output amount with the new
// market state.
func (s *MarketService) Swap(ctx context.Context, id string, req SwapRequest) (uint64, domain.MarketState, error) {
	var out uint64
	st, err := s.Mutate(ctx, id, domain.PoolEventSwap, func(pools *Pools) error {
		p, err := pools.Pool(req.Pool)
		if err != nil {
			return err
		}
		out, err = p.Swap(req.Direction, req.AmountIn, req.MinAmountOut, s.clock.NowMs())
		return err
	})
	if err != nil {
		return 0, domain.MarketState{}, err
	}
	s.logger.DebugContext(ctx, "swap executed",
		slog.String("market_id", id),
		slog.Int("pool", int(req.Pool)),
		slog.String("direction", req.Direction.String()),
		slog.Uint64("amount_in", req.AmountIn),
		slog.Uint64("amount_out", out),
	)
	return out, st, nil
}

// AddSpotLiquidity deposits into the spot pool and returns the minted shares.
// Conditional pools are backed by escrow and only change through swaps.
func (s *MarketService) AddSpotLiquidity(ctx context.Context, id string, asset, stable, minShares uint64) (uint64, error) {
	var shares uint64
	_, err := s.Mutate(ctx, id, domain.PoolEventLiquidity, func(pools *Pools) error {
		var err error
		shares, err = pools.Spot.AddLiquidity(asset, stable, minShares, s.clock.NowMs())
		return err
	})
	return shares, err
}

// RemoveSpotLiquidity burns spot pool shares.
func (s *MarketService) RemoveSpotLiquidity(ctx context.Context, id string, shares, minAsset, minStable uint64) (asset, stable uint64, err error) {
	_, err = s.Mutate(ctx, id, domain.PoolEventLiquidity, func(pools *Pools) error {
		var err error
		asset, stable, err = pools.Spot.RemoveLiquidity(shares, minAsset, minStable, s.clock.NowMs())
		return err
	})
	return asset, stable, err
}

// WindDown empties every pool of the market and marks it wound down. The
// protocol fees stay with the pools.
func (s *MarketService) WindDown(ctx context.Context, id string) (domain.MarketState, error) {
	return s.mutate(ctx, id, domain.PoolEventWoundDown, func(st *domain.MarketState, pools *Pools) error {
		now := s.clock.NowMs()
		for _, p := range append([]*amm.Pool{pools.Spot}, pools.Conditionals...) {
			if p.IsEmpty() {
				continue
			}
			if _, _, err := p.EmptyAll(now); err != nil {
				return err
			}
		}
		st.Market.Status = domain.MarketStatusWoundDown
		return nil
	})
}

// Mutate runs fn against the live pools of an active market under its locks
// and commits the result. fn must leave the pools unchanged when it returns
// an error; nothing is saved in that case.
func (s *MarketService) Mutate(ctx context.Context, id string, kind domain.PoolEventKind, fn func(*Pools) error) (domain.MarketState, error) {
	return s.mutate(ctx, id, kind, func(st *domain.MarketState, pools *Pools) error {
		if st.Market.Status != domain.MarketStatusActive {
			return fmt.Errorf("%w: %s", domain.ErrMarketClosed, st.Market.Status)
		}
		return fn(pools)
	})
}

func (s *MarketService) mutate(ctx context.Context, id string, kind domain.PoolEventKind, fn func(*domain.MarketState, *Pools) error) (domain.MarketState, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("market_service: lock %q: %w", id, err)
	}
	defer unlock()

	// The store is the source of truth while the lock is held.
	st, err := s.markets.Get(ctx, id)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("market_service: load %q: %w", id, err)
	}
	pools, err := LoadPools(st)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("market_service: load %q: %w", id, err)
	}
	if err := fn(&st, pools); err != nil {
		return domain.MarketState{}, fmt.Errorf("market_service: %s %q: %w", kind, id, err)
	}

	fillState(&st, pools)
	st.Version++
	st.Market.UpdatedAt = time.Now().UTC()
	if err := s.markets.Save(ctx, st); err != nil {
		return domain.MarketState{}, fmt.Errorf("market_service: save %q: %w", id, err)
	}
	s.afterCommit(ctx, st, kind)
	return st, nil
}

func (s *MarketService) lock(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	m, ok := s.local[id]
	if !ok {
		m = &sync.Mutex{}
		s.local[id] = m
	}
	s.mu.Unlock()

	m.Lock()
	if s.locks == nil {
		return m.Unlock, nil
	}
	release, err := s.locks.Acquire(ctx, "market:"+id, s.cfg.LockTTL)
	if err != nil {
		m.Unlock()
		return nil, err
	}
	return func() {
		release()
		m.Unlock()
	}, nil
}

func (s *MarketService) afterCommit(ctx context.Context, st domain.MarketState, kind domain.PoolEventKind) {
	if s.cache != nil {
		if err := s.cache.Set(ctx, st); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.String("market_id", st.Market.ID),
				slog.String("error", err.Error()),
			)
			// Drop the stale entry so readers fall back to the store.
			if ierr := s.cache.Invalidate(ctx, st.Market.ID); ierr != nil {
				s.logger.WarnContext(ctx, "cache invalidate failed",
					slog.String("market_id", st.Market.ID),
					slog.String("error", ierr.Error()),
				)
			}
		}
	}
	if s.bus == nil {
		return
	}
	views, err := PoolViews(st)
	if err != nil {
		s.logger.ErrorContext(ctx, "build pool views failed",
			slog.String("market_id", st.Market.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	evt, _ := json.Marshal(domain.PoolEvent{
		MarketID: st.Market.ID,
		Kind:     kind,
		Version:  st.Version,
		Pools:    views,
		At:       st.Market.UpdatedAt,
	})
	if err := s.bus.Publish(ctx, domain.ChannelPoolUpdates, evt); err != nil {
		s.logger.WarnContext(ctx, "publish pool update failed",
			slog.String("market_id", st.Market.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// LoadPools rebuilds live pools from persisted snapshots.
func LoadPools(st domain.MarketState) (*Pools, error) {
	spot, err := amm.FromSnapshot(st.Spot)
	if err != nil {
		return nil, fmt.Errorf("spot: %w", err)
	}
	pools := &Pools{Spot: spot, Conditionals: make([]*amm.Pool, len(st.Conditionals))}
	for i, snap := range st.Conditionals {
		if pools.Conditionals[i], err = amm.FromSnapshot(snap); err != nil {
			return nil, fmt.Errorf("conditional %d: %w", i, err)
		}
	}
	return pools, nil
}

func fillState(st *domain.MarketState, pools *Pools) {
	st.Spot = pools.Spot.Snapshot()
	st.Conditionals = make([]amm.Snapshot, len(pools.Conditionals))
	for i, p := range pools.Conditionals {
		st.Conditionals[i] = p.Snapshot()
	}
}

// PoolViews summarises every pool of a market, spot first.
func PoolViews(st domain.MarketState) ([]domain.PoolView, error) {
	pools, err := LoadPools(st)
	if err != nil {
		return nil, err
	}
	views := make([]domain.PoolView, 0, 1+len(pools.Conditionals))
	views = append(views, poolView(domain.SpotPool, pools.Spot))
	for i, p := range pools.Conditionals {
		views = append(views, poolView(domain.PoolRef(i), p))
	}
	return views, nil
}

func poolView(ref domain.PoolRef, p *amm.Pool) domain.PoolView {
	a, st := p.Reserves()
	orc := p.Oracle()
	return domain.PoolView{
		Pool:          ref,
		AssetReserve:  a,
		StableReserve: st,
		LPSupply:      p.LPSupply(),
		FeeBps:        p.FeeBps(),
		Price:         p.Price().Dec(),
		TWAP:          orc.TWAP().Dec(),
		LastPrice:     orc.LastPrice().Dec(),
	}
}

// IsConflict reports whether err means the caller lost a race for a market
// and may retry.
func IsConflict(err error) bool {
	return errors.Is(err, domain.ErrLockHeld) || errors.Is(err, domain.ErrVersionConflict)
}

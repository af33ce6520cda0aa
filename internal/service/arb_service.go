package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/condamm/internal/arbmath"
	"github.com/alanyoungcy/condamm/internal/domain"
	"github.com/alanyoungcy/condamm/internal/escrow"
	"github.com/alanyoungcy/condamm/internal/executor"
)

// ArbConfig holds the keeper's tunables.
type ArbConfig struct {
	MinProfit uint64
	// Bid seeds each market's protective bid venue. A zero NAV disables the
	// bid routes.
	Bid      arbmath.BidParams
	SizeHint uint64
}

// ArbService finds and executes quantum arbitrage against markets owned by
// a MarketService, and records every attempt.
type ArbService struct {
	markets  *MarketService
	execs    domain.ArbExecutionStore
	audit    domain.AuditStore
	bus      domain.SignalBus
	archiver domain.Archiver
	cfg      ArbConfig
	logger   *slog.Logger

	mu   sync.Mutex
	bids map[string]escrow.BidVenue
	dust map[dustKey]*executor.Dust
}

type dustKey struct {
	market string
	token  escrow.Token
}

// NewArbService creates an ArbService. audit, bus and archiver may be nil.
func NewArbService(
	markets *MarketService,
	execs domain.ArbExecutionStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	archiver domain.Archiver,
	cfg ArbConfig,
	logger *slog.Logger,
) *ArbService {
	return &ArbService{
		markets:  markets,
		execs:    execs,
		audit:    audit,
		bus:      bus,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "arb_service")),
		bids:     make(map[string]escrow.BidVenue),
		dust:     make(map[dustKey]*executor.Dust),
	}
}

// SetBidVenue replaces the bid venue used for a market.
func (s *ArbService) SetBidVenue(marketID string, bid escrow.BidVenue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bids[marketID] = bid
}

func (s *ArbService) bidVenue(marketID string) escrow.BidVenue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bids[marketID]; ok {
		return b
	}
	if s.cfg.Bid.NAVPrice == 0 || s.cfg.Bid.MaxCapacity == 0 {
		return nil
	}
	b := escrow.NewFixedBid(s.cfg.Bid)
	s.bids[marketID] = b
	return b
}

func (s *ArbService) bidParams(marketID string) arbmath.BidParams {
	if b := s.bidVenue(marketID); b != nil {
		return b.Params()
	}
	return arbmath.BidParams{}
}

// Dust returns the accumulated complete-set surplus of a market for token,
// or nil when there is none.
func (s *ArbService) Dust(marketID string, token escrow.Token) *executor.Dust {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dust[dustKey{marketID, token}]
}

// FindRoute returns the most profitable route for a market's current state.
// A zero sizeHint uses the configured default.
func (s *ArbService) FindRoute(ctx context.Context, marketID string, sizeHint uint64) (arbmath.Route, error) {
	st, err := s.markets.Get(ctx, marketID)
	if err != nil {
		return arbmath.Route{}, err
	}
	pools, err := LoadPools(st)
	if err != nil {
		return arbmath.Route{}, fmt.Errorf("arb_service: find route %q: %w", marketID, err)
	}
	return s.route(marketID, pools, sizeHint), nil
}

func (s *ArbService) route(marketID string, pools *Pools, sizeHint uint64) arbmath.Route {
	if sizeHint == 0 {
		sizeHint = s.cfg.SizeHint
	}
	conds := make([]arbmath.PoolView, len(pools.Conditionals))
	for i, p := range pools.Conditionals {
		conds[i] = p.View()
	}
	return arbmath.FindBestRoute(pools.Spot.View(), conds, s.bidParams(marketID), sizeHint)
}

// Execute searches for the best route on the locked market state and
// executes it. It returns domain.ErrNoRoute when nothing is profitable.
func (s *ArbService) Execute(ctx context.Context, marketID string, sizeHint uint64) (domain.ArbExecution, error) {
	rec, _, err := s.execute(ctx, marketID, sizeHint)
	return rec, err
}

// HandleJob implements executor.JobHandler.
func (s *ArbService) HandleJob(ctx context.Context, job executor.Job) (*executor.Result, error) {
	_, res, err := s.execute(ctx, job.MarketID, job.SizeHint)
	if errors.Is(err, domain.ErrNoRoute) {
		// The opportunity closed between scan and execution.
		return nil, nil
	}
	return res, err
}

func (s *ArbService) execute(ctx context.Context, marketID string, sizeHint uint64) (domain.ArbExecution, *executor.Result, error) {
	var (
		route    arbmath.Route
		res      *executor.Result
		execErr  error
		dustPrev *executor.Dust
		dk       dustKey
	)
	started := time.Now().UTC()
	ledger := s.markets.Ledger(marketID)
	bid := s.bidVenue(marketID)

	_, err := s.markets.Mutate(ctx, marketID, domain.PoolEventArbitrage, func(pools *Pools) error {
		route = s.route(marketID, pools, sizeHint)
		if route.Kind == arbmath.RouteNone {
			return domain.ErrNoRoute
		}
		exec := executor.New(ledger, bid, s.markets.Clock(), s.logger)
		dk = dustKey{marketID, dustToken(route.Kind)}
		dustPrev = s.Dust(marketID, dk.token)
		req := executor.Request{
			Route:        route,
			Spot:         pools.Spot,
			Conditionals: pools.Conditionals,
			MinProfit:    s.cfg.MinProfit,
			Dust:         cloneDust(dustPrev),
		}
		res, execErr = exec.Execute(ctx, req)
		return execErr
	})

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNoRoute):
		return domain.ArbExecution{}, nil, fmt.Errorf("arb_service: %q: %w", marketID, domain.ErrNoRoute)
	case res != nil:
		// The executor settled but the new pool state was not saved.
		s.compensate(ctx, marketID, ledger, bid, res)
		res = nil
		execErr = err
	case execErr == nil:
		// The market could not be loaded or locked.
		return domain.ArbExecution{}, nil, err
	}

	rec := domain.ArbExecution{
		ID:             uuid.NewString(),
		MarketID:       marketID,
		Route:          route.Kind,
		Amount:         route.Amount,
		ExpectedProfit: route.ExpectedProfit,
		StartedAt:      started,
	}
	done := time.Now().UTC()
	rec.CompletedAt = &done

	if res != nil {
		rec.Status = domain.ArbExecFilled
		rec.RealizedProfit = res.Profit
		rec.PerOutcome = res.PerOutcome
		rec.Ops = res.Ops
		if res.Dust != nil {
			rec.DustID = res.Dust.ID.String()
			s.mu.Lock()
			s.dust[dk] = res.Dust
			s.mu.Unlock()
		}
	} else {
		rec.Status = domain.ArbExecFailed
		if errors.Is(execErr, executor.ErrBelowMinProfit) {
			rec.Status = domain.ArbExecRejected
		}
		rec.Error = execErr.Error()
	}

	s.record(ctx, rec)

	if res == nil {
		if errors.Is(execErr, executor.ErrBelowMinProfit) {
			return rec, nil, fmt.Errorf("arb_service: %q: %w: %w", marketID, domain.ErrBelowMinProfit, execErr)
		}
		return rec, nil, fmt.Errorf("arb_service: %q: %w", marketID, execErr)
	}
	return rec, res, nil
}

func (s *ArbService) compensate(ctx context.Context, marketID string, ledger escrow.Ledger, bid escrow.BidVenue, res *executor.Result) {
	if res.BidAsset > 0 && bid != nil {
		if err := bid.Refund(ctx, res.BidAsset); err != nil {
			s.logger.ErrorContext(ctx, "bid compensation failed",
				slog.String("market_id", marketID),
				slog.String("route", res.Kind.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(res.Ops) == 0 {
		return
	}
	if err := ledger.Apply(ctx, escrow.Reverse(res.Ops)); err != nil {
		s.logger.ErrorContext(ctx, "ledger compensation failed",
			slog.String("market_id", marketID),
			slog.String("route", res.Kind.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ArbService) record(ctx context.Context, rec domain.ArbExecution) {
	if err := s.execs.Create(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "persist execution failed",
			slog.String("exec_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
	if s.bus != nil {
		payload, _ := json.Marshal(rec)
		if err := s.bus.StreamAppend(ctx, domain.StreamArbExecutions, payload); err != nil {
			s.logger.WarnContext(ctx, "stream append failed",
				slog.String("exec_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.audit != nil {
		if err := s.audit.Log(ctx, "arb_"+string(rec.Status), map[string]any{
			"exec_id":   rec.ID,
			"market_id": rec.MarketID,
			"route":     rec.Route.String(),
			"amount":    rec.Amount,
			"profit":    rec.RealizedProfit,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("exec_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.InfoContext(ctx, "execution recorded",
		slog.String("exec_id", rec.ID),
		slog.String("market_id", rec.MarketID),
		slog.String("route", rec.Route.String()),
		slog.String("status", string(rec.Status)),
		slog.Uint64("amount", rec.Amount),
		slog.Uint64("realized_profit", rec.RealizedProfit),
	)
}

// Scan queues a job for every active market that currently has a
// profitable route. Job IDs carry the market version, so the runner's dedup
// drops repeats until the market changes.
func (s *ArbService) Scan(ctx context.Context, jobs chan<- executor.Job) (int, error) {
	markets, err := s.markets.List(ctx, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("arb_service: scan: %w", err)
	}
	queued := 0
	for _, m := range markets {
		if m.Status != domain.MarketStatusActive {
			continue
		}
		st, err := s.markets.Get(ctx, m.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "scan: load market failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		pools, err := LoadPools(st)
		if err != nil {
			continue
		}
		if s.route(m.ID, pools, 0).Kind == arbmath.RouteNone {
			continue
		}
		job := executor.Job{
			ID:       fmt.Sprintf("%s:%d", m.ID, st.Version),
			MarketID: m.ID,
			SizeHint: s.cfg.SizeHint,
		}
		select {
		case jobs <- job:
			queued++
		case <-ctx.Done():
			return queued, ctx.Err()
		}
	}
	return queued, nil
}

// ListExecutions returns recent executions, newest first.
func (s *ArbService) ListExecutions(ctx context.Context, opts domain.ListOpts) ([]domain.ArbExecution, error) {
	execs, err := s.execs.ListRecent(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("arb_service: list executions: %w", err)
	}
	return execs, nil
}

// Archive uploads the executions completed since the given time and returns
// the object path, or "" when there was nothing to archive.
func (s *ArbService) Archive(ctx context.Context, since time.Time) (string, error) {
	if s.archiver == nil {
		return "", nil
	}
	execs, err := s.execs.ListRecent(ctx, domain.ListOpts{Since: &since})
	if err != nil {
		return "", fmt.Errorf("arb_service: archive: %w", err)
	}
	if len(execs) == 0 {
		return "", nil
	}
	path, err := s.archiver.ArchiveExecutions(ctx, execs)
	if err != nil {
		return "", fmt.Errorf("arb_service: archive: %w", err)
	}
	s.logger.InfoContext(ctx, "executions archived",
		slog.String("path", path),
		slog.Int("count", len(execs)),
	)
	return path, nil
}

func dustToken(k arbmath.RouteKind) escrow.Token {
	if k == arbmath.RouteSpotToConditional {
		return escrow.Stable
	}
	return escrow.Asset
}

func cloneDust(d *executor.Dust) *executor.Dust {
	if d == nil {
		return nil
	}
	cp := *d
	cp.PerOutcome = append([]uint64(nil), d.PerOutcome...)
	return &cp
}

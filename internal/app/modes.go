package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/condamm/internal/amm"
	"github.com/alanyoungcy/condamm/internal/config"
	"github.com/alanyoungcy/condamm/internal/domain"
	"github.com/alanyoungcy/condamm/internal/escrow"
	"github.com/alanyoungcy/condamm/internal/executor"
	"github.com/alanyoungcy/condamm/internal/server"
	"github.com/alanyoungcy/condamm/internal/server/handler"
	"github.com/alanyoungcy/condamm/internal/server/ws"
	"github.com/alanyoungcy/condamm/internal/service"
)

// SimMarketID is the market simulate mode trades against.
const SimMarketID = "sim"

// maxArbsPerStep bounds the arbitrage passes the simulation runs after each
// noise trade.
const maxArbsPerStep = 8

// SimulationReport summarises a simulation run. Two runs with the same
// configuration produce equal reports.
type SimulationReport struct {
	Steps        int    `json:"steps"`
	Swaps        int    `json:"swaps"`
	SkippedSwaps int    `json:"skipped_swaps"`
	Fills        int    `json:"fills"`
	Rejections   int    `json:"rejections"`
	Failures     int    `json:"failures"`
	TotalProfit  uint64 `json:"total_profit,string"`

	FinalSpotPrice    string   `json:"final_spot_price"`
	FinalSpotTWAP     string   `json:"final_spot_twap"`
	ConditionalPrices []string `json:"conditional_prices"`
	EscrowAsset       uint64   `json:"escrow_asset,string"`
	EscrowStable      uint64   `json:"escrow_stable,string"`
}

// SimulateMode runs the in-memory simulation to completion and logs its
// report.
func (a *App) SimulateMode(ctx context.Context, deps *Dependencies) (SimulationReport, error) {
	clock, ok := deps.Clock.(*escrow.ManualClock)
	if !ok {
		return SimulationReport{}, fmt.Errorf("simulate mode: requires a manual clock, got %T", deps.Clock)
	}
	svc := NewServices(a.cfg, deps, a.logger)
	return Simulate(ctx, svc, clock, a.cfg.Simulation, a.cfg.Arbitrage.SizeHint, a.logger)
}

// Simulate creates the simulation market, then for every step advances the
// clock, applies one random trade and arbitrages the market back into line.
func Simulate(
	ctx context.Context,
	svc *Services,
	clock *escrow.ManualClock,
	cfg config.SimulationConfig,
	sizeHint uint64,
	logger *slog.Logger,
) (SimulationReport, error) {
	logger = logger.With(slog.String("component", "simulation"))

	conds := make([]service.Reserves, len(cfg.Outcomes))
	for i := range conds {
		conds[i] = service.Reserves{Asset: cfg.CondAsset, Stable: cfg.CondStable}
	}
	if _, err := svc.Markets.CreateMarket(ctx, service.CreateMarketRequest{
		ID:           SimMarketID,
		Question:     "simulated market",
		Outcomes:     cfg.Outcomes,
		Spot:         service.Reserves{Asset: cfg.SpotAsset, Stable: cfg.SpotStable},
		Conditionals: conds,
	}); err != nil {
		return SimulationReport{}, fmt.Errorf("simulate: create market: %w", err)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	var rep SimulationReport

	for step := 1; step <= cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		clock.Advance(cfg.StepMs)
		rep.Steps++

		swapped, err := noiseTrade(ctx, svc.Markets, rng, len(cfg.Outcomes), cfg.MaxTradeBps)
		if err != nil {
			return rep, fmt.Errorf("simulate: step %d: %w", step, err)
		}
		if swapped {
			rep.Swaps++
		} else {
			rep.SkippedSwaps++
		}

		if err := arbitrageStep(ctx, svc.Arb, sizeHint, &rep); err != nil {
			return rep, fmt.Errorf("simulate: step %d: %w", step, err)
		}

		if logger.Enabled(ctx, slog.LevelDebug) {
			st, err := svc.Markets.Get(ctx, SimMarketID)
			if err == nil {
				if pools, err := service.LoadPools(st); err == nil {
					logger.DebugContext(ctx, "step",
						slog.Int("step", step),
						slog.String("spot_price", pools.Spot.Price().Dec()),
						slog.String("spot_twap", pools.Spot.TWAP().Dec()),
						slog.Int("fills", rep.Fills),
					)
				}
			}
		}
	}

	if err := finalState(ctx, svc.Markets, &rep); err != nil {
		return rep, err
	}

	logger.InfoContext(ctx, "simulation complete",
		slog.Int("steps", rep.Steps),
		slog.Int("swaps", rep.Swaps),
		slog.Int("skipped_swaps", rep.SkippedSwaps),
		slog.Int("fills", rep.Fills),
		slog.Int("rejections", rep.Rejections),
		slog.Int("failures", rep.Failures),
		slog.Uint64("total_profit", rep.TotalProfit),
		slog.String("final_spot_price", rep.FinalSpotPrice),
		slog.String("final_spot_twap", rep.FinalSpotTWAP),
	)
	return rep, nil
}

// noiseTrade swaps a random share, up to maxBps, of the input reserve of a
// random pool. It reports false when the pool refused the trade.
func noiseTrade(ctx context.Context, markets *service.MarketService, rng *rand.Rand, outcomes int, maxBps uint64) (bool, error) {
	st, err := markets.Get(ctx, SimMarketID)
	if err != nil {
		return false, err
	}
	pools, err := service.LoadPools(st)
	if err != nil {
		return false, err
	}

	ref := domain.PoolRef(rng.IntN(outcomes+1) - 1)
	dir := amm.AssetToStable
	if rng.IntN(2) == 1 {
		dir = amm.StableToAsset
	}
	pool, err := pools.Pool(ref)
	if err != nil {
		return false, err
	}
	asset, stable := pool.Reserves()
	reserveIn := asset
	if dir == amm.StableToAsset {
		reserveIn = stable
	}
	amount := reserveIn / 10_000 * (1 + rng.Uint64N(maxBps))
	if amount == 0 {
		return false, nil
	}

	_, _, err = markets.Swap(ctx, SimMarketID, service.SwapRequest{
		Pool:      ref,
		Direction: dir,
		AmountIn:  amount,
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, amm.ErrZeroOutput),
		errors.Is(err, amm.ErrInsufficientLiquidity),
		errors.Is(err, amm.ErrLowLiquidity),
		errors.Is(err, amm.ErrPoolEmpty):
		return false, nil
	default:
		return false, err
	}
}

func arbitrageStep(ctx context.Context, arb *service.ArbService, sizeHint uint64, rep *SimulationReport) error {
	for range maxArbsPerStep {
		rec, err := arb.Execute(ctx, SimMarketID, sizeHint)
		switch {
		case err == nil:
			rep.Fills++
			rep.TotalProfit += rec.RealizedProfit
			continue
		case errors.Is(err, domain.ErrNoRoute):
		case errors.Is(err, domain.ErrBelowMinProfit):
			rep.Rejections++
		case rec.ID != "":
			rep.Failures++
		default:
			return err
		}
		return nil
	}
	return nil
}

func finalState(ctx context.Context, markets *service.MarketService, rep *SimulationReport) error {
	st, err := markets.Get(ctx, SimMarketID)
	if err != nil {
		return fmt.Errorf("simulate: final state: %w", err)
	}
	pools, err := service.LoadPools(st)
	if err != nil {
		return fmt.Errorf("simulate: final state: %w", err)
	}
	rep.FinalSpotPrice = pools.Spot.Price().Dec()
	rep.FinalSpotTWAP = pools.Spot.TWAP().Dec()
	for _, c := range pools.Conditionals {
		rep.ConditionalPrices = append(rep.ConditionalPrices, c.Price().Dec())
	}

	ledger := markets.Ledger(SimMarketID)
	if rep.EscrowAsset, err = ledger.Escrow(ctx, escrow.Asset); err != nil {
		return fmt.Errorf("simulate: escrow: %w", err)
	}
	if rep.EscrowStable, err = ledger.Escrow(ctx, escrow.Stable); err != nil {
		return fmt.Errorf("simulate: escrow: %w", err)
	}
	return nil
}

// ArbitrageMode runs the keeper: a scan loop queues jobs for markets with a
// profitable route and the runner executes them. Executions are archived to
// S3 when an archiver is wired, and the HTTP API is served when enabled.
func (a *App) ArbitrageMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting arbitrage mode",
		slog.Uint64("min_profit", a.cfg.Arbitrage.MinProfit),
		slog.Duration("scan_interval", a.cfg.Arbitrage.ScanInterval.Duration),
	)
	svc := NewServices(a.cfg, deps, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	jobs := make(chan executor.Job, a.cfg.Arbitrage.QueueSize)
	runner := executor.NewRunner(jobs, svc.Arb, a.cfg.Arbitrage.DedupTTL.Duration, a.logger)
	g.Go(func() error {
		return runner.Run(ctx)
	})
	g.Go(func() error {
		return a.scanLoop(ctx, svc.Arb, jobs)
	})

	if deps.Archiver != nil && a.cfg.Arbitrage.ArchiveInterval.Duration > 0 {
		g.Go(func() error {
			return a.archiveLoop(ctx, svc.Arb)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}

	return g.Wait()
}

// ServerMode serves the HTTP and WebSocket API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	svc := NewServices(a.cfg, deps, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

func (a *App) scanLoop(ctx context.Context, arb *service.ArbService, jobs chan<- executor.Job) error {
	ticker := time.NewTicker(a.cfg.Arbitrage.ScanInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := arb.Scan(ctx, jobs)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.WarnContext(ctx, "arbitrage scan failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.DebugContext(ctx, "arbitrage jobs queued", slog.Int("count", n))
			}
		}
	}
}

func (a *App) archiveLoop(ctx context.Context, arb *service.ArbService) error {
	ticker := time.NewTicker(a.cfg.Arbitrage.ArchiveInterval.Duration)
	defer ticker.Stop()

	since := time.Now().UTC()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now().UTC()
			if _, err := arb.Archive(ctx, since); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Retry the same window on the next tick.
				a.logger.WarnContext(ctx, "execution archive failed", slog.String("error", err.Error()))
				continue
			}
			since = now
		}
	}
}

// startHTTPServer adds the WebSocket hub and HTTP server goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *Services) {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	}, a.logger)
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, startedAt, svc.Markets, a.logger),
		Markets: handler.NewMarketHandler(svc.Markets, a.logger),
		Arb:     handler.NewArbHandler(svc.Arb, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condamm/internal/config"
	"github.com/alanyoungcy/condamm/internal/domain"
	"github.com/alanyoungcy/condamm/internal/escrow"
	"github.com/alanyoungcy/condamm/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func simConfig() config.Config {
	cfg := config.Defaults()
	cfg.Simulation.Steps = 40
	cfg.Simulation.CondStable = 1_100_000_000
	cfg.Simulation.MaxTradeBps = 300
	return cfg
}

func runSimulation(t *testing.T, cfg config.Config) (SimulationReport, *Dependencies) {
	t.Helper()
	deps := wireMemory()
	a := New(&cfg, discardLogger())
	rep, err := a.SimulateMode(context.Background(), deps)
	require.NoError(t, err)
	return rep, deps
}

func TestSimulateIsDeterministic(t *testing.T) {
	cfg := simConfig()

	first, deps := runSimulation(t, cfg)
	second, _ := runSimulation(t, cfg)
	assert.Equal(t, first, second)

	assert.Equal(t, cfg.Simulation.Steps, first.Steps)
	assert.Equal(t, first.Steps, first.Swaps+first.SkippedSwaps)
	assert.Positive(t, first.Fills)
	assert.Positive(t, first.TotalProfit)
	assert.Len(t, first.ConditionalPrices, len(cfg.Simulation.Outcomes))
	assert.NotEmpty(t, first.FinalSpotTWAP)
	assert.Positive(t, first.EscrowAsset)
	assert.Positive(t, first.EscrowStable)

	execs, err := deps.ArbExecutionStore.ListRecent(context.Background(), domain.ListOpts{Limit: 1_000})
	require.NoError(t, err)
	assert.Len(t, execs, first.Fills+first.Rejections+first.Failures)

	cfg.Simulation.Seed++
	other, _ := runSimulation(t, cfg)
	assert.NotEqual(t, first, other)
}

func TestSimulateRequiresManualClock(t *testing.T) {
	cfg := simConfig()
	deps := wireMemory()
	deps.Clock = &escrow.SystemClock{}

	_, err := New(&cfg, discardLogger()).SimulateMode(context.Background(), deps)
	assert.ErrorContains(t, err, "manual clock")
}

func TestRunSimulateMode(t *testing.T) {
	cfg := simConfig()
	cfg.Simulation.Steps = 5

	a := New(&cfg, discardLogger())
	defer a.Close()
	require.NoError(t, a.Run(context.Background()))
}

func TestArbitrageModeExecutesQueuedJobs(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = config.ModeArbitrage
	cfg.Arbitrage.ScanInterval.Duration = 10 * time.Millisecond

	deps := wireMemory()
	svc := NewServices(&cfg, deps, discardLogger())
	_, err := svc.Markets.CreateMarket(context.Background(), service.CreateMarketRequest{
		ID:       "skewed",
		Outcomes: []string{"yes", "no"},
		Spot:     service.Reserves{Asset: 1_000_000_000, Stable: 1_000_000_000},
		Conditionals: []service.Reserves{
			{Asset: 1_000_000_000, Stable: 1_200_000_000},
			{Asset: 1_000_000_000, Stable: 1_200_000_000},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- New(&cfg, discardLogger()).ArbitrageMode(ctx, deps) }()

	require.Eventually(t, func() bool {
		execs, err := deps.ArbExecutionStore.ListRecent(context.Background(), domain.ListOpts{})
		if err != nil {
			return false
		}
		for _, e := range execs {
			if e.MarketID == "skewed" && e.Status == domain.ArbExecFilled {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("arbitrage mode did not stop")
	}
}

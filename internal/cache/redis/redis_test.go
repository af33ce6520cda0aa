package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/condamm/internal/domain"
)

// setupRedis starts a throwaway Redis and returns a connected Client.
func setupRedis(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisAdapters(t *testing.T) {
	c := setupRedis(t)

	t.Run("lock", func(t *testing.T) {
		ctx := context.Background()
		lm := NewLockManager(c, 0)

		unlock, err := lm.Acquire(ctx, "m1", time.Minute)
		require.NoError(t, err)

		_, err = lm.Acquire(ctx, "m1", time.Minute)
		assert.True(t, errors.Is(err, domain.ErrLockHeld))

		unlock()
		unlock()
		again, err := lm.Acquire(ctx, "m1", time.Minute)
		require.NoError(t, err)
		again()
	})

	t.Run("lock waits for release", func(t *testing.T) {
		ctx := context.Background()
		lm := NewLockManager(c, 2*time.Second)

		unlock, err := lm.Acquire(ctx, "m2", time.Minute)
		require.NoError(t, err)
		time.AfterFunc(100*time.Millisecond, unlock)

		start := time.Now()
		second, err := lm.Acquire(ctx, "m2", time.Minute)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		second()
	})

	t.Run("market cache keeps the newest version", func(t *testing.T) {
		ctx := context.Background()
		mc := NewMarketCache(c)

		_, err := mc.Get(ctx, "m1")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		st := domain.MarketState{Market: domain.Market{ID: "m1", Question: "v2"}, Version: 2}
		require.NoError(t, mc.Set(ctx, st))

		stale := domain.MarketState{Market: domain.Market{ID: "m1", Question: "v1"}, Version: 1}
		require.NoError(t, mc.Set(ctx, stale))

		got, err := mc.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, "v2", got.Market.Question)

		require.NoError(t, mc.Invalidate(ctx, "m1"))
		_, err = mc.Get(ctx, "m1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("rate limiter", func(t *testing.T) {
		ctx := context.Background()
		rl := NewRateLimiter(c)
		fixed := time.UnixMilli(1_700_000_000_000)
		rl.now = func() time.Time { return fixed }

		for range 3 {
			ok, err := rl.Allow(ctx, "client", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := rl.Allow(ctx, "client", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		fixed = fixed.Add(time.Minute)
		ok, err = rl.Allow(ctx, "client", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("signal bus", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		bus := NewSignalBus(c, 100)

		sub, err := bus.Subscribe(ctx, domain.ChannelPoolUpdates)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, domain.ChannelPoolUpdates, []byte(`{"kind":"swap"}`)))
		select {
		case msg := <-sub:
			assert.JSONEq(t, `{"kind":"swap"}`, string(msg))
		case <-time.After(5 * time.Second):
			t.Fatal("no message received")
		}

		for _, p := range []string{"a", "b", "c"} {
			require.NoError(t, bus.StreamAppend(ctx, domain.StreamArbExecutions, []byte(p)))
		}
		msgs, err := bus.StreamRead(ctx, domain.StreamArbExecutions, "0", 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "a", string(msgs[0].Payload))

		rest, err := bus.StreamRead(ctx, domain.StreamArbExecutions, msgs[1].ID, 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "c", string(rest[0].Payload))
	})
}

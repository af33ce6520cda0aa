package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condamm/internal/domain"
	"github.com/alanyoungcy/condamm/internal/escrow"
)

func market(id string, created time.Time) domain.MarketState {
	return domain.MarketState{
		Market:  domain.Market{ID: id, Outcomes: []string{"yes", "no"}, Status: domain.MarketStatusActive, CreatedAt: created},
		Version: 1,
	}
}

func TestMarketStore_Versioning(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	st := market("m1", time.Unix(100, 0).UTC())

	require.NoError(t, s.Create(ctx, st))
	assert.ErrorIs(t, s.Create(ctx, st), domain.ErrAlreadyExists)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.Save(ctx, market("missing", time.Time{})), domain.ErrNotFound)

	// Saving the same version again is a stale write.
	assert.ErrorIs(t, s.Save(ctx, st), domain.ErrVersionConflict)

	st.Version = 2
	st.Market.Question = "updated"
	require.NoError(t, s.Save(ctx, st))
	assert.ErrorIs(t, s.Save(ctx, st), domain.ErrVersionConflict)

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "updated", got.Market.Question)

	// Returned states do not alias the stored copy.
	got.Market.Outcomes[0] = "mutated"
	again, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "yes", again.Market.Outcomes[0])
}

func TestMarketStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	base := time.Unix(1_000, 0).UTC()
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Create(ctx, market(id, base.Add(time.Duration(i)*time.Hour))))
	}
	since := base.Add(time.Hour)
	until := base.Add(2 * time.Hour)

	tests := []struct {
		name string
		opts domain.ListOpts
		want []string
	}{
		{"all sorted by id", domain.ListOpts{}, []string{"a", "b", "c"}},
		{"limit", domain.ListOpts{Limit: 2}, []string{"a", "b"}},
		{"offset", domain.ListOpts{Offset: 1}, []string{"b", "c"}},
		{"offset past end", domain.ListOpts{Offset: 5}, []string{}},
		{"since inclusive", domain.ListOpts{Since: &since}, []string{"a", "b"}},
		{"until exclusive", domain.ListOpts{Until: &until}, []string{"a", "c"}},
		{"window", domain.ListOpts{Since: &since, Until: &until}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := s.List(ctx, tt.opts)
			require.NoError(t, err)
			ids := make([]string, 0, len(ms))
			for _, m := range ms {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestArbExecutionStore(t *testing.T) {
	ctx := context.Background()
	s := NewArbExecutionStore()
	base := time.Unix(2_000, 0).UTC()

	execs := []domain.ArbExecution{
		{ID: "e1", MarketID: "m1", Status: domain.ArbExecFilled, RealizedProfit: 10, StartedAt: base},
		{ID: "e2", MarketID: "m1", Status: domain.ArbExecFailed, RealizedProfit: 99, StartedAt: base.Add(time.Minute)},
		{ID: "e3", MarketID: "m1", Status: domain.ArbExecFilled, RealizedProfit: 5, StartedAt: base.Add(2 * time.Minute)},
		{ID: "e4", MarketID: "m2", Status: domain.ArbExecFilled, RealizedProfit: 7, StartedAt: base.Add(3 * time.Minute)},
	}
	for _, e := range execs {
		require.NoError(t, s.Create(ctx, e))
	}
	assert.ErrorIs(t, s.Create(ctx, execs[0]), domain.ErrAlreadyExists)

	got, err := s.GetByID(ctx, "e3")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.RealizedProfit)
	_, err = s.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	recent, err := s.ListRecent(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "e4", recent[0].ID)
	assert.Equal(t, "e3", recent[1].ID)

	// Only filled executions count.
	sum, err := s.SumProfit(ctx, "m1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, uint64(15), sum)
	sum, err = s.SumProfit(ctx, "m1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), sum)
}

func TestAuditStore_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	detail := map[string]any{"k": "v"}
	require.NoError(t, s.Log(ctx, "first", detail))
	require.NoError(t, s.Log(ctx, "second", nil))
	detail["k"] = "changed"

	entries, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Event)
	assert.Equal(t, "v", entries[1].Detail["k"])
}

func TestLedgers_PerMarket(t *testing.T) {
	ctx := context.Background()
	l := NewLedgers()
	require.NoError(t, l.Ledger("m1").Apply(ctx, []escrow.Op{{Kind: escrow.Deposit, Token: escrow.Stable, Amount: 50}}))

	got, err := l.Ledger("m1").Escrow(ctx, escrow.Stable)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), got)

	other, err := l.Ledger("m2").Escrow(ctx, escrow.Stable)
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestBus_Streams(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.StreamAppend(ctx, "s", []byte(p)))
	}

	msgs, err := b.StreamRead(ctx, "s", "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "b", string(msgs[1].Payload))

	msgs, err = b.StreamRead(ctx, "s", msgs[1].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Payload))

	msgs, err = b.StreamRead(ctx, "s", "3", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = b.StreamRead(ctx, "s", "not-an-id", 0)
	assert.Error(t, err)
}

func TestBus_PubSub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBus()
	ch, err := b.Subscribe(ctx, "pool_updates")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "pool_updates", []byte("x")))
	require.NoError(t, b.Publish(ctx, "other", []byte("y")))
	select {
	case msg := <-ch:
		assert.Equal(t, "x", string(msg))
	case <-time.After(time.Second):
		t.Fatal("no message")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

// Package memory provides in-process implementations of the domain stores
// for simulation and tests.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/condamm/internal/domain"
	"github.com/alanyoungcy/condamm/internal/escrow"
)

// MarketStore implements domain.MarketStore. States are deep-copied through
// JSON on the way in and out so callers never share memory with the store.
type MarketStore struct {
	mu      sync.RWMutex
	markets map[string][]byte
}

func NewMarketStore() *MarketStore {
	return &MarketStore{markets: make(map[string][]byte)}
}

func (s *MarketStore) Create(_ context.Context, state domain.MarketState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("memory: encode market %s: %w", state.Market.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[state.Market.ID]; ok {
		return fmt.Errorf("memory: market %s: %w", state.Market.ID, domain.ErrAlreadyExists)
	}
	s.markets[state.Market.ID] = b
	return nil
}

func (s *MarketStore) Save(_ context.Context, state domain.MarketState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("memory: encode market %s: %w", state.Market.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.markets[state.Market.ID]
	if !ok {
		return fmt.Errorf("memory: market %s: %w", state.Market.ID, domain.ErrNotFound)
	}
	var stored domain.MarketState
	if err := json.Unmarshal(cur, &stored); err != nil {
		return fmt.Errorf("memory: decode market %s: %w", state.Market.ID, err)
	}
	if stored.Version != state.Version-1 {
		return fmt.Errorf("memory: market %s at version %d, saving %d: %w",
			state.Market.ID, stored.Version, state.Version, domain.ErrVersionConflict)
	}
	s.markets[state.Market.ID] = b
	return nil
}

func (s *MarketStore) Get(_ context.Context, id string) (domain.MarketState, error) {
	s.mu.RLock()
	b, ok := s.markets[id]
	s.mu.RUnlock()
	if !ok {
		return domain.MarketState{}, fmt.Errorf("memory: market %s: %w", id, domain.ErrNotFound)
	}
	var st domain.MarketState
	if err := json.Unmarshal(b, &st); err != nil {
		return domain.MarketState{}, fmt.Errorf("memory: decode market %s: %w", id, err)
	}
	return st, nil
}

func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.RLock()
	ids := slices.Sorted(maps.Keys(s.markets))
	s.mu.RUnlock()

	out := make([]domain.Market, 0, len(ids))
	for _, id := range ids {
		st, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !inRange(st.Market.CreatedAt, opts) {
			continue
		}
		out = append(out, st.Market)
	}
	return paginate(out, opts), nil
}

// ArbExecutionStore implements domain.ArbExecutionStore.
type ArbExecutionStore struct {
	mu    sync.RWMutex
	execs []domain.ArbExecution
}

func NewArbExecutionStore() *ArbExecutionStore { return &ArbExecutionStore{} }

func (s *ArbExecutionStore) Create(_ context.Context, exec domain.ArbExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.ID == exec.ID {
			return fmt.Errorf("memory: execution %s: %w", exec.ID, domain.ErrAlreadyExists)
		}
	}
	exec.PerOutcome = slices.Clone(exec.PerOutcome)
	exec.Ops = slices.Clone(exec.Ops)
	s.execs = append(s.execs, exec)
	return nil
}

func (s *ArbExecutionStore) GetByID(_ context.Context, id string) (domain.ArbExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.execs {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.ArbExecution{}, fmt.Errorf("memory: execution %s: %w", id, domain.ErrNotFound)
}

func (s *ArbExecutionStore) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.ArbExecution, error) {
	s.mu.RLock()
	out := make([]domain.ArbExecution, 0, len(s.execs))
	for _, e := range s.execs {
		if inRange(e.StartedAt, opts) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b domain.ArbExecution) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return paginate(out, opts), nil
}

func (s *ArbExecutionStore) SumProfit(_ context.Context, marketID string, since time.Time) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum uint64
	for _, e := range s.execs {
		if e.MarketID == marketID && e.Status == domain.ArbExecFilled && !e.StartedAt.Before(since) {
			sum += e.RealizedProfit
		}
	}
	return sum, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	now     func() time.Time
}

func NewAuditStore() *AuditStore { return &AuditStore{now: time.Now} }

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    maps.Clone(detail),
		CreatedAt: s.now().UTC(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if inRange(e.CreatedAt, opts) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b domain.AuditEntry) int { return cmp.Compare(b.ID, a.ID) })
	return paginate(out, opts), nil
}

// Ledgers hands out one escrow.MemoryLedger per market.
type Ledgers struct {
	mu      sync.Mutex
	ledgers map[string]*escrow.MemoryLedger
}

func NewLedgers() *Ledgers {
	return &Ledgers{ledgers: make(map[string]*escrow.MemoryLedger)}
}

func (l *Ledgers) Ledger(marketID string) escrow.Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	led, ok := l.ledgers[marketID]
	if !ok {
		led = escrow.NewMemoryLedger()
		l.ledgers[marketID] = led
	}
	return led
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

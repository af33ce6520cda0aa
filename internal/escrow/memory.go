package escrow

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

type outcomeKey struct {
	outcome int
	token   Token
}

// MemoryLedger is an in-process Ledger. It is safe for concurrent use.
type MemoryLedger struct {
	mu       sync.Mutex
	escrow   map[Token]uint64
	outcomes map[outcomeKey]uint64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		escrow:   make(map[Token]uint64),
		outcomes: make(map[outcomeKey]uint64),
	}
}

func (l *MemoryLedger) Apply(_ context.Context, ops []Op) error {
	if err := Validate(ops); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	escrow := maps.Clone(l.escrow)
	outcomes := maps.Clone(l.outcomes)
	for i, op := range ops {
		switch op.Kind {
		case Deposit:
			next := escrow[op.Token] + op.Amount
			if next < escrow[op.Token] {
				return fmt.Errorf("escrow: op %d: %s overflow", i, op.Token)
			}
			escrow[op.Token] = next
		case Withdraw:
			if escrow[op.Token] < op.Amount {
				return fmt.Errorf("%w: op %d withdraw %d %s, escrow holds %d",
					ErrInsufficientBalance, i, op.Amount, op.Token, escrow[op.Token])
			}
			escrow[op.Token] -= op.Amount
		case Credit:
			k := outcomeKey{op.Outcome, op.Token}
			next := outcomes[k] + op.Amount
			if next < outcomes[k] {
				return fmt.Errorf("escrow: op %d: outcome %d %s overflow", i, op.Outcome, op.Token)
			}
			outcomes[k] = next
		case Debit:
			k := outcomeKey{op.Outcome, op.Token}
			if outcomes[k] < op.Amount {
				return fmt.Errorf("%w: op %d debit %d %s from outcome %d, balance %d",
					ErrInsufficientBalance, i, op.Amount, op.Token, op.Outcome, outcomes[k])
			}
			outcomes[k] -= op.Amount
		}
	}
	l.escrow, l.outcomes = escrow, outcomes
	return nil
}

func (l *MemoryLedger) Escrow(_ context.Context, token Token) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.escrow[token], nil
}

func (l *MemoryLedger) Outcome(_ context.Context, outcome int, token Token) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcomes[outcomeKey{outcome, token}], nil
}

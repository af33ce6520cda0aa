// Package escrow defines the collaborators the arbitrage core settles
// against: a ledger moving balances into and out of escrow and across
// per-outcome accounts, a millisecond clock, and the protective bid venue.
package escrow

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	ErrInvalidOp           = errors.New("escrow: invalid operation")
	ErrCapacityExceeded    = errors.New("escrow: bid capacity exceeded")
)

// Token is one of the two fungible token types a market trades.
type Token int

const (
	Asset Token = iota
	Stable
)

func (t Token) String() string {
	switch t {
	case Asset:
		return "asset"
	case Stable:
		return "stable"
	default:
		return fmt.Sprintf("token(%d)", int(t))
	}
}

// OpKind is the kind of a ledger movement.
type OpKind int

const (
	// Deposit moves Amount of Token from the caller into escrow.
	Deposit OpKind = iota
	// Withdraw moves Amount of Token from escrow back to the caller.
	Withdraw
	// Credit adds Amount of Token to the Outcome balance.
	Credit
	// Debit removes Amount of Token from the Outcome balance.
	Debit
)

func (k OpKind) String() string {
	switch k {
	case Deposit:
		return "deposit"
	case Withdraw:
		return "withdraw"
	case Credit:
		return "credit"
	case Debit:
		return "debit"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Op is one balance movement. Outcome is ignored for Deposit and Withdraw.
type Op struct {
	Kind    OpKind `json:"kind"`
	Outcome int    `json:"outcome"`
	Token   Token  `json:"token"`
	Amount  uint64 `json:"amount,string"`
}

func (o Op) validate() error {
	if o.Token != Asset && o.Token != Stable {
		return fmt.Errorf("%w: token %d", ErrInvalidOp, int(o.Token))
	}
	switch o.Kind {
	case Deposit, Withdraw:
	case Credit, Debit:
		if o.Outcome < 0 {
			return fmt.Errorf("%w: outcome %d", ErrInvalidOp, o.Outcome)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidOp, int(o.Kind))
	}
	return nil
}

// Validate checks every op in a batch without applying any of them.
func Validate(ops []Op) error {
	for i, op := range ops {
		if err := op.validate(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}

// Ledger applies batches of movements atomically: either every op in a
// batch takes effect or none does. No balance may go below zero at any point
// in a batch.
type Ledger interface {
	Apply(ctx context.Context, ops []Op) error
	Escrow(ctx context.Context, token Token) (uint64, error)
	Outcome(ctx context.Context, outcome int, token Token) (uint64, error)
}

// Clock supplies non-decreasing timestamps in milliseconds.
type Clock interface {
	NowMs() uint64
}

// Reverse returns the batch that undoes ops when applied after them.
func Reverse(ops []Op) []Op {
	out := make([]Op, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case Deposit:
			op.Kind = Withdraw
		case Withdraw:
			op.Kind = Deposit
		case Credit:
			op.Kind = Debit
		case Debit:
			op.Kind = Credit
		}
		out[len(ops)-1-i] = op
	}
	return out
}

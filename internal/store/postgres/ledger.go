package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/condamm/internal/escrow"
)

// Ledgers hands out escrow ledgers keyed by market.
type Ledgers struct {
	pool *pgxpool.Pool
}

func NewLedgers(pool *pgxpool.Pool) *Ledgers { return &Ledgers{pool: pool} }

func (l *Ledgers) Ledger(marketID string) escrow.Ledger {
	return &Ledger{pool: l.pool, marketID: marketID}
}

// Ledger implements escrow.Ledger for one market. A batch runs in a single
// transaction; a debit that would go negative aborts the whole batch.
type Ledger struct {
	pool     *pgxpool.Pool
	marketID string
}

func (l *Ledger) Apply(ctx context.Context, ops []escrow.Op) error {
	if err := escrow.Validate(ops); err != nil {
		return err
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: ledger %s: begin: %w", l.marketID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, op := range ops {
		if err := l.apply(ctx, tx, op); err != nil {
			return fmt.Errorf("postgres: ledger %s: op %d: %w", l.marketID, i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: ledger %s: commit: %w", l.marketID, err)
	}
	return nil
}

func (l *Ledger) apply(ctx context.Context, tx pgx.Tx, op escrow.Op) error {
	amount := numeric(op.Amount)
	if op.Amount == 0 && (op.Kind == escrow.Withdraw || op.Kind == escrow.Debit) {
		return nil
	}
	switch op.Kind {
	case escrow.Deposit:
		_, err := tx.Exec(ctx, `
			INSERT INTO escrow_balances (market_id, token, amount) VALUES ($1, $2, $3::numeric)
			ON CONFLICT (market_id, token) DO UPDATE SET amount = escrow_balances.amount + EXCLUDED.amount`,
			l.marketID, int16(op.Token), amount)
		return err
	case escrow.Credit:
		_, err := tx.Exec(ctx, `
			INSERT INTO outcome_balances (market_id, outcome, token, amount) VALUES ($1, $2, $3, $4::numeric)
			ON CONFLICT (market_id, outcome, token) DO UPDATE SET amount = outcome_balances.amount + EXCLUDED.amount`,
			l.marketID, op.Outcome, int16(op.Token), amount)
		return err
	case escrow.Withdraw:
		tag, err := tx.Exec(ctx, `
			UPDATE escrow_balances SET amount = amount - $3::numeric
			WHERE market_id = $1 AND token = $2 AND amount >= $3::numeric`,
			l.marketID, int16(op.Token), amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: withdraw %d %s", escrow.ErrInsufficientBalance, op.Amount, op.Token)
		}
		return nil
	case escrow.Debit:
		tag, err := tx.Exec(ctx, `
			UPDATE outcome_balances SET amount = amount - $4::numeric
			WHERE market_id = $1 AND outcome = $2 AND token = $3 AND amount >= $4::numeric`,
			l.marketID, op.Outcome, int16(op.Token), amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: debit %d %s from outcome %d", escrow.ErrInsufficientBalance, op.Amount, op.Token, op.Outcome)
		}
		return nil
	}
	return fmt.Errorf("%w: kind %s", escrow.ErrInvalidOp, op.Kind)
}

func (l *Ledger) Escrow(ctx context.Context, token escrow.Token) (uint64, error) {
	return l.balance(ctx,
		"SELECT amount::text FROM escrow_balances WHERE market_id = $1 AND token = $2",
		l.marketID, int16(token))
}

func (l *Ledger) Outcome(ctx context.Context, outcome int, token escrow.Token) (uint64, error) {
	return l.balance(ctx,
		"SELECT amount::text FROM outcome_balances WHERE market_id = $1 AND outcome = $2 AND token = $3",
		l.marketID, outcome, int16(token))
}

func (l *Ledger) balance(ctx context.Context, query string, args ...any) (uint64, error) {
	var s string
	if err := l.pool.QueryRow(ctx, query, args...).Scan(&s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: ledger %s: balance: %w", l.marketID, err)
	}
	return parseNumeric(s)
}

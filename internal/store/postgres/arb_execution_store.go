package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/condamm/internal/arbmath"
	"github.com/alanyoungcy/condamm/internal/domain"
)

// ArbExecutionStore implements domain.ArbExecutionStore using PostgreSQL.
type ArbExecutionStore struct {
	pool *pgxpool.Pool
}

// NewArbExecutionStore creates a new ArbExecutionStore.
func NewArbExecutionStore(pool *pgxpool.Pool) *ArbExecutionStore {
	return &ArbExecutionStore{pool: pool}
}

const execColumns = `id::text, market_id, route, amount::text, expected_profit::text, realized_profit::text,
	per_outcome, ops, dust_id, status, error, started_at, completed_at`

// Create inserts one execution record.
func (s *ArbExecutionStore) Create(ctx context.Context, exec domain.ArbExecution) error {
	perOutcome, err := json.Marshal(nonNil(exec.PerOutcome))
	if err != nil {
		return fmt.Errorf("postgres: marshal per_outcome: %w", err)
	}
	ops, err := json.Marshal(exec.Ops)
	if err != nil {
		return fmt.Errorf("postgres: marshal ops: %w", err)
	}
	if exec.Ops == nil {
		ops = []byte("[]")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO arb_executions (
			id, market_id, route, amount, expected_profit, realized_profit,
			per_outcome, ops, dust_id, status, error, started_at, completed_at
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $13)`,
		exec.ID, exec.MarketID, exec.Route.String(),
		numeric(exec.Amount), numeric(exec.ExpectedProfit), numeric(exec.RealizedProfit),
		perOutcome, ops, exec.DustID, string(exec.Status), exec.Error, exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: arb_execution %s: %w", exec.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert arb_execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetByID returns one execution.
func (s *ArbExecutionStore) GetByID(ctx context.Context, id string) (domain.ArbExecution, error) {
	exec, err := scanExecution(s.pool.QueryRow(ctx,
		"SELECT "+execColumns+" FROM arb_executions WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ArbExecution{}, fmt.Errorf("postgres: arb_execution %s: %w", id, domain.ErrNotFound)
		}
		return domain.ArbExecution{}, fmt.Errorf("postgres: get arb_execution %s: %w", id, err)
	}
	return exec, nil
}

// ListRecent returns executions newest first.
func (s *ArbExecutionStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ArbExecution, error) {
	query, args := withListOpts("SELECT "+execColumns+" FROM arb_executions WHERE 1=1",
		"started_at", "started_at DESC, id", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list arb_executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ArbExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan arb_execution: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list arb_executions rows: %w", err)
	}
	return out, nil
}

// SumProfit totals the realized profit of filled executions on a market
// started at or after since.
func (s *ArbExecutionStore) SumProfit(ctx context.Context, marketID string, since time.Time) (uint64, error) {
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(realized_profit), 0)::text
		FROM arb_executions
		WHERE market_id = $1 AND status = $2 AND started_at >= $3`,
		marketID, string(domain.ArbExecFilled), since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum profit %s: %w", marketID, err)
	}
	return parseNumeric(total)
}

func scanExecution(row pgx.Row) (domain.ArbExecution, error) {
	var (
		exec                       domain.ArbExecution
		route, status              string
		amount, expected, realized string
		perOutcome, ops            []byte
	)
	if err := row.Scan(&exec.ID, &exec.MarketID, &route, &amount, &expected, &realized,
		&perOutcome, &ops, &exec.DustID, &status, &exec.Error, &exec.StartedAt, &exec.CompletedAt,
	); err != nil {
		return domain.ArbExecution{}, err
	}

	kind, err := arbmath.ParseRouteKind(route)
	if err != nil {
		return domain.ArbExecution{}, err
	}
	exec.Route = kind
	exec.Status = domain.ArbExecStatus(status)
	if exec.Amount, err = parseNumeric(amount); err != nil {
		return domain.ArbExecution{}, err
	}
	if exec.ExpectedProfit, err = parseNumeric(expected); err != nil {
		return domain.ArbExecution{}, err
	}
	if exec.RealizedProfit, err = parseNumeric(realized); err != nil {
		return domain.ArbExecution{}, err
	}
	if err := json.Unmarshal(perOutcome, &exec.PerOutcome); err != nil {
		return domain.ArbExecution{}, fmt.Errorf("unmarshal per_outcome: %w", err)
	}
	if err := json.Unmarshal(ops, &exec.Ops); err != nil {
		return domain.ArbExecution{}, fmt.Errorf("unmarshal ops: %w", err)
	}
	if len(exec.Ops) == 0 {
		exec.Ops = nil
	}
	return exec, nil
}

func nonNil(v []uint64) []uint64 {
	if v == nil {
		return []uint64{}
	}
	return v
}

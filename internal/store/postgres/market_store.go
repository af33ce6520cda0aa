package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/condamm/internal/amm"
	"github.com/alanyoungcy/condamm/internal/domain"
)

// MarketStore implements domain.MarketStore. Market rows hold metadata and
// the version; pool_snapshots holds one JSONB snapshot per pool.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// Create inserts a market and all of its pool snapshots in one transaction.
func (s *MarketStore) Create(ctx context.Context, st domain.MarketState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m := st.Market
	_, err = tx.Exec(ctx, `
		INSERT INTO markets (id, question, outcomes, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.Question, m.Outcomes, string(m.Status), st.Version, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert market %s: %w", m.ID, err)
	}
	if err := writeSnapshots(ctx, tx, st); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Save updates a market whose stored version is st.Version-1.
func (s *MarketStore) Save(ctx context.Context, st domain.MarketState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m := st.Market
	tag, err := tx.Exec(ctx, `
		UPDATE markets
		SET question = $2, outcomes = $3, status = $4, version = $5, updated_at = $6
		WHERE id = $1 AND version = $5 - 1`,
		m.ID, m.Question, m.Outcomes, string(m.Status), st.Version, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)", m.ID).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check market %s: %w", m.ID, err)
		}
		if !exists {
			return fmt.Errorf("postgres: market %s: %w", m.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("postgres: market %s version %d: %w", m.ID, st.Version, domain.ErrVersionConflict)
	}
	if err := writeSnapshots(ctx, tx, st); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func writeSnapshots(ctx context.Context, tx pgx.Tx, st domain.MarketState) error {
	const query = `
		INSERT INTO pool_snapshots (market_id, pool, snapshot, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (market_id, pool) DO UPDATE SET
			snapshot   = EXCLUDED.snapshot,
			updated_at = NOW()`

	batch := &pgx.Batch{}
	queue := func(ref domain.PoolRef, snap amm.Snapshot) error {
		b, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("postgres: marshal snapshot %s/%d: %w", st.Market.ID, ref, err)
		}
		batch.Queue(query, st.Market.ID, int(ref), b)
		return nil
	}
	if err := queue(domain.SpotPool, st.Spot); err != nil {
		return err
	}
	for i, snap := range st.Conditionals {
		if err := queue(domain.PoolRef(i), snap); err != nil {
			return err
		}
	}

	br := tx.SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: write snapshots %s: %w", st.Market.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: write snapshots %s: %w", st.Market.ID, err)
	}
	return nil
}

// Get returns a market and its pool snapshots.
func (s *MarketStore) Get(ctx context.Context, id string) (domain.MarketState, error) {
	var st domain.MarketState
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, question, outcomes, status, version, created_at, updated_at
		FROM markets WHERE id = $1`, id,
	).Scan(&st.Market.ID, &st.Market.Question, &st.Market.Outcomes, &status,
		&st.Version, &st.Market.CreatedAt, &st.Market.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketState{}, fmt.Errorf("postgres: market %s: %w", id, domain.ErrNotFound)
		}
		return domain.MarketState{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	st.Market.Status = domain.MarketStatus(status)

	rows, err := s.pool.Query(ctx,
		"SELECT pool, snapshot FROM pool_snapshots WHERE market_id = $1 ORDER BY pool", id)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("postgres: get snapshots %s: %w", id, err)
	}
	defer rows.Close()

	st.Conditionals = make([]amm.Snapshot, 0, len(st.Market.Outcomes))
	for rows.Next() {
		var ref int
		var raw []byte
		if err := rows.Scan(&ref, &raw); err != nil {
			return domain.MarketState{}, fmt.Errorf("postgres: scan snapshot %s: %w", id, err)
		}
		var snap amm.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return domain.MarketState{}, fmt.Errorf("postgres: unmarshal snapshot %s/%d: %w", id, ref, err)
		}
		if domain.PoolRef(ref).IsSpot() {
			st.Spot = snap
			continue
		}
		if ref != len(st.Conditionals) {
			return domain.MarketState{}, fmt.Errorf("postgres: market %s: conditional pool %d missing", id, len(st.Conditionals))
		}
		st.Conditionals = append(st.Conditionals, snap)
	}
	if err := rows.Err(); err != nil {
		return domain.MarketState{}, fmt.Errorf("postgres: get snapshots %s rows: %w", id, err)
	}
	return st, nil
}

// List returns market metadata ordered by creation time.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := withListOpts(
		`SELECT id, question, outcomes, status, created_at, updated_at FROM markets WHERE 1=1`,
		"created_at", "created_at, id", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		var m domain.Market
		var status string
		if err := rows.Scan(&m.ID, &m.Question, &m.Outcomes, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		m.Status = domain.MarketStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return out, nil
}

// withListOpts appends time filters on column, the ordering and pagination.
func withListOpts(query, column, orderBy string, opts domain.ListOpts) (string, []any) {
	var args []any
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", column, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s < $%d", column, len(args))
	}
	query += " ORDER BY " + orderBy
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

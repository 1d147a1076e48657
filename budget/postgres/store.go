// Package postgres is a budget.Store backed by PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vitwit/x402gate/budget"
	"github.com/vitwit/x402gate/types"
)

const maxDebitAttempts = 3

// Schema creates the table the store reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS budget_authorizations (
	payer TEXT NOT NULL,
	resource TEXT NOT NULL,
	id TEXT NOT NULL,
	ceiling BIGINT NOT NULL CHECK (ceiling > 0),
	spent BIGINT NOT NULL DEFAULT 0 CHECK (spent <= ceiling),
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (payer, resource)
);
`

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Store struct {
	db    DB
	close func()
}

// NewStore wraps an existing connection or pool. Close is a no-op; the
// caller owns db.
func NewStore(db DB) *Store {
	return &Store{db: db, close: func() {}}
}

// Open connects a pool to dsn and applies Schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate budget schema: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, auth *types.BudgetAuthorization) error {
	query := `
		INSERT INTO budget_authorizations (payer, resource, id, ceiling, spent, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payer, resource) DO UPDATE SET
			id = EXCLUDED.id,
			ceiling = EXCLUDED.ceiling,
			spent = EXCLUDED.spent,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`
	_, err := s.db.Exec(ctx, query,
		auth.Payer, auth.Resource, auth.ID,
		int64(auth.CeilingMinorUnits), int64(auth.SpentMinorUnits),
		auth.CreatedAt, auth.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put budget authorization: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, payer, resource string) (*types.BudgetAuthorization, error) {
	query := `
		SELECT payer, resource, id, ceiling, spent, created_at, expires_at
		FROM budget_authorizations
		WHERE payer = $1 AND resource = $2
	`
	var (
		auth           types.BudgetAuthorization
		ceiling, spent int64
	)
	err := s.db.QueryRow(ctx, query, payer, resource).Scan(
		&auth.Payer, &auth.Resource, &auth.ID, &ceiling, &spent, &auth.CreatedAt, &auth.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, budget.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget authorization: %w", err)
	}

	auth.CeilingMinorUnits = uint64(ceiling)
	auth.SpentMinorUnits = uint64(spent)
	return &auth, nil
}

// Debit increments spent with one conditional UPDATE; row-level locking in
// Postgres serializes concurrent debits on the same key.
func (s *Store) Debit(ctx context.Context, payer, resource string, amount uint64, now time.Time) (budget.DebitResult, error) {
	query := `
		UPDATE budget_authorizations
		SET spent = spent + $3
		WHERE payer = $1 AND resource = $2 AND expires_at > $4 AND spent + $3 <= ceiling
		RETURNING ceiling - spent
	`
	for attempt := 0; attempt < maxDebitAttempts; attempt++ {
		var remaining int64
		err := s.db.QueryRow(ctx, query, payer, resource, int64(amount), now).Scan(&remaining)
		if err == nil {
			return budget.DebitResult{OK: true, Remaining: uint64(remaining)}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return budget.DebitResult{}, fmt.Errorf("failed to debit budget: %w", err)
		}

		auth, err := s.Get(ctx, payer, resource)
		if errors.Is(err, budget.ErrNotFound) {
			return budget.Check(nil, amount, now), nil
		}
		if err != nil {
			return budget.DebitResult{}, err
		}
		if res := budget.Check(auth, amount, now); !res.OK {
			return res, nil
		}
	}
	return budget.Check(nil, amount, now), nil
}

func (s *Store) Revoke(ctx context.Context, payer, resource string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM budget_authorizations WHERE payer = $1 AND resource = $2`, payer, resource)
	if err != nil {
		return fmt.Errorf("failed to revoke budget authorization: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.close()
	return nil
}

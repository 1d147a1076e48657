// Package sqlite is a budget.Store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vitwit/x402gate/budget"
	"github.com/vitwit/x402gate/types"
)

const createBudgetTable = `
CREATE TABLE IF NOT EXISTS budget_authorizations (
	payer TEXT NOT NULL,
	resource TEXT NOT NULL,
	id TEXT NOT NULL,
	ceiling INTEGER NOT NULL CHECK (ceiling > 0),
	spent INTEGER NOT NULL DEFAULT 0 CHECK (spent <= ceiling),
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (payer, resource)
);
`

const maxDebitAttempts = 3

// Store persists authorizations in a single SQLite table. Times are stored
// as unix nanoseconds.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and migrates it.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open budget db: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure budget db: %w", err)
	}
	if _, err := db.Exec(createBudgetTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate budget db: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, auth *types.BudgetAuthorization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_authorizations (payer, resource, id, ceiling, spent, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payer, resource) DO UPDATE SET
			id = excluded.id,
			ceiling = excluded.ceiling,
			spent = excluded.spent,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		auth.Payer, auth.Resource, auth.ID,
		int64(auth.CeilingMinorUnits), int64(auth.SpentMinorUnits),
		auth.CreatedAt.UnixNano(), auth.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put budget authorization: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, payer, resource string) (*types.BudgetAuthorization, error) {
	var (
		auth               types.BudgetAuthorization
		ceiling, spent     int64
		createdAt, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payer, resource, id, ceiling, spent, created_at, expires_at
		 FROM budget_authorizations WHERE payer = ? AND resource = ?`,
		payer, resource,
	).Scan(&auth.Payer, &auth.Resource, &auth.ID, &ceiling, &spent, &createdAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, budget.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get budget authorization: %w", err)
	}

	auth.CeilingMinorUnits = uint64(ceiling)
	auth.SpentMinorUnits = uint64(spent)
	auth.CreatedAt = time.Unix(0, createdAt)
	auth.ExpiresAt = time.Unix(0, expires)
	return &auth, nil
}

// Debit applies the increment with a single conditional UPDATE. When no row
// matches, the current record is read back only to report why.
func (s *Store) Debit(ctx context.Context, payer, resource string, amount uint64, now time.Time) (budget.DebitResult, error) {
	for attempt := 0; attempt < maxDebitAttempts; attempt++ {
		var remaining int64
		err := s.db.QueryRowContext(ctx, `
			UPDATE budget_authorizations
			SET spent = spent + ?
			WHERE payer = ? AND resource = ? AND expires_at > ? AND spent + ? <= ceiling
			RETURNING ceiling - spent`,
			int64(amount), payer, resource, now.UnixNano(), int64(amount),
		).Scan(&remaining)
		if err == nil {
			return budget.DebitResult{OK: true, Remaining: uint64(remaining)}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return budget.DebitResult{}, fmt.Errorf("debit budget: %w", err)
		}

		auth, err := s.Get(ctx, payer, resource)
		if errors.Is(err, budget.ErrNotFound) {
			return budget.Check(nil, amount, now), nil
		}
		if err != nil {
			return budget.DebitResult{}, err
		}
		// The record changed between the update and the read; try again.
		if res := budget.Check(auth, amount, now); !res.OK {
			return res, nil
		}
	}
	return budget.Check(nil, amount, now), nil
}

func (s *Store) Revoke(ctx context.Context, payer, resource string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM budget_authorizations WHERE payer = ? AND resource = ?`, payer, resource)
	if err != nil {
		return fmt.Errorf("revoke budget authorization: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

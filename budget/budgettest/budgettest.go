// Package budgettest provides a conformance suite for budget.Store
// implementations and a controllable clock.
package budgettest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402gate/budget"
	"github.com/vitwit/x402gate/types"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	Payer    = "0xE4d365a5a8fC0DCEE9E3C5985D7FcBab8B4A0fE1"
	Resource = "/api/agent"
)

// RunStoreTests exercises a Store through a Ledger. newStore must return an
// empty store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) budget.Store) {
	start := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

	newLedger := func(t *testing.T) (*budget.Ledger, *Clock) {
		clock := NewClock(start)
		return budget.NewLedger(newStore(t), budget.WithClock(clock.Now)), clock
	}

	t.Run("cold ledger is not authorized", func(t *testing.T) {
		l, _ := newLedger(t)
		res, err := l.TryDebit(context.Background(), Payer, Resource, 20000)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, types.ErrCodeNotAuthorized, res.Reason)
		assert.ErrorIs(t, res.Err(), types.ErrNotAuthorized)

		_, err = l.Get(context.Background(), Payer, Resource)
		assert.ErrorIs(t, err, types.ErrNotAuthorized)
	})

	t.Run("debit within ceiling", func(t *testing.T) {
		l, _ := newLedger(t)
		ctx := context.Background()
		_, err := l.Authorize(ctx, Payer, Resource, 100000, time.Hour)
		require.NoError(t, err)

		res, err := l.TryDebit(ctx, Payer, Resource, 20000)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, uint64(80000), res.Remaining)

		auth, err := l.Get(ctx, Payer, Resource)
		require.NoError(t, err)
		assert.Equal(t, uint64(20000), auth.SpentMinorUnits)
		assert.Equal(t, uint64(100000), auth.CeilingMinorUnits)
		assert.True(t, auth.ExpiresAt.Equal(start.Add(time.Hour)))
	})

	t.Run("payer lookup is case insensitive", func(t *testing.T) {
		l, _ := newLedger(t)
		ctx := context.Background()
		_, err := l.Authorize(ctx, Payer, Resource, 50000, time.Hour)
		require.NoError(t, err)

		res, err := l.TryDebit(ctx, "0xe4d365a5a8fc0dcee9e3c5985d7fcbab8b4a0fe1", Resource, 10000)
		require.NoError(t, err)
		assert.True(t, res.OK)
	})

	t.Run("overspend is refused without partial debit", func(t *testing.T) {
		l, _ := newLedger(t)
		ctx := context.Background()
		_, err := l.Authorize(ctx, Payer, Resource, 30000, time.Hour)
		require.NoError(t, err)

		res, err := l.TryDebit(ctx, Payer, Resource, 20000)
		require.NoError(t, err)
		require.True(t, res.OK)

		res, err = l.TryDebit(ctx, Payer, Resource, 20000)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, types.ErrCodeInsufficientBudget, res.Reason)
		assert.Equal(t, uint64(10000), res.Remaining)

		auth, err := l.Get(ctx, Payer, Resource)
		require.NoError(t, err)
		assert.Equal(t, uint64(20000), auth.SpentMinorUnits)
	})

	t.Run("concurrent debits never exceed ceiling", func(t *testing.T) {
		l, _ := newLedger(t)
		ctx := context.Background()
		_, err := l.Authorize(ctx, Payer, Resource, 750000, time.Hour)
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			results = make([]budget.DebitResult, 2)
			errs    = make([]error, 2)
		)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = l.TryDebit(ctx, Payer, Resource, 400000)
			}(i)
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		var ok, refused int
		for _, r := range results {
			if r.OK {
				ok++
				assert.Equal(t, uint64(350000), r.Remaining)
			} else {
				refused++
				assert.Equal(t, types.ErrCodeInsufficientBudget, r.Reason)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, refused)
	})

	t.Run("many concurrent debits sum to at most ceiling", func(t *testing.T) {
		l, _ := newLedger(t)
		ctx := context.Background()
		_, err := l.Authorize(ctx, Payer, Resource, 100000, time.Hour)
		require.NoError(t, err)

		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := l.TryDebit(ctx, Payer, Resource, 15000)
				if err == nil && res.OK {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 6, ok)
		auth, err := l.Get(ctx, Payer, Resource)
		require.NoError(t, err)
		assert.Equal(t, uint64(90000), auth.SpentMinorUnits)
	})

	t.Run("debit after expiry", func(t *testing.T) {
		l, clock := newLedger(t)
		ctx := context.Background()
		_, err := l.Authorize(ctx, Payer, Resource, 750000, time.Hour)
		require.NoError(t, err)

		clock.Advance(59 * time.Minute)
		res, err := l.TryDebit(ctx, Payer, Resource, 20000)
		require.NoError(t, err)
		assert.True(t, res.OK)

		clock.Advance(time.Minute)
		res, err = l.TryDebit(ctx, Payer, Resource, 20000)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, types.ErrCodeExpired, res.Reason)
		assert.ErrorIs(t, res.Err(), types.ErrExpired)
	})

	t.Run("revoke is immediate and idempotent", func(t *testing.T) {
		l, _ := newLedger(t)
		ctx := context.Background()
		_, err := l.Authorize(ctx, Payer, Resource, 100000, time.Hour)
		require.NoError(t, err)

		require.NoError(t, l.Revoke(ctx, Payer, Resource))
		require.NoError(t, l.Revoke(ctx, Payer, Resource))

		res, err := l.TryDebit(ctx, Payer, Resource, 1000)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, types.ErrCodeNotAuthorized, res.Reason)
	})

	t.Run("reauthorize carries unspent headroom", func(t *testing.T) {
		l, _ := newLedger(t)
		ctx := context.Background()
		_, err := l.Authorize(ctx, Payer, Resource, 100000, time.Hour)
		require.NoError(t, err)
		_, err = l.TryDebit(ctx, Payer, Resource, 60000)
		require.NoError(t, err)

		renewed, err := l.Authorize(ctx, Payer, Resource, 200000, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, uint64(240000), renewed.CeilingMinorUnits)

		auth, err := l.Get(ctx, Payer, Resource)
		require.NoError(t, err)
		assert.Equal(t, uint64(240000), auth.CeilingMinorUnits)
		assert.Equal(t, uint64(0), auth.SpentMinorUnits)
	})

	t.Run("reauthorize after expiry starts fresh", func(t *testing.T) {
		l, clock := newLedger(t)
		ctx := context.Background()
		_, err := l.Authorize(ctx, Payer, Resource, 100000, time.Hour)
		require.NoError(t, err)
		clock.Advance(2 * time.Hour)

		renewed, err := l.Authorize(ctx, Payer, Resource, 200000, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, uint64(200000), renewed.CeilingMinorUnits)
	})

	t.Run("resources are isolated", func(t *testing.T) {
		l, _ := newLedger(t)
		ctx := context.Background()
		_, err := l.Authorize(ctx, Payer, Resource, 100000, time.Hour)
		require.NoError(t, err)

		res, err := l.TryDebit(ctx, Payer, "/api/other", 1000)
		require.NoError(t, err)
		assert.Equal(t, types.ErrCodeNotAuthorized, res.Reason)
	})
}

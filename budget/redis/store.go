// Package redis is a budget.Store backed by Redis hashes. Debits run as a Lua
// script so the check and increment execute atomically on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vitwit/x402gate/budget"
	"github.com/vitwit/x402gate/types"
)

// retention keeps expired records around so debits report EXPIRED rather
// than NOT_AUTHORIZED for a while.
const retention = 24 * time.Hour

var debitScript = goredis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'ceiling', 'spent', 'expires_at')
if not h[1] then
	return {0, 0, 'NOT_AUTHORIZED'}
end
local ceiling = tonumber(h[1])
local spent = tonumber(h[2])
local expires = tonumber(h[3])
local amount = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
if now >= expires then
	return {0, ceiling - spent, 'EXPIRED'}
end
if spent + amount > ceiling then
	return {0, ceiling - spent, 'INSUFFICIENT_BUDGET'}
end
spent = redis.call('HINCRBY', KEYS[1], 'spent', amount)
return {1, ceiling - spent, ''}
`)

type Store struct {
	rdb    *goredis.Client
	prefix string
}

// New returns a store using rdb. Keys are namespaced under prefix.
func New(rdb *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "x402gate:budget"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(payer, resource string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, payer, resource)
}

func (s *Store) Put(ctx context.Context, auth *types.BudgetAuthorization) error {
	k := s.key(auth.Payer, auth.Resource)

	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, map[string]any{
			"id":         auth.ID,
			"payer":      auth.Payer,
			"resource":   auth.Resource,
			"ceiling":    auth.CeilingMinorUnits,
			"spent":      auth.SpentMinorUnits,
			"created_at": auth.CreatedAt.UnixMilli(),
			"expires_at": auth.ExpiresAt.UnixMilli(),
		})
		pipe.PExpire(ctx, k, auth.ExpiresAt.Sub(auth.CreatedAt)+retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put budget authorization: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, payer, resource string) (*types.BudgetAuthorization, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(payer, resource)).Result()
	if err != nil {
		return nil, fmt.Errorf("get budget authorization: %w", err)
	}
	if len(vals) == 0 {
		return nil, budget.ErrNotFound
	}

	auth := &types.BudgetAuthorization{
		ID:       vals["id"],
		Payer:    vals["payer"],
		Resource: vals["resource"],
	}
	var errs []error
	auth.CeilingMinorUnits, err = strconv.ParseUint(vals["ceiling"], 10, 64)
	errs = append(errs, err)
	auth.SpentMinorUnits, err = strconv.ParseUint(vals["spent"], 10, 64)
	errs = append(errs, err)
	created, err := strconv.ParseInt(vals["created_at"], 10, 64)
	errs = append(errs, err)
	expires, err := strconv.ParseInt(vals["expires_at"], 10, 64)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("decode budget authorization: %w", err)
	}

	auth.CreatedAt = time.UnixMilli(created)
	auth.ExpiresAt = time.UnixMilli(expires)
	return auth, nil
}

func (s *Store) Debit(ctx context.Context, payer, resource string, amount uint64, now time.Time) (budget.DebitResult, error) {
	out, err := debitScript.Run(ctx, s.rdb, []string{s.key(payer, resource)}, amount, now.UnixMilli()).Slice()
	if err != nil {
		return budget.DebitResult{}, fmt.Errorf("debit budget: %w", err)
	}
	if len(out) != 3 {
		return budget.DebitResult{}, fmt.Errorf("debit budget: unexpected script reply %v", out)
	}

	ok, _ := out[0].(int64)
	remaining, _ := out[1].(int64)
	reason, _ := out[2].(string)
	if remaining < 0 {
		remaining = 0
	}
	return budget.DebitResult{OK: ok == 1, Remaining: uint64(remaining), Reason: reason}, nil
}

func (s *Store) Revoke(ctx context.Context, payer, resource string) error {
	if err := s.rdb.Del(ctx, s.key(payer, resource)).Err(); err != nil {
		return fmt.Errorf("revoke budget authorization: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

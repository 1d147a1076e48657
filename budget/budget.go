// Package budget implements the pre-funded spending ledger used by budget
// routes. A payer authorizes a ceiling once; each call then debits a fixed
// cost without a round trip to the facilitator.
package budget

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
)

const (
	// DefaultMaxCeiling is $5.00 in a 6-decimal asset.
	DefaultMaxCeiling uint64 = 5_000_000
	DefaultTTL               = time.Hour
	DefaultMaxTTL            = 24 * time.Hour
)

// ErrNotFound is returned by stores when no authorization exists for a key.
var ErrNotFound = errors.New("budget authorization not found")

// Store persists budget authorizations. Debit must perform its check and
// increment atomically with respect to concurrent Debit calls on the same key.
type Store interface {
	// Put creates or replaces the authorization for (Payer, Resource).
	Put(ctx context.Context, auth *types.BudgetAuthorization) error
	Get(ctx context.Context, payer, resource string) (*types.BudgetAuthorization, error)
	Debit(ctx context.Context, payer, resource string, amount uint64, now time.Time) (DebitResult, error)
	// Revoke deletes the authorization. Revoking a missing key is not an error.
	Revoke(ctx context.Context, payer, resource string) error
	Close() error
}

// DebitResult is the outcome of a debit attempt. Reason is empty when OK and
// otherwise one of the NOT_AUTHORIZED, EXPIRED or INSUFFICIENT_BUDGET codes.
type DebitResult struct {
	OK        bool   `json:"ok"`
	Remaining uint64 `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// Err returns the sentinel error matching Reason, or nil when OK.
func (r DebitResult) Err() error {
	if r.OK {
		return nil
	}
	switch r.Reason {
	case types.ErrCodeExpired:
		return types.ErrExpired
	case types.ErrCodeInsufficientBudget:
		return types.Errorf(types.ErrInsufficientBudget, "insufficient budget: %d remaining", r.Remaining)
	default:
		return types.ErrNotAuthorized
	}
}

// Check decides whether amount may be debited from auth at now. Stores that
// evaluate the rule in-process call it while holding their lock.
func Check(auth *types.BudgetAuthorization, amount uint64, now time.Time) DebitResult {
	if auth == nil {
		return DebitResult{Reason: types.ErrCodeNotAuthorized}
	}
	if auth.ExpiredAt(now) {
		return DebitResult{Remaining: auth.Remaining(), Reason: types.ErrCodeExpired}
	}
	if amount > auth.Remaining() {
		return DebitResult{Remaining: auth.Remaining(), Reason: types.ErrCodeInsufficientBudget}
	}
	return DebitResult{OK: true, Remaining: auth.Remaining() - amount}
}

// Key normalizes a (payer, resource) pair. Payer addresses compare
// case-insensitively.
func Key(payer, resource string) (string, string) {
	return utils.AddressKey(payer), strings.TrimSpace(resource)
}

// Ledger applies budget rules on top of a Store.
type Ledger struct {
	store      Store
	maxCeiling uint64
	maxTTL     time.Duration
	now        func() time.Time
	log        logger.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithMaxCeiling(max uint64) Option {
	return func(l *Ledger) {
		if max > 0 {
			l.maxCeiling = max
		}
	}
}

func WithMaxTTL(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.maxTTL = d
		}
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func WithLogger(log logger.Logger) Option {
	return func(l *Ledger) {
		l.log = log
	}
}

// NewLedger returns a ledger over store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		maxCeiling: DefaultMaxCeiling,
		maxTTL:     DefaultMaxTTL,
		now:        time.Now,
		log:        logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxCeiling returns the largest ceiling Authorize accepts.
func (l *Ledger) MaxCeiling() uint64 {
	return l.maxCeiling
}

// MaxTTL returns the longest lifetime Authorize accepts.
func (l *Ledger) MaxTTL() time.Duration {
	return l.maxTTL
}

// Authorize records a ceiling for payer on resource that expires after ttl,
// replacing any previous authorization for the same key. Unspent headroom of
// a live previous authorization is added to the new ceiling.
func (l *Ledger) Authorize(ctx context.Context, payer, resource string, ceiling uint64, ttl time.Duration) (*types.BudgetAuthorization, error) {
	payer, resource = Key(payer, resource)
	if payer == "" || resource == "" {
		return nil, types.Errorf(types.ErrInvalidInput, "payer and resource are required")
	}
	if ceiling == 0 {
		return nil, types.Errorf(types.ErrInvalidInput, "ceiling must be greater than zero")
	}
	if ttl <= 0 || ttl > l.maxTTL {
		return nil, types.Errorf(types.ErrInvalidInput, "ttl must be between 1s and %s, got %s", l.maxTTL, ttl)
	}
	if ceiling > l.maxCeiling {
		return nil, types.Errorf(types.ErrCeilingExceedsMax, "ceiling %d exceeds maximum %d", ceiling, l.maxCeiling)
	}

	carried, err := l.claimRemaining(ctx, payer, resource)
	if err != nil {
		return nil, err
	}

	now := l.now()
	auth := &types.BudgetAuthorization{
		ID:                uuid.NewString(),
		Payer:             payer,
		Resource:          resource,
		CeilingMinorUnits: ceiling + carried,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}
	if err := l.store.Put(ctx, auth); err != nil {
		return nil, err
	}

	l.log.Info("budget authorized", map[string]any{
		"payer":      payer,
		"resource":   resource,
		"ceiling":    auth.CeilingMinorUnits,
		"carried":    carried,
		"expires_at": auth.ExpiresAt,
	})
	return auth, nil
}

// claimRemaining debits whatever headroom a live authorization still has
// and returns it. The debit is atomic, so a concurrent call either lands
// before the claim or is refused.
func (l *Ledger) claimRemaining(ctx context.Context, payer, resource string) (uint64, error) {
	for attempt := 0; attempt < 5; attempt++ {
		prev, err := l.store.Get(ctx, payer, resource)
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		now := l.now()
		remaining := prev.Remaining()
		if remaining == 0 || prev.ExpiredAt(now) {
			return 0, nil
		}
		res, err := l.store.Debit(ctx, payer, resource, remaining, now)
		if err != nil {
			return 0, err
		}
		if res.OK {
			return remaining, nil
		}
	}
	l.log.Warn("budget headroom not carried over", map[string]any{"payer": payer, "resource": resource})
	return 0, nil
}

// TryDebit atomically debits amount when the authorization is live and has
// headroom. A refused debit changes nothing.
func (l *Ledger) TryDebit(ctx context.Context, payer, resource string, amount uint64) (DebitResult, error) {
	if amount == 0 {
		return DebitResult{}, types.Errorf(types.ErrInvalidInput, "debit amount must be greater than zero")
	}
	payer, resource = Key(payer, resource)

	res, err := l.store.Debit(ctx, payer, resource, amount, l.now())
	if err != nil {
		return DebitResult{}, err
	}

	fields := map[string]any{
		"payer":     payer,
		"resource":  resource,
		"amount":    amount,
		"remaining": res.Remaining,
	}
	if res.OK {
		l.log.Debug("budget debited", fields)
	} else {
		fields["reason"] = res.Reason
		l.log.Warn("budget debit refused", fields)
	}
	return res, nil
}

// Revoke removes the authorization immediately. It is idempotent.
func (l *Ledger) Revoke(ctx context.Context, payer, resource string) error {
	payer, resource = Key(payer, resource)
	if err := l.store.Revoke(ctx, payer, resource); err != nil {
		return err
	}
	l.log.Info("budget revoked", map[string]any{"payer": payer, "resource": resource})
	return nil
}

// Get returns the current authorization, or ErrNotAuthorized when none exists.
func (l *Ledger) Get(ctx context.Context, payer, resource string) (*types.BudgetAuthorization, error) {
	payer, resource = Key(payer, resource)
	auth, err := l.store.Get(ctx, payer, resource)
	if errors.Is(err, ErrNotFound) {
		return nil, types.ErrNotAuthorized
	}
	return auth, err
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

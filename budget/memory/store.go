// Package memory is an in-process budget.Store for tests and single-instance
// deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vitwit/x402gate/budget"
	"github.com/vitwit/x402gate/types"
)

type key struct {
	payer    string
	resource string
}

// Store keeps authorizations in a mutex-guarded map.
type Store struct {
	mu    sync.Mutex
	auths map[key]types.BudgetAuthorization
}

// New returns an empty store.
func New() *Store {
	return &Store{auths: make(map[key]types.BudgetAuthorization)}
}

func (s *Store) Put(_ context.Context, auth *types.BudgetAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auths[key{auth.Payer, auth.Resource}] = *auth
	return nil
}

func (s *Store) Get(_ context.Context, payer, resource string) (*types.BudgetAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[key{payer, resource}]
	if !ok {
		return nil, budget.ErrNotFound
	}
	return &auth, nil
}

func (s *Store) Debit(_ context.Context, payer, resource string, amount uint64, now time.Time) (budget.DebitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{payer, resource}
	auth, ok := s.auths[k]
	if !ok {
		return budget.Check(nil, amount, now), nil
	}

	res := budget.Check(&auth, amount, now)
	if res.OK {
		auth.SpentMinorUnits += amount
		s.auths[k] = auth
	}
	return res, nil
}

func (s *Store) Revoke(_ context.Context, payer, resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.auths, key{payer, resource})
	return nil
}

func (s *Store) Close() error {
	return nil
}

package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/vitwit/x402gate/budget"
	"github.com/vitwit/x402gate/budget/budgettest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "budget_test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	budgettest.RunStoreTests(t, func(t *testing.T) budget.Store {
		return newTestStore(t)
	})
}

func TestStore_InMemory(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Get(t.Context(), budgettest.Payer, budgettest.Resource); err != budget.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Package memstore is an in-process AccountStore used for local
// development and tests. A single mutex serializes balance mutations.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
)

// Store keeps accounts and ledger transactions in memory.
type Store struct {
	mu sync.RWMutex

	accounts     map[string]*domain.Account
	byCustomer   map[string]string // payment customer ref -> account id
	transactions map[string][]domain.LedgerTransaction
	chargeRefs   map[string]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]*domain.Account),
		byCustomer:   make(map[string]string),
		transactions: make(map[string][]domain.LedgerTransaction),
		chargeRefs:   make(map[string]struct{}),
	}
}

func (s *Store) CreateAccount(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return &domain.ErrDuplicate{Key: "account:" + account.ID}
	}
	a := *account
	s.accounts[a.ID] = &a
	if a.PaymentCustomerRef != "" {
		s.byCustomer[a.PaymentCustomerRef] = a.ID
	}
	return nil
}

func (s *Store) GetAccount(_ context.Context, accountID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, &domain.ErrAccountNotFound{Key: "id", Value: accountID}
	}
	cp := *a
	return &cp, nil
}

func (s *Store) FindByPaymentCustomerRef(_ context.Context, customerRef string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCustomer[customerRef]
	if !ok {
		return nil, &domain.ErrAccountNotFound{Key: "payment_customer_ref", Value: customerRef}
	}
	cp := *s.accounts[id]
	return &cp, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ApplyDelta(_ context.Context, req domain.DeltaRequest) (*domain.Account, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[req.AccountID]
	if !ok {
		return nil, &domain.ErrAccountNotFound{Key: "id", Value: req.AccountID}
	}

	tx := req.Transaction
	if tx != nil && tx.ExternalChargeRef != nil {
		if _, dup := s.chargeRefs[*tx.ExternalChargeRef]; dup {
			return nil, &domain.ErrDuplicate{Key: *tx.ExternalChargeRef}
		}
	}
	if err := req.Check(a); err != nil {
		return nil, err
	}

	a.Balance += req.Delta
	a.UpdatedAt = time.Now().UTC()

	if tx != nil {
		rec := *tx
		rec.BalanceAfter = a.Balance
		s.transactions[a.ID] = append(s.transactions[a.ID], rec)
		if rec.ExternalChargeRef != nil {
			s.chargeRefs[*rec.ExternalChargeRef] = struct{}{}
		}
	}

	cp := *a
	return &cp, nil
}

func (s *Store) SetPaymentCustomerRef(_ context.Context, accountID, ref string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, &domain.ErrAccountNotFound{Key: "id", Value: accountID}
	}
	if a.PaymentCustomerRef == "" {
		a.PaymentCustomerRef = ref
		a.UpdatedAt = time.Now().UTC()
		s.byCustomer[ref] = a.ID
	}
	cp := *a
	return &cp, nil
}

func (s *Store) UpdateReplenishConfig(_ context.Context, accountID string, cfg domain.ReplenishConfig) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, &domain.ErrAccountNotFound{Key: "id", Value: accountID}
	}
	a.AutoReplenish = cfg
	a.UpdatedAt = time.Now().UTC()
	cp := *a
	return &cp, nil
}

func (s *Store) TouchActivity(_ context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return &domain.ErrAccountNotFound{Key: "id", Value: accountID}
	}
	a.LastActivityAt = at
	return nil
}

func (s *Store) HasTransaction(_ context.Context, externalChargeRef string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.chargeRefs[externalChargeRef]
	return ok, nil
}

// ListTransactions returns the newest transactions first.
func (s *Store) ListTransactions(_ context.Context, accountID string, limit int) ([]domain.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, &domain.ErrAccountNotFound{Key: "id", Value: accountID}
	}

	txs := s.transactions[accountID]
	out := make([]domain.LedgerTransaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		out = append(out, txs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

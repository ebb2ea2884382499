package memstore_test

import (
	"context"
	"sync"
	"testing"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/infra/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, balance int64) (*memstore.Store, string) {
	t.Helper()
	s := memstore.New()
	a := domain.NewAccount("acc-1", "user@example.com")
	a.Balance = balance
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return s, a.ID
}

func debit(id string, credits int64) domain.DeltaRequest {
	return domain.DeltaRequest{
		AccountID:   id,
		Delta:       -credits,
		Guard:       domain.GuardNonNegative,
		Transaction: domain.NewTransaction(id, domain.KindManualDecrease, credits),
	}
}

func TestApplyDelta_GuardNonNegative(t *testing.T) {
	s, id := seed(t, 50)

	_, err := s.ApplyDelta(context.Background(), debit(id, 100))

	var insufficient *domain.ErrInsufficientBalance
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(50), insufficient.Available)

	a, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(50), a.Balance)

	txs, err := s.ListTransactions(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestApplyDelta_GuardNoneMayOverdraw(t *testing.T) {
	s, id := seed(t, 50)

	a, err := s.ApplyDelta(context.Background(), domain.DeltaRequest{
		AccountID:   id,
		Delta:       -80,
		Guard:       domain.GuardNone,
		Transaction: domain.NewTransaction(id, domain.KindUsageDebit, 80),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-30), a.Balance)
}

func TestApplyDelta_DuplicateChargeRef(t *testing.T) {
	s, id := seed(t, 0)
	credit := func() error {
		_, err := s.ApplyDelta(context.Background(), domain.DeltaRequest{
			AccountID:   id,
			Delta:       10000,
			Guard:       domain.GuardNone,
			Transaction: domain.NewTransaction(id, domain.KindPurchase, 10000).WithChargeRef("pi_123"),
		})
		return err
	}

	require.NoError(t, credit())
	var dup *domain.ErrDuplicate
	require.ErrorAs(t, credit(), &dup)

	a, _ := s.GetAccount(context.Background(), id)
	assert.Equal(t, int64(10000), a.Balance)

	ok, err := s.HasTransaction(context.Background(), "pi_123")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplyDelta_RejectsInconsistentTransaction(t *testing.T) {
	s, id := seed(t, 100)

	tests := []struct {
		name string
		req  domain.DeltaRequest
	}{
		{
			name: "debit recorded as credit",
			req: domain.DeltaRequest{
				AccountID:   id,
				Delta:       -50,
				Guard:       domain.GuardNone,
				Transaction: domain.NewTransaction(id, domain.KindPurchase, 50),
			},
		},
		{
			name: "unknown kind",
			req: domain.DeltaRequest{
				AccountID:   id,
				Delta:       -50,
				Guard:       domain.GuardNone,
				Transaction: domain.NewTransaction(id, domain.TransactionKind("gift"), 50),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ApplyDelta(context.Background(), tt.req)
			var invalid *domain.ErrValidation
			require.ErrorAs(t, err, &invalid)
		})
	}

	a, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.Balance)
}

func TestApplyDelta_GuardBelowThreshold(t *testing.T) {
	s, id := seed(t, 2000)
	_, err := s.UpdateReplenishConfig(context.Background(), id, domain.ReplenishConfig{Enabled: true, Amount: 5000, Threshold: 3000})
	require.NoError(t, err)

	replenish := func(ref string) (*domain.Account, error) {
		return s.ApplyDelta(context.Background(), domain.DeltaRequest{
			AccountID:   id,
			Delta:       5000,
			Guard:       domain.GuardBelowThreshold,
			Transaction: domain.NewTransaction(id, domain.KindAutoReplenish, 5000).WithChargeRef(ref),
		})
	}

	a, err := replenish("ch_1")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), a.Balance)

	_, err = replenish("ch_2")
	var notNeeded *domain.ErrReplenishNotNeeded
	require.ErrorAs(t, err, &notNeeded)
}

func TestApplyDelta_ConcurrentDecreasesNeverOverdraw(t *testing.T) {
	s, id := seed(t, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyDelta(context.Background(), debit(id, 30)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	a, _ := s.GetAccount(context.Background(), id)
	assert.Equal(t, 33, succeeded)
	assert.Equal(t, int64(1000-33*30), a.Balance)
	assert.GreaterOrEqual(t, a.Balance, int64(0))
}

func TestSetPaymentCustomerRef_FirstWriterWins(t *testing.T) {
	s, id := seed(t, 0)

	a, err := s.SetPaymentCustomerRef(context.Background(), id, "cus_first")
	require.NoError(t, err)
	assert.Equal(t, "cus_first", a.PaymentCustomerRef)

	a, err = s.SetPaymentCustomerRef(context.Background(), id, "cus_second")
	require.NoError(t, err)
	assert.Equal(t, "cus_first", a.PaymentCustomerRef)

	found, err := s.FindByPaymentCustomerRef(context.Background(), "cus_first")
	require.NoError(t, err)
	assert.Equal(t, id, found.ID)

	_, err = s.FindByPaymentCustomerRef(context.Background(), "cus_second")
	var notFound *domain.ErrAccountNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestListTransactions_NewestFirst(t *testing.T) {
	s, id := seed(t, 1000)
	for _, c := range []int64{10, 20, 30} {
		_, err := s.ApplyDelta(context.Background(), debit(id, c))
		require.NoError(t, err)
	}

	txs, err := s.ListTransactions(context.Background(), id, 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(30), txs[0].CreditsDelta)
	assert.Equal(t, int64(940), txs[0].BalanceAfter)
	assert.Equal(t, int64(20), txs[1].CreditsDelta)
}

package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/service"
)

var replenishOn = domain.ReplenishConfig{Enabled: true, Amount: 5000, Threshold: 3000}

func TestDecreaseBalance_TriggersInlineReplenish(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acc-1", 2000, replenishOn)

	res, err := f.ledger.DecreaseBalance(context.Background(), "acc-1", 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Replenish == nil || res.Replenish.Outcome != domain.ReplenishCompleted {
		t.Fatalf("expected completed replenish, got %+v", res.Replenish)
	}
	if res.Balance != 6500 {
		t.Errorf("expected balance 6500, got %d", res.Balance)
	}
	if got := f.balance(t, "acc-1"); got != 6500 {
		t.Errorf("expected stored balance 6500, got %d", got)
	}

	// A second replenish right after observes 6500 >= 3000 and does nothing.
	again, err := f.ledger.AutoReplenish(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Outcome != domain.ReplenishSkipped {
		t.Errorf("expected skipped, got %s", again.Outcome)
	}
	if n := f.gateway.chargeCount(); n != 1 {
		t.Errorf("expected exactly 1 charge, got %d", n)
	}

	req := f.gateway.charges[0]
	if req.AmountMinorUnits != service.DefaultMinChargeMinorUnits {
		t.Errorf("expected minimum charge for free-tier credits, got %d", req.AmountMinorUnits)
	}
	if req.IdempotencyKey == "" {
		t.Error("expected idempotency key on charge")
	}
	if req.Metadata[domain.MetaKind] != string(domain.KindAutoReplenish) || req.Metadata[domain.MetaCredits] != "5000" {
		t.Errorf("unexpected charge metadata: %v", req.Metadata)
	}

	f.notifier.Wait()
	if f.mailer.count(service.SubjectAutoReplenish) != 1 {
		t.Error("expected one auto-replenish email")
	}
	if last, ok := f.pusher.last("acc-1"); !ok || last != 6500 {
		t.Errorf("expected last pushed balance 6500, got %d (%v)", last, ok)
	}
}

func TestDecreaseBalance_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acc-1", 50, domain.ReplenishConfig{})

	_, err := f.ledger.DecreaseBalance(context.Background(), "acc-1", 100)

	var insufficient *domain.ErrInsufficientBalance
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := f.balance(t, "acc-1"); got != 50 {
		t.Errorf("expected balance unchanged at 50, got %d", got)
	}
}

func TestDecreaseBalance_InvalidAmount(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acc-1", 50, domain.ReplenishConfig{})

	for _, amount := range []int64{0, -10} {
		_, err := f.ledger.DecreaseBalance(context.Background(), "acc-1", amount)
		var invalid *domain.ErrInvalidAmount
		if !errors.As(err, &invalid) {
			t.Errorf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestDecreaseBalance_ReplenishChargeFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acc-1", 2000, replenishOn)
	f.gateway.chargeErr = &domain.ErrPaymentProvider{Op: "CreateCharge", StatusCode: 402, Code: "card_declined", Err: errors.New("declined")}

	res, err := f.ledger.DecreaseBalance(context.Background(), "acc-1", 500)

	var failed *domain.ErrReplenishFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected ErrReplenishFailed, got %v", err)
	}
	if res == nil || res.Balance != 1500 {
		t.Errorf("expected committed decrease to 1500, got %+v", res)
	}
	if got := f.balance(t, "acc-1"); got != 1500 {
		t.Errorf("expected stored balance 1500, got %d", got)
	}
}

func TestDecreaseBalance_ConcurrentNeverOverdraws(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acc-1", 1000, domain.ReplenishConfig{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.DecreaseBalance(context.Background(), "acc-1", 100); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("expected 10 successful decreases, got %d", succeeded)
	}
	if got := f.balance(t, "acc-1"); got != 0 {
		t.Errorf("expected balance 0, got %d", got)
	}
}

func TestDebitForUsage(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acc-1", 100, domain.ReplenishConfig{})

	a, err := f.ledger.DebitForUsage(context.Background(), "acc-1", 150)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Balance != -50 {
		t.Errorf("expected metered usage to overdraw to -50, got %d", a.Balance)
	}

	_, err = f.ledger.DebitForUsage(context.Background(), "acc-1", 0)
	var invalid *domain.ErrInvalidAmount
	if !errors.As(err, &invalid) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	_, err = f.ledger.DebitForUsage(context.Background(), "missing", 10)
	var notFound *domain.ErrAccountNotFound
	if !errors.As(err, &notFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	txs, _ := f.ledger.ListTransactions(context.Background(), "acc-1", 0)
	if len(txs) != 1 || txs[0].Kind != domain.KindUsageDebit || txs[0].BalanceAfter != -50 {
		t.Errorf("unexpected transactions: %+v", txs)
	}

	f.notifier.Wait()
	if f.mailer.count(service.SubjectLowBalance) != 1 {
		t.Error("expected a low balance email")
	}
}

func TestCreditFromPurchase_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acc-1", 0, domain.ReplenishConfig{})
	ctx := context.Background()

	first, err := f.ledger.CreditFromPurchase(ctx, "acc-1", 10000, "pi_1", domain.KindPurchase, nil)
	if err != nil || !first.Applied {
		t.Fatalf("expected applied credit, got %+v, %v", first, err)
	}
	second, err := f.ledger.CreditFromPurchase(ctx, "acc-1", 10000, "pi_1", domain.KindPurchase, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Applied {
		t.Error("expected duplicate credit to be a no-op")
	}
	if got := f.balance(t, "acc-1"); got != 10000 {
		t.Errorf("expected 10000, got %d", got)
	}

	f.notifier.Wait()
	if f.mailer.count(service.SubjectPurchased) != 1 {
		t.Error("expected exactly one purchase email")
	}
}

func TestCreditFromPurchase_Validation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acc-1", 0, domain.ReplenishConfig{})
	ctx := context.Background()

	if _, err := f.ledger.CreditFromPurchase(ctx, "acc-1", 0, "pi_1", domain.KindPurchase, nil); err == nil {
		t.Error("expected error for zero credits")
	}
	if _, err := f.ledger.CreditFromPurchase(ctx, "acc-1", 10, "", domain.KindPurchase, nil); err == nil {
		t.Error("expected error for empty ref")
	}
	if _, err := f.ledger.CreditFromPurchase(ctx, "acc-1", 10, "pi_1", domain.KindUsageDebit, nil); err == nil {
		t.Error("expected error for debit kind")
	}
}

func TestEnsurePaymentCustomer_CreatesOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acc-1", 0, domain.ReplenishConfig{})
	ctx := context.Background()

	ref1, err := f.ledger.EnsurePaymentCustomer(ctx, "acc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ref2, _ := f.ledger.EnsurePaymentCustomer(ctx, "acc-1")
	if ref1 != ref2 {
		t.Errorf("expected stable ref, got %s then %s", ref1, ref2)
	}
	if f.gateway.customersCreated != 1 {
		t.Errorf("expected one remote customer, got %d", f.gateway.customersCreated)
	}
}

func TestUpdateReplenishConfig(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acc-1", 0, domain.ReplenishConfig{})
	ctx := context.Background()

	a, err := f.ledger.UpdateReplenishConfig(ctx, "acc-1", domain.ReplenishConfig{Enabled: true, Amount: 10000, Threshold: 2000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.AutoReplenish.Enabled || a.AutoReplenish.Amount != 10000 {
		t.Errorf("settings not stored: %+v", a.AutoReplenish)
	}

	if _, err := f.ledger.UpdateReplenishConfig(ctx, "acc-1", domain.ReplenishConfig{Enabled: true, Amount: 0, Threshold: 10}); err == nil {
		t.Error("expected error for zero amount")
	}
	if _, err := f.ledger.UpdateReplenishConfig(ctx, "acc-1", domain.ReplenishConfig{Amount: 10, Threshold: -1}); err == nil {
		t.Error("expected error for negative threshold")
	}
}

func TestNotificationFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acc-1", 500, domain.ReplenishConfig{})
	f.mailer.err = errors.New("smtp down")

	if _, err := f.ledger.DecreaseBalance(context.Background(), "acc-1", 100); err != nil {
		t.Fatalf("expected success despite mail failure, got %v", err)
	}
	f.notifier.Wait()

	if got := f.metrics.GetLedgerSnapshot().NotificationFailures; got < 1 {
		t.Errorf("expected notification failures to be counted, got %v", got)
	}
}

func TestRegisterAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	account, err := f.ledger.RegisterAccount(ctx, "acct-new", "new@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.Balance != 0 || account.AutoReplenish.Enabled {
		t.Errorf("unexpected registration state %+v", account)
	}
	if account.AutoReplenish.Amount != domain.DefaultReplenishAmount || account.AutoReplenish.Threshold != domain.DefaultReplenishThreshold {
		t.Errorf("expected default replenish settings, got %+v", account.AutoReplenish)
	}

	_, err = f.ledger.RegisterAccount(ctx, "acct-new", "new@example.com")
	var dup *domain.ErrDuplicate
	if !errors.As(err, &dup) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	_, err = f.ledger.RegisterAccount(ctx, "", "x@example.com")
	var verr *domain.ErrValidation
	if !errors.As(err, &verr) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

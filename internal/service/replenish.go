package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/pricing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AutoReplenish charges the account's payment customer and credits the
// configured amount when the balance is under the threshold.
//
// A per-account lock keeps concurrent triggers from charging twice, and the
// credit itself is re-guarded in the store. If the guard no longer holds
// after the charge succeeded, the charge is refunded.
func (s *LedgerService) AutoReplenish(ctx context.Context, accountID string) (*domain.ReplenishResult, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.AutoReplenish")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	cfg := account.AutoReplenish
	if !cfg.Eligible(account.Balance) {
		return s.skipped(account, "not eligible"), nil
	}

	attempt := uuid.NewString()
	acquired, err := s.lock.Acquire(ctx, accountID, attempt, s.cfg.LockTTL)
	if err != nil {
		s.logger.Error("replenish lock unavailable", zap.String("account_id", accountID), zap.Error(err))
		return s.skipped(account, "lock unavailable"), nil
	}
	if !acquired {
		return s.skipped(account, "replenish in progress"), nil
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), accountID, attempt); err != nil {
			s.logger.Warn("replenish lock release failed", zap.String("account_id", accountID), zap.Error(err))
		}
	}()

	// Another holder may have replenished while we waited for the lock.
	account, err = s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	cfg = account.AutoReplenish
	if !cfg.Eligible(account.Balance) {
		return s.skipped(account, "not eligible"), nil
	}

	customerRef, err := s.EnsurePaymentCustomer(ctx, accountID)
	if err != nil {
		s.logger.Error("auto-replenish skipped: no payment customer",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return s.skipped(account, "no payment customer"), nil
	}

	cents, err := pricing.ChargeAmount(cfg.Amount, s.cfg.MinChargeMinorUnits)
	if err != nil {
		return nil, err
	}

	charge, err := s.payments.CreateCharge(ctx, domain.ChargeRequest{
		CustomerRef:      customerRef,
		AmountMinorUnits: cents,
		Currency:         domain.Currency,
		Description:      fmt.Sprintf("Auto-replenish %d credits", cfg.Amount),
		Metadata: map[string]string{
			domain.MetaAccountID: accountID,
			domain.MetaCredits:   strconv.FormatInt(cfg.Amount, 10),
			domain.MetaKind:      string(domain.KindAutoReplenish),
		},
		IdempotencyKey: attempt,
	})
	if err != nil {
		s.metrics.IncrReplenish(domain.ReplenishFailed)
		s.logger.Warn("auto-replenish charge failed",
			zap.String("account_id", accountID),
			zap.Int64("amount_cents", cents),
			zap.Error(err),
		)
		return &domain.ReplenishResult{
			Outcome: domain.ReplenishFailed,
			Reason:  err.Error(),
			Balance: account.Balance,
		}, err
	}

	ref := charge.Reference()
	span.SetAttributes(attribute.String("charge.ref", ref))

	tx := domain.NewTransaction(accountID, domain.KindAutoReplenish, cfg.Amount).
		WithChargeRef(ref).
		WithAmount(pricing.FromMinorUnits(cents))

	updated, err := s.store.ApplyDelta(ctx, domain.DeltaRequest{
		AccountID:   accountID,
		Delta:       cfg.Amount,
		Guard:       domain.GuardBelowThreshold,
		Transaction: tx,
	})

	var dup *domain.ErrDuplicate
	var notNeeded *domain.ErrReplenishNotNeeded
	switch {
	case errors.As(err, &dup):
		// The webhook for this charge landed first.
		s.metrics.IncrReplenish(domain.ReplenishCompleted)
		current, getErr := s.store.GetAccount(ctx, accountID)
		if getErr != nil {
			return nil, getErr
		}
		return &domain.ReplenishResult{Outcome: domain.ReplenishCompleted, ChargeRef: ref, Balance: current.Balance}, nil

	case errors.As(err, &notNeeded):
		return s.refundLostRace(ctx, accountID, charge, notNeeded.Balance)

	case err != nil:
		s.metrics.IncrReplenish(domain.ReplenishFailed)
		s.logger.Error("auto-replenish charged but credit failed; webhook will reconcile",
			zap.String("account_id", accountID),
			zap.String("charge_ref", ref),
			zap.Error(err),
		)
		return &domain.ReplenishResult{Outcome: domain.ReplenishFailed, Reason: err.Error(), ChargeRef: ref, Balance: account.Balance}, err
	}

	s.metrics.IncrReplenish(domain.ReplenishCompleted)
	s.metrics.AddCredits(domain.KindAutoReplenish, cfg.Amount)
	s.invalidateBilling(customerRef)

	s.logger.Info("auto-replenish completed",
		zap.String("account_id", accountID),
		zap.String("charge_ref", ref),
		zap.Int64("credits", cfg.Amount),
		zap.Int64("balance", updated.Balance),
	)

	s.notifier.Balance(accountID, updated.Balance)
	s.notifier.Email(accountID, updated.Email, SubjectAutoReplenish, replenishedBody(cfg.Amount, updated.Balance))

	return &domain.ReplenishResult{Outcome: domain.ReplenishCompleted, ChargeRef: ref, Balance: updated.Balance}, nil
}

func (s *LedgerService) refundLostRace(ctx context.Context, accountID string, charge *domain.Charge, balance int64) (*domain.ReplenishResult, error) {
	s.logger.Warn("auto-replenish no longer needed after charge, refunding",
		zap.String("account_id", accountID),
		zap.String("charge_id", charge.ID),
		zap.Int64("balance", balance),
	)

	if _, err := s.payments.RefundCharge(ctx, charge.ID); err != nil {
		s.metrics.IncrReplenish(domain.ReplenishFailed)
		s.logger.Error("refund of surplus replenish charge failed",
			zap.String("account_id", accountID),
			zap.String("charge_id", charge.ID),
			zap.Error(err),
		)
		return &domain.ReplenishResult{
			Outcome:   domain.ReplenishFailed,
			Reason:    "refund failed: " + err.Error(),
			ChargeRef: charge.Reference(),
			Balance:   balance,
		}, err
	}

	s.metrics.IncrReplenish(domain.ReplenishRefunded)
	return &domain.ReplenishResult{
		Outcome:   domain.ReplenishRefunded,
		Reason:    "balance above threshold",
		ChargeRef: charge.Reference(),
		Balance:   balance,
	}, nil
}

func (s *LedgerService) skipped(account *domain.Account, reason string) *domain.ReplenishResult {
	s.metrics.IncrReplenish(domain.ReplenishSkipped)
	s.logger.Debug("auto-replenish skipped",
		zap.String("account_id", account.ID),
		zap.String("reason", reason),
	)
	return &domain.ReplenishResult{Outcome: domain.ReplenishSkipped, Reason: reason, Balance: account.Balance}
}

package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/pricing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Checkout: credit purchases through the hosted payment page
// ============================================================

// StartCheckout prices credits and opens a checkout session for them.
func (s *LedgerService) StartCheckout(ctx context.Context, accountID string, credits int64) (*domain.CheckoutResult, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.StartCheckout")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.Int64("credits", credits),
	)

	cost, err := pricing.Cost(credits)
	if err != nil {
		return nil, err
	}
	cents := pricing.MinorUnits(cost)
	if cents < s.cfg.MinChargeMinorUnits {
		return nil, &domain.ErrValidation{
			Field:   "credits",
			Message: fmt.Sprintf("purchase of %d credits costs %s, below the minimum charge", credits, cost.StringFixed(2)),
		}
	}

	customerRef, err := s.EnsurePaymentCustomer(ctx, accountID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		domain.MetaAccountID: accountID,
		domain.MetaCredits:   strconv.FormatInt(credits, 10),
		domain.MetaKind:      string(domain.KindPurchase),
	}
	session, err := s.payments.CreateCheckoutSession(ctx, domain.CheckoutRequest{
		LineItems: []domain.LineItem{{
			Name:            fmt.Sprintf("Purchase %d credits", credits),
			UnitAmountMinor: cents,
			Quantity:        1,
		}},
		SuccessURL:  s.cfg.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   s.cfg.CancelURL,
		CustomerRef: customerRef,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("checkout session created",
		zap.String("account_id", accountID),
		zap.String("session_id", session.ID),
		zap.Int64("credits", credits),
		zap.String("cost", cost.StringFixed(2)),
	)

	return &domain.CheckoutResult{
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
		Credits:     credits,
		Cost:        cost,
	}, nil
}

// ConfirmCheckout credits a paid checkout session. Confirmation and the
// charge webhook share the payment intent as idempotency key, so the
// purchase is credited once whichever arrives first.
func (s *LedgerService) ConfirmCheckout(ctx context.Context, accountID, sessionID string) (*domain.CreditResult, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.ConfirmCheckout")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.String("session.id", sessionID),
	)

	if sessionID == "" {
		return nil, &domain.ErrValidation{Field: "session_id", Message: "required"}
	}

	session, err := s.payments.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if owner := session.Metadata[domain.MetaAccountID]; owner != accountID {
		return nil, &domain.ErrValidation{Field: "session_id", Message: "session does not belong to this account"}
	}
	if !session.Paid() {
		return nil, &domain.ErrChargeNotPaid{ChargeRef: session.ID}
	}

	event := domain.ChargeEvent{Charge: domain.Charge{Metadata: session.Metadata}}
	credits, err := event.Credits()
	if err != nil {
		return nil, err
	}
	cost, err := pricing.Cost(credits)
	if err != nil {
		return nil, err
	}

	return s.CreditFromPurchase(ctx, accountID, credits, session.Reference(), domain.KindPurchase, &cost)
}

// ============================================================
// Billing
// ============================================================

// BillingHistory lists the provider charges of the account, newest first
// as returned by the provider, with duplicates removed. Results are cached
// per payment customer.
func (s *LedgerService) BillingHistory(ctx context.Context, accountID string) ([]domain.Charge, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.BillingHistory")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	customerRef := account.PaymentCustomerRef
	if customerRef == "" {
		return []domain.Charge{}, nil
	}

	if s.billing != nil {
		if cached, ok := s.billing.Get(customerRef); ok {
			s.metrics.IncrCacheHit("billing")
			return cached, nil
		}
		s.metrics.IncrCacheMiss("billing")
	}

	charges, err := s.payments.ListCharges(ctx, customerRef)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(charges))
	unique := make([]domain.Charge, 0, len(charges))
	for _, ch := range charges {
		if _, dup := seen[ch.ID]; dup {
			continue
		}
		seen[ch.ID] = struct{}{}
		unique = append(unique, ch)
	}

	if s.billing != nil {
		s.billing.Set(customerRef, unique)
	}
	return unique, nil
}

// RefundCharge refunds a paid provider charge. Credits already granted for
// it are left untouched.
func (s *LedgerService) RefundCharge(ctx context.Context, chargeRef string) (*domain.Refund, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.RefundCharge")
	defer span.End()
	span.SetAttributes(attribute.String("charge.ref", chargeRef))

	if chargeRef == "" {
		return nil, &domain.ErrValidation{Field: "charge_id", Message: "required"}
	}

	refund, err := s.payments.RefundCharge(ctx, chargeRef)
	if err != nil {
		return nil, err
	}

	s.logger.Info("charge refunded",
		zap.String("charge_ref", chargeRef),
		zap.String("refund_id", refund.ID),
	)
	return refund, nil
}

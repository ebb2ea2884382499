package service

import (
	"context"
	"errors"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/infra/observability"
	"github.com/boddenberg/credit-ledger-go/internal/port"
	"github.com/boddenberg/credit-ledger-go/internal/pricing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var webhookTracer = otel.Tracer("service/webhook")

// Webhook outcomes, also used as metric labels.
const (
	WebhookCredited  = "credited"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
	WebhookRejected  = "rejected"
	WebhookRefunded  = "refunded"
	WebhookError     = "error"
)

// WebhookAck is returned to the provider for every processed event.
type WebhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// WebhookReconciler applies provider charge notifications to the ledger.
type WebhookReconciler struct {
	payments port.PaymentGateway
	store    port.AccountStore
	ledger   *LedgerService
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewWebhookReconciler creates a reconciler.
func NewWebhookReconciler(payments port.PaymentGateway, store port.AccountStore, ledger *LedgerService, metrics *observability.Metrics, logger *zap.Logger) *WebhookReconciler {
	return &WebhookReconciler{payments: payments, store: store, ledger: ledger, metrics: metrics, logger: logger}
}

// OnChargeSucceeded verifies and applies one webhook delivery. Only
// failures worth a provider retry are returned as errors; bad events are
// acknowledged so they are not redelivered.
func (w *WebhookReconciler) OnChargeSucceeded(ctx context.Context, payload []byte, signatureHeader string) (*WebhookAck, error) {
	ctx, span := webhookTracer.Start(ctx, "WebhookReconciler.OnChargeSucceeded")
	defer span.End()

	event, err := w.payments.VerifyWebhookSignature(payload, signatureHeader)
	var malformed *domain.ErrValidation
	if errors.As(err, &malformed) {
		// Signed but undecodable: redelivery would not help.
		w.logger.Warn("webhook payload malformed", zap.Error(err))
		return w.ack(WebhookRejected), nil
	}
	if err != nil {
		w.metrics.IncrWebhook(WebhookRejected)
		w.logger.Warn("webhook rejected", zap.Error(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.Type),
	)

	if event.Type != domain.EventChargeSucceeded {
		w.logger.Debug("webhook event ignored", zap.String("event_id", event.ID), zap.String("type", event.Type))
		return w.ack(WebhookIgnored), nil
	}

	charge := event.Charge
	if charge.ID == "" || charge.CustomerRef == "" {
		w.logger.Warn("webhook charge missing identifiers",
			zap.String("event_id", event.ID),
			zap.String("charge_id", charge.ID),
		)
		return w.ack(WebhookRejected), nil
	}
	credits, err := event.Credits()
	if err != nil {
		w.logger.Warn("webhook charge without credits",
			zap.String("event_id", event.ID),
			zap.String("charge_id", charge.ID),
			zap.Error(err),
		)
		return w.ack(WebhookRejected), nil
	}

	seen, err := w.store.HasTransaction(ctx, charge.Reference())
	if err != nil {
		w.metrics.IncrWebhook(WebhookError)
		return nil, err
	}
	if seen {
		w.logger.Debug("webhook charge already credited",
			zap.String("event_id", event.ID),
			zap.String("charge_ref", charge.Reference()),
		)
		return w.ack(WebhookDuplicate), nil
	}

	account, err := w.store.FindByPaymentCustomerRef(ctx, charge.CustomerRef)
	var notFound *domain.ErrAccountNotFound
	if errors.As(err, &notFound) {
		w.logger.Warn("webhook for unknown customer",
			zap.String("event_id", event.ID),
			zap.String("customer_ref", charge.CustomerRef),
		)
		return w.ack(WebhookRejected), nil
	}
	if err != nil {
		w.metrics.IncrWebhook(WebhookError)
		return nil, err
	}

	amount := pricing.FromMinorUnits(charge.AmountMinorUnits)
	result, err := w.ledger.CreditFromPurchase(ctx, account.ID, credits, charge.Reference(), event.Kind(), &amount)

	var notNeeded *domain.ErrReplenishNotNeeded
	if errors.As(err, &notNeeded) {
		return w.refundSurplus(ctx, account.ID, &charge)
	}
	if err != nil {
		w.metrics.IncrWebhook(WebhookError)
		w.logger.Error("webhook credit failed",
			zap.String("event_id", event.ID),
			zap.String("account_id", account.ID),
			zap.Error(err),
		)
		return nil, err
	}

	if !result.Applied {
		return w.ack(WebhookDuplicate), nil
	}
	w.logger.Info("webhook credited",
		zap.String("event_id", event.ID),
		zap.String("account_id", account.ID),
		zap.String("charge_ref", charge.Reference()),
		zap.Int64("credits", credits),
	)
	return w.ack(WebhookCredited), nil
}

// refundSurplus refunds an auto-replenish charge that arrived after the
// account was already topped up.
func (w *WebhookReconciler) refundSurplus(ctx context.Context, accountID string, charge *domain.Charge) (*WebhookAck, error) {
	if _, err := w.payments.RefundCharge(ctx, charge.ID); err != nil {
		w.metrics.IncrWebhook(WebhookError)
		w.logger.Error("refund of surplus replenish charge failed",
			zap.String("account_id", accountID),
			zap.String("charge_id", charge.ID),
			zap.Error(err),
		)
		return nil, err
	}
	w.logger.Warn("surplus replenish charge refunded",
		zap.String("account_id", accountID),
		zap.String("charge_id", charge.ID),
	)
	return w.ack(WebhookRefunded), nil
}

func (w *WebhookReconciler) ack(outcome string) *WebhookAck {
	w.metrics.IncrWebhook(outcome)
	return &WebhookAck{Received: true, Outcome: outcome}
}

package port

import (
	"context"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
)

// PaymentGateway wraps the external payment provider.
type PaymentGateway interface {
	CreateCustomer(ctx context.Context, email string) (string, error)
	CreateCharge(ctx context.Context, req domain.ChargeRequest) (*domain.Charge, error)
	CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*domain.CheckoutSession, error)
	RefundCharge(ctx context.Context, chargeRef string) (*domain.Refund, error)
	ListCharges(ctx context.Context, customerRef string) ([]domain.Charge, error)
	VerifyWebhookSignature(payload []byte, signatureHeader string) (*domain.ChargeEvent, error)
}

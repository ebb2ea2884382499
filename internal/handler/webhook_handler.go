package handler

import (
	"io"
	"net/http"

	"github.com/boddenberg/credit-ledger-go/internal/infra/stripe"
	"github.com/boddenberg/credit-ledger-go/internal/service"

	"go.uber.org/zap"
)

const maxWebhookBytes = 64 << 10

// paymentWebhookHandler handles POST /v1/webhooks/payments. The raw body is
// needed for signature verification, so it is never decoded here.
func paymentWebhookHandler(webhooks *service.WebhookReconciler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/webhooks/payments")
		defer span.End()

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		ack, err := webhooks.OnChargeSucceeded(ctx, payload, r.Header.Get(stripe.SignatureHeader))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

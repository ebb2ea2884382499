package handler

import (
	"net/http"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/service"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Billing, checkout and refunds
// ============================================================

type autoReplenishRequest struct {
	Enabled   bool  `json:"enabled"`
	Amount    int64 `json:"amount"`
	Threshold int64 `json:"threshold"`
}

func updateAutoReplenishHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/billing/auto-replenish")
		defer span.End()

		var req autoReplenishRequest
		if err := decodeAndValidate(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		account, err := ledger.UpdateReplenishConfig(ctx, AccountIDFromContext(ctx), domain.ReplenishConfig{
			Enabled:   req.Enabled,
			Amount:    req.Amount,
			Threshold: req.Threshold,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, account.AutoReplenish)
	}
}

type checkoutRequest struct {
	Credits int64 `json:"credits" validate:"required"`
}

func startCheckoutHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/credits/checkout")
		defer span.End()

		var req checkoutRequest
		if err := decodeAndValidate(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.Int64("credits", req.Credits))

		result, err := ledger.StartCheckout(ctx, AccountIDFromContext(ctx), req.Credits)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

type checkoutSuccessResponse struct {
	Applied    bool  `json:"applied"`
	NewCredits int64 `json:"newCredits"`
}

func checkoutSuccessHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/credits/checkout/success")
		defer span.End()

		sessionID := r.URL.Query().Get("session_id")
		result, err := ledger.ConfirmCheckout(ctx, AccountIDFromContext(ctx), sessionID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, checkoutSuccessResponse{Applied: result.Applied, NewCredits: result.Account.Balance})
	}
}

func billingHistoryHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/billing/history")
		defer span.End()

		charges, err := ledger.BillingHistory(ctx, AccountIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.Charge]{Data: charges, Total: len(charges)})
	}
}

type refundRequest struct {
	ChargeID string `json:"chargeId" validate:"required"`
}

func refundHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/admin/refunds")
		defer span.End()

		var req refundRequest
		if err := decodeAndValidate(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		refund, err := ledger.RefundCharge(ctx, req.ChargeID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, refund)
	}
}

func sweepHandler(scheduler *service.Scheduler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/admin/replenish/sweep")
		defer span.End()

		report, err := scheduler.Sweep(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

type registerAccountRequest struct {
	AccountID string `json:"accountId" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
}

// registerAccountHandler handles POST /v1/admin/accounts from the identity system.
func registerAccountHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/admin/accounts")
		defer span.End()

		var req registerAccountRequest
		if err := decodeAndValidate(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("account.id", req.AccountID))

		account, err := ledger.RegisterAccount(ctx, req.AccountID, req.Email)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, account)
	}
}

package handler

import (
	"net/http"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/service"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Credits
// ============================================================

type usageRequest struct {
	AccountID   string `json:"accountId" validate:"required"`
	CreditsUsed int64  `json:"creditsUsed"`
}

type creditsResponse struct {
	Message    string `json:"message"`
	NewCredits int64  `json:"newCredits"`
}

// usageHandler handles POST /v1/usage from other services.
func usageHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/usage")
		defer span.End()

		var req usageRequest
		if err := decodeAndValidate(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("account.id", req.AccountID))

		account, err := ledger.DebitForUsage(ctx, req.AccountID, req.CreditsUsed)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, creditsResponse{Message: "Credits updated successfully", NewCredits: account.Balance})
	}
}

type decreaseRequest struct {
	Amount int64 `json:"amount"`
}

// decreaseHandler handles POST /v1/credits/decrease.
func decreaseHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/credits/decrease")
		defer span.End()

		accountID := AccountIDFromContext(ctx)
		var req decreaseRequest
		if err := decodeAndValidate(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		result, err := ledger.DecreaseBalance(ctx, accountID, req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// ============================================================
// Account
// ============================================================

func getAccountHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/account")
		defer span.End()

		account, err := ledger.GetAccount(ctx, AccountIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, account)
	}
}

func listTransactionsHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/account/transactions")
		defer span.End()

		txs, err := ledger.ListTransactions(ctx, AccountIDFromContext(ctx), parseLimit(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.LedgerTransaction]{Data: txs, Total: len(txs)})
	}
}

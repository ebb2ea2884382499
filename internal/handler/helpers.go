package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/boddenberg/credit-ledger-go/internal/domain"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

const maxBodyBytes = 1 << 20

var validate = validator.New()

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return &domain.ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &domain.ErrValidation{Field: lowerFirst(fe.Field()), Message: fmt.Sprintf("failed '%s' validation", fe.Tag())}
		}
		return &domain.ErrValidation{Field: "body", Message: err.Error()}
	}
	return nil
}

func parseLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var notFound *domain.ErrAccountNotFound
	var invalidAmount *domain.ErrInvalidAmount
	var validation *domain.ErrValidation
	var insufficient *domain.ErrInsufficientBalance
	var invalidSignature *domain.ErrInvalidSignature
	var unauthorized *domain.ErrUnauthorized
	var provider *domain.ErrPaymentProvider
	var circuitOpen *domain.ErrCircuitOpen
	var timeout *domain.ErrTimeout
	var notPaid *domain.ErrChargeNotPaid
	var replenishFailed *domain.ErrReplenishFailed
	var duplicate *domain.ErrDuplicate

	switch {
	case errors.As(err, &replenishFailed):
		logger.Error("auto-replenish failed after decrease",
			zap.String("account_id", replenishFailed.AccountID),
			zap.Int64("balance", replenishFailed.Balance),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalidAmount):
		logger.Debug("invalid amount", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &insufficient):
		logger.Warn("insufficient balance",
			zap.Int64("available", insufficient.Available),
			zap.Int64("required", insufficient.Required),
		)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &invalidSignature):
		logger.Warn("invalid webhook signature", zap.String("reason", invalidSignature.Reason))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &timeout):
		logger.Error("request timeout", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &notPaid):
		logger.Debug("charge not paid", zap.String("charge_ref", notPaid.ChargeRef))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &duplicate):
		logger.Debug("duplicate operation", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &provider):
		logger.Error("payment provider error", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

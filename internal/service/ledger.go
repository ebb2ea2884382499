// Package service provides the business logic layer (use cases).
// LedgerService owns every balance mutation: metered usage, user
// decreases, purchases and automatic replenishment.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/infra/observability"
	"github.com/boddenberg/credit-ledger-go/internal/port"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ledgerTracer = otel.Tracer("service/ledger")

// Defaults for LedgerConfig fields left at zero.
const (
	DefaultLowBalanceThreshold int64 = 1000
	DefaultMinChargeMinorUnits int64 = 50
	DefaultLockTTL                   = 30 * time.Second

	defaultTransactionLimit = 50
	maxTransactionLimit     = 200
)

// LedgerConfig tunes the ledger service.
type LedgerConfig struct {
	LowBalanceThreshold int64
	MinChargeMinorUnits int64
	LockTTL             time.Duration
	SuccessURL          string
	CancelURL           string
}

func (c *LedgerConfig) applyDefaults() {
	if c.LowBalanceThreshold <= 0 {
		c.LowBalanceThreshold = DefaultLowBalanceThreshold
	}
	if c.MinChargeMinorUnits <= 0 {
		c.MinChargeMinorUnits = DefaultMinChargeMinorUnits
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
}

// LedgerService orchestrates credit balances against the account store and
// the payment provider.
type LedgerService struct {
	store    port.AccountStore
	payments port.PaymentGateway
	lock     port.ReplenishLock
	billing  port.Cache[[]domain.Charge]
	notifier *Notifier
	cfg      LedgerConfig
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewLedgerService creates a new ledger service.
func NewLedgerService(
	store port.AccountStore,
	payments port.PaymentGateway,
	lock port.ReplenishLock,
	billing port.Cache[[]domain.Charge],
	notifier *Notifier,
	cfg LedgerConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *LedgerService {
	cfg.applyDefaults()
	return &LedgerService{
		store:    store,
		payments: payments,
		lock:     lock,
		billing:  billing,
		notifier: notifier,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// ============================================================
// Reads
// ============================================================

func (s *LedgerService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.GetAccount")
	defer span.End()

	return s.store.GetAccount(ctx, accountID)
}

// Ping checks the account store.
func (s *LedgerService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ListTransactions returns the newest transactions of an account.
func (s *LedgerService) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.LedgerTransaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.ListTransactions")
	defer span.End()

	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}
	return s.store.ListTransactions(ctx, accountID, limit)
}

// ============================================================
// Debits
// ============================================================

// DebitForUsage records metered usage reported by another service. The
// debit is unconditional and may leave the balance negative.
func (s *LedgerService) DebitForUsage(ctx context.Context, accountID string, amount int64) (*domain.Account, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.DebitForUsage")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.Int64("credits", amount),
	)

	if amount <= 0 {
		return nil, &domain.ErrInvalidAmount{Field: "creditsUsed", Value: strconv.FormatInt(amount, 10)}
	}

	start := time.Now()
	account, err := s.store.ApplyDelta(ctx, domain.DeltaRequest{
		AccountID:   accountID,
		Delta:       -amount,
		Guard:       domain.GuardNone,
		Transaction: domain.NewTransaction(accountID, domain.KindUsageDebit, amount),
	})
	s.metrics.RecordRequestDuration("debit_usage", time.Since(start))
	if err != nil {
		return nil, err
	}
	s.metrics.AddCredits(domain.KindUsageDebit, amount)
	s.touch(ctx, accountID)

	s.logger.Info("usage debited",
		zap.String("account_id", accountID),
		zap.Int64("credits", amount),
		zap.Int64("balance", account.Balance),
	)

	s.notifier.Balance(accountID, account.Balance)
	s.warnIfLow(account)
	return account, nil
}

// DecreaseBalance debits credits on the user's request. The balance may
// not go negative. A successful decrease is followed by an inline
// auto-replenish check; if that charge fails the decrease stays committed
// and *domain.ErrReplenishFailed is returned alongside the result.
func (s *LedgerService) DecreaseBalance(ctx context.Context, accountID string, amount int64) (*domain.DecreaseResult, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.DecreaseBalance")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.Int64("credits", amount),
	)

	if amount <= 0 {
		return nil, &domain.ErrInvalidAmount{Field: "credits", Value: strconv.FormatInt(amount, 10)}
	}

	account, err := s.store.ApplyDelta(ctx, domain.DeltaRequest{
		AccountID:   accountID,
		Delta:       -amount,
		Guard:       domain.GuardNonNegative,
		Transaction: domain.NewTransaction(accountID, domain.KindManualDecrease, amount),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.AddCredits(domain.KindManualDecrease, amount)
	s.touch(ctx, accountID)

	s.logger.Info("credits decreased",
		zap.String("account_id", accountID),
		zap.Int64("credits", amount),
		zap.Int64("balance", account.Balance),
	)

	s.notifier.Balance(accountID, account.Balance)
	s.notifier.Email(accountID, account.Email, SubjectDecreased, decreasedBody(amount, account.Balance))
	s.warnIfLow(account)

	result := &domain.DecreaseResult{Balance: account.Balance}
	if !account.AutoReplenish.Eligible(account.Balance) {
		return result, nil
	}

	rep, err := s.AutoReplenish(ctx, accountID)
	result.Replenish = rep
	if rep != nil && rep.Outcome == domain.ReplenishCompleted {
		result.Balance = rep.Balance
	}
	if err != nil && rep != nil && rep.Outcome == domain.ReplenishFailed {
		return result, &domain.ErrReplenishFailed{AccountID: accountID, Balance: account.Balance, Err: err}
	}
	if err != nil {
		s.logger.Error("inline auto-replenish error",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
	return result, nil
}

// ============================================================
// Credits
// ============================================================

// CreditFromPurchase credits a settled payment. It is idempotent on
// externalChargeRef: a ref that was already credited yields Applied=false
// and no balance change. Auto-replenish credits stay threshold-guarded and
// fail with *domain.ErrReplenishNotNeeded once the account is topped up.
func (s *LedgerService) CreditFromPurchase(
	ctx context.Context,
	accountID string,
	credits int64,
	externalChargeRef string,
	kind domain.TransactionKind,
	amount *decimal.Decimal,
) (*domain.CreditResult, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.CreditFromPurchase")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.String("charge.ref", externalChargeRef),
		attribute.Int64("credits", credits),
	)

	if credits <= 0 {
		return nil, &domain.ErrInvalidAmount{Field: "credits", Value: strconv.FormatInt(credits, 10)}
	}
	if externalChargeRef == "" {
		return nil, &domain.ErrValidation{Field: "charge_ref", Message: "required"}
	}
	if !kind.IsCredit() {
		return nil, &domain.ErrValidation{Field: "kind", Message: fmt.Sprintf("%q is not a credit kind", kind)}
	}

	tx := domain.NewTransaction(accountID, kind, credits).WithChargeRef(externalChargeRef)
	if amount != nil {
		tx.WithAmount(*amount)
	}

	guard := domain.GuardNone
	if kind == domain.KindAutoReplenish {
		guard = domain.GuardBelowThreshold
	}

	account, err := s.store.ApplyDelta(ctx, domain.DeltaRequest{
		AccountID:   accountID,
		Delta:       credits,
		Guard:       guard,
		Transaction: tx,
	})
	var dup *domain.ErrDuplicate
	if errors.As(err, &dup) {
		s.logger.Info("charge already credited",
			zap.String("account_id", accountID),
			zap.String("charge_ref", externalChargeRef),
		)
		current, getErr := s.store.GetAccount(ctx, accountID)
		if getErr != nil {
			return nil, getErr
		}
		return &domain.CreditResult{Account: current, Applied: false}, nil
	}
	if err != nil {
		return nil, err
	}

	s.metrics.AddCredits(kind, credits)
	s.invalidateBilling(account.PaymentCustomerRef)

	s.logger.Info("credits added",
		zap.String("account_id", accountID),
		zap.String("charge_ref", externalChargeRef),
		zap.String("kind", string(kind)),
		zap.Int64("credits", credits),
		zap.Int64("balance", account.Balance),
	)

	s.notifier.Balance(accountID, account.Balance)
	if kind == domain.KindAutoReplenish {
		s.notifier.Email(accountID, account.Email, SubjectAutoReplenish, replenishedBody(credits, account.Balance))
	} else {
		s.notifier.Email(accountID, account.Email, SubjectPurchased, purchasedBody(credits, account.Balance))
	}
	return &domain.CreditResult{Account: account, Applied: true}, nil
}

// ============================================================
// Payment customer and settings
// ============================================================

// EnsurePaymentCustomer returns the account's provider customer, creating
// it on first use. Under a race two remote customers may be created; the
// first one persisted wins and the other is logged as orphaned.
func (s *LedgerService) EnsurePaymentCustomer(ctx context.Context, accountID string) (string, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.EnsurePaymentCustomer")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if account.PaymentCustomerRef != "" {
		return account.PaymentCustomerRef, nil
	}
	if account.Email == "" {
		return "", &domain.ErrValidation{Field: "email", Message: "required to create a payment customer"}
	}

	ref, err := s.payments.CreateCustomer(ctx, account.Email)
	if err != nil {
		return "", err
	}

	stored, err := s.store.SetPaymentCustomerRef(ctx, accountID, ref)
	if err != nil {
		return "", err
	}
	if stored.PaymentCustomerRef != ref {
		s.logger.Warn("orphaned payment customer",
			zap.String("account_id", accountID),
			zap.String("orphan_ref", ref),
			zap.String("customer_ref", stored.PaymentCustomerRef),
		)
	} else {
		s.logger.Info("payment customer created",
			zap.String("account_id", accountID),
			zap.String("customer_ref", ref),
		)
	}
	return stored.PaymentCustomerRef, nil
}

// RegisterAccount creates an account in its registration state. It is
// called by the identity system once a user signs up.
func (s *LedgerService) RegisterAccount(ctx context.Context, accountID, email string) (*domain.Account, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.RegisterAccount")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	if accountID == "" {
		return nil, &domain.ErrValidation{Field: "accountId", Message: "is required"}
	}
	if email == "" {
		return nil, &domain.ErrValidation{Field: "email", Message: "is required"}
	}

	account := domain.NewAccount(accountID, email)
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("account registered", zap.String("account_id", accountID))
	return account, nil
}

// UpdateReplenishConfig replaces the auto-replenish settings.
func (s *LedgerService) UpdateReplenishConfig(ctx context.Context, accountID string, cfg domain.ReplenishConfig) (*domain.Account, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.UpdateReplenishConfig")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.Bool("enabled", cfg.Enabled),
	)

	if cfg.Amount <= 0 {
		return nil, &domain.ErrInvalidAmount{Field: "amount", Value: strconv.FormatInt(cfg.Amount, 10)}
	}
	if cfg.Threshold < 0 {
		return nil, &domain.ErrValidation{Field: "threshold", Message: "must be zero or positive"}
	}

	account, err := s.store.UpdateReplenishConfig(ctx, accountID, cfg)
	if err != nil {
		return nil, err
	}

	s.logger.Info("auto-replenish settings updated",
		zap.String("account_id", accountID),
		zap.Bool("enabled", cfg.Enabled),
		zap.Int64("amount", cfg.Amount),
		zap.Int64("threshold", cfg.Threshold),
	)
	return account, nil
}

// ============================================================
// Helpers
// ============================================================

func (s *LedgerService) warnIfLow(account *domain.Account) {
	if account.Balance < s.cfg.LowBalanceThreshold {
		s.notifier.Email(account.ID, account.Email, SubjectLowBalance, lowBalanceBody(account.Balance, s.cfg.LowBalanceThreshold))
	}
}

func (s *LedgerService) touch(ctx context.Context, accountID string) {
	if err := s.store.TouchActivity(ctx, accountID, time.Now().UTC()); err != nil {
		s.logger.Warn("touch activity failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

func (s *LedgerService) invalidateBilling(customerRef string) {
	if s.billing != nil && customerRef != "" {
		s.billing.Delete(customerRef)
	}
}

package domain

import "time"

// ============================================================
// Accounts
// ============================================================

// Defaults applied to accounts created at registration.
const (
	DefaultReplenishAmount    int64 = 5000
	DefaultReplenishThreshold int64 = 30000
)

// ReplenishConfig holds the auto-replenish settings of an account.
type ReplenishConfig struct {
	Enabled   bool  `json:"enabled"`
	Amount    int64 `json:"amount"`    // credits added per trigger
	Threshold int64 `json:"threshold"` // fires when balance < threshold
}

// Eligible reports whether a balance should trigger a replenishment.
func (c ReplenishConfig) Eligible(balance int64) bool {
	return c.Enabled && c.Amount > 0 && balance < c.Threshold
}

// Account is a user's credit-balance record.
type Account struct {
	ID                 string          `json:"id"`
	Email              string          `json:"email"`
	Balance            int64           `json:"balance"`
	PaymentCustomerRef string          `json:"payment_customer_ref,omitempty"`
	AutoReplenish      ReplenishConfig `json:"auto_replenish"`
	LastActivityAt     time.Time       `json:"last_activity_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewAccount returns an account in its registration state: zero balance,
// replenishment disabled and no payment customer.
func NewAccount(id, email string) *Account {
	now := time.Now().UTC()
	return &Account{
		ID:    id,
		Email: email,
		AutoReplenish: ReplenishConfig{
			Amount:    DefaultReplenishAmount,
			Threshold: DefaultReplenishThreshold,
		},
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// BalanceGuard selects the precondition checked by an atomic balance update.
type BalanceGuard int

const (
	// GuardNonNegative rejects updates that would leave balance below zero.
	GuardNonNegative BalanceGuard = iota
	// GuardNone applies the delta unconditionally (metered usage).
	GuardNone
	// GuardBelowThreshold applies a credit only while replenishment is
	// enabled and the balance is still under the configured threshold.
	GuardBelowThreshold
)

func (g BalanceGuard) String() string {
	switch g {
	case GuardNonNegative:
		return "non_negative"
	case GuardNone:
		return "none"
	case GuardBelowThreshold:
		return "below_threshold"
	}
	return "unknown"
}

// DeltaRequest describes one atomic balance mutation together with the
// ledger transaction recorded by it.
type DeltaRequest struct {
	AccountID   string
	Delta       int64
	Guard       BalanceGuard
	Transaction *LedgerTransaction
}

// BalanceUpdate is pushed to connected clients after a balance change.
type BalanceUpdate struct {
	AccountID string `json:"account_id"`
	Credits   int64  `json:"credits"`
}

// Validate rejects requests whose transaction disagrees with the delta.
func (r DeltaRequest) Validate() error {
	if r.Transaction == nil {
		return nil
	}
	if !r.Transaction.Kind.Valid() {
		return &ErrValidation{Field: "kind", Message: "unknown transaction kind " + string(r.Transaction.Kind)}
	}
	if r.Transaction.SignedDelta() != r.Delta {
		return &ErrValidation{Field: "delta", Message: "delta does not match transaction"}
	}
	return nil
}

// Check evaluates the guard against the current state of the account.
func (r DeltaRequest) Check(a *Account) error {
	switch r.Guard {
	case GuardNonNegative:
		if a.Balance+r.Delta < 0 {
			return &ErrInsufficientBalance{Available: a.Balance, Required: -r.Delta}
		}
	case GuardBelowThreshold:
		if !a.AutoReplenish.Eligible(a.Balance) {
			return &ErrReplenishNotNeeded{AccountID: a.ID, Balance: a.Balance}
		}
	}
	return nil
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ============================================================
// Ledger transactions
// ============================================================

// TransactionKind classifies a ledger transaction. The sign of the
// balance change is implied by the kind.
type TransactionKind string

const (
	KindUsageDebit     TransactionKind = "usage_debit"
	KindManualDecrease TransactionKind = "manual_decrease"
	KindPurchase       TransactionKind = "purchase"
	KindAutoReplenish  TransactionKind = "auto_replenish"
)

// IsCredit reports whether the kind increases the balance.
func (k TransactionKind) IsCredit() bool {
	return k == KindPurchase || k == KindAutoReplenish
}

// Valid reports whether k is a known kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindUsageDebit, KindManualDecrease, KindPurchase, KindAutoReplenish:
		return true
	}
	return false
}

// LedgerTransaction is an append-only record of one credit-affecting event.
type LedgerTransaction struct {
	ID                string           `json:"id"`
	AccountID         string           `json:"account_id"`
	ExternalChargeRef *string          `json:"external_charge_ref,omitempty"`
	Kind              TransactionKind  `json:"kind"`
	CreditsDelta      int64            `json:"credits_delta"`
	MonetaryAmount    *decimal.Decimal `json:"monetary_amount,omitempty"`
	BalanceAfter      int64            `json:"balance_after"`
	OccurredAt        time.Time        `json:"occurred_at"`
}

// NewTransaction builds a transaction with a fresh ID. credits is the
// unsigned magnitude of the change.
func NewTransaction(accountID string, kind TransactionKind, credits int64) *LedgerTransaction {
	return &LedgerTransaction{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Kind:         kind,
		CreditsDelta: credits,
		OccurredAt:   time.Now().UTC(),
	}
}

// WithChargeRef sets the idempotency key. Empty refs are ignored.
func (t *LedgerTransaction) WithChargeRef(ref string) *LedgerTransaction {
	if ref != "" {
		t.ExternalChargeRef = &ref
	}
	return t
}

// WithAmount sets the monetary amount paid for the credits.
func (t *LedgerTransaction) WithAmount(amount decimal.Decimal) *LedgerTransaction {
	t.MonetaryAmount = &amount
	return t
}

// SignedDelta returns the balance change this transaction represents.
func (t *LedgerTransaction) SignedDelta() int64 {
	if t.Kind.IsCredit() {
		return t.CreditsDelta
	}
	return -t.CreditsDelta
}

// ChargeRef returns the idempotency key or "". Safe on a nil receiver.
func (t *LedgerTransaction) ChargeRef() string {
	if t == nil || t.ExternalChargeRef == nil {
		return ""
	}
	return *t.ExternalChargeRef
}

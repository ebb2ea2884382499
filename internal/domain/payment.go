package domain

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Payment provider
// ============================================================

// Currency is the single currency the ledger bills in.
const Currency = "usd"

// Metadata keys attached to provider charges and sessions.
const (
	MetaAccountID = "account_id"
	MetaCredits   = "credits"
	MetaKind      = "kind"
)

// ChargeRequest asks the provider for an off-session charge.
type ChargeRequest struct {
	CustomerRef      string
	AmountMinorUnits int64
	Currency         string
	Description      string
	Metadata         map[string]string
	IdempotencyKey   string
}

// Charge is the provider's view of a charge.
type Charge struct {
	ID               string            `json:"id"`
	PaymentIntentRef string            `json:"payment_intent,omitempty"`
	CustomerRef      string            `json:"customer"`
	AmountMinorUnits int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Description      string            `json:"description,omitempty"`
	Status           string            `json:"status"`
	Paid             bool              `json:"paid"`
	Refunded         bool              `json:"refunded"`
	ReceiptURL       string            `json:"receipt_url,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Reference returns the idempotency key used to credit this charge. The
// payment intent is shared by a checkout session and the charge it
// produces, so both entry points converge on the same key.
func (c *Charge) Reference() string {
	if c.PaymentIntentRef != "" {
		return c.PaymentIntentRef
	}
	return c.ID
}

// LineItem is one priced row of a checkout session.
type LineItem struct {
	Name            string
	UnitAmountMinor int64
	Quantity        int64
}

// CheckoutRequest describes a hosted checkout session.
type CheckoutRequest struct {
	LineItems   []LineItem
	SuccessURL  string
	CancelURL   string
	CustomerRef string
	Metadata    map[string]string
}

// CheckoutSession is the provider's hosted payment page.
type CheckoutSession struct {
	ID               string            `json:"id"`
	RedirectURL      string            `json:"url"`
	Status           string            `json:"status"`
	PaymentStatus    string            `json:"payment_status"`
	PaymentIntentRef string            `json:"payment_intent,omitempty"`
	CustomerRef      string            `json:"customer,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Paid reports whether the session has been paid.
func (s *CheckoutSession) Paid() bool {
	return s.PaymentStatus == "paid"
}

// Reference returns the idempotency key used to credit this session.
func (s *CheckoutSession) Reference() string {
	if s.PaymentIntentRef != "" {
		return s.PaymentIntentRef
	}
	return s.ID
}

// Refund is a provider refund.
type Refund struct {
	ID        string `json:"id"`
	ChargeRef string `json:"charge"`
	Status    string `json:"status"`
}

// Event types handled by the webhook reconciler.
const EventChargeSucceeded = "charge.succeeded"

// ChargeEvent is a verified, parsed provider webhook event.
type ChargeEvent struct {
	ID     string
	Type   string
	Charge Charge
}

// Credits returns the credit quantity carried in the charge metadata.
func (e *ChargeEvent) Credits() (int64, error) {
	raw, ok := e.Charge.Metadata[MetaCredits]
	if !ok || raw == "" {
		return 0, &ErrValidation{Field: "metadata.credits", Message: "missing"}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, &ErrValidation{Field: "metadata.credits", Message: "must be a positive integer"}
	}
	return n, nil
}

// Kind returns the transaction kind recorded for this event.
func (e *ChargeEvent) Kind() TransactionKind {
	if k := TransactionKind(e.Charge.Metadata[MetaKind]); k.IsCredit() {
		return k
	}
	return KindPurchase
}

// ============================================================
// Ledger service results
// ============================================================

// CreditResult reports the outcome of a purchase credit.
type CreditResult struct {
	Account *Account `json:"account"`
	Applied bool     `json:"applied"` // false when the charge ref was already credited
}

// CheckoutResult is returned when a purchase is started.
type CheckoutResult struct {
	SessionID   string          `json:"session_id"`
	RedirectURL string          `json:"url"`
	Credits     int64           `json:"credits"`
	Cost        decimal.Decimal `json:"cost"`
}

// ReplenishOutcome classifies an auto-replenish attempt.
type ReplenishOutcome string

const (
	ReplenishSkipped   ReplenishOutcome = "skipped"
	ReplenishCompleted ReplenishOutcome = "completed"
	ReplenishFailed    ReplenishOutcome = "failed"
	ReplenishRefunded  ReplenishOutcome = "refunded"
)

// ReplenishResult reports an auto-replenish attempt.
type ReplenishResult struct {
	Outcome   ReplenishOutcome `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
	ChargeRef string           `json:"charge_ref,omitempty"`
	Balance   int64            `json:"balance"`
}

// DecreaseResult is returned by a user-initiated decrease.
type DecreaseResult struct {
	Balance   int64            `json:"newCredits"`
	Replenish *ReplenishResult `json:"replenish,omitempty"`
}

// SweepReport summarizes one scheduler sweep.
type SweepReport struct {
	Accounts    int `json:"accounts"`
	Replenished int `json:"replenished"`
	Failed      int `json:"failed"`
	LowBalance  int `json:"low_balance_notices"`
}

package port

import "context"

// BalancePusher delivers real-time balance updates. Updates for accounts
// without a live connection are dropped.
type BalancePusher interface {
	PushBalanceUpdate(ctx context.Context, accountID string, balance int64) error
}

// Mailer sends a single email.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

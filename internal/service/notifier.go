package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/infra/observability"
	"github.com/boddenberg/credit-ledger-go/internal/port"

	"go.uber.org/zap"
)

// Email subjects sent to account owners.
const (
	SubjectAutoReplenish = "Auto-Replenish Triggered"
	SubjectLowBalance    = "Low Credits Warning"
	SubjectPurchased     = "Credits Purchased Successfully"
	SubjectDecreased     = "Credits Decreased"
)

const notifyTimeout = 10 * time.Second

// Notifier sends balance pushes and emails in the background. Failures
// are logged and counted; they never reach the caller.
type Notifier struct {
	pusher  port.BalancePusher
	mailer  port.Mailer
	metrics *observability.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier. Either channel may be nil.
func NewNotifier(pusher port.BalancePusher, mailer port.Mailer, metrics *observability.Metrics, logger *zap.Logger) *Notifier {
	return &Notifier{pusher: pusher, mailer: mailer, metrics: metrics, logger: logger}
}

// Balance pushes the current balance of an account.
func (n *Notifier) Balance(accountID string, balance int64) {
	if n == nil || n.pusher == nil {
		return
	}
	n.dispatch("push", accountID, func(ctx context.Context) error {
		return n.pusher.PushBalanceUpdate(ctx, accountID, balance)
	})
}

// Email sends a plain-text email to the owner of accountID.
func (n *Notifier) Email(accountID, to, subject, body string) {
	if n == nil || n.mailer == nil || to == "" {
		return
	}
	n.dispatch("email", accountID, func(ctx context.Context) error {
		return n.mailer.SendEmail(ctx, to, subject, body)
	})
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *Notifier) dispatch(channel, accountID string, send func(context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := send(ctx); err != nil {
			failure := &domain.ErrNotificationFailure{Channel: channel, Err: err}
			n.metrics.IncrNotificationFailure(channel)
			n.logger.Warn("notification failed",
				zap.String("account_id", accountID),
				zap.Error(failure),
			)
		}
	}()
}

func lowBalanceBody(balance int64, threshold int64) string {
	return fmt.Sprintf("You have less than %d credits in your account. Your current balance is %d. Please consider purchasing more credits.", threshold, balance)
}

func purchasedBody(credits, balance int64) string {
	return fmt.Sprintf("You have successfully purchased %d credits. New balance: %d.", credits, balance)
}

func replenishedBody(credits, balance int64) string {
	return fmt.Sprintf("Your account has been auto-replenished with %d credits. New balance: %d.", credits, balance)
}

func decreasedBody(credits, balance int64) string {
	return fmt.Sprintf("%d credits have been deducted from your account. New balance: %d.", credits, balance)
}

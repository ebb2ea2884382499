package port

import (
	"context"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
)

// AccountStore persists accounts and their append-only ledger transactions.
// ApplyDelta is the single serialization point for balance mutation.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	FindByPaymentCustomerRef(ctx context.Context, customerRef string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)

	// ApplyDelta atomically checks req.Guard, applies req.Delta and appends
	// req.Transaction. A transaction whose charge ref already exists yields
	// *domain.ErrDuplicate and no mutation.
	ApplyDelta(ctx context.Context, req domain.DeltaRequest) (*domain.Account, error)

	// SetPaymentCustomerRef stores ref unless one is already set, and
	// returns the account as persisted.
	SetPaymentCustomerRef(ctx context.Context, accountID, ref string) (*domain.Account, error)
	UpdateReplenishConfig(ctx context.Context, accountID string, cfg domain.ReplenishConfig) (*domain.Account, error)
	TouchActivity(ctx context.Context, accountID string, at time.Time) error

	HasTransaction(ctx context.Context, externalChargeRef string) (bool, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.LedgerTransaction, error)

	Ping(ctx context.Context) error
}

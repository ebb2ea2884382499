package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("postgres")

const uniqueViolation = "23505"

const accountColumns = `id, email, balance, COALESCE(payment_customer_ref, ''),
	auto_replenish_enabled, auto_replenish_amount, auto_replenish_threshold,
	last_activity_at, created_at, updated_at`

// AccountStore is the PostgreSQL AccountStore.
type AccountStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewAccountStore creates a store backed by pool.
func NewAccountStore(pool *pgxpool.Pool, logger *zap.Logger) *AccountStore {
	return &AccountStore{pool: pool, logger: logger}
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.ID, &a.Email, &a.Balance, &a.PaymentCustomerRef,
		&a.AutoReplenish.Enabled, &a.AutoReplenish.Amount, &a.AutoReplenish.Threshold,
		&a.LastActivityAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *AccountStore) CreateAccount(ctx context.Context, a *domain.Account) error {
	ctx, span := tracer.Start(ctx, "AccountStore.CreateAccount")
	defer span.End()

	var customerRef *string
	if a.PaymentCustomerRef != "" {
		customerRef = &a.PaymentCustomerRef
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, email, balance, payment_customer_ref,
			auto_replenish_enabled, auto_replenish_amount, auto_replenish_threshold,
			last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		a.ID, a.Email, a.Balance, customerRef,
		a.AutoReplenish.Enabled, a.AutoReplenish.Amount, a.AutoReplenish.Threshold,
		a.LastActivityAt, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrDuplicate{Key: "account:" + a.ID}
		}
		return fmt.Errorf("insert account %s: %w", a.ID, err)
	}
	return nil
}

func (s *AccountStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	ctx, span := tracer.Start(ctx, "AccountStore.GetAccount")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrAccountNotFound{Key: "id", Value: accountID}
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return a, nil
}

func (s *AccountStore) FindByPaymentCustomerRef(ctx context.Context, customerRef string) (*domain.Account, error) {
	ctx, span := tracer.Start(ctx, "AccountStore.FindByPaymentCustomerRef")
	defer span.End()

	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE payment_customer_ref = $1`, customerRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrAccountNotFound{Key: "payment_customer_ref", Value: customerRef}
	}
	if err != nil {
		return nil, fmt.Errorf("find account by customer %s: %w", customerRef, err)
	}
	return a, nil
}

func (s *AccountStore) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	ctx, span := tracer.Start(ctx, "AccountStore.ListAccounts")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// ApplyDelta locks the account row, evaluates the guard, updates the
// balance and appends the ledger transaction in one database transaction.
func (s *AccountStore) ApplyDelta(ctx context.Context, req domain.DeltaRequest) (*domain.Account, error) {
	ctx, span := tracer.Start(ctx, "AccountStore.ApplyDelta")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", req.AccountID),
		attribute.Int64("delta", req.Delta),
		attribute.String("guard", req.Guard.String()),
	)

	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("postgres: rollback failed", zap.String("account_id", req.AccountID), zap.Error(rbErr))
		}
	}()

	ledgerTx := req.Transaction
	if ref := ledgerTx.ChargeRef(); ref != "" {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE external_charge_ref = $1)`, ref).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check charge ref %s: %w", ref, err)
		}
		if exists {
			return nil, &domain.ErrDuplicate{Key: ref}
		}
	}

	account, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, req.AccountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrAccountNotFound{Key: "id", Value: req.AccountID}
	}
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", req.AccountID, err)
	}

	if err := req.Check(account); err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $2, updated_at = now()
		WHERE id = $1
		RETURNING balance, updated_at`,
		req.AccountID, req.Delta,
	).Scan(&account.Balance, &account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update balance %s: %w", req.AccountID, err)
	}

	if ledgerTx != nil {
		var amount *string
		if ledgerTx.MonetaryAmount != nil {
			v := ledgerTx.MonetaryAmount.String()
			amount = &v
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_transactions (id, account_id, external_charge_ref, kind,
				credits_delta, monetary_amount, balance_after, occurred_at)
			VALUES ($1::text::uuid, $2, $3, $4, $5, $6::text::numeric, $7, $8)`,
			ledgerTx.ID, req.AccountID, ledgerTx.ExternalChargeRef, string(ledgerTx.Kind),
			ledgerTx.CreditsDelta, amount, account.Balance, ledgerTx.OccurredAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &domain.ErrDuplicate{Key: ledgerTx.ChargeRef()}
			}
			return nil, fmt.Errorf("insert ledger transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit balance update: %w", err)
	}
	return account, nil
}

func (s *AccountStore) SetPaymentCustomerRef(ctx context.Context, accountID, ref string) (*domain.Account, error) {
	ctx, span := tracer.Start(ctx, "AccountStore.SetPaymentCustomerRef")
	defer span.End()

	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET payment_customer_ref = $2, updated_at = now()
		WHERE id = $1 AND payment_customer_ref IS NULL`,
		accountID, ref,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &domain.ErrDuplicate{Key: "payment_customer_ref:" + ref}
		}
		return nil, fmt.Errorf("set payment customer ref %s: %w", accountID, err)
	}
	return s.GetAccount(ctx, accountID)
}

func (s *AccountStore) UpdateReplenishConfig(ctx context.Context, accountID string, cfg domain.ReplenishConfig) (*domain.Account, error) {
	ctx, span := tracer.Start(ctx, "AccountStore.UpdateReplenishConfig")
	defer span.End()

	a, err := scanAccount(s.pool.QueryRow(ctx, `
		UPDATE accounts SET auto_replenish_enabled = $2, auto_replenish_amount = $3,
			auto_replenish_threshold = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+accountColumns,
		accountID, cfg.Enabled, cfg.Amount, cfg.Threshold,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrAccountNotFound{Key: "id", Value: accountID}
	}
	if err != nil {
		return nil, fmt.Errorf("update replenish config %s: %w", accountID, err)
	}
	return a, nil
}

func (s *AccountStore) TouchActivity(ctx context.Context, accountID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET last_activity_at = $2 WHERE id = $1`, accountID, at)
	if err != nil {
		return fmt.Errorf("touch activity %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrAccountNotFound{Key: "id", Value: accountID}
	}
	return nil
}

func (s *AccountStore) HasTransaction(ctx context.Context, externalChargeRef string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE external_charge_ref = $1)`,
		externalChargeRef,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check charge ref %s: %w", externalChargeRef, err)
	}
	return exists, nil
}

func (s *AccountStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.LedgerTransaction, error) {
	ctx, span := tracer.Start(ctx, "AccountStore.ListTransactions")
	defer span.End()

	if limit <= 0 || limit > 500 {
		limit = 500
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, account_id, external_charge_ref, kind, credits_delta,
			monetary_amount::text, balance_after, occurred_at
		FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY occurred_at DESC, id
		LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []domain.LedgerTransaction
	for rows.Next() {
		var (
			t      domain.LedgerTransaction
			kind   string
			amount *string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.ExternalChargeRef, &kind, &t.CreditsDelta,
			&amount, &t.BalanceAfter, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = domain.TransactionKind(kind)
		if !t.Kind.Valid() {
			return nil, fmt.Errorf("transaction %s: unknown kind %q", t.ID, kind)
		}
		if amount != nil {
			d, err := decimal.NewFromString(*amount)
			if err != nil {
				return nil, fmt.Errorf("parse monetary amount %q: %w", *amount, err)
			}
			t.MonetaryAmount = &d
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *AccountStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

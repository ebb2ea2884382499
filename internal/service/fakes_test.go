package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/infra/cache"
	"github.com/boddenberg/credit-ledger-go/internal/infra/lock"
	"github.com/boddenberg/credit-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/credit-ledger-go/internal/infra/observability"
	"github.com/boddenberg/credit-ledger-go/internal/port"
	"github.com/boddenberg/credit-ledger-go/internal/service"

	"go.uber.org/zap"
)

// --- Fake payment gateway ---

type fakeGateway struct {
	mu sync.Mutex

	customersCreated int
	customerErr      error
	charges          []domain.ChargeRequest
	chargeErr        error
	beforeCharge     func() // runs inside CreateCharge, before it returns
	refunds          []string
	refundErr        error
	sessions         map[string]*domain.CheckoutSession
	checkouts        []domain.CheckoutRequest
	listed           []domain.Charge
	listCalls        int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sessions: make(map[string]*domain.CheckoutSession)}
}

func (f *fakeGateway) CreateCustomer(_ context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.customerErr != nil {
		return "", f.customerErr
	}
	f.customersCreated++
	return fmt.Sprintf("cus_%d", f.customersCreated), nil
}

func (f *fakeGateway) CreateCharge(_ context.Context, req domain.ChargeRequest) (*domain.Charge, error) {
	if f.beforeCharge != nil {
		f.beforeCharge()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	f.charges = append(f.charges, req)
	return &domain.Charge{
		ID:               fmt.Sprintf("ch_%d", len(f.charges)),
		CustomerRef:      req.CustomerRef,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		Paid:             true,
		Status:           "succeeded",
		Metadata:         req.Metadata,
	}, nil
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, req domain.CheckoutRequest) (*domain.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, req)
	id := fmt.Sprintf("cs_%d", len(f.checkouts))
	s := &domain.CheckoutSession{
		ID:            id,
		RedirectURL:   "https://pay.example/" + id,
		Status:        "open",
		PaymentStatus: "unpaid",
		CustomerRef:   req.CustomerRef,
		Metadata:      req.Metadata,
	}
	f.sessions[id] = s
	return s, nil
}

func (f *fakeGateway) RetrieveSession(_ context.Context, id string) (*domain.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, &domain.ErrPaymentProvider{Op: "RetrieveSession", StatusCode: 404, Err: errors.New("no such session")}
	}
	cp := *s
	return &cp, nil
}

// pay marks a session as paid under paymentIntent.
func (f *fakeGateway) pay(id, paymentIntent string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].PaymentStatus = "paid"
	f.sessions[id].Status = "complete"
	f.sessions[id].PaymentIntentRef = paymentIntent
}

func (f *fakeGateway) RefundCharge(_ context.Context, chargeRef string) (*domain.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	f.refunds = append(f.refunds, chargeRef)
	return &domain.Refund{ID: "re_" + chargeRef, ChargeRef: chargeRef, Status: "succeeded"}, nil
}

func (f *fakeGateway) ListCharges(_ context.Context, _ string) ([]domain.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.listed, nil
}

const validSignature = "valid"

// VerifyWebhookSignature accepts the literal header "valid" and decodes the
// payload as a domain.ChargeEvent.
func (f *fakeGateway) VerifyWebhookSignature(payload []byte, header string) (*domain.ChargeEvent, error) {
	if header != validSignature {
		return nil, &domain.ErrInvalidSignature{Reason: "signature mismatch"}
	}
	var ev domain.ChargeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, &domain.ErrValidation{Field: "body", Message: "malformed"}
	}
	return &ev, nil
}

func (f *fakeGateway) chargeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.charges)
}

// --- Fake notification channels ---

type sentEmail struct {
	To, Subject, Body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (m *fakeMailer) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentEmail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *fakeMailer) count(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.sent {
		if e.Subject == subject {
			n++
		}
	}
	return n
}

type fakePusher struct {
	mu      sync.Mutex
	updates map[string][]int64
}

func (p *fakePusher) PushBalanceUpdate(_ context.Context, accountID string, balance int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updates == nil {
		p.updates = make(map[string][]int64)
	}
	p.updates[accountID] = append(p.updates[accountID], balance)
	return nil
}

func (p *fakePusher) last(accountID string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.updates[accountID]
	if len(u) == 0 {
		return 0, false
	}
	return u[len(u)-1], true
}

// --- Blocking lock ---

// blockingLock makes Acquire wait for the current holder instead of
// failing fast. entered receives once per Acquire call, before blocking.
type blockingLock struct {
	mu      sync.Mutex
	entered chan struct{}
}

func newBlockingLock() *blockingLock {
	return &blockingLock{entered: make(chan struct{}, 8)}
}

func (l *blockingLock) Acquire(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	l.entered <- struct{}{}
	l.mu.Lock()
	return true, nil
}

func (l *blockingLock) Release(_ context.Context, _, _ string) error {
	l.mu.Unlock()
	return nil
}

// --- Fixture ---

type fixture struct {
	store    *memstore.Store
	gateway  *fakeGateway
	mailer   *fakeMailer
	pusher   *fakePusher
	notifier *service.Notifier
	metrics  *observability.Metrics
	ledger   *service.LedgerService
	webhooks *service.WebhookReconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLock(t, lock.NewMemory())
}

func newFixtureWithLock(t *testing.T, replenishLock port.ReplenishLock) *fixture {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()

	f := &fixture{
		store:   memstore.New(),
		gateway: newFakeGateway(),
		mailer:  &fakeMailer{},
		pusher:  &fakePusher{},
		metrics: metrics,
	}
	billing := cache.New[[]domain.Charge](time.Minute)
	t.Cleanup(billing.Close)

	f.notifier = service.NewNotifier(f.pusher, f.mailer, metrics, logger)
	f.ledger = service.NewLedgerService(f.store, f.gateway, replenishLock, billing, f.notifier,
		service.LedgerConfig{
			SuccessURL: "https://app.example/success",
			CancelURL:  "https://app.example/cancel",
		}, metrics, logger)
	f.webhooks = service.NewWebhookReconciler(f.gateway, f.store, f.ledger, metrics, logger)
	return f
}

func (f *fixture) seed(t *testing.T, id string, balance int64, replenish domain.ReplenishConfig) {
	t.Helper()
	a := domain.NewAccount(id, id+"@example.com")
	a.Balance = balance
	a.AutoReplenish = replenish
	if err := f.store.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return a.Balance
}

func chargeEventPayload(t *testing.T, ev domain.ChargeEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}

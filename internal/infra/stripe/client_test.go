package stripe_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/infra/observability"
	"github.com/boddenberg/credit-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/credit-ledger-go/internal/infra/stripe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc, retries int) *stripe.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	logger := zap.NewNop()
	cfg := resilience.Config{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxConcurrency: 4}
	cb := resilience.NewCircuitBreaker("test-payments", stripe.IsClientError, logger)
	return stripe.NewClient(stripe.Options{
		BaseURL:       srv.URL,
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
		Timeout:       time.Second,
	}, cb, cfg, observability.NewMetrics(), logger)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreateCustomer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/customers", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "a@example.com", r.PostForm.Get("email"))
		writeJSON(w, http.StatusOK, map[string]string{"id": "cus_1"})
	}, 0)

	id, err := c.CreateCustomer(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", id)
}

func TestCreateCharge(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/charges", r.URL.Path)
		assert.Equal(t, "attempt-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "900", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "cus_1", r.PostForm.Get("customer"))
		assert.Equal(t, "10000", r.PostForm.Get("metadata[credits]"))
		writeJSON(w, http.StatusOK, map[string]any{
			"id":             "ch_1",
			"payment_intent": "pi_1",
			"customer":       "cus_1",
			"amount":         900,
			"currency":       "usd",
			"status":         "succeeded",
			"paid":           true,
			"metadata":       map[string]string{"credits": "10000"},
			"created":        1700000000,
		})
	}, 0)

	ch, err := c.CreateCharge(context.Background(), domain.ChargeRequest{
		CustomerRef:      "cus_1",
		AmountMinorUnits: 900,
		Metadata:         map[string]string{domain.MetaCredits: "10000"},
		IdempotencyKey:   "attempt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", ch.Reference())
	assert.True(t, ch.Paid)
	assert.Equal(t, int64(900), ch.AmountMinorUnits)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ch.CreatedAt)
}

func TestCreateCharge_DeclinedIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": map[string]string{"type": "card_error", "code": "card_declined", "message": "Your card was declined."},
		})
	}, 3)

	_, err := c.CreateCharge(context.Background(), domain.ChargeRequest{CustomerRef: "cus_1", AmountMinorUnits: 50})

	var pe *domain.ErrPaymentProvider
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusPaymentRequired, pe.StatusCode)
	assert.Equal(t, "card_declined", pe.Code)
	assert.False(t, pe.Transient())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreateCharge_ServerErrorIsRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": map[string]string{"message": "upstream"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "ch_2", "paid": true})
	}, 3)

	ch, err := c.CreateCharge(context.Background(), domain.ChargeRequest{CustomerRef: "cus_1", AmountMinorUnits: 50})
	require.NoError(t, err)
	assert.Equal(t, "ch_2", ch.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCircuitOpens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 0)

	for i := 0; i < 5; i++ {
		_, err := c.CreateCustomer(context.Background(), "a@example.com")
		var pe *domain.ErrPaymentProvider
		require.ErrorAs(t, err, &pe)
	}

	_, err := c.CreateCustomer(context.Background(), "a@example.com")
	var open *domain.ErrCircuitOpen
	assert.ErrorAs(t, err, &open)
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]string{"id": "cus_slow"})
	}))
	t.Cleanup(srv.Close)

	logger := zap.NewNop()
	c := stripe.NewClient(stripe.Options{BaseURL: srv.URL, SecretKey: "sk", Timeout: 20 * time.Millisecond},
		resilience.NewCircuitBreaker("slow", stripe.IsClientError, logger),
		resilience.Config{MaxConcurrency: 1},
		observability.NewMetrics(), logger)

	_, err := c.CreateCustomer(context.Background(), "a@example.com")
	var timeout *domain.ErrTimeout
	assert.ErrorAs(t, err, &timeout)
}

func TestCheckoutSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "payment", r.PostForm.Get("mode"))
			assert.Equal(t, "900", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
			assert.Equal(t, "1", r.PostForm.Get("line_items[0][quantity]"))
			assert.Equal(t, "10000", r.PostForm.Get("metadata[credits]"))
			assert.Equal(t, "10000", r.PostForm.Get("payment_intent_data[metadata][credits]"))
			writeJSON(w, http.StatusOK, map[string]any{
				"id": "cs_1", "url": "https://pay.example/cs_1", "status": "open", "payment_status": "unpaid",
			})
		case http.MethodGet:
			assert.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
			writeJSON(w, http.StatusOK, map[string]any{
				"id": "cs_1", "status": "complete", "payment_status": "paid", "payment_intent": "pi_9",
				"metadata": map[string]string{"credits": "10000", "account_id": "acc-1"},
			})
		}
	}, 0)

	sess, err := c.CreateCheckoutSession(context.Background(), domain.CheckoutRequest{
		LineItems:  []domain.LineItem{{Name: "10000 credits", UnitAmountMinor: 900, Quantity: 1}},
		SuccessURL: "https://app/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  "https://app/cancel",
		Metadata:   map[string]string{domain.MetaCredits: "10000"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/cs_1", sess.RedirectURL)
	assert.False(t, sess.Paid())

	got, err := c.RetrieveSession(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.True(t, got.Paid())
	assert.Equal(t, "pi_9", got.Reference())
}

func TestRefundCharge(t *testing.T) {
	var refunded int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/charges/ch_paid":
			writeJSON(w, http.StatusOK, map[string]any{"id": "ch_paid", "paid": true})
		case "/v1/charges/ch_done":
			writeJSON(w, http.StatusOK, map[string]any{"id": "ch_done", "paid": true, "refunded": true})
		case "/v1/charges/ch_pending":
			writeJSON(w, http.StatusOK, map[string]any{"id": "ch_pending", "paid": false})
		case "/v1/refunds":
			atomic.AddInt32(&refunded, 1)
			require.NoError(t, r.ParseForm())
			writeJSON(w, http.StatusOK, map[string]any{"id": "re_1", "charge": r.PostForm.Get("charge"), "status": "succeeded"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, 0)

	ref, err := c.RefundCharge(context.Background(), "ch_paid")
	require.NoError(t, err)
	assert.Equal(t, "ch_paid", ref.ChargeRef)

	again, err := c.RefundCharge(context.Background(), "ch_done")
	require.NoError(t, err)
	assert.Equal(t, "ch_done", again.ChargeRef)

	_, err = c.RefundCharge(context.Background(), "ch_pending")
	var notPaid *domain.ErrChargeNotPaid
	assert.ErrorAs(t, err, &notPaid)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refunded))
}

func TestListCharges(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cus_1", r.URL.Query().Get("customer"))
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": "ch_a", "amount": 900, "paid": true},
				{"id": "ch_b", "amount": 50, "paid": true},
			},
		})
	}, 0)

	charges, err := c.ListCharges(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, charges, 2)
	assert.Equal(t, "ch_a", charges[0].ID)
}

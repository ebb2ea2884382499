package stripe

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"

	"github.com/go-resty/resty/v2"
)

// chargeObject is the wire shape of a Stripe charge.
type chargeObject struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	Customer      string            `json:"customer"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Description   string            `json:"description"`
	Status        string            `json:"status"`
	Paid          bool              `json:"paid"`
	Refunded      bool              `json:"refunded"`
	ReceiptURL    string            `json:"receipt_url"`
	Metadata      map[string]string `json:"metadata"`
	Created       int64             `json:"created"`
}

func (o *chargeObject) toDomain() domain.Charge {
	return domain.Charge{
		ID:               o.ID,
		PaymentIntentRef: o.PaymentIntent,
		CustomerRef:      o.Customer,
		AmountMinorUnits: o.Amount,
		Currency:         o.Currency,
		Description:      o.Description,
		Status:           o.Status,
		Paid:             o.Paid,
		Refunded:         o.Refunded,
		ReceiptURL:       o.ReceiptURL,
		Metadata:         o.Metadata,
		CreatedAt:        time.Unix(o.Created, 0).UTC(),
	}
}

// CreateCustomer registers a payment customer for email.
func (c *Client) CreateCustomer(ctx context.Context, email string) (string, error) {
	form := url.Values{}
	form.Set("email", email)

	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, "CreateCustomer", resty.MethodPost, "/v1/customers", form, "", &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// CreateCharge charges the customer's default payment method.
func (c *Client) CreateCharge(ctx context.Context, req domain.ChargeRequest) (*domain.Charge, error) {
	currency := req.Currency
	if currency == "" {
		currency = domain.Currency
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountMinorUnits, 10))
	form.Set("currency", currency)
	form.Set("customer", req.CustomerRef)
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	setMetadata(form, "metadata", req.Metadata)

	var out chargeObject
	if err := c.call(ctx, "CreateCharge", resty.MethodPost, "/v1/charges", form, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	ch := out.toDomain()
	return &ch, nil
}

// CreateCheckoutSession opens a hosted payment page. Metadata is copied
// onto the payment intent so the resulting charge carries it too.
func (c *Client) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutSession, error) {
	form := url.Values{}
	form.Set("payment_method_types[0]", "card")
	form.Set("mode", "payment")
	for i, item := range req.LineItems {
		p := "line_items[" + strconv.Itoa(i) + "]"
		form.Set(p+"[price_data][currency]", domain.Currency)
		form.Set(p+"[price_data][product_data][name]", item.Name)
		form.Set(p+"[price_data][unit_amount]", strconv.FormatInt(item.UnitAmountMinor, 10))
		form.Set(p+"[quantity]", strconv.FormatInt(item.Quantity, 10))
	}
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	if req.CustomerRef != "" {
		form.Set("customer", req.CustomerRef)
	}
	setMetadata(form, "metadata", req.Metadata)
	setMetadata(form, "payment_intent_data[metadata]", req.Metadata)

	var out domain.CheckoutSession
	if err := c.call(ctx, "CreateCheckoutSession", resty.MethodPost, "/v1/checkout/sessions", form, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RetrieveSession fetches a checkout session by ID.
func (c *Client) RetrieveSession(ctx context.Context, sessionID string) (*domain.CheckoutSession, error) {
	var out domain.CheckoutSession
	path := "/v1/checkout/sessions/" + url.PathEscape(sessionID)
	if err := c.call(ctx, "RetrieveSession", resty.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefundCharge refunds a paid charge in full. Already refunded charges
// are reported as refunded without a second request.
func (c *Client) RefundCharge(ctx context.Context, chargeRef string) (*domain.Refund, error) {
	var ch chargeObject
	path := "/v1/charges/" + url.PathEscape(chargeRef)
	if err := c.call(ctx, "RetrieveCharge", resty.MethodGet, path, nil, "", &ch); err != nil {
		return nil, err
	}
	if !ch.Paid {
		return nil, &domain.ErrChargeNotPaid{ChargeRef: chargeRef}
	}
	if ch.Refunded {
		return &domain.Refund{ChargeRef: ch.ID, Status: "succeeded"}, nil
	}

	form := url.Values{}
	form.Set("charge", ch.ID)

	var out domain.Refund
	if err := c.call(ctx, "RefundCharge", resty.MethodPost, "/v1/refunds", form, "refund-"+ch.ID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCharges returns the most recent charges of a customer.
func (c *Client) ListCharges(ctx context.Context, customerRef string) ([]domain.Charge, error) {
	params := url.Values{}
	params.Set("customer", customerRef)
	params.Set("limit", "100")

	var out struct {
		Data []chargeObject `json:"data"`
	}
	if err := c.call(ctx, "ListCharges", resty.MethodGet, "/v1/charges", params, "", &out); err != nil {
		return nil, err
	}

	charges := make([]domain.Charge, 0, len(out.Data))
	for i := range out.Data {
		charges = append(charges, out.Data[i].toDomain())
	}
	return charges, nil
}

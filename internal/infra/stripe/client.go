// Package stripe implements port.PaymentGateway against the Stripe REST
// API. Every call runs inside a bulkhead, a circuit breaker and a retry
// loop; 4xx responses other than 429 are never retried.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/infra/observability"
	"github.com/boddenberg/credit-ledger-go/internal/infra/resilience"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("stripe")

// ServiceName labels breaker, metrics and errors for this adapter.
const ServiceName = "payments"

// DefaultWebhookTolerance bounds the age of a signed webhook.
const DefaultWebhookTolerance = 5 * time.Minute

// Options configures the client.
type Options struct {
	BaseURL          string
	SecretKey        string
	WebhookSecret    string
	Timeout          time.Duration
	WebhookTolerance time.Duration
}

// Client talks to the payment provider.
type Client struct {
	http          *resty.Client
	webhookSecret string
	tolerance     time.Duration
	cb            *gobreaker.CircuitBreaker
	cfg           resilience.Config
	bulkhead      *resilience.Bulkhead
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// NewClient creates a Client. cb should be built with IsClientError as its
// success predicate so declined cards do not trip the breaker.
func NewClient(opts Options, cb *gobreaker.CircuitBreaker, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.stripe.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.WebhookTolerance <= 0 {
		opts.WebhookTolerance = DefaultWebhookTolerance
	}

	rc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetAuthToken(opts.SecretKey).
		SetHeader("Accept", "application/json")

	return &Client{
		http:          rc,
		webhookSecret: opts.WebhookSecret,
		tolerance:     opts.WebhookTolerance,
		cb:            cb,
		cfg:           cfg,
		bulkhead:      resilience.NewBulkhead(cfg.MaxConcurrency),
		metrics:       metrics,
		logger:        logger,
	}
}

// IsClientError reports whether err is a non-retryable rejection from the
// provider. Such errors count as breaker successes.
func IsClientError(err error) bool {
	var pe *domain.ErrPaymentProvider
	return errors.As(err, &pe) && !pe.Transient()
}

type apiErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs one provider request. params are sent as the form body
// for writes and as the query string for reads.
func (c *Client) call(ctx context.Context, op, method, path string, params url.Values, idempotencyKey string, out any) error {
	ctx, span := tracer.Start(ctx, "Stripe."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("stripe.path", path),
	)

	start := time.Now()
	defer func() { c.metrics.RecordRequestDuration("stripe."+op, time.Since(start)) }()

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return &domain.ErrTimeout{Operation: "stripe." + op}
	}
	defer c.bulkhead.Release()

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			req := c.http.R().SetContext(ctx)
			if method == resty.MethodGet {
				req.SetQueryParamsFromValues(params)
			} else if params != nil {
				req.SetFormDataFromValues(params)
			}
			if idempotencyKey != "" {
				req.SetHeader("Idempotency-Key", idempotencyKey)
			}

			resp, err := req.Execute(method, path)
			if err != nil {
				return &domain.ErrPaymentProvider{Op: op, Err: err}
			}
			if resp.IsError() {
				var body apiErrorBody
				_ = json.Unmarshal(resp.Body(), &body)
				msg := body.Error.Message
				if msg == "" {
					msg = resp.Status()
				}
				pe := &domain.ErrPaymentProvider{
					Op:         op,
					StatusCode: resp.StatusCode(),
					Code:       body.Error.Code,
					Err:        errors.New(msg),
				}
				if !pe.Transient() {
					return resilience.Permanent(pe)
				}
				return pe
			}
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return resilience.Permanent(&domain.ErrPaymentProvider{
					Op: op, StatusCode: resp.StatusCode(), Err: fmt.Errorf("decode response: %w", err),
				})
			}
			return nil
		})
	})
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	err = c.classify(op, err)

	if !IsClientError(err) {
		c.metrics.IncrExternalError(ServiceName)
	}
	c.logger.Warn("payment provider call failed",
		zap.String("op", op),
		zap.Error(err),
	)
	return err
}

func (c *Client) classify(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: ServiceName}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ErrTimeout{Operation: "stripe." + op}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &domain.ErrTimeout{Operation: "stripe." + op}
	}
	var pe *domain.ErrPaymentProvider
	if errors.As(err, &pe) {
		return pe
	}
	return &domain.ErrPaymentProvider{Op: op, Err: err}
}

func setMetadata(form url.Values, prefix string, md map[string]string) {
	for k, v := range md {
		form.Set(fmt.Sprintf("%s[%s]", prefix, k), v)
	}
}

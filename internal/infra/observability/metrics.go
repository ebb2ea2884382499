package observability

import (
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration      *prometheus.HistogramVec
	externalErrors       *prometheus.CounterVec
	ledgerCredits        *prometheus.CounterVec
	replenishOutcomes    *prometheus.CounterVec
	webhookOutcomes      *prometheus.CounterVec
	notificationFailures *prometheus.CounterVec
	cacheHits            *prometheus.CounterVec
	cacheMisses          *prometheus.CounterVec
	sweepDuration        prometheus.Histogram
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of ledger operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		ledgerCredits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_credits_total",
				Help: "Credits moved through the ledger, by transaction kind.",
			},
			[]string{"kind"},
		),
		replenishOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_replenish_attempts_total",
				Help: "Auto-replenish attempts by outcome.",
			},
			[]string{"outcome"},
		),
		webhookOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_webhook_events_total",
				Help: "Payment webhook events by outcome.",
			},
			[]string{"outcome"},
		),
		notificationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_notification_failures_total",
				Help: "Failed push or email notifications.",
			},
			[]string{"channel"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_replenish_sweep_duration_seconds",
				Help:    "Duration of replenishment sweeps.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// AddCredits records credits moved by a ledger transaction.
func (m *Metrics) AddCredits(kind domain.TransactionKind, credits int64) {
	m.ledgerCredits.WithLabelValues(string(kind)).Add(float64(credits))
}

// IncrReplenish counts an auto-replenish outcome.
func (m *Metrics) IncrReplenish(outcome domain.ReplenishOutcome) {
	m.replenishOutcomes.WithLabelValues(string(outcome)).Inc()
}

// IncrWebhook counts a webhook outcome (credited, duplicate, ignored, rejected, error).
func (m *Metrics) IncrWebhook(outcome string) {
	m.webhookOutcomes.WithLabelValues(outcome).Inc()
}

// IncrNotificationFailure counts a failed notification.
func (m *Metrics) IncrNotificationFailure(channel string) {
	m.notificationFailures.WithLabelValues(channel).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// ObserveSweep records the duration of a replenishment sweep.
func (m *Metrics) ObserveSweep(d time.Duration) {
	m.sweepDuration.Observe(d.Seconds())
}

// GetLedgerSnapshot returns a snapshot of ledger counters suitable for the
// GET /v1/metrics/ledger endpoint.
func (m *Metrics) GetLedgerSnapshot() *domain.LedgerMetrics {
	debited := getCounterValue(m.ledgerCredits, string(domain.KindUsageDebit)) +
		getCounterValue(m.ledgerCredits, string(domain.KindManualDecrease))
	credited := getCounterValue(m.ledgerCredits, string(domain.KindPurchase)) +
		getCounterValue(m.ledgerCredits, string(domain.KindAutoReplenish))

	completed := getCounterValue(m.replenishOutcomes, string(domain.ReplenishCompleted))
	failed := getCounterValue(m.replenishOutcomes, string(domain.ReplenishFailed))
	hits := getCounterValue(m.cacheHits, "billing")
	misses := getCounterValue(m.cacheMisses, "billing")

	successRate := float64(0)
	if completed+failed > 0 {
		successRate = completed / (completed + failed)
	}
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &domain.LedgerMetrics{
		CreditsDebited:       debited,
		CreditsCredited:      credited,
		ReplenishCompleted:   completed,
		ReplenishFailed:      failed,
		ReplenishSkipped:     getCounterValue(m.replenishOutcomes, string(domain.ReplenishSkipped)),
		ReplenishSuccessRate: successRate,
		WebhooksCredited:     getCounterValue(m.webhookOutcomes, "credited"),
		WebhooksDuplicate:    getCounterValue(m.webhookOutcomes, "duplicate"),
		WebhooksRejected:     getCounterValue(m.webhookOutcomes, "rejected"),
		NotificationFailures: getCounterValue(m.notificationFailures, "email") + getCounterValue(m.notificationFailures, "push"),
		BillingCacheHitRate:  hitRate,
		Period:               "since_start",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

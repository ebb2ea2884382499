package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
	Error       string `json:"error,omitempty"`
}

// LedgerMetrics is returned by GET /v1/metrics/ledger.
type LedgerMetrics struct {
	CreditsDebited       float64 `json:"creditsDebited"`
	CreditsCredited      float64 `json:"creditsCredited"`
	ReplenishCompleted   float64 `json:"replenishCompleted"`
	ReplenishFailed      float64 `json:"replenishFailed"`
	ReplenishSkipped     float64 `json:"replenishSkipped"`
	ReplenishSuccessRate float64 `json:"replenishSuccessRate"`
	WebhooksCredited     float64 `json:"webhooksCredited"`
	WebhooksDuplicate    float64 `json:"webhooksDuplicate"`
	WebhooksRejected     float64 `json:"webhooksRejected"`
	NotificationFailures float64 `json:"notificationFailures"`
	BillingCacheHitRate  float64 `json:"billingCacheHitRate"`
	Period               string  `json:"period"`
}

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

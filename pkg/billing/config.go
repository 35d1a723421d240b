package billing

import (
	"net/http"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// Config defines the standard configuration all providers accept
type Config struct {
	// Manager is the creditmeter Manager that receives subscription updates
	Manager *creditmeter.Manager

	// TierMapping maps provider price/product IDs to subscription tiers.
	// For example: map[string]creditmeter.Tier{"price_basic_monthly": creditmeter.TierBasic}
	TierMapping map[string]creditmeter.Tier

	// WebhookSecret is used to verify incoming webhook requests
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is an optional structured logger. If nil, logging is a no-op.
	Logger creditmeter.Logger

	// Metrics is an optional metrics collector for billing operations.
	// If nil, metrics are silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus.
	Metrics Metrics

	// WebhookCallback, if set, is invoked after a webhook event has been
	// applied to an account. Callbacks run synchronously on the webhook
	// handler goroutine and must not block.
	WebhookCallback func(*WebhookEvent)
}

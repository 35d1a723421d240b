package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// eventType: the provider event type (e.g., "customer.subscription.updated")
	// status: "success", "error", or "dropped"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took to process.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: "auth_failed", "invalid_payload", "processing_error", etc.
	RecordWebhookError(provider, errorType string)

	// RecordAccountSync records an account synchronization operation.
	// status: "success" or "error"
	RecordAccountSync(provider, status string)

	// RecordAccountSyncDuration records how long an account sync took.
	RecordAccountSyncDuration(provider string, duration time.Duration)

	// RecordTierChange records when an account's tier changes via billing.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordAPICall records an outbound API call to the billing provider.
	// endpoint: the API endpoint called (e.g., "/subscriptions")
	// status: HTTP status or outcome label (e.g., "200", "error")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordAccountSync(_, _ string)                                {}
func (n *NoopMetrics) RecordAccountSyncDuration(_ string, _ time.Duration)          {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}

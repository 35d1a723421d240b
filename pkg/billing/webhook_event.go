package billing

import "time"

// WebhookEvent describes a webhook that was applied to an account. It is
// emitted after the Manager update succeeds, for audit logging or
// application-side side effects.
type WebhookEvent struct {
	// AccountID is the internal account identifier
	AccountID string

	// PreviousTier is the tier before the webhook update (empty for new accounts)
	PreviousTier string

	// NewTier is the tier after the webhook update
	NewTier string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type, e.g.
	// "customer.subscription.updated" or "invoice.payment_succeeded"
	EventType string

	// EventTimestamp is when the event occurred (from the provider)
	EventTimestamp time.Time

	// PeriodEnd is the end of the billing period carried by the event,
	// if the event included one
	PeriodEnd *time.Time
}

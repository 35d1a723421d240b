// Package billing connects a creditmeter.Manager to an external billing
// provider: webhook-driven reconciliation of subscription state, checkout
// flows, and on-demand account sync.
package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// Provider is the generic interface a billing backend must implement.
// The webhook handler is the authoritative write path: subscription tier,
// status, and billing period all flow from provider events into the Manager.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles signature verification, parsing, and Manager
	// updates internally.
	WebhookHandler() http.Handler

	// SyncAccount forces a synchronization of the account's subscription state
	// from the provider to the Manager. Used for support tooling and
	// reconciliation jobs when a webhook was missed.
	// Returns the detected tier and any error.
	SyncAccount(ctx context.Context, accountID string) (creditmeter.Tier, error)
}

package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/creditmeter/pkg/billing"
	"github.com/mihaimyh/creditmeter/pkg/billing/internal"
	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// handleWebhook processes incoming Stripe webhook events.
//
// Responses follow the reconciler contract: requests that fail signature
// verification get 400 so Stripe retries nothing, while events that verify
// but fail to apply still get 200. Stripe disables endpoints with persistent
// non-2xx responses, so a single malformed event must never poison the queue;
// failures are surfaced through logs and metrics instead.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, 256*1024)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := p.verifyEvent(body, sig)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		p.logger.Error("webhook event failed to apply",
			creditmeter.Field{Key: "event_type", Value: eventType},
			creditmeter.Field{Key: "event_id", Value: event.ID},
			creditmeter.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
	} else {
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	}
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// verifyEvent authenticates a raw webhook delivery. Authenticity failure is
// the one fatal webhook error: it rejects the request before any handler
// runs.
func (p *Provider) verifyEvent(body []byte, sig string) (stripe.Event, error) {
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return event, nil
}

func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created":
		return p.handleSubscriptionCreated(ctx, event)
	case "customer.subscription.updated":
		return p.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event)
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event)
	default:
		// Unknown event type - ignore silently
		return nil
	}
}

// handleSubscriptionCreated links the subscription to an account and applies
// the tier it carries. Provisioning usually happens in checkout.session.completed
// first; the refresh guard in the Manager keeps this event from granting a
// second credit refresh for the same change.
func (p *Provider) handleSubscriptionCreated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	acc, err := p.resolveAccountForSubscription(ctx, &sub)
	if err != nil {
		return p.dropUnlinked(event, err)
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	if _, err := p.manager.SetBillingRefs(ctx, acc.ID, customerID, sub.ID); err != nil {
		return err
	}

	tier := p.tierFromSubscription(&sub)
	status := statusFromSubscription(&sub)

	previousTier := string(acc.Tier)
	if _, err := p.manager.SetTier(ctx, acc.ID, tier, false, status); err != nil {
		return err
	}
	if previousTier != string(tier) {
		p.metrics.RecordTierChange(providerName, previousTier, string(tier))
	}

	// Forward the billing period if the subscription carries one
	periodEnd := p.forwardSubscriptionPeriod(ctx, acc.ID, &sub)

	p.emitWebhookEvent(acc.ID, previousTier, string(tier), event, periodEnd)
	return nil
}

// handleSubscriptionUpdated applies the provider's status and forwards any
// period bounds the event carries. Tier is never changed here; the rollover
// tracker's periodStart comparison keeps a same-cycle update (e.g. toggling
// cancel_at_period_end from the Stripe dashboard) from touching balances,
// while a renewal's new period rolls credits over even if the invoice event
// was missed.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	acc, err := p.manager.FindBySubscriptionRef(ctx, sub.ID)
	if err != nil {
		if err == creditmeter.ErrAccountNotFound {
			return p.dropUnlinked(event, billing.ErrAccountNotLinked)
		}
		return err
	}

	status := statusFromSubscription(&sub)
	if _, err := p.manager.SetStatus(ctx, acc.ID, status); err != nil {
		return err
	}

	periodEnd := p.forwardSubscriptionPeriod(ctx, acc.ID, &sub)

	p.emitWebhookEvent(acc.ID, string(acc.Tier), string(acc.Tier), event, periodEnd)
	return nil
}

// handleSubscriptionDeleted terminates the subscription: the account drops to
// the free tier with a fresh free allowance.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	acc, err := p.manager.FindBySubscriptionRef(ctx, sub.ID)
	if err != nil {
		if err == creditmeter.ErrAccountNotFound {
			return p.dropUnlinked(event, billing.ErrAccountNotLinked)
		}
		return err
	}

	previousTier := string(acc.Tier)
	if _, err := p.manager.SetTier(ctx, acc.ID, creditmeter.TierFree, false, creditmeter.StatusCanceled); err != nil {
		return err
	}
	if previousTier != string(creditmeter.TierFree) {
		p.metrics.RecordTierChange(providerName, previousTier, string(creditmeter.TierFree))
	}

	p.emitWebhookEvent(acc.ID, previousTier, string(creditmeter.TierFree), event, nil)
	return nil
}

// handleInvoicePaymentSucceeded advances the billing period, which triggers
// the idempotent credit rollover. The period is resolved with three
// fallbacks: invoice line-item period, the subscription item's current
// period, then the invoice's own period bounds. With no usable period the
// payment still refreshes credits to the ceiling.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	subscriptionID := extractInvoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice - ignore
		return nil
	}

	acc, err := p.manager.FindBySubscriptionRef(ctx, subscriptionID)
	if err != nil {
		if err == creditmeter.ErrAccountNotFound {
			return p.dropUnlinked(event, billing.ErrAccountNotLinked)
		}
		return err
	}

	start, end := extractInvoiceLinePeriod(event.Data.Raw)

	if start.IsZero() || end.IsZero() {
		if sub, retrieveErr := p.client.RetrieveSubscription(ctx, subscriptionID); retrieveErr == nil {
			start, end = subscriptionItemPeriod(sub)
		} else {
			p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
		}
	}

	if start.IsZero() || end.IsZero() {
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err == nil &&
			invoice.PeriodStart > 0 && invoice.PeriodEnd > invoice.PeriodStart {
			start = time.Unix(invoice.PeriodStart, 0).UTC()
			end = time.Unix(invoice.PeriodEnd, 0).UTC()
		}
	}

	var periodEnd *time.Time
	if !start.IsZero() && !end.IsZero() && start.Before(end) {
		if _, err := p.manager.UpdatePeriod(ctx, acc.ID, start, end); err != nil {
			return err
		}
		periodEnd = &end
	} else {
		p.logger.Warn("payment without resolvable period, refreshing to ceiling",
			creditmeter.Field{Key: "account_id", Value: acc.ID},
			creditmeter.Field{Key: "subscription_id", Value: subscriptionID})
		if _, err := p.manager.RefreshToMax(ctx, acc.ID); err != nil {
			return err
		}
	}

	p.emitWebhookEvent(acc.ID, string(acc.Tier), string(acc.Tier), event, periodEnd)
	return nil
}

// handleInvoicePaymentFailed records the failure for monitoring but leaves
// the account untouched: Stripe retries, and a terminal failure arrives as
// customer.subscription.deleted.
func (p *Provider) handleInvoicePaymentFailed(_ context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	p.metrics.RecordWebhookEvent(providerName, "invoice.payment_failed", "warning")
	return nil
}

// handleCheckoutSessionCompleted provisions the purchased subscription:
// links billing refs, applies the tier with a credit refresh, and for
// upgrades cancels the superseded subscription.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	accountID := session.Metadata[metadataAccountID]
	if accountID == "" {
		return fmt.Errorf("metadata.%s missing on checkout session %s", metadataAccountID, session.ID)
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		// Not a subscription checkout - ignore
		return nil
	}

	// Upgrades replace the previous subscription. Cancellation is best
	// effort: a failure here leaves a dangling subscription in Stripe but
	// must not block provisioning the new one.
	if session.Metadata[metadataIsUpgrade] == "true" {
		if prevID := session.Metadata[metadataPreviousSubID]; prevID != "" && prevID != subscriptionID {
			if _, err := p.client.CancelSubscription(ctx, prevID); err != nil {
				p.logger.Warn("failed to cancel superseded subscription",
					creditmeter.Field{Key: "subscription_id", Value: prevID},
					creditmeter.Field{Key: "error", Value: err.Error()})
				p.metrics.RecordAPICall(providerName, "/subscriptions/cancel", "error")
			} else {
				p.metrics.RecordAPICall(providerName, "/subscriptions/cancel", "success")
			}
		}
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}

	acc, err := p.manager.EnsureAccount(ctx, accountID)
	if err != nil {
		return err
	}
	previousTier := string(acc.Tier)

	if _, err := p.manager.SetBillingRefs(ctx, accountID, customerID, subscriptionID); err != nil {
		return err
	}

	tier := p.MapPriceToTier(session.Metadata[metadataPriceID])
	if tier == creditmeter.TierFree {
		// No usable price metadata: derive the tier from the subscription
		sub, retrieveErr := p.client.RetrieveSubscription(ctx, subscriptionID)
		if retrieveErr != nil {
			return fmt.Errorf("failed to fetch subscription: %w", retrieveErr)
		}
		tier = p.tierFromSubscription(sub)
	}

	if _, err := p.manager.SetTier(ctx, accountID, tier, false, creditmeter.StatusActive); err != nil {
		return err
	}
	if previousTier != string(tier) {
		p.metrics.RecordTierChange(providerName, previousTier, string(tier))
	}

	// Best effort: pull the period forward so the rollover tracker starts
	// from the real cycle bounds instead of the provisional ones
	var periodEnd *time.Time
	if sub, retrieveErr := p.client.RetrieveSubscription(ctx, subscriptionID); retrieveErr == nil {
		periodEnd = p.forwardSubscriptionPeriod(ctx, accountID, sub)
	}

	p.emitWebhookEvent(accountID, previousTier, string(tier), event, periodEnd)
	return nil
}

// resolveAccountForSubscription matches a subscription event to an account:
// subscription ref first, then customer ref, then the account_id metadata
// stamped during checkout.
func (p *Provider) resolveAccountForSubscription(
	ctx context.Context, sub *stripe.Subscription,
) (*creditmeter.Account, error) {
	if acc, err := p.manager.FindBySubscriptionRef(ctx, sub.ID); err == nil {
		return acc, nil
	} else if err != creditmeter.ErrAccountNotFound {
		return nil, err
	}

	if sub.Customer != nil {
		if acc, err := p.manager.FindByCustomerRef(ctx, sub.Customer.ID); err == nil {
			return acc, nil
		} else if err != creditmeter.ErrAccountNotFound {
			return nil, err
		}
	}

	if accountID := sub.Metadata[metadataAccountID]; accountID != "" {
		return p.manager.EnsureAccount(ctx, accountID)
	}

	return nil, billing.ErrAccountNotLinked
}

// dropUnlinked logs and swallows events for accounts this system does not
// know. Returning an error would only make Stripe redeliver an event that
// can never apply.
func (p *Provider) dropUnlinked(event *stripe.Event, err error) error {
	if !errors.Is(err, billing.ErrAccountNotLinked) {
		return err
	}
	p.logger.Warn("dropping webhook event for unlinked account",
		creditmeter.Field{Key: "event_type", Value: string(event.Type)},
		creditmeter.Field{Key: "event_id", Value: event.ID})
	p.metrics.RecordWebhookEvent(providerName, string(event.Type), "dropped")
	return nil
}

// tierFromSubscription maps the subscription's items to the highest tier
// among their prices
func (p *Provider) tierFromSubscription(sub *stripe.Subscription) creditmeter.Tier {
	tier := creditmeter.TierFree
	if sub.Items == nil {
		return tier
	}
	for _, item := range sub.Items.Data {
		if item.Price == nil {
			continue
		}
		if candidate := p.MapPriceToTier(item.Price.ID); candidate.AtLeast(tier) {
			tier = candidate
		}
	}
	return tier
}

// forwardSubscriptionPeriod pushes the subscription item's current period
// into the Manager. Best effort: period validation failures are logged, not
// fatal, because the invoice event carries the same bounds.
func (p *Provider) forwardSubscriptionPeriod(
	ctx context.Context, accountID string, sub *stripe.Subscription,
) *time.Time {
	start, end := subscriptionItemPeriod(sub)
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return nil
	}
	if _, err := p.manager.UpdatePeriod(ctx, accountID, start, end); err != nil {
		p.logger.Warn("failed to forward subscription period",
			creditmeter.Field{Key: "account_id", Value: accountID},
			creditmeter.Field{Key: "error", Value: err.Error()})
		return nil
	}
	return &end
}

func (p *Provider) emitWebhookEvent(
	accountID, previousTier, newTier string, event *stripe.Event, periodEnd *time.Time,
) {
	if p.config.WebhookCallback == nil {
		return
	}
	p.config.WebhookCallback(&billing.WebhookEvent{
		AccountID:      accountID,
		PreviousTier:   previousTier,
		NewTier:        newTier,
		Provider:       providerName,
		EventType:      string(event.Type),
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
		PeriodEnd:      periodEnd,
	})
}

// statusFromSubscription maps Stripe subscription state to the local status
// machine: canceled maps to canceled, an active subscription flagged
// cancel_at_period_end is canceling, everything else active.
func statusFromSubscription(sub *stripe.Subscription) creditmeter.Status {
	if string(sub.Status) == subscriptionStatusCanceled {
		return creditmeter.StatusCanceled
	}
	if sub.CancelAtPeriodEnd {
		return creditmeter.StatusCanceling
	}
	return creditmeter.StatusActive
}

// subscriptionItemPeriod reads the current period bounds off the first
// subscription item (where stripe-go v83 keeps them)
func subscriptionItemPeriod(sub *stripe.Subscription) (start, end time.Time) {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return time.Time{}, time.Time{}
	}
	item := sub.Items.Data[0]
	if item.CurrentPeriodStart > 0 {
		start = time.Unix(item.CurrentPeriodStart, 0).UTC()
	}
	if item.CurrentPeriodEnd > 0 {
		end = time.Unix(item.CurrentPeriodEnd, 0).UTC()
	}
	return start, end
}

// extractInvoiceSubscriptionID pulls the subscription ID out of the raw
// invoice JSON. The v83 Invoice struct does not expose the field directly,
// and Stripe delivers it as either an expanded object or a bare ID string.
func extractInvoiceSubscriptionID(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	switch v := data["subscription"].(type) {
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	case string:
		return v
	}
	// Newer API versions nest it under parent.subscription_details
	if parent, ok := data["parent"].(map[string]interface{}); ok {
		if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
			if id, ok := details["subscription"].(string); ok {
				return id
			}
		}
	}
	return ""
}

// extractInvoiceLinePeriod reads the billing period off the first invoice
// line item
func extractInvoiceLinePeriod(raw json.RawMessage) (start, end time.Time) {
	var data struct {
		Lines struct {
			Data []struct {
				Period struct {
					Start int64 `json:"start"`
					End   int64 `json:"end"`
				} `json:"period"`
			} `json:"data"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(raw, &data); err != nil || len(data.Lines.Data) == 0 {
		return time.Time{}, time.Time{}
	}
	period := data.Lines.Data[0].Period
	if period.Start > 0 {
		start = time.Unix(period.Start, 0).UTC()
	}
	if period.End > 0 {
		end = time.Unix(period.End, 0).UTC()
	}
	return start, end
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

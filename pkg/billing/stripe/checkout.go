package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/creditmeter/pkg/billing"
	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// CheckoutURL creates a Stripe Checkout Session for a new subscription and
// returns the URL to redirect the user to. The tier is resolved to a Stripe
// Price ID via the configured TierMapping.
func (p *Provider) CheckoutURL(ctx context.Context, accountID string, tier creditmeter.Tier, successURL, cancelURL string) (string, error) {
	return p.createCheckoutSession(ctx, accountID, tier, successURL, cancelURL, "")
}

// ChangePlan creates a Checkout Session that upgrades (or changes) an
// existing subscription. The session carries the current subscription ID so
// the webhook handler can cancel it once the replacement is paid for.
func (p *Provider) ChangePlan(ctx context.Context, accountID string, tier creditmeter.Tier, successURL, cancelURL string) (string, error) {
	acc, err := p.manager.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acc.BillingSubscriptionRef == "" {
		return "", billing.ErrNoActiveSubscription
	}
	return p.createCheckoutSession(ctx, accountID, tier, successURL, cancelURL, acc.BillingSubscriptionRef)
}

func (p *Provider) createCheckoutSession(
	ctx context.Context, accountID string, tier creditmeter.Tier,
	successURL, cancelURL, previousSubscriptionID string,
) (string, error) {
	startTime := time.Now()

	priceID := p.priceIDForTier(tier)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "tier_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrTierNotConfigured, tier)
	}

	acc, err := p.manager.EnsureAccount(ctx, accountID)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}

	// The webhook handler provisions entirely from this metadata
	params.Metadata = map[string]string{
		metadataAccountID: accountID,
		metadataPriceID:   priceID,
	}
	if previousSubscriptionID != "" {
		params.Metadata[metadataIsUpgrade] = "true"
		params.Metadata[metadataPreviousSubID] = previousSubscriptionID
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataAccountID, accountID)

	// Attach the existing customer so Stripe doesn't create a duplicate
	if acc.BillingCustomerRef != "" {
		params.Customer = stripe.String(acc.BillingCustomerRef)
	} else {
		params.ClientReferenceID = stripe.String(accountID)
	}

	session, err := p.client.CreateCheckoutSession(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return session.URL, nil
}

// UpgradeSubscription moves the account's existing subscription to a new
// price in place (no new checkout) and applies the mapped tier with a
// credit refresh. Returns ErrNoActiveSubscription when the account has no
// subscription to upgrade.
func (p *Provider) UpgradeSubscription(ctx context.Context, accountID, priceID string) (creditmeter.Tier, error) {
	tier := p.MapPriceToTier(priceID)
	if tier == creditmeter.TierFree {
		return creditmeter.TierFree, fmt.Errorf("%w: %s", billing.ErrTierNotConfigured, priceID)
	}

	acc, err := p.manager.GetAccount(ctx, accountID)
	if err != nil {
		return creditmeter.TierFree, err
	}
	if acc.BillingSubscriptionRef == "" {
		return acc.Tier, billing.ErrNoActiveSubscription
	}

	startTime := time.Now()
	sub, err := p.client.RetrieveSubscription(ctx, acc.BillingSubscriptionRef)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
		return acc.Tier, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return acc.Tier, fmt.Errorf("%w: subscription %s has no items", billing.ErrProviderAPIError, sub.ID)
	}

	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(sub.Items.Data[0].ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	if _, err := p.client.UpdateSubscription(ctx, acc.BillingSubscriptionRef, params); err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
		return acc.Tier, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions", time.Since(startTime))

	updated, err := p.manager.SetTier(ctx, accountID, tier, false, creditmeter.StatusActive)
	if err != nil {
		return acc.Tier, err
	}
	if acc.Tier != updated.Tier {
		p.metrics.RecordTierChange(providerName, string(acc.Tier), string(updated.Tier))
	}
	return updated.Tier, nil
}

// CancelAtPeriodEnd schedules the account's subscription for cancellation at
// the end of the current billing period. The account keeps its tier and
// remaining credits until Stripe delivers customer.subscription.deleted.
func (p *Provider) CancelAtPeriodEnd(ctx context.Context, accountID string) error {
	acc, err := p.manager.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.BillingSubscriptionRef == "" {
		return billing.ErrNoActiveSubscription
	}

	startTime := time.Now()
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	if _, err := p.client.UpdateSubscription(ctx, acc.BillingSubscriptionRef, params); err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
		return fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions", time.Since(startTime))

	_, err = p.manager.Cancel(ctx, accountID)
	return err
}

// ResumeSubscription clears a pending cancellation, keeping the subscription
// (and the account's paid tier) alive past the period boundary.
func (p *Provider) ResumeSubscription(ctx context.Context, accountID string) error {
	acc, err := p.manager.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.BillingSubscriptionRef == "" {
		return billing.ErrNoActiveSubscription
	}

	startTime := time.Now()
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	if _, err := p.client.UpdateSubscription(ctx, acc.BillingSubscriptionRef, params); err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
		return fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions", time.Since(startTime))

	_, err = p.manager.Resume(ctx, accountID)
	return err
}

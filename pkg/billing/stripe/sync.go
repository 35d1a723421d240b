package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/creditmeter/pkg/billing"
	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// syncAccountFromAPI reconciles an account's local state against Stripe.
// Used when a webhook may have been missed: support tooling, nightly
// reconciliation, or a "restore purchases" action.
func (p *Provider) syncAccountFromAPI(ctx context.Context, accountID string) (creditmeter.Tier, error) {
	startTime := time.Now()

	acc, err := p.manager.GetAccount(ctx, accountID)
	if err != nil {
		p.metrics.RecordAccountSync(providerName, "error")
		return creditmeter.TierFree, err
	}

	// Never linked to billing: nothing to reconcile against
	if acc.BillingCustomerRef == "" && acc.BillingSubscriptionRef == "" {
		p.metrics.RecordAccountSync(providerName, "success")
		p.metrics.RecordAccountSyncDuration(providerName, time.Since(startTime))
		return acc.Tier, nil
	}

	sub, err := p.lookupSubscription(ctx, acc)
	if err != nil {
		p.metrics.RecordAccountSync(providerName, "error")
		p.metrics.RecordAccountSyncDuration(providerName, time.Since(startTime))
		return acc.Tier, err
	}

	// No live subscription on the Stripe side: terminate locally
	if sub == nil {
		if acc.Tier != creditmeter.TierFree || acc.Status != creditmeter.StatusCanceled {
			if _, err := p.manager.SetTier(ctx, accountID, creditmeter.TierFree, false, creditmeter.StatusCanceled); err != nil {
				p.metrics.RecordAccountSync(providerName, "error")
				return acc.Tier, err
			}
			p.metrics.RecordTierChange(providerName, string(acc.Tier), string(creditmeter.TierFree))
		}
		p.metrics.RecordAccountSync(providerName, "success")
		p.metrics.RecordAccountSyncDuration(providerName, time.Since(startTime))
		return creditmeter.TierFree, nil
	}

	customerID := acc.BillingCustomerRef
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	if _, err := p.manager.SetBillingRefs(ctx, accountID, customerID, sub.ID); err != nil {
		p.metrics.RecordAccountSync(providerName, "error")
		return acc.Tier, err
	}

	tier := p.tierFromSubscription(sub)
	status := statusFromSubscription(sub)

	// preserveCredits: sync repairs state, it must not hand out a refresh
	// the user did not pay for
	if _, err := p.manager.SetTier(ctx, accountID, tier, true, status); err != nil {
		p.metrics.RecordAccountSync(providerName, "error")
		return acc.Tier, err
	}
	if acc.Tier != tier {
		p.metrics.RecordTierChange(providerName, string(acc.Tier), string(tier))
	}

	p.forwardSubscriptionPeriod(ctx, accountID, sub)

	p.metrics.RecordAccountSync(providerName, "success")
	p.metrics.RecordAccountSyncDuration(providerName, time.Since(startTime))
	return tier, nil
}

// lookupSubscription finds the account's live subscription: direct retrieval
// by stored ref first, then the customer's active subscription list. Returns
// nil with no error when Stripe has no live subscription for the account.
func (p *Provider) lookupSubscription(
	ctx context.Context, acc *creditmeter.Account,
) (sub *stripe.Subscription, err error) {
	if acc.BillingSubscriptionRef != "" {
		s, retrieveErr := p.client.RetrieveSubscription(ctx, acc.BillingSubscriptionRef)
		if retrieveErr == nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions", "success")
			if string(s.Status) != subscriptionStatusCanceled {
				return s, nil
			}
			// Stored ref points at a dead subscription, fall through to
			// the customer's list
		} else {
			p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
		}
	}

	if acc.BillingCustomerRef == "" {
		return nil, nil
	}

	subs, listErr := p.client.ListActiveSubscriptions(ctx, acc.BillingCustomerRef)
	if listErr != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, listErr)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "success")

	if len(subs) == 0 {
		return nil, nil
	}

	// Multiple live subscriptions: pick the one granting the highest tier
	best := subs[0]
	bestTier := p.tierFromSubscription(best)
	for _, candidate := range subs[1:] {
		if tier := p.tierFromSubscription(candidate); tier.AtLeast(bestTier) && tier != bestTier {
			best = candidate
			bestTier = tier
		}
	}
	return best, nil
}

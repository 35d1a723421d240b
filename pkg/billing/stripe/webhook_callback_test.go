package stripe

import (
	"context"
	"testing"
	"time"

	"github.com/mihaimyh/creditmeter/pkg/billing"
	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

func TestWebhookCallback_InvokedOnTierChange(t *testing.T) {
	client := newFakeClient()
	now := time.Now().UTC().Truncate(time.Second)
	periodEnd := now.AddDate(0, 1, 0)
	client.subscriptions[testSubscriptionID] = testSubscription(
		testSubscriptionID, testCustomerID, testPriceIDBasic, now, periodEnd)

	var events []*billing.WebhookEvent
	manager := testManager(t)
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Manager: manager,
			TierMapping: map[string]creditmeter.Tier{
				testPriceIDBasic: creditmeter.TierBasic,
			},
			WebhookCallback: func(ev *billing.WebhookEvent) {
				events = append(events, ev)
			},
		},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
		client:              client,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	event := testEvent("checkout.session.completed", checkoutSessionData(testSubscriptionID, map[string]string{
		metadataAccountID: testAccountID,
		metadataPriceID:   testPriceIDBasic,
	}))
	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("callback invoked %d times, expected 1", len(events))
	}
	got := events[0]
	if got.AccountID != testAccountID {
		t.Errorf("AccountID = %q, expected %q", got.AccountID, testAccountID)
	}
	if got.Provider != providerName {
		t.Errorf("Provider = %q, expected %q", got.Provider, providerName)
	}
	if got.EventType != "checkout.session.completed" {
		t.Errorf("EventType = %q", got.EventType)
	}
	if got.PreviousTier != string(creditmeter.TierFree) || got.NewTier != string(creditmeter.TierBasic) {
		t.Errorf("tier transition = %s -> %s, expected free -> basic", got.PreviousTier, got.NewTier)
	}
	if got.PeriodEnd == nil || !got.PeriodEnd.Equal(periodEnd) {
		t.Errorf("PeriodEnd = %v, expected %v", got.PeriodEnd, periodEnd)
	}
}

func TestWebhookCallback_NilCallbackIsSafe(t *testing.T) {
	provider, manager := testProvider(t, newFakeClient())
	ctx := context.Background()
	linkAccount(t, manager, creditmeter.TierBasic)

	now := time.Now().UTC()
	sub := testSubscription(testSubscriptionID, testCustomerID, testPriceIDBasic, now, now.AddDate(0, 1, 0))
	sub.CancelAtPeriodEnd = true

	event := testEvent("customer.subscription.updated", sub)
	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}
}

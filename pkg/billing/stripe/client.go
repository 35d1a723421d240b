package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v83"
)

// apiClient is the slice of the Stripe API the provider depends on.
// Tests substitute a fake; production wraps *stripe.Client.
type apiClient interface {
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
}

type stripeClient struct {
	sc *stripe.Client
}

func newStripeClient(apiKey string) *stripeClient {
	return &stripeClient{sc: stripe.NewClient(apiKey)}
}

func (c *stripeClient) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return c.sc.V1Subscriptions.Retrieve(ctx, id, nil)
}

func (c *stripeClient) UpdateSubscription(
	ctx context.Context, id string, params *stripe.SubscriptionUpdateParams,
) (*stripe.Subscription, error) {
	return c.sc.V1Subscriptions.Update(ctx, id, params)
}

func (c *stripeClient) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return c.sc.V1Subscriptions.Cancel(ctx, id, nil)
}

func (c *stripeClient) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return c.sc.V1CheckoutSessions.Create(ctx, params)
}

func (c *stripeClient) ListActiveSubscriptions(
	ctx context.Context, customerID string,
) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(subscriptionStatusActive)

	var subscriptions []*stripe.Subscription
	for sub, err := range c.sc.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, sub)
	}
	return subscriptions, nil
}

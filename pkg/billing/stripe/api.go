package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/tribebuild/tribehooks/pkg/billing"
)

// API is the subset of the Stripe API read while processing checkouts and
// reconciling profiles. Implementations wrap failures with
// billing.ErrProviderAPIError.
type API interface {
	// FirstLineItemPriceID returns the price id of the first line item of a
	// checkout session, or "" when the session has none.
	FirstLineItemPriceID(ctx context.Context, sessionID string) (string, error)

	// Subscription returns the current state of a subscription.
	Subscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error)

	// CustomerSubscriptions lists every subscription of a customer, whatever
	// its status.
	CustomerSubscriptions(ctx context.Context, customerID string) ([]SubscriptionInfo, error)
}

// SubscriptionInfo is the subscription state relevant to plan status.
type SubscriptionInfo struct {
	ID       string
	Status   string
	TrialEnd int64 // unix seconds, 0 when absent
	PriceID  string
	Created  int64
}

// StripeAPI implements API with the stripe-go client.
type StripeAPI struct {
	client  *stripe.Client
	metrics billing.Metrics
}

// NewStripeAPI wraps a stripe-go client.
func NewStripeAPI(client *stripe.Client, metrics billing.Metrics) *StripeAPI {
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &StripeAPI{client: client, metrics: metrics}
}

// FirstLineItemPriceID implements API
func (a *StripeAPI) FirstLineItemPriceID(ctx context.Context, sessionID string) (priceID string, err error) {
	defer a.observe("checkout_line_items", time.Now(), &err)

	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Limit = stripe.Int64(1)
	for item, iterErr := range a.client.V1CheckoutSessions.ListLineItems(ctx, params) {
		if iterErr != nil {
			return "", iterErr
		}
		if item != nil && item.Price != nil {
			return item.Price.ID, nil
		}
		return "", nil
	}
	return "", nil
}

// Subscription implements API
func (a *StripeAPI) Subscription(ctx context.Context, subscriptionID string) (info *SubscriptionInfo, err error) {
	defer a.observe("subscription_retrieve", time.Now(), &err)

	sub, err := a.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, err
	}
	out := subscriptionInfo(sub)
	return &out, nil
}

// CustomerSubscriptions implements API
func (a *StripeAPI) CustomerSubscriptions(ctx context.Context, customerID string) (subs []SubscriptionInfo, err error) {
	defer a.observe("subscription_list", time.Now(), &err)

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")
	for sub, iterErr := range a.client.V1Subscriptions.List(ctx, params) {
		if iterErr != nil {
			return nil, iterErr
		}
		subs = append(subs, subscriptionInfo(sub))
	}
	return subs, nil
}

func subscriptionInfo(sub *stripe.Subscription) SubscriptionInfo {
	info := SubscriptionInfo{
		ID:       sub.ID,
		Status:   string(sub.Status),
		TrialEnd: sub.TrialEnd,
		Created:  sub.Created,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		info.PriceID = sub.Items.Data[0].Price.ID
	}
	return info
}

// observe records the call and wraps a failure with billing.ErrProviderAPIError.
func (a *StripeAPI) observe(endpoint string, start time.Time, err *error) {
	status := "ok"
	if *err != nil {
		status = "error"
		*err = fmt.Errorf("%w: %s: %w", billing.ErrProviderAPIError, endpoint, *err)
	}
	a.metrics.RecordAPICall(providerName, endpoint, status)
	a.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

package stripe

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripelib "github.com/stripe/stripe-go/v83"

	"github.com/tribebuild/tribehooks/pkg/billing"
)

type apiCallMetrics struct {
	billing.NoopMetrics
	mu    sync.Mutex
	calls []string
}

func (m *apiCallMetrics) RecordAPICall(provider, endpoint, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, provider+"/"+endpoint+"/"+status)
}

func TestStripeAPI_ObserveWrapsFailures(t *testing.T) {
	metrics := &apiCallMetrics{}
	api := NewStripeAPI(nil, metrics)

	cause := errors.New("No such subscription: sub_1")
	err := cause
	api.observe("subscription_retrieve", time.Now(), &err)
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "subscription_retrieve")

	var ok error
	api.observe("subscription_list", time.Now(), &ok)
	assert.NoError(t, ok)

	assert.Equal(t, []string{
		"stripe/subscription_retrieve/error",
		"stripe/subscription_list/ok",
	}, metrics.calls)
}

func TestSubscriptionInfo_FromStripe(t *testing.T) {
	sub := &stripelib.Subscription{
		ID:       "sub_1",
		Status:   stripelib.SubscriptionStatusTrialing,
		TrialEnd: testTrialEnd,
		Created:  1735689600,
		Items: &stripelib.SubscriptionItemList{
			Data: []*stripelib.SubscriptionItem{{Price: &stripelib.Price{ID: testPriceIDBusiness}}},
		},
	}
	info := subscriptionInfo(sub)
	assert.Equal(t, SubscriptionInfo{
		ID:       "sub_1",
		Status:   "trialing",
		TrialEnd: testTrialEnd,
		PriceID:  testPriceIDBusiness,
		Created:  1735689600,
	}, info)

	info = subscriptionInfo(&stripelib.Subscription{ID: "sub_2", Status: stripelib.SubscriptionStatusActive})
	assert.Empty(t, info.PriceID)
}

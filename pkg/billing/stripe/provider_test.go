package stripe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribebuild/tribehooks/pkg/access"
	"github.com/tribebuild/tribehooks/pkg/billing"
	"github.com/tribebuild/tribehooks/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testProfileID           = "profile-123"
	testProfileEmail        = "producer@example.com"
	testCustomerID          = "cus_test_123"
	testSubscriptionID      = "sub_test_123"
	testSessionID           = "cs_test_123"
	testPriceIDStarter      = "price_1SlI8pI5Cu8MrWaGjBdlVYnu"
	testPriceIDBusiness     = "price_1SlI8pI5Cu8MrWaGYq5KS1Lz"
	testPriceIDEnterprise   = "price_1SpuPcI5Cu8MrWaGukdBmBdX"
)

var testNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

// fakeAPI is an in-memory API used instead of the Stripe client.
type fakeAPI struct {
	mu            sync.Mutex
	prices        map[string]string
	subscriptions map[string]*SubscriptionInfo
	customers     map[string][]SubscriptionInfo
	err           error
	calls         int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		prices:        map[string]string{},
		subscriptions: map[string]*SubscriptionInfo{},
		customers:     map[string][]SubscriptionInfo{},
	}
}

func (f *fakeAPI) FirstLineItemPriceID(_ context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.prices[sessionID], nil
}

func (f *fakeAPI) Subscription(_ context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, errors.New("No such subscription: " + subscriptionID)
	}
	return sub, nil
}

func (f *fakeAPI) CustomerSubscriptions(_ context.Context, customerID string) ([]SubscriptionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.customers[customerID], nil
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	store    *memory.Storage
	api      *fakeAPI
	provider *Provider
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	store := memory.New()
	api := newFakeAPI()
	config := Config{
		Config: billing.Config{
			Storage: store,
			Ledger:  store,
			TierMapping: map[string]string{
				testPriceIDStarter:    "starter",
				testPriceIDBusiness:   "business",
				testPriceIDEnterprise: "enterprise",
			},
			RateLimitPerMinute: -1,
		},
		StripeWebhookSecret: testStripeWebhookSecret,
		API:                 api,
		Now:                 func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&config)
	}
	provider, err := NewProvider(config)
	require.NoError(t, err)
	return &testEnv{store: store, api: api, provider: provider}
}

func (e *testEnv) seedProfile() access.Profile {
	return e.store.PutProfile(access.Profile{
		ID:         testProfileID,
		Email:      testProfileEmail,
		Plan:       access.PlanFree,
		PlanStatus: access.PlanStatusFree,
	})
}

func TestNewProvider(t *testing.T) {
	t.Run("requires storage", func(t *testing.T) {
		_, err := NewProvider(Config{StripeAPIKey: testStripeAPIKey})
		assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
	})

	t.Run("requires api key without api override", func(t *testing.T) {
		_, err := NewProvider(Config{Config: billing.Config{Storage: memory.New()}})
		assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
	})

	t.Run("builds stripe client from api key", func(t *testing.T) {
		p, err := NewProvider(Config{
			Config:       billing.Config{Storage: memory.New()},
			StripeAPIKey: testStripeAPIKey,
		})
		require.NoError(t, err)
		assert.IsType(t, &StripeAPI{}, p.api)
		assert.Equal(t, "stripe", p.Name())
	})

	t.Run("rejects unknown tier", func(t *testing.T) {
		_, err := NewProvider(Config{
			Config: billing.Config{
				Storage:     memory.New(),
				TierMapping: map[string]string{"price_x": "gold"},
			},
			API: newFakeAPI(),
		})
		assert.ErrorIs(t, err, billing.ErrTierNotConfigured)
	})
}

func TestMapPriceToTier(t *testing.T) {
	env := newTestEnv(t, nil)

	tier, ok := env.provider.MapPriceToTier(testPriceIDBusiness)
	assert.True(t, ok)
	assert.Equal(t, access.PlanBusiness, tier)

	tier, ok = env.provider.MapPriceToTier("price_unknown")
	assert.False(t, ok)
	assert.Equal(t, access.PlanStarter, tier)

	tier, ok = env.provider.MapPriceToTier("")
	assert.False(t, ok)
	assert.Equal(t, access.PlanStarter, tier)
}

func TestMapPriceToTier_DefaultKey(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.TierMapping = map[string]string{"*": "professional", testPriceIDBusiness: "business"}
	})

	assert.Equal(t, access.PlanProfessional, env.provider.GetDefaultTier())
	tier, ok := env.provider.MapPriceToTier("price_unknown")
	assert.False(t, ok)
	assert.Equal(t, access.PlanProfessional, tier)
}

func TestMapSubscriptionStatus(t *testing.T) {
	tests := map[string]access.PlanStatus{
		"active":             access.PlanStatusActive,
		"trialing":           access.PlanStatusTrial,
		"past_due":           access.PlanStatusActive,
		"canceled":           access.PlanStatusCanceled,
		"unpaid":             access.PlanStatusCanceled,
		"incomplete":         access.PlanStatusCanceled,
		"incomplete_expired": access.PlanStatusCanceled,
		"paused":             access.PlanStatusCanceled,
		"":                   access.PlanStatusFree,
		"something_new":      access.PlanStatusFree,
	}
	for status, want := range tests {
		assert.Equal(t, want, MapSubscriptionStatus(status), "status %q", status)
	}
}

func TestTrialState(t *testing.T) {
	status, end := trialState("trialing", 1736899200)
	assert.Equal(t, access.PlanStatusTrial, status)
	require.NotNil(t, end)
	assert.Equal(t, time.Unix(1736899200, 0).UTC(), *end)

	status, end = trialState("active", 1736899200)
	assert.Equal(t, access.PlanStatusActive, status)
	assert.Nil(t, end)
}

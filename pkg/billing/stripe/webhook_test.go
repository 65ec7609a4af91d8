package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v83/webhook"

	"github.com/tribebuild/tribehooks/pkg/access"
	"github.com/tribebuild/tribehooks/pkg/billing"
	"github.com/tribebuild/tribehooks/pkg/billing/internal"
)

const testTrialEnd int64 = 1736899200 // 2025-01-15T00:00:00Z

func eventJSON(t *testing.T, id, eventType string, object map[string]interface{}) string {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     1735689600,
		"api_version": "2025-03-31.basil",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return string(b)
}

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (e *testEnv) deliver(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.provider.WebhookHandler().ServeHTTP(w, req)
	return w
}

func checkoutObject(ref, email string) map[string]interface{} {
	obj := map[string]interface{}{
		"id":           testSessionID,
		"object":       "checkout.session",
		"customer":     testCustomerID,
		"subscription": testSubscriptionID,
	}
	if ref != "" {
		obj["client_reference_id"] = ref
	}
	if email != "" {
		obj["customer_details"] = map[string]interface{}{"email": email}
	}
	return obj
}

func subscriptionObjectJSON(status string, trialEnd int64) map[string]interface{} {
	obj := map[string]interface{}{
		"id":       testSubscriptionID,
		"object":   "subscription",
		"customer": testCustomerID,
		"status":   status,
	}
	if trialEnd > 0 {
		obj["trial_end"] = trialEnd
	}
	return obj
}

func TestWebhook_CheckoutWithTrial(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedProfile()
	env.api.prices[testSessionID] = testPriceIDBusiness
	env.api.subscriptions[testSubscriptionID] = &SubscriptionInfo{ID: testSubscriptionID, Status: "trialing", TrialEnd: testTrialEnd}

	payload := eventJSON(t, "evt_checkout_1", eventCheckoutSessionCompleted, checkoutObject(testProfileID, ""))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"received":true}`, w.Body.String())

	profile, ok := env.store.Profile(testProfileID)
	require.True(t, ok)
	assert.Equal(t, access.PlanBusiness, profile.Plan)
	assert.Equal(t, access.PlanStatusTrial, profile.PlanStatus)
	require.NotNil(t, profile.TrialEndsAt)
	assert.Equal(t, "2025-01-15T00:00:00Z", profile.TrialEndsAt.Format(time.RFC3339))
	assert.Equal(t, testCustomerID, profile.StripeCustomerID)
	assert.Equal(t, testSubscriptionID, profile.StripeSubscriptionID)
	assert.Equal(t, testNow, profile.UpdatedAt)
}

func TestWebhook_CheckoutActiveByEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedProfile()
	env.api.prices[testSessionID] = testPriceIDEnterprise
	env.api.subscriptions[testSubscriptionID] = &SubscriptionInfo{ID: testSubscriptionID, Status: "active"}

	payload := eventJSON(t, "evt_checkout_2", eventCheckoutSessionCompleted, checkoutObject("", "Producer@Example.com"))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	profile, _ := env.store.Profile(testProfileID)
	assert.Equal(t, access.PlanEnterprise, profile.Plan)
	assert.Equal(t, access.PlanStatusActive, profile.PlanStatus)
	assert.Nil(t, profile.TrialEndsAt)
	assert.Equal(t, testCustomerID, profile.StripeCustomerID)
}

func TestWebhook_CheckoutUnknownPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedProfile()
	env.api.prices[testSessionID] = "price_not_in_table"
	env.api.subscriptions[testSubscriptionID] = &SubscriptionInfo{ID: testSubscriptionID, Status: "active"}

	payload := eventJSON(t, "evt_checkout_3", eventCheckoutSessionCompleted, checkoutObject(testProfileID, ""))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)

	profile, _ := env.store.Profile(testProfileID)
	assert.Equal(t, access.PlanStarter, profile.Plan)
	assert.Equal(t, access.PlanStatusPendingReview, profile.PlanStatus)
}

func TestWebhook_CheckoutWithoutIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedProfile()

	payload := eventJSON(t, "evt_checkout_4", eventCheckoutSessionCompleted, checkoutObject("", ""))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Zero(t, env.api.callCount())
	profile, _ := env.store.Profile(testProfileID)
	assert.Equal(t, access.PlanFree, profile.Plan)
}

func TestWebhook_CheckoutStripeAPIError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedProfile()
	env.api.err = errors.New("stripe unavailable")

	payload := eventJSON(t, "evt_checkout_5", eventCheckoutSessionCompleted, checkoutObject(testProfileID, ""))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "Server Error: "), w.Body.String())
	assert.Contains(t, w.Body.String(), "stripe unavailable")

	seen, err := env.store.Seen(context.Background(), providerName, "evt_checkout_5")
	require.NoError(t, err)
	assert.False(t, seen, "failed events must stay retryable")

	env.api.err = nil
	env.api.prices[testSessionID] = testPriceIDStarter
	env.api.subscriptions[testSubscriptionID] = &SubscriptionInfo{ID: testSubscriptionID, Status: "active"}
	w = env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)

	profile, _ := env.store.Profile(testProfileID)
	assert.Equal(t, access.PlanStatusActive, profile.PlanStatus)
}

func TestWebhook_SubscriptionUpdatedStatuses(t *testing.T) {
	tests := []struct {
		status string
		want   access.PlanStatus
	}{
		{"active", access.PlanStatusActive},
		{"trialing", access.PlanStatusTrial},
		{"past_due", access.PlanStatusActive},
		{"canceled", access.PlanStatusCanceled},
		{"unpaid", access.PlanStatusCanceled},
		{"incomplete", access.PlanStatusCanceled},
		{"incomplete_expired", access.PlanStatusCanceled},
		{"paused", access.PlanStatusCanceled},
		{"brand_new_status", access.PlanStatusFree},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.store.PutProfile(access.Profile{
				ID:               testProfileID,
				Plan:             access.PlanBusiness,
				PlanStatus:       access.PlanStatusActive,
				StripeCustomerID: testCustomerID,
			})

			payload := eventJSON(t, "evt_upd_"+tt.status, eventSubscriptionUpdated, subscriptionObjectJSON(tt.status, 0))
			w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
			require.Equal(t, http.StatusOK, w.Code)

			profile, _ := env.store.Profile(testProfileID)
			assert.Equal(t, tt.want, profile.PlanStatus)
			assert.Equal(t, access.PlanBusiness, profile.Plan)
			assert.Nil(t, profile.TrialEndsAt)
		})
	}
}

func TestWebhook_SubscriptionUpdatedTrialEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.PutProfile(access.Profile{ID: testProfileID, StripeCustomerID: testCustomerID})

	payload := eventJSON(t, "evt_upd_trial", eventSubscriptionUpdated, subscriptionObjectJSON("trialing", testTrialEnd))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)

	profile, _ := env.store.Profile(testProfileID)
	assert.Equal(t, access.PlanStatusTrial, profile.PlanStatus)
	require.NotNil(t, profile.TrialEndsAt)
	assert.Equal(t, testTrialEnd, profile.TrialEndsAt.Unix())
}

func TestWebhook_SubscriptionDeleted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.PutProfile(access.Profile{
		ID:                   testProfileID,
		Plan:                 access.PlanBusiness,
		PlanStatus:           access.PlanStatusActive,
		StripeCustomerID:     testCustomerID,
		StripeSubscriptionID: testSubscriptionID,
	})

	payload := eventJSON(t, "evt_del_1", eventSubscriptionDeleted, subscriptionObjectJSON("canceled", 0))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)

	profile, _ := env.store.Profile(testProfileID)
	assert.Equal(t, access.PlanStatusCanceled, profile.PlanStatus)
	assert.Empty(t, profile.StripeSubscriptionID)
	assert.Equal(t, access.PlanBusiness, profile.Plan)
	assert.Equal(t, testCustomerID, profile.StripeCustomerID)
}

func TestWebhook_UnknownCustomerIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedProfile()

	payload := eventJSON(t, "evt_del_2", eventSubscriptionDeleted, subscriptionObjectJSON("canceled", 0))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)

	profile, _ := env.store.Profile(testProfileID)
	assert.Equal(t, access.PlanStatusFree, profile.PlanStatus)
}

func TestWebhook_InvalidSignatureNeverMutates(t *testing.T) {
	for _, eventType := range []string{eventCheckoutSessionCompleted, eventSubscriptionUpdated, eventSubscriptionDeleted} {
		t.Run(eventType, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.store.PutProfile(access.Profile{
				ID:                   testProfileID,
				Email:                testProfileEmail,
				Plan:                 access.PlanFree,
				PlanStatus:           access.PlanStatusFree,
				StripeCustomerID:     testCustomerID,
				StripeSubscriptionID: testSubscriptionID,
			})
			before, _ := env.store.Profile(testProfileID)

			var object map[string]interface{}
			if eventType == eventCheckoutSessionCompleted {
				object = checkoutObject(testProfileID, testProfileEmail)
			} else {
				object = subscriptionObjectJSON("canceled", 0)
			}
			payload := eventJSON(t, "evt_forged", eventType, object)

			w := env.deliver(t, signedWebhookRequest(t, "whsec_wrong_secret", payload))
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.True(t, strings.HasPrefix(w.Body.String(), "Webhook signature verification failed: "), w.Body.String())

			after, _ := env.store.Profile(testProfileID)
			assert.Equal(t, before, after)
			assert.Zero(t, env.api.callCount())
		})
	}
}

func TestWebhook_MissingSignature(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	w := env.deliver(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing Stripe Signature", w.Body.String())
}

func TestWebhook_SecretNotConfigured(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.StripeWebhookSecret = "" })

	payload := eventJSON(t, "evt_1", eventSubscriptionUpdated, subscriptionObjectJSON("active", 0))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.deliver(t, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestWebhook_UnhandledEventType(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedProfile()

	payload := eventJSON(t, "evt_inv_1", "invoice.paid", map[string]interface{}{"id": "in_1", "object": "invoice"})
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
}

func TestWebhook_DuplicateDeliverySkipped(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedProfile()
	env.api.prices[testSessionID] = testPriceIDBusiness
	env.api.subscriptions[testSubscriptionID] = &SubscriptionInfo{ID: testSubscriptionID, Status: "active"}

	payload := eventJSON(t, "evt_dup_1", eventCheckoutSessionCompleted, checkoutObject(testProfileID, ""))
	require.Equal(t, http.StatusOK, env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload)).Code)
	calls := env.api.callCount()

	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
	assert.Equal(t, calls, env.api.callCount())
}

func TestWebhook_CallbackReceivesOutcome(t *testing.T) {
	var got []billing.WebhookEvent
	env := newTestEnv(t, func(c *Config) {
		c.WebhookCallback = func(_ context.Context, event billing.WebhookEvent) error {
			got = append(got, event)
			return errors.New("kafka down")
		}
	})
	env.store.PutProfile(access.Profile{ID: testProfileID, StripeCustomerID: testCustomerID})

	payload := eventJSON(t, "evt_cb_1", eventSubscriptionDeleted, subscriptionObjectJSON("canceled", 0))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, got, 1)
	assert.Equal(t, "stripe", got[0].Provider)
	assert.Equal(t, eventSubscriptionDeleted, got[0].EventType)
	assert.Equal(t, "evt_cb_1", got[0].EventID)
	assert.Equal(t, "canceled", got[0].PlanStatus)
	assert.Equal(t, int64(1), got[0].ProfilesUpdated)
	assert.Equal(t, time.Unix(1735689600, 0).UTC(), got[0].EventTimestamp)
}

type webhookErrorMetrics struct {
	billing.NoopMetrics
	errors    []string
	unmatched []string
}

func (m *webhookErrorMetrics) RecordWebhookError(_, errorType string) {
	m.errors = append(m.errors, errorType)
}

func (m *webhookErrorMetrics) RecordUnmatched(_, reason string) {
	m.unmatched = append(m.unmatched, reason)
}

func TestConstructEvent_WrapsSignatureError(t *testing.T) {
	env := newTestEnv(t, nil)

	req := signedWebhookRequest(t, "whsec_wrong_secret", eventJSON(t, "evt_1", eventSubscriptionUpdated, subscriptionObjectJSON("active", 0)))
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)

	_, err = env.provider.constructEvent(body, req.Header.Get("Stripe-Signature"))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
}

func TestWebhook_ProviderAPIErrorClassified(t *testing.T) {
	metrics := &webhookErrorMetrics{}
	env := newTestEnv(t, func(c *Config) { c.Metrics = metrics })
	env.seedProfile()
	env.api.err = fmt.Errorf("%w: checkout_line_items: %w", billing.ErrProviderAPIError, errors.New("rate limited"))

	payload := eventJSON(t, "evt_api_1", eventCheckoutSessionCompleted, checkoutObject(testProfileID, ""))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "rate limited")
	assert.Equal(t, []string{"api_error"}, metrics.errors)
}

func TestWebhook_UnmatchedIsAcknowledgedWithoutCallback(t *testing.T) {
	metrics := &webhookErrorMetrics{}
	var calls int
	env := newTestEnv(t, func(c *Config) {
		c.Metrics = metrics
		c.WebhookCallback = func(context.Context, billing.WebhookEvent) error {
			calls++
			return nil
		}
	})
	env.seedProfile()

	payload := eventJSON(t, "evt_unmatched_1", eventSubscriptionUpdated, subscriptionObjectJSON("active", 0))
	w := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
	assert.Zero(t, calls)
	assert.Equal(t, []string{"profile_not_found"}, metrics.unmatched)
	assert.Empty(t, metrics.errors)

	seen, err := env.store.Seen(context.Background(), providerName, "evt_unmatched_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)

	big := strings.Repeat("x", internal.DefaultBodyLimit+1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(big))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	w := env.deliver(t, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

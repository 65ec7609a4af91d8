package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/tribebuild/tribehooks/pkg/access"
	"github.com/tribebuild/tribehooks/pkg/billing"
	"github.com/tribebuild/tribehooks/pkg/billing/internal"
)

const (
	eventCheckoutSessionCompleted = "checkout.session.completed"
	eventSubscriptionUpdated      = "customer.subscription.updated"
	eventSubscriptionDeleted      = "customer.subscription.deleted"
)

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		_ = internal.WriteText(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	if p.webhookSecret == "" {
		p.metrics.RecordWebhookError(providerName, "not_configured")
		_ = internal.WriteText(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, internal.DefaultBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			_ = internal.WriteText(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		_ = internal.WriteText(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	sig := strings.TrimSpace(r.Header.Get("Stripe-Signature"))
	if sig == "" {
		p.metrics.RecordWebhookError(providerName, "missing_signature")
		_ = internal.WriteText(w, http.StatusBadRequest, "Missing Stripe Signature")
		return
	}

	event, err := p.constructEvent(body, sig)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("stripe signature verification failed", access.F("error", err))
		_ = internal.WriteText(w, http.StatusBadRequest, "Webhook signature verification failed: "+err.Error())
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}
	p.logger.Info("stripe webhook received", access.F("type", eventType), access.F("event_id", event.ID))

	if p.alreadyProcessed(r.Context(), event.ID) {
		p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
		_ = internal.WriteJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
		return
	}

	outcome, err := p.processWebhookEvent(r.Context(), &event)
	unmatched := errors.Is(err, access.ErrProfileNotFound)
	if err != nil && !unmatched {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		p.logger.Error("stripe webhook processing failed",
			access.F("type", eventType), access.F("event_id", event.ID), access.F("error", err))
		switch {
		case errors.Is(err, billing.ErrInvalidWebhookPayload):
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			_ = internal.WriteText(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, billing.ErrProviderAPIError):
			p.metrics.RecordWebhookError(providerName, "api_error")
			_ = internal.WriteText(w, http.StatusInternalServerError, "Server Error: "+err.Error())
		default:
			p.metrics.RecordWebhookError(providerName, "processing_error")
			_ = internal.WriteText(w, http.StatusInternalServerError, "Server Error: "+err.Error())
		}
		return
	}

	if event.ID != "" {
		if err := p.ledger.MarkProcessed(r.Context(), providerName, event.ID); err != nil {
			p.logger.Error("failed to record processed event", access.F("event_id", event.ID), access.F("error", err))
		}
	}

	// Unmatched events are acknowledged and marked processed.
	status := "success"
	switch {
	case unmatched:
		status = "unmatched"
		p.metrics.RecordUnmatched(providerName, "profile_not_found")
		p.logger.Warn("no profile matched stripe event",
			access.F("type", eventType), access.F("event_id", event.ID), access.F("error", err))
	case outcome == nil:
		status = "ignored"
	default:
		p.notify(r.Context(), &event, outcome)
	}

	_ = internal.WriteJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// constructEvent verifies the signature header and decodes the event.
func (p *Provider) constructEvent(body []byte, sig string) (stripelib.Event, error) {
	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return event, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err)
	}
	return event, nil
}

// processWebhookEvent dispatches on event type. A nil outcome means the event
// type is not handled. Errors wrapping access.ErrProfileNotFound mean the
// event named no known profile.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripelib.Event) (*billing.WebhookEvent, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event has no data", billing.ErrInvalidWebhookPayload)
	}
	switch string(event.Type) {
	case eventCheckoutSessionCompleted:
		return p.handleCheckoutSessionCompleted(ctx, event)
	case eventSubscriptionUpdated:
		return p.handleSubscriptionUpdated(ctx, event)
	case eventSubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, event)
	default:
		p.logger.Debug("stripe event ignored", access.F("type", string(event.Type)))
		return nil, nil
	}
}

// handleCheckoutSessionCompleted links the paying profile to its customer and
// subscription and sets the purchased plan.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripelib.Event) (*billing.WebhookEvent, error) {
	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}

	outcome := &billing.WebhookEvent{Email: access.NormalizeEmail(session.email())}

	var match access.ProfileMatch
	switch {
	case strings.TrimSpace(session.ClientReferenceID) != "":
		match = access.ProfileByID(strings.TrimSpace(session.ClientReferenceID))
	case outcome.Email != "":
		match = access.ProfileByEmail(outcome.Email)
	default:
		return nil, fmt.Errorf("%w: checkout %s has no reference id or email", access.ErrProfileNotFound, session.ID)
	}

	priceID, err := p.api.FirstLineItemPriceID(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read line items for %s: %w", session.ID, err)
	}
	tier, known := p.MapPriceToTier(priceID)

	planStatus := access.PlanStatusActive
	var trialEnd *time.Time
	if subID := string(session.Subscription); subID != "" {
		sub, err := p.api.Subscription(ctx, subID)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve subscription %s: %w", subID, err)
		}
		planStatus, trialEnd = trialState(sub.Status, sub.TrialEnd)
	}

	if !known {
		p.metrics.RecordUnmatched(providerName, "price_unmapped")
		p.logger.Warn("checkout price not mapped to a plan, plan set for review",
			access.F("price_id", priceID), access.F("session_id", session.ID), access.F("provisional_tier", string(tier)))
		planStatus = access.PlanStatusPendingReview
	}

	upd := access.ProfileUpdate{
		Plan:                 access.Set(tier),
		PlanStatus:           access.Set(planStatus),
		TrialEndsAt:          access.SetPtr(trialEnd),
		StripeCustomerID:     nullable(string(session.Customer)),
		StripeSubscriptionID: nullable(string(session.Subscription)),
		UpdatedAt:            p.now(),
	}
	return p.applyUpdate(ctx, match, upd, outcome)
}

// handleSubscriptionUpdated mirrors the subscription status onto the profile.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripelib.Event) (*billing.WebhookEvent, error) {
	var sub subscriptionObject
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}

	upd := access.ProfileUpdate{
		PlanStatus: access.Set(MapSubscriptionStatus(sub.Status)),
		UpdatedAt:  p.now(),
	}
	if stripelib.SubscriptionStatus(sub.Status) == stripelib.SubscriptionStatusTrialing && sub.TrialEnd > 0 {
		upd.TrialEndsAt = access.Set(time.Unix(sub.TrialEnd, 0).UTC())
	}
	return p.updateByCustomer(ctx, string(sub.Customer), upd)
}

// handleSubscriptionDeleted cancels the plan and unlinks the subscription.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripelib.Event) (*billing.WebhookEvent, error) {
	var sub subscriptionObject
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}

	upd := access.ProfileUpdate{
		PlanStatus:           access.Set(access.PlanStatusCanceled),
		StripeSubscriptionID: access.Null[string](),
		UpdatedAt:            p.now(),
	}
	return p.updateByCustomer(ctx, string(sub.Customer), upd)
}

func (p *Provider) updateByCustomer(ctx context.Context, customerID string, upd access.ProfileUpdate) (*billing.WebhookEvent, error) {
	outcome := &billing.WebhookEvent{Metadata: map[string]interface{}{"customer_id": customerID}}
	if customerID == "" {
		return nil, fmt.Errorf("%w: subscription without customer id", access.ErrProfileNotFound)
	}
	return p.applyUpdate(ctx, access.ProfileByStripeCustomer(customerID), upd, outcome)
}

func (p *Provider) applyUpdate(
	ctx context.Context, match access.ProfileMatch, upd access.ProfileUpdate, outcome *billing.WebhookEvent,
) (*billing.WebhookEvent, error) {
	n, err := p.storage.UpdateProfiles(ctx, match, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile by %s: %w", match.Field, err)
	}

	outcome.ProfilesUpdated = n
	if v := upd.Plan.Value(); v != nil {
		outcome.PlanTier = string(*v)
	}
	if v := upd.PlanStatus.Value(); v != nil {
		outcome.PlanStatus = string(*v)
	}

	if n == 0 {
		return outcome, fmt.Errorf("%w: %s=%s", access.ErrProfileNotFound, match.Field, match.Value)
	}

	p.metrics.RecordPlanChange(providerName, outcome.PlanTier, outcome.PlanStatus)
	p.logger.Info("profile plan updated",
		access.F("match_field", string(match.Field)), access.F("plan", outcome.PlanTier),
		access.F("plan_status", outcome.PlanStatus), access.F("profiles", n))
	return outcome, nil
}

// alreadyProcessed consults the ledger. Lookup failures are logged and the
// event is processed anyway; profile updates are idempotent.
func (p *Provider) alreadyProcessed(ctx context.Context, eventID string) bool {
	if eventID == "" {
		return false
	}
	seen, err := p.ledger.Seen(ctx, providerName, eventID)
	if err != nil {
		p.logger.Warn("event ledger lookup failed", access.F("event_id", eventID), access.F("error", err))
		return false
	}
	return seen
}

func (p *Provider) notify(ctx context.Context, event *stripelib.Event, outcome *billing.WebhookEvent) {
	if p.config.WebhookCallback == nil {
		return
	}
	outcome.Provider = providerName
	outcome.EventType = string(event.Type)
	outcome.EventID = event.ID
	outcome.EventTimestamp = time.Unix(event.Created, 0).UTC()
	if err := p.config.WebhookCallback(ctx, *outcome); err != nil {
		p.metrics.RecordWebhookError(providerName, "callback_error")
		p.logger.Error("webhook callback failed", access.F("event_id", event.ID), access.F("error", err))
	}
}

// trialState returns the plan status and trial end for a subscription
// created at checkout.
func trialState(status string, trialEndUnix int64) (access.PlanStatus, *time.Time) {
	if stripelib.SubscriptionStatus(status) != stripelib.SubscriptionStatusTrialing {
		return access.PlanStatusActive, nil
	}
	if trialEndUnix <= 0 {
		return access.PlanStatusTrial, nil
	}
	trialEnd := time.Unix(trialEndUnix, 0).UTC()
	return access.PlanStatusTrial, &trialEnd
}

func nullable(s string) access.Optional[string] {
	if s == "" {
		return access.Null[string]()
	}
	return access.Set(s)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

package stripe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tribebuild/tribehooks/pkg/access"
	"github.com/tribebuild/tribehooks/pkg/billing"
)

// EventReconcile is the event type reported for reconciliation runs.
const EventReconcile = "reconcile"

var _ billing.Reconciler = (*Provider)(nil)

// Reconcile lists the customer's subscriptions and rewrites the plan of the
// profile linked to that customer from the most relevant one. A customer
// without a live subscription is canceled and unlinked from its subscription.
// The error wraps access.ErrProfileNotFound when no profile carries the
// customer id.
func (p *Provider) Reconcile(ctx context.Context, customerID string) (*billing.WebhookEvent, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", access.ErrInvalidMatch)
	}

	start := time.Now()
	defer func() {
		p.metrics.RecordWebhookProcessingDuration(providerName, EventReconcile, time.Since(start))
	}()

	subs, err := p.api.CustomerSubscriptions(ctx, customerID)
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, EventReconcile, "error")
		return nil, fmt.Errorf("failed to list subscriptions for %s: %w", customerID, err)
	}

	outcome := &billing.WebhookEvent{
		Provider:       providerName,
		EventType:      EventReconcile,
		EventTimestamp: p.now(),
		Metadata:       map[string]interface{}{"customer_id": customerID, "subscriptions": len(subs)},
	}
	outcome, err = p.applyUpdate(ctx, access.ProfileByStripeCustomer(customerID), p.reconcileUpdate(subs), outcome)
	switch {
	case err == nil:
		p.metrics.RecordWebhookEvent(providerName, EventReconcile, "success")
	case outcome != nil:
		p.metrics.RecordWebhookEvent(providerName, EventReconcile, "unmatched")
		p.metrics.RecordUnmatched(providerName, "profile_not_found")
	default:
		p.metrics.RecordWebhookEvent(providerName, EventReconcile, "error")
	}
	return outcome, err
}

func (p *Provider) reconcileUpdate(subs []SubscriptionInfo) access.ProfileUpdate {
	current, ok := p.currentSubscription(subs)
	if !ok {
		return access.ProfileUpdate{
			PlanStatus:           access.Set(access.PlanStatusCanceled),
			TrialEndsAt:          access.Null[time.Time](),
			StripeSubscriptionID: access.Null[string](),
			UpdatedAt:            p.now(),
		}
	}

	tier, known := p.MapPriceToTier(current.PriceID)
	planStatus, trialEnd := trialState(current.Status, current.TrialEnd)
	if !known {
		p.metrics.RecordUnmatched(providerName, "price_unmapped")
		p.logger.Warn("subscription price not mapped to a plan, plan set for review",
			access.F("price_id", current.PriceID), access.F("subscription_id", current.ID),
			access.F("provisional_tier", string(tier)))
		planStatus = access.PlanStatusPendingReview
	}
	return access.ProfileUpdate{
		Plan:                 access.Set(tier),
		PlanStatus:           access.Set(planStatus),
		TrialEndsAt:          access.SetPtr(trialEnd),
		StripeSubscriptionID: access.Set(current.ID),
		UpdatedAt:            p.now(),
	}
}

// currentSubscription picks the live subscription with the highest mapped
// tier, newest first on ties. ok is false when no subscription is live.
func (p *Provider) currentSubscription(subs []SubscriptionInfo) (SubscriptionInfo, bool) {
	live := make([]SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		switch MapSubscriptionStatus(sub.Status) {
		case access.PlanStatusActive, access.PlanStatusTrial:
			live = append(live, sub)
		}
	}
	if len(live) == 0 {
		return SubscriptionInfo{}, false
	}

	sort.SliceStable(live, func(i, j int) bool {
		ri, rj := p.priceRank(live[i].PriceID), p.priceRank(live[j].PriceID)
		if ri != rj {
			return ri > rj
		}
		return live[i].Created > live[j].Created
	})
	return live[0], true
}

// priceRank orders prices by tier. Unmapped prices rank below every mapped one.
func (p *Provider) priceRank(priceID string) int {
	tier, known := p.MapPriceToTier(priceID)
	if !known {
		return 0
	}
	return planRank[tier]
}

package stripe

import (
	"github.com/stripe/stripe-go/v83"

	"github.com/tribebuild/tribehooks/pkg/access"
)

// subscriptionStatusMapping maps Stripe subscription statuses to plan
// statuses. past_due keeps the plan active during Stripe's dunning period.
var subscriptionStatusMapping = map[stripe.SubscriptionStatus]access.PlanStatus{
	stripe.SubscriptionStatusActive:            access.PlanStatusActive,
	stripe.SubscriptionStatusTrialing:          access.PlanStatusTrial,
	stripe.SubscriptionStatusPastDue:           access.PlanStatusActive,
	stripe.SubscriptionStatusCanceled:          access.PlanStatusCanceled,
	stripe.SubscriptionStatusUnpaid:            access.PlanStatusCanceled,
	stripe.SubscriptionStatusIncomplete:        access.PlanStatusCanceled,
	stripe.SubscriptionStatusIncompleteExpired: access.PlanStatusCanceled,
	stripe.SubscriptionStatusPaused:            access.PlanStatusCanceled,
}

// MapSubscriptionStatus maps a Stripe subscription status to a plan status.
// Unrecognized statuses map to free.
func MapSubscriptionStatus(status string) access.PlanStatus {
	if mapped, ok := subscriptionStatusMapping[stripe.SubscriptionStatus(status)]; ok {
		return mapped
	}
	return access.PlanStatusFree
}

// planRank orders paid tiers when a customer holds several live subscriptions.
var planRank = map[access.PlanTier]int{
	access.PlanStarter:      1,
	access.PlanProfessional: 2,
	access.PlanBusiness:     3,
	access.PlanEnterprise:   4,
}

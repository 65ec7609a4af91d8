package access

import (
	"context"
	"time"
)

// Storage defines the persistence operations the webhook processors need.
// Implementations must make UpsertClient and InsertGrant atomic so concurrent
// deliveries of the same purchase cannot create duplicates.
type Storage interface {
	// FindProducts returns active products whose ExternalID matches externalID
	// under mode, oldest first.
	FindProducts(ctx context.Context, externalID string, mode MatchMode) ([]Product, error)

	// FindBonusProducts returns active products whose ParentProductID is one of
	// parentIDs.
	FindBonusProducts(ctx context.Context, parentIDs []string) ([]Product, error)

	// UpsertClient returns the client identified by (Email, AppID), creating it
	// from c when absent. created reports whether a row was inserted.
	UpsertClient(ctx context.Context, c *Client) (client *Client, created bool, err error)

	// InsertGrant inserts g unless a grant for (ClientID, ProductID) exists.
	// created reports whether a row was inserted.
	InsertGrant(ctx context.Context, g *ClientProduct) (created bool, err error)

	// UpdateProfiles applies upd to every profile selected by match and returns
	// the number of profiles changed.
	UpdateProfiles(ctx context.Context, match ProfileMatch, upd ProfileUpdate) (int64, error)
}

// ProfileMatchField names the profile column a billing event is matched on.
type ProfileMatchField string

const (
	MatchProfileID        ProfileMatchField = "id"
	MatchProfileEmail     ProfileMatchField = "email"
	MatchStripeCustomerID ProfileMatchField = "stripe_customer_id"
)

// ProfileMatch selects profiles by a single column.
type ProfileMatch struct {
	Field ProfileMatchField
	Value string
}

// ProfileByID matches the profile with the given id.
func ProfileByID(id string) ProfileMatch {
	return ProfileMatch{Field: MatchProfileID, Value: id}
}

// ProfileByEmail matches profiles with the given email.
func ProfileByEmail(email string) ProfileMatch {
	return ProfileMatch{Field: MatchProfileEmail, Value: NormalizeEmail(email)}
}

// ProfileByStripeCustomer matches profiles linked to a Stripe customer.
func ProfileByStripeCustomer(customerID string) ProfileMatch {
	return ProfileMatch{Field: MatchStripeCustomerID, Value: customerID}
}

// Validate checks the match is usable.
func (m ProfileMatch) Validate() error {
	switch m.Field {
	case MatchProfileID, MatchProfileEmail, MatchStripeCustomerID:
	default:
		return ErrInvalidMatch
	}
	if m.Value == "" {
		return ErrInvalidMatch
	}
	return nil
}

// Optional is a tri-state update value: unset (leave column alone), null, or a
// value.
type Optional[T any] struct {
	set   bool
	value *T
}

// Set returns an Optional holding v.
func Set[T any](v T) Optional[T] {
	return Optional[T]{set: true, value: &v}
}

// Null returns an Optional that clears the column.
func Null[T any]() Optional[T] {
	return Optional[T]{set: true}
}

// SetPtr returns Set(*v), or Null when v is nil.
func SetPtr[T any](v *T) Optional[T] {
	if v == nil {
		return Null[T]()
	}
	return Set(*v)
}

// IsSet reports whether the column should be written.
func (o Optional[T]) IsSet() bool { return o.set }

// Value returns the value to write; nil means NULL.
func (o Optional[T]) Value() *T { return o.value }

// ProfileUpdate lists the profile columns a billing event writes.
type ProfileUpdate struct {
	Plan                 Optional[PlanTier]
	PlanStatus           Optional[PlanStatus]
	TrialEndsAt          Optional[time.Time]
	StripeCustomerID     Optional[string]
	StripeSubscriptionID Optional[string]
	UpdatedAt            time.Time
}

// Apply writes the set fields of u onto p.
func (u ProfileUpdate) Apply(p *Profile) {
	if u.Plan.IsSet() {
		p.Plan = deref(u.Plan.Value())
	}
	if u.PlanStatus.IsSet() {
		p.PlanStatus = deref(u.PlanStatus.Value())
	}
	if u.TrialEndsAt.IsSet() {
		if v := u.TrialEndsAt.Value(); v != nil {
			t := *v
			p.TrialEndsAt = &t
		} else {
			p.TrialEndsAt = nil
		}
	}
	if u.StripeCustomerID.IsSet() {
		p.StripeCustomerID = deref(u.StripeCustomerID.Value())
	}
	if u.StripeSubscriptionID.IsSet() {
		p.StripeSubscriptionID = deref(u.StripeSubscriptionID.Value())
	}
	if !u.UpdatedAt.IsZero() {
		p.UpdatedAt = u.UpdatedAt
	}
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

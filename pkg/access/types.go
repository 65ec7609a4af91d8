// Package access models the access-granting side of TribeBuild: the products a
// producer sells, the end customers (clients) who buy them, the grants linking
// the two, and the producer profiles whose platform plan is driven by billing
// events.
package access

import (
	"strings"
	"time"
)

// PlanTier is the platform subscription level of a producer profile.
type PlanTier string

const (
	PlanStarter      PlanTier = "starter"
	PlanProfessional PlanTier = "professional"
	PlanBusiness     PlanTier = "business"
	PlanEnterprise   PlanTier = "enterprise"
	PlanFree         PlanTier = "free"
)

// ParsePlanTier parses a tier name (case-insensitive).
func ParsePlanTier(s string) (PlanTier, bool) {
	switch tier := PlanTier(strings.ToLower(strings.TrimSpace(s))); tier {
	case PlanStarter, PlanProfessional, PlanBusiness, PlanEnterprise, PlanFree:
		return tier, true
	default:
		return "", false
	}
}

// PlanStatus is the lifecycle state of a producer's platform plan.
type PlanStatus string

const (
	PlanStatusActive   PlanStatus = "active"
	PlanStatusTrial    PlanStatus = "trial"
	PlanStatusCanceled PlanStatus = "canceled"
	PlanStatusFree     PlanStatus = "free"

	// PlanStatusPendingReview marks a checkout whose price could not be mapped
	// to a tier. The tier written alongside it is provisional.
	PlanStatusPendingReview PlanStatus = "pending_review"
)

const (
	// SourceHotmart tags clients and grants created from Hotmart sales
	SourceHotmart = "hotmart"

	// ClientStatusActive is the status of newly created clients
	ClientStatusActive = "active"

	// GrantStatusActive is the status of newly created grants
	GrantStatusActive = "active"

	// BonusPrefix is prepended to bonus product names in grant summaries
	BonusPrefix = "Bônus - "
)

// Product is a sellable unit (course, ebook, bonus) owned by an app.
type Product struct {
	ID              string
	Name            string
	ExternalID      string // marketplace product id
	AppID           string
	ParentProductID string // non-empty for bonus products
	IsActive        bool
	CreatedAt       time.Time
}

// Client is an end customer of one app. Clients are unique per (Email, AppID).
type Client struct {
	ID        string
	Email     string
	Name      string
	AppID     string
	Source    string
	Status    string
	CreatedAt time.Time
}

// ClientProduct grants a client access to a product. At most one grant exists
// per (ClientID, ProductID).
type ClientProduct struct {
	ID        string
	ClientID  string
	ProductID string
	Status    string
	GrantedBy string
	CreatedAt time.Time
}

// Profile is a producer (tenant) account paying for the platform itself.
type Profile struct {
	ID                   string
	Email                string
	Plan                 PlanTier
	PlanStatus           PlanStatus
	TrialEndsAt          *time.Time
	StripeCustomerID     string
	StripeSubscriptionID string
	UpdatedAt            time.Time
}

// NormalizeEmail trims and lower-cases an email address so (email, app)
// uniqueness is not defeated by casing.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MatchMode controls how an incoming marketplace product id is matched
// against Product.ExternalID.
type MatchMode string

const (
	// MatchExact matches only when the external id equals the incoming id
	MatchExact MatchMode = "exact"

	// MatchContains also matches external ids that contain the incoming id,
	// for marketplaces that embed the id inside a longer string.
	MatchContains MatchMode = "contains"
)

// ParseMatchMode parses a match mode, defaulting to MatchContains.
func ParseMatchMode(s string) (MatchMode, bool) {
	switch mode := MatchMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "":
		return MatchContains, true
	case MatchExact, MatchContains:
		return mode, true
	default:
		return "", false
	}
}

// Matches reports whether externalID matches id under the mode.
func (m MatchMode) Matches(externalID, id string) bool {
	if id == "" {
		return false
	}
	if externalID == id {
		return true
	}
	return m == MatchContains && strings.Contains(externalID, id)
}

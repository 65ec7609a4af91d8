package access

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Purchase is a marketplace sale normalized from a provider payload.
type Purchase struct {
	// EventID is the provider's delivery id (may be empty)
	EventID string

	// Event is the provider event name, e.g. "PURCHASE_APPROVED"
	Event string

	// ProductID is the marketplace product id
	ProductID string

	// Email and Name identify the buyer
	Email string
	Name  string

	// Source tags created clients and grants ("hotmart")
	Source string
}

// Validate checks the fields the grant algorithm depends on.
func (p Purchase) Validate() error {
	if strings.TrimSpace(p.ProductID) == "" || strings.TrimSpace(p.Email) == "" {
		return ErrInvalidPurchase
	}
	return nil
}

// GrantRecord is one grant created while processing a purchase.
type GrantRecord struct {
	Product Product
	Bonus   bool
}

// Label returns the summary name of the grant; bonuses are prefixed.
func (r GrantRecord) Label() string {
	if r.Bonus {
		return BonusPrefix + r.Product.Name
	}
	return r.Product.Name
}

// GrantSummary describes the outcome of Granter.Grant.
type GrantSummary struct {
	Email         string
	AppID         string
	Client        *Client
	ClientCreated bool

	// Products are the directly purchased products that matched
	Products []Product

	// Bonuses are the child products of Products
	Bonuses []Product

	// Granted lists grants created by this call; existing grants are skipped
	Granted []GrantRecord
}

// Count returns the number of grants created.
func (s *GrantSummary) Count() int {
	return len(s.Granted)
}

// Labels returns the grant labels in creation order.
func (s *GrantSummary) Labels() []string {
	labels := make([]string, 0, len(s.Granted))
	for _, g := range s.Granted {
		labels = append(labels, g.Label())
	}
	return labels
}

// GranterConfig configures a Granter.
type GranterConfig struct {
	// Storage is required
	Storage Storage

	// MatchMode selects how marketplace product ids are matched (default MatchContains)
	MatchMode MatchMode

	// Logger is optional
	Logger Logger

	// Now overrides the clock (tests)
	Now func() time.Time
}

// Granter turns marketplace purchases into client access grants.
type Granter struct {
	storage   Storage
	matchMode MatchMode
	logger    Logger
	now       func() time.Time
}

// NewGranter creates a Granter.
func NewGranter(config GranterConfig) (*Granter, error) {
	if config.Storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.MatchMode == "" {
		config.MatchMode = MatchContains
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Granter{
		storage:   config.Storage,
		matchMode: config.MatchMode,
		logger:    config.Logger,
		now:       config.Now,
	}, nil
}

// Grant resolves the purchased products, upserts the buyer as a client of the
// owning app and grants the products plus their direct bonus products.
//
// Grants created before a storage failure are kept; calling Grant again with
// the same purchase only creates what is still missing.
func (g *Granter) Grant(ctx context.Context, p Purchase) (*GrantSummary, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	productID := strings.TrimSpace(p.ProductID)
	email := NormalizeEmail(p.Email)
	source := p.Source
	if source == "" {
		source = SourceHotmart
	}

	products, err := g.storage.FindProducts(ctx, productID, g.matchMode)
	if err != nil {
		return nil, fmt.Errorf("failed to find products: %w", err)
	}
	if len(products) == 0 {
		g.logger.Info("no product matched purchase", F("product_id", productID), F("event", p.Event))
		return nil, fmt.Errorf("%w: %s", ErrNoMatchingProduct, productID)
	}
	g.logger.Debug("products matched purchase", F("product_id", productID), F("count", len(products)))

	// The first product decides which app the buyer becomes a client of.
	appID := products[0].AppID
	if appID == "" {
		g.logger.Error("matched product has no app", F("product", products[0].ID))
		return nil, fmt.Errorf("%w: product %s", ErrProductWithoutApp, products[0].ID)
	}

	client, created, err := g.storage.UpsertClient(ctx, &Client{
		Email:     email,
		Name:      strings.TrimSpace(p.Name),
		AppID:     appID,
		Source:    source,
		Status:    ClientStatusActive,
		CreatedAt: g.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert client: %w", err)
	}
	if created {
		g.logger.Info("client created", F("email", email), F("app_id", appID))
	}

	summary := &GrantSummary{
		Email:         email,
		AppID:         appID,
		Client:        client,
		ClientCreated: created,
		Products:      products,
	}

	if err := g.grantAll(ctx, summary, client, products, source, false); err != nil {
		return summary, err
	}

	parentIDs := make([]string, 0, len(products))
	for _, product := range products {
		parentIDs = append(parentIDs, product.ID)
	}
	bonuses, err := g.storage.FindBonusProducts(ctx, parentIDs)
	if err != nil {
		return summary, fmt.Errorf("failed to find bonus products: %w", err)
	}
	summary.Bonuses = bonuses

	if err := g.grantAll(ctx, summary, client, bonuses, source, true); err != nil {
		return summary, err
	}

	return summary, nil
}

func (g *Granter) grantAll(
	ctx context.Context, summary *GrantSummary, client *Client, products []Product, source string, bonus bool,
) error {
	for _, product := range products {
		created, err := g.storage.InsertGrant(ctx, &ClientProduct{
			ClientID:  client.ID,
			ProductID: product.ID,
			Status:    GrantStatusActive,
			GrantedBy: source,
			CreatedAt: g.now(),
		})
		if err != nil {
			return fmt.Errorf("failed to grant product %s: %w", product.ID, err)
		}
		if !created {
			continue
		}
		summary.Granted = append(summary.Granted, GrantRecord{Product: product, Bonus: bonus})
		g.logger.Info("access granted",
			F("email", client.Email), F("product", product.Name), F("bonus", bonus))
	}
	return nil
}

// Package postgres provides a PostgreSQL implementation of access.Storage and
// billing.EventLedger. Client and grant creation are single
// INSERT ... ON CONFLICT DO NOTHING statements, so concurrent deliveries of the
// same purchase cannot create duplicates.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribebuild/tribehooks/pkg/access"
)

// Storage implements access.Storage and billing.EventLedger using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to purge old ledger entries
	EventTTL        time.Duration // How long processed event ids are remembered

	// Logger is optional
	Logger access.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		EventTTL:        30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &access.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.EventTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const productColumns = `id::text, name, coalesce(external_id, ''), coalesce(app_id::text, ''),
	coalesce(parent_product_id::text, ''), is_active, created_at`

// FindProducts implements access.Storage
func (s *Storage) FindProducts(ctx context.Context, externalID string, mode access.MatchMode) ([]access.Product, error) {
	if externalID == "" {
		return nil, nil
	}
	query := `SELECT ` + productColumns + ` FROM products
		WHERE is_active AND external_id = $1
		ORDER BY created_at, id`
	if mode == access.MatchContains {
		// strpos keeps LIKE wildcards in the incoming id literal.
		query = `SELECT ` + productColumns + ` FROM products
			WHERE is_active AND (external_id = $1 OR strpos(external_id, $1) > 0)
			ORDER BY created_at, id`
	}
	rows, err := s.pool.Query(ctx, query, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	return collectProducts(rows)
}

// FindBonusProducts implements access.Storage
func (s *Storage) FindBonusProducts(ctx context.Context, parentIDs []string) ([]access.Product, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products
			WHERE is_active AND parent_product_id::text = ANY($1::text[])
			ORDER BY created_at, id`,
		parentIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query bonus products: %w", err)
	}
	return collectProducts(rows)
}

func collectProducts(rows pgx.Rows) ([]access.Product, error) {
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (access.Product, error) {
		var p access.Product
		err := row.Scan(&p.ID, &p.Name, &p.ExternalID, &p.AppID, &p.ParentProductID, &p.IsActive, &p.CreatedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan products: %w", err)
	}
	return products, nil
}

const clientColumns = `id::text, email, coalesce(name, ''), app_id::text, source, status, created_at`

// UpsertClient implements access.Storage
func (s *Storage) UpsertClient(ctx context.Context, c *access.Client) (*access.Client, bool, error) {
	if c == nil || c.Email == "" || c.AppID == "" {
		return nil, false, fmt.Errorf("invalid client")
	}
	email := access.NormalizeEmail(c.Email)
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var out access.Client
	err := s.pool.QueryRow(ctx,
		`INSERT INTO clients (email, name, app_id, source, status, created_at)
			VALUES ($1, NULLIF($2, ''), $3::uuid, $4, $5, $6)
			ON CONFLICT (app_id, email) DO NOTHING
			RETURNING `+clientColumns,
		email, c.Name, c.AppID, c.Source, c.Status, createdAt).
		Scan(&out.ID, &out.Email, &out.Name, &out.AppID, &out.Source, &out.Status, &out.CreatedAt)
	if err == nil {
		return &out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert client: %w", err)
	}

	// Conflict: the client exists (possibly inserted by a concurrent delivery).
	err = s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE app_id = $1::uuid AND email = $2`,
		c.AppID, email).
		Scan(&out.ID, &out.Email, &out.Name, &out.AppID, &out.Source, &out.Status, &out.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load client: %w", err)
	}
	return &out, false, nil
}

// InsertGrant implements access.Storage
func (s *Storage) InsertGrant(ctx context.Context, g *access.ClientProduct) (bool, error) {
	if g == nil || g.ClientID == "" || g.ProductID == "" {
		return false, fmt.Errorf("invalid grant")
	}
	createdAt := g.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO client_products (client_id, product_id, status, granted_by, created_at)
			VALUES ($1::uuid, $2::uuid, $3, NULLIF($4, ''), $5)
			ON CONFLICT (client_id, product_id) DO NOTHING`,
		g.ClientID, g.ProductID, g.Status, g.GrantedBy, createdAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert grant: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProfiles implements access.Storage
func (s *Storage) UpdateProfiles(ctx context.Context, match access.ProfileMatch, upd access.ProfileUpdate) (int64, error) {
	if err := match.Validate(); err != nil {
		return 0, err
	}
	query, args := buildProfileUpdate(match, upd)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update profiles: %w", err)
	}
	return tag.RowsAffected(), nil
}

// buildProfileUpdate renders the UPDATE for the set fields of upd.
// updated_at is always written.
func buildProfileUpdate(match access.ProfileMatch, upd access.ProfileUpdate) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Plan.IsSet() {
		add("plan", stringOrNil(upd.Plan.Value()))
	}
	if upd.PlanStatus.IsSet() {
		add("plan_status", stringOrNil(upd.PlanStatus.Value()))
	}
	if upd.TrialEndsAt.IsSet() {
		var v any
		if t := upd.TrialEndsAt.Value(); t != nil {
			v = *t
		}
		add("trial_ends_at", v)
	}
	if upd.StripeCustomerID.IsSet() {
		add("stripe_customer_id", stringOrNil(upd.StripeCustomerID.Value()))
	}
	if upd.StripeSubscriptionID.IsSet() {
		add("stripe_subscription_id", stringOrNil(upd.StripeSubscriptionID.Value()))
	}
	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	add("updated_at", updatedAt)

	var where string
	args = append(args, match.Value)
	switch match.Field {
	case access.MatchProfileID:
		where = fmt.Sprintf("id::text = $%d", len(args))
	case access.MatchProfileEmail:
		where = fmt.Sprintf("lower(email) = lower($%d)", len(args))
	case access.MatchStripeCustomerID:
		where = fmt.Sprintf("stripe_customer_id = $%d", len(args))
	}

	return "UPDATE profiles SET " + strings.Join(sets, ", ") + " WHERE " + where, args
}

func stringOrNil[T ~string](v *T) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

// Seen implements billing.EventLedger
func (s *Storage) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)`,
		provider, eventID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to query webhook event: %w", err)
	}
	return seen, nil
}

// MarkProcessed implements billing.EventLedger
func (s *Storage) MarkProcessed(ctx context.Context, provider, eventID string) error {
	if provider == "" || eventID == "" {
		return fmt.Errorf("invalid event key")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (provider, event_id, processed_at) VALUES ($1, $2, $3)
			ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

// startCleanup periodically purges ledger entries older than EventTTL.
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.config.Logger.Warn("webhook event cleanup failed", access.F("error", err))
			}
		}
	}
}

// Cleanup deletes ledger entries older than EventTTL
func (s *Storage) Cleanup(ctx context.Context) error {
	if s.config.EventTTL <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_events WHERE processed_at < $1`, time.Now().UTC().Add(-s.config.EventTTL))
	if err != nil {
		return fmt.Errorf("failed to cleanup webhook events: %w", err)
	}
	return nil
}

// Package redis provides a Redis implementation of billing.EventLedger.
// Processed event ids are stored as keys with a TTL so re-deliveries inside
// the provider's retry window are recognized without touching the database.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger implements billing.EventLedger using Redis
type Ledger struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis ledger configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "tribehooks:")
	KeyPrefix string

	// TTL is how long a processed event id is remembered (default: 7 days, 0 keeps the default)
	TTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "tribehooks:",
		TTL:       7 * 24 * time.Hour,
	}
}

// New creates a new Redis ledger
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}

	return &Ledger{client: client, config: config}, nil
}

func (l *Ledger) eventKey(provider, eventID string) string {
	return fmt.Sprintf("%sevent:%s:%s", l.config.KeyPrefix, provider, eventID)
}

// Seen implements billing.EventLedger
func (l *Ledger) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.eventKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements billing.EventLedger. Marking an event twice keeps
// the first timestamp.
func (l *Ledger) MarkProcessed(ctx context.Context, provider, eventID string) error {
	err := l.client.SetNX(ctx, l.eventKey(provider, eventID), time.Now().UTC().Format(time.RFC3339), l.config.TTL).Err()
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
)

// MutateFunc receives the user's current subscription (nil when none exists)
// and returns the record to persist. Returning a nil record or an error leaves
// storage untouched.
type MutateFunc func(current *billing.Subscription) (*billing.Subscription, error)

// SubscriptionStore persists the canonical per-user entitlement record.
// Implementations serialize all mutations of a single user's record.
type SubscriptionStore interface {
	// GetSubscription returns nil, nil when the user has no record
	GetSubscription(ctx context.Context, userID string) (*billing.Subscription, error)

	// FindUserByProviderRef returns "" when no record references ref
	FindUserByProviderRef(ctx context.Context, ref billing.ProviderRef) (string, error)

	// MutateSubscription applies fn while holding the user's record exclusively
	// and stores its result atomically
	MutateSubscription(ctx context.Context, userID string, fn MutateFunc) (*billing.Subscription, error)

	// ListExpiredFree returns free-plan records whose period ended before now
	ListExpiredFree(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error)
}

// ConsumeResult is the outcome of an accepted consumption
type ConsumeResult struct {
	Subscription *billing.Subscription
	Entry        *billing.UsageEntry
	// Duplicate is set when the message id had already been recorded; Entry
	// is then the prior entry and nothing was incremented
	Duplicate bool
}

// LedgerStore is the token ledger. Consume is the atomic compare-and-increment.
type LedgerStore interface {
	// Consume creates initial from the template when the user has no record,
	// then adds entry.TotalTokens to tokens_used only when the result stays
	// within token_limit, appending entry in the same transaction. Declines
	// return *billing.QuotaExceededError.
	Consume(ctx context.Context, entry *billing.UsageEntry, initial *billing.Subscription, now time.Time) (*ConsumeResult, error)

	// ResetUsage zeroes tokens_used and moves the period bounds
	ResetUsage(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*billing.Subscription, error)

	// GetUsageEntry returns nil, nil when the message id is unknown
	GetUsageEntry(ctx context.Context, messageID string) (*billing.UsageEntry, error)

	// ListUsage returns the newest entries first
	ListUsage(ctx context.Context, userID string, limit int) ([]*billing.UsageEntry, error)
}

// PaymentStore is the append-only payment history
type PaymentStore interface {
	// InsertPayment returns false without error when the provider reference exists
	InsertPayment(ctx context.Context, payment *billing.Payment) (bool, error)

	// ListPayments returns the newest payments first
	ListPayments(ctx context.Context, userID string, limit int) ([]*billing.Payment, error)
}

// EventLog remembers webhook deliveries that were fully applied
type EventLog interface {
	Seen(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID, eventType string) error
}

// Config for storage backend
type Config struct {
	Type string // "memory", "postgres"

	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// Redis config, optional; used for the webhook event log when set
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// How long processed webhook event ids are remembered
	EventTTL time.Duration
	// Capacity of the in-process event log
	EventCacheSize int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "memory",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		EventTTL:         72 * time.Hour,
		EventCacheSize:   100_000,
	}
}

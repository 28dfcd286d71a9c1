package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

const subscriptionColumns = `user_id, plan_id, status, provider, provider_ref,
	current_period_start, current_period_end, cancel_at_period_end,
	token_limit, tokens_used, usage_period_start, created_at, updated_at`

// Store implements the subscription, ledger and payment stores on PostgreSQL.
// Per-user mutations take a transaction-scoped advisory lock on the user id so
// that creation of a missing record is serialized as well as updates.
type Store struct {
	db *sql.DB
}

var (
	_ storage.SubscriptionStore = (*Store)(nil)
	_ storage.LedgerStore       = (*Store)(nil)
	_ storage.PaymentStore      = (*Store)(nil)
)

// NewStore creates a Store over an open connection pool
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the pool for health checks
func (s *Store) DB() *sql.DB {
	return s.db
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*billing.Subscription, error) {
	sub := &billing.Subscription{}
	var status string
	err := row.Scan(
		&sub.UserID, &sub.PlanID, &status, &sub.Provider.Provider, &sub.Provider.ExternalID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.TokenLimit, &sub.TokensUsed, &sub.UsagePeriodStart, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = billing.SubscriptionStatus(status)
	return sub, nil
}

func lockUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("failed to lock user %s: %w", userID, err)
	}
	return nil
}

// GetSubscription retrieves the subscription for a user
func (s *Store) GetSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// FindUserByProviderRef finds the user whose record points at ref
func (s *Store) FindUserByProviderRef(ctx context.Context, ref billing.ProviderRef) (string, error) {
	if ref.IsZero() {
		return "", nil
	}
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM subscriptions WHERE provider = $1 AND provider_ref = $2 ORDER BY updated_at DESC LIMIT 1`,
		ref.Provider, ref.ExternalID,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find subscription by provider ref: %w", err)
	}
	return userID, nil
}

// MutateSubscription locks the user's row, applies fn and upserts the result
// in one transaction
func (s *Store) MutateSubscription(ctx context.Context, userID string, fn storage.MutateFunc) (*billing.Subscription, error) {
	var result *billing.Subscription

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}

		current, err := scanSubscription(tx.QueryRowContext(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID))
		if err == sql.ErrNoRows {
			current = nil
		} else if err != nil {
			return fmt.Errorf("failed to load subscription: %w", err)
		}

		next, err := fn(current.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}

		now := time.Now().UTC()
		next.UserID = userID
		query := `
			INSERT INTO subscriptions (user_id, plan_id, status, provider, provider_ref,
				current_period_start, current_period_end, cancel_at_period_end,
				token_limit, tokens_used, usage_period_start, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
			ON CONFLICT (user_id) DO UPDATE
			SET plan_id = EXCLUDED.plan_id, status = EXCLUDED.status,
			    provider = EXCLUDED.provider, provider_ref = EXCLUDED.provider_ref,
			    current_period_start = EXCLUDED.current_period_start,
			    current_period_end = EXCLUDED.current_period_end,
			    cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			    token_limit = EXCLUDED.token_limit, tokens_used = EXCLUDED.tokens_used,
			    usage_period_start = EXCLUDED.usage_period_start,
			    updated_at = EXCLUDED.updated_at
			RETURNING ` + subscriptionColumns
		saved, err := scanSubscription(tx.QueryRowContext(ctx, query,
			next.UserID, next.PlanID, string(next.Status), next.Provider.Provider, next.Provider.ExternalID,
			next.CurrentPeriodStart, next.CurrentPeriodEnd, next.CancelAtPeriodEnd,
			next.TokenLimit, next.TokensUsed, next.UsagePeriodStart, now,
		))
		if err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
		result = saved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListExpiredFree returns provider-less active records past their period end
func (s *Store) ListExpiredFree(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE provider = '' AND status = $1 AND NOT cancel_at_period_end AND current_period_end < $2
		ORDER BY current_period_end
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, string(billing.SubscriptionStatusActive), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

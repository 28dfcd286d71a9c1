package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

const usageColumns = `id, user_id, session_id, message_id, prompt_tokens, completion_tokens,
	total_tokens, estimated_cost, model, created_at`

// errDuplicateUsage aborts the consume transaction when the message id exists
var errDuplicateUsage = errors.New("usage entry already recorded")

func scanUsage(row scanner) (*billing.UsageEntry, error) {
	e := &billing.UsageEntry{}
	err := row.Scan(&e.ID, &e.UserID, &e.SessionID, &e.MessageID, &e.PromptTokens,
		&e.CompletionTokens, &e.TotalTokens, &e.EstimatedCost, &e.Model, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Consume appends the usage entry and increments tokens_used with a single
// conditional UPDATE. If the condition fails the transaction is rolled back,
// so neither the entry nor a lazily created record survives a decline.
func (s *Store) Consume(ctx context.Context, entry *billing.UsageEntry, initial *billing.Subscription, now time.Time) (*storage.ConsumeResult, error) {
	var result *storage.ConsumeResult

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, entry.UserID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (user_id, plan_id, status, provider, provider_ref,
				current_period_start, current_period_end, cancel_at_period_end,
				token_limit, tokens_used, usage_period_start, created_at, updated_at)
			VALUES ($1, $2, $3, '', '', $4, $5, FALSE, $6, 0, $4, $7, $7)
			ON CONFLICT (user_id) DO NOTHING`,
			entry.UserID, initial.PlanID, string(initial.Status),
			initial.CurrentPeriodStart, initial.CurrentPeriodEnd, initial.TokenLimit, now,
		); err != nil {
			return fmt.Errorf("failed to initialize subscription: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO token_usage (id, user_id, session_id, message_id, prompt_tokens,
				completion_tokens, total_tokens, estimated_cost, model, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (message_id) DO NOTHING`,
			entry.ID, entry.UserID, entry.SessionID, entry.MessageID, entry.PromptTokens,
			entry.CompletionTokens, entry.TotalTokens, entry.EstimatedCost, entry.Model, entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record usage: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to record usage: %w", err)
		} else if n == 0 {
			return errDuplicateUsage
		}

		sub, err := scanSubscription(tx.QueryRowContext(ctx, `
			UPDATE subscriptions
			SET tokens_used = tokens_used + $2, updated_at = $3
			WHERE user_id = $1
			  AND $2 <= token_limit - tokens_used
			  AND (NOT (status = 'canceled' OR cancel_at_period_end) OR current_period_end > $3)
			RETURNING `+subscriptionColumns,
			entry.UserID, entry.TotalTokens, now,
		))
		if err == sql.ErrNoRows {
			return s.declined(ctx, tx, entry, now)
		}
		if err != nil {
			return fmt.Errorf("failed to consume tokens: %w", err)
		}

		result = &storage.ConsumeResult{Subscription: sub, Entry: entry}
		return nil
	})

	if errors.Is(err, errDuplicateUsage) {
		return s.duplicate(ctx, entry)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// declined builds the quota error from the locked row
func (s *Store) declined(ctx context.Context, tx *sql.Tx, entry *billing.UsageEntry, now time.Time) error {
	sub, err := scanSubscription(tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, entry.UserID))
	if err != nil {
		return fmt.Errorf("failed to load subscription after declined consume: %w", err)
	}
	return &billing.QuotaExceededError{
		UserID:    entry.UserID,
		Requested: entry.TotalTokens,
		Used:      sub.TokensUsed,
		Limit:     sub.TokenLimit,
		Expired:   !sub.ConsumptionAllowed(now),
	}
}

// duplicate answers a replayed message id with the stored entry. A message id
// recorded for another user is a conflict and reveals nothing about them.
func (s *Store) duplicate(ctx context.Context, entry *billing.UsageEntry) (*storage.ConsumeResult, error) {
	prior, err := s.GetUsageEntry(ctx, entry.MessageID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("usage entry %s vanished after conflict", entry.MessageID)
	}
	if prior.UserID != entry.UserID {
		return nil, billing.ErrMessageIDConflict
	}
	sub, err := s.GetSubscription(ctx, prior.UserID)
	if err != nil {
		return nil, err
	}
	return &storage.ConsumeResult{Subscription: sub, Entry: prior, Duplicate: true}, nil
}

// ResetUsage zeroes tokens_used and moves the period in one statement
func (s *Store) ResetUsage(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET tokens_used = 0, usage_period_start = $2, current_period_start = $2,
			current_period_end = $3, updated_at = NOW()
		WHERE user_id = $1
		RETURNING `+subscriptionColumns,
		userID, periodStart, periodEnd,
	))
	if err == sql.ErrNoRows {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reset usage: %w", err)
	}
	return sub, nil
}

// GetUsageEntry retrieves a ledger line by message id
func (s *Store) GetUsageEntry(ctx context.Context, messageID string) (*billing.UsageEntry, error) {
	e, err := scanUsage(s.db.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM token_usage WHERE message_id = $1`, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage entry: %w", err)
	}
	return e, nil
}

// ListUsage lists a user's ledger lines, newest first
func (s *Store) ListUsage(ctx context.Context, userID string, limit int) ([]*billing.UsageEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM token_usage WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var entries []*billing.UsageEntry
	for rows.Next() {
		e, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

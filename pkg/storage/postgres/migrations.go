package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					user_id VARCHAR(255) PRIMARY KEY,
					plan_id VARCHAR(64) NOT NULL,
					status VARCHAR(32) NOT NULL,
					provider VARCHAR(32) NOT NULL DEFAULT '',
					provider_ref VARCHAR(255) NOT NULL DEFAULT '',
					current_period_start TIMESTAMPTZ NOT NULL,
					current_period_end TIMESTAMPTZ NOT NULL,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					token_limit BIGINT NOT NULL,
					tokens_used BIGINT NOT NULL DEFAULT 0 CHECK (tokens_used >= 0),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_subscriptions_provider_ref ON subscriptions(provider, provider_ref);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_period_end ON subscriptions(current_period_end);
			`,
		},
		{
			Version:     2,
			Description: "Create token_usage table",
			SQL: `
				CREATE TABLE IF NOT EXISTS token_usage (
					id UUID PRIMARY KEY,
					user_id VARCHAR(255) NOT NULL,
					session_id VARCHAR(255) NOT NULL DEFAULT '',
					message_id VARCHAR(255) NOT NULL UNIQUE,
					prompt_tokens BIGINT NOT NULL DEFAULT 0,
					completion_tokens BIGINT NOT NULL DEFAULT 0,
					total_tokens BIGINT NOT NULL,
					estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
					model VARCHAR(128) NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_token_usage_user_created ON token_usage(user_id, created_at DESC);
			`,
		},
		{
			Version:     3,
			Description: "Create payments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS payments (
					id UUID PRIMARY KEY,
					user_id VARCHAR(255) NOT NULL DEFAULT '',
					provider VARCHAR(32) NOT NULL,
					provider_payment_ref VARCHAR(255) NOT NULL,
					amount BIGINT NOT NULL,
					currency VARCHAR(8) NOT NULL,
					status VARCHAR(16) NOT NULL,
					plan_id VARCHAR(64) NOT NULL DEFAULT '',
					billing_period_start TIMESTAMPTZ,
					billing_period_end TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(provider, provider_payment_ref)
				);

				CREATE INDEX IF NOT EXISTS idx_payments_user_created ON payments(user_id, created_at DESC);
			`,
		},
		{
			Version:     4,
			Description: "Create processed_webhook_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS processed_webhook_events (
					provider VARCHAR(32) NOT NULL,
					event_id VARCHAR(255) NOT NULL,
					event_type VARCHAR(128) NOT NULL DEFAULT '',
					processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (provider, event_id)
				);

				CREATE INDEX IF NOT EXISTS idx_processed_webhook_events_processed_at ON processed_webhook_events(processed_at);
			`,
		},
		{
			Version:     5,
			Description: "Track the period usage was last reset for",
			SQL: `
				ALTER TABLE subscriptions ADD COLUMN IF NOT EXISTS usage_period_start TIMESTAMPTZ;
				UPDATE subscriptions SET usage_period_start = current_period_start WHERE usage_period_start IS NULL;
				ALTER TABLE subscriptions ALTER COLUMN usage_period_start SET NOT NULL;
			`,
		},
	}
}

// Migrate applies every migration newer than the recorded schema version
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range GetMigrations() {
		if m.Version <= current {
			continue
		}
		err := withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
				m.Version, m.Description); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

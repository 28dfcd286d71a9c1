// Package config loads and validates configuration from environment
// variables. A .env file in the working directory is read first when present.
//
// Server settings:
//
//	TOKENMETER_HOST="0.0.0.0"
//	TOKENMETER_PORT="8080"
//	TOKENMETER_HEALTH_PORT="9090"
//	TOKENMETER_WEBHOOK_RATE_LIMIT="600"    # per client IP per minute, 0 disables
//	TOKENMETER_WEBHOOK_RATE_BURST="60"
//
// Storage settings:
//
//	TOKENMETER_STORAGE_TYPE="postgres"  # memory, postgres
//	TOKENMETER_POSTGRES_URL="postgres://localhost/tokenmeter?sslmode=disable"
//	TOKENMETER_REDIS_URL="redis://localhost:6379/0"  # optional webhook dedup
//	TOKENMETER_EVENT_TTL="72h"
//
// Provider settings (at least one webhook secret is required):
//
//	TOKENMETER_STRIPE_WEBHOOK_SECRET="whsec_..."
//	TOKENMETER_STRIPE_API_KEY="sk_live_..."
//	TOKENMETER_MEMBERSHIP_WEBHOOK_SECRET="..."
//	TOKENMETER_MEMBERSHIP_API_KEY="..."
//	TOKENMETER_MEMBERSHIP_API_URL="https://api.example-membership.com"
//
// Metering settings:
//
//	TOKENMETER_CATALOG_PATH="/etc/tokenmeter/plans.yaml"
//	TOKENMETER_SWEEP_SCHEDULE="@every 15m"
//
// Observability settings:
//
//	TOKENMETER_LOG_LEVEL="info"  # debug, info, warn, error
//	TOKENMETER_METRICS_ENABLED="true"
//	TOKENMETER_OTEL_ENABLED="true"
//	TOKENMETER_OTEL_ENDPOINT="otel-collector:4317"
//	TOKENMETER_OTEL_SAMPLE_RATIO="0.1"
package config

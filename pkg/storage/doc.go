// Package storage defines the persistence contracts of the metering engine.
//
// # Overview
//
// The engine owns four kinds of state, each behind its own interface so the
// components that depend on them stay testable without a database:
//
//   - SubscriptionStore: one canonical entitlement record per user
//   - LedgerStore: the token counter plus append-only usage entries
//   - PaymentStore: append-only payment history
//   - EventLog: webhook deliveries that were already applied
//
// # Concurrency
//
// Every mutation of a single user's record is serialized by the
// implementation. SubscriptionStore.MutateSubscription runs a read-modify-write
// callback under that serialization, and LedgerStore.Consume is a single
// compare-and-increment; a renewal reset and a concurrent consume therefore
// never interleave into a lost update. Different users never contend.
//
// # Implementations
//
//   - storage/memory: keyed mutexes over maps, for development and tests
//   - storage/postgres: row locks and conditional updates via lib/pq, plus
//     a Redis-backed EventLog
//
// # Configuration
//
//	cfg := storage.DefaultConfig()
//	cfg.Type = "postgres"
//	cfg.PostgresURL = "postgres://localhost/tokenmeter?sslmode=disable"
//	cfg.RedisURL = "redis://localhost:6379/0"
package storage

// Package api exposes the metering engine over HTTP.
//
// Routes:
//
//	POST /webhooks/{provider}              provider deliveries (stripe, membership)
//	GET  /entitlement/{userId}             entitlement summary, free default when absent
//	POST /entitlement/{userId}/cancel      cancel at period end
//	POST /entitlement/{userId}/reactivate  clear a scheduled cancellation
//	POST /usage/consume                    quota gate, 200 or 403
//	GET  /usage/{userId}                   usage stats
//	GET  /usage/{userId}/entries           recent ledger lines
//	POST /usage/{userId}/reset             start a new usage period
//	GET  /payments/{userId}                payment history
//
// Webhook deliveries that verify and parse always get a 200, even when the
// event type is irrelevant. Signature failures and undecodable payloads are
// 400s. Only storage failures produce a 500.
package api

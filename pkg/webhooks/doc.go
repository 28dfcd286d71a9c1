// Package webhooks ingests billing provider webhooks.
//
// # Overview
//
// Each provider is represented by an Adapter that verifies the delivery
// signature and maps the provider's native event onto normalized
// billing.Event values. The Ingestor looks up the adapter by the provider
// segment of the request path, skips deliveries already recorded in the
// event log, and hands each event to the entitlement reconciler or the
// payment recorder.
//
// # Outcomes
//
//	signature missing or wrong   billing.ErrAuthenticationFailed, no mutation
//	signed but undecodable       ErrMalformedPayload
//	irrelevant event type        accepted, nothing applied
//	replayed delivery            accepted, Result.Duplicate set
//	storage failure              returned, delivery not marked, provider retries
//
// A delivery is marked processed only after every event was applied.
//
// # Event logs
//
// MemoryEventLog is an expiring LRU for single-process deployments. The
// postgres package provides table and Redis backed logs.
//
// # Signatures
//
// Sign and VerifySignature implement the hex HMAC-SHA256 scheme used by the
// membership provider:
//
//	sig := r.Header.Get("X-Membership-Signature")
//	if !webhooks.VerifySignature(body, sig, secret) {
//		return billing.ErrAuthenticationFailed
//	}
package webhooks

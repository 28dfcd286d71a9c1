// Package billing defines the entitlement domain shared by every component of
// the metering engine.
//
// # Overview
//
// A user owns exactly one Subscription, the canonical entitlement record. It is
// created lazily on the free plan and is later overwritten by whichever billing
// provider last reported the user's state. The subscription carries a
// denormalized token limit and a usage counter for the current period.
//
// Payments and UsageEntry values are append-only audit records keyed by a
// natural idempotency key (provider payment reference and message id).
//
// # Events
//
// Provider adapters translate signed webhook payloads into a closed set of
// normalized events:
//
//	SubscriptionActivated, SubscriptionRenewed, SubscriptionUpdated,
//	SubscriptionCanceled, PaymentSucceeded, PaymentFailed
//
// Subscription events are *SubscriptionEvent values and payment events are
// *PaymentEvent values; both satisfy Event.
//
// # Errors
//
// ErrAuthenticationFailed and storage failures are the only hard errors.
// QuotaExceededError is an expected decline, ErrDuplicateEvent is success,
// ErrUnknownPlan resolves to the free plan, and UpstreamError is logged while
// local state still updates.
package billing

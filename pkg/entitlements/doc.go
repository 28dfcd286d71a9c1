// Package entitlements reconciles normalized billing events into each user's
// canonical subscription record.
//
// The Reconciler is the only writer of plan, status and period fields. It
// creates records lazily, resolves provider plan ids through the plan
// catalog (unknown ids resolve to the free plan) and resets usage on
// activation and renewal. User-initiated cancel and reactivate update the
// local record first and then push the change to the provider; a provider
// failure is logged and the next webhook reconciles.
//
// The Sweeper rolls free-plan periods forward on a cron schedule, since no
// provider sends renewals for them.
package entitlements

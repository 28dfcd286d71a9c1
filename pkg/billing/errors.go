package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed is returned when a webhook signature is missing or invalid
	ErrAuthenticationFailed = errors.New("webhook authentication failed")

	// ErrUnknownPlan marks a provider plan id that is not in the catalog
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrDuplicateEvent marks an idempotency key that was already processed.
	// Callers treat it as success.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrUpstreamUnavailable marks a failed call to a billing provider API
	ErrUpstreamUnavailable = errors.New("upstream provider unavailable")

	// ErrSubscriptionNotFound is returned when a user has no subscription record
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidAmount is returned for non-positive or overflowing
	// consumption requests
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrMessageIDConflict marks a message id already metered for another user
	ErrMessageIDConflict = errors.New("message id already used by another user")
)

// QuotaExceededError is the declined outcome of a consumption attempt
type QuotaExceededError struct {
	UserID    string
	Requested int64
	Used      int64
	Limit     int64
	// Expired is set when the subscription period ended after cancellation
	Expired bool
}

func (e *QuotaExceededError) Error() string {
	if e.Expired {
		return fmt.Sprintf("quota exceeded for user %s: subscription period has ended", e.UserID)
	}
	return fmt.Sprintf("quota exceeded for user %s: requested %d, used %d of %d", e.UserID, e.Requested, e.Used, e.Limit)
}

// Remaining returns what was left at the time of the decline
func (e *QuotaExceededError) Remaining() int64 {
	if e.Expired || e.Used >= e.Limit {
		return 0
	}
	return e.Limit - e.Used
}

// IsQuotaExceeded reports whether err is, or wraps, a QuotaExceededError
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// UpstreamError wraps a failed provider API call
type UpstreamError struct {
	Provider  string
	Operation string
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Operation, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamUnavailable, e.Err}
}

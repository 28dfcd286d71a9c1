package billing

import "time"

// EventKind enumerates the normalized billing events adapters may emit
type EventKind string

const (
	EventSubscriptionActivated EventKind = "subscription.activated"
	EventSubscriptionRenewed   EventKind = "subscription.renewed"
	EventSubscriptionUpdated   EventKind = "subscription.updated"
	EventSubscriptionCanceled  EventKind = "subscription.canceled"
	EventPaymentSucceeded      EventKind = "payment.succeeded"
	EventPaymentFailed         EventKind = "payment.failed"
)

// Event is a provider-agnostic billing occurrence. The concrete type is
// either *SubscriptionEvent or *PaymentEvent.
type Event interface {
	Kind() EventKind
	isEvent()
}

// SubscriptionEvent carries the provider's current view of a subscription.
// Optional fields are nil or empty when the payload omitted them.
type SubscriptionEvent struct {
	Type              EventKind
	UserID            string
	Provider          ProviderRef
	ProviderPlanID    string
	Status            SubscriptionStatus
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

func (e *SubscriptionEvent) Kind() EventKind { return e.Type }
func (*SubscriptionEvent) isEvent()          {}

// ResetsUsage reports whether applying the event starts a fresh usage period
func (e *SubscriptionEvent) ResetsUsage() bool {
	return e.Type == EventSubscriptionActivated || e.Type == EventSubscriptionRenewed
}

// PaymentEvent describes a completed or failed charge
type PaymentEvent struct {
	Type               EventKind
	UserID             string
	Provider           string
	ProviderPaymentRef string
	SubscriptionRef    string
	Amount             int64
	Currency           string
	ProviderPlanID     string
	PeriodStart        *time.Time
	PeriodEnd          *time.Time
}

func (e *PaymentEvent) Kind() EventKind { return e.Type }
func (*PaymentEvent) isEvent()          {}

// PaymentStatus maps the event kind onto a stored payment status
func (e *PaymentEvent) PaymentStatus() PaymentStatus {
	if e.Type == EventPaymentFailed {
		return PaymentStatusFailed
	}
	return PaymentStatusPaid
}

// TimePtr returns nil for the zero time
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// UnixPtr converts a unix timestamp, treating 0 as missing
func UnixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

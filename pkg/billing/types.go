package billing

import (
	"time"
)

// Provider names accepted in a ProviderRef
const (
	ProviderStripe     = "stripe"
	ProviderMembership = "membership"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
)

// ParseSubscriptionStatus normalizes a provider status string. Unrecognized
// values map to active so that a new provider state never revokes access.
func ParseSubscriptionStatus(s string) SubscriptionStatus {
	switch SubscriptionStatus(s) {
	case SubscriptionStatusActive, SubscriptionStatusCanceled, SubscriptionStatusPastDue,
		SubscriptionStatusIncomplete, SubscriptionStatusTrialing:
		return SubscriptionStatus(s)
	case "cancelled":
		return SubscriptionStatusCanceled
	case "unpaid", "incomplete_expired":
		return SubscriptionStatusPastDue
	default:
		return SubscriptionStatusActive
	}
}

// ProviderRef identifies the provider-side object that owns an entitlement
type ProviderRef struct {
	Provider   string `json:"provider"`
	ExternalID string `json:"externalId"`
}

// IsZero reports whether the reference is unset
func (r ProviderRef) IsZero() bool {
	return r.Provider == "" && r.ExternalID == ""
}

func (r ProviderRef) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Provider + ":" + r.ExternalID
}

// Subscription is the canonical per-user entitlement record
type Subscription struct {
	UserID             string             `json:"userId"`
	PlanID             string             `json:"planId"`
	Status             SubscriptionStatus `json:"status"`
	Provider           ProviderRef        `json:"providerRef"`
	CurrentPeriodStart time.Time          `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time          `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool               `json:"cancelAtPeriodEnd"`
	TokenLimit         int64              `json:"tokenLimit"`
	TokensUsed         int64              `json:"tokensUsed"`
	// UsagePeriodStart is the period start TokensUsed was last zeroed for.
	// It only moves on a reset, so a period change alone never marks a
	// later renewal as already applied.
	UsagePeriodStart time.Time `json:"usagePeriodStart"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ResetUsage zeroes consumption for the period starting at periodStart
func (s *Subscription) ResetUsage(periodStart time.Time) {
	s.TokensUsed = 0
	s.UsagePeriodStart = periodStart
}

// Remaining returns the unused quota, never negative
func (s *Subscription) Remaining() int64 {
	if s.TokensUsed >= s.TokenLimit {
		return 0
	}
	return s.TokenLimit - s.TokensUsed
}

// ConsumptionAllowed reports whether the record still grants access at now.
// Canceled or cancel-scheduled records keep access until the period ends.
func (s *Subscription) ConsumptionAllowed(now time.Time) bool {
	if s.Status != SubscriptionStatusCanceled && !s.CancelAtPeriodEnd {
		return true
	}
	if s.CurrentPeriodEnd.IsZero() {
		return true
	}
	return now.Before(s.CurrentPeriodEnd)
}

// Clone returns a copy safe to mutate
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// PaymentStatus represents the outcome of a charge
type PaymentStatus string

const (
	PaymentStatusPaid   PaymentStatus = "paid"
	PaymentStatusFailed PaymentStatus = "failed"
)

// Payment is an append-only record of a charge attempt
type Payment struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"userId"`
	Provider           string        `json:"provider"`
	ProviderPaymentRef string        `json:"providerPaymentRef"`
	Amount             int64         `json:"amount"`
	Currency           string        `json:"currency"`
	Status             PaymentStatus `json:"status"`
	PlanID             string        `json:"planId,omitempty"`
	BillingPeriodStart *time.Time    `json:"billingPeriodStart,omitempty"`
	BillingPeriodEnd   *time.Time    `json:"billingPeriodEnd,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// UsageEntry is one metered unit of work in the token ledger
type UsageEntry struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	SessionID        string    `json:"sessionId,omitempty"`
	MessageID        string    `json:"messageId"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	EstimatedCost    float64   `json:"estimatedCost"`
	Model            string    `json:"model,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// UsageStats is a best-effort view of a user's consumption
type UsageStats struct {
	Used           int64   `json:"used"`
	Limit          int64   `json:"limit"`
	Remaining      int64   `json:"remaining"`
	PercentageUsed float64 `json:"percentageUsed"`
}

// StatsFor computes usage stats for a subscription
func StatsFor(s *Subscription) UsageStats {
	stats := UsageStats{
		Used:      s.TokensUsed,
		Limit:     s.TokenLimit,
		Remaining: s.Remaining(),
	}
	if s.TokenLimit <= 0 {
		stats.PercentageUsed = 100
		return stats
	}
	stats.PercentageUsed = float64(s.TokensUsed) / float64(s.TokenLimit) * 100
	if stats.PercentageUsed > 100 {
		stats.PercentageUsed = 100
	}
	return stats
}

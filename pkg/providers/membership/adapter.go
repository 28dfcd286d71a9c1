// Package membership adapts the membership platform's webhooks and REST API
// to the metering engine.
package membership

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/webhooks"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body
const SignatureHeader = "X-Membership-Signature"

// Adapter verifies membership deliveries and maps them to billing events
type Adapter struct {
	secret string
}

var _ webhooks.Adapter = (*Adapter)(nil)

// NewAdapter creates an Adapter for the shared webhook secret
func NewAdapter(secret string) *Adapter {
	return &Adapter{secret: secret}
}

// Provider implements webhooks.Adapter
func (a *Adapter) Provider() string { return billing.ProviderMembership }

type envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt string          `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

type membershipData struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	PlanID            string `json:"plan_id"`
	Status            string `json:"status"`
	PeriodStart       string `json:"period_start"`
	PeriodEnd         string `json:"period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

type paymentData struct {
	ID           string `json:"id"`
	PaymentID    string `json:"payment_id"`
	MembershipID string `json:"membership_id"`
	UserID       string `json:"user_id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	PlanID       string `json:"plan_id"`
	PeriodStart  string `json:"period_start"`
	PeriodEnd    string `json:"period_end"`
}

var membershipKinds = map[string]billing.EventKind{
	"membership.activated":   billing.EventSubscriptionActivated,
	"membership.renewed":     billing.EventSubscriptionRenewed,
	"membership.updated":     billing.EventSubscriptionUpdated,
	"membership.canceled":    billing.EventSubscriptionCanceled,
	"membership.deactivated": billing.EventSubscriptionCanceled,
}

// ParseEvent implements webhooks.Adapter
func (a *Adapter) ParseEvent(payload []byte, header http.Header) (*webhooks.Envelope, error) {
	if !webhooks.VerifySignature(payload, header.Get(SignatureHeader), a.secret) {
		return nil, billing.ErrAuthenticationFailed
	}

	var raw envelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", webhooks.ErrMalformedPayload, err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", webhooks.ErrMalformedPayload)
	}

	env := &webhooks.Envelope{EventID: raw.ID, EventType: raw.Type}

	if kind, ok := membershipKinds[raw.Type]; ok {
		var m membershipData
		if err := decodeData(raw.Data, &m); err != nil {
			return nil, err
		}
		ev, err := m.toEvent(kind)
		if err != nil {
			return nil, err
		}
		env.Events = []billing.Event{ev}
		return env, nil
	}

	switch raw.Type {
	case "payment.succeeded", "payment.failed":
		var p paymentData
		if err := decodeData(raw.Data, &p); err != nil {
			return nil, err
		}
		ev, err := p.toEvent(raw.Type == "payment.failed")
		if err != nil {
			return nil, err
		}
		env.Events = []billing.Event{ev}
	}
	return env, nil
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", webhooks.ErrMalformedPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode data: %v", webhooks.ErrMalformedPayload, err)
	}
	return nil
}

func (m *membershipData) toEvent(kind billing.EventKind) (*billing.SubscriptionEvent, error) {
	start, err := parseTime(m.PeriodStart)
	if err != nil {
		return nil, err
	}
	end, err := parseTime(m.PeriodEnd)
	if err != nil {
		return nil, err
	}

	ev := &billing.SubscriptionEvent{
		Type:              kind,
		UserID:            strings.TrimSpace(m.UserID),
		Provider:          billing.ProviderRef{Provider: billing.ProviderMembership, ExternalID: m.ID},
		ProviderPlanID:    strings.TrimSpace(m.PlanID),
		PeriodStart:       start,
		PeriodEnd:         end,
		CancelAtPeriodEnd: m.CancelAtPeriodEnd,
	}
	if m.Status != "" {
		ev.Status = billing.ParseSubscriptionStatus(m.Status)
	}
	return ev, nil
}

func (p *paymentData) toEvent(failed bool) (*billing.PaymentEvent, error) {
	start, err := parseTime(p.PeriodStart)
	if err != nil {
		return nil, err
	}
	end, err := parseTime(p.PeriodEnd)
	if err != nil {
		return nil, err
	}

	ref := strings.TrimSpace(p.PaymentID)
	if ref == "" {
		ref = strings.TrimSpace(p.ID)
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: payment has no id", webhooks.ErrMalformedPayload)
	}
	ev := &billing.PaymentEvent{
		Type:               billing.EventPaymentSucceeded,
		UserID:             strings.TrimSpace(p.UserID),
		Provider:           billing.ProviderMembership,
		ProviderPaymentRef: ref,
		SubscriptionRef:    p.MembershipID,
		Amount:             p.Amount,
		Currency:           strings.ToLower(p.Currency),
		ProviderPlanID:     strings.TrimSpace(p.PlanID),
		PeriodStart:        start,
		PeriodEnd:          end,
	}
	if failed {
		ev.Type = billing.EventPaymentFailed
	}
	return ev, nil
}

// parseTime accepts RFC 3339 timestamps; empty means absent
func parseTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", webhooks.ErrMalformedPayload, s)
	}
	return billing.TimePtr(t.UTC()), nil
}

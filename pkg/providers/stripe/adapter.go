// Package stripe adapts Stripe webhooks and the Stripe subscription API to
// the metering engine.
package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/webhooks"
)

// SignatureHeader carries Stripe's timestamped signature
const SignatureHeader = "Stripe-Signature"

// UserIDMetadataKey is the subscription metadata key holding our user id
const UserIDMetadataKey = "user_id"

// Adapter verifies Stripe deliveries and maps them to billing events
type Adapter struct {
	secret string
}

var _ webhooks.Adapter = (*Adapter)(nil)

// NewAdapter creates an Adapter for the endpoint's signing secret
func NewAdapter(secret string) *Adapter {
	return &Adapter{secret: secret}
}

// Provider implements webhooks.Adapter
func (a *Adapter) Provider() string { return billing.ProviderStripe }

// ParseEvent implements webhooks.Adapter
func (a *Adapter) ParseEvent(payload []byte, header http.Header) (*webhooks.Envelope, error) {
	sig := header.Get(SignatureHeader)
	if strings.TrimSpace(a.secret) == "" || strings.TrimSpace(sig) == "" {
		return nil, billing.ErrAuthenticationFailed
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, a.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", billing.ErrAuthenticationFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", webhooks.ErrMalformedPayload, err)
	}

	env := &webhooks.Envelope{EventID: event.ID, EventType: string(event.Type)}
	if event.Data == nil {
		return env, nil
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", webhooks.ErrMalformedPayload, err)
		}
		env.Events = []billing.Event{sub.toEvent(string(event.Type))}

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", webhooks.ErrMalformedPayload, err)
		}
		env.Events = inv.toEvents(string(event.Type))
	}
	return env, nil
}

// isSignatureError separates authentication failures from decode failures.
// ConstructEvent checks the signature before decoding the body.
func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrTooOld)
}

// subscription is the part of a Stripe subscription object the engine reads.
// Period bounds moved from the subscription to its items in newer API
// versions; both are accepted.
type subscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *subscription) priceID() string {
	for _, item := range s.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id
		}
	}
	return ""
}

func (s *subscription) period() (int64, int64) {
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		if start == 0 {
			start = s.Items.Data[0].CurrentPeriodStart
		}
		if end == 0 {
			end = s.Items.Data[0].CurrentPeriodEnd
		}
	}
	return start, end
}

func (s *subscription) toEvent(eventType string) *billing.SubscriptionEvent {
	start, end := s.period()
	ev := &billing.SubscriptionEvent{
		UserID:            strings.TrimSpace(s.Metadata[UserIDMetadataKey]),
		Provider:          billing.ProviderRef{Provider: billing.ProviderStripe, ExternalID: s.ID},
		ProviderPlanID:    s.priceID(),
		PeriodStart:       billing.UnixPtr(start),
		PeriodEnd:         billing.UnixPtr(end),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.Status != "" {
		ev.Status = billing.ParseSubscriptionStatus(s.Status)
	}

	switch eventType {
	case "customer.subscription.created":
		ev.Type = billing.EventSubscriptionActivated
	case "customer.subscription.deleted":
		ev.Type = billing.EventSubscriptionCanceled
	default:
		ev.Type = billing.EventSubscriptionUpdated
	}
	return ev
}

// invoice is the part of a Stripe invoice the engine reads. The subscription
// id lives under parent.subscription_details in newer API versions.
type invoice struct {
	ID            string            `json:"id"`
	BillingReason string            `json:"billing_reason"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	PeriodStart   int64             `json:"period_start"`
	PeriodEnd     int64             `json:"period_end"`
	Subscription  string            `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing struct {
				PriceDetails struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

func (inv *invoice) subscriptionID() string {
	if id := inv.Parent.SubscriptionDetails.Subscription; id != "" {
		return id
	}
	return inv.Subscription
}

func (inv *invoice) userID() string {
	if id := inv.Parent.SubscriptionDetails.Metadata[UserIDMetadataKey]; id != "" {
		return strings.TrimSpace(id)
	}
	return strings.TrimSpace(inv.Metadata[UserIDMetadataKey])
}

func (inv *invoice) priceID() string {
	for _, line := range inv.Lines.Data {
		if line.Pricing.PriceDetails.Price != "" {
			return line.Pricing.PriceDetails.Price
		}
		if line.Price.ID != "" {
			return line.Price.ID
		}
	}
	return ""
}

// servicePeriod prefers the subscription line's period; the invoice-level
// period covers the previous cycle for subscription invoices
func (inv *invoice) servicePeriod() (int64, int64) {
	for _, line := range inv.Lines.Data {
		if line.Period.Start > 0 && line.Period.End > 0 {
			return line.Period.Start, line.Period.End
		}
	}
	return inv.PeriodStart, inv.PeriodEnd
}

func (inv *invoice) toEvents(eventType string) []billing.Event {
	start, end := inv.servicePeriod()
	payment := &billing.PaymentEvent{
		Type:               billing.EventPaymentSucceeded,
		UserID:             inv.userID(),
		Provider:           billing.ProviderStripe,
		ProviderPaymentRef: inv.ID,
		SubscriptionRef:    inv.subscriptionID(),
		Amount:             inv.AmountPaid,
		Currency:           strings.ToLower(inv.Currency),
		ProviderPlanID:     inv.priceID(),
		PeriodStart:        billing.UnixPtr(start),
		PeriodEnd:          billing.UnixPtr(end),
	}
	if eventType == "invoice.payment_failed" {
		payment.Type = billing.EventPaymentFailed
		payment.Amount = inv.AmountDue
		return []billing.Event{payment}
	}

	events := []billing.Event{payment}
	if inv.BillingReason == string(stripelib.InvoiceBillingReasonSubscriptionCycle) && payment.SubscriptionRef != "" {
		events = append([]billing.Event{&billing.SubscriptionEvent{
			Type:           billing.EventSubscriptionRenewed,
			UserID:         payment.UserID,
			Provider:       billing.ProviderRef{Provider: billing.ProviderStripe, ExternalID: payment.SubscriptionRef},
			ProviderPlanID: payment.ProviderPlanID,
			Status:         billing.SubscriptionStatusActive,
			PeriodStart:    payment.PeriodStart,
			PeriodEnd:      payment.PeriodEnd,
		}}, events...)
	}
	return events
}

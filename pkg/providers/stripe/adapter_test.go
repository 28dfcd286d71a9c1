package stripe

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/webhooks"
)

const testSecret = "whsec_test_secret"

func signedHeader(t *testing.T, secret, payload string) ([]byte, http.Header) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	h := http.Header{}
	h.Set(SignatureHeader, signed.Header)
	return signed.Payload, h
}

func eventJSON(id, eventType, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","api_version":"2025-03-31.basil","type":%q,"data":{"object":%s}}`, id, eventType, object)
}

const subscriptionObject = `{
	"id": "sub_123",
	"object": "subscription",
	"status": "active",
	"cancel_at_period_end": false,
	"metadata": {"user_id": "user-1"},
	"items": {"object": "list", "data": [{
		"id": "si_1",
		"current_period_start": 1790812800,
		"current_period_end": 1793491200,
		"price": {"id": "price_pro_monthly"}
	}]}
}`

func TestParseEventSubscriptions(t *testing.T) {
	adapter := NewAdapter(testSecret)

	tests := []struct {
		eventType string
		want      billing.EventKind
	}{
		{"customer.subscription.created", billing.EventSubscriptionActivated},
		{"customer.subscription.updated", billing.EventSubscriptionUpdated},
		{"customer.subscription.deleted", billing.EventSubscriptionCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			payload, header := signedHeader(t, testSecret, eventJSON("evt_1", tt.eventType, subscriptionObject))

			env, err := adapter.ParseEvent(payload, header)
			require.NoError(t, err)
			assert.Equal(t, "evt_1", env.EventID)
			assert.Equal(t, tt.eventType, env.EventType)
			require.Len(t, env.Events, 1)

			ev, ok := env.Events[0].(*billing.SubscriptionEvent)
			require.True(t, ok)
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, "user-1", ev.UserID)
			assert.Equal(t, billing.ProviderRef{Provider: "stripe", ExternalID: "sub_123"}, ev.Provider)
			assert.Equal(t, "price_pro_monthly", ev.ProviderPlanID)
			assert.Equal(t, billing.SubscriptionStatusActive, ev.Status)
			require.NotNil(t, ev.PeriodStart)
			require.NotNil(t, ev.PeriodEnd)
			assert.Equal(t, int64(1790812800), ev.PeriodStart.Unix())
			assert.Equal(t, int64(1793491200), ev.PeriodEnd.Unix())
		})
	}
}

func TestParseEventLegacySubscriptionPeriod(t *testing.T) {
	obj := `{"id":"sub_9","status":"past_due","current_period_start":100,"current_period_end":200,
		"items":{"data":[{"price":{"id":"price_premium_yearly"}}]}}`
	payload, header := signedHeader(t, testSecret, eventJSON("evt_2", "customer.subscription.updated", obj))

	env, err := NewAdapter(testSecret).ParseEvent(payload, header)
	require.NoError(t, err)
	ev := env.Events[0].(*billing.SubscriptionEvent)
	assert.Equal(t, int64(100), ev.PeriodStart.Unix())
	assert.Equal(t, int64(200), ev.PeriodEnd.Unix())
	assert.Equal(t, billing.SubscriptionStatusPastDue, ev.Status)
	assert.Empty(t, ev.UserID, "owner is resolved later by provider ref")
}

const cycleInvoice = `{
	"id": "in_123",
	"object": "invoice",
	"billing_reason": "subscription_cycle",
	"amount_paid": 2000,
	"amount_due": 2000,
	"currency": "USD",
	"period_start": 1788134400,
	"period_end": 1790812800,
	"parent": {"subscription_details": {"subscription": "sub_123", "metadata": {"user_id": "user-1"}}},
	"lines": {"data": [{
		"period": {"start": 1790812800, "end": 1793491200},
		"pricing": {"price_details": {"price": "price_pro_monthly"}}
	}]}
}`

func TestParseEventInvoicePaidRenewal(t *testing.T) {
	for _, eventType := range []string{"invoice.paid", "invoice.payment_succeeded"} {
		t.Run(eventType, func(t *testing.T) {
			payload, header := signedHeader(t, testSecret, eventJSON("evt_3", eventType, cycleInvoice))

			env, err := NewAdapter(testSecret).ParseEvent(payload, header)
			require.NoError(t, err)
			require.Len(t, env.Events, 2)

			renewal, ok := env.Events[0].(*billing.SubscriptionEvent)
			require.True(t, ok)
			assert.Equal(t, billing.EventSubscriptionRenewed, renewal.Type)
			assert.Equal(t, "sub_123", renewal.Provider.ExternalID)
			assert.Equal(t, int64(1790812800), renewal.PeriodStart.Unix())

			payment, ok := env.Events[1].(*billing.PaymentEvent)
			require.True(t, ok)
			assert.Equal(t, billing.EventPaymentSucceeded, payment.Type)
			assert.Equal(t, "in_123", payment.ProviderPaymentRef)
			assert.Equal(t, "sub_123", payment.SubscriptionRef)
			assert.Equal(t, "user-1", payment.UserID)
			assert.Equal(t, int64(2000), payment.Amount)
			assert.Equal(t, "usd", payment.Currency)
			assert.Equal(t, "price_pro_monthly", payment.ProviderPlanID)
		})
	}
}

func TestParseEventInvoiceFirstPayment(t *testing.T) {
	obj := `{"id":"in_1","billing_reason":"subscription_create","amount_paid":500,"currency":"eur","subscription":"sub_1",
		"lines":{"data":[{"period":{"start":10,"end":20},"price":{"id":"price_pro_monthly"}}]}}`
	payload, header := signedHeader(t, testSecret, eventJSON("evt_4", "invoice.paid", obj))

	env, err := NewAdapter(testSecret).ParseEvent(payload, header)
	require.NoError(t, err)
	require.Len(t, env.Events, 1, "only subscription_cycle invoices renew the period")
	payment := env.Events[0].(*billing.PaymentEvent)
	assert.Equal(t, "sub_1", payment.SubscriptionRef)
	assert.Equal(t, "price_pro_monthly", payment.ProviderPlanID)
}

func TestParseEventInvoiceFailed(t *testing.T) {
	obj := `{"id":"in_2","billing_reason":"subscription_cycle","amount_paid":0,"amount_due":2000,"currency":"usd",
		"parent":{"subscription_details":{"subscription":"sub_123"}}}`
	payload, header := signedHeader(t, testSecret, eventJSON("evt_5", "invoice.payment_failed", obj))

	env, err := NewAdapter(testSecret).ParseEvent(payload, header)
	require.NoError(t, err)
	require.Len(t, env.Events, 1)
	payment := env.Events[0].(*billing.PaymentEvent)
	assert.Equal(t, billing.EventPaymentFailed, payment.Type)
	assert.Equal(t, int64(2000), payment.Amount)
}

func TestParseEventIrrelevantType(t *testing.T) {
	payload, header := signedHeader(t, testSecret, eventJSON("evt_6", "customer.created", `{"id":"cus_1"}`))

	env, err := NewAdapter(testSecret).ParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, "customer.created", env.EventType)
	assert.Empty(t, env.Events)
}

func TestParseEventAuthentication(t *testing.T) {
	body := eventJSON("evt_7", "customer.subscription.created", subscriptionObject)

	t.Run("wrong secret", func(t *testing.T) {
		payload, header := signedHeader(t, "whsec_other", body)
		_, err := NewAdapter(testSecret).ParseEvent(payload, header)
		assert.ErrorIs(t, err, billing.ErrAuthenticationFailed)
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := NewAdapter(testSecret).ParseEvent([]byte(body), http.Header{})
		assert.ErrorIs(t, err, billing.ErrAuthenticationFailed)
	})

	t.Run("tampered body", func(t *testing.T) {
		_, header := signedHeader(t, testSecret, body)
		_, err := NewAdapter(testSecret).ParseEvent([]byte(body+" "), header)
		assert.ErrorIs(t, err, billing.ErrAuthenticationFailed)
	})

	t.Run("unconfigured secret", func(t *testing.T) {
		payload, header := signedHeader(t, testSecret, body)
		_, err := NewAdapter("").ParseEvent(payload, header)
		assert.ErrorIs(t, err, billing.ErrAuthenticationFailed)
	})
}

func TestParseEventMalformed(t *testing.T) {
	t.Run("signed but not json", func(t *testing.T) {
		payload, header := signedHeader(t, testSecret, `not json`)
		_, err := NewAdapter(testSecret).ParseEvent(payload, header)
		assert.ErrorIs(t, err, webhooks.ErrMalformedPayload)
	})

	t.Run("object of the wrong shape", func(t *testing.T) {
		payload, header := signedHeader(t, testSecret, eventJSON("evt_8", "invoice.paid", `{"id": 42}`))
		_, err := NewAdapter(testSecret).ParseEvent(payload, header)
		assert.ErrorIs(t, err, webhooks.ErrMalformedPayload)
	})
}

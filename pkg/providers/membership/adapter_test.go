package membership

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/webhooks"
)

const testSecret = "whsec_membership"

func signed(payload string) http.Header {
	h := http.Header{}
	h.Set(SignatureHeader, webhooks.Sign([]byte(payload), testSecret))
	return h
}

func TestParseMembershipEvents(t *testing.T) {
	adapter := NewAdapter(testSecret)

	tests := []struct {
		eventType string
		want      billing.EventKind
	}{
		{"membership.activated", billing.EventSubscriptionActivated},
		{"membership.renewed", billing.EventSubscriptionRenewed},
		{"membership.updated", billing.EventSubscriptionUpdated},
		{"membership.canceled", billing.EventSubscriptionCanceled},
		{"membership.deactivated", billing.EventSubscriptionCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			payload := `{"id":"evt_m1","type":"` + tt.eventType + `","created_at":"2026-10-01T00:00:00Z","data":{
				"id":"mem_42","user_id":"user-7","plan_id":"plan_pro","status":"active",
				"period_start":"2026-10-01T00:00:00Z","period_end":"2026-11-01T00:00:00Z","cancel_at_period_end":true}}`

			env, err := adapter.ParseEvent([]byte(payload), signed(payload))
			require.NoError(t, err)
			assert.Equal(t, "evt_m1", env.EventID)
			assert.Equal(t, tt.eventType, env.EventType)
			require.Len(t, env.Events, 1)

			ev, ok := env.Events[0].(*billing.SubscriptionEvent)
			require.True(t, ok)
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, "user-7", ev.UserID)
			assert.Equal(t, billing.ProviderRef{Provider: billing.ProviderMembership, ExternalID: "mem_42"}, ev.Provider)
			assert.Equal(t, "plan_pro", ev.ProviderPlanID)
			assert.Equal(t, billing.SubscriptionStatusActive, ev.Status)
			assert.True(t, ev.CancelAtPeriodEnd)
			require.NotNil(t, ev.PeriodStart)
			require.NotNil(t, ev.PeriodEnd)
			assert.True(t, ev.PeriodStart.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)))
			assert.True(t, ev.PeriodEnd.Equal(time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)))
		})
	}
}

func TestParseOptionalFieldsAbsent(t *testing.T) {
	payload := `{"id":"evt_m2","type":"membership.updated","data":{"id":"mem_42","plan_id":"plan_premium"}}`

	env, err := NewAdapter(testSecret).ParseEvent([]byte(payload), signed(payload))
	require.NoError(t, err)
	ev := env.Events[0].(*billing.SubscriptionEvent)
	assert.Empty(t, ev.UserID)
	assert.Empty(t, ev.Status)
	assert.Nil(t, ev.PeriodStart)
	assert.Nil(t, ev.PeriodEnd)
}

func TestParsePaymentEvents(t *testing.T) {
	adapter := NewAdapter(testSecret)

	t.Run("succeeded", func(t *testing.T) {
		payload := `{"id":"evt_p1","type":"payment.succeeded","data":{"payment_id":"pay_123","membership_id":"mem_42",
			"user_id":"user-7","amount":1999,"currency":"USD","plan_id":"plan_pro",
			"period_start":"2026-10-01T00:00:00Z","period_end":"2026-11-01T00:00:00Z"}}`

		env, err := adapter.ParseEvent([]byte(payload), signed(payload))
		require.NoError(t, err)
		require.Len(t, env.Events, 1)
		ev, ok := env.Events[0].(*billing.PaymentEvent)
		require.True(t, ok)
		assert.Equal(t, billing.EventPaymentSucceeded, ev.Type)
		assert.Equal(t, "pay_123", ev.ProviderPaymentRef)
		assert.Equal(t, "mem_42", ev.SubscriptionRef)
		assert.Equal(t, billing.ProviderMembership, ev.Provider)
		assert.Equal(t, int64(1999), ev.Amount)
		assert.Equal(t, "usd", ev.Currency)
		assert.Equal(t, billing.PaymentStatusPaid, ev.PaymentStatus())
	})

	t.Run("failed falls back to id", func(t *testing.T) {
		payload := `{"id":"evt_p2","type":"payment.failed","data":{"id":"pay_9","membership_id":"mem_42","amount":1999,"currency":"usd"}}`

		env, err := adapter.ParseEvent([]byte(payload), signed(payload))
		require.NoError(t, err)
		ev := env.Events[0].(*billing.PaymentEvent)
		assert.Equal(t, billing.EventPaymentFailed, ev.Type)
		assert.Equal(t, "pay_9", ev.ProviderPaymentRef)
		assert.Equal(t, billing.PaymentStatusFailed, ev.PaymentStatus())
	})
}

func TestParseIgnoresUnknownTypes(t *testing.T) {
	payload := `{"id":"evt_x","type":"member.profile_updated","data":{"anything":true}}`

	env, err := NewAdapter(testSecret).ParseEvent([]byte(payload), signed(payload))
	require.NoError(t, err)
	assert.Equal(t, "member.profile_updated", env.EventType)
	assert.Empty(t, env.Events)
}

func TestParseRejectsBadSignature(t *testing.T) {
	payload := `{"id":"evt_m1","type":"membership.activated","data":{"id":"mem_1"}}`

	tests := []struct {
		name    string
		secret  string
		headers http.Header
	}{
		{"missing header", testSecret, http.Header{}},
		{"wrong secret", testSecret, func() http.Header {
			h := http.Header{}
			h.Set(SignatureHeader, webhooks.Sign([]byte(payload), "other"))
			return h
		}()},
		{"tampered body", testSecret, signed(payload + " ")},
		{"adapter without secret", "", signed(payload)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAdapter(tt.secret).ParseEvent([]byte(payload), tt.headers)
			assert.ErrorIs(t, err, billing.ErrAuthenticationFailed)
		})
	}
}

func TestParseRejectsMalformedPayloads(t *testing.T) {
	adapter := NewAdapter(testSecret)

	for name, payload := range map[string]string{
		"not json":      `{"id":`,
		"no type":       `{"id":"evt_1","data":{}}`,
		"no data":       `{"id":"evt_1","type":"membership.activated"}`,
		"data wrong":    `{"id":"evt_1","type":"payment.succeeded","data":{"amount":"lots"}}`,
		"bad timestamp": `{"id":"evt_1","type":"membership.renewed","data":{"id":"mem_1","period_start":"yesterday"}}`,
		"payment no id": `{"id":"evt_1","type":"payment.succeeded","data":{"user_id":"u1","amount":1999,"currency":"usd"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := adapter.ParseEvent([]byte(payload), signed(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, webhooks.ErrMalformedPayload), "got %v", err)
		})
	}
}

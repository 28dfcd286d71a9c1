package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/entitlements"
	"github.com/platinummonkey/tokenmeter/pkg/ledger"
	"github.com/platinummonkey/tokenmeter/pkg/middleware"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/payments"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/providers/membership"
	"github.com/platinummonkey/tokenmeter/pkg/providers/stripe"
	"github.com/platinummonkey/tokenmeter/pkg/storage/memory"
	"github.com/platinummonkey/tokenmeter/pkg/webhooks"
)

const membershipSecret = "whsec_membership_test"

type fakeUpstream struct {
	err   error
	calls []bool
}

func (f *fakeUpstream) SetCancelAtPeriodEnd(_ context.Context, _ string, cancel bool) error {
	f.calls = append(f.calls, cancel)
	return f.err
}

type testEnv struct {
	handler  http.Handler
	server   *Server
	store    *memory.Store
	upstream *fakeUpstream
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()
	store := memory.NewStore()
	catalog := plans.Default()
	logger := observability.NewLogger(observability.DebugLevel, &bytes.Buffer{})
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	gate := ledger.NewGate(store, store, catalog, logger, metrics)
	reconciler := entitlements.NewReconciler(store, catalog, logger, metrics)
	upstream := &fakeUpstream{}
	reconciler.RegisterUpstream(billing.ProviderMembership, upstream)
	recorder := payments.NewRecorder(store, store, catalog, logger, metrics)

	ingestor := webhooks.NewIngestor(reconciler, recorder, webhooks.NewMemoryEventLog(100, time.Hour), logger, metrics)
	ingestor.Register(membership.NewAdapter(membershipSecret))
	ingestor.Register(stripe.NewAdapter("whsec_stripe_test"))

	deps := Deps{
		Webhooks:     ingestor,
		Entitlements: reconciler,
		Gate:         gate,
		Payments:     recorder,
		Logger:       logger,
		Metrics:      metrics,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	server := NewServer(deps)
	return &testEnv{handler: server.Handler(), server: server, store: store, upstream: upstream}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) deliver(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	h := http.Header{}
	h.Set(membership.SignatureHeader, webhooks.Sign([]byte(payload), membershipSecret))
	return e.do(t, "POST", "/webhooks/membership", payload, h)
}

func (e *testEnv) seed(t *testing.T, userID string, sub billing.Subscription) {
	t.Helper()
	_, err := e.store.MutateSubscription(context.Background(), userID, func(*billing.Subscription) (*billing.Subscription, error) {
		return &sub, nil
	})
	require.NoError(t, err)
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func activatedPayload(eventID, planID string) string {
	return `{"id":"` + eventID + `","type":"membership.activated","created_at":"2026-10-01T00:00:00Z","data":{
		"id":"mem_1","user_id":"user-1","plan_id":"` + planID + `","status":"active",
		"period_start":"2026-10-01T00:00:00Z","period_end":"2099-11-01T00:00:00Z"}}`
}

func TestWebhookEndpoint(t *testing.T) {
	t.Run("applies a signed activation", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.deliver(t, activatedPayload("evt_1", "plan_pro"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var body webhookResponse
		decode(t, w, &body)
		assert.True(t, body.Received)
		assert.Equal(t, 1, body.Applied)
		assert.False(t, body.Duplicate)

		sub, err := env.store.GetSubscription(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, "pro", sub.PlanID)
	})

	t.Run("replay is acknowledged as duplicate", func(t *testing.T) {
		env := newTestEnv(t)
		require.Equal(t, http.StatusOK, env.deliver(t, activatedPayload("evt_1", "plan_pro")).Code)

		w := env.deliver(t, activatedPayload("evt_1", "plan_pro"))
		require.Equal(t, http.StatusOK, w.Code)
		var body webhookResponse
		decode(t, w, &body)
		assert.True(t, body.Duplicate)
	})

	t.Run("irrelevant event is a 200", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.deliver(t, `{"id":"evt_2","type":"member.login","data":{}}`)
		require.Equal(t, http.StatusOK, w.Code)
		var body webhookResponse
		decode(t, w, &body)
		assert.Zero(t, body.Applied)
	})

	t.Run("bad signature is a 400 with no mutation", func(t *testing.T) {
		env := newTestEnv(t)
		h := http.Header{}
		h.Set(membership.SignatureHeader, "sha256=deadbeef")
		w := env.do(t, "POST", "/webhooks/membership", activatedPayload("evt_3", "plan_pro"), h)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		sub, err := env.store.GetSubscription(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Nil(t, sub)
	})

	t.Run("missing stripe signature is a 400", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(t, "POST", "/webhooks/stripe", `{"id":"evt_1"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("signed garbage is a 400", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.deliver(t, `{"id":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "malformed")
	})

	t.Run("unknown provider is a 404", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(t, "POST", "/webhooks/paypal", `{}`, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("oversized body is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(t, "POST", "/webhooks/membership", strings.Repeat("a", MaxBodyBytes+1), nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("payment delivered twice is recorded once", func(t *testing.T) {
		env := newTestEnv(t)
		for _, id := range []string{"evt_p1", "evt_p2"} {
			w := env.deliver(t, `{"id":"`+id+`","type":"payment.succeeded","data":{"payment_id":"pay_123","user_id":"user-1","amount":1999,"currency":"usd"}}`)
			require.Equal(t, http.StatusOK, w.Code)
		}

		w := env.do(t, "GET", "/payments/user-1", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Payments []billing.Payment `json:"payments"`
		}
		decode(t, w, &body)
		require.Len(t, body.Payments, 1)
		assert.Equal(t, "pay_123", body.Payments[0].ProviderPaymentRef)
	})

	t.Run("payment without a reference is a 400", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.deliver(t, `{"id":"evt_p3","type":"payment.failed","data":{"user_id":"user-1","amount":1999,"currency":"usd"}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "malformed")

		payments, err := env.store.ListPayments(context.Background(), "user-1", 10)
		require.NoError(t, err)
		assert.Empty(t, payments)
	})
}

func TestGetEntitlement(t *testing.T) {
	env := newTestEnv(t)

	t.Run("free default for unknown user", func(t *testing.T) {
		w := env.do(t, "GET", "/entitlement/nobody", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var ent entitlements.Entitlement
		decode(t, w, &ent)
		assert.True(t, ent.IsDefault)
		assert.Equal(t, plans.DefaultFreePlanID, ent.PlanID)
		assert.Equal(t, plans.Default().Free().TokenQuota, ent.TokenLimit)
	})

	t.Run("unknown plan resolves to free limit", func(t *testing.T) {
		require.Equal(t, http.StatusOK, env.deliver(t, activatedPayload("evt_u", "plan_mystery")).Code)

		w := env.do(t, "GET", "/entitlement/user-1", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var ent entitlements.Entitlement
		decode(t, w, &ent)
		assert.False(t, ent.IsDefault)
		assert.Equal(t, plans.Default().Free().TokenQuota, ent.TokenLimit)
	})
}

func TestConsumeUsage(t *testing.T) {
	setup := func(t *testing.T) *testEnv {
		env := newTestEnv(t)
		now := time.Now().UTC()
		env.seed(t, "u1", billing.Subscription{
			PlanID: "pro", Status: billing.SubscriptionStatusActive,
			CurrentPeriodStart: now.Add(-time.Hour), CurrentPeriodEnd: now.AddDate(0, 1, 0),
			TokenLimit: 1000, TokensUsed: 950,
		})
		return env
	}

	t.Run("over quota is a 403 and usage is unchanged", func(t *testing.T) {
		env := setup(t)
		w := env.do(t, "POST", "/usage/consume", `{"userId":"u1","amount":100,"messageId":"m1","model":"gpt-4o"}`, nil)
		require.Equal(t, http.StatusForbidden, w.Code)

		var body consumeResponse
		decode(t, w, &body)
		assert.False(t, body.Allowed)
		assert.Equal(t, int64(50), body.Remaining)
		assert.Equal(t, "quota exceeded", body.Error)

		sub, err := env.store.GetSubscription(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(950), sub.TokensUsed)
	})

	t.Run("exact fit leaves zero remaining", func(t *testing.T) {
		env := setup(t)
		w := env.do(t, "POST", "/usage/consume", `{"userId":"u1","amount":50,"messageId":"m2"}`, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var body consumeResponse
		decode(t, w, &body)
		assert.True(t, body.Allowed)
		assert.Zero(t, body.Remaining)
		assert.Equal(t, "m2", body.MessageID)
	})

	t.Run("replay is not charged twice", func(t *testing.T) {
		env := setup(t)
		for i := 0; i < 2; i++ {
			w := env.do(t, "POST", "/usage/consume", `{"userId":"u1","amount":10,"messageId":"m3"}`, nil)
			require.Equal(t, http.StatusOK, w.Code)
		}
		sub, err := env.store.GetSubscription(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(960), sub.TokensUsed)
	})

	t.Run("amount near int64 max is a 403", func(t *testing.T) {
		env := setup(t)
		w := env.do(t, "POST", "/usage/consume", `{"userId":"u1","amount":9223372036854775807,"messageId":"m5"}`, nil)
		require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

		sub, err := env.store.GetSubscription(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(950), sub.TokensUsed)
	})

	t.Run("message id of another user is a 409", func(t *testing.T) {
		env := setup(t)
		w := env.do(t, "POST", "/usage/consume", `{"userId":"u1","amount":10,"messageId":"shared"}`, nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = env.do(t, "POST", "/usage/consume", `{"userId":"u2","amount":10,"messageId":"shared"}`, nil)
		require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
		assert.NotContains(t, w.Body.String(), "960")
		assert.NotContains(t, w.Body.String(), "remaining")
	})

	t.Run("invalid input is a 400", func(t *testing.T) {
		env := setup(t)
		for _, body := range []string{
			`{"userId":"u1","promptTokens":9223372036854775807,"completionTokens":1}`,
			`{"amount":10}`,
			`{"userId":"u1","amount":-1}`,
			`{"userId":"u1"}`,
			`not json`,
		} {
			w := env.do(t, "POST", "/usage/consume", body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
		}
	})
}

func TestCancelAndReactivate(t *testing.T) {
	seedMember := func(t *testing.T, env *testEnv) {
		now := time.Now().UTC()
		env.seed(t, "user-1", billing.Subscription{
			PlanID: "pro", Status: billing.SubscriptionStatusActive,
			Provider:           billing.ProviderRef{Provider: billing.ProviderMembership, ExternalID: "mem_1"},
			CurrentPeriodStart: now.Add(-time.Hour), CurrentPeriodEnd: now.AddDate(0, 1, 0),
			TokenLimit: 1_000_000,
		})
	}

	t.Run("cancel syncs upstream", func(t *testing.T) {
		env := newTestEnv(t)
		seedMember(t, env)

		w := env.do(t, "POST", "/entitlement/user-1/cancel", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body entitlements.ChangeResult
		decode(t, w, &body)
		assert.True(t, body.UpstreamSynced)
		assert.True(t, body.Entitlement.CancelAtPeriodEnd)
		assert.Equal(t, []bool{true}, env.upstream.calls)
	})

	t.Run("upstream failure still updates locally", func(t *testing.T) {
		env := newTestEnv(t)
		seedMember(t, env)
		env.upstream.err = errors.New("503 from provider")

		w := env.do(t, "POST", "/entitlement/user-1/cancel", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body entitlements.ChangeResult
		decode(t, w, &body)
		assert.False(t, body.UpstreamSynced)

		sub, err := env.store.GetSubscription(context.Background(), "user-1")
		require.NoError(t, err)
		assert.True(t, sub.CancelAtPeriodEnd)

		w = env.do(t, "POST", "/entitlement/user-1/reactivate", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		sub, err = env.store.GetSubscription(context.Background(), "user-1")
		require.NoError(t, err)
		assert.False(t, sub.CancelAtPeriodEnd)
	})

	t.Run("no subscription is a 404", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(t, "POST", "/entitlement/ghost/reactivate", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestUsageEndpoints(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		w := env.do(t, "POST", "/usage/consume", `{"userId":"u2","messageId":"`+id+`","promptTokens":100,"completionTokens":50,"model":"gpt-4o"}`, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	t.Run("stats", func(t *testing.T) {
		w := env.do(t, "GET", "/usage/u2", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var stats billing.UsageStats
		decode(t, w, &stats)
		assert.Equal(t, int64(450), stats.Used)
	})

	t.Run("entries with limit", func(t *testing.T) {
		w := env.do(t, "GET", "/usage/u2/entries?limit=2", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Entries []billing.UsageEntry `json:"entries"`
		}
		decode(t, w, &body)
		assert.Len(t, body.Entries, 2)

		w = env.do(t, "GET", "/usage/u2/entries?limit=two", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("entries for unknown user is an empty list", func(t *testing.T) {
		w := env.do(t, "GET", "/usage/nobody/entries", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"entries":[]`)
	})

	t.Run("reset", func(t *testing.T) {
		w := env.do(t, "POST", "/usage/u2/reset", "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var sub billing.Subscription
		decode(t, w, &sub)
		assert.Zero(t, sub.TokensUsed)

		w = env.do(t, "POST", "/usage/u2/reset",
			`{"periodStart":"2026-11-01T00:00:00Z","periodEnd":"2026-10-01T00:00:00Z"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = env.do(t, "POST", "/usage/ghost/reset", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRequestIDAndRouting(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/entitlement/u1", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = env.do(t, "DELETE", "/entitlement/u1", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = env.do(t, "GET", "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookRateLimit(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.WebhookLimiter = middleware.NewRateLimiter(&middleware.RateLimitConfig{
			RequestsPerWindow: 2,
			WindowDuration:    time.Hour,
		})
	})

	assert.Equal(t, http.StatusOK, env.deliver(t, activatedPayload("evt_rl_1", "pro")).Code)
	assert.Equal(t, http.StatusOK, env.deliver(t, activatedPayload("evt_rl_2", "pro")).Code)

	w := env.deliver(t, activatedPayload("evt_rl_3", "pro"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Only the webhook route is limited
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/entitlement/user-1", "", nil).Code)
}

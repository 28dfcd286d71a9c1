package entitlements

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/ledger"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/storage/memory"
)

type fakeUpstream struct {
	mu    sync.Mutex
	calls []bool
	err   error
}

func (f *fakeUpstream) SetCancelAtPeriodEnd(ctx context.Context, externalID string, cancel bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cancel)
	return f.err
}

func newTestReconciler(t *testing.T) (*Reconciler, *memory.Store, *observability.Metrics) {
	t.Helper()
	store := memory.NewStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLogger(observability.DebugLevel, &bytes.Buffer{})
	return NewReconciler(store, plans.Default(), logger, metrics), store, metrics
}

func stripeRef(id string) billing.ProviderRef {
	return billing.ProviderRef{Provider: billing.ProviderStripe, ExternalID: id}
}

func activation(kind billing.EventKind, userID, planID string, start time.Time) *billing.SubscriptionEvent {
	end := start.AddDate(0, 1, 0)
	return &billing.SubscriptionEvent{
		Type:           kind,
		UserID:         userID,
		Provider:       stripeRef("sub_1"),
		ProviderPlanID: planID,
		Status:         billing.SubscriptionStatusActive,
		PeriodStart:    &start,
		PeriodEnd:      &end,
	}
}

func TestApplyActivation(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	t.Run("creates the record with zero usage", func(t *testing.T) {
		r, _, _ := newTestReconciler(t)

		sub, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
		require.NoError(t, err)
		assert.Equal(t, "pro", sub.PlanID)
		assert.Equal(t, int64(1_000_000), sub.TokenLimit)
		assert.Zero(t, sub.TokensUsed)
		assert.Equal(t, stripeRef("sub_1"), sub.Provider)
		assert.True(t, sub.CurrentPeriodStart.Equal(start))
	})

	t.Run("renewal resets usage", func(t *testing.T) {
		r, store, metrics := newTestReconciler(t)
		_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
		require.NoError(t, err)
		consume(t, store, "u1", 400)

		next := start.AddDate(0, 1, 0)
		sub, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionRenewed, "u1", "price_pro_monthly", next))
		require.NoError(t, err)
		assert.Zero(t, sub.TokensUsed)
		assert.True(t, sub.CurrentPeriodStart.Equal(next))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PeriodResetsTotal.WithLabelValues("webhook")))
	})

	t.Run("renewal replay for the same period does not reset again", func(t *testing.T) {
		r, store, _ := newTestReconciler(t)
		next := start.AddDate(0, 1, 0)
		_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionRenewed, "u1", "price_pro_monthly", next))
		require.NoError(t, err)
		consume(t, store, "u1", 300)

		sub, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionRenewed, "u1", "price_pro_monthly", next))
		require.NoError(t, err)
		assert.Equal(t, int64(300), sub.TokensUsed)
	})

	t.Run("renewal after an update that moved the period still resets", func(t *testing.T) {
		r, store, metrics := newTestReconciler(t)
		_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
		require.NoError(t, err)
		consume(t, store, "u1", 400)

		next := start.AddDate(0, 1, 0)
		sub, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionUpdated, "u1", "price_pro_monthly", next))
		require.NoError(t, err)
		assert.True(t, sub.CurrentPeriodStart.Equal(next))
		assert.Equal(t, int64(400), sub.TokensUsed)

		sub, err = r.ApplyActivation(ctx, activation(billing.EventSubscriptionRenewed, "u1", "price_pro_monthly", next))
		require.NoError(t, err)
		assert.Zero(t, sub.TokensUsed)
		assert.True(t, sub.UsagePeriodStart.Equal(next))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PeriodResetsTotal.WithLabelValues("webhook")))

		consume(t, store, "u1", 250)
		sub, err = r.ApplyActivation(ctx, activation(billing.EventSubscriptionRenewed, "u1", "price_pro_monthly", next))
		require.NoError(t, err)
		assert.Equal(t, int64(250), sub.TokensUsed)
	})

	t.Run("plan change keeps usage and updates the limit", func(t *testing.T) {
		r, store, _ := newTestReconciler(t)
		_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
		require.NoError(t, err)
		consume(t, store, "u1", 700)

		sub, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionUpdated, "u1", "price_premium_monthly", start))
		require.NoError(t, err)
		assert.Equal(t, "premium", sub.PlanID)
		assert.Equal(t, int64(5_000_000), sub.TokenLimit)
		assert.Equal(t, int64(700), sub.TokensUsed)
	})

	t.Run("unknown plan fails closed to free", func(t *testing.T) {
		r, _, metrics := newTestReconciler(t)

		sub, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_mystery", start))
		require.NoError(t, err)
		assert.Equal(t, plans.DefaultFreePlanID, sub.PlanID)
		assert.Equal(t, plans.Default().Free().TokenQuota, sub.TokenLimit)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UnknownPlansTotal.WithLabelValues("stripe")))
	})

	t.Run("missing period is filled from the previous record", func(t *testing.T) {
		r, _, _ := newTestReconciler(t)
		_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
		require.NoError(t, err)

		sub, err := r.ApplyActivation(ctx, &billing.SubscriptionEvent{
			Type:           billing.EventSubscriptionUpdated,
			UserID:         "u1",
			Provider:       stripeRef("sub_1"),
			ProviderPlanID: "price_pro_yearly",
		})
		require.NoError(t, err)
		assert.True(t, sub.CurrentPeriodStart.Equal(start))
		assert.True(t, sub.CurrentPeriodEnd.Equal(start.AddDate(0, 1, 0)))
		assert.Equal(t, billing.SubscriptionStatusActive, sub.Status)
	})

	t.Run("missing period on a new record defaults to a month from now", func(t *testing.T) {
		r, _, _ := newTestReconciler(t)
		now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
		r.now = func() time.Time { return now }

		sub, err := r.ApplyActivation(ctx, &billing.SubscriptionEvent{
			Type:           billing.EventSubscriptionActivated,
			UserID:         "u1",
			Provider:       stripeRef("sub_1"),
			ProviderPlanID: "price_pro_monthly",
		})
		require.NoError(t, err)
		assert.True(t, sub.CurrentPeriodStart.Equal(now))
		assert.True(t, sub.CurrentPeriodEnd.Equal(now.AddDate(0, 1, 0)))
	})

	t.Run("user resolved by provider ref", func(t *testing.T) {
		r, _, _ := newTestReconciler(t)
		_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
		require.NoError(t, err)

		ev := activation(billing.EventSubscriptionUpdated, "", "price_premium_monthly", start)
		sub, err := r.ApplyActivation(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, "u1", sub.UserID)
	})

	t.Run("unresolvable user", func(t *testing.T) {
		r, _, _ := newTestReconciler(t)
		ev := activation(billing.EventSubscriptionActivated, "", "price_pro_monthly", start)
		ev.Provider = stripeRef("sub_unknown")

		_, err := r.ApplyActivation(ctx, ev)
		assert.ErrorIs(t, err, ErrUserNotResolved)
	})
}

func consume(t *testing.T, store *memory.Store, userID string, tokens int64) {
	t.Helper()
	gate := ledger.NewGate(store, store, plans.Default(), observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{}), nil)
	_, err := gate.CheckAndConsume(context.Background(), ledger.ConsumeRequest{UserID: userID, Amount: tokens})
	require.NoError(t, err)
}

func TestApplyCancellation(t *testing.T) {
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Hour)

	t.Run("keeps quota until period end", func(t *testing.T) {
		r, store, _ := newTestReconciler(t)
		_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
		require.NoError(t, err)
		consume(t, store, "u1", 100)

		sub, err := r.Apply(ctx, &billing.SubscriptionEvent{
			Type:     billing.EventSubscriptionCanceled,
			Provider: stripeRef("sub_1"),
		})
		require.NoError(t, err)
		assert.Equal(t, billing.SubscriptionStatusCanceled, sub.Status)
		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Equal(t, int64(100), sub.TokensUsed)
		assert.Equal(t, int64(1_000_000), sub.TokenLimit)

		consume(t, store, "u1", 10)
	})

	t.Run("no record is a no-op", func(t *testing.T) {
		r, store, _ := newTestReconciler(t)
		sub, err := r.ApplyCancellation(ctx, "ghost", stripeRef("sub_x"))
		require.NoError(t, err)
		assert.Nil(t, sub)

		stored, err := store.GetSubscription(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("stale cancel for a replaced provider subscription is ignored", func(t *testing.T) {
		r, _, _ := newTestReconciler(t)
		_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
		require.NoError(t, err)

		sub, err := r.ApplyCancellation(ctx, "u1", stripeRef("sub_old"))
		require.NoError(t, err)
		assert.Equal(t, billing.SubscriptionStatusActive, sub.Status)
		assert.False(t, sub.CancelAtPeriodEnd)
	})
}

func TestEntitlement(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestReconciler(t)

	e, err := r.Entitlement(ctx, "ghost")
	require.NoError(t, err)
	assert.True(t, e.IsDefault)
	assert.Equal(t, plans.DefaultFreePlanID, e.PlanID)
	assert.Equal(t, plans.Default().Free().TokenQuota, e.TokenLimit)

	stored, err := store.GetSubscription(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, stored, "reading an entitlement must not create a record")

	_, err = r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_premium_yearly", time.Now().UTC()))
	require.NoError(t, err)
	e, err = r.Entitlement(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, e.IsDefault)
	assert.Equal(t, "premium", e.PlanID)
	assert.Equal(t, "stripe", e.Provider)
	assert.NotEmpty(t, e.PlanName)
}

func TestCancelAndReactivate(t *testing.T) {
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Hour)

	t.Run("synced upstream", func(t *testing.T) {
		r, _, metrics := newTestReconciler(t)
		up := &fakeUpstream{}
		r.RegisterUpstream(billing.ProviderStripe, up)
		_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
		require.NoError(t, err)

		res, err := r.Cancel(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, res.UpstreamSynced)
		assert.True(t, res.Entitlement.CancelAtPeriodEnd)
		assert.Equal(t, billing.SubscriptionStatusActive, res.Entitlement.Status)

		res, err = r.Reactivate(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, res.Entitlement.CancelAtPeriodEnd)
		assert.Equal(t, []bool{true, false}, up.calls)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UpstreamCallsTotal.WithLabelValues("stripe", "cancel", "success")))
	})

	t.Run("upstream failure still updates locally", func(t *testing.T) {
		r, store, metrics := newTestReconciler(t)
		r.RegisterUpstream(billing.ProviderStripe, &fakeUpstream{err: errors.New("503 from provider")})
		_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
		require.NoError(t, err)

		res, err := r.Cancel(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, res.UpstreamSynced)

		sub, err := store.GetSubscription(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UpstreamCallsTotal.WithLabelValues("stripe", "cancel", "error")))
	})

	t.Run("reactivate restores a canceled subscription within its period", func(t *testing.T) {
		r, _, _ := newTestReconciler(t)
		_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
		require.NoError(t, err)
		_, err = r.ApplyCancellation(ctx, "u1", stripeRef("sub_1"))
		require.NoError(t, err)

		res, err := r.Reactivate(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, billing.SubscriptionStatusActive, res.Entitlement.Status)
		assert.True(t, res.UpstreamSynced, "no upstream client registered means nothing to sync")
	})

	t.Run("unknown user", func(t *testing.T) {
		r, _, _ := newTestReconciler(t)
		_, err := r.Cancel(ctx, "ghost")
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})
}

func TestRenewalAndConsumeSerialize(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestReconciler(t)
	start := time.Now().UTC().Add(-time.Hour)
	_, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionActivated, "u1", "price_pro_monthly", start))
	require.NoError(t, err)

	gate := ledger.NewGate(store, store, plans.Default(), observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{}), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = gate.CheckAndConsume(ctx, ledger.ConsumeRequest{UserID: "u1", Amount: 5})
		}()
	}
	next := start.AddDate(0, 1, 0)
	sub, err := r.ApplyActivation(ctx, activation(billing.EventSubscriptionRenewed, "u1", "price_pro_monthly", next))
	require.NoError(t, err)
	assert.Zero(t, sub.TokensUsed, "renewal leaves zero usage right after it is applied")
	wg.Wait()

	final, err := store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), final.TokensUsed%5)
	assert.LessOrEqual(t, final.TokensUsed, int64(100))
}

// Package payments keeps the append-only payment history. It is an audit
// trail only and is never consulted by the quota gate.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

var recorderTracer = otel.Tracer("tokenmeter/payments")

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Recorder writes payment events to the history, once per provider reference
type Recorder struct {
	payments storage.PaymentStore
	subs     storage.SubscriptionStore
	catalog  *plans.Catalog
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewRecorder creates a Recorder. subs is used to resolve payments that do
// not carry a user id and may be nil.
func NewRecorder(payments storage.PaymentStore, subs storage.SubscriptionStore, catalog *plans.Catalog,
	logger *observability.Logger, metrics *observability.Metrics) *Recorder {
	return &Recorder{
		payments: payments,
		subs:     subs,
		catalog:  catalog,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RecordPayment inserts the payment unless its provider reference was seen
// before. A duplicate returns false and no error.
func (r *Recorder) RecordPayment(ctx context.Context, ev *billing.PaymentEvent) (bool, error) {
	ctx, span := recorderTracer.Start(ctx, "payments.RecordPayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", ev.Provider),
		attribute.String("payment.ref", ev.ProviderPaymentRef),
	)

	if ev.ProviderPaymentRef == "" {
		return false, fmt.Errorf("payment from %s has no provider reference", ev.Provider)
	}

	userID := r.resolveUser(ctx, ev)
	payment := &billing.Payment{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Provider:           ev.Provider,
		ProviderPaymentRef: ev.ProviderPaymentRef,
		Amount:             ev.Amount,
		Currency:           ev.Currency,
		Status:             ev.PaymentStatus(),
		BillingPeriodStart: ev.PeriodStart,
		BillingPeriodEnd:   ev.PeriodEnd,
		CreatedAt:          r.now(),
	}
	if ev.ProviderPlanID != "" {
		if plan, ok := r.catalog.Lookup(ev.Provider, ev.ProviderPlanID); ok {
			payment.PlanID = plan.ID
		}
	}

	inserted, err := r.payments.InsertPayment(ctx, payment)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	r.metrics.ObservePayment(ev.Provider, string(payment.Status), inserted)

	logger := r.logger.WithFields(map[string]interface{}{
		"user_id":     userID,
		"provider":    ev.Provider,
		"payment_ref": ev.ProviderPaymentRef,
		"status":      string(payment.Status),
	})
	if !inserted {
		logger.Debug("Payment already recorded")
		return false, nil
	}
	logger.Info("Payment recorded")
	return true, nil
}

// resolveUser falls back to the subscription that references the payment's
// provider subscription. An unresolved payment is still kept for audit.
func (r *Recorder) resolveUser(ctx context.Context, ev *billing.PaymentEvent) string {
	if ev.UserID != "" || ev.SubscriptionRef == "" || r.subs == nil {
		return ev.UserID
	}
	ref := billing.ProviderRef{Provider: ev.Provider, ExternalID: ev.SubscriptionRef}
	userID, err := r.subs.FindUserByProviderRef(ctx, ref)
	if err != nil {
		r.logger.WithError(err).WithField("provider_ref", ref.String()).Warn("Failed to resolve payment owner")
		return ""
	}
	return userID
}

// History lists a user's payments, newest first
func (r *Recorder) History(ctx context.Context, userID string, limit int) ([]*billing.Payment, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	payments, err := r.payments.ListPayments(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	if payments == nil {
		payments = []*billing.Payment{}
	}
	return payments, nil
}

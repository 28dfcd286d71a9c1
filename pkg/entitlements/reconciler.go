package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/ledger"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

var reconcilerTracer = otel.Tracer("tokenmeter/entitlements/reconciler")

// ErrUserNotResolved is returned when an event carries no user id and no
// stored record references its provider subscription
var ErrUserNotResolved = errors.New("event does not identify a user")

// UpstreamClient pushes local cancellation changes to a billing provider
type UpstreamClient interface {
	SetCancelAtPeriodEnd(ctx context.Context, externalID string, cancel bool) error
}

// Entitlement is the externally visible view of a user's subscription
type Entitlement struct {
	UserID             string                     `json:"userId"`
	PlanID             string                     `json:"planId"`
	PlanName           string                     `json:"planName"`
	Status             billing.SubscriptionStatus `json:"status"`
	Provider           string                     `json:"provider,omitempty"`
	CurrentPeriodStart time.Time                  `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time                  `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool                       `json:"cancelAtPeriodEnd"`
	TokenLimit         int64                      `json:"tokenLimit"`
	TokensUsed         int64                      `json:"tokensUsed"`
	IsDefault          bool                       `json:"isDefault"`
}

// ChangeResult reports a user-initiated cancel or reactivate
type ChangeResult struct {
	Entitlement    Entitlement `json:"entitlement"`
	UpstreamSynced bool        `json:"upstreamSynced"`
}

// Reconciler folds normalized provider events into the canonical
// per-user subscription record
type Reconciler struct {
	subs     storage.SubscriptionStore
	catalog  *plans.Catalog
	upstream map[string]UpstreamClient
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewReconciler creates a Reconciler. metrics may be nil.
func NewReconciler(subs storage.SubscriptionStore, catalog *plans.Catalog,
	logger *observability.Logger, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		subs:     subs,
		catalog:  catalog,
		upstream: make(map[string]UpstreamClient),
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterUpstream sets the API client used to sync cancellations for a provider
func (r *Reconciler) RegisterUpstream(provider string, client UpstreamClient) {
	r.upstream[provider] = client
}

// Apply dispatches a subscription event
func (r *Reconciler) Apply(ctx context.Context, ev *billing.SubscriptionEvent) (*billing.Subscription, error) {
	switch ev.Type {
	case billing.EventSubscriptionActivated, billing.EventSubscriptionRenewed, billing.EventSubscriptionUpdated:
		return r.ApplyActivation(ctx, ev)
	case billing.EventSubscriptionCanceled:
		userID, err := r.ResolveUser(ctx, ev.UserID, ev.Provider)
		if err != nil {
			return nil, err
		}
		return r.ApplyCancellation(ctx, userID, ev.Provider)
	default:
		return nil, fmt.Errorf("unsupported subscription event %s", ev.Type)
	}
}

// ResolveUser prefers the id the provider echoed back and falls back to the
// record that references the provider subscription
func (r *Reconciler) ResolveUser(ctx context.Context, userID string, ref billing.ProviderRef) (string, error) {
	if userID != "" {
		return userID, nil
	}
	found, err := r.subs.FindUserByProviderRef(ctx, ref)
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrUserNotResolved, ref)
	}
	return found, nil
}

// ResolvePlan maps a provider plan id to a catalog plan. Unknown ids fail
// closed to the free plan.
func (r *Reconciler) ResolvePlan(provider, providerPlanID string) plans.PlanDefinition {
	if plan, ok := r.catalog.Lookup(provider, providerPlanID); ok {
		return plan
	}
	r.metrics.ObserveUnknownPlan(provider)
	r.logger.WithError(billing.ErrUnknownPlan).
		WithField("provider", provider).
		WithField("provider_plan_id", providerPlanID).
		Warn("Unknown provider plan, falling back to free plan")
	return r.catalog.Free()
}

// ApplyActivation handles Activated, Renewed and Updated events. The record
// is created when absent. Only Activated and Renewed reset usage, and a
// Renewed replay for the period usage was already reset for does not reset
// again.
func (r *Reconciler) ApplyActivation(ctx context.Context, ev *billing.SubscriptionEvent) (*billing.Subscription, error) {
	ctx, span := reconcilerTracer.Start(ctx, "entitlements.ApplyActivation")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.kind", string(ev.Type)),
		attribute.String("provider", ev.Provider.Provider),
	)

	userID, err := r.ResolveUser(ctx, ev.UserID, ev.Provider)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", userID))

	var resolved *plans.PlanDefinition
	if ev.ProviderPlanID != "" {
		plan := r.ResolvePlan(ev.Provider.Provider, ev.ProviderPlanID)
		resolved = &plan
	}

	reset := false
	sub, err := r.subs.MutateSubscription(ctx, userID, func(current *billing.Subscription) (*billing.Subscription, error) {
		reset = false
		if ev.Type == billing.EventSubscriptionRenewed && current != nil && ev.PeriodStart != nil &&
			ev.PeriodStart.Equal(current.UsagePeriodStart) && current.Provider == ev.Provider {
			return nil, nil
		}

		now := r.now()
		next := current.Clone()
		if next == nil {
			next = &billing.Subscription{UserID: userID}
		}

		switch {
		case resolved != nil:
			next.PlanID = resolved.ID
			next.TokenLimit = resolved.TokenQuota
		case current == nil:
			free := r.ResolvePlan(ev.Provider.Provider, "")
			next.PlanID = free.ID
			next.TokenLimit = free.TokenQuota
		}

		next.CurrentPeriodStart, next.CurrentPeriodEnd = fillPeriod(ev, current, now)
		if !ev.Provider.IsZero() {
			next.Provider = ev.Provider
		}
		next.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
		switch {
		case ev.Status != "":
			next.Status = ev.Status
		case current == nil || ev.ResetsUsage():
			next.Status = billing.SubscriptionStatusActive
		}

		if current == nil || ev.ResetsUsage() {
			next.ResetUsage(next.CurrentPeriodStart)
			reset = current != nil
		}
		return next, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply activation failed")
		return nil, err
	}

	if reset {
		r.metrics.ObservePeriodReset("webhook")
	}
	r.logger.WithFields(map[string]interface{}{
		"user_id":     userID,
		"event":       string(ev.Type),
		"plan_id":     sub.PlanID,
		"token_limit": sub.TokenLimit,
		"usage_reset": reset,
	}).Info("Subscription reconciled")
	return sub, nil
}

// fillPeriod takes the event's bounds, falling back to the previous record
// and then to a month starting now
func fillPeriod(ev *billing.SubscriptionEvent, current *billing.Subscription, now time.Time) (time.Time, time.Time) {
	var start, end time.Time
	if current != nil {
		start, end = current.CurrentPeriodStart, current.CurrentPeriodEnd
	}
	if ev.PeriodStart != nil {
		start = *ev.PeriodStart
	}
	if ev.PeriodEnd != nil {
		end = *ev.PeriodEnd
	}
	if start.IsZero() {
		start = now
	}
	if end.IsZero() || !end.After(start) {
		_, end = ledger.MonthlyPeriod(start)
	}
	return start, end
}

// ApplyCancellation marks the subscription canceled at period end. Usage and
// quota are kept so access continues until the period ends. Without a record
// this is a no-op.
func (r *Reconciler) ApplyCancellation(ctx context.Context, userID string, ref billing.ProviderRef) (*billing.Subscription, error) {
	ctx, span := reconcilerTracer.Start(ctx, "entitlements.ApplyCancellation")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	sub, err := r.subs.MutateSubscription(ctx, userID, func(current *billing.Subscription) (*billing.Subscription, error) {
		if current == nil {
			return nil, nil
		}
		if !ref.IsZero() && !current.Provider.IsZero() && current.Provider != ref {
			// The user has since moved to another provider subscription
			return nil, nil
		}
		next := current.Clone()
		next.Status = billing.SubscriptionStatusCanceled
		next.CancelAtPeriodEnd = true
		return next, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if sub == nil {
		r.logger.WithField("user_id", userID).Info("Cancellation for user without subscription ignored")
		return nil, nil
	}

	r.logger.WithField("user_id", userID).
		WithField("period_end", sub.CurrentPeriodEnd).
		Info("Subscription canceled at period end")
	return sub, nil
}

// Entitlement returns the stored record or a synthesized free default.
// Nothing is created for unknown users.
func (r *Reconciler) Entitlement(ctx context.Context, userID string) (Entitlement, error) {
	sub, err := r.subs.GetSubscription(ctx, userID)
	if err != nil {
		return Entitlement{}, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if sub == nil {
		e := r.view(ledger.FreeSubscription(userID, r.catalog.Free(), r.now()))
		e.IsDefault = true
		return e, nil
	}
	return r.view(sub), nil
}

func (r *Reconciler) view(sub *billing.Subscription) Entitlement {
	name := sub.PlanID
	if plan, ok := r.catalog.Get(sub.PlanID); ok && plan.DisplayName != "" {
		name = plan.DisplayName
	}
	return Entitlement{
		UserID:             sub.UserID,
		PlanID:             sub.PlanID,
		PlanName:           name,
		Status:             sub.Status,
		Provider:           sub.Provider.Provider,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		TokenLimit:         sub.TokenLimit,
		TokensUsed:         sub.TokensUsed,
	}
}

// Cancel schedules cancellation at period end and pushes the change upstream
func (r *Reconciler) Cancel(ctx context.Context, userID string) (ChangeResult, error) {
	return r.setCancelAtPeriodEnd(ctx, userID, true)
}

// Reactivate clears a scheduled cancellation and pushes the change upstream.
// A canceled record whose period has not ended becomes active again.
func (r *Reconciler) Reactivate(ctx context.Context, userID string) (ChangeResult, error) {
	return r.setCancelAtPeriodEnd(ctx, userID, false)
}

func (r *Reconciler) setCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) (ChangeResult, error) {
	ctx, span := reconcilerTracer.Start(ctx, "entitlements.SetCancelAtPeriodEnd")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Bool("cancel", cancel))

	sub, err := r.subs.MutateSubscription(ctx, userID, func(current *billing.Subscription) (*billing.Subscription, error) {
		if current == nil {
			return nil, billing.ErrSubscriptionNotFound
		}
		next := current.Clone()
		next.CancelAtPeriodEnd = cancel
		if !cancel && next.Status == billing.SubscriptionStatusCanceled && r.now().Before(next.CurrentPeriodEnd) {
			next.Status = billing.SubscriptionStatusActive
		}
		return next, nil
	})
	if err != nil {
		return ChangeResult{}, err
	}

	result := ChangeResult{Entitlement: r.view(sub), UpstreamSynced: true}
	operation := "reactivate"
	if cancel {
		operation = "cancel"
	}

	client, ok := r.upstream[sub.Provider.Provider]
	if sub.Provider.IsZero() || !ok {
		return result, nil
	}

	if err := client.SetCancelAtPeriodEnd(ctx, sub.Provider.ExternalID, cancel); err != nil {
		upErr := &billing.UpstreamError{Provider: sub.Provider.Provider, Operation: operation, Err: err}
		r.metrics.ObserveUpstreamCall(sub.Provider.Provider, operation, upErr)
		span.RecordError(upErr)
		observability.FromContext(ctx).WithError(upErr).
			WithField("user_id", userID).
			Warn("Provider update failed, local state updated; next webhook will reconcile")
		result.UpstreamSynced = false
		return result, nil
	}
	r.metrics.ObserveUpstreamCall(sub.Provider.Provider, operation, nil)
	return result, nil
}

package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/entitlements"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

var ingestTracer = otel.Tracer("tokenmeter/webhooks")

var (
	// ErrUnknownProvider is returned for a provider with no registered adapter
	ErrUnknownProvider = errors.New("unknown webhook provider")

	// ErrMalformedPayload is returned by adapters for a correctly signed body
	// that cannot be decoded
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Adapter verifies and normalizes one provider's webhook deliveries.
// Implementations hold no state and are safe for concurrent use.
type Adapter interface {
	Provider() string
	// ParseEvent must verify the signature before looking at the payload and
	// return billing.ErrAuthenticationFailed when it does not match
	ParseEvent(payload []byte, header http.Header) (*Envelope, error)
}

// Envelope is a verified delivery. Events is empty for event types the
// engine does not act on.
type Envelope struct {
	EventID   string
	EventType string
	Events    []billing.Event
}

// SubscriptionApplier folds subscription events into the entitlement record
type SubscriptionApplier interface {
	Apply(ctx context.Context, ev *billing.SubscriptionEvent) (*billing.Subscription, error)
}

// PaymentRecorder appends payment events to the history
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, ev *billing.PaymentEvent) (bool, error)
}

// Result summarizes an accepted delivery
type Result struct {
	Provider  string `json:"provider"`
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType"`
	Duplicate bool   `json:"duplicate"`
	Applied   int    `json:"events"`
	Skipped   int    `json:"skipped,omitempty"`
}

// Ingestor routes verified deliveries to the reconciler and the payment
// recorder, remembering which deliveries were fully applied
type Ingestor struct {
	adapters map[string]Adapter
	subs     SubscriptionApplier
	payments PaymentRecorder
	events   storage.EventLog
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewIngestor creates an Ingestor. events and metrics may be nil.
func NewIngestor(subs SubscriptionApplier, payments PaymentRecorder, events storage.EventLog,
	logger *observability.Logger, metrics *observability.Metrics) *Ingestor {
	return &Ingestor{
		adapters: make(map[string]Adapter),
		subs:     subs,
		payments: payments,
		events:   events,
		logger:   logger,
		metrics:  metrics,
	}
}

// Register adds an adapter under its provider name
func (i *Ingestor) Register(a Adapter) {
	i.adapters[a.Provider()] = a
}

// Providers lists the registered provider names
func (i *Ingestor) Providers() []string {
	names := make([]string, 0, len(i.adapters))
	for name := range i.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle verifies, deduplicates and applies one delivery. Only
// authentication failures, malformed payloads, unknown providers and storage
// failures are returned as errors.
func (i *Ingestor) Handle(ctx context.Context, provider string, payload []byte, header http.Header) (Result, error) {
	start := time.Now()
	ctx = observability.WithProvider(ctx, provider)
	ctx, span := ingestTracer.Start(ctx, "webhooks.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("provider", provider))

	adapter, ok := i.adapters[provider]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	env, err := adapter.ParseEvent(payload, header)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, billing.ErrAuthenticationFailed) {
			outcome = "unauthorized"
		}
		i.metrics.ObserveWebhook(provider, "unknown", outcome, time.Since(start))
		span.SetStatus(codes.Error, outcome)
		observability.FromContext(ctx).WithError(err).Warn("Rejected webhook delivery")
		return Result{}, err
	}

	result := Result{Provider: provider, EventID: env.EventID, EventType: env.EventType}
	span.SetAttributes(attribute.String("event.id", env.EventID), attribute.String("event.type", env.EventType))
	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"event_id":   env.EventID,
		"event_type": env.EventType,
	})

	if env.EventID != "" && i.events != nil {
		seen, err := i.events.Seen(ctx, provider, env.EventID)
		if err != nil {
			// downstream writes are idempotent by their own keys
			logger.WithError(err).Warn("Event log lookup failed, applying delivery")
		} else if seen {
			result.Duplicate = true
			i.metrics.ObserveWebhook(provider, env.EventType, "duplicate", time.Since(start))
			logger.Debug("Delivery already processed")
			return result, nil
		}
	}

	for _, ev := range env.Events {
		applied, err := i.dispatch(ctx, ev)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch failed")
			i.metrics.ObserveWebhook(provider, env.EventType, "error", time.Since(start))
			logger.WithError(err).Error("Failed to apply webhook event")
			return result, err
		}
		if applied {
			result.Applied++
		} else {
			result.Skipped++
		}
	}

	if env.EventID != "" && i.events != nil {
		if err := i.events.MarkProcessed(ctx, provider, env.EventID, env.EventType); err != nil {
			logger.WithError(err).Warn("Failed to mark delivery processed")
		}
	}

	outcome := "processed"
	if result.Applied == 0 {
		outcome = "ignored"
	}
	i.metrics.ObserveWebhook(provider, env.EventType, outcome, time.Since(start))
	logger.WithField("applied", result.Applied).WithField("skipped", result.Skipped).Info("Webhook processed")
	return result, nil
}

// dispatch reports false for events that could not be attributed to a user;
// those are acknowledged rather than retried forever
func (i *Ingestor) dispatch(ctx context.Context, ev billing.Event) (bool, error) {
	switch e := ev.(type) {
	case *billing.SubscriptionEvent:
		_, err := i.subs.Apply(ctx, e)
		if errors.Is(err, entitlements.ErrUserNotResolved) {
			observability.FromContext(ctx).WithError(err).Warn("Subscription event has no owner, skipping")
			return false, nil
		}
		return err == nil, err
	case *billing.PaymentEvent:
		if _, err := i.payments.RecordPayment(ctx, e); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("unsupported event %T", ev)
	}
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

var gateTracer = otel.Tracer("tokenmeter/ledger/gate")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ConsumeRequest asks the gate to admit Amount tokens for a user. When
// Amount is zero the prompt and completion counts are summed.
type ConsumeRequest struct {
	UserID           string `json:"userId"`
	Amount           int64  `json:"amount"`
	MessageID        string `json:"messageId,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int64  `json:"promptTokens,omitempty"`
	CompletionTokens int64  `json:"completionTokens,omitempty"`
}

// Decision is the gate's answer. Remaining, Used and Limit describe the
// record after the decision.
type Decision struct {
	Allowed   bool                `json:"allowed"`
	Remaining int64               `json:"remaining"`
	Used      int64               `json:"used"`
	Limit     int64               `json:"limit"`
	PlanID    string              `json:"planId,omitempty"`
	Duplicate bool                `json:"duplicate"`
	Entry     *billing.UsageEntry `json:"entry,omitempty"`
}

// Gate is the quota gate in front of the token ledger
type Gate struct {
	ledger  storage.LedgerStore
	subs    storage.SubscriptionStore
	catalog *plans.Catalog
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewGate creates a Gate. metrics may be nil.
func NewGate(ledger storage.LedgerStore, subs storage.SubscriptionStore, catalog *plans.Catalog,
	logger *observability.Logger, metrics *observability.Metrics) *Gate {
	return &Gate{
		ledger:  ledger,
		subs:    subs,
		catalog: catalog,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// FreeSubscription builds the record a user without a subscription starts with
func FreeSubscription(userID string, plan plans.PlanDefinition, now time.Time) *billing.Subscription {
	start, end := MonthlyPeriod(now)
	return &billing.Subscription{
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             billing.SubscriptionStatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		TokenLimit:         plan.TokenQuota,
		UsagePeriodStart:   start,
	}
}

// MonthlyPeriod returns the one-month window starting at start
func MonthlyPeriod(start time.Time) (time.Time, time.Time) {
	return start, start.AddDate(0, 1, 0)
}

// CheckAndConsume atomically admits or declines the request. A decline
// returns a *billing.QuotaExceededError together with a Decision describing
// the unchanged record.
func (g *Gate) CheckAndConsume(ctx context.Context, req ConsumeRequest) (Decision, error) {
	amount := req.Amount
	if amount == 0 {
		sum, err := tokenSum(req.PromptTokens, req.CompletionTokens)
		if err != nil {
			return Decision{}, err
		}
		amount = sum
	}
	return g.RecordUsage(ctx, &billing.UsageEntry{
		UserID:           req.UserID,
		SessionID:        req.SessionID,
		MessageID:        req.MessageID,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      amount,
		Model:            req.Model,
	})
}

// RecordUsage appends a ledger line and increments usage in one step.
// Entries are idempotent by MessageID: a replay returns the prior entry
// with Duplicate set and changes nothing.
func (g *Gate) RecordUsage(ctx context.Context, entry *billing.UsageEntry) (Decision, error) {
	ctx, span := gateTracer.Start(ctx, "ledger.RecordUsage")
	defer span.End()

	if entry.UserID == "" {
		return Decision{}, fmt.Errorf("user id is required")
	}
	if entry.TotalTokens == 0 {
		sum, err := tokenSum(entry.PromptTokens, entry.CompletionTokens)
		if err != nil {
			return Decision{}, err
		}
		entry.TotalTokens = sum
	}
	if entry.TotalTokens <= 0 || entry.PromptTokens < 0 || entry.CompletionTokens < 0 {
		return Decision{}, billing.ErrInvalidAmount
	}

	now := g.now()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.MessageID == "" {
		entry.MessageID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.EstimatedCost = g.catalog.EstimateCost(entry.Model, entry.PromptTokens, entry.CompletionTokens)

	span.SetAttributes(
		attribute.String("user.id", entry.UserID),
		attribute.String("message.id", entry.MessageID),
		attribute.Int64("tokens.requested", entry.TotalTokens),
	)

	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"user_id":    entry.UserID,
		"message_id": entry.MessageID,
		"tokens":     entry.TotalTokens,
	})

	initial := FreeSubscription(entry.UserID, g.catalog.Free(), now)
	res, err := g.ledger.Consume(ctx, entry, initial, now)

	var qe *billing.QuotaExceededError
	if errors.As(err, &qe) {
		span.SetAttributes(attribute.Bool("quota.allowed", false))
		g.metrics.ObserveQuotaDecision(g.planOf(ctx, entry.UserID), "denied", entry.TotalTokens)
		logger.WithField("used", qe.Used).WithField("limit", qe.Limit).Info("Quota exceeded")
		return Decision{
			Allowed:   false,
			Remaining: qe.Remaining(),
			Used:      qe.Used,
			Limit:     qe.Limit,
		}, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "consume failed")
		logger.WithError(err).Error("Failed to consume tokens")
		return Decision{}, err
	}

	sub := res.Subscription
	decision := Decision{
		Allowed:   true,
		Remaining: sub.Remaining(),
		Used:      sub.TokensUsed,
		Limit:     sub.TokenLimit,
		PlanID:    sub.PlanID,
		Duplicate: res.Duplicate,
		Entry:     res.Entry,
	}
	span.SetAttributes(attribute.Bool("quota.allowed", true), attribute.Bool("quota.duplicate", res.Duplicate))

	if res.Duplicate {
		g.metrics.ObserveQuotaDecision(sub.PlanID, "duplicate", 0)
		logger.Debug("Usage already recorded")
		return decision, nil
	}

	g.metrics.ObserveQuotaDecision(sub.PlanID, "allowed", entry.TotalTokens)
	g.metrics.ObserveCost(entry.Model, entry.EstimatedCost)
	return decision, nil
}

// tokenSum adds prompt and completion counts, rejecting negatives and
// int64 overflow
func tokenSum(prompt, completion int64) (int64, error) {
	if prompt < 0 || completion < 0 || prompt > math.MaxInt64-completion {
		return 0, billing.ErrInvalidAmount
	}
	return prompt + completion, nil
}

// planOf labels a decline; lookup failures only cost the label
func (g *Gate) planOf(ctx context.Context, userID string) string {
	sub, err := g.subs.GetSubscription(ctx, userID)
	if err != nil || sub == nil {
		return g.catalog.Free().ID
	}
	return sub.PlanID
}

// ResetForNewPeriod zeroes usage and moves the period bounds in one
// serialized per-user update
func (g *Gate) ResetForNewPeriod(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*billing.Subscription, error) {
	ctx, span := gateTracer.Start(ctx, "ledger.ResetForNewPeriod")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	if !periodEnd.After(periodStart) {
		return nil, fmt.Errorf("period end %s must be after start %s", periodEnd, periodStart)
	}

	sub, err := g.ledger.ResetUsage(ctx, userID, periodStart, periodEnd)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	g.metrics.ObservePeriodReset("rollover")
	g.logger.WithField("user_id", userID).
		WithField("period_end", periodEnd).
		Info("Usage reset for new period")
	return sub, nil
}

// GetUsageStats is a read-only, best-effort view. A user without a record
// reports the free plan defaults.
func (g *Gate) GetUsageStats(ctx context.Context, userID string) (billing.UsageStats, error) {
	sub, err := g.subs.GetSubscription(ctx, userID)
	if err != nil {
		return billing.UsageStats{}, fmt.Errorf("failed to get usage stats: %w", err)
	}
	if sub == nil {
		sub = FreeSubscription(userID, g.catalog.Free(), g.now())
	}
	return billing.StatsFor(sub), nil
}

// ListUsage returns the user's most recent ledger lines
func (g *Gate) ListUsage(ctx context.Context, userID string, limit int) ([]*billing.UsageEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return g.ledger.ListUsage(ctx, userID, limit)
}

// EstimateCost prices a message in USD for reporting. It never affects
// admission.
func (g *Gate) EstimateCost(model string, promptTokens, completionTokens int64) float64 {
	return g.catalog.EstimateCost(model, promptTokens, completionTokens)
}

package entitlements

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/ledger"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

const sweepBatchSize = 200

// EventPruner drops webhook dedup records past their retention
type EventPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Sweeper rolls free-plan periods forward. Paid plans are renewed by their
// provider's webhooks, but nothing external renews a free plan.
type Sweeper struct {
	subs      storage.SubscriptionStore
	logger    *observability.Logger
	metrics   *observability.Metrics
	schedule  string
	cron      *cron.Cron
	pruner    EventPruner
	retention time.Duration
	now       func() time.Time
}

// NewSweeper creates a Sweeper that runs on a robfig/cron schedule such as "@every 15m"
func NewSweeper(subs storage.SubscriptionStore, schedule string, logger *observability.Logger, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{
		subs:     subs,
		logger:   logger,
		metrics:  metrics,
		schedule: schedule,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithPruner also prunes processed webhook events on every run
func (s *Sweeper) WithPruner(p EventPruner, retention time.Duration) *Sweeper {
	s.pruner = p
	s.retention = retention
	return s
}

// Start schedules the sweep
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		defer observability.RecoverPanic(s.logger, "free period sweeper")
		s.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Infof("Free period sweeper scheduled: %s", s.schedule)
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce renews every expired free period and returns how many were reset
func (s *Sweeper) RunOnce(ctx context.Context) int {
	now := s.now()
	renewed := 0

	for {
		expired, err := s.subs.ListExpiredFree(ctx, now, sweepBatchSize)
		if err != nil {
			s.logger.WithError(err).Error("Failed to list expired free subscriptions")
			break
		}
		progressed := 0
		for _, sub := range expired {
			ok, err := s.renew(ctx, sub.UserID, now)
			if err != nil {
				s.logger.WithError(err).WithField("user_id", sub.UserID).Error("Failed to renew free period")
				continue
			}
			if ok {
				renewed++
				progressed++
			}
		}
		if len(expired) < sweepBatchSize || progressed == 0 {
			break
		}
	}

	if s.pruner != nil && s.retention > 0 {
		if n, err := s.pruner.Prune(ctx, s.retention); err != nil {
			s.logger.WithError(err).Warn("Failed to prune processed webhook events")
		} else if n > 0 {
			s.logger.Infof("Pruned %d processed webhook events", n)
		}
	}

	if renewed > 0 {
		s.logger.Infof("Renewed %d free periods", renewed)
	}
	return renewed
}

// renew re-checks the record under the user's lock so a concurrent
// activation is never overwritten
func (s *Sweeper) renew(ctx context.Context, userID string, now time.Time) (bool, error) {
	changed := false
	_, err := s.subs.MutateSubscription(ctx, userID, func(current *billing.Subscription) (*billing.Subscription, error) {
		if current == nil || !current.Provider.IsZero() || current.CancelAtPeriodEnd ||
			current.Status != billing.SubscriptionStatusActive || current.CurrentPeriodEnd.After(now) {
			return nil, nil
		}
		start, end := nextFreePeriod(current.CurrentPeriodEnd, now)
		next := current.Clone()
		next.CurrentPeriodStart = start
		next.CurrentPeriodEnd = end
		next.ResetUsage(start)
		changed = true
		return next, nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.metrics.ObservePeriodReset("sweeper")
	}
	return changed, nil
}

// nextFreePeriod steps monthly from the old period end until the window covers now
func nextFreePeriod(periodEnd, now time.Time) (time.Time, time.Time) {
	start, end := ledger.MonthlyPeriod(periodEnd)
	for !end.After(now) {
		start, end = ledger.MonthlyPeriod(end)
	}
	return start, end
}

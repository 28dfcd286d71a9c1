// Package memory provides in-process implementations of the storage
// interfaces. Each user's mutations are serialized by a per-user mutex. The
// shared maps are only locked for the reads and writes themselves, so
// unrelated users never wait on each other's quota checks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

// Store keeps subscriptions, the token ledger and payment history in memory
type Store struct {
	locks *keyedMutex

	mu             sync.RWMutex
	subs           map[string]*billing.Subscription
	usage          map[string]*billing.UsageEntry
	usageByUser    map[string][]*billing.UsageEntry
	payments       map[string]*billing.Payment
	paymentsByUser map[string][]*billing.Payment
}

var (
	_ storage.SubscriptionStore = (*Store)(nil)
	_ storage.LedgerStore       = (*Store)(nil)
	_ storage.PaymentStore      = (*Store)(nil)
)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		locks:          newKeyedMutex(),
		subs:           make(map[string]*billing.Subscription),
		usage:          make(map[string]*billing.UsageEntry),
		usageByUser:    make(map[string][]*billing.UsageEntry),
		payments:       make(map[string]*billing.Payment),
		paymentsByUser: make(map[string][]*billing.Payment),
	}
}

// GetSubscription returns a copy of the user's record
func (s *Store) GetSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs[userID].Clone(), nil
}

// FindUserByProviderRef scans for the record owning ref
func (s *Store) FindUserByProviderRef(ctx context.Context, ref billing.ProviderRef) (string, error) {
	if ref.IsZero() {
		return "", nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for userID, sub := range s.subs {
		if sub.Provider == ref {
			return userID, nil
		}
	}
	return "", nil
}

// MutateSubscription runs fn under the user's lock
func (s *Store) MutateSubscription(ctx context.Context, userID string, fn storage.MutateFunc) (*billing.Subscription, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	current, _ := s.GetSubscription(ctx, userID)
	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	now := time.Now().UTC()
	next.UserID = userID
	if current != nil {
		next.CreatedAt = current.CreatedAt
	} else if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now

	s.mu.Lock()
	s.subs[userID] = next.Clone()
	s.mu.Unlock()

	return next, nil
}

// ListExpiredFree returns provider-less active records past their period end
func (s *Store) ListExpiredFree(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	s.mu.RLock()
	var out []*billing.Subscription
	for _, sub := range s.subs {
		if sub.Provider.IsZero() && sub.Status == billing.SubscriptionStatusActive &&
			!sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd.Before(now) {
			out = append(out, sub.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Consume performs the compare-and-increment under the user's lock. The
// record can only change while that lock is held, so the snapshot taken at
// the start stays current until the write.
func (s *Store) Consume(ctx context.Context, entry *billing.UsageEntry, initial *billing.Subscription, now time.Time) (*storage.ConsumeResult, error) {
	unlock := s.locks.Lock(entry.UserID)
	defer unlock()

	s.mu.RLock()
	prior, seen := s.usage[entry.MessageID]
	sub := s.subs[entry.UserID].Clone()
	s.mu.RUnlock()

	if seen {
		if prior.UserID != entry.UserID {
			return nil, billing.ErrMessageIDConflict
		}
		c := *prior
		return &storage.ConsumeResult{Subscription: sub, Entry: &c, Duplicate: true}, nil
	}

	if sub == nil {
		sub = initial.Clone()
		sub.UserID = entry.UserID
		sub.CreatedAt = now
	}

	if !sub.ConsumptionAllowed(now) {
		return nil, &billing.QuotaExceededError{
			UserID: entry.UserID, Requested: entry.TotalTokens,
			Used: sub.TokensUsed, Limit: sub.TokenLimit, Expired: true,
		}
	}
	if entry.TotalTokens > sub.TokenLimit-sub.TokensUsed {
		return nil, &billing.QuotaExceededError{
			UserID: entry.UserID, Requested: entry.TotalTokens,
			Used: sub.TokensUsed, Limit: sub.TokenLimit,
		}
	}

	sub.TokensUsed += entry.TotalTokens
	sub.UpdatedAt = now
	stored := *entry

	s.mu.Lock()
	defer s.mu.Unlock()
	// another user may have claimed the id since the snapshot
	if _, taken := s.usage[entry.MessageID]; taken {
		return nil, billing.ErrMessageIDConflict
	}
	s.subs[entry.UserID] = sub
	s.usage[entry.MessageID] = &stored
	s.usageByUser[entry.UserID] = append(s.usageByUser[entry.UserID], &stored)

	return &storage.ConsumeResult{Subscription: sub.Clone(), Entry: entry}, nil
}

// ResetUsage zeroes the counter and moves the period
func (s *Store) ResetUsage(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*billing.Subscription, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.subs[userID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	sub := current.Clone()
	sub.ResetUsage(periodStart)
	sub.CurrentPeriodStart = periodStart
	sub.CurrentPeriodEnd = periodEnd
	sub.UpdatedAt = time.Now().UTC()
	s.subs[userID] = sub
	return sub.Clone(), nil
}

// GetUsageEntry looks up a ledger line by message id
func (s *Store) GetUsageEntry(ctx context.Context, messageID string) (*billing.UsageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.usage[messageID]
	if !ok {
		return nil, nil
	}
	c := *e
	return &c, nil
}

// ListUsage returns the user's newest entries first
func (s *Store) ListUsage(ctx context.Context, userID string, limit int) ([]*billing.UsageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.usageByUser[userID]
	out := make([]*billing.UsageEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		c := *entries[i]
		out = append(out, &c)
	}
	return out, nil
}

// InsertPayment stores the payment once per provider reference
func (s *Store) InsertPayment(ctx context.Context, payment *billing.Payment) (bool, error) {
	key := payment.Provider + "/" + payment.ProviderPaymentRef

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[key]; exists {
		return false, nil
	}
	stored := *payment
	s.payments[key] = &stored
	s.paymentsByUser[payment.UserID] = append(s.paymentsByUser[payment.UserID], &stored)
	return true, nil
}

// ListPayments returns the user's newest payments first
func (s *Store) ListPayments(ctx context.Context, userID string, limit int) ([]*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payments := s.paymentsByUser[userID]
	out := make([]*billing.Payment, 0, len(payments))
	for i := len(payments) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		c := *payments[i]
		out = append(out, &c)
	}
	return out, nil
}

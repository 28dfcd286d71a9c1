package webhooks

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

// MemoryEventLog remembers processed deliveries in a bounded, expiring LRU.
// It is used when neither Redis nor Postgres is configured.
type MemoryEventLog struct {
	cache *lru.LRU[string, string]
}

var _ storage.EventLog = (*MemoryEventLog)(nil)

// NewMemoryEventLog creates a log holding at most size ids for ttl each
func NewMemoryEventLog(size int, ttl time.Duration) *MemoryEventLog {
	if size <= 0 {
		size = storage.DefaultConfig().EventCacheSize
	}
	return &MemoryEventLog{
		cache: lru.NewLRU[string, string](size, nil, ttl),
	}
}

func memoryKey(provider, eventID string) string {
	return provider + "/" + eventID
}

// Seen reports whether the delivery was marked processed and has not expired
func (l *MemoryEventLog) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	_, ok := l.cache.Peek(memoryKey(provider, eventID))
	return ok, nil
}

// MarkProcessed records the delivery
func (l *MemoryEventLog) MarkProcessed(ctx context.Context, provider, eventID, eventType string) error {
	l.cache.Add(memoryKey(provider, eventID), eventType)
	return nil
}

// Len returns the number of remembered deliveries
func (l *MemoryEventLog) Len() int {
	return l.cache.Len()
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

const (
	redisDialTimeout = 5 * time.Second
	redisIOTimeout   = 3 * time.Second
	defaultEventTTL  = 72 * time.Hour
	eventKeyPrefix   = "tokenmeter:webhook"
)

// redisOptions parses the URL and lets explicit config fields win over it
func redisOptions(cfg storage.Config) (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB > 0 {
		opts.DB = cfg.RedisDB
	}
	if cfg.RedisMaxRetries > 0 {
		opts.MaxRetries = cfg.RedisMaxRetries
	}
	if cfg.RedisPoolSize > 0 {
		opts.PoolSize = cfg.RedisPoolSize
	}
	opts.DialTimeout = redisDialTimeout
	opts.ReadTimeout = redisIOTimeout
	opts.WriteTimeout = redisIOTimeout
	return opts, nil
}

// NewRedisClient connects to the dedup Redis and pings it once
func NewRedisClient(ctx context.Context, cfg storage.Config) (*redis.Client, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisEventLog keeps processed webhook event ids in Redis with a TTL so
// several replicas share dedup state. Expiry replaces pruning.
type RedisEventLog struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEventLog creates a RedisEventLog; a non-positive ttl means 72h
func NewRedisEventLog(client *redis.Client, ttl time.Duration) *RedisEventLog {
	if ttl <= 0 {
		ttl = defaultEventTTL
	}
	return &RedisEventLog{client: client, ttl: ttl}
}

func eventKey(provider, eventID string) string {
	return eventKeyPrefix + ":" + provider + ":" + eventID
}

func (l *RedisEventLog) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, eventKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up webhook event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed stores the event type under the id. The first writer wins and
// later marks do not extend the TTL.
func (l *RedisEventLog) MarkProcessed(ctx context.Context, provider, eventID, eventType string) error {
	if err := l.client.SetNX(ctx, eventKey(provider, eventID), eventType, l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark webhook event: %w", err)
	}
	return nil
}

// Package redis implements the low-level Redis client used by the tiered
// cache. Callers build a go-redis client, pass it to New, and receive a
// typed interface exposing only the operations the cache needs.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/clue/health"
)

const (
	defaultTimeout = 2 * time.Second
	scanBatchSize  = 256
	clientName     = "cache-redis"
)

type (
	// Client exposes Redis-backed operations for the tiered cache.
	Client interface {
		health.Pinger

		// Get returns the value stored under key, or (nil, nil) when the
		// key does not exist.
		Get(ctx context.Context, key string) ([]byte, error)
		// Set stores value under key with the given TTL.
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		// Del removes key and reports whether an entry existed.
		Del(ctx context.Context, key string) (bool, error)
		// DeleteByPrefix removes every key starting with prefix and returns
		// the number removed.
		DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	}

	// Options configures the Redis client implementation.
	Options struct {
		// Redis is the connection used for all operations. Required.
		Redis *goredis.Client
		// OperationTimeout bounds individual operations. Zero uses a
		// 2 second default.
		OperationTimeout time.Duration
	}

	client struct {
		redis   *goredis.Client
		timeout time.Duration
	}
)

// New returns a Client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{redis: opts.Redis, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func (c *client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return raw, nil
}

func (c *client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.redis.Set(ctx, key, value, ttl).Err()
}

func (c *client) Del(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.redis.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteByPrefix scans for matching keys in batches and deletes them. SCAN
// keeps the operation incremental so a large prefix cannot block Redis the
// way KEYS would.
func (c *client) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.scanBatch(ctx, cursor, prefix)
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := c.delBatch(ctx, keys)
			removed += n
			if err != nil {
				return removed, err
			}
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

func (c *client) scanBatch(ctx context.Context, cursor uint64, prefix string) ([]string, uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.redis.Scan(ctx, cursor, prefix+"*", scanBatchSize).Result()
}

func (c *client) delBatch(ctx context.Context, keys []string) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.redis.Del(ctx, keys...).Result()
	return int(n), err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

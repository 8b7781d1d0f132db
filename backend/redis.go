package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// existsMarker is the value stored against each hash key. The value is
// opaque; only key presence matters.
const existsMarker = "1"

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	// Address is the host:port of the Redis server.
	Address string

	// Password is optional.
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces all keys (default "sig:").
	KeyPrefix string
}

// Redis is a Backend backed by a Redis server.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis backend. The connection is established lazily by
// the client; use Ping to verify connectivity at startup.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "sig:"
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: cfg.KeyPrefix,
	}
}

// Ping verifies connectivity to the Redis server.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return classifyRedis("ping", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) (*Item, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, classifyRedis("get", err)
	}
	item := &Item{Value: val}
	if ttl, err := r.client.TTL(ctx, r.key(key)).Result(); err == nil && ttl > 0 {
		item.ExpiresAt = time.Now().Add(ttl)
	}
	return item, nil
}

func (r *Redis) Put(ctx context.Context, key string, item Item) error {
	value := item.Value
	if value == "" {
		value = existsMarker
	}
	var ttl time.Duration
	if !item.ExpiresAt.IsZero() {
		ttl = time.Until(item.ExpiresAt)
		if ttl <= 0 {
			// Already expired; storing would be a no-op that immediately
			// vanishes, which is the same observable outcome.
			return nil
		}
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return classifyRedis("put", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return classifyRedis("delete", err)
	}
	return nil
}

func (r *Redis) BatchGet(ctx context.Context, keys []string) (map[string]bool, error) {
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.Exists(ctx, r.key(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, classifyRedis("batch_get", err)
	}
	results := make(map[string]bool, len(keys))
	for key, cmd := range cmds {
		results[key] = cmd.Val() > 0
	}
	return results, nil
}

func (r *Redis) BatchPut(ctx context.Context, keys []string, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	for _, key := range keys {
		pipe.Set(ctx, r.key(key), existsMarker, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return classifyRedis("batch_put", err)
	}
	return nil
}

// classifyRedis maps go-redis errors into the Kind taxonomy.
func classifyRedis(op string, err error) error {
	kind := KindUnavailable

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindUnknown
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindTimeout
			break
		}
		msg := err.Error()
		switch {
		case strings.Contains(msg, "max number of clients"):
			kind = KindThrottled
		case strings.Contains(msg, "NOAUTH"), strings.Contains(msg, "WRONGPASS"):
			kind = KindUnauthorized
		}
	}

	return NewError(kind, "redis "+op, fmt.Errorf("redis: %w", err))
}

var _ Backend = (*Redis)(nil)

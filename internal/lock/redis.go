package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Defaults for RedisLocker.
const (
	DefaultLockTTL       = 2 * time.Minute
	DefaultRetryInterval = 50 * time.Millisecond
	DefaultKeyPrefix     = "niacoach:lock"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process pointed at the same Redis.
// Locks expire after ttl so a crashed holder cannot block a key forever.
type RedisLocker struct {
	client        *redis.Client
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
}

var _ Locker = (*RedisLocker)(nil)

// RedisOpts configures a RedisLocker.
type RedisOpts struct {
	Addr          string
	Password      string
	DB            int
	Prefix        string
	TTL           time.Duration
	RetryInterval time.Duration
}

// RedisOption defines a function that configures RedisOpts.
type RedisOption func(*RedisOpts)

// WithRedisAddr sets the Redis address (host:port).
func WithRedisAddr(addr string) RedisOption {
	return func(o *RedisOpts) { o.Addr = addr }
}

// WithRedisPassword sets the Redis password.
func WithRedisPassword(password string) RedisOption {
	return func(o *RedisOpts) { o.Password = password }
}

// WithRedisDB selects the Redis database number.
func WithRedisDB(db int) RedisOption {
	return func(o *RedisOpts) { o.DB = db }
}

// WithKeyPrefix sets the prefix for lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(o *RedisOpts) { o.Prefix = prefix }
}

// WithLockTTL sets how long a lock lives without being released.
func WithLockTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOpts) { o.TTL = ttl }
}

// WithRetryInterval sets the polling interval while waiting for a lock.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(o *RedisOpts) { o.RetryInterval = d }
}

// NewRedisLocker creates a RedisLocker and checks connectivity.
func NewRedisLocker(ctx context.Context, opts ...RedisOption) (*RedisLocker, error) {
	cfg := RedisOpts{
		Prefix:        DefaultKeyPrefix,
		TTL:           DefaultLockTTL,
		RetryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		slog.Error("RedisLocker ping failed", "error", err, "addr", cfg.Addr)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisLocker created", "addr", cfg.Addr, "prefix", cfg.Prefix, "ttl", cfg.TTL)
	return &RedisLocker{
		client:        client,
		prefix:        cfg.Prefix,
		ttl:           cfg.TTL,
		retryInterval: cfg.RetryInterval,
	}, nil
}

// Lock polls SET NX until it wins, ctx is done or a Redis error occurs.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + ":" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrLockTimeout, ctx.Err())
			}
			slog.Error("RedisLocker.Lock: SETNX failed", "error", err, "key", redisKey)
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's ctx may already be canceled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(unlockCtx, l.client, []string{redisKey}, token).Err(); err != nil {
			slog.Warn("RedisLocker unlock failed; key will expire", "error", err, "key", redisKey)
		}
	}, nil
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

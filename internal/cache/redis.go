package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/restaurant-orderflow/internal/idempotency"
)

const (
	DefaultPrefix = "idempotency:"
	lockSegment   = "lock:"
)

// Options configure the Redis connection.
type Options struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Redis is an idempotency.Cache and idempotency.Locker backed by Redis.
type Redis struct {
	client *redis.Client
	locker *redislock.Client
	prefix string
}

// NewRedis connects to Redis. The connection is checked lazily; callers that
// want to fail fast should call Ping.
func NewRedis(opts Options) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: 100,
	})
	return NewRedisFromClient(client, opts.Prefix)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{
		client: client,
		locker: redislock.New(client),
		prefix: prefix,
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Obtain marks key in flight for ttl. The lock expires on its own if the
// holder dies before releasing it.
func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := r.locker.Obtain(ctx, r.prefix+lockSegment+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, idempotency.ErrLockNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}

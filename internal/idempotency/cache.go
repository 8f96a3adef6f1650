package idempotency

import (
	"context"
	"time"
)

// Cache is the durable, shared result cache. Both methods fail when the
// backend is unavailable; the Guard degrades to its in-process cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Locker is implemented by caches that can also mark a key in flight across
// processes. Obtain returns ErrLockNotObtained when another holder owns key.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Config tunes a Guard.
type Config struct {
	// TTL is how long a successful result stays replayable.
	TTL time.Duration
	// WaitTimeout bounds how long a duplicate waits for the in-flight original.
	WaitTimeout time.Duration
	// PollInterval is how often a waiter re-reads the durable cache when the
	// original runs in another process.
	PollInterval time.Duration
	// LocalCacheSize caps the in-process secondary cache.
	LocalCacheSize int
	// LockTTL is the lifetime of the cross-process in-flight lock.
	LockTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:            24 * time.Hour,
		WaitTimeout:    30 * time.Second,
		PollInterval:   100 * time.Millisecond,
		LocalCacheSize: 1000,
		LockTTL:        60 * time.Second,
	}
}

// Handler performs the guarded business operation.
type Handler func(ctx context.Context) (Response, error)

// flight tracks one executing key. result and err are written before done is
// closed and only read after it.
type flight struct {
	done        chan struct{}
	fingerprint string
	result      *CachedResult
	err         error
}

// Guard deduplicates operations by idempotency key so that side effects run at
// most once per key.
//
// Results live in two tiers: the durable Cache shared by every process, and a
// size-bounded in-process cache that keeps replays working while the durable
// cache is down. While the durable cache is unavailable, deduplication across
// processes is best effort; within a process it stays exact.
//
// The in-process tier holds at most Config.LocalCacheSize results and evicts
// the least recently used one when full, even if it has not expired. A result
// evicted that way during a durable-cache outage is no longer replayed, and a
// retry of its key runs the handler again.
type Guard struct {
	cache    Cache
	locker   Locker
	local    *expirable.LRU[string, CachedResult]
	cfg      Config
	log      logrus.FieldLogger
	metrics  *Metrics
	validate *validatorv10.Validate
	nowFunc  func() time.Time

	mu      sync.Mutex
	flights map[string]*flight
}

// New returns a Guard over cache. cache may be nil, in which case only the
// in-process tier is used. When cache also implements Locker, the in-flight
// marker is shared across processes too.
func New(cache Cache, cfg Config, log logrus.FieldLogger) *Guard {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LocalCacheSize <= 0 {
		cfg.LocalCacheSize = def.LocalCacheSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}

	g := &Guard{
		cache:    cache,
		local:    expirable.NewLRU[string, CachedResult](cfg.LocalCacheSize, nil, cfg.TTL),
		cfg:      cfg,
		log:      log,
		metrics:  &Metrics{},
		validate: validatorv10.New(),
		nowFunc:  time.Now,
		flights:  map[string]*flight{},
	}
	if l, ok := cache.(Locker); ok {
		g.locker = l
	}
	return g
}

// Metrics exposes the guard counters.
func (g *Guard) Metrics() *Metrics { return g.metrics }

// Do runs h at most once per key. An empty key disables deduplication. The
// fingerprint identifies the request body; a stored result is only replayed to
// a request with the same fingerprint.
func (g *Guard) Do(ctx context.Context, key, fingerprint string, h Handler) (Outcome, error) {
	g.metrics.totalRequests.Add(1)

	if key == "" {
		resp, err := h(ctx)
		return Outcome{Response: resp, CompletedAt: g.nowFunc()}, err
	}
	if err := ValidateKey(key); err != nil {
		g.metrics.invalidKeys.Add(1)
		return Outcome{}, err
	}

	if cached, ok := g.lookup(ctx, key); ok {
		g.metrics.cacheHits.Add(1)
		return g.replay(key, fingerprint, cached, false)
	}

	f, leader, cached := g.join(key, fingerprint)
	if cached != nil {
		g.metrics.cacheHits.Add(1)
		return g.replay(key, fingerprint, cached, false)
	}
	if !leader {
		g.metrics.concurrentDuplicates.Add(1)
		if f.fingerprint != fingerprint {
			g.metrics.keyReuseConflicts.Add(1)
			return Outcome{}, ErrKeyReused
		}
		res, err := g.wait(ctx, key, f)
		if err != nil {
			return Outcome{}, err
		}
		return g.replay(key, fingerprint, res, true)
	}

	g.metrics.cacheMisses.Add(1)
	return g.lead(ctx, key, fingerprint, f, h)
}

// join registers the caller as the executor of key unless the key already has
// a local result or an executor. The local cache is consulted under the same
// lock that finish uses, so a result can never slip between the two checks.
func (g *Guard) join(key, fingerprint string) (*flight, bool, *CachedResult) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if res, ok := g.local.Get(key); ok {
		return nil, false, &res
	}
	if f, ok := g.flights[key]; ok {
		return f, false, nil
	}
	f := &flight{done: make(chan struct{}), fingerprint: fingerprint}
	g.flights[key] = f
	return f, true, nil
}

func (g *Guard) lead(ctx context.Context, key, fingerprint string, f *flight, h Handler) (out Outcome, err error) {
	var result *CachedResult
	defer func() {
		g.finish(key, f, result, err)
	}()

	release, heldElsewhere := g.obtainLock(ctx, key)
	if heldElsewhere {
		g.metrics.concurrentDuplicates.Add(1)
		result, err = g.wait(ctx, key, nil)
		if err != nil {
			return Outcome{}, err
		}
		return g.replay(key, fingerprint, result, true)
	}
	if release != nil {
		defer release()
		// another process may have finished between lookup and lock
		if cached, ok := g.lookupDurable(ctx, key); ok {
			result = cached
			g.metrics.cacheHits.Add(1)
			return g.replay(key, fingerprint, cached, false)
		}
	}

	resp, err := h(ctx)
	if err != nil {
		return Outcome{}, err
	}
	completed := g.nowFunc()
	if resp.Successful() {
		res := CachedResult{
			StatusCode:  resp.StatusCode,
			Body:        resp.Body,
			Headers:     resp.Headers,
			Fingerprint: fingerprint,
			Timestamp:   completed,
		}
		g.storeDurable(ctx, key, res)
		result = &res
	}
	return Outcome{Response: resp, CompletedAt: completed}, nil
}

// finish publishes the outcome to local waiters and clears the in-flight
// marker. It runs on every exit path of lead, panics included.
func (g *Guard) finish(key string, f *flight, result *CachedResult, err error) {
	g.mu.Lock()
	if result != nil {
		g.local.Add(key, *result)
	}
	f.result = result
	if result == nil {
		f.err = ErrOriginalFailed
		if errors.Is(err, ErrStillProcessing) {
			f.err = ErrStillProcessing
		}
	}
	delete(g.flights, key)
	g.mu.Unlock()

	close(f.done)
}

// wait blocks until the original request for key completes, the wait timeout
// elapses, or ctx ends. A nil flight means the original runs in another
// process and only the durable cache can report completion.
func (g *Guard) wait(ctx context.Context, key string, f *flight) (*CachedResult, error) {
	var done <-chan struct{}
	if f != nil {
		done = f.done
	}

	timer := time.NewTimer(g.cfg.WaitTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			if f.result != nil {
				return f.result, nil
			}
			return nil, f.err
		case <-ticker.C:
			if res, ok := g.lookupDurable(ctx, key); ok {
				return res, nil
			}
		case <-timer.C:
			g.log.WithField("idempotency_key", key).Warn("timed out waiting for in-flight request")
			return nil, ErrStillProcessing
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *Guard) replay(key, fingerprint string, res *CachedResult, concurrent bool) (Outcome, error) {
	if res.Fingerprint != "" && fingerprint != "" && res.Fingerprint != fingerprint {
		g.metrics.keyReuseConflicts.Add(1)
		g.log.WithField("idempotency_key", key).Warn("idempotency key reused with a different request")
		return Outcome{}, ErrKeyReused
	}
	return Outcome{
		Response:    res.response(),
		Replayed:    true,
		Concurrent:  concurrent,
		CompletedAt: res.Timestamp,
	}, nil
}

// lookup checks the durable cache, then the in-process cache.
func (g *Guard) lookup(ctx context.Context, key string) (*CachedResult, bool) {
	if res, ok := g.lookupDurable(ctx, key); ok {
		return res, true
	}
	if res, ok := g.local.Get(key); ok {
		return &res, true
	}
	return nil, false
}

func (g *Guard) lookupDurable(ctx context.Context, key string) (*CachedResult, bool) {
	if g.cache == nil {
		return nil, false
	}
	raw, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.backendError(key, "durable cache get failed", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := g.decode(raw)
	if err != nil {
		g.backendError(key, "discarding unreadable cached result", err)
		return nil, false
	}
	return res, true
}

func (g *Guard) storeDurable(ctx context.Context, key string, res CachedResult) {
	if g.cache == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		g.backendError(key, "encode cached result", err)
		return
	}
	// the client may have gone away; the result must still be stored
	if err := g.cache.Set(context.WithoutCancel(ctx), key, raw, g.cfg.TTL); err != nil {
		g.backendError(key, "durable cache set failed", err)
	}
}

// obtainLock takes the cross-process in-flight lock when the cache supports
// it. heldElsewhere reports that another process is executing key. Lock
// backend failures degrade to local-only deduplication.
func (g *Guard) obtainLock(ctx context.Context, key string) (release func(), heldElsewhere bool) {
	if g.locker == nil {
		return nil, false
	}
	unlock, err := g.locker.Obtain(ctx, key, g.cfg.LockTTL)
	if errors.Is(err, ErrLockNotObtained) {
		return nil, true
	}
	if err != nil {
		g.backendError(key, "in-flight lock unavailable", err)
		return nil, false
	}
	return func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			g.backendError(key, "release in-flight lock", err)
		}
	}, false
}

func (g *Guard) decode(raw []byte) (*CachedResult, error) {
	var res CachedResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("unmarshal cached result: %w", err)
	}
	if err := g.validate.Struct(res); err != nil {
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}
	return &res, nil
}

func (g *Guard) backendError(key, msg string, err error) {
	g.metrics.backendErrors.Add(1)
	g.log.WithFields(logrus.Fields{
		"idempotency_key": key,
		"error":           err.Error(),
	}).Warn(msg)
}

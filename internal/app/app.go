// Package app assembles the backends selected by configuration.
package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/restaurant-orderflow/internal/aws"
	"github.com/imrishuroy/restaurant-orderflow/internal/cache"
	"github.com/imrishuroy/restaurant-orderflow/internal/config"
	"github.com/imrishuroy/restaurant-orderflow/internal/db"
	"github.com/imrishuroy/restaurant-orderflow/internal/idempotency"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

// OpenStore returns the record store for cfg.StoreBackend and a func that
// releases it. clients may be nil unless the backend is dynamodb.
func OpenStore(ctx context.Context, cfg config.Config, clients *aws.AWSClients, log logrus.FieldLogger) (orders.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		if clients == nil {
			return nil, nil, fmt.Errorf("dynamodb store needs AWS clients")
		}
		return orders.NewDynamoStore(clients.DynamoDB, orders.Tables{
			Orders:      cfg.OrdersTable,
			MenuItems:   cfg.MenuItemsTable,
			Customers:   cfg.CustomersTable,
			Coupons:     cfg.CouponsTable,
			CouponUsage: cfg.CouponUsageTable,
		}), func() {}, nil

	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := orders.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx, db.Schema); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	case config.BackendMemory:
		log.Warn("using in-memory order store; data is lost on restart")
		return orders.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// OpenCache returns the durable idempotency cache for cfg.CacheBackend, or nil
// for "none". An unreachable Redis is logged and still returned; the guard
// falls back to its local tier until it recovers.
func OpenCache(ctx context.Context, cfg config.Config, clients *aws.AWSClients, log logrus.FieldLogger) (idempotency.Cache, func(), error) {
	switch cfg.CacheBackend {
	case config.BackendRedis:
		r := cache.NewRedis(cache.Options{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := r.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unreachable at startup; idempotency runs on the local cache")
		}
		return r, func() { _ = r.Close() }, nil

	case config.BackendDynamoDB:
		if clients == nil {
			return nil, nil, fmt.Errorf("dynamodb cache needs AWS clients")
		}
		return idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL), func() {}, nil

	case config.BackendNone:
		return nil, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
}

// NeedsAWS reports whether any configured backend talks to AWS.
func NeedsAWS(cfg config.Config) bool {
	return cfg.StoreBackend == config.BackendDynamoDB ||
		cfg.CacheBackend == config.BackendDynamoDB ||
		cfg.OrdersQueueURL != ""
}

// GuardConfig maps configuration onto the idempotency guard.
func GuardConfig(cfg config.Config) idempotency.Config {
	return idempotency.Config{
		TTL:            cfg.IdempotencyTTL,
		WaitTimeout:    cfg.IdempotencyWait,
		PollInterval:   cfg.IdempotencyPoll,
		LocalCacheSize: cfg.IdempotencyLocalSize,
		LockTTL:        cfg.IdempotencyLockTTL,
	}
}

// PricingConfig maps configuration onto checkout pricing.
func PricingConfig(cfg config.Config) orders.PricingConfig {
	return orders.PricingConfig{
		MinimumOrder: cfg.MinimumOrder,
		TaxRate:      cfg.TaxRate,
		DeliveryFee:  cfg.DeliveryFee,
		ReferralRate: cfg.ReferralDiscountRate,
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Store and cache backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendNone     = "none"
)

// Config is the process configuration, read once at startup.
type Config struct {
	RunLocal bool
	HTTPAddr string
	LogLevel string

	StoreBackend     string
	DatabaseURL      string
	OrdersTable      string
	MenuItemsTable   string
	CustomersTable   string
	CouponsTable     string
	CouponUsageTable string
	IdempotencyTable string

	CacheBackend  string
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	OrdersQueueURL   string
	MetricsNamespace string
	MetricsInterval  time.Duration

	MinimumOrder         decimal.Decimal
	TaxRate              decimal.Decimal
	DeliveryFee          decimal.Decimal
	ReferralDiscountRate decimal.Decimal
	GracePeriod          time.Duration

	IdempotencyTTL       time.Duration
	IdempotencyWait      time.Duration
	IdempotencyPoll      time.Duration
	IdempotencyLocalSize int
	IdempotencyLockTTL   time.Duration
	RateLimitRPS         float64
	RateLimitBurst       int
	PhoneRegion          string
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	l := loader{}
	cfg := Config{
		RunLocal: l.bool("RUN_LOCAL", false),
		HTTPAddr: l.str("HTTP_ADDR", ":8080"),
		LogLevel: l.str("LOG_LEVEL", "info"),

		StoreBackend:     l.str("STORE_BACKEND", BackendDynamoDB),
		DatabaseURL:      l.str("DATABASE_URL", ""),
		OrdersTable:      l.str("ORDERS_TABLE", "orders"),
		MenuItemsTable:   l.str("MENU_ITEMS_TABLE", "menu_items"),
		CustomersTable:   l.str("CUSTOMERS_TABLE", "customers"),
		CouponsTable:     l.str("COUPONS_TABLE", "coupons"),
		CouponUsageTable: l.str("COUPON_USAGE_TABLE", "coupon_usage"),
		IdempotencyTable: l.str("IDEMPOTENCY_TABLE", "idempotency"),

		CacheBackend:  l.str("CACHE_BACKEND", BackendRedis),
		RedisAddress:  l.str("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: l.str("REDIS_PASSWORD", ""),
		RedisDB:       l.int("REDIS_DB", 0),

		OrdersQueueURL:   l.str("ORDERS_QUEUE_URL", ""),
		MetricsNamespace: l.str("METRICS_NAMESPACE", "RestaurantOrders/Idempotency"),
		MetricsInterval:  l.duration("METRICS_INTERVAL", time.Minute),

		MinimumOrder:         l.decimal("MINIMUM_ORDER", "10"),
		TaxRate:              l.decimal("TAX_RATE", "0.08"),
		DeliveryFee:          l.decimal("DELIVERY_FEE", "4.99"),
		ReferralDiscountRate: l.decimal("REFERRAL_DISCOUNT_RATE", "0.10"),
		GracePeriod:          l.duration("GRACE_PERIOD", 3*time.Minute),

		IdempotencyTTL:       l.duration("IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyWait:      l.duration("IDEMPOTENCY_WAIT_TIMEOUT", 30*time.Second),
		IdempotencyPoll:      l.duration("IDEMPOTENCY_POLL_INTERVAL", 100*time.Millisecond),
		IdempotencyLocalSize: l.int("IDEMPOTENCY_LOCAL_CACHE_SIZE", 1000),
		IdempotencyLockTTL:   l.duration("IDEMPOTENCY_LOCK_TTL", 60*time.Second),
		RateLimitRPS:         l.float("RATE_LIMIT_RPS", 5),
		RateLimitBurst:       l.int("RATE_LIMIT_BURST", 10),
		PhoneRegion:          l.str("PHONE_REGION", "US"),
	}
	if l.err != nil {
		return Config{}, l.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendDynamoDB, BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_BACKEND=%s", c.StoreBackend)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.CacheBackend {
	case BackendRedis, BackendDynamoDB, BackendNone:
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend)
	}
	if c.MinimumOrder.IsNegative() {
		return fmt.Errorf("MINIMUM_ORDER must not be negative")
	}
	if c.IdempotencyPoll <= 0 || c.IdempotencyWait < c.IdempotencyPoll {
		return fmt.Errorf("IDEMPOTENCY_WAIT_TIMEOUT must be >= IDEMPOTENCY_POLL_INTERVAL > 0")
	}
	return nil
}

// loader keeps the first parse error so Load can report it once.
type loader struct {
	err error
}

func (l *loader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (l *loader) bool(key string, def bool) bool {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	l.fail(key, err)
	return b
}

func (l *loader) int(key string, def int) int {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	l.fail(key, err)
	return n
}

func (l *loader) float(key string, def float64) float64 {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	l.fail(key, err)
	return f
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	l.fail(key, err)
	return d
}

func (l *loader) decimal(key, def string) decimal.Decimal {
	d, err := decimal.NewFromString(l.str(key, def))
	l.fail(key, err)
	return d
}

func (l *loader) fail(key string, err error) {
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

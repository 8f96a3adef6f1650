package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// DBPool matches the methods from *pgxpool.Pool that we use.
// This allows us to mock the database in tests.
type DBPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const (
	insertOrderSQL = `INSERT INTO orders (order_id, customer_id, status, grace_expires_at, modification_count, total_cents, idempotency_key, payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	// decrementSQL only matches when enough stock remains, so RowsAffected
	// reports whether the reservation applied.
	decrementSQL = `UPDATE menu_items SET inventory = inventory - $2, updated_at = now()
WHERE id = $1 AND inventory_enabled AND inventory >= $2`

	currentStockSQL = `SELECT COALESCE(inventory, 0), inventory IS NOT NULL FROM menu_items WHERE id = $1`

	lockOrderSQL = `SELECT status, grace_expires_at, modification_count, payload FROM orders WHERE order_id = $1 FOR UPDATE`

	cancelOrderSQL = `UPDATE orders SET status = $2, modification_count = modification_count + 1, updated_at = $3 WHERE order_id = $1`

	restockSQL = `UPDATE menu_items SET inventory = COALESCE(inventory, 0) + $2, updated_at = now() WHERE id = $1`

	selectOrderSQL = `SELECT status, modification_count, updated_at, payload FROM orders WHERE order_id = $1`

	updateStatusSQL = `UPDATE orders SET status = $3, updated_at = $4 WHERE order_id = $1 AND status = $2`

	selectMenuItemsSQL = `SELECT id, name, price_cents, image_url, available, inventory_enabled, COALESCE(inventory, 0), inventory IS NOT NULL
FROM menu_items WHERE id = ANY($1)`

	selectCustomerSQL = `SELECT id, name, email, phone, wallet_balance_cents, order_count, total_spent_cents, COALESCE(referred_by, ''), referral_applied
FROM customers WHERE id = $1`

	selectCouponSQL = `SELECT code, discount_type, value::text, min_subtotal_cents, max_uses, used_count, per_customer_limit,
COALESCE(EXTRACT(EPOCH FROM expires_at)::bigint, 0), active FROM coupons WHERE code = $1`

	couponUsageCountSQL = `SELECT count(*) FROM coupon_usage WHERE code = $1 AND customer_id = $2`

	insertCouponUsageSQL = `INSERT INTO coupon_usage (code, customer_id, order_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`

	bumpCouponSQL = `UPDATE coupons SET used_count = used_count + 1 WHERE code = $1`

	referralSQL = `UPDATE customers SET referral_applied = TRUE WHERE id = $1`

	debitWalletSQL = `UPDATE customers SET wallet_balance_cents = wallet_balance_cents - $2
WHERE id = $1 AND wallet_balance_cents >= $2`

	customerStatsSQL = `UPDATE customers SET order_count = order_count + 1, total_spent_cents = total_spent_cents + $2 WHERE id = $1`
)

// PostgresStore is the Postgres-backed Store. Stock is only ever changed by
// conditional UPDATE statements inside the order transaction.
type PostgresStore struct {
	pool DBPool
}

func NewPostgresStore(pool DBPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema applies the bootstrap schema.
func (s *PostgresStore) EnsureSchema(ctx context.Context, schema string) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// errOrderExists reports a primary key or idempotency key collision on insert.
var errOrderExists = errors.New("order already exists")

// CommitOrder inserts the order and reserves its stock in one transaction. An
// order already stored under the same id is returned as-is.
func (s *PostgresStore) CommitOrder(ctx context.Context, order Order) (CommitResult, error) {
	res, err := s.commitOrder(ctx, order)
	if !errors.Is(err, errOrderExists) {
		return res, err
	}
	existing, gerr := s.GetOrder(ctx, order.ID)
	if gerr != nil {
		return CommitResult{}, fmt.Errorf("load existing order %s: %w", order.ID, gerr)
	}
	return AlreadyCommitted(existing), nil
}

func (s *PostgresStore) commitOrder(ctx context.Context, order Order) (CommitResult, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return CommitResult{}, fmt.Errorf("marshal order: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CommitResult{}, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, insertOrderSQL,
		order.ID, nilIfEmpty(order.CustomerID), order.Status, order.GraceExpiresAt,
		order.ModificationCount, toCents(order.Pricing.Total), nilIfEmpty(order.IdempotencyKey),
		payload, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return CommitResult{}, fmt.Errorf("insert order %s: %w", order.ID, errOrderExists)
		}
		return CommitResult{}, fmt.Errorf("insert order: %w", err)
	}

	for _, r := range reservations(order.Items) {
		tag, err := tx.Exec(ctx, decrementSQL, r.MenuItemID, r.Quantity)
		if err != nil {
			return CommitResult{}, fmt.Errorf("reserve %s: %w", r.MenuItemID, err)
		}
		if tag.RowsAffected() == 0 {
			available, err := currentStock(ctx, tx, r.MenuItemID)
			if err != nil {
				return CommitResult{}, err
			}
			return Aborted(AbortReason{Code: AbortInsufficientInventory, MenuItemID: r.MenuItemID, Available: available}), nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return Committed(&order), nil
}

func currentStock(ctx context.Context, tx pgx.Tx, menuItemID string) (*int, error) {
	var available int
	var tracked bool
	err := tx.QueryRow(ctx, currentStockSQL, menuItemID).Scan(&available, &tracked)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !tracked) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stock of %s: %w", menuItemID, err)
	}
	return &available, nil
}

func (s *PostgresStore) CancelOrder(ctx context.Context, orderID string, now time.Time) (CommitResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CommitResult{}, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var (
		status  string
		grace   time.Time
		mods    int
		payload []byte
	)
	err = tx.QueryRow(ctx, lockOrderSQL, orderID).Scan(&status, &grace, &mods, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return Aborted(AbortReason{Code: AbortNotFound}), nil
	}
	if err != nil {
		return CommitResult{}, fmt.Errorf("lock order: %w", err)
	}
	if reason := cancelCheck(status, grace, now); reason != nil {
		return Aborted(*reason), nil
	}

	var order Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return CommitResult{}, fmt.Errorf("unmarshal order: %w", err)
	}

	if _, err := tx.Exec(ctx, cancelOrderSQL, orderID, StatusCancelled, now); err != nil {
		return CommitResult{}, fmt.Errorf("cancel order: %w", err)
	}
	for _, r := range reservations(order.Items) {
		if _, err := tx.Exec(ctx, restockSQL, r.MenuItemID, r.Quantity); err != nil {
			return CommitResult{}, fmt.Errorf("restock %s: %w", r.MenuItemID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	committed = true

	order.Status = StatusCancelled
	order.GraceExpiresAt = grace
	order.ModificationCount = mods + 1
	order.UpdatedAt = now
	return Committed(&order), nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var (
		order   Order
		status  string
		mods    int
		updated time.Time
		payload []byte
	)
	err := s.pool.QueryRow(ctx, selectOrderSQL, orderID).Scan(&status, &mods, &updated, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if err := json.Unmarshal(payload, &order); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	// columns are authoritative for mutable fields
	order.Status = status
	order.ModificationCount = mods
	order.UpdatedAt = updated
	return &order, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error {
	tag, err := s.pool.Exec(ctx, updateStatusSQL, orderID, expectedStatus, newStatus, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusMismatch
	}
	return nil
}

func (s *PostgresStore) GetMenuItems(ctx context.Context, ids []string) (map[string]MenuItem, error) {
	rows, err := s.pool.Query(ctx, selectMenuItemsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("query menu items: %w", err)
	}
	defer rows.Close()

	out := make(map[string]MenuItem, len(ids))
	for rows.Next() {
		var (
			m          MenuItem
			priceCents int64
			inventory  int
			tracked    bool
		)
		if err := rows.Scan(&m.ID, &m.Name, &priceCents, &m.ImageURL, &m.Available, &m.InventoryEnabled, &inventory, &tracked); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		m.Price = fromCents(priceCents)
		if tracked {
			m.Inventory = intPtr(inventory)
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var (
		c                       Customer
		walletCents, spentCents int64
	)
	err := s.pool.QueryRow(ctx, selectCustomerSQL, id).Scan(
		&c.ID, &c.Name, &c.Email, &c.Phone, &walletCents, &c.OrderCount, &spentCents, &c.ReferredBy, &c.ReferralApplied)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	c.WalletBalance = fromCents(walletCents)
	c.TotalSpent = fromCents(spentCents)
	return &c, nil
}

func (s *PostgresStore) GetCoupon(ctx context.Context, code string) (*Coupon, error) {
	var (
		c        Coupon
		value    string
		minCents int64
		expires  int64
	)
	err := s.pool.QueryRow(ctx, selectCouponSQL, code).Scan(
		&c.Code, &c.Type, &value, &minCents, &c.MaxUses, &c.UsedCount, &c.PerCustomerLimit, &expires, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	if c.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("coupon %s: invalid value %q: %w", code, value, err)
	}
	c.MinSubtotal = fromCents(minCents)
	if expires > 0 {
		c.ExpiresAt = time.Unix(expires, 0).UTC()
	}
	return &c, nil
}

func (s *PostgresStore) CouponUsageCount(ctx context.Context, code, customerID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, couponUsageCountSQL, code, customerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count coupon usage: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) RecordCouponUsage(ctx context.Context, code, customerID, orderID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, insertCouponUsageSQL, code, customerID, orderID)
	if err != nil {
		return fmt.Errorf("insert coupon usage: %w", err)
	}
	// a replayed usage for the same order is not counted twice
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, bumpCouponSQL, code); err != nil {
			return fmt.Errorf("bump coupon usage: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) MarkReferralApplied(ctx context.Context, customerID string) error {
	if _, err := s.pool.Exec(ctx, referralSQL, customerID); err != nil {
		return fmt.Errorf("mark referral applied: %w", err)
	}
	return nil
}

func (s *PostgresStore) DebitWallet(ctx context.Context, customerID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, debitWalletSQL, customerID, toCents(amount))
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *PostgresStore) UpdateCustomerStats(ctx context.Context, customerID string, spent decimal.Decimal) error {
	if _, err := s.pool.Exec(ctx, customerStatsSQL, customerID, toCents(spent)); err != nil {
		return fmt.Errorf("update customer stats: %w", err)
	}
	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package orders

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is a process-local Store for development and tests. A single
// mutex serializes every operation, which makes each commit atomic.
type MemoryStore struct {
	mu          sync.Mutex
	menu        map[string]MenuItem
	customers   map[string]Customer
	coupons     map[string]Coupon
	couponUsage map[string]int
	orders      map[string]Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		menu:        map[string]MenuItem{},
		customers:   map[string]Customer{},
		coupons:     map[string]Coupon{},
		couponUsage: map[string]int{},
		orders:      map[string]Order{},
	}
}

func (s *MemoryStore) PutMenuItem(m MenuItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Inventory != nil {
		m.Inventory = intPtr(*m.Inventory)
	}
	s.menu[m.ID] = m
}

func (s *MemoryStore) PutCustomer(c Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

func (s *MemoryStore) PutCoupon(c Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[c.Code] = c
}

// OrderCount returns the number of stored orders.
func (s *MemoryStore) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *MemoryStore) GetMenuItems(_ context.Context, ids []string) (map[string]MenuItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]MenuItem, len(ids))
	for _, id := range ids {
		m, ok := s.menu[id]
		if !ok {
			continue
		}
		if m.Inventory != nil {
			m.Inventory = intPtr(*m.Inventory)
		}
		out[id] = m
	}
	return out, nil
}

func (s *MemoryStore) GetCustomer(_ context.Context, id string) (*Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) GetCoupon(_ context.Context, code string) (*Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[code]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) CouponUsageCount(_ context.Context, code, customerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.couponUsage[usageKey(code, customerID)], nil
}

func (s *MemoryStore) CommitOrder(_ context.Context, order Order) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[order.ID]; ok {
		return AlreadyCommitted(&existing), nil
	}
	reserved := reservations(order.Items)
	for _, r := range reserved {
		m, ok := s.menu[r.MenuItemID]
		if !ok || !m.Tracked() || *m.Inventory < r.Quantity {
			var available *int
			if ok && m.Inventory != nil {
				available = intPtr(*m.Inventory)
			}
			return Aborted(AbortReason{Code: AbortInsufficientInventory, MenuItemID: r.MenuItemID, Available: available}), nil
		}
	}
	for _, r := range reserved {
		*s.menu[r.MenuItemID].Inventory -= r.Quantity
	}
	s.orders[order.ID] = order
	return Committed(&order), nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, orderID string, now time.Time) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return Aborted(AbortReason{Code: AbortNotFound}), nil
	}
	if reason := cancelCheck(order.Status, order.GraceExpiresAt, now); reason != nil {
		return Aborted(*reason), nil
	}
	for _, l := range order.Items {
		if !l.InventoryReserved {
			continue
		}
		if m, ok := s.menu[l.MenuItemID]; ok && m.Inventory != nil {
			*m.Inventory += l.Quantity
		}
	}
	order.Status = StatusCancelled
	order.ModificationCount++
	order.UpdatedAt = now
	s.orders[orderID] = order
	return Committed(&order), nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, orderID, expectedStatus, newStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != expectedStatus {
		return ErrStatusMismatch
	}
	o.Status = newStatus
	o.UpdatedAt = time.Now().UTC()
	s.orders[orderID] = o
	return nil
}

func (s *MemoryStore) RecordCouponUsage(_ context.Context, code, customerID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.couponUsage[usageKey(code, customerID)]++
	if c, ok := s.coupons[code]; ok {
		c.UsedCount++
		s.coupons[code] = c
	}
	return nil
}

func (s *MemoryStore) MarkReferralApplied(_ context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[customerID]
	if !ok {
		return ErrNotFound
	}
	c.ReferralApplied = true
	s.customers[customerID] = c
	return nil
}

func (s *MemoryStore) DebitWallet(_ context.Context, customerID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[customerID]
	if !ok {
		return ErrNotFound
	}
	if c.WalletBalance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	c.WalletBalance = c.WalletBalance.Sub(amount)
	s.customers[customerID] = c
	return nil
}

func (s *MemoryStore) UpdateCustomerStats(_ context.Context, customerID string, spent decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[customerID]
	if !ok {
		return ErrNotFound
	}
	c.OrderCount++
	c.TotalSpent = c.TotalSpent.Add(spent)
	s.customers[customerID] = c
	return nil
}

// cancelCheck reports why an order in status with the given grace expiry
// cannot be cancelled at now, or nil when it can.
func cancelCheck(status string, graceExpiresAt, now time.Time) *AbortReason {
	if status != StatusPendingConfirmation {
		return &AbortReason{Code: AbortInvalidStatus, Status: status}
	}
	if !now.Before(graceExpiresAt) {
		return &AbortReason{Code: AbortGracePeriodExpired, Status: status}
	}
	return nil
}

func usageKey(code, customerID string) string {
	return code + "#" + customerID
}

package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Store is the transactional record store behind the service.
type Store interface {
	GetMenuItems(ctx context.Context, ids []string) (map[string]MenuItem, error)
	// GetCustomer and GetCoupon return (nil, nil) when the record does not exist.
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	GetCoupon(ctx context.Context, code string) (*Coupon, error)
	CouponUsageCount(ctx context.Context, code, customerID string) (int, error)

	// CommitOrder persists order and decrements stock for every line with
	// InventoryReserved set, all or nothing.
	CommitOrder(ctx context.Context, order Order) (CommitResult, error)
	// CancelOrder cancels a PENDING_CONFIRMATION order whose grace period has
	// not expired at now and restocks its reserved lines, all or nothing.
	CancelOrder(ctx context.Context, orderID string, now time.Time) (CommitResult, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error

	RecordCouponUsage(ctx context.Context, code, customerID, orderID string) error
	MarkReferralApplied(ctx context.Context, customerID string) error
	DebitWallet(ctx context.Context, customerID string, amount decimal.Decimal) error
	UpdateCustomerStats(ctx context.Context, customerID string, spent decimal.Decimal) error
}

// Broadcaster fans order events out to admin listeners.
type Broadcaster interface {
	Broadcast(event string, order *Order)
}

// Notifier dispatches customer notifications for a committed order.
type Notifier interface {
	OrderPlaced(ctx context.Context, order *Order) error
}

// ItemInput is one requested line.
type ItemInput struct {
	MenuItemID string
	Quantity   int
	Notes      string
}

// PlaceOrderInput is a validated checkout request.
type PlaceOrderInput struct {
	// CustomerID identifies a logged-in requester; empty for guests.
	CustomerID      string
	Customer        CustomerInfo
	Items           []ItemInput
	Subtotal        decimal.Decimal
	CouponCode      string
	WalletAmount    decimal.Decimal
	Tip             decimal.Decimal
	OrderType       string
	PaymentMethod   string
	DeliveryAddress *Address
	IdempotencyKey  string
}

type Options struct {
	Pricing     PricingConfig
	GracePeriod time.Duration
	Broadcaster Broadcaster
	Notifier    Notifier
}

// Service places, cancels and confirms orders.
type Service struct {
	store       Store
	pricing     PricingConfig
	gracePeriod time.Duration
	broadcaster Broadcaster
	notifier    Notifier
	log         logrus.FieldLogger
	nowFunc     func() time.Time

	notifications sync.WaitGroup
}

// orderIDSpace namespaces order ids derived from idempotency keys.
var orderIDSpace = uuid.MustParse("6f1c2a9e-4b7d-4c1e-9a53-2d8e7f0b1c34")

// newOrderID derives the id from the customer and idempotency key, so a retry
// of a commit whose outcome was lost collides with the stored order. Without a
// key the id is random.
func newOrderID(customerID, idempotencyKey string) string {
	if idempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(orderIDSpace, []byte(customerID+"\x00"+idempotencyKey)).String()
}

func NewService(store Store, opts Options, log logrus.FieldLogger) *Service {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 3 * time.Minute
	}
	return &Service{
		store:       store,
		pricing:     opts.Pricing,
		gracePeriod: opts.GracePeriod,
		broadcaster: opts.Broadcaster,
		notifier:    opts.Notifier,
		log:         log,
		nowFunc:     time.Now,
	}
}

// PlaceOrder validates and prices the checkout, then commits the order and its
// inventory reservations atomically. The order is returned only once durable.
// Errors are *Error values.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*Order, error) {
	if in.Subtotal.LessThan(s.pricing.MinimumOrder) {
		return nil, validationError("pricing.subtotal",
			fmt.Sprintf("Minimum order amount is $%s", s.pricing.MinimumOrder.StringFixed(2)))
	}
	if len(in.Items) == 0 {
		return nil, validationError("items", "At least one item is required")
	}
	if in.Tip.IsNegative() {
		return nil, validationError("pricing.tip", "Tip cannot be negative")
	}
	if in.WalletAmount.IsNegative() {
		return nil, validationError("pricing.walletAmount", "Wallet amount cannot be negative")
	}
	if in.OrderType == OrderTypeDelivery && in.DeliveryAddress == nil {
		return nil, validationError("deliveryAddress", "Delivery address is required for delivery orders")
	}

	lines, subtotal, err := s.snapshotLines(ctx, in.Items)
	if err != nil {
		return nil, err
	}
	if subtotal.Sub(in.Subtotal).Abs().GreaterThan(subtotalTolerance) {
		return nil, validationError("pricing.subtotal", "Subtotal does not match current menu prices")
	}
	if subtotal.LessThan(s.pricing.MinimumOrder) {
		return nil, validationError("pricing.subtotal",
			fmt.Sprintf("Minimum order amount is $%s", s.pricing.MinimumOrder.StringFixed(2)))
	}

	var customer *Customer
	if in.CustomerID != "" {
		customer, err = s.store.GetCustomer(ctx, in.CustomerID)
		if err != nil {
			return nil, databaseError("failed to load customer", err)
		}
		if customer == nil {
			return nil, validationError("customerId", "Unknown customer")
		}
	}

	coupon, err := s.resolveCoupon(ctx, in.CouponCode, customer, subtotal)
	if err != nil {
		return nil, err
	}

	if in.WalletAmount.IsPositive() && customer == nil {
		return nil, validationError("pricing.walletAmount", "Log in to use wallet credits")
	}
	referral := customer != nil && customer.ReferredBy != "" && !customer.ReferralApplied && customer.OrderCount == 0

	pricing := s.pricing.Price(PriceInput{
		Subtotal:         subtotal,
		OrderType:        in.OrderType,
		Coupon:           coupon,
		ReferralEligible: referral,
		Tip:              in.Tip,
		WalletAmount:     in.WalletAmount,
	})
	if in.WalletAmount.IsPositive() {
		if pricing.WalletAmount.GreaterThan(customer.WalletBalance) {
			return nil, validationError("pricing.walletAmount", "Insufficient wallet balance")
		}
		if pricing.WalletAmount.GreaterThan(pricing.Payable()) {
			return nil, validationError("pricing.walletAmount", "Wallet amount exceeds order total")
		}
	}

	now := s.nowFunc().UTC()
	order := Order{
		ID:              newOrderID(in.CustomerID, in.IdempotencyKey),
		CustomerID:      in.CustomerID,
		Customer:        in.Customer,
		Items:           lines,
		Pricing:         pricing,
		OrderType:       in.OrderType,
		PaymentMethod:   in.PaymentMethod,
		DeliveryAddress: in.DeliveryAddress,
		Status:          StatusPendingConfirmation,
		GraceExpiresAt:  now.Add(s.gracePeriod),
		IdempotencyKey:  in.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	res, err := s.store.CommitOrder(ctx, order)
	if err != nil {
		s.log.WithFields(logrus.Fields{"order_id": order.ID, "error": err.Error()}).Error("order commit failed")
		return nil, databaseError("Failed to create order", err)
	}
	if !res.IsCommitted() {
		return nil, s.abortError(res.Reason, lines)
	}
	if res.Existing {
		s.log.WithFields(logrus.Fields{"order_id": res.Order.ID, "idempotency_key": in.IdempotencyKey}).
			Info("order already committed for idempotency key")
	}

	s.afterCommit(ctx, res.Order, customer, referral)
	return res.Order, nil
}

func (s *Service) snapshotLines(ctx context.Context, items []ItemInput) ([]LineItem, decimal.Decimal, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.MenuItemID)
	}
	menu, err := s.store.GetMenuItems(ctx, ids)
	if err != nil {
		return nil, decimal.Zero, databaseError("failed to load menu items", err)
	}

	// quantities per item across lines, for the stock precheck
	wanted := map[string]int{}
	lines := make([]LineItem, 0, len(items))
	subtotal := decimal.Zero
	for i, it := range items {
		field := fmt.Sprintf("items[%d].menuItemId", i)
		m, ok := menu[it.MenuItemID]
		if !ok {
			return nil, decimal.Zero, validationError(field, "Menu item not found")
		}
		if !m.Available {
			return nil, decimal.Zero, validationError(field, fmt.Sprintf("%s is currently unavailable", m.Name))
		}
		if it.Quantity <= 0 {
			return nil, decimal.Zero, validationError(fmt.Sprintf("items[%d].quantity", i), "Quantity must be at least 1")
		}
		wanted[m.ID] += it.Quantity
		if m.Tracked() && *m.Inventory < wanted[m.ID] {
			return nil, decimal.Zero, inventoryError(m.Name, m.ID, intPtr(*m.Inventory))
		}

		total := m.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
		subtotal = subtotal.Add(total)
		lines = append(lines, LineItem{
			MenuItemID:        m.ID,
			Name:              m.Name,
			Price:             m.Price,
			ImageURL:          m.ImageURL,
			Quantity:          it.Quantity,
			LineTotal:         roundMoney(total),
			Notes:             it.Notes,
			InventoryReserved: m.Tracked(),
		})
	}
	return lines, roundMoney(subtotal), nil
}

func (s *Service) resolveCoupon(ctx context.Context, code string, customer *Customer, subtotal decimal.Decimal) (*Coupon, error) {
	if code == "" {
		return nil, nil
	}
	if customer == nil {
		return nil, validationError("pricing.couponCode", "Log in to use coupons")
	}
	coupon, err := s.store.GetCoupon(ctx, code)
	if err != nil {
		return nil, databaseError("failed to load coupon", err)
	}
	uses := 0
	if coupon != nil && coupon.PerCustomerLimit > 0 {
		uses, err = s.store.CouponUsageCount(ctx, code, customer.ID)
		if err != nil {
			return nil, databaseError("failed to load coupon usage", err)
		}
	}
	if verr := validateCoupon(coupon, uses, subtotal, s.nowFunc()); verr != nil {
		return nil, verr
	}
	return coupon, nil
}

func (s *Service) abortError(reason *AbortReason, lines []LineItem) *Error {
	if reason.Code != AbortInsufficientInventory {
		return &Error{Code: CodeServer, Message: "order commit aborted: " + reason.Code}
	}
	name := reason.MenuItemID
	for _, l := range lines {
		if l.MenuItemID == reason.MenuItemID {
			name = l.Name
			break
		}
	}
	return inventoryError(name, reason.MenuItemID, reason.Available)
}

// afterCommit runs the best-effort follow-ups of a committed order. Failures
// are logged and never affect the order.
func (s *Service) afterCommit(ctx context.Context, order *Order, customer *Customer, referral bool) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.WithFields(logrus.Fields{"order_id": order.ID, "customer_id": order.CustomerID})

	if customer != nil {
		if order.Pricing.CouponCode != "" {
			if err := s.store.RecordCouponUsage(ctx, order.Pricing.CouponCode, customer.ID, order.ID); err != nil {
				log.WithError(err).Warn("failed to record coupon usage")
			}
		}
		if referral {
			if err := s.store.MarkReferralApplied(ctx, customer.ID); err != nil {
				log.WithError(err).Warn("failed to mark referral discount applied")
			}
		}
		if order.Pricing.WalletAmount.IsPositive() {
			if err := s.store.DebitWallet(ctx, customer.ID, order.Pricing.WalletAmount); err != nil {
				log.WithError(err).Error("failed to debit wallet credits")
			}
		}
		if err := s.store.UpdateCustomerStats(ctx, customer.ID, order.Pricing.Total); err != nil {
			log.WithError(err).Warn("failed to update customer stats")
		}
	}

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(EventOrderCreated, order)
	}

	if s.notifier != nil {
		s.notifications.Add(1)
		go func() {
			defer s.notifications.Done()
			if err := s.notifier.OrderPlaced(ctx, order); err != nil {
				log.WithError(err).Warn("failed to dispatch order notifications")
			}
		}()
	}
}

// Wait blocks until in-flight notification dispatches finish.
func (s *Service) Wait() {
	s.notifications.Wait()
}

// GetOrder returns the order visible to requesterID. An empty requesterID
// skips the ownership check.
func (s *Service) GetOrder(ctx context.Context, orderID, requesterID string) (*Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, &Error{Code: CodeNotFound, Message: "Order not found"}
	}
	if err != nil {
		return nil, databaseError("failed to load order", err)
	}
	if requesterID != "" && order.CustomerID != "" && order.CustomerID != requesterID {
		return nil, &Error{Code: CodeNotFound, Message: "Order not found"}
	}
	return order, nil
}

// CancelOrder cancels an order inside its grace period and restocks it.
func (s *Service) CancelOrder(ctx context.Context, orderID, requesterID string) (*Order, error) {
	if _, err := s.GetOrder(ctx, orderID, requesterID); err != nil {
		return nil, err
	}

	res, err := s.store.CancelOrder(ctx, orderID, s.nowFunc().UTC())
	if err != nil {
		return nil, databaseError("Failed to cancel order", err)
	}
	if !res.IsCommitted() {
		switch res.Reason.Code {
		case AbortNotFound:
			return nil, &Error{Code: CodeNotFound, Message: "Order not found"}
		case AbortGracePeriodExpired:
			return nil, &Error{Code: CodeGracePeriodExpired, Message: "The cancellation window for this order has closed"}
		default:
			return nil, &Error{Code: CodeInvalidStatus, Message: fmt.Sprintf("Order cannot be cancelled in status %s", res.Reason.Status)}
		}
	}

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(EventOrderCancelled, res.Order)
	}
	return res.Order, nil
}

// ConfirmOrder moves an order out of its grace period. Orders that were
// cancelled or already confirmed are left alone.
func (s *Service) ConfirmOrder(ctx context.Context, orderID string) error {
	err := s.store.UpdateStatus(ctx, orderID, StatusPendingConfirmation, StatusConfirmed)
	if errors.Is(err, ErrStatusMismatch) {
		s.log.WithField("order_id", orderID).Info("order no longer pending confirmation; skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("confirm order %s: %w", orderID, err)
	}
	return nil
}

func intPtr(n int) *int { return &n }

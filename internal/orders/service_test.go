package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) Broadcast(event string, order *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event+":"+order.ID)
}

type recordingNotifier struct {
	mu     sync.Mutex
	orders []string
	err    error
}

func (n *recordingNotifier) OrderPlaced(ctx context.Context, order *Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, order.ID)
	return n.err
}

// flakyStore fails the wallet debit after the order is committed.
type flakyStore struct {
	*MemoryStore
}

func (s flakyStore) DebitWallet(context.Context, string, decimal.Decimal) error {
	return errors.New("connection reset")
}

type fixture struct {
	svc         *Service
	store       *MemoryStore
	hook        *test.Hook
	broadcaster *recordingBroadcaster
	notifier    *recordingNotifier
}

func newFixture(t *testing.T, wrap func(*MemoryStore) Store) *fixture {
	t.Helper()
	store := NewMemoryStore()
	store.PutMenuItem(MenuItem{ID: "pizza", Name: "Margherita", Price: d("12.50"), Available: true, InventoryEnabled: true, Inventory: intPtr(10)})
	store.PutMenuItem(MenuItem{ID: "salad", Name: "Salad", Price: d("8.00"), Available: true})
	store.PutMenuItem(MenuItem{ID: "special", Name: "Chef's Special", Price: d("20.00"), Available: true, InventoryEnabled: true, Inventory: intPtr(1)})
	store.PutMenuItem(MenuItem{ID: "soldout", Name: "Soup", Price: d("6.00"), Available: false})
	store.PutCustomer(Customer{ID: "cust-1", Name: "Ada", Email: "ada@example.com", WalletBalance: d("10"), ReferredBy: "cust-0"})
	store.PutCustomer(Customer{ID: "cust-2", Name: "Grace", Email: "grace@example.com", OrderCount: 3})
	store.PutCoupon(Coupon{Code: "SAVE10", Type: CouponPercent, Value: d("10"), Active: true, PerCustomerLimit: 1})

	var s Store = store
	if wrap != nil {
		s = wrap(store)
	}
	logger, hook := test.NewNullLogger()
	f := &fixture{
		store:       store,
		hook:        hook,
		broadcaster: &recordingBroadcaster{},
		notifier:    &recordingNotifier{},
	}
	f.svc = NewService(s, Options{
		Pricing:     testPricing,
		GracePeriod: 3 * time.Minute,
		Broadcaster: f.broadcaster,
		Notifier:    f.notifier,
	}, logger)
	return f
}

func guestInput(subtotal string, items ...ItemInput) PlaceOrderInput {
	return PlaceOrderInput{
		Customer:      CustomerInfo{Name: "Ada", Email: "ada@example.com", Phone: "+12015550123"},
		Items:         items,
		Subtotal:      d(subtotal),
		OrderType:     OrderTypePickup,
		PaymentMethod: PaymentCard,
	}
}

func requireOrderError(t *testing.T, err error, code, field string) *Error {
	t.Helper()
	var oe *Error
	require.True(t, errors.As(err, &oe), "expected *orders.Error, got %v", err)
	assert.Equal(t, code, oe.Code)
	if field != "" {
		assert.Equal(t, field, oe.Field)
	}
	return oe
}

func TestPlaceOrder_Guest(t *testing.T) {
	f := newFixture(t, nil)
	in := guestInput("33", ItemInput{MenuItemID: "pizza", Quantity: 2}, ItemInput{MenuItemID: "salad", Quantity: 1})

	order, err := f.svc.PlaceOrder(context.Background(), in)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, StatusPendingConfirmation, order.Status)
	assert.Zero(t, order.ModificationCount)
	assert.WithinDuration(t, time.Now().Add(3*time.Minute), order.GraceExpiresAt, 5*time.Second)
	require.Len(t, order.Items, 2)
	assert.True(t, order.Items[0].InventoryReserved)
	assert.False(t, order.Items[1].InventoryReserved)
	assert.Equal(t, "Margherita", order.Items[0].Name)
	assert.True(t, order.Pricing.Total.Equal(d("35.64")), order.Pricing.Total.String())

	items, _ := f.store.GetMenuItems(context.Background(), []string{"pizza"})
	assert.Equal(t, 8, *items["pizza"].Inventory)
	assert.Equal(t, []string{EventOrderCreated + ":" + order.ID}, f.broadcaster.events)
	assert.Equal(t, []string{order.ID}, f.notifier.orders)
}

func TestPlaceOrder_BelowMinimum(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.pricing.MinimumOrder = d("100")

	_, err := f.svc.PlaceOrder(context.Background(), guestInput("10", ItemInput{MenuItemID: "salad", Quantity: 1}))
	oe := requireOrderError(t, err, CodeValidation, "pricing.subtotal")
	assert.Equal(t, 400, oe.HTTPStatus())
	assert.Zero(t, f.store.OrderCount())
}

func TestPlaceOrder_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		in    func() PlaceOrderInput
		field string
	}{
		{"subtotal mismatch", func() PlaceOrderInput {
			return guestInput("30", ItemInput{MenuItemID: "pizza", Quantity: 2}, ItemInput{MenuItemID: "salad", Quantity: 1})
		}, "pricing.subtotal"},
		{"unknown item", func() PlaceOrderInput {
			return guestInput("12.50", ItemInput{MenuItemID: "ghost", Quantity: 1})
		}, "items[0].menuItemId"},
		{"unavailable item", func() PlaceOrderInput {
			return guestInput("18.50", ItemInput{MenuItemID: "pizza", Quantity: 1}, ItemInput{MenuItemID: "soldout", Quantity: 1})
		}, "items[1].menuItemId"},
		{"no items", func() PlaceOrderInput { return guestInput("12.50") }, "items"},
		{"coupon as guest", func() PlaceOrderInput {
			in := guestInput("25", ItemInput{MenuItemID: "pizza", Quantity: 2})
			in.CouponCode = "SAVE10"
			return in
		}, "pricing.couponCode"},
		{"wallet as guest", func() PlaceOrderInput {
			in := guestInput("25", ItemInput{MenuItemID: "pizza", Quantity: 2})
			in.WalletAmount = d("1")
			return in
		}, "pricing.walletAmount"},
		{"delivery without address", func() PlaceOrderInput {
			in := guestInput("25", ItemInput{MenuItemID: "pizza", Quantity: 2})
			in.OrderType = OrderTypeDelivery
			return in
		}, "deliveryAddress"},
		{"negative tip", func() PlaceOrderInput {
			in := guestInput("25", ItemInput{MenuItemID: "pizza", Quantity: 2})
			in.Tip = d("-1")
			return in
		}, "pricing.tip"},
		{"unknown coupon", func() PlaceOrderInput {
			in := guestInput("25", ItemInput{MenuItemID: "pizza", Quantity: 2})
			in.CustomerID = "cust-2"
			in.CouponCode = "NOPE"
			return in
		}, "pricing.couponCode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.svc.PlaceOrder(context.Background(), tt.in())
			requireOrderError(t, err, CodeValidation, tt.field)
			assert.Zero(t, f.store.OrderCount())
		})
	}
}

func TestPlaceOrder_CustomerDiscountsAndWallet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	in := guestInput("25", ItemInput{MenuItemID: "pizza", Quantity: 2})
	in.CustomerID = "cust-1"
	in.CouponCode = "SAVE10"
	in.WalletAmount = d("10")

	order, err := f.svc.PlaceOrder(ctx, in)
	require.NoError(t, err)
	f.svc.Wait()

	p := order.Pricing
	assert.True(t, p.CouponDiscount.Equal(d("2.5")))
	assert.True(t, p.ReferralDiscount.Equal(d("2.5")))
	assert.True(t, p.Tax.Equal(d("1.6")))
	assert.True(t, p.Total.Equal(d("11.6")), p.Total.String())

	c, _ := f.store.GetCustomer(ctx, "cust-1")
	assert.True(t, c.WalletBalance.IsZero())
	assert.Equal(t, 1, c.OrderCount)
	assert.True(t, c.TotalSpent.Equal(d("11.6")))
	assert.True(t, c.ReferralApplied)
	uses, _ := f.store.CouponUsageCount(ctx, "SAVE10", "cust-1")
	assert.Equal(t, 1, uses)

	// the coupon is single use per customer and the referral applies once
	in.WalletAmount = decimal.Zero
	_, err = f.svc.PlaceOrder(ctx, in)
	requireOrderError(t, err, CodeValidation, "pricing.couponCode")

	in.CouponCode = ""
	order, err = f.svc.PlaceOrder(ctx, in)
	require.NoError(t, err)
	assert.True(t, order.Pricing.ReferralDiscount.IsZero())
}

func TestPlaceOrder_WalletLimits(t *testing.T) {
	f := newFixture(t, nil)

	in := guestInput("12.50", ItemInput{MenuItemID: "pizza", Quantity: 1})
	in.CustomerID = "cust-1"
	in.WalletAmount = d("10.01")
	_, err := f.svc.PlaceOrder(context.Background(), in)
	oe := requireOrderError(t, err, CodeValidation, "pricing.walletAmount")
	assert.Equal(t, "Insufficient wallet balance", oe.Message)

	f.store.PutCustomer(Customer{ID: "cust-3", WalletBalance: d("100"), OrderCount: 1})
	in.CustomerID = "cust-3"
	in.WalletAmount = d("50")
	_, err = f.svc.PlaceOrder(context.Background(), in)
	oe = requireOrderError(t, err, CodeValidation, "pricing.walletAmount")
	assert.Equal(t, "Wallet amount exceeds order total", oe.Message)
}

func TestPlaceOrder_LastUnitRace(t *testing.T) {
	f := newFixture(t, nil)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.PlaceOrder(context.Background(), guestInput("20", ItemInput{MenuItemID: "special", Quantity: 1}))
		}(i)
	}
	wg.Wait()
	f.svc.Wait()

	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1)
	oe := requireOrderError(t, failures[0], CodeInsufficientInventory, "")
	assert.Equal(t, "special", oe.MenuItemID)
	require.NotNil(t, oe.Available)
	assert.Zero(t, *oe.Available)

	items, _ := f.store.GetMenuItems(context.Background(), []string{"special"})
	assert.Zero(t, *items["special"].Inventory)
	assert.Equal(t, 1, f.store.OrderCount())
}

func TestPlaceOrder_PostCommitFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, func(m *MemoryStore) Store { return flakyStore{m} })
	f.notifier.err = errors.New("queue unavailable")

	in := guestInput("12.50", ItemInput{MenuItemID: "pizza", Quantity: 1})
	in.CustomerID = "cust-1"
	in.WalletAmount = d("5")

	order, err := f.svc.PlaceOrder(context.Background(), in)
	require.NoError(t, err)
	f.svc.Wait()
	assert.NotEmpty(t, order.ID)

	var messages []string
	for _, e := range f.hook.AllEntries() {
		messages = append(messages, e.Message)
		if e.Message == "failed to debit wallet credits" {
			assert.Equal(t, logrus.ErrorLevel, e.Level)
			assert.Equal(t, order.ID, e.Data["order_id"])
		}
	}
	assert.Contains(t, messages, "failed to debit wallet credits")
	assert.Contains(t, messages, "failed to dispatch order notifications")
}

// lostAckStore commits the first order and then reports a timeout.
type lostAckStore struct {
	*MemoryStore
	lost bool
}

func (s *lostAckStore) CommitOrder(ctx context.Context, order Order) (CommitResult, error) {
	res, err := s.MemoryStore.CommitOrder(ctx, order)
	if err == nil && !s.lost {
		s.lost = true
		return CommitResult{}, errors.New("request timeout")
	}
	return res, err
}

func TestPlaceOrder_RetryAfterLostCommitAck(t *testing.T) {
	f := newFixture(t, func(m *MemoryStore) Store { return &lostAckStore{MemoryStore: m} })
	in := guestInput("25.00", ItemInput{MenuItemID: "pizza", Quantity: 2})
	in.IdempotencyKey = "5d0c1f3e-8a9b-4c7d-9e2f-1a2b3c4d5e6f"

	_, err := f.svc.PlaceOrder(context.Background(), in)
	requireOrderError(t, err, CodeDatabase, "")

	order, err := f.svc.PlaceOrder(context.Background(), in)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, 1, f.store.OrderCount())
	items, _ := f.store.GetMenuItems(context.Background(), []string{"pizza"})
	assert.Equal(t, 8, *items["pizza"].Inventory)
	assert.Equal(t, in.IdempotencyKey, order.IdempotencyKey)
	assert.Equal(t, []string{order.ID}, f.notifier.orders)
}

func TestNewOrderID(t *testing.T) {
	key := "5d0c1f3e-8a9b-4c7d-9e2f-1a2b3c4d5e6f"
	assert.Equal(t, newOrderID("cust-1", key), newOrderID("cust-1", key))
	assert.NotEqual(t, newOrderID("cust-1", key), newOrderID("cust-2", key))
	assert.NotEqual(t, newOrderID("", ""), newOrderID("", ""))
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	in := guestInput("25", ItemInput{MenuItemID: "pizza", Quantity: 2})
	in.CustomerID = "cust-2"
	order, err := f.svc.PlaceOrder(ctx, in)
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(ctx, order.ID, "cust-1")
	requireOrderError(t, err, CodeNotFound, "")

	cancelled, err := f.svc.CancelOrder(ctx, order.ID, "cust-2")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 1, cancelled.ModificationCount)
	items, _ := f.store.GetMenuItems(ctx, []string{"pizza"})
	assert.Equal(t, 10, *items["pizza"].Inventory)

	_, err = f.svc.CancelOrder(ctx, order.ID, "cust-2")
	oe := requireOrderError(t, err, CodeInvalidStatus, "")
	assert.Equal(t, 409, oe.HTTPStatus())

	f.svc.Wait()
	assert.Contains(t, f.broadcaster.events, EventOrderCancelled+":"+order.ID)
}

func TestCancelOrder_AfterGracePeriod(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, guestInput("12.50", ItemInput{MenuItemID: "pizza", Quantity: 1}))
	require.NoError(t, err)

	f.svc.nowFunc = func() time.Time { return time.Now().Add(4 * time.Minute) }
	_, err = f.svc.CancelOrder(ctx, order.ID, "")
	requireOrderError(t, err, CodeGracePeriodExpired, "")

	_, err = f.svc.CancelOrder(ctx, "missing", "")
	requireOrderError(t, err, CodeNotFound, "")
}

func TestConfirmOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, guestInput("12.50", ItemInput{MenuItemID: "pizza", Quantity: 1}))
	require.NoError(t, err)

	require.NoError(t, f.svc.ConfirmOrder(ctx, order.ID))
	got, err := f.svc.GetOrder(ctx, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	// already confirmed: skipped, not an error
	assert.NoError(t, f.svc.ConfirmOrder(ctx, order.ID))
}

package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses. An order starts in PENDING_CONFIRMATION and may be
// cancelled by the customer until its grace period expires.
const (
	StatusPendingConfirmation = "PENDING_CONFIRMATION"
	StatusConfirmed           = "CONFIRMED"
	StatusPreparing           = "PREPARING"
	StatusReady               = "READY"
	StatusOutForDelivery      = "OUT_FOR_DELIVERY"
	StatusCompleted           = "COMPLETED"
	StatusCancelled           = "CANCELLED"
)

// Order types
const (
	OrderTypeDelivery = "DELIVERY"
	OrderTypePickup   = "PICKUP"
	OrderTypeDineIn   = "DINE_IN"
)

// Payment methods
const (
	PaymentCard   = "CARD"
	PaymentCash   = "CASH"
	PaymentWallet = "WALLET"
)

// Coupon discount types
const (
	CouponPercent = "PERCENT"
	CouponFixed   = "FIXED"
)

// Order is the durable record created by a successful commit.
type Order struct {
	ID                string       `json:"id"`
	CustomerID        string       `json:"customerId,omitempty"`
	Customer          CustomerInfo `json:"customer"`
	Items             []LineItem   `json:"items"`
	Pricing           Pricing      `json:"pricing"`
	OrderType         string       `json:"orderType"`
	PaymentMethod     string       `json:"paymentMethod"`
	DeliveryAddress   *Address     `json:"deliveryAddress,omitempty"`
	Status            string       `json:"status"`
	GraceExpiresAt    time.Time    `json:"graceExpiresAt"`
	ModificationCount int          `json:"modificationCount"`
	IdempotencyKey    string       `json:"-"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// CustomerInfo is the contact information captured on the order.
type CustomerInfo struct {
	Name  string `json:"name" dynamodbav:"name"`
	Email string `json:"email" dynamodbav:"email"`
	Phone string `json:"phone" dynamodbav:"phone"`
}

type Address struct {
	Line1        string `json:"line1" dynamodbav:"line1"`
	Line2        string `json:"line2,omitempty" dynamodbav:"line2,omitempty"`
	City         string `json:"city" dynamodbav:"city"`
	PostalCode   string `json:"postalCode" dynamodbav:"postal_code"`
	Instructions string `json:"instructions,omitempty" dynamodbav:"instructions,omitempty"`
}

// LineItem snapshots the menu item at order time so later menu edits do not
// change what was ordered.
type LineItem struct {
	MenuItemID string          `json:"menuItemId"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	ImageURL   string          `json:"imageUrl,omitempty"`
	Quantity   int             `json:"quantity"`
	LineTotal  decimal.Decimal `json:"lineTotal"`
	Notes      string          `json:"notes,omitempty"`
	// InventoryReserved marks lines whose stock was decremented on commit and
	// must be restocked on cancellation.
	InventoryReserved bool `json:"inventoryReserved"`
}

type Pricing struct {
	Subtotal         decimal.Decimal `json:"subtotal"`
	CouponCode       string          `json:"couponCode,omitempty"`
	CouponDiscount   decimal.Decimal `json:"couponDiscount"`
	ReferralDiscount decimal.Decimal `json:"referralDiscount"`
	Discount         decimal.Decimal `json:"discount"`
	Tax              decimal.Decimal `json:"tax"`
	DeliveryFee      decimal.Decimal `json:"deliveryFee"`
	Tip              decimal.Decimal `json:"tip"`
	WalletAmount     decimal.Decimal `json:"walletAmount"`
	Total            decimal.Decimal `json:"total"`
}

// MenuItem is the subset of a menu item consulted during checkout.
type MenuItem struct {
	ID               string
	Name             string
	Price            decimal.Decimal
	ImageURL         string
	Available        bool
	InventoryEnabled bool
	// Inventory is nil when the item has no stock count.
	Inventory *int
}

// Tracked reports whether orders for the item must reserve stock.
func (m MenuItem) Tracked() bool {
	return m.InventoryEnabled && m.Inventory != nil
}

// Customer is a registered customer account.
type Customer struct {
	ID              string
	Name            string
	Email           string
	Phone           string
	WalletBalance   decimal.Decimal
	OrderCount      int
	TotalSpent      decimal.Decimal
	ReferredBy      string
	ReferralApplied bool
}

type Coupon struct {
	Code             string
	Type             string
	Value            decimal.Decimal
	MinSubtotal      decimal.Decimal
	MaxUses          int // 0 means unlimited
	UsedCount        int
	PerCustomerLimit int // 0 means unlimited
	ExpiresAt        time.Time
	Active           bool
}

// Abort codes reported by stores when a transaction rolls back for a
// business reason.
const (
	AbortInsufficientInventory = "INSUFFICIENT_INVENTORY"
	AbortInvalidStatus         = "INVALID_STATUS"
	AbortGracePeriodExpired    = "GRACE_PERIOD_EXPIRED"
	AbortNotFound              = "NOT_FOUND"
)

// AbortReason explains why a store transaction rolled back.
type AbortReason struct {
	Code       string
	MenuItemID string
	// Available is the current stock of MenuItemID when the store could read it.
	Available *int
	Status    string
}

// CommitResult is either Committed with the stored order or Aborted with a
// reason. Infrastructure failures are reported through the error return of
// the store method instead.
type CommitResult struct {
	Order  *Order
	Reason *AbortReason
	// Existing is set when the order id was already stored, so Order is the
	// earlier write rather than the one passed in.
	Existing bool
}

func Committed(o *Order) CommitResult { return CommitResult{Order: o} }

// AlreadyCommitted reports an order found under the id being committed.
func AlreadyCommitted(o *Order) CommitResult { return CommitResult{Order: o, Existing: true} }

func Aborted(r AbortReason) CommitResult { return CommitResult{Reason: &r} }

func (r CommitResult) IsCommitted() bool { return r.Order != nil && r.Reason == nil }

// Event names broadcast to admin listeners.
const (
	EventOrderCreated   = "order.created"
	EventOrderCancelled = "order.cancelled"
)

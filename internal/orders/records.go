package orders

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// orderRecord is the shape persisted in the orders table. Money is stored in
// integer cents.
type orderRecord struct {
	OrderID           string        `dynamodbav:"order_id"` // PK
	CustomerID        string        `dynamodbav:"customer_id,omitempty"`
	Customer          CustomerInfo  `dynamodbav:"customer"`
	Items             []lineRecord  `dynamodbav:"items"`
	Pricing           pricingRecord `dynamodbav:"pricing"`
	OrderType         string        `dynamodbav:"order_type"`
	PaymentMethod     string        `dynamodbav:"payment_method"`
	DeliveryAddress   *Address      `dynamodbav:"delivery_address,omitempty"`
	Status            string        `dynamodbav:"status"`
	GraceExpiresAtMs  int64         `dynamodbav:"grace_expires_at_ms"`
	ModificationCount int           `dynamodbav:"modification_count"`
	IdempotencyKey    string        `dynamodbav:"idempotency_key,omitempty"`
	CreatedAt         time.Time     `dynamodbav:"created_at"`
	UpdatedAt         time.Time     `dynamodbav:"updated_at"`
}

type lineRecord struct {
	MenuItemID        string `dynamodbav:"menu_item_id"`
	Name              string `dynamodbav:"name"`
	PriceCents        int64  `dynamodbav:"price_cents"`
	ImageURL          string `dynamodbav:"image_url,omitempty"`
	Quantity          int    `dynamodbav:"quantity"`
	LineTotalCents    int64  `dynamodbav:"line_total_cents"`
	Notes             string `dynamodbav:"notes,omitempty"`
	InventoryReserved bool   `dynamodbav:"inventory_reserved"`
}

type pricingRecord struct {
	SubtotalCents         int64  `dynamodbav:"subtotal_cents"`
	CouponCode            string `dynamodbav:"coupon_code,omitempty"`
	CouponDiscountCents   int64  `dynamodbav:"coupon_discount_cents"`
	ReferralDiscountCents int64  `dynamodbav:"referral_discount_cents"`
	DiscountCents         int64  `dynamodbav:"discount_cents"`
	TaxCents              int64  `dynamodbav:"tax_cents"`
	DeliveryFeeCents      int64  `dynamodbav:"delivery_fee_cents"`
	TipCents              int64  `dynamodbav:"tip_cents"`
	WalletCents           int64  `dynamodbav:"wallet_cents"`
	TotalCents            int64  `dynamodbav:"total_cents"`
}

type menuItemRecord struct {
	MenuItemID       string `dynamodbav:"menu_item_id"` // PK
	Name             string `dynamodbav:"name"`
	PriceCents       int64  `dynamodbav:"price_cents"`
	ImageURL         string `dynamodbav:"image_url,omitempty"`
	Available        bool   `dynamodbav:"available"`
	InventoryEnabled bool   `dynamodbav:"inventory_enabled"`
	Inventory        *int   `dynamodbav:"inventory,omitempty"`
}

type customerRecord struct {
	CustomerID         string `dynamodbav:"customer_id"` // PK
	Name               string `dynamodbav:"name"`
	Email              string `dynamodbav:"email"`
	Phone              string `dynamodbav:"phone"`
	WalletBalanceCents int64  `dynamodbav:"wallet_balance_cents"`
	OrderCount         int    `dynamodbav:"order_count"`
	TotalSpentCents    int64  `dynamodbav:"total_spent_cents"`
	ReferredBy         string `dynamodbav:"referred_by,omitempty"`
	ReferralApplied    bool   `dynamodbav:"referral_applied"`
}

type couponRecord struct {
	Code             string `dynamodbav:"code"` // PK
	DiscountType     string `dynamodbav:"discount_type"`
	Value            string `dynamodbav:"value"` // decimal: percent or dollars
	MinSubtotalCents int64  `dynamodbav:"min_subtotal_cents"`
	MaxUses          int    `dynamodbav:"max_uses"`
	UsedCount        int    `dynamodbav:"used_count"`
	PerCustomerLimit int    `dynamodbav:"per_customer_limit"`
	ExpiresAt        int64  `dynamodbav:"expires_at,omitempty"` // epoch seconds
	Active           bool   `dynamodbav:"active"`
}

type couponUsageRecord struct {
	UsageKey string `dynamodbav:"usage_key"` // PK: code#customer_id
	Uses     int    `dynamodbav:"uses"`
}

func toOrderRecord(o Order) orderRecord {
	lines := make([]lineRecord, 0, len(o.Items))
	for _, l := range o.Items {
		lines = append(lines, lineRecord{
			MenuItemID:        l.MenuItemID,
			Name:              l.Name,
			PriceCents:        toCents(l.Price),
			ImageURL:          l.ImageURL,
			Quantity:          l.Quantity,
			LineTotalCents:    toCents(l.LineTotal),
			Notes:             l.Notes,
			InventoryReserved: l.InventoryReserved,
		})
	}
	p := o.Pricing
	return orderRecord{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Customer:   o.Customer,
		Items:      lines,
		Pricing: pricingRecord{
			SubtotalCents:         toCents(p.Subtotal),
			CouponCode:            p.CouponCode,
			CouponDiscountCents:   toCents(p.CouponDiscount),
			ReferralDiscountCents: toCents(p.ReferralDiscount),
			DiscountCents:         toCents(p.Discount),
			TaxCents:              toCents(p.Tax),
			DeliveryFeeCents:      toCents(p.DeliveryFee),
			TipCents:              toCents(p.Tip),
			WalletCents:           toCents(p.WalletAmount),
			TotalCents:            toCents(p.Total),
		},
		OrderType:         o.OrderType,
		PaymentMethod:     o.PaymentMethod,
		DeliveryAddress:   o.DeliveryAddress,
		Status:            o.Status,
		GraceExpiresAtMs:  o.GraceExpiresAt.UnixMilli(),
		ModificationCount: o.ModificationCount,
		IdempotencyKey:    o.IdempotencyKey,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

func (r orderRecord) order() *Order {
	lines := make([]LineItem, 0, len(r.Items))
	for _, l := range r.Items {
		lines = append(lines, LineItem{
			MenuItemID:        l.MenuItemID,
			Name:              l.Name,
			Price:             fromCents(l.PriceCents),
			ImageURL:          l.ImageURL,
			Quantity:          l.Quantity,
			LineTotal:         fromCents(l.LineTotalCents),
			Notes:             l.Notes,
			InventoryReserved: l.InventoryReserved,
		})
	}
	p := r.Pricing
	return &Order{
		ID:         r.OrderID,
		CustomerID: r.CustomerID,
		Customer:   r.Customer,
		Items:      lines,
		Pricing: Pricing{
			Subtotal:         fromCents(p.SubtotalCents),
			CouponCode:       p.CouponCode,
			CouponDiscount:   fromCents(p.CouponDiscountCents),
			ReferralDiscount: fromCents(p.ReferralDiscountCents),
			Discount:         fromCents(p.DiscountCents),
			Tax:              fromCents(p.TaxCents),
			DeliveryFee:      fromCents(p.DeliveryFeeCents),
			Tip:              fromCents(p.TipCents),
			WalletAmount:     fromCents(p.WalletCents),
			Total:            fromCents(p.TotalCents),
		},
		OrderType:         r.OrderType,
		PaymentMethod:     r.PaymentMethod,
		DeliveryAddress:   r.DeliveryAddress,
		Status:            r.Status,
		GraceExpiresAt:    time.UnixMilli(r.GraceExpiresAtMs).UTC(),
		ModificationCount: r.ModificationCount,
		IdempotencyKey:    r.IdempotencyKey,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (r menuItemRecord) menuItem() MenuItem {
	return MenuItem{
		ID:               r.MenuItemID,
		Name:             r.Name,
		Price:            fromCents(r.PriceCents),
		ImageURL:         r.ImageURL,
		Available:        r.Available,
		InventoryEnabled: r.InventoryEnabled,
		Inventory:        r.Inventory,
	}
}

func (r customerRecord) customer() *Customer {
	return &Customer{
		ID:              r.CustomerID,
		Name:            r.Name,
		Email:           r.Email,
		Phone:           r.Phone,
		WalletBalance:   fromCents(r.WalletBalanceCents),
		OrderCount:      r.OrderCount,
		TotalSpent:      fromCents(r.TotalSpentCents),
		ReferredBy:      r.ReferredBy,
		ReferralApplied: r.ReferralApplied,
	}
}

func (r couponRecord) coupon() (*Coupon, error) {
	value, err := decimal.NewFromString(r.Value)
	if err != nil {
		return nil, err
	}
	c := &Coupon{
		Code:             r.Code,
		Type:             r.DiscountType,
		Value:            value,
		MinSubtotal:      fromCents(r.MinSubtotalCents),
		MaxUses:          r.MaxUses,
		UsedCount:        r.UsedCount,
		PerCustomerLimit: r.PerCustomerLimit,
		Active:           r.Active,
	}
	if r.ExpiresAt > 0 {
		c.ExpiresAt = time.Unix(r.ExpiresAt, 0).UTC()
	}
	return c, nil
}

// reservation is the stock taken for one menu item across an order's lines.
type reservation struct {
	MenuItemID string
	Quantity   int
}

// reservations aggregates reserved lines per menu item, sorted by menu item
// id so concurrent orders take row locks in the same order.
func reservations(items []LineItem) []reservation {
	var out []reservation
	idx := map[string]int{}
	for _, l := range items {
		if !l.InventoryReserved {
			continue
		}
		if i, ok := idx[l.MenuItemID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.MenuItemID] = len(out)
		out = append(out, reservation{MenuItemID: l.MenuItemID, Quantity: l.Quantity})
	}
	slices.SortFunc(out, func(a, b reservation) int { return strings.Compare(a.MenuItemID, b.MenuItemID) })
	return out
}

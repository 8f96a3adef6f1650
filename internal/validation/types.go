package validation

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

// Customer is the contact block of an order.
type Customer struct {
	Name  string `json:"name" validate:"required,max=100"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"required,phone"`
}

// Item represents a single requested line.
type Item struct {
	MenuItemID string `json:"menuItemId" validate:"required"`
	Quantity   int    `json:"quantity" validate:"required,min=1,max=50"`
	Notes      string `json:"notes,omitempty" validate:"max=200"`
}

// Pricing carries the client's view of the totals. Only subtotal is checked
// against the menu; everything else is recomputed server side.
type Pricing struct {
	Subtotal     decimal.Decimal `json:"subtotal" validate:"gt=0"`
	CouponCode   string          `json:"couponCode,omitempty" validate:"max=32"`
	WalletAmount decimal.Decimal `json:"walletAmount" validate:"gte=0"`
	Tip          decimal.Decimal `json:"tip" validate:"gte=0"`
}

type Address struct {
	Line1        string `json:"line1" validate:"required"`
	Line2        string `json:"line2,omitempty"`
	City         string `json:"city" validate:"required"`
	PostalCode   string `json:"postalCode" validate:"required"`
	Instructions string `json:"instructions,omitempty" validate:"max=200"`
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	Customer        Customer `json:"customer"`
	Items           []Item   `json:"items" validate:"required,min=1,max=50,dive"`
	Pricing         Pricing  `json:"pricing"`
	OrderType       string   `json:"orderType" validate:"required,oneof=DELIVERY PICKUP DINE_IN"`
	PaymentMethod   string   `json:"paymentMethod" validate:"required,oneof=CARD CASH WALLET"`
	DeliveryAddress *Address `json:"deliveryAddress,omitempty" validate:"required_if=OrderType DELIVERY,omitempty"`
	CustomerID      string   `json:"customerId,omitempty"`
}

// PlaceOrderInput converts a validated request. phoneRegion is the default
// region for numbers written without a country code.
func (r CreateOrderRequest) PlaceOrderInput(customerID, idempotencyKey, phoneRegion string) orders.PlaceOrderInput {
	phone, err := NormalizePhone(r.Customer.Phone, phoneRegion)
	if err != nil {
		phone = r.Customer.Phone
	}
	in := orders.PlaceOrderInput{
		CustomerID: customerID,
		Customer: orders.CustomerInfo{
			Name:  strings.TrimSpace(r.Customer.Name),
			Email: strings.ToLower(strings.TrimSpace(r.Customer.Email)),
			Phone: phone,
		},
		Items:          make([]orders.ItemInput, 0, len(r.Items)),
		Subtotal:       r.Pricing.Subtotal,
		CouponCode:     strings.ToUpper(strings.TrimSpace(r.Pricing.CouponCode)),
		WalletAmount:   r.Pricing.WalletAmount,
		Tip:            r.Pricing.Tip,
		OrderType:      r.OrderType,
		PaymentMethod:  r.PaymentMethod,
		IdempotencyKey: idempotencyKey,
	}
	for _, it := range r.Items {
		in.Items = append(in.Items, orders.ItemInput{MenuItemID: it.MenuItemID, Quantity: it.Quantity, Notes: it.Notes})
	}
	if r.DeliveryAddress != nil {
		in.DeliveryAddress = &orders.Address{
			Line1:        r.DeliveryAddress.Line1,
			Line2:        r.DeliveryAddress.Line2,
			City:         r.DeliveryAddress.City,
			PostalCode:   r.DeliveryAddress.PostalCode,
			Instructions: r.DeliveryAddress.Instructions,
		}
	}
	return in
}

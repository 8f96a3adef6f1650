package validation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func validRequest() CreateOrderRequest {
	return CreateOrderRequest{
		Customer: Customer{Name: "Ada Lovelace", Email: "ada@example.com", Phone: "+1 201-555-0123"},
		Items: []Item{
			{MenuItemID: "pizza", Quantity: 2},
			{MenuItemID: "salad", Quantity: 1, Notes: "no onions"},
		},
		Pricing:       Pricing{Subtotal: decimal.RequireFromString("33.00")},
		OrderType:     "PICKUP",
		PaymentMethod: "CARD",
	}
}

func TestCreateOrderRequest_Valid(t *testing.T) {
	v := New("US")

	if err := Check(v, validRequest()); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestCreateOrderRequest_DeliveryNeedsAddress(t *testing.T) {
	v := New("US")

	req := validRequest()
	req.OrderType = "DELIVERY"

	err := Check(v, req)
	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("expected field error, got %v", err)
	}
	if fe.Field != "deliveryAddress" || fe.Message != "Delivery address is required for delivery orders" {
		t.Fatalf("unexpected error: %+v", fe)
	}

	req.DeliveryAddress = &Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345"}
	if err := Check(v, req); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestCreateOrderRequest_FieldErrors(t *testing.T) {
	v := New("US")

	cases := []struct {
		name    string
		mutate  func(*CreateOrderRequest)
		field   string
		message string
	}{
		{"missing name", func(r *CreateOrderRequest) { r.Customer.Name = "" }, "customer.name", "customer.name is required"},
		{"bad email", func(r *CreateOrderRequest) { r.Customer.Email = "nope" }, "customer.email", "Invalid email address"},
		{"bad phone", func(r *CreateOrderRequest) { r.Customer.Phone = "12345" }, "customer.phone", "Invalid phone number"},
		{"no items", func(r *CreateOrderRequest) { r.Items = []Item{} }, "items", "items must contain at least 1 entries"},
		{"zero quantity", func(r *CreateOrderRequest) { r.Items[1].Quantity = 0 }, "items[1].quantity", "items[1].quantity is required"},
		{"zero subtotal", func(r *CreateOrderRequest) { r.Pricing.Subtotal = decimal.Zero }, "pricing.subtotal", "pricing.subtotal must be greater than 0"},
		{"negative tip", func(r *CreateOrderRequest) { r.Pricing.Tip = decimal.NewFromInt(-1) }, "pricing.tip", "pricing.tip cannot be negative"},
		{"unknown order type", func(r *CreateOrderRequest) { r.OrderType = "DRONE" }, "orderType", "orderType must be one of: DELIVERY, PICKUP, DINE_IN"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)

			err := Check(v, req)
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected field error, got %v", err)
			}
			if fe.Field != tc.field {
				t.Fatalf("field: want %q, got %q", tc.field, fe.Field)
			}
			if fe.Message != tc.message {
				t.Fatalf("message: want %q, got %q", tc.message, fe.Message)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("(201) 555-0123", "US")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "+12015550123" {
		t.Fatalf("want +12015550123, got %s", got)
	}

	if _, err := NormalizePhone("12345", "US"); err == nil {
		t.Fatal("expected error for short number")
	}
}

func TestPlaceOrderInput(t *testing.T) {
	req := validRequest()
	req.Customer.Email = " Ada@Example.com "
	req.Pricing.CouponCode = "save10"
	req.OrderType = "DELIVERY"
	req.DeliveryAddress = &Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345"}

	in := req.PlaceOrderInput("cust-1", "key-1", "US")

	if in.Customer.Phone != "+12015550123" {
		t.Fatalf("phone not normalized: %s", in.Customer.Phone)
	}
	if in.Customer.Email != "ada@example.com" {
		t.Fatalf("email not normalized: %q", in.Customer.Email)
	}
	if in.CouponCode != "SAVE10" {
		t.Fatalf("coupon not normalized: %q", in.CouponCode)
	}
	if len(in.Items) != 2 || in.Items[1].Notes != "no onions" {
		t.Fatalf("items not converted: %+v", in.Items)
	}
	if in.DeliveryAddress == nil || in.DeliveryAddress.City != "Springfield" {
		t.Fatalf("address not converted: %+v", in.DeliveryAddress)
	}
	if in.CustomerID != "cust-1" || in.IdempotencyKey != "key-1" {
		t.Fatalf("identity not carried: %+v", in)
	}
}

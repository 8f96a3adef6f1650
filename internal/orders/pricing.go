package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// subtotalTolerance is the largest accepted gap between the client's subtotal
// and the one recomputed from current menu prices.
var subtotalTolerance = decimal.New(1, -2)

// PricingConfig holds the restaurant's pricing policy.
type PricingConfig struct {
	MinimumOrder decimal.Decimal
	TaxRate      decimal.Decimal
	DeliveryFee  decimal.Decimal
	ReferralRate decimal.Decimal
}

// PriceInput is everything that determines an order's price breakdown.
type PriceInput struct {
	Subtotal         decimal.Decimal
	OrderType        string
	Coupon           *Coupon
	ReferralEligible bool
	Tip              decimal.Decimal
	WalletAmount     decimal.Decimal
}

// Price computes the breakdown. The wallet amount is taken as given; callers
// check it against Payable first.
func (c PricingConfig) Price(in PriceInput) Pricing {
	p := Pricing{
		Subtotal:         roundMoney(in.Subtotal),
		CouponDiscount:   decimal.Zero,
		ReferralDiscount: decimal.Zero,
		DeliveryFee:      decimal.Zero,
		Tip:              roundMoney(in.Tip),
		WalletAmount:     roundMoney(in.WalletAmount),
	}
	if in.Coupon != nil {
		p.CouponCode = in.Coupon.Code
		p.CouponDiscount = in.Coupon.discount(p.Subtotal)
	}
	if in.ReferralEligible {
		p.ReferralDiscount = roundMoney(p.Subtotal.Mul(c.ReferralRate))
	}

	p.Discount = decimal.Min(p.CouponDiscount.Add(p.ReferralDiscount), p.Subtotal)
	p.Tax = roundMoney(p.Subtotal.Sub(p.Discount).Mul(c.TaxRate))
	if in.OrderType == OrderTypeDelivery {
		p.DeliveryFee = roundMoney(c.DeliveryFee)
	}
	p.Total = p.Payable().Sub(p.WalletAmount)
	return p
}

// Payable is the post-discount total before wallet credit is applied.
func (p Pricing) Payable() decimal.Decimal {
	return p.Subtotal.Sub(p.Discount).Add(p.Tax).Add(p.DeliveryFee).Add(p.Tip)
}

func (c Coupon) discount(subtotal decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch c.Type {
	case CouponPercent:
		d = subtotal.Mul(c.Value).Div(hundred)
	case CouponFixed:
		d = c.Value
	}
	return roundMoney(decimal.Min(d, subtotal))
}

// validateCoupon checks that coupon may be applied by a customer who has
// already used it customerUses times.
func validateCoupon(coupon *Coupon, customerUses int, subtotal decimal.Decimal, now time.Time) *Error {
	const field = "pricing.couponCode"
	switch {
	case coupon == nil || !coupon.Active:
		return validationError(field, "Invalid coupon code")
	case !coupon.ExpiresAt.IsZero() && now.After(coupon.ExpiresAt):
		return validationError(field, "Coupon has expired")
	case coupon.MaxUses > 0 && coupon.UsedCount >= coupon.MaxUses:
		return validationError(field, "Coupon usage limit reached")
	case coupon.PerCustomerLimit > 0 && customerUses >= coupon.PerCustomerLimit:
		return validationError(field, "You have already used this coupon")
	case subtotal.LessThan(coupon.MinSubtotal):
		return validationError(field, fmt.Sprintf("Coupon requires a minimum subtotal of $%s", coupon.MinSubtotal.StringFixed(2)))
	}
	return nil
}

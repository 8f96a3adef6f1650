package orders

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testPricing = PricingConfig{
	MinimumOrder: d("10"),
	TaxRate:      d("0.08"),
	DeliveryFee:  d("4.99"),
	ReferralRate: d("0.10"),
}

func TestPricingConfig_Price(t *testing.T) {
	tests := []struct {
		name string
		in   PriceInput
		want Pricing
	}{
		{
			name: "pickup without extras",
			in:   PriceInput{Subtotal: d("25"), OrderType: OrderTypePickup},
			want: Pricing{Subtotal: d("25"), Discount: d("0"), Tax: d("2"), DeliveryFee: d("0"), Total: d("27")},
		},
		{
			name: "delivery with percent coupon, tip and wallet",
			in: PriceInput{
				Subtotal:     d("50"),
				OrderType:    OrderTypeDelivery,
				Coupon:       &Coupon{Code: "SAVE10", Type: CouponPercent, Value: d("10")},
				Tip:          d("2"),
				WalletAmount: d("5.59"),
			},
			want: Pricing{Subtotal: d("50"), CouponCode: "SAVE10", CouponDiscount: d("5"), Discount: d("5"), Tax: d("3.6"), DeliveryFee: d("4.99"), Tip: d("2"), WalletAmount: d("5.59"), Total: d("50")},
		},
		{
			name: "fixed coupon capped at subtotal",
			in: PriceInput{
				Subtotal:  d("12"),
				OrderType: OrderTypePickup,
				Coupon:    &Coupon{Code: "BIG", Type: CouponFixed, Value: d("20")},
			},
			want: Pricing{Subtotal: d("12"), CouponCode: "BIG", CouponDiscount: d("12"), Discount: d("12"), Tax: d("0"), DeliveryFee: d("0"), Total: d("0")},
		},
		{
			name: "referral discount stacks with coupon",
			in: PriceInput{
				Subtotal:         d("40"),
				OrderType:        OrderTypeDineIn,
				Coupon:           &Coupon{Code: "FIVE", Type: CouponFixed, Value: d("5")},
				ReferralEligible: true,
			},
			want: Pricing{Subtotal: d("40"), CouponCode: "FIVE", CouponDiscount: d("5"), ReferralDiscount: d("4"), Discount: d("9"), Tax: d("2.48"), DeliveryFee: d("0"), Total: d("33.48")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := testPricing.Price(tt.in)
			assert.Equal(t, tt.want.CouponCode, got.CouponCode)
			for name, pair := range map[string][2]decimal.Decimal{
				"subtotal":         {tt.want.Subtotal, got.Subtotal},
				"couponDiscount":   {tt.want.CouponDiscount, got.CouponDiscount},
				"referralDiscount": {tt.want.ReferralDiscount, got.ReferralDiscount},
				"discount":         {tt.want.Discount, got.Discount},
				"tax":              {tt.want.Tax, got.Tax},
				"deliveryFee":      {tt.want.DeliveryFee, got.DeliveryFee},
				"tip":              {tt.want.Tip, got.Tip},
				"walletAmount":     {tt.want.WalletAmount, got.WalletAmount},
				"total":            {tt.want.Total, got.Total},
			} {
				assert.True(t, pair[0].Equal(pair[1]), "%s: want %s, got %s", name, pair[0], pair[1])
			}
		})
	}
}

func TestValidateCoupon(t *testing.T) {
	now := time.Now()
	valid := Coupon{Code: "OK", Type: CouponPercent, Value: d("10"), Active: true, MinSubtotal: d("20")}

	assert.Nil(t, validateCoupon(&valid, 0, d("25"), now))

	cases := map[string]struct {
		mutate  func(c *Coupon)
		uses    int
		sub     string
		message string
	}{
		"inactive":       {mutate: func(c *Coupon) { c.Active = false }, sub: "25", message: "Invalid coupon code"},
		"expired":        {mutate: func(c *Coupon) { c.ExpiresAt = now.Add(-time.Minute) }, sub: "25", message: "Coupon has expired"},
		"exhausted":      {mutate: func(c *Coupon) { c.MaxUses, c.UsedCount = 5, 5 }, sub: "25", message: "Coupon usage limit reached"},
		"customer limit": {mutate: func(c *Coupon) { c.PerCustomerLimit = 1 }, uses: 1, sub: "25", message: "You have already used this coupon"},
		"below minimum":  {mutate: func(c *Coupon) {}, sub: "19.99", message: "Coupon requires a minimum subtotal of $20.00"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			tc.mutate(&c)
			err := validateCoupon(&c, tc.uses, d(tc.sub), now)
			if assert.NotNil(t, err) {
				assert.Equal(t, CodeValidation, err.Code)
				assert.Equal(t, "pricing.couponCode", err.Field)
				assert.Equal(t, tc.message, err.Message)
			}
		})
	}

	assert.NotNil(t, validateCoupon(nil, 0, d("25"), now))
}

package orders

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// toCents converts an amount to integer cents for storage.
func toCents(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

package domain

import "github.com/shopspring/decimal"

// OrderTotals holds the monetary fields frozen onto an order at creation.
type OrderTotals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Consistent reports whether Total equals the sum of its components.
func (t OrderTotals) Consistent() bool {
	return t.Subtotal.Add(t.Tax).Add(t.Shipping).Equal(t.Total)
}

// PricingLine is a priced cart line handed to the calculator.
type PricingLine struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// PricingResult bundles totals with the per-line breakdown.
type PricingResult struct {
	Currency  string
	Totals    OrderTotals
	ItemCount int
	Items     []OrderItem
}

// MinorUnits converts an amount into integer minor units (cents) at the given scale.
func MinorUnits(amount decimal.Decimal, scale int32) int64 {
	return amount.Shift(scale).Round(0).IntPart()
}

// FromMinorUnits converts integer minor units back into a decimal amount.
func FromMinorUnits(units int64, scale int32) decimal.Decimal {
	return decimal.New(units, -scale)
}

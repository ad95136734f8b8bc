package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/pvhao2002/Pharmacy/internal/domain"
)

// PricingPolicy configures the money calculator.
type PricingPolicy struct {
	Currency              string
	TaxRate               decimal.Decimal
	ShippingFee           decimal.Decimal
	FreeShippingThreshold decimal.Decimal
}

// PricingEngine computes order totals once, at creation time.
type PricingEngine struct {
	currency  string
	scale     int32
	taxRate   decimal.Decimal
	shipping  decimal.Decimal
	threshold decimal.Decimal
}

// NewPricingEngine validates the policy and resolves the currency's minor unit scale.
func NewPricingEngine(policy PricingPolicy) (*PricingEngine, error) {
	code := strings.ToUpper(strings.TrimSpace(policy.Currency))
	if code == "" {
		return nil, errors.New("pricing engine: currency is required")
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return nil, fmt.Errorf("pricing engine: unknown currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)

	if policy.TaxRate.IsNegative() {
		return nil, errors.New("pricing engine: tax rate must not be negative")
	}
	if policy.ShippingFee.IsNegative() {
		return nil, errors.New("pricing engine: shipping fee must not be negative")
	}
	if policy.FreeShippingThreshold.IsNegative() {
		return nil, errors.New("pricing engine: free shipping threshold must not be negative")
	}

	return &PricingEngine{
		currency:  unit.String(),
		scale:     int32(scale),
		taxRate:   policy.TaxRate,
		shipping:  policy.ShippingFee.Round(int32(scale)),
		threshold: policy.FreeShippingThreshold,
	}, nil
}

// Currency returns the ISO code all totals are expressed in.
func (e *PricingEngine) Currency() string {
	return e.currency
}

// Scale returns the number of minor unit digits for the configured currency.
func (e *PricingEngine) Scale() int32 {
	return e.scale
}

// Calculate prices the lines. Subtotal is the exact sum of line totals, tax is rounded half away
// from zero to the currency scale, and total is the sum of the three components.
func (e *PricingEngine) Calculate(lines []domain.PricingLine) (domain.PricingResult, error) {
	if len(lines) == 0 {
		return domain.PricingResult{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderValidation)
	}

	items := make([]domain.OrderItem, 0, len(lines))
	subtotal := decimal.Zero
	count := 0
	for i, line := range lines {
		if line.Quantity <= 0 {
			return domain.PricingResult{}, fmt.Errorf("%w: item %d quantity must be positive", ErrOrderValidation, i)
		}
		if line.UnitPrice.IsNegative() {
			return domain.PricingResult{}, fmt.Errorf("%w: item %d has a negative price", ErrOrderValidation, i)
		}
		// A catalogue price finer than the currency's minor unit cannot be charged as stored.
		unit := line.UnitPrice.Round(e.scale)
		if !unit.Equal(line.UnitPrice) {
			return domain.PricingResult{}, fmt.Errorf("%w: item %d price %s has more than %d decimals for %s", ErrOrderValidation, i, line.UnitPrice, e.scale, e.currency)
		}
		lineTotal := unit.Mul(decimal.NewFromInt(int64(line.Quantity)))
		items = append(items, domain.OrderItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: unit,
			Quantity:  line.Quantity,
			LineTotal: lineTotal,
		})
		subtotal = subtotal.Add(lineTotal)
		count += line.Quantity
	}

	tax := subtotal.Mul(e.taxRate).Round(e.scale)
	shipping := e.shipping
	if e.threshold.IsPositive() && subtotal.GreaterThanOrEqual(e.threshold) {
		shipping = decimal.Zero
	}

	return domain.PricingResult{
		Currency: e.currency,
		Totals: domain.OrderTotals{
			Subtotal: subtotal,
			Tax:      tax,
			Shipping: shipping,
			Total:    subtotal.Add(tax).Add(shipping),
		},
		ItemCount: count,
		Items:     items,
	}, nil
}

package coupon

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Evaluation is the outcome of evaluating a coupon against a subtotal.
type Evaluation struct {
	Eligible bool
	// MissingAmount is how much the subtotal falls short of the minimum
	// order value. Zero when eligible.
	MissingAmount decimal.Decimal
	AppliedValue  decimal.Decimal
	FreeShipping  bool
}

// Evaluate computes the discount c grants on subtotal. It never fails:
// ineligibility is reported through the result.
func Evaluate(c *Coupon, subtotal decimal.Decimal) Evaluation {
	ev := Evaluation{FreeShipping: c.FreeShipping}

	if subtotal.LessThan(c.MinOrderValue) {
		ev.MissingAmount = c.MinOrderValue.Sub(subtotal)
		ev.AppliedValue = decimal.Zero
		return ev
	}
	ev.Eligible = true

	switch c.Type {
	case DiscountPercentage:
		ev.AppliedValue = applyPercentage(c, subtotal)
	case DiscountFixed:
		ev.AppliedValue = decimal.Min(c.Value, subtotal)
	}
	ev.AppliedValue = floorAtZero(ev.AppliedValue)
	return ev
}

func applyPercentage(c *Coupon, subtotal decimal.Decimal) decimal.Decimal {
	amount := subtotal.Mul(c.Value).Div(hundred)
	if c.MaxDiscount != nil {
		amount = decimal.Min(amount, *c.MaxDiscount)
	}
	return amount
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

package order

import (
	"github.com/shopspring/decimal"
)

// TaxLine is the taxable part of an order line.
type TaxLine struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

// AllocateTax splits tax across lines proportionally to unitPrice*quantity.
// Every share but the last is floored to scale decimal places; the last line
// absorbs the remainder, so the shares always sum to tax exactly.
func AllocateTax(lines []TaxLine, tax decimal.Decimal, scale int32) []decimal.Decimal {
	out := make([]decimal.Decimal, len(lines))
	for i := range out {
		out[i] = decimal.Zero
	}
	if len(lines) == 0 {
		return out
	}

	base := decimal.Zero
	for _, l := range lines {
		base = base.Add(l.amount())
	}
	if !base.IsPositive() {
		return out
	}

	allocated := decimal.Zero
	last := len(lines) - 1
	for i, l := range lines[:last] {
		share := tax.Mul(l.amount()).Div(base).RoundFloor(scale)
		out[i] = share
		allocated = allocated.Add(share)
	}
	out[last] = tax.Sub(allocated)
	return out
}

func (l TaxLine) amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

package order

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAllocateTax(t *testing.T) {
	dec := decimal.RequireFromString
	tests := []struct {
		name  string
		lines []TaxLine
		tax   string
		scale int32
		want  []string
	}{
		{
			name:  "single line takes everything",
			lines: []TaxLine{{UnitPrice: dec("100"), Quantity: 2}},
			tax:   "14",
			want:  []string{"14"},
		},
		{
			name: "last line absorbs remainder",
			lines: []TaxLine{
				{UnitPrice: dec("10"), Quantity: 1},
				{UnitPrice: dec("10"), Quantity: 1},
				{UnitPrice: dec("10"), Quantity: 1},
			},
			tax:  "10",
			want: []string{"3", "3", "4"},
		},
		{
			name: "fractional scale",
			lines: []TaxLine{
				{UnitPrice: dec("33.33"), Quantity: 3},
				{UnitPrice: dec("12.5"), Quantity: 1},
			},
			tax:   "9.00",
			scale: 2,
			want:  []string{"7.99", "1.01"},
		},
		{
			name:  "zero base",
			lines: []TaxLine{{UnitPrice: dec("0"), Quantity: 1}, {UnitPrice: dec("0"), Quantity: 4}},
			tax:   "0",
			want:  []string{"0", "0"},
		},
		{
			name: "no lines",
			tax:  "5",
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AllocateTax(tt.lines, dec(tt.tax), tt.scale)
			assert.Len(t, got, len(tt.want))

			sum := decimal.Zero
			for i, share := range got {
				assert.True(t, dec(tt.want[i]).Equal(share), "line %d: want %s, got %s", i, tt.want[i], share)
				sum = sum.Add(share)
			}
			if len(got) > 0 {
				assert.True(t, dec(tt.tax).Equal(sum), "shares sum to %s, want %s", sum, tt.tax)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusPaid, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusRefunded, false},
		{StatusConfirmed, StatusPaid, true},
		{StatusPaid, StatusPaid, true},
		{StatusPaid, StatusRefunded, true},
		{StatusPaid, StatusPending, false},
		{StatusShipped, StatusCancelled, false},
		{StatusCompleted, StatusRefunded, true},
		{StatusCancelled, StatusPaid, false},
		{StatusRefunded, StatusPaid, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestOrder_Paid(t *testing.T) {
	o := &Order{}
	assert.False(t, o.Paid())
	id := "pay-1"
	o.PaymentSuccessID = &id
	assert.True(t, o.Paid())
}

package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-store/internal/domain/catalog"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func ptr[T any](v T) *T { return &v }

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestResolve(t *testing.T) {
	past := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name     string
		variant  catalog.Variant
		wantList decimal.Decimal
		wantUnit decimal.Decimal
	}{
		{
			name: "sale below list",
			variant: catalog.Variant{
				BasePrice: d("500"),
				Prices: []catalog.Price{
					{Type: catalog.PriceList, Amount: d("120")},
					{Type: catalog.PriceSale, Amount: d("90"), StartsAt: &past, EndsAt: &future},
				},
			},
			wantList: d("120"),
			wantUnit: d("90"),
		},
		{
			name: "no sale charges list",
			variant: catalog.Variant{
				BasePrice: d("500"),
				Prices:    []catalog.Price{{Type: catalog.PriceList, Amount: d("100")}},
			},
			wantList: d("100"),
			wantUnit: d("100"),
		},
		{
			name:     "variant price fallback for both",
			variant:  catalog.Variant{Price: ptr(d("80")), BasePrice: d("500")},
			wantList: d("80"),
			wantUnit: d("80"),
		},
		{
			name:     "product base price fallback",
			variant:  catalog.Variant{BasePrice: d("70")},
			wantList: d("70"),
			wantUnit: d("70"),
		},
		{
			name: "sale without list uses variant price as list",
			variant: catalog.Variant{
				Price:     ptr(d("60")),
				BasePrice: d("500"),
				Prices:    []catalog.Price{{Type: catalog.PriceSale, Amount: d("45")}},
			},
			wantList: d("60"),
			wantUnit: d("45"),
		},
		{
			name: "variant price beats list when no sale",
			variant: catalog.Variant{
				Price:  ptr(d("95")),
				Prices: []catalog.Price{{Type: catalog.PriceList, Amount: d("100")}},
			},
			wantList: d("100"),
			wantUnit: d("95"),
		},
		{
			name: "latest started list wins over open start",
			variant: catalog.Variant{
				Prices: []catalog.Price{
					{Type: catalog.PriceList, Amount: d("100")},
					{Type: catalog.PriceList, Amount: d("110"), StartsAt: &past},
					{Type: catalog.PriceList, Amount: d("130"), StartsAt: &recent},
				},
			},
			wantList: d("130"),
			wantUnit: d("130"),
		},
		{
			name: "expired and future records ignored",
			variant: catalog.Variant{
				BasePrice: d("100"),
				Prices: []catalog.Price{
					{Type: catalog.PriceSale, Amount: d("10"), StartsAt: &past, EndsAt: &recent},
					{Type: catalog.PriceSale, Amount: d("20"), StartsAt: &future},
				},
			},
			wantList: d("100"),
			wantUnit: d("100"),
		},
		{
			name: "end boundary is exclusive",
			variant: catalog.Variant{
				BasePrice: d("100"),
				Prices:    []catalog.Price{{Type: catalog.PriceSale, Amount: d("50"), EndsAt: &now}},
			},
			wantList: d("100"),
			wantUnit: d("100"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Resolve(tt.variant, now)
			assert.True(t, tt.wantList.Equal(q.ListPrice), "list: want %s, got %s", tt.wantList, q.ListPrice)
			assert.True(t, tt.wantUnit.Equal(q.UnitPrice), "unit: want %s, got %s", tt.wantUnit, q.UnitPrice)
		})
	}
}

func TestQuote_Savings(t *testing.T) {
	assert.True(t, d("30").Equal(Quote{ListPrice: d("120"), UnitPrice: d("90")}.Savings()))
	assert.True(t, decimal.Zero.Equal(Quote{ListPrice: d("80"), UnitPrice: d("95")}.Savings()))
}

type mockVariantRepo struct {
	variant *catalog.Variant
	err     error
}

func (m *mockVariantRepo) GetVariant(_ context.Context, _ string) (*catalog.Variant, error) {
	return m.variant, m.err
}

func (m *mockVariantRepo) GetVariants(_ context.Context, _ []string) ([]catalog.Variant, error) {
	return nil, nil
}

func (m *mockVariantRepo) DecrementStock(_ context.Context, _ string, _ int) error {
	return nil
}

func TestResolver_ResolvePrice(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		r := NewResolver(&mockVariantRepo{variant: &catalog.Variant{BasePrice: d("42")}})
		q, err := r.ResolvePrice(context.Background(), "v1", now)
		require.NoError(t, err)
		assert.True(t, d("42").Equal(q.UnitPrice))
	})

	t.Run("not found", func(t *testing.T) {
		r := NewResolver(&mockVariantRepo{err: catalog.ErrVariantNotFound})
		_, err := r.ResolvePrice(context.Background(), "missing", now)
		require.ErrorIs(t, err, catalog.ErrVariantNotFound)
	})

	t.Run("repository failure", func(t *testing.T) {
		r := NewResolver(&mockVariantRepo{err: errors.New("db down")})
		_, err := r.ResolvePrice(context.Background(), "v1", now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "get variant")
	})
}

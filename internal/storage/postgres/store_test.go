//go:build integration

package postgres

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/kart-store/internal/domain/address"
	"github.com/xenking/kart-store/internal/domain/auth"
	"github.com/xenking/kart-store/internal/domain/cart"
	"github.com/xenking/kart-store/internal/domain/catalog"
	"github.com/xenking/kart-store/internal/domain/coupon"
	"github.com/xenking/kart-store/internal/domain/order"
	"github.com/xenking/kart-store/internal/domain/payment"
	"github.com/xenking/kart-store/internal/fixture"
)

var testStore *Store

func TestMain(m *testing.M) {
	os.Exit(runMain(m))
}

func runMain(m *testing.M) int {
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "kart",
				"POSTGRES_PASSWORD": "kart",
				"POSTGRES_DB":       "kart",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer func() { _ = testcontainers.TerminateContainer(c) }()

	host, err := c.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "container host: %v\n", err)
		return 1
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "container port: %v\n", err)
		return 1
	}
	dsn := fmt.Sprintf("postgres://kart:kart@%s/kart?sslmode=disable", net.JoinHostPort(host, port.Port()))

	pool, err := NewPool(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pool: %v\n", err)
		return 1
	}
	defer pool.Close()
	if err := RunMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "migrations: %v\n", err)
		return 1
	}
	testStore = New(pool)

	return m.Run()
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedVariant stores a fresh product with one variant and returns the
// variant id.
func seedVariant(t *testing.T, stock int, prices ...catalog.Price) string {
	t.Helper()
	v := catalog.Variant{
		ID:          uuid.NewString(),
		ProductID:   uuid.NewString(),
		ProductName: "Shirt",
		SKU:         "SKU-" + uuid.NewString()[:8],
		Name:        "M",
		Stock:       stock,
		Active:      true,
		BasePrice:   dec("100"),
		Prices:      prices,
	}
	require.NoError(t, testStore.Seed(context.Background(), &fixture.Fixture{Variants: []catalog.Variant{v}}))
	return v.ID
}

func TestStore_SeedAndRead(t *testing.T) {
	ctx := context.Background()
	ends := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	vid := seedVariant(t, 4,
		catalog.Price{ID: uuid.NewString(), Type: catalog.PriceList, Amount: dec("120")},
		catalog.Price{ID: uuid.NewString(), Type: catalog.PriceSale, Amount: dec("90"), EndsAt: &ends},
	)

	v, err := testStore.Catalog().GetVariant(ctx, vid)
	require.NoError(t, err)
	assert.Equal(t, 4, v.Stock)
	assert.Equal(t, "Shirt", v.ProductName)
	assert.True(t, v.BasePrice.Equal(dec("100")))
	require.Len(t, v.Prices, 2)

	vs, err := testStore.Catalog().GetVariants(ctx, []string{vid, uuid.NewString()})
	require.NoError(t, err)
	require.Len(t, vs, 1)

	_, err = testStore.Catalog().GetVariant(ctx, uuid.NewString())
	require.ErrorIs(t, err, catalog.ErrVariantNotFound)

	limit := 2
	cid := uuid.NewString()
	code := "PG" + uuid.NewString()[:6]
	userID := "pg-user-" + uuid.NewString()
	addrID := uuid.NewString()
	pepper := []byte("pepper")
	require.NoError(t, testStore.Seed(ctx, &fixture.Fixture{
		Coupons: []coupon.Coupon{{
			ID: cid, Code: code, Type: coupon.DiscountFixed, Value: dec("10"), Active: true, UsageLimit: &limit,
		}},
		Addresses: []address.Address{{ID: addrID, UserID: userID, Line: "1 Main"}},
		APIKeys: []auth.APIKeyInfo{{
			ID: "k-" + code, Name: "ops", KeyHash: auth.HashAPIKey(pepper, code), Scopes: []string{auth.ScopeRefund},
		}},
	}))

	c, err := testStore.Coupons().FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, cid, c.ID)
	require.NotNil(t, c.UsageLimit)
	assert.Equal(t, 2, *c.UsageLimit)
	require.NoError(t, testStore.Coupons().IncrementUses(ctx, cid))
	c, err = testStore.Coupons().GetByID(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)

	a, err := testStore.Addresses().GetForUser(ctx, userID, addrID)
	require.NoError(t, err)
	assert.Equal(t, "1 Main", a.Line)
	_, err = testStore.Addresses().GetForUser(ctx, "someone-else", addrID)
	require.ErrorIs(t, err, address.ErrNotFound)

	info, err := auth.NewKeyAuthenticator(testStore.APIKeys(), pepper).Authenticate(ctx, code, auth.ScopeRefund)
	require.NoError(t, err)
	assert.Equal(t, "ops", info.Name)
}

func TestStore_DecrementStockGuard(t *testing.T) {
	ctx := context.Background()
	vid := seedVariant(t, 3)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := testStore.InTx(ctx, func(ctx context.Context) error {
				return testStore.Catalog().DecrementStock(ctx, vid, 1)
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, catalog.ErrInsufficientStock)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, success)
	v, err := testStore.Catalog().GetVariant(ctx, vid)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Stock)

	err = testStore.Catalog().DecrementStock(ctx, uuid.NewString(), 1)
	require.ErrorIs(t, err, catalog.ErrVariantNotFound)
}

func TestStore_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	vid := seedVariant(t, 5)
	user := "rollback-" + uuid.NewString()

	boom := errors.New("boom")
	err := testStore.InTx(ctx, func(ctx context.Context) error {
		c, err := testStore.Carts().GetOrCreate(ctx, user)
		require.NoError(t, err)
		_, err = testStore.Carts().AddItem(ctx, c.ID, vid, 2)
		require.NoError(t, err)
		require.NoError(t, testStore.InTx(ctx, func(ctx context.Context) error {
			return testStore.Catalog().DecrementStock(ctx, vid, 2)
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = testStore.Carts().GetByUser(ctx, user)
	require.ErrorIs(t, err, cart.ErrCartNotFound)
	v, err := testStore.Catalog().GetVariant(ctx, vid)
	require.NoError(t, err)
	assert.Equal(t, 5, v.Stock)
}

func TestCartRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := testStore.Carts()
	user := "cart-" + uuid.NewString()
	ids := []string{seedVariant(t, 5), seedVariant(t, 5), seedVariant(t, 5)}

	c, err := repo.GetOrCreate(ctx, user)
	require.NoError(t, err)
	again, err := repo.GetOrCreate(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	assert.Equal(t, cart.PaymentCOD, c.PaymentMethod)

	var items []*cart.Item
	for _, id := range []string{ids[2], ids[0], ids[1]} {
		it, err := repo.AddItem(ctx, c.ID, id, 1)
		require.NoError(t, err)
		items = append(items, it)
	}
	_, err = repo.AddItem(ctx, c.ID, ids[0], 1)
	require.Error(t, err, "one line per variant")

	require.NoError(t, repo.SetItemQuantity(ctx, items[0].ID, 4))
	require.NoError(t, repo.DeleteItem(ctx, items[2].ID))
	require.NoError(t, repo.DeleteItem(ctx, items[2].ID))
	require.ErrorIs(t, repo.SetItemQuantity(ctx, uuid.NewString(), 1), cart.ErrItemNotFound)

	applied := cart.AppliedCoupon{
		CouponID: uuid.NewString(), Code: "SAVE10", DiscountValue: dec("10"), AppliedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.SetCoupon(ctx, c.ID, applied))
	applied.Code = "SAVE20"
	require.NoError(t, repo.SetCoupon(ctx, c.ID, applied))
	require.NoError(t, repo.SetPaymentMethod(ctx, c.ID, cart.PaymentMoMo))

	got, err := repo.GetByUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, ids[2], got.Items[0].VariantID)
	assert.Equal(t, 4, got.Items[0].Quantity)
	assert.Equal(t, ids[0], got.Items[1].VariantID)
	require.NotNil(t, got.Coupon)
	assert.Equal(t, "SAVE20", got.Coupon.Code)
	assert.Equal(t, cart.PaymentMoMo, got.PaymentMethod)

	require.NoError(t, repo.ClearCoupon(ctx, c.ID))
	require.NoError(t, repo.ClearItems(ctx, c.ID))
	got, err = repo.GetByUser(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, got.Items)
	assert.Nil(t, got.Coupon)
}

func newOrder(t *testing.T) *order.Order {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()
	o := &order.Order{
		ID:            id,
		UserID:        "order-" + uuid.NewString(),
		AddressID:     uuid.NewString(),
		Status:        order.StatusPending,
		PaymentMethod: cart.PaymentMoMo,
		Subtotal:      dec("200"),
		Discount:      dec("20"),
		ShippingFee:   dec("30"),
		Tax:           dec("14"),
		Total:         dec("224"),
		Items: []order.Item{
			{ID: uuid.NewString(), OrderID: id, VariantID: uuid.NewString(), ProductName: "Shirt", VariantName: "M",
				SKU: "S-M", Quantity: 1, ListPrice: dec("120"), UnitPrice: dec("100"), TaxAmount: dec("7")},
			{ID: uuid.NewString(), OrderID: id, VariantID: uuid.NewString(), ProductName: "Tote", VariantName: "-",
				SKU: "T", Quantity: 1, ListPrice: dec("100"), UnitPrice: dec("100"), TaxAmount: dec("7")},
		},
		Coupon:    &order.AppliedCoupon{CouponID: uuid.NewString(), Code: "SAVE10", DiscountAmount: dec("20")},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, testStore.Orders().Create(context.Background(), o))
	return o
}

func TestOrderRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := testStore.Orders()
	o := newOrder(t)

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.UserID, got.UserID)
	assert.True(t, got.Total.Equal(dec("224")))
	require.Len(t, got.Items, 2)
	assert.Equal(t, "Shirt", got.Items[0].ProductName)
	assert.Equal(t, "Tote", got.Items[1].ProductName)
	require.NotNil(t, got.Coupon)
	assert.Equal(t, "SAVE10", got.Coupon.Code)
	assert.False(t, got.Paid())

	_, err = repo.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, order.ErrNotFound)

	first, second := uuid.NewString(), uuid.NewString()
	require.NoError(t, repo.SetPaymentSuccess(ctx, o.ID, first))
	require.ErrorIs(t, repo.SetPaymentSuccess(ctx, o.ID, second), order.ErrAlreadyPaid)

	got, err = repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, got.Status)
	require.NotNil(t, got.PaymentSuccessID)
	assert.Equal(t, first, *got.PaymentSuccessID)

	require.NoError(t, repo.SetStatus(ctx, o.ID, order.StatusRefunded))
	require.ErrorIs(t, repo.SetStatus(ctx, uuid.NewString(), order.StatusPaid), order.ErrNotFound)
}

func TestPaymentRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := testStore.Payments()
	o := newOrder(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	n, err := repo.NextAttempt(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p := &payment.Payment{
		ID:                uuid.NewString(),
		OrderID:           o.ID,
		Attempt:           n,
		Method:            cart.PaymentMoMo,
		Amount:            o.Total,
		Status:            payment.StatusPending,
		ProviderRequestID: uuid.NewString(),
		ProviderOrderID:   o.ID + "-1",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, repo.Create(ctx, p))

	n, err = repo.NextAttempt(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	found, err := repo.FindByProvider(ctx, p.ProviderRequestID, p.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)
	_, err = repo.FindByProvider(ctx, "nope", p.ProviderOrderID)
	require.ErrorIs(t, err, payment.ErrNotFound)

	code := 0
	p.Status = payment.StatusSucceeded
	p.ResultCode = &code
	p.ProviderTransID = "4088"
	p.RawResponse = []byte(`{"resultCode":0}`)
	require.NoError(t, repo.Update(ctx, p))

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, got.Status)
	require.NotNil(t, got.ResultCode)
	assert.Equal(t, 0, *got.ResultCode)
	assert.JSONEq(t, `{"resultCode":0}`, string(got.RawResponse))

	list, err := repo.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	rf := &payment.Refund{
		ID:                uuid.NewString(),
		PaymentID:         p.ID,
		Amount:            dec("100"),
		Status:            payment.StatusPending,
		ProviderRequestID: uuid.NewString(),
		CreatedAt:         now,
	}
	require.NoError(t, repo.CreateRefund(ctx, rf))

	code := 0
	rf.Status = payment.StatusSucceeded
	rf.ResultCode = &code
	rf.ProviderTransID = "3100000001"
	require.NoError(t, repo.UpdateRefund(ctx, rf))
	refunds, err := repo.ListRefunds(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].Amount.Equal(dec("100")))
	assert.Equal(t, payment.StatusSucceeded, refunds[0].Status)
	assert.Equal(t, "3100000001", refunds[0].ProviderTransID)
	require.NotNil(t, refunds[0].ResultCode)

	require.NoError(t, repo.SaveWebhook(ctx, &payment.WebhookEvent{
		ID: uuid.NewString(), Provider: "momo", PaymentID: &p.ID, Payload: []byte(`{}`),
		SignatureValid: true, ReceivedAt: now,
	}))
	require.NoError(t, repo.SaveWebhook(ctx, &payment.WebhookEvent{
		ID: uuid.NewString(), Provider: "momo", Payload: []byte(`garbage`), ReceivedAt: now,
	}))
}

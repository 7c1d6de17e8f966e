package handler_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-store/internal/domain/address"
	"github.com/xenking/kart-store/internal/domain/auth"
	"github.com/xenking/kart-store/internal/domain/cart"
	"github.com/xenking/kart-store/internal/domain/catalog"
	"github.com/xenking/kart-store/internal/domain/coupon"
	"github.com/xenking/kart-store/internal/domain/order"
	"github.com/xenking/kart-store/internal/domain/payment"
	"github.com/xenking/kart-store/internal/handler"
	"github.com/xenking/kart-store/internal/momo"
	"github.com/xenking/kart-store/internal/storage/memory"
)

const (
	buyer     = "buyer-1"
	variantID = "a0000000-0000-4000-8000-000000000001"
	addressID = "d0000000-0000-4000-8000-000000000001"
	refundKey = "test-refund-key"
)

var pepper = []byte("pepper")

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// gatewayStub plays the wallet gateway: it accepts every create and refund
// request and remembers the identifiers of the last create.
type gatewayStub struct {
	mu        sync.Mutex
	orderID   string
	requestID string
	refunds   int
}

func (g *gatewayStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	fields := map[string]string{}
	_ = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if d.Next() != jx.String {
			return d.Skip()
		}
		s, err := d.Str()
		fields[key] = s
		return err
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/v2/gateway/api/create":
		g.orderID, g.requestID = fields["orderId"], fields["requestId"]
		_, _ = io.WriteString(w, `{"resultCode":0,"message":"Successful.","payUrl":"https://pay.test/`+g.orderID+`"}`)
	case "/v2/gateway/api/refund":
		g.refunds++
		_, _ = io.WriteString(w, `{"resultCode":0,"message":"Successful.","transId":3100000001}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (g *gatewayStub) last() (orderID, requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.orderID, g.requestID
}

type env struct {
	srv     *httptest.Server
	store   *memory.Store
	gateway *gatewayStub
	momo    *momo.Client
	tokens  *auth.Tokens
}

// flakyPayments fails payment updates while fail is set.
type flakyPayments struct {
	payment.Repository
	fail atomic.Bool
}

func (p *flakyPayments) Update(ctx context.Context, pay *payment.Payment) error {
	if p.fail.Load() {
		return errors.New("connection reset by peer")
	}
	return p.Repository.Update(ctx, pay)
}

func newEnv(t *testing.T, wrap ...func(payment.Repository) payment.Repository) *env {
	t.Helper()

	gw := &gatewayStub{}
	gwSrv := httptest.NewServer(gw)
	t.Cleanup(gwSrv.Close)
	client := momo.New(momo.Config{
		Endpoint:    gwSrv.URL,
		PartnerCode: "MOMO",
		AccessKey:   "F8BBA842ECF85",
		SecretKey:   "K951B6PE1waDMi640xX08PD3vg6EkVlz",
		RedirectURL: "https://shop.test/return",
		IPNURL:      "https://shop.test/ipn",
		RequestType: "captureWallet",
		Timeout:     time.Second,
	}, gwSrv.Client())

	s := memory.New()
	s.PutVariant(catalog.Variant{
		ID: variantID, ProductID: "p1", ProductName: "Kart", Name: "Red", SKU: "KART-RED",
		Stock: 5, Active: true, BasePrice: d("100000"),
	})
	s.PutAddress(address.Address{ID: addressID, UserID: buyer, Recipient: "A", Line: "1 Main St"})
	s.PutCoupon(coupon.Coupon{ID: "save10", Code: "SAVE10", Type: coupon.DiscountPercentage, Value: d("10"), Active: true})
	s.PutAPIKey(auth.APIKeyInfo{
		ID: "ops", Name: "ops", KeyHash: auth.HashAPIKey(pepper, refundKey), Scopes: []string{auth.ScopeRefund},
	})

	finder := coupon.NewFinder(s)
	agg := cart.NewAggregator(s.Carts(), s, finder, cart.Settings{
		TaxRate:               d("0.08"),
		ShippingFee:           d("30000"),
		FreeShippingThreshold: d("500000"),
	})
	var payments payment.Repository = s.Payments()
	for _, w := range wrap {
		payments = w(payments)
	}
	mgr, err := payment.NewManager(client, payment.Deps{
		Tx: s, Orders: s.Orders(), Payments: payments, Coupons: s,
	})
	require.NoError(t, err)
	checkout, err := order.NewCheckout(agg, order.Deps{
		Tx: s, Carts: s.Carts(), Variants: s, Addresses: s, Orders: s.Orders(), Payments: mgr,
	})
	require.NoError(t, err)

	tokens := auth.NewTokens("test-secret", time.Hour)
	h := handler.New(handler.Deps{
		Carts:    cart.NewService(s, s.Carts(), s, finder, agg),
		Checkout: checkout,
		Payments: mgr,
		Tokens:   tokens,
		Keys:     auth.NewKeyAuthenticator(s, pepper),
	})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &env{srv: srv, store: s, gateway: gw, momo: client, tokens: tokens}
}

func (e *env) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.tokens.Issue(userID, time.Now())
	require.NoError(t, err)
	return tok
}

type call struct {
	method  string
	path    string
	body    string
	token   string
	headers map[string]string
}

type reply struct {
	status int
	body   []byte
}

// str returns the string at a dotted path of the reply object.
func (r reply) str(t *testing.T, path string) string {
	t.Helper()
	var (
		out   string
		found bool
	)
	keys := strings.Split(path, ".")
	var walk func(d *jx.Decoder, depth int) error
	walk = func(d *jx.Decoder, depth int) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			if key != keys[depth] {
				return d.Skip()
			}
			if depth < len(keys)-1 {
				return walk(d, depth+1)
			}
			found = true
			var err error
			out, err = d.Str()
			return err
		})
	}
	require.NoError(t, walk(jx.DecodeBytes(r.body), 0), string(r.body))
	require.True(t, found, "%s missing in %s", path, r.body)
	return out
}

func (e *env) do(t *testing.T, c call) reply {
	t.Helper()
	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req, err := http.NewRequest(c.method, e.srv.URL+c.path, body)
	require.NoError(t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return reply{status: resp.StatusCode, body: data}
}

func (e *env) fill(t *testing.T, token string, qty int) {
	t.Helper()
	r := e.do(t, call{
		method: http.MethodPost, path: "/api/cart/items", token: token,
		body: `{"items":[{"variantId":"` + variantID + `","quantity":` + itoa(qty) + `}]}`,
	})
	require.Equal(t, http.StatusOK, r.status, string(r.body))
}

func itoa(n int) string {
	var e jx.Encoder
	e.Int(n)
	return string(e.Bytes())
}

func TestHandler_RequiresToken(t *testing.T) {
	e := newEnv(t)

	for _, c := range []call{
		{method: http.MethodGet, path: "/api/cart"},
		{method: http.MethodGet, path: "/api/cart", token: "garbage"},
		{method: http.MethodPost, path: "/api/orders", body: `{}`},
	} {
		r := e.do(t, c)
		assert.Equal(t, http.StatusUnauthorized, r.status, c.path)
		assert.Equal(t, "UNAUTHORIZED", r.str(t, "code"))
	}
}

func TestHandler_Cart(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, buyer)

	r := e.do(t, call{method: http.MethodGet, path: "/api/cart", token: tok})
	require.Equal(t, http.StatusOK, r.status, string(r.body))
	assert.Equal(t, "0", r.str(t, "summary.total"))

	e.fill(t, tok, 2)

	r = e.do(t, call{method: http.MethodGet, path: "/api/cart/count", token: tok})
	require.Equal(t, http.StatusOK, r.status)
	assert.JSONEq(t, `{"items":1,"quantity":2}`, string(r.body))

	t.Run("ExceedsStock", func(t *testing.T) {
		r := e.do(t, call{
			method: http.MethodPost, path: "/api/cart/items", token: e.token(t, "buyer-2"),
			body: `{"items":[{"variantId":"` + variantID + `","quantity":6}]}`,
		})
		assert.Equal(t, http.StatusConflict, r.status)
		assert.Equal(t, "QUANTITY_EXCEEDS_STOCK", r.str(t, "code"))
	})
	t.Run("Malformed", func(t *testing.T) {
		r := e.do(t, call{method: http.MethodPost, path: "/api/cart/items", token: tok, body: `{"items":[`})
		assert.Equal(t, http.StatusBadRequest, r.status)
		assert.Equal(t, "VALIDATION", r.str(t, "code"))
	})
	t.Run("UpdateNeedsOneField", func(t *testing.T) {
		r := e.do(t, call{
			method: http.MethodPatch, path: "/api/cart/items/" + addressID, token: tok, body: `{}`,
		})
		assert.Equal(t, http.StatusBadRequest, r.status)
	})
	t.Run("UnknownItem", func(t *testing.T) {
		r := e.do(t, call{
			method: http.MethodPatch, path: "/api/cart/items/" + addressID, token: tok, body: `{"quantity":1}`,
		})
		assert.Equal(t, http.StatusNotFound, r.status)
		assert.Equal(t, "CART_ITEM_NOT_FOUND", r.str(t, "code"))
	})
	t.Run("Coupon", func(t *testing.T) {
		r := e.do(t, call{method: http.MethodGet, path: "/api/cart/coupons", token: tok})
		require.Equal(t, http.StatusOK, r.status)
		assert.Contains(t, string(r.body), `"code":"SAVE10"`)

		r = e.do(t, call{method: http.MethodPut, path: "/api/cart/coupon", token: tok, body: `{"code":"save10"}`})
		require.Equal(t, http.StatusOK, r.status, string(r.body))
		assert.Equal(t, "SAVE10", r.str(t, "promo.code"))
		assert.Equal(t, "20000", r.str(t, "summary.discount"))

		r = e.do(t, call{method: http.MethodPut, path: "/api/cart/coupon", token: tok, body: `{"code":"NOPE"}`})
		assert.Equal(t, http.StatusNotFound, r.status)
		assert.Equal(t, "COUPON_NOT_FOUND", r.str(t, "code"))

		r = e.do(t, call{method: http.MethodDelete, path: "/api/cart/coupon", token: tok})
		require.Equal(t, http.StatusOK, r.status)
		assert.Contains(t, string(r.body), `"promo":null`)
	})
	t.Run("PaymentMethod", func(t *testing.T) {
		r := e.do(t, call{method: http.MethodPut, path: "/api/cart/payment-method", token: tok, body: `{"method":"CARD"}`})
		assert.Equal(t, http.StatusBadRequest, r.status)
		assert.Equal(t, "INVALID_PAYMENT_METHOD", r.str(t, "code"))

		r = e.do(t, call{method: http.MethodPut, path: "/api/cart/payment-method", token: tok, body: `{"method":"MOMO"}`})
		require.Equal(t, http.StatusOK, r.status)
		r = e.do(t, call{method: http.MethodGet, path: "/api/cart/payment-method", token: tok})
		assert.Equal(t, "MOMO", r.str(t, "method"))
	})
}

func TestHandler_OrderCOD(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, buyer)
	e.fill(t, tok, 2)

	r := e.do(t, call{
		method: http.MethodPost, path: "/api/orders", token: tok,
		body: `{"addressId":"` + addressID + `","paymentMethod":"COD","notes":"ring twice"}`,
	})
	require.Equal(t, http.StatusCreated, r.status, string(r.body))
	orderID := r.str(t, "order.id")
	assert.Equal(t, "PENDING", r.str(t, "order.status"))
	assert.Equal(t, "ring twice", r.str(t, "order.notes"))
	assert.NotContains(t, string(r.body), `"payment"`)

	r = e.do(t, call{method: http.MethodGet, path: "/api/orders/" + orderID, token: tok})
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, orderID, r.str(t, "id"))

	r = e.do(t, call{method: http.MethodGet, path: "/api/orders/" + orderID, token: e.token(t, "someone-else")})
	assert.Equal(t, http.StatusNotFound, r.status)
	assert.Equal(t, "ORDER_NOT_FOUND", r.str(t, "code"))

	r = e.do(t, call{method: http.MethodGet, path: "/api/orders/not-a-uuid", token: tok})
	assert.Equal(t, http.StatusBadRequest, r.status)

	t.Run("EmptyCart", func(t *testing.T) {
		r := e.do(t, call{
			method: http.MethodPost, path: "/api/orders", token: tok,
			body: `{"addressId":"` + addressID + `","paymentMethod":"COD"}`,
		})
		assert.Equal(t, http.StatusConflict, r.status)
		assert.Equal(t, "CART_EMPTY", r.str(t, "code"))
	})
}

// ipn signs a successful wallet notification and encodes it the way the
// gateway posts it.
func (e *env) ipn(n *payment.Notification) []byte {
	n.PartnerCode = "MOMO"
	n.OrderType = "momo_wallet"
	n.TransID = "2800000001"
	n.Message = "Successful."
	n.PayType = "qr"
	n.ResponseTime = 1700000000000
	n.Signature = e.momo.SignNotification(n)

	var enc jx.Encoder
	enc.Obj(func(enc *jx.Encoder) {
		enc.Field("partnerCode", func(enc *jx.Encoder) { enc.Str(n.PartnerCode) })
		enc.Field("orderId", func(enc *jx.Encoder) { enc.Str(n.OrderID) })
		enc.Field("requestId", func(enc *jx.Encoder) { enc.Str(n.RequestID) })
		enc.Field("amount", func(enc *jx.Encoder) { enc.RawStr(n.Amount.StringFixed(0)) })
		enc.Field("orderInfo", func(enc *jx.Encoder) { enc.Str(n.OrderInfo) })
		enc.Field("orderType", func(enc *jx.Encoder) { enc.Str(n.OrderType) })
		enc.Field("transId", func(enc *jx.Encoder) { enc.RawStr(n.TransID) })
		enc.Field("resultCode", func(enc *jx.Encoder) { enc.Int(n.ResultCode) })
		enc.Field("message", func(enc *jx.Encoder) { enc.Str(n.Message) })
		enc.Field("payType", func(enc *jx.Encoder) { enc.Str(n.PayType) })
		enc.Field("responseTime", func(enc *jx.Encoder) { enc.Int64(n.ResponseTime) })
		enc.Field("extraData", func(enc *jx.Encoder) { enc.Str("") })
		enc.Field("signature", func(enc *jx.Encoder) { enc.Str(n.Signature) })
	})
	return enc.Bytes()
}

func TestHandler_OrderMoMo(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, buyer)
	e.fill(t, tok, 1)

	r := e.do(t, call{
		method: http.MethodPost, path: "/api/orders", token: tok,
		body: `{"addressId":"` + addressID + `","paymentMethod":"MOMO"}`,
	})
	require.Equal(t, http.StatusCreated, r.status, string(r.body))
	orderID := r.str(t, "order.id")
	total := r.str(t, "order.total")
	paymentID := r.str(t, "payment.paymentId")
	gwOrderID, gwRequestID := e.gateway.last()
	assert.Equal(t, "https://pay.test/"+gwOrderID, r.str(t, "payment.payUrl"))

	r = e.do(t, call{method: http.MethodGet, path: "/api/payments/" + paymentID, token: tok})
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "PENDING", r.str(t, "status"))

	t.Run("RefundBeforePayment", func(t *testing.T) {
		r := e.do(t, call{
			method: http.MethodPost, path: "/api/payments/" + paymentID + "/refunds",
			headers: map[string]string{"api_key": refundKey}, body: `{"amount":1000}`,
		})
		assert.Equal(t, http.StatusConflict, r.status)
		assert.Equal(t, "PAYMENT_NOT_REFUNDABLE", r.str(t, "code"))
	})

	ipn := e.ipn(&payment.Notification{
		OrderID:   gwOrderID,
		RequestID: gwRequestID,
		Amount:    d(total),
		OrderInfo: "Payment for order " + orderID,
	})

	tampered := bytes.Replace(ipn, []byte(`"resultCode":0`), []byte(`"resultCode":1006`), 1)
	r = e.do(t, call{method: http.MethodPost, path: "/api/payments/momo/ipn", body: string(tampered)})
	assert.Equal(t, http.StatusNoContent, r.status)
	r = e.do(t, call{method: http.MethodGet, path: "/api/orders/" + orderID, token: tok})
	assert.Equal(t, "PENDING", r.str(t, "status"))

	r = e.do(t, call{method: http.MethodPost, path: "/api/payments/momo/ipn", body: string(ipn)})
	assert.Equal(t, http.StatusNoContent, r.status)

	r = e.do(t, call{method: http.MethodGet, path: "/api/orders/" + orderID, token: tok})
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "PAID", r.str(t, "status"))
	assert.Equal(t, paymentID, r.str(t, "paymentSuccessId"))

	r = e.do(t, call{method: http.MethodGet, path: "/api/orders/" + orderID + "/payments", token: tok})
	require.Equal(t, http.StatusOK, r.status)
	assert.Contains(t, string(r.body), `"status":"SUCCEEDED"`)

	r = e.do(t, call{method: http.MethodPost, path: "/api/orders/" + orderID + "/payments/retry", token: tok})
	assert.Equal(t, http.StatusConflict, r.status)
	assert.Equal(t, "ORDER_ALREADY_PAID", r.str(t, "code"))

	t.Run("Refund", func(t *testing.T) {
		path := "/api/payments/" + paymentID + "/refunds"

		r := e.do(t, call{method: http.MethodPost, path: path, body: `{"amount":1000}`})
		assert.Equal(t, http.StatusUnauthorized, r.status)
		r = e.do(t, call{
			method: http.MethodPost, path: path, body: `{"amount":1000}`,
			headers: map[string]string{"api_key": "wrong"},
		})
		assert.Equal(t, http.StatusUnauthorized, r.status)

		ops := map[string]string{"api_key": refundKey}
		r = e.do(t, call{method: http.MethodPost, path: path, headers: ops, body: `{"description":"x"}`})
		assert.Equal(t, http.StatusBadRequest, r.status)

		r = e.do(t, call{
			method: http.MethodPost, path: path, headers: ops,
			body: `{"amount":"` + total + `","description":"returned"}`,
		})
		require.Equal(t, http.StatusCreated, r.status, string(r.body))
		assert.Equal(t, "SUCCEEDED", r.str(t, "status"))
		assert.Equal(t, 1, e.gateway.refunds)

		r = e.do(t, call{method: http.MethodGet, path: "/api/orders/" + orderID, token: tok})
		assert.Equal(t, "REFUNDED", r.str(t, "status"))

		r = e.do(t, call{method: http.MethodPost, path: path, headers: ops, body: `{"amount":1}`})
		assert.Equal(t, http.StatusConflict, r.status)
		assert.Equal(t, "REFUND_AMOUNT_EXCEEDS_PAYMENT", r.str(t, "code"))
	})
}

func TestHandler_NotificationStorageFailure(t *testing.T) {
	repo := &flakyPayments{}
	e := newEnv(t, func(r payment.Repository) payment.Repository {
		repo.Repository = r
		return repo
	})
	tok := e.token(t, buyer)
	e.fill(t, tok, 1)

	r := e.do(t, call{
		method: http.MethodPost, path: "/api/orders", token: tok,
		body: `{"addressId":"` + addressID + `","paymentMethod":"MOMO"}`,
	})
	require.Equal(t, http.StatusCreated, r.status, string(r.body))
	orderID := r.str(t, "order.id")
	gwOrderID, gwRequestID := e.gateway.last()
	body := string(e.ipn(&payment.Notification{
		OrderID:   gwOrderID,
		RequestID: gwRequestID,
		Amount:    d(r.str(t, "order.total")),
		OrderInfo: "Payment for order " + orderID,
	}))

	repo.fail.Store(true)
	r = e.do(t, call{method: http.MethodPost, path: "/api/payments/momo/ipn", body: body})
	assert.Equal(t, http.StatusInternalServerError, r.status)
	assert.Equal(t, "INTERNAL", r.str(t, "code"))
	r = e.do(t, call{method: http.MethodGet, path: "/api/orders/" + orderID, token: tok})
	assert.Equal(t, "PENDING", r.str(t, "status"))

	repo.fail.Store(false)
	r = e.do(t, call{method: http.MethodPost, path: "/api/payments/momo/ipn", body: body})
	assert.Equal(t, http.StatusNoContent, r.status)
	r = e.do(t, call{method: http.MethodGet, path: "/api/orders/" + orderID, token: tok})
	assert.Equal(t, "PAID", r.str(t, "status"))
}

func TestHandler_RateLimitKey(t *testing.T) {
	e := newEnv(t)
	h := handler.New(handler.Deps{Tokens: e.tokens})

	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	assert.Empty(t, h.RateLimitKey(req))

	req.Header.Set("Authorization", "Bearer "+e.token(t, buyer))
	assert.Equal(t, "user:"+buyer, h.RateLimitKey(req))
}

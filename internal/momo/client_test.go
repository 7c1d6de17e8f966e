package momo

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-store/internal/domain/payment"
)

const (
	testAccessKey = "F8BBA842ECF85"
	testSecretKey = "K951B6PE1waDMi640xX08PD3vg6EkVlz"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		Endpoint:    srv.URL + "/",
		PartnerCode: "MOMO",
		AccessKey:   testAccessKey,
		SecretKey:   testSecretKey,
		RedirectURL: "https://shop.test/return",
		IPNURL:      "https://shop.test/ipn",
		Timeout:     time.Second,
	}, srv.Client())
}

// readFields decodes the flat string/number fields of a request body.
func readFields(t *testing.T, r *http.Request) map[string]string {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	out := map[string]string{}
	require.NoError(t, jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		v, err := decodeScalar(d)
		out[key] = v
		return err
	}))
	return out
}

func TestParams_Canonical(t *testing.T) {
	p := params{"requestId": "r1", "amount": "100", "accessKey": "ak", "extraData": ""}
	assert.Equal(t, "accessKey=ak&amount=100&extraData=&requestId=r1", p.canonical())
}

func TestClient_Create(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathCreate, r.URL.Path)
		f := readFields(t, r)
		assert.Equal(t, "194", f["amount"])
		assert.Equal(t, "captureWallet", f["requestType"])
		assert.Equal(t, "59f678930d232dd7ecdbffdbf290338102e3da6ade2446646bffa477ac7b7334", f["signature"])

		_, _ = io.WriteString(w, `{"partnerCode":"MOMO","orderId":"MOMO-o1-1-1700000000000",`+
			`"resultCode":0,"message":"Successful.","payUrl":"https://pay.test/p",`+
			`"deeplink":"momo://p","qrCodeUrl":"https://pay.test/qr","responseTime":1700000000100,`+
			`"newField":{"nested":[1,2]}}`)
	})

	resp, err := c.Create(context.Background(), payment.CreateRequest{
		RequestID: "MOMO-o1-1-1700000000000",
		OrderID:   "MOMO-o1-1-1700000000000",
		Amount:    decimal.NewFromInt(194),
		OrderInfo: "Payment for order o1",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ResultCode)
	assert.Equal(t, "https://pay.test/p", resp.PayURL)
	assert.Equal(t, "momo://p", resp.Deeplink)
	assert.Equal(t, "https://pay.test/qr", resp.QRCodeURL)
	assert.Contains(t, string(resp.Raw), "newField")
}

func TestClient_CreateRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"resultCode":"1005","message":"Invalid signature"}`)
	})

	resp, err := c.Create(context.Background(), payment.CreateRequest{
		RequestID: "r", OrderID: "o", Amount: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.Equal(t, 1005, resp.ResultCode)
	assert.Equal(t, "Invalid signature", resp.Message)
}

func TestClient_HTTPErrorKeepsPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":"upstream down"}`)
	})

	_, err := c.Query(context.Background(), payment.QueryRequest{RequestID: "r", OrderID: "o"})
	require.Error(t, err)

	var rp payment.RawPayloader
	require.True(t, errors.As(err, &rp))
	assert.JSONEq(t, `{"error":"upstream down"}`, string(rp.RawPayload()))

	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusBadGateway, gwErr.StatusCode)
	assert.Equal(t, "query", gwErr.Op)
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
	})
	defer close(release)
	c.cfg.Timeout = 50 * time.Millisecond

	_, err := c.Query(context.Background(), payment.QueryRequest{RequestID: "r", OrderID: "o"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_QueryAndRefund(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		f := readFields(t, r)
		switch r.URL.Path {
		case pathQuery:
			want := sign(testSecretKey, params{
				"accessKey": testAccessKey, "orderId": "o1", "partnerCode": "MOMO", "requestId": "r1",
			})
			assert.Equal(t, want, f["signature"])
			_, _ = io.WriteString(w, `{"resultCode":0,"message":"ok","transId":4088878653,"refundTrans":[]}`)
		case pathRefund:
			assert.Equal(t, "4088878653", f["transId"])
			assert.Equal(t, "50", f["amount"])
			_, _ = io.WriteString(w, `{"resultCode":0,"message":"refunded","transId":4088878999}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	q, err := c.Query(context.Background(), payment.QueryRequest{RequestID: "r1", OrderID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, "4088878653", q.TransID)

	rf, err := c.Refund(context.Background(), payment.RefundRequest{
		RequestID: "r2", OrderID: "r2", Amount: decimal.NewFromInt(50), TransID: q.TransID,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, rf.ResultCode)
	assert.Equal(t, "4088878999", rf.TransID)
}

func TestClient_ResponseWithoutResultCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"message":"?"}`)
	})

	_, err := c.Query(context.Background(), payment.QueryRequest{RequestID: "r", OrderID: "o"})
	require.Error(t, err)
	var rp payment.RawPayloader
	require.True(t, errors.As(err, &rp))
	assert.Equal(t, `{"message":"?"}`, string(rp.RawPayload()))
}

func TestClient_Notification(t *testing.T) {
	c := New(Config{PartnerCode: "MOMO", AccessKey: testAccessKey, SecretKey: testSecretKey}, nil)

	n := &payment.Notification{
		PartnerCode:  "MOMO",
		OrderID:      "MOMO-o1-1-1700000000000",
		RequestID:    "MOMO-o1-1-1700000000000",
		Amount:       decimal.NewFromInt(194),
		OrderInfo:    "Payment for order o1",
		OrderType:    "momo_wallet",
		TransID:      "4088878653",
		ResultCode:   0,
		Message:      "Successful.",
		PayType:      "qr",
		ResponseTime: 1700000000100,
	}
	sig := c.SignNotification(n)

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		field(e, "partnerCode", n.PartnerCode)
		field(e, "orderId", n.OrderID)
		field(e, "requestId", n.RequestID)
		e.Field("amount", func(e *jx.Encoder) { e.Int64(194) })
		field(e, "orderInfo", n.OrderInfo)
		field(e, "orderType", n.OrderType)
		e.Field("transId", func(e *jx.Encoder) { e.Int64(4088878653) })
		e.Field("resultCode", func(e *jx.Encoder) { e.Int(0) })
		field(e, "message", n.Message)
		field(e, "payType", n.PayType)
		e.Field("responseTime", func(e *jx.Encoder) { e.Int64(1700000000100) })
		field(e, "extraData", "")
		field(e, "signature", sig)
		field(e, "unknown", "ignored")
	})

	parsed, err := c.ParseNotification(e.Bytes())
	require.NoError(t, err)
	assert.Equal(t, n.OrderID, parsed.OrderID)
	assert.Equal(t, "4088878653", parsed.TransID)
	assert.True(t, decimal.NewFromInt(194).Equal(parsed.Amount))
	assert.True(t, c.VerifyNotification(parsed))

	parsed.Amount = decimal.NewFromInt(1)
	assert.False(t, c.VerifyNotification(parsed), "tampered amount")

	parsed.Amount = decimal.NewFromInt(194)
	parsed.Signature = "zz"
	assert.False(t, c.VerifyNotification(parsed), "malformed signature")

	_, err = c.ParseNotification([]byte(`{"resultCode":0}`))
	require.Error(t, err)
}

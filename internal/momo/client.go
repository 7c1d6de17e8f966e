// Package momo is a client for the MoMo e-wallet payment gateway (API v2).
package momo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-store/internal/domain/payment"
)

// Gateway endpoints, relative to Config.Endpoint.
const (
	pathCreate = "/v2/gateway/api/create"
	pathQuery  = "/v2/gateway/api/query"
	pathRefund = "/v2/gateway/api/refund"
)

const maxBodySize = 1 << 20

var _ payment.Gateway = (*Client)(nil)

// Config holds the merchant credentials and callback URLs.
type Config struct {
	Endpoint    string
	PartnerCode string
	AccessKey   string
	SecretKey   string
	RedirectURL string
	IPNURL      string
	RequestType string
	Lang        string
	// Timeout bounds every gateway call.
	Timeout time.Duration
}

// Client calls the MoMo gateway.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client. A nil httpClient means http.DefaultClient.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestType == "" {
		cfg.RequestType = "captureWallet"
	}
	if cfg.Lang == "" {
		cfg.Lang = "vi"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Client{cfg: cfg, http: httpClient}
}

// Name implements payment.Gateway.
func (c *Client) Name() string { return "MOMO" }

// PartnerCode implements payment.Gateway.
func (c *Client) PartnerCode() string { return c.cfg.PartnerCode }

// Error is a failed gateway call. Body holds the upstream response, if any.
type Error struct {
	Op         string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("momo %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("momo %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RawPayload implements payment.RawPayloader.
func (e *Error) RawPayload() []byte { return e.Body }

// Create implements payment.Gateway.
func (c *Client) Create(ctx context.Context, req payment.CreateRequest) (*payment.CreateResponse, error) {
	amount := amountOf(req.Amount)
	sig := sign(c.cfg.SecretKey, params{
		"accessKey":   c.cfg.AccessKey,
		"amount":      amount,
		"extraData":   req.ExtraData,
		"ipnUrl":      c.cfg.IPNURL,
		"orderId":     req.OrderID,
		"orderInfo":   req.OrderInfo,
		"partnerCode": c.cfg.PartnerCode,
		"redirectUrl": c.cfg.RedirectURL,
		"requestId":   req.RequestID,
		"requestType": c.cfg.RequestType,
	})

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		field(e, "partnerCode", c.cfg.PartnerCode)
		field(e, "requestId", req.RequestID)
		e.Field("amount", func(e *jx.Encoder) { e.RawStr(amount) })
		field(e, "orderId", req.OrderID)
		field(e, "orderInfo", req.OrderInfo)
		field(e, "redirectUrl", c.cfg.RedirectURL)
		field(e, "ipnUrl", c.cfg.IPNURL)
		field(e, "requestType", c.cfg.RequestType)
		field(e, "extraData", req.ExtraData)
		field(e, "lang", c.cfg.Lang)
		field(e, "signature", sig)
	})

	body, err := c.post(ctx, "create", pathCreate, e.Bytes())
	if err != nil {
		return nil, err
	}
	r, err := decodeResponse(body)
	if err != nil {
		return nil, &Error{Op: "create", Body: body, Err: err}
	}
	return &payment.CreateResponse{
		ResultCode: r.ResultCode,
		Message:    r.Message,
		PayURL:     r.PayURL,
		Deeplink:   r.Deeplink,
		QRCodeURL:  r.QRCodeURL,
		Raw:        body,
	}, nil
}

// Query implements payment.Gateway.
func (c *Client) Query(ctx context.Context, req payment.QueryRequest) (*payment.Result, error) {
	sig := sign(c.cfg.SecretKey, params{
		"accessKey":   c.cfg.AccessKey,
		"orderId":     req.OrderID,
		"partnerCode": c.cfg.PartnerCode,
		"requestId":   req.RequestID,
	})

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		field(e, "partnerCode", c.cfg.PartnerCode)
		field(e, "requestId", req.RequestID)
		field(e, "orderId", req.OrderID)
		field(e, "lang", c.cfg.Lang)
		field(e, "signature", sig)
	})

	body, err := c.post(ctx, "query", pathQuery, e.Bytes())
	if err != nil {
		return nil, err
	}
	r, err := decodeResponse(body)
	if err != nil {
		return nil, &Error{Op: "query", Body: body, Err: err}
	}
	return &payment.Result{
		ResultCode: r.ResultCode,
		Message:    r.Message,
		TransID:    r.TransID,
		Raw:        body,
	}, nil
}

// Refund implements payment.Gateway.
func (c *Client) Refund(ctx context.Context, req payment.RefundRequest) (*payment.Result, error) {
	amount := amountOf(req.Amount)
	sig := sign(c.cfg.SecretKey, params{
		"accessKey":   c.cfg.AccessKey,
		"amount":      amount,
		"description": req.Description,
		"orderId":     req.OrderID,
		"partnerCode": c.cfg.PartnerCode,
		"requestId":   req.RequestID,
		"transId":     req.TransID,
	})

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		field(e, "partnerCode", c.cfg.PartnerCode)
		field(e, "orderId", req.OrderID)
		field(e, "requestId", req.RequestID)
		e.Field("amount", func(e *jx.Encoder) { e.RawStr(amount) })
		e.Field("transId", func(e *jx.Encoder) { number(e, req.TransID) })
		field(e, "lang", c.cfg.Lang)
		field(e, "description", req.Description)
		field(e, "signature", sig)
	})

	body, err := c.post(ctx, "refund", pathRefund, e.Bytes())
	if err != nil {
		return nil, err
	}
	r, err := decodeResponse(body)
	if err != nil {
		return nil, &Error{Op: "refund", Body: body, Err: err}
	}
	return &payment.Result{
		ResultCode: r.ResultCode,
		Message:    r.Message,
		TransID:    r.TransID,
		Raw:        body,
	}, nil
}

// post sends body within the configured timeout. Transport failures and
// non-2xx answers are returned as *Error.
func (c *Client) post(ctx context.Context, op, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "read body")}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       data,
			Err:        errors.Errorf("unexpected status %s", http.StatusText(resp.StatusCode)),
		}
	}
	return data, nil
}

// response is the union of the fields this client reads from gateway
// answers. Other fields are skipped.
type response struct {
	ResultCode int
	Message    string
	PayURL     string
	Deeplink   string
	QRCodeURL  string
	TransID    string
}

func decodeResponse(body []byte) (*response, error) {
	var r response
	hasCode := false
	if err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "resultCode":
			hasCode = true
			r.ResultCode, err = decodeInt(d)
		case "message":
			r.Message, err = decodeScalar(d)
		case "payUrl":
			r.PayURL, err = decodeScalar(d)
		case "deeplink":
			r.Deeplink, err = decodeScalar(d)
		case "qrCodeUrl":
			r.QRCodeURL, err = decodeScalar(d)
		case "transId":
			r.TransID, err = decodeScalar(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	}); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	if !hasCode {
		return nil, errors.New("response without resultCode")
	}
	return &r, nil
}

// decodeScalar reads a string, number or null as text.
func decodeScalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.Null:
		return "", d.Null()
	default:
		return "", d.Skip()
	}
}

func decodeInt(d *jx.Decoder) (int, error) {
	s, err := decodeScalar(d)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

// number writes s as a JSON number when it is an integer literal and as a
// string otherwise.
func number(e *jx.Encoder, s string) {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		e.RawStr(s)
		return
	}
	e.Str(s)
}

func field(e *jx.Encoder, name, value string) {
	e.Field(name, func(e *jx.Encoder) { e.Str(value) })
}

// amountOf renders a VND amount as an integer literal.
func amountOf(d decimal.Decimal) string {
	return d.Round(0).StringFixed(0)
}

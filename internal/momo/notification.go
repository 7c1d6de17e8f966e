package momo

import (
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-store/internal/domain/payment"
)

// ParseNotification implements payment.Gateway. It decodes an IPN body,
// skipping fields it does not know.
func (c *Client) ParseNotification(body []byte) (*payment.Notification, error) {
	var (
		n      payment.Notification
		amount string
	)
	if err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		var (
			s   string
			err error
		)
		switch key {
		case "partnerCode", "orderId", "requestId", "amount", "orderInfo", "orderType",
			"transId", "resultCode", "message", "payType", "responseTime", "extraData", "signature":
			s, err = decodeScalar(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}

		switch key {
		case "partnerCode":
			n.PartnerCode = s
		case "orderId":
			n.OrderID = s
		case "requestId":
			n.RequestID = s
		case "amount":
			amount = s
		case "orderInfo":
			n.OrderInfo = s
		case "orderType":
			n.OrderType = s
		case "transId":
			n.TransID = s
		case "resultCode":
			if n.ResultCode, err = strconv.Atoi(s); err != nil {
				return errors.Wrap(err, key)
			}
		case "message":
			n.Message = s
		case "payType":
			n.PayType = s
		case "responseTime":
			if n.ResponseTime, err = strconv.ParseInt(s, 10, 64); err != nil {
				return errors.Wrap(err, key)
			}
		case "extraData":
			n.ExtraData = s
		case "signature":
			n.Signature = s
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode notification")
	}

	if n.OrderID == "" || n.RequestID == "" || n.Signature == "" {
		return nil, errors.New("notification without identifiers or signature")
	}
	if amount != "" {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, errors.Wrap(err, "amount")
		}
		n.Amount = d
	}
	return &n, nil
}

// VerifyNotification implements payment.Gateway.
func (c *Client) VerifyNotification(n *payment.Notification) bool {
	if n.PartnerCode != c.cfg.PartnerCode {
		return false
	}
	return verify(c.cfg.SecretKey, notificationParams(c.cfg.AccessKey, n), n.Signature)
}

// SignNotification computes the signature the gateway puts on n. It is used
// to build notifications in tests and sandbox tooling.
func (c *Client) SignNotification(n *payment.Notification) string {
	return sign(c.cfg.SecretKey, notificationParams(c.cfg.AccessKey, n))
}

func notificationParams(accessKey string, n *payment.Notification) params {
	return params{
		"accessKey":    accessKey,
		"amount":       amountOf(n.Amount),
		"extraData":    n.ExtraData,
		"message":      n.Message,
		"orderId":      n.OrderID,
		"orderInfo":    n.OrderInfo,
		"orderType":    n.OrderType,
		"partnerCode":  n.PartnerCode,
		"payType":      n.PayType,
		"requestId":    n.RequestID,
		"responseTime": strconv.FormatInt(n.ResponseTime, 10),
		"resultCode":   strconv.Itoa(n.ResultCode),
		"transId":      n.TransID,
	}
}

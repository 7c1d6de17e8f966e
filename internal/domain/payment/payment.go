// Package payment manages wallet payment attempts, gateway notifications and
// refunds for orders.
package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-store/internal/domain/apperr"
	"github.com/xenking/kart-store/internal/domain/cart"
)

// Sentinel errors for payment operations.
var (
	ErrNotFound            = apperr.NotFound("PAYMENT_NOT_FOUND", "payment not found")
	ErrMissingProviderIDs  = apperr.Conflict("MISSING_PROVIDER_IDS", "payment has no gateway identifiers")
	ErrNotRefundable       = apperr.Conflict("PAYMENT_NOT_REFUNDABLE", "only succeeded payments with a transaction id can be refunded")
	ErrRefundExceedsAmount = apperr.Conflict("REFUND_AMOUNT_EXCEEDS_PAYMENT", "refunds exceed the charged amount")
)

// Status is the state of a payment attempt.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusAuthorized Status = "AUTHORIZED"
	StatusFailed     Status = "FAILED"
)

// Gateway result codes with a dedicated meaning. Every other code is a
// failure.
const (
	ResultSuccess    = 0
	ResultAuthorized = 9000
)

// StatusForResult maps a gateway result code to a payment status.
func StatusForResult(code int) Status {
	switch code {
	case ResultSuccess:
		return StatusSucceeded
	case ResultAuthorized:
		return StatusAuthorized
	default:
		return StatusFailed
	}
}

// Payment is one attempt to pay an order through the gateway.
type Payment struct {
	ID      string
	OrderID string
	// Attempt is sequential per order, starting at 1.
	Attempt           int
	Method            cart.PaymentMethod
	Amount            decimal.Decimal
	Status            Status
	ProviderRequestID string
	ProviderOrderID   string
	ProviderTransID   string
	PayURL            string
	Deeplink          string
	QRCodeURL         string
	ResultCode        *int
	Message           string
	// ErrorMessage records a transport failure of the creation call.
	ErrorMessage string
	RawResponse  []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Refund is a refund request made against a payment.
type Refund struct {
	ID                string
	PaymentID         string
	Amount            decimal.Decimal
	Description       string
	Status            Status
	ProviderRequestID string
	ProviderTransID   string
	ResultCode        *int
	Message           string
	RawResponse       []byte
	CreatedAt         time.Time
}

// WebhookEvent is the verbatim audit record of a gateway notification.
type WebhookEvent struct {
	ID             string
	Provider       string
	PaymentID      *string
	Payload        []byte
	SignatureValid bool
	ReceivedAt     time.Time
}

// Repository persists payments, refunds and webhook audit records. Inside an
// atomic unit Get locks the payment row.
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	// Update stores the mutable fields of p.
	Update(ctx context.Context, p *Payment) error
	// ListByOrder returns the payments of an order ordered by attempt.
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	// NextAttempt returns the attempt number for a new payment of the order.
	NextAttempt(ctx context.Context, orderID string) (int, error)
	// FindByProvider matches a payment by its gateway request and order ids.
	FindByProvider(ctx context.Context, requestID, orderID string) (*Payment, error)
	CreateRefund(ctx context.Context, r *Refund) error
	// UpdateRefund stores the gateway outcome of a reserved refund.
	UpdateRefund(ctx context.Context, r *Refund) error
	ListRefunds(ctx context.Context, paymentID string) ([]Refund, error)
	SaveWebhook(ctx context.Context, e *WebhookEvent) error
}

// CreateRequest opens a charge at the gateway.
type CreateRequest struct {
	RequestID string
	OrderID   string
	Amount    decimal.Decimal
	OrderInfo string
	ExtraData string
}

// CreateResponse is the gateway's answer to CreateRequest.
type CreateResponse struct {
	ResultCode int
	Message    string
	PayURL     string
	Deeplink   string
	QRCodeURL  string
	Raw        []byte
}

// QueryRequest asks for the current state of a charge.
type QueryRequest struct {
	RequestID string
	OrderID   string
}

// Result is a charge outcome reported by the gateway, either queried or
// notified.
type Result struct {
	ResultCode int
	Message    string
	TransID    string
	Raw        []byte
}

// RefundRequest refunds part or all of a captured charge.
type RefundRequest struct {
	RequestID   string
	OrderID     string
	Amount      decimal.Decimal
	TransID     string
	Description string
}

// Notification is an asynchronous charge result pushed by the gateway.
type Notification struct {
	PartnerCode  string
	OrderID      string
	RequestID    string
	Amount       decimal.Decimal
	OrderInfo    string
	OrderType    string
	TransID      string
	ResultCode   int
	Message      string
	PayType      string
	ResponseTime int64
	ExtraData    string
	Signature    string
}

// Gateway is the wallet payment service. Errors returned by its calls may
// implement RawPayloader to expose the upstream body.
type Gateway interface {
	Name() string
	PartnerCode() string
	Create(ctx context.Context, req CreateRequest) (*CreateResponse, error)
	Query(ctx context.Context, req QueryRequest) (*Result, error)
	Refund(ctx context.Context, req RefundRequest) (*Result, error)
	// ParseNotification decodes a notification body.
	ParseNotification(body []byte) (*Notification, error)
	// VerifyNotification checks the notification signature.
	VerifyNotification(n *Notification) bool
}

// RawPayloader is implemented by gateway errors that carry the upstream body.
type RawPayloader interface {
	RawPayload() []byte
}

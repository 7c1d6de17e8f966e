package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-store/internal/domain/apperr"
	"github.com/xenking/kart-store/internal/domain/cart"
)

// Sentinel errors for order operations.
var (
	ErrNotFound          = apperr.NotFound("ORDER_NOT_FOUND", "order not found")
	ErrCancelled         = apperr.Conflict("ORDER_CANCELLED", "order is cancelled")
	ErrAlreadyPaid       = apperr.Conflict("ORDER_ALREADY_PAID", "order is already paid")
	ErrInvalidTransition = apperr.Conflict("INVALID_STATUS_TRANSITION", "order status transition not allowed")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusPaid       Status = "PAID"
	StatusFulfilling Status = "FULFILLING"
	StatusShipped    Status = "SHIPPED"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
)

// transitions lists the allowed target states per state. PAID may be set
// again by a duplicate success notification.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusPaid, StatusCancelled},
	StatusConfirmed:  {StatusPaid, StatusFulfilling, StatusCancelled},
	StatusPaid:       {StatusPaid, StatusFulfilling, StatusCancelled, StatusRefunded},
	StatusFulfilling: {StatusShipped, StatusCancelled, StatusRefunded},
	StatusShipped:    {StatusCompleted, StatusRefunded},
	StatusCompleted:  {StatusRefunded},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Order is a placed order with its pricing snapshot.
type Order struct {
	ID            string
	UserID        string
	AddressID     string
	Status        Status
	PaymentMethod cart.PaymentMethod
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	ShippingFee   decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
	Notes         string
	Items         []Item
	Coupon        *AppliedCoupon
	// PaymentSuccessID anchors the first successful payment. Once set it is
	// never overwritten.
	PaymentSuccessID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Paid reports whether the order has a successful payment.
func (o *Order) Paid() bool {
	return o.PaymentSuccessID != nil
}

// Item is an order line with the prices charged at checkout.
type Item struct {
	ID          string
	OrderID     string
	VariantID   string
	ProductName string
	VariantName string
	SKU         string
	Quantity    int
	ListPrice   decimal.Decimal
	UnitPrice   decimal.Decimal
	TaxAmount   decimal.Decimal
}

// AppliedCoupon is the coupon snapshot taken at checkout.
type AppliedCoupon struct {
	CouponID       string
	Code           string
	DiscountAmount decimal.Decimal
}

// Repository persists orders. Inside an atomic unit Get locks the order row.
type Repository interface {
	// Create stores the order with its items and coupon snapshot.
	Create(ctx context.Context, o *Order) error
	// Get returns the order with items and coupon, or ErrNotFound.
	Get(ctx context.Context, id string) (*Order, error)
	SetStatus(ctx context.Context, id string, status Status) error
	// SetPaymentSuccess sets status PAID and anchors paymentID.
	SetPaymentSuccess(ctx context.Context, id, paymentID string) error
}

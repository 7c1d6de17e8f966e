package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-store/internal/domain/address"
	"github.com/xenking/kart-store/internal/domain/apperr"
	"github.com/xenking/kart-store/internal/domain/cart"
	"github.com/xenking/kart-store/internal/domain/catalog"
	"github.com/xenking/kart-store/internal/domain/txn"
	"github.com/xenking/kart-store/internal/events"
)

// ErrPaymentUnavailable is reported when the wallet gateway is not configured.
var ErrPaymentUnavailable = apperr.Conflict("PAYMENT_METHOD_UNAVAILABLE", "payment method is not available")

// PaymentStarter opens a wallet payment attempt for a placed order.
type PaymentStarter interface {
	StartPayment(ctx context.Context, o *Order) (*PaymentLink, error)
}

// PaymentLink is what the buyer needs to complete a wallet payment.
type PaymentLink struct {
	PaymentID string
	Attempt   int
	PayURL    string
	Deeplink  string
	QRCodeURL string
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	AddressID     string
	PaymentMethod string
	Notes         string
}

// PlaceOrderResult holds the committed order and, for wallet orders, the
// outcome of opening the first payment attempt. PaymentError is set when the
// order was placed but the attempt could not be opened.
type PlaceOrderResult struct {
	Order        *Order
	Summary      cart.Summary
	Payment      *PaymentLink
	PaymentError error
}

// Deps are the collaborators of Checkout.
type Deps struct {
	Tx        txn.Runner
	Carts     cart.Repository
	Variants  catalog.Repository
	Addresses address.Repository
	Orders    Repository
	// Payments may be nil when no wallet gateway is configured.
	Payments PaymentStarter
	// Events and Meter default to no-op implementations.
	Events events.Publisher
	Meter  metric.MeterProvider
}

// Checkout converts carts into orders.
type Checkout struct {
	tx        txn.Runner
	agg       *cart.Aggregator
	carts     cart.Repository
	variants  catalog.Repository
	addresses address.Repository
	orders    Repository
	payments  PaymentStarter
	events    events.Publisher
	placed    metric.Int64Counter
	now       func() time.Time
}

// NewCheckout creates a Checkout.
func NewCheckout(agg *cart.Aggregator, deps Deps) (*Checkout, error) {
	mp := deps.Meter
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	placed, err := mp.Meter("kart/order").Int64Counter("kart.orders.placed",
		metric.WithDescription("Number of orders placed"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "orders placed counter")
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Checkout{
		tx:        deps.Tx,
		agg:       agg,
		carts:     deps.Carts,
		variants:  deps.Variants,
		addresses: deps.Addresses,
		orders:    deps.Orders,
		payments:  deps.Payments,
		events:    pub,
		placed:    placed,
		now:       time.Now,
	}, nil
}

// PlaceOrder turns the user's cart into a PENDING order in one atomic unit.
// For wallet orders the first payment attempt is opened after commit; its
// failure is reported in the result and never undoes the order.
func (s *Checkout) PlaceOrder(ctx context.Context, userID string, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if err := apperr.RequireID("addressId", req.AddressID); err != nil {
		return nil, err
	}
	method, err := cart.ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	var (
		o       *Order
		summary cart.Summary
	)
	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.addresses.GetForUser(ctx, userID, req.AddressID); err != nil {
			if errors.Is(err, address.ErrNotFound) {
				return address.ErrNotFound
			}
			return errors.Wrap(err, "get address")
		}

		c, err := s.carts.GetByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, cart.ErrCartNotFound) {
				return cart.ErrCartEmpty
			}
			return errors.Wrap(err, "get cart")
		}

		view, err := s.agg.Build(ctx, c)
		if err != nil {
			return errors.Wrap(err, "compute cart")
		}
		if view.IsEmpty() {
			return cart.ErrCartEmpty
		}
		if err := s.checkStock(ctx, view); err != nil {
			return err
		}

		o = s.newOrder(userID, req, method, view)
		if err := s.orders.Create(ctx, o); err != nil {
			return errors.Wrap(err, "create order")
		}
		for _, it := range o.Items {
			if err := s.variants.DecrementStock(ctx, it.VariantID, it.Quantity); err != nil {
				return errors.Wrapf(err, "decrement stock of %s", it.VariantID)
			}
		}

		if err := s.carts.ClearItems(ctx, c.ID); err != nil {
			return errors.Wrap(err, "clear items")
		}
		if err := s.carts.ClearCoupon(ctx, c.ID); err != nil {
			return errors.Wrap(err, "clear coupon")
		}
		if err := s.carts.SetPaymentMethod(ctx, c.ID, method); err != nil {
			return errors.Wrap(err, "set payment method")
		}
		summary = view.Summary
		return nil
	}); err != nil {
		return nil, err
	}

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))
	lg.Info("Order placed",
		zap.String("total", o.Total.String()),
		zap.String("payment_method", string(method)),
	)
	s.placed.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", string(method))))
	s.events.Publish(ctx, placedEvent(o))

	res := &PlaceOrderResult{Order: o, Summary: summary}
	if method != cart.PaymentMoMo {
		return res, nil
	}
	if s.payments == nil {
		res.PaymentError = ErrPaymentUnavailable
		return res, nil
	}
	link, err := s.payments.StartPayment(ctx, o)
	if err != nil {
		lg.Warn("Open payment attempt", zap.Error(err))
		res.PaymentError = err
		return res, nil
	}
	res.Payment = link
	return res, nil
}

// checkStock re-reads every variant under lock. The first violation wins.
func (s *Checkout) checkStock(ctx context.Context, view *cart.View) error {
	for _, it := range view.Items {
		v, err := s.variants.GetVariant(ctx, it.VariantID)
		if err != nil {
			return errors.Wrap(err, "get variant")
		}
		if !v.Active {
			return cart.ErrVariantInactive.With("variantId", v.ID)
		}
		if v.Stock <= 0 {
			return cart.ErrOutOfStock.With("variantId", v.ID)
		}
		if it.Quantity > v.Stock {
			return cart.ErrQuantityExceedsStock.With("variantId", v.ID).With("max", v.Stock)
		}
	}
	return nil
}

func (s *Checkout) newOrder(userID string, req PlaceOrderRequest, method cart.PaymentMethod, view *cart.View) *Order {
	now := s.now()
	sum := view.Summary
	o := &Order{
		ID:            uuid.NewString(),
		UserID:        userID,
		AddressID:     req.AddressID,
		Status:        StatusPending,
		PaymentMethod: method,
		Subtotal:      sum.Subtotal,
		Discount:      sum.Discount,
		ShippingFee:   sum.Shipping,
		Tax:           sum.Tax,
		Total:         sum.Total,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	lines := make([]TaxLine, len(view.Items))
	for i, it := range view.Items {
		lines[i] = TaxLine{UnitPrice: it.UnitPrice, Quantity: it.Quantity}
	}
	taxes := AllocateTax(lines, sum.Tax, s.agg.Settings().Scale)

	o.Items = make([]Item, len(view.Items))
	for i, it := range view.Items {
		o.Items[i] = Item{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			VariantID:   it.VariantID,
			ProductName: it.ProductName,
			VariantName: it.VariantName,
			SKU:         it.SKU,
			Quantity:    it.Quantity,
			ListPrice:   it.ListPrice,
			UnitPrice:   it.UnitPrice,
			TaxAmount:   taxes[i],
		}
	}

	if view.Promo != nil {
		o.Coupon = &AppliedCoupon{
			CouponID:       view.Promo.CouponID,
			Code:           view.Promo.Code,
			DiscountAmount: sum.Discount,
		}
	}
	return o
}

// Get returns an order owned by the user.
func (s *Checkout) Get(ctx context.Context, userID, orderID string) (*Order, error) {
	if err := apperr.RequireID("orderId", orderID); err != nil {
		return nil, err
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get order")
	}
	if o.UserID != userID {
		return nil, ErrNotFound
	}
	return o, nil
}

func placedEvent(o *Order) events.Event {
	return events.New(events.TypeOrderPlaced, o.ID, func(e *jx.Encoder) {
		e.Field("orderId", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("userId", func(e *jx.Encoder) { e.Str(o.UserID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("paymentMethod", func(e *jx.Encoder) { e.Str(string(o.PaymentMethod)) })
		e.Field("total", func(e *jx.Encoder) { e.Str(o.Total.String()) })
		e.Field("items", func(e *jx.Encoder) { e.Int(len(o.Items)) })
		if o.Coupon != nil {
			e.Field("coupon", func(e *jx.Encoder) { e.Str(o.Coupon.Code) })
		}
	})
}

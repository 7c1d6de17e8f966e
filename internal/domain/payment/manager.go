package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/kart-store/internal/domain/apperr"
	"github.com/xenking/kart-store/internal/domain/cart"
	"github.com/xenking/kart-store/internal/domain/coupon"
	"github.com/xenking/kart-store/internal/domain/order"
	"github.com/xenking/kart-store/internal/domain/txn"
	"github.com/xenking/kart-store/internal/events"
)

// Deps are the collaborators of Manager.
type Deps struct {
	Tx       txn.Runner
	Orders   order.Repository
	Payments Repository
	Coupons  coupon.Repository
	// Events and Meter default to no-op implementations.
	Events events.Publisher
	Meter  metric.MeterProvider
}

// Manager runs payment attempts against a Gateway.
type Manager struct {
	tx       txn.Runner
	orders   order.Repository
	payments Repository
	coupons  coupon.Repository
	gateway  Gateway
	events   events.Publisher
	sync     singleflight.Group
	now      func() time.Time

	attempts metric.Int64Counter
	results  metric.Int64Counter
	refunds  metric.Int64Counter
}

// NewManager creates a Manager for the given gateway.
func NewManager(gw Gateway, deps Deps) (*Manager, error) {
	mp := deps.Meter
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter("kart/payment")

	m := &Manager{
		tx:       deps.Tx,
		orders:   deps.Orders,
		payments: deps.Payments,
		coupons:  deps.Coupons,
		gateway:  gw,
		events:   deps.Events,
		now:      time.Now,
	}
	if m.events == nil {
		m.events = events.Nop{}
	}

	var err error
	if m.attempts, err = meter.Int64Counter("kart.payments.attempts",
		metric.WithDescription("Payment attempts opened at the gateway"),
	); err != nil {
		return nil, errors.Wrap(err, "attempts counter")
	}
	if m.results, err = meter.Int64Counter("kart.payments.results",
		metric.WithDescription("Payment results applied, by status"),
	); err != nil {
		return nil, errors.Wrap(err, "results counter")
	}
	if m.refunds, err = meter.Int64Counter("kart.payments.refunds",
		metric.WithDescription("Refund requests, by status"),
	); err != nil {
		return nil, errors.Wrap(err, "refunds counter")
	}
	return m, nil
}

// CreateAttempt opens a new payment attempt for an order of the user.
func (m *Manager) CreateAttempt(ctx context.Context, userID, orderID string) (*Payment, error) {
	o, err := m.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	return m.createAttempt(ctx, o)
}

// RetryPayment opens a further attempt for an order whose previous attempts
// did not succeed.
func (m *Manager) RetryPayment(ctx context.Context, userID, orderID string) (*Payment, error) {
	o, err := m.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Retrying payment", zap.String("order_id", o.ID))
	return m.createAttempt(ctx, o)
}

// StartPayment opens the first attempt of a freshly placed order.
func (m *Manager) StartPayment(ctx context.Context, o *order.Order) (*order.PaymentLink, error) {
	p, err := m.createAttempt(ctx, o)
	if err != nil {
		return nil, err
	}
	return &order.PaymentLink{
		PaymentID: p.ID,
		Attempt:   p.Attempt,
		PayURL:    p.PayURL,
		Deeplink:  p.Deeplink,
		QRCodeURL: p.QRCodeURL,
	}, nil
}

func (m *Manager) createAttempt(ctx context.Context, o *order.Order) (*Payment, error) {
	var p *Payment
	if err := m.tx.InTx(ctx, func(ctx context.Context) error {
		locked, err := m.orders.Get(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "get order")
		}
		if err := payable(locked); err != nil {
			return err
		}

		attempt, err := m.payments.NextAttempt(ctx, locked.ID)
		if err != nil {
			return errors.Wrap(err, "next attempt")
		}
		now := m.now()
		ref := m.requestID(locked.ID, fmt.Sprint(attempt), now)
		p = &Payment{
			ID:                uuid.NewString(),
			OrderID:           locked.ID,
			Attempt:           attempt,
			Method:            cart.PaymentMoMo,
			Amount:            locked.Total,
			Status:            StatusPending,
			ProviderRequestID: ref,
			ProviderOrderID:   ref,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		return m.payments.Create(ctx, p)
	}); err != nil {
		return nil, err
	}

	lg := zctx.From(ctx).With(
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.Int("attempt", p.Attempt),
	)
	m.attempts.Add(ctx, 1)

	resp, callErr := m.gateway.Create(ctx, CreateRequest{
		RequestID: p.ProviderRequestID,
		OrderID:   p.ProviderOrderID,
		Amount:    p.Amount,
		OrderInfo: "Payment for order " + p.OrderID,
	})

	// The audit write must survive a cancelled request.
	auditCtx := context.WithoutCancel(ctx)
	p.UpdatedAt = m.now()
	if callErr != nil {
		gwErr := gatewayError(callErr)
		p.ErrorMessage = callErr.Error()
		p.RawResponse = gwErr.Payload
		if err := m.payments.Update(auditCtx, p); err != nil {
			lg.Error("Record failed payment attempt", zap.Error(err))
		}
		lg.Warn("Gateway create failed", zap.Error(callErr))
		return nil, gwErr
	}

	code := resp.ResultCode
	p.ResultCode = &code
	p.Message = resp.Message
	p.PayURL = resp.PayURL
	p.Deeplink = resp.Deeplink
	p.QRCodeURL = resp.QRCodeURL
	p.RawResponse = resp.Raw
	if code != ResultSuccess {
		p.Status = StatusFailed
	}
	if err := m.payments.Update(auditCtx, p); err != nil {
		return nil, errors.Wrap(err, "update payment")
	}
	if code != ResultSuccess {
		lg.Warn("Gateway rejected payment", zap.Int("result_code", code), zap.String("message", resp.Message))
		m.results.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(StatusFailed))))
		return nil, apperr.Gateway(apperr.CodeGateway, resp.Message, resp.Raw, nil).With("resultCode", code)
	}
	return p, nil
}

func payable(o *order.Order) error {
	switch {
	case o.Paid():
		return order.ErrAlreadyPaid
	case o.Status == order.StatusCancelled:
		return order.ErrCancelled
	case !order.CanTransition(o.Status, order.StatusPaid):
		return order.ErrInvalidTransition.With("status", string(o.Status))
	default:
		return nil
	}
}

// requestID builds the unique gateway identifier of a request.
func (m *Manager) requestID(orderID, seq string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%d", m.gateway.PartnerCode(), orderID, seq, at.UnixMilli())
}

// NotificationOutcome tells whether a notification was applied.
type NotificationOutcome struct {
	Applied   bool
	PaymentID string
	Status    Status
	// Reason explains why a notification was not applied.
	Reason string
}

// HandleNotification verifies and applies an asynchronous gateway
// notification. Every notification is kept as a webhook audit record.
// Unverifiable or unmatched notifications are reported in the outcome, not as
// errors, so the endpoint can acknowledge them.
func (m *Manager) HandleNotification(ctx context.Context, body []byte) (*NotificationOutcome, error) {
	lg := zctx.From(ctx)

	n, err := m.gateway.ParseNotification(body)
	if err != nil {
		lg.Warn("Malformed payment notification", zap.Error(err))
		m.saveRejected(ctx, body, false)
		return &NotificationOutcome{Reason: "malformed notification"}, nil
	}
	lg = lg.With(zap.String("provider_order_id", n.OrderID), zap.String("provider_request_id", n.RequestID))

	if !m.gateway.VerifyNotification(n) {
		lg.Warn("Payment notification with invalid signature")
		m.saveRejected(ctx, body, false)
		return &NotificationOutcome{Reason: "invalid signature"}, nil
	}

	p, err := m.payments.FindByProvider(ctx, n.RequestID, n.OrderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			lg.Warn("Payment notification for unknown payment")
			m.saveRejected(ctx, body, true)
			return &NotificationOutcome{Reason: "unknown payment"}, nil
		}
		return nil, errors.Wrap(err, "find payment")
	}

	if err := m.payments.SaveWebhook(ctx, m.webhook(body, &p.ID, true)); err != nil {
		return nil, errors.Wrap(err, "save webhook")
	}

	updated, err := m.apply(ctx, p.ID, Result{
		ResultCode: n.ResultCode,
		Message:    n.Message,
		TransID:    n.TransID,
		Raw:        body,
	})
	if err != nil {
		return nil, err
	}
	return &NotificationOutcome{Applied: true, PaymentID: updated.ID, Status: updated.Status}, nil
}

func (m *Manager) webhook(body []byte, paymentID *string, signatureValid bool) *WebhookEvent {
	return &WebhookEvent{
		ID:             uuid.NewString(),
		Provider:       m.gateway.Name(),
		PaymentID:      paymentID,
		Payload:        body,
		SignatureValid: signatureValid,
		ReceivedAt:     m.now(),
	}
}

// saveRejected records a notification that is not applied. Nothing depends on
// the record, so a failure is only logged.
func (m *Manager) saveRejected(ctx context.Context, body []byte, signatureValid bool) {
	if err := m.payments.SaveWebhook(ctx, m.webhook(body, nil, signatureValid)); err != nil {
		zctx.From(ctx).Warn("Save rejected payment notification", zap.Error(err))
	}
}

// SyncStatus queries the gateway for the state of a payment and applies it.
// Concurrent syncs of one payment share a single gateway call.
func (m *Manager) SyncStatus(ctx context.Context, userID, paymentID string) (*Payment, error) {
	p, err := m.Get(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	if p.ProviderRequestID == "" || p.ProviderOrderID == "" {
		return nil, ErrMissingProviderIDs
	}

	v, err, _ := m.sync.Do(p.ID, func() (any, error) {
		// Shared by every caller of this payment, so it outlives the first one.
		ctx := context.WithoutCancel(ctx)
		res, err := m.gateway.Query(ctx, QueryRequest{
			RequestID: p.ProviderRequestID,
			OrderID:   p.ProviderOrderID,
		})
		if err != nil {
			zctx.From(ctx).Warn("Gateway query failed", zap.String("payment_id", p.ID), zap.Error(err))
			return nil, gatewayError(err)
		}
		return m.apply(ctx, p.ID, *res)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Payment), nil
}

// apply records a gateway result on the payment. The first success anchors
// the order as PAID and consumes its coupon; later successes only re-assert
// PAID.
func (m *Manager) apply(ctx context.Context, paymentID string, res Result) (*Payment, error) {
	lg := zctx.From(ctx).With(zap.String("payment_id", paymentID), zap.Int("result_code", res.ResultCode))

	var (
		p       *Payment
		o       *order.Order
		anchors bool
	)
	if err := m.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if p, err = m.payments.Get(ctx, paymentID); err != nil {
			return errors.Wrap(err, "get payment")
		}

		status := StatusForResult(res.ResultCode)
		if p.Status == StatusSucceeded && status != StatusSucceeded {
			lg.Warn("Ignoring stale result for succeeded payment", zap.String("status", string(status)))
			return nil
		}

		code := res.ResultCode
		p.Status = status
		p.ResultCode = &code
		p.Message = res.Message
		if res.TransID != "" {
			p.ProviderTransID = res.TransID
		}
		p.RawResponse = res.Raw
		p.UpdatedAt = m.now()
		if err := m.payments.Update(ctx, p); err != nil {
			return errors.Wrap(err, "update payment")
		}
		if status != StatusSucceeded {
			return nil
		}

		if o, err = m.orders.Get(ctx, p.OrderID); err != nil {
			return errors.Wrap(err, "get order")
		}
		if !order.CanTransition(o.Status, order.StatusPaid) {
			lg.Error("Payment succeeded for order that cannot be paid",
				zap.String("order_id", o.ID),
				zap.String("order_status", string(o.Status)),
			)
			return nil
		}
		if o.Paid() {
			return m.orders.SetStatus(ctx, o.ID, order.StatusPaid)
		}

		if o.Coupon != nil {
			if err := m.coupons.IncrementUses(ctx, o.Coupon.CouponID); err != nil {
				return errors.Wrap(err, "increment coupon uses")
			}
		}
		if err := m.orders.SetPaymentSuccess(ctx, o.ID, p.ID); err != nil {
			return errors.Wrap(err, "anchor payment")
		}
		anchors = true
		return nil
	}); err != nil {
		return nil, err
	}

	m.results.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(p.Status))))
	if anchors {
		lg.Info("Order paid", zap.String("order_id", o.ID))
		m.events.Publish(ctx, paymentEvent(events.TypePaymentSucceeded, p, p.Amount))
	}
	return p, nil
}

// Get returns a payment of an order owned by the user.
func (m *Manager) Get(ctx context.Context, userID, paymentID string) (*Payment, error) {
	if err := apperr.RequireID("paymentId", paymentID); err != nil {
		return nil, err
	}
	p, err := m.payments.Get(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get payment")
	}
	o, err := m.orders.Get(ctx, p.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if o.UserID != userID {
		return nil, ErrNotFound
	}
	return p, nil
}

// ListForOrder returns the payment attempts of an order owned by the user.
func (m *Manager) ListForOrder(ctx context.Context, userID, orderID string) ([]Payment, error) {
	o, err := m.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	out, err := m.payments.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list payments")
	}
	return out, nil
}

// Refund refunds amount of a succeeded payment on behalf of an operator.
// The refund is reserved as PENDING in one atomic unit, so concurrent refunds
// cannot exceed the charged amount, and finalized with the gateway outcome in
// a second one; the gateway call holds no lock. A gateway failure is returned
// after the outcome is committed. A refund completing the charged amount
// moves the order to REFUNDED.
func (m *Manager) Refund(ctx context.Context, paymentID string, amount decimal.Decimal, description string) (*Refund, error) {
	if err := apperr.RequireID("paymentId", paymentID); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, apperr.Invalidf("refund amount must be positive")
	}

	r, p, err := m.reserveRefund(ctx, paymentID, amount, description)
	if err != nil {
		return nil, err
	}

	var gwErr error
	res, callErr := m.gateway.Refund(ctx, RefundRequest{
		RequestID:   r.ProviderRequestID,
		OrderID:     r.ProviderRequestID,
		Amount:      amount,
		TransID:     p.ProviderTransID,
		Description: description,
	})
	r.Status = StatusFailed
	switch {
	case callErr != nil:
		e := gatewayError(callErr)
		r.Message = callErr.Error()
		r.RawResponse = e.Payload
		gwErr = e
	default:
		code := res.ResultCode
		r.ResultCode = &code
		r.Message = res.Message
		r.ProviderTransID = res.TransID
		r.RawResponse = res.Raw
		if code == ResultSuccess {
			r.Status = StatusSucceeded
		} else {
			gwErr = apperr.Gateway(apperr.CodeGateway, res.Message, res.Raw, nil).With("resultCode", code)
		}
	}

	orderRefunded, err := m.finalizeRefund(context.WithoutCancel(ctx), r)
	if err != nil {
		return nil, err
	}

	m.refunds.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(r.Status))))
	lg := zctx.From(ctx).With(zap.String("payment_id", p.ID), zap.String("refund_id", r.ID))
	if gwErr != nil {
		lg.Warn("Refund failed", zap.Error(gwErr))
		return nil, gwErr
	}
	lg.Info("Refund succeeded", zap.String("amount", amount.String()), zap.Bool("order_refunded", orderRefunded))
	m.events.Publish(ctx, paymentEvent(events.TypePaymentRefunded, p, amount))
	return r, nil
}

// reserveRefund checks the payment is refundable and records a PENDING
// refund. Pending refunds count against the refundable amount.
func (m *Manager) reserveRefund(ctx context.Context, paymentID string, amount decimal.Decimal, description string) (*Refund, *Payment, error) {
	var (
		r *Refund
		p *Payment
	)
	if err := m.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if p, err = m.payments.Get(ctx, paymentID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrNotFound
			}
			return errors.Wrap(err, "get payment")
		}
		if p.Status != StatusSucceeded || p.ProviderTransID == "" {
			return ErrNotRefundable
		}

		prior, err := m.payments.ListRefunds(ctx, p.ID)
		if err != nil {
			return errors.Wrap(err, "list refunds")
		}
		reserved := decimal.Zero
		for _, pr := range prior {
			if pr.Status != StatusFailed {
				reserved = reserved.Add(pr.Amount)
			}
		}
		if reserved.Add(amount).GreaterThan(p.Amount) {
			return ErrRefundExceedsAmount.With("refundable", p.Amount.Sub(reserved))
		}

		now := m.now()
		r = &Refund{
			ID:                uuid.NewString(),
			PaymentID:         p.ID,
			Amount:            amount,
			Description:       description,
			Status:            StatusPending,
			ProviderRequestID: m.requestID(p.OrderID, fmt.Sprintf("R%d", len(prior)+1), now),
			CreatedAt:         now,
		}
		if err := m.payments.CreateRefund(ctx, r); err != nil {
			return errors.Wrap(err, "create refund")
		}
		return nil
	}); err != nil {
		return nil, nil, err
	}
	return r, p, nil
}

// finalizeRefund stores the gateway outcome of r and reports whether the
// order became REFUNDED.
func (m *Manager) finalizeRefund(ctx context.Context, r *Refund) (bool, error) {
	var orderRefunded bool
	if err := m.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := m.payments.Get(ctx, r.PaymentID)
		if err != nil {
			return errors.Wrap(err, "get payment")
		}
		if err := m.payments.UpdateRefund(ctx, r); err != nil {
			return errors.Wrap(err, "update refund")
		}
		if r.Status != StatusSucceeded {
			return nil
		}

		all, err := m.payments.ListRefunds(ctx, p.ID)
		if err != nil {
			return errors.Wrap(err, "list refunds")
		}
		refunded := decimal.Zero
		for _, rf := range all {
			if rf.Status == StatusSucceeded {
				refunded = refunded.Add(rf.Amount)
			}
		}
		if !refunded.Equal(p.Amount) {
			return nil
		}
		o, err := m.orders.Get(ctx, p.OrderID)
		if err != nil {
			return errors.Wrap(err, "get order")
		}
		if !order.CanTransition(o.Status, order.StatusRefunded) {
			return nil
		}
		if err := m.orders.SetStatus(ctx, o.ID, order.StatusRefunded); err != nil {
			return errors.Wrap(err, "set order refunded")
		}
		orderRefunded = true
		return nil
	}); err != nil {
		return false, err
	}
	return orderRefunded, nil
}

func (m *Manager) ownedOrder(ctx context.Context, userID, orderID string) (*order.Order, error) {
	if err := apperr.RequireID("orderId", orderID); err != nil {
		return nil, err
	}
	o, err := m.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrap(err, "get order")
	}
	if o.UserID != userID {
		return nil, order.ErrNotFound
	}
	return o, nil
}

// gatewayError classifies a gateway call failure, keeping the upstream body.
func gatewayError(err error) *apperr.Error {
	if e, ok := apperr.As(err); ok && e.Kind == apperr.KindGateway {
		return e
	}
	var payload []byte
	var rp RawPayloader
	if errors.As(err, &rp) {
		payload = rp.RawPayload()
	}
	return apperr.Gateway(apperr.CodeGateway, "payment gateway request failed", payload, err)
}

func paymentEvent(typ string, p *Payment, amount decimal.Decimal) events.Event {
	return events.New(typ, p.OrderID, func(e *jx.Encoder) {
		e.Field("paymentId", func(e *jx.Encoder) { e.Str(p.ID) })
		e.Field("orderId", func(e *jx.Encoder) { e.Str(p.OrderID) })
		e.Field("attempt", func(e *jx.Encoder) { e.Int(p.Attempt) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(amount.String()) })
		e.Field("transId", func(e *jx.Encoder) { e.Str(p.ProviderTransID) })
	})
}

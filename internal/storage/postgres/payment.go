package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-store/internal/domain/cart"
	"github.com/xenking/kart-store/internal/domain/payment"
)

const (
	paymentColumns = `id, order_id, attempt, method, amount, status, provider_request_id, provider_order_id,
		provider_trans_id, pay_url, deeplink, qr_code_url, result_code, message, error_message,
		raw_response, created_at, updated_at`

	createPaymentSQL = `INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	getPaymentSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	listPaymentsByOrderSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 ORDER BY attempt`

	findPaymentByProviderSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE provider_request_id = $1 AND provider_order_id = $2`

	updatePaymentSQL = `UPDATE payments SET status = $2, provider_trans_id = $3, pay_url = $4, deeplink = $5,
		qr_code_url = $6, result_code = $7, message = $8, error_message = $9, raw_response = $10,
		updated_at = $11
		WHERE id = $1`

	nextAttemptSQL = `SELECT COALESCE(MAX(attempt), 0) + 1 FROM payments WHERE order_id = $1`

	createRefundSQL = `INSERT INTO refunds (id, payment_id, amount, description, status, provider_request_id,
		provider_trans_id, result_code, message, raw_response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	updateRefundSQL = `UPDATE refunds SET status = $2, provider_trans_id = $3, result_code = $4, message = $5,
		raw_response = $6
		WHERE id = $1`

	listRefundsSQL = `SELECT id, payment_id, amount, description, status, provider_request_id,
		provider_trans_id, result_code, message, raw_response, created_at
		FROM refunds WHERE payment_id = $1 ORDER BY created_at, id`

	saveWebhookSQL = `INSERT INTO webhook_events (id, provider, payment_id, payload, signature_valid, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	s *Store
}

// Create inserts a payment attempt.
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	_, err := r.s.q(ctx).Exec(ctx, createPaymentSQL,
		p.ID, p.OrderID, p.Attempt, string(p.Method), p.Amount, string(p.Status),
		p.ProviderRequestID, p.ProviderOrderID, p.ProviderTransID, p.PayURL, p.Deeplink, p.QRCodeURL,
		p.ResultCode, p.Message, p.ErrorMessage, p.RawResponse, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating payment %q: %w", p.ID, err)
	}
	return nil
}

// Get returns a payment. Inside a transaction the row stays locked until
// commit.
func (r *PaymentRepository) Get(ctx context.Context, id string) (*payment.Payment, error) {
	return r.getOne(ctx, getPaymentSQL+forUpdate(ctx, "FOR UPDATE"), id)
}

// FindByProvider matches a payment by its gateway identifiers.
func (r *PaymentRepository) FindByProvider(ctx context.Context, requestID, orderID string) (*payment.Payment, error) {
	return r.getOne(ctx, findPaymentByProviderSQL, requestID, orderID)
}

func (r *PaymentRepository) getOne(ctx context.Context, sql string, args ...any) (*payment.Payment, error) {
	rows, err := r.s.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("getting payment: %w", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("getting payment: %w", err)
	}
	return &p, nil
}

// Update stores the mutable fields of p.
func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	tag, err := r.s.q(ctx).Exec(ctx, updatePaymentSQL,
		p.ID, string(p.Status), p.ProviderTransID, p.PayURL, p.Deeplink, p.QRCodeURL,
		p.ResultCode, p.Message, p.ErrorMessage, p.RawResponse, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating payment %q: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrNotFound
	}
	return nil
}

// ListByOrder returns the attempts of an order in attempt order.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]payment.Payment, error) {
	rows, err := r.s.q(ctx).Query(ctx, listPaymentsByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing payments of order %q: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanPayment)
}

// NextAttempt returns the attempt number for a new payment of the order.
// Callers hold the order row lock, which serialises attempt numbering.
func (r *PaymentRepository) NextAttempt(ctx context.Context, orderID string) (int, error) {
	var n int
	if err := r.s.q(ctx).QueryRow(ctx, nextAttemptSQL, orderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("next attempt of order %q: %w", orderID, err)
	}
	return n, nil
}

// CreateRefund inserts a refund record.
func (r *PaymentRepository) CreateRefund(ctx context.Context, rf *payment.Refund) error {
	_, err := r.s.q(ctx).Exec(ctx, createRefundSQL,
		rf.ID, rf.PaymentID, rf.Amount, rf.Description, string(rf.Status), rf.ProviderRequestID,
		rf.ProviderTransID, rf.ResultCode, rf.Message, rf.RawResponse, rf.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating refund %q: %w", rf.ID, err)
	}
	return nil
}

// UpdateRefund stores the gateway outcome of a refund.
func (r *PaymentRepository) UpdateRefund(ctx context.Context, rf *payment.Refund) error {
	tag, err := r.s.q(ctx).Exec(ctx, updateRefundSQL,
		rf.ID, string(rf.Status), rf.ProviderTransID, rf.ResultCode, rf.Message, rf.RawResponse,
	)
	if err != nil {
		return fmt.Errorf("updating refund %q: %w", rf.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("refund %q not found", rf.ID)
	}
	return nil
}

// ListRefunds returns the refunds of a payment.
func (r *PaymentRepository) ListRefunds(ctx context.Context, paymentID string) ([]payment.Refund, error) {
	rows, err := r.s.q(ctx).Query(ctx, listRefundsSQL, paymentID)
	if err != nil {
		return nil, fmt.Errorf("listing refunds of payment %q: %w", paymentID, err)
	}
	return pgx.CollectRows(rows, scanRefund)
}

// SaveWebhook stores the verbatim notification audit record.
func (r *PaymentRepository) SaveWebhook(ctx context.Context, e *payment.WebhookEvent) error {
	_, err := r.s.q(ctx).Exec(ctx, saveWebhookSQL,
		e.ID, e.Provider, e.PaymentID, e.Payload, e.SignatureValid, e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("saving webhook %q: %w", e.ID, err)
	}
	return nil
}

func scanPayment(row pgx.CollectableRow) (payment.Payment, error) {
	var (
		p      payment.Payment
		method string
		status string
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.Attempt, &method, &p.Amount, &status, &p.ProviderRequestID, &p.ProviderOrderID,
		&p.ProviderTransID, &p.PayURL, &p.Deeplink, &p.QRCodeURL, &p.ResultCode, &p.Message, &p.ErrorMessage,
		&p.RawResponse, &p.CreatedAt, &p.UpdatedAt,
	)
	p.Method = cart.PaymentMethod(method)
	p.Status = payment.Status(status)
	return p, err
}

func scanRefund(row pgx.CollectableRow) (payment.Refund, error) {
	var (
		rf     payment.Refund
		status string
	)
	err := row.Scan(
		&rf.ID, &rf.PaymentID, &rf.Amount, &rf.Description, &status, &rf.ProviderRequestID,
		&rf.ProviderTransID, &rf.ResultCode, &rf.Message, &rf.RawResponse, &rf.CreatedAt,
	)
	rf.Status = payment.Status(status)
	return rf, err
}

package memory

import (
	"context"
	"slices"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-store/internal/domain/payment"
)

// PaymentRepository implements payment.Repository.
type PaymentRepository struct {
	s *Store
}

// Create implements payment.Repository.
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.st.payments[p.ID]; ok {
		return errors.Errorf("payment %s already exists", p.ID)
	}
	for _, other := range r.s.st.payments {
		if other.OrderID == p.OrderID && other.Attempt == p.Attempt {
			return errors.Errorf("order %s already has attempt %d", p.OrderID, p.Attempt)
		}
	}
	r.s.st.payments[p.ID] = *p
	return nil
}

// Get implements payment.Repository.
func (r *PaymentRepository) Get(ctx context.Context, id string) (*payment.Payment, error) {
	defer r.s.lock(ctx)()
	p, ok := r.s.st.payments[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return &p, nil
}

// Update implements payment.Repository.
func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.st.payments[p.ID]; !ok {
		return payment.ErrNotFound
	}
	r.s.st.payments[p.ID] = *p
	return nil
}

// NextAttempt implements payment.Repository.
func (r *PaymentRepository) NextAttempt(ctx context.Context, orderID string) (int, error) {
	defer r.s.lock(ctx)()
	last := 0
	for _, p := range r.s.st.payments {
		if p.OrderID == orderID && p.Attempt > last {
			last = p.Attempt
		}
	}
	return last + 1, nil
}

// FindByProvider implements payment.Repository.
func (r *PaymentRepository) FindByProvider(ctx context.Context, requestID, orderID string) (*payment.Payment, error) {
	defer r.s.lock(ctx)()
	for _, p := range r.s.st.payments {
		if p.ProviderRequestID == requestID && p.ProviderOrderID == orderID {
			return &p, nil
		}
	}
	return nil, payment.ErrNotFound
}

// ListByOrder returns the payments of an order by attempt.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]payment.Payment, error) {
	defer r.s.lock(ctx)()
	var out []payment.Payment
	for _, p := range r.s.st.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b payment.Payment) int { return a.Attempt - b.Attempt })
	return out, nil
}

// CreateRefund implements payment.Repository.
func (r *PaymentRepository) CreateRefund(ctx context.Context, rf *payment.Refund) error {
	defer r.s.lock(ctx)()
	prior := r.s.st.refunds[rf.PaymentID]
	r.s.st.refunds[rf.PaymentID] = append(slices.Clip(prior), *rf)
	return nil
}

// UpdateRefund implements payment.Repository.
func (r *PaymentRepository) UpdateRefund(ctx context.Context, rf *payment.Refund) error {
	defer r.s.lock(ctx)()
	list := slices.Clone(r.s.st.refunds[rf.PaymentID])
	i := slices.IndexFunc(list, func(x payment.Refund) bool { return x.ID == rf.ID })
	if i < 0 {
		return errors.Errorf("refund %s not found", rf.ID)
	}
	list[i] = *rf
	r.s.st.refunds[rf.PaymentID] = list
	return nil
}

// ListRefunds implements payment.Repository.
func (r *PaymentRepository) ListRefunds(ctx context.Context, paymentID string) ([]payment.Refund, error) {
	defer r.s.lock(ctx)()
	return slices.Clone(r.s.st.refunds[paymentID]), nil
}

// SaveWebhook implements payment.Repository.
func (r *PaymentRepository) SaveWebhook(ctx context.Context, e *payment.WebhookEvent) error {
	defer r.s.lock(ctx)()
	r.s.st.webhooks = append(slices.Clip(r.s.st.webhooks), *e)
	return nil
}

// Webhooks returns the stored webhook audit records.
func (r *PaymentRepository) Webhooks(ctx context.Context) []payment.WebhookEvent {
	defer r.s.lock(ctx)()
	return slices.Clone(r.s.st.webhooks)
}

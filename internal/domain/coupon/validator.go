package coupon

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Finder looks up coupons and checks that they are currently usable.
type Finder struct {
	repo Repository
}

// NewFinder creates a Finder backed by the given Repository.
func NewFinder(repo Repository) *Finder {
	return &Finder{repo: repo}
}

// FindActive looks up the coupon by code and checks it in order: existence,
// active flag, start, end, usage limit.
func (f *Finder) FindActive(ctx context.Context, code string, now time.Time) (*Coupon, error) {
	c, err := f.repo.FindByCode(ctx, code)
	if err != nil {
		return nil, lookupErr(err)
	}
	if err := CheckUsable(c, now); err != nil {
		return nil, err
	}
	return c, nil
}

// Revalidate re-reads a previously applied coupon by id and runs the same
// checks as FindActive.
func (f *Finder) Revalidate(ctx context.Context, id string, now time.Time) (*Coupon, error) {
	c, err := f.repo.GetByID(ctx, id)
	if err != nil {
		return nil, lookupErr(err)
	}
	if err := CheckUsable(c, now); err != nil {
		return nil, err
	}
	return c, nil
}

func lookupErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return errors.Wrap(err, "lookup coupon")
}

// CheckUsable verifies the active flag, time window and usage limit of c.
func CheckUsable(c *Coupon, now time.Time) error {
	if !c.Active {
		return ErrInactive
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return ErrNotStarted
	}
	if c.EndsAt != nil && now.After(*c.EndsAt) {
		return ErrExpired
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return ErrUsageLimitReached
	}
	return nil
}

// Candidate is a usable coupon together with its evaluation for a subtotal.
type Candidate struct {
	Coupon     Coupon
	Evaluation Evaluation
}

// ListUsable returns every currently usable coupon evaluated against
// subtotal. Eligible coupons come first, larger discounts before smaller.
func (f *Finder) ListUsable(ctx context.Context, subtotal decimal.Decimal, now time.Time) ([]Candidate, error) {
	coupons, err := f.repo.ListActive(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}

	out := make([]Candidate, 0, len(coupons))
	for i := range coupons {
		c := &coupons[i]
		if CheckUsable(c, now) != nil {
			continue
		}
		out = append(out, Candidate{Coupon: *c, Evaluation: Evaluate(c, subtotal)})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Evaluation, out[j].Evaluation
		if a.Eligible != b.Eligible {
			return a.Eligible
		}
		if !a.AppliedValue.Equal(b.AppliedValue) {
			return a.AppliedValue.GreaterThan(b.AppliedValue)
		}
		return a.MissingAmount.LessThan(b.MissingAmount)
	})
	return out, nil
}

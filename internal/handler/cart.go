package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-store/internal/domain/apperr"
	"github.com/xenking/kart-store/internal/domain/cart"
	"github.com/xenking/kart-store/internal/domain/coupon"
)

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request, userID string) {
	v, err := h.carts.Get(r.Context(), userID)
	h.writeView(w, r, v, err)
}

func (h *Handler) countCart(w http.ResponseWriter, r *http.Request, userID string) {
	c, err := h.carts.Counts(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("items", func(e *jx.Encoder) { e.Int(c.Items) })
			e.Field("quantity", func(e *jx.Encoder) { e.Int(c.Quantity) })
		})
	})
}

// addItems accepts {"items":[{"variantId":..,"quantity":..}]}.
func (h *Handler) addItems(w http.ResponseWriter, r *http.Request, userID string) {
	var items []cart.AddItem
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "items" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			var it cart.AddItem
			if err := d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "variantId":
					it.VariantID, err = d.Str()
				case "quantity":
					it.Quantity, err = d.Int()
				default:
					err = d.Skip()
				}
				return err
			}); err != nil {
				return err
			}
			items = append(items, it)
			return nil
		})
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.carts.AddItems(r.Context(), userID, items)
	h.writeView(w, r, v, err)
}

// updateItem accepts either {"quantity":n} or {"variantId":id}.
func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request, userID string) {
	var (
		qty       *int
		variantID *string
	)
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		switch key {
		case "quantity":
			n, err := d.Int()
			qty = &n
			return err
		case "variantId":
			s, err := d.Str()
			variantID = &s
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	itemID := r.PathValue("itemId")
	var v *cart.View
	switch {
	case qty != nil && variantID != nil:
		err = apperr.Invalidf("set either quantity or variantId")
	case qty != nil:
		v, err = h.carts.UpdateQuantity(r.Context(), userID, itemID, *qty)
	case variantID != nil:
		v, err = h.carts.UpdateVariant(r.Context(), userID, itemID, *variantID)
	default:
		err = apperr.Invalidf("quantity or variantId is required")
	}
	h.writeView(w, r, v, err)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request, userID string) {
	v, err := h.carts.RemoveItem(r.Context(), userID, r.PathValue("itemId"))
	h.writeView(w, r, v, err)
}

func (h *Handler) listCoupons(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := h.carts.ListCoupons(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, c := range list {
				e.Obj(func(e *jx.Encoder) { encodeCandidate(e, c) })
			}
		})
	})
}

func (h *Handler) applyCoupon(w http.ResponseWriter, r *http.Request, userID string) {
	var code string
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "code" {
			return d.Skip()
		}
		var err error
		code, err = d.Str()
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.carts.ApplyCoupon(r.Context(), userID, code)
	h.writeView(w, r, v, err)
}

func (h *Handler) removeCoupon(w http.ResponseWriter, r *http.Request, userID string) {
	v, err := h.carts.RemoveCoupon(r.Context(), userID)
	h.writeView(w, r, v, err)
}

func (h *Handler) getPaymentMethod(w http.ResponseWriter, r *http.Request, userID string) {
	m, err := h.carts.PaymentMethod(r.Context(), userID)
	writeMethod(w, r, m, err)
}

func (h *Handler) setPaymentMethod(w http.ResponseWriter, r *http.Request, userID string) {
	var method string
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "method" {
			return d.Skip()
		}
		var err error
		method, err = d.Str()
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.carts.SetPaymentMethod(r.Context(), userID, method)
	writeMethod(w, r, m, err)
}

func writeMethod(w http.ResponseWriter, r *http.Request, m cart.PaymentMethod, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) { str(e, "method", string(m)) })
	})
}

func (h *Handler) writeView(w http.ResponseWriter, r *http.Request, v *cart.View, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeView(e, v) })
}

func encodeView(e *jx.Encoder, v *cart.View) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "cartId", v.CartID)
		e.Field("items", func(e *jx.Encoder) {
			e.ArrStart()
			for _, it := range v.Items {
				e.Obj(func(e *jx.Encoder) {
					str(e, "id", it.ID)
					str(e, "variantId", it.VariantID)
					str(e, "productId", it.ProductID)
					str(e, "productName", it.ProductName)
					str(e, "variantName", it.VariantName)
					str(e, "sku", it.SKU)
					e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
					e.Field("stock", func(e *jx.Encoder) { e.Int(it.Stock) })
					e.Field("active", func(e *jx.Encoder) { e.Bool(it.Active) })
					money(e, "listPrice", it.ListPrice)
					money(e, "unitPrice", it.UnitPrice)
					money(e, "totalPrice", it.TotalPrice)
				})
			}
			e.ArrEnd()
		})
		e.Field("summary", func(e *jx.Encoder) { encodeSummary(e, v.Summary) })
		e.Field("promo", func(e *jx.Encoder) {
			if v.Promo == nil {
				e.Null()
				return
			}
			p := v.Promo
			e.Obj(func(e *jx.Encoder) {
				str(e, "couponId", p.CouponID)
				str(e, "code", p.Code)
				str(e, "description", p.Description)
				str(e, "type", string(p.Type))
				money(e, "value", p.Value)
				money(e, "discountAmount", p.DiscountAmount)
				e.Field("freeShipping", func(e *jx.Encoder) { e.Bool(p.FreeShipping) })
			})
		})
		str(e, "paymentMethod", string(v.PaymentMethod))
	})
}

func encodeSummary(e *jx.Encoder, s cart.Summary) {
	e.Obj(func(e *jx.Encoder) {
		money(e, "subtotal", s.Subtotal)
		money(e, "savings", s.Savings)
		money(e, "discount", s.Discount)
		money(e, "shipping", s.Shipping)
		money(e, "tax", s.Tax)
		money(e, "total", s.Total)
		e.Field("itemCount", func(e *jx.Encoder) { e.Int(s.ItemCount) })
		e.Field("totalQuantity", func(e *jx.Encoder) { e.Int(s.TotalQuantity) })
	})
}

func encodeCandidate(e *jx.Encoder, c coupon.Candidate) {
	str(e, "id", c.Coupon.ID)
	str(e, "code", c.Coupon.Code)
	str(e, "description", c.Coupon.Description)
	str(e, "type", string(c.Coupon.Type))
	money(e, "value", c.Coupon.Value)
	money(e, "minOrderValue", c.Coupon.MinOrderValue)
	if c.Coupon.MaxDiscount != nil {
		money(e, "maxDiscount", *c.Coupon.MaxDiscount)
	}
	if c.Coupon.EndsAt != nil {
		timestamp(e, "endsAt", *c.Coupon.EndsAt)
	}
	e.Field("eligible", func(e *jx.Encoder) { e.Bool(c.Evaluation.Eligible) })
	money(e, "missingAmount", c.Evaluation.MissingAmount)
	money(e, "discountAmount", c.Evaluation.AppliedValue)
	e.Field("freeShipping", func(e *jx.Encoder) { e.Bool(c.Evaluation.FreeShipping) })
}

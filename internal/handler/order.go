package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-store/internal/domain/apperr"
	"github.com/xenking/kart-store/internal/domain/order"
)

// placeOrder accepts {"addressId":..,"paymentMethod":..,"notes":..}. A wallet
// order whose payment could not be opened is still reported as created, with
// the failure under "paymentError".
func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request, userID string) {
	var req order.PlaceOrderRequest
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "addressId":
			req.AddressID, err = d.Str()
		case "paymentMethod":
			req.PaymentMethod, err = d.Str()
		case "notes":
			req.Notes, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.checkout.PlaceOrder(r.Context(), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("order", func(e *jx.Encoder) { encodeOrder(e, res.Order) })
			e.Field("summary", func(e *jx.Encoder) { encodeSummary(e, res.Summary) })
			if p := res.Payment; p != nil {
				e.Field("payment", func(e *jx.Encoder) {
					e.Obj(func(e *jx.Encoder) {
						str(e, "paymentId", p.PaymentID)
						e.Field("attempt", func(e *jx.Encoder) { e.Int(p.Attempt) })
						str(e, "payUrl", p.PayURL)
						str(e, "deeplink", p.Deeplink)
						str(e, "qrCodeUrl", p.QRCodeURL)
					})
				})
			}
			if res.PaymentError != nil {
				e.Field("paymentError", func(e *jx.Encoder) {
					e.Obj(func(e *jx.Encoder) {
						ae, ok := apperr.As(res.PaymentError)
						if !ok {
							str(e, "code", apperr.CodeInternal)
							str(e, "message", "payment could not be started")
							return
						}
						encodeError(e, ae)
					})
				})
			}
		})
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request, userID string) {
	o, err := h.checkout.Get(r.Context(), userID, r.PathValue("orderId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "id", o.ID)
		str(e, "status", string(o.Status))
		str(e, "addressId", o.AddressID)
		str(e, "paymentMethod", string(o.PaymentMethod))
		money(e, "subtotal", o.Subtotal)
		money(e, "discount", o.Discount)
		money(e, "shippingFee", o.ShippingFee)
		money(e, "tax", o.Tax)
		money(e, "total", o.Total)
		str(e, "notes", o.Notes)
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						str(e, "id", it.ID)
						str(e, "variantId", it.VariantID)
						str(e, "productName", it.ProductName)
						str(e, "variantName", it.VariantName)
						str(e, "sku", it.SKU)
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						money(e, "listPrice", it.ListPrice)
						money(e, "unitPrice", it.UnitPrice)
						money(e, "taxAmount", it.TaxAmount)
					})
				}
			})
		})
		if c := o.Coupon; c != nil {
			e.Field("coupon", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					str(e, "couponId", c.CouponID)
					str(e, "code", c.Code)
					money(e, "discountAmount", c.DiscountAmount)
				})
			})
		}
		if o.PaymentSuccessID != nil {
			str(e, "paymentSuccessId", *o.PaymentSuccessID)
		}
		timestamp(e, "createdAt", o.CreatedAt)
		timestamp(e, "updatedAt", o.UpdatedAt)
	})
}

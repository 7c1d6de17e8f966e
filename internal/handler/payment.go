package handler

import (
	"net/http"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-store/internal/domain/apperr"
	"github.com/xenking/kart-store/internal/domain/auth"
	"github.com/xenking/kart-store/internal/domain/order"
	"github.com/xenking/kart-store/internal/domain/payment"
)

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request, userID string) {
	if h.payments == nil {
		writeError(w, r, order.ErrPaymentUnavailable)
		return
	}
	p, err := h.payments.CreateAttempt(r.Context(), userID, r.PathValue("orderId"))
	writePayment(w, r, http.StatusCreated, p, err)
}

func (h *Handler) retryPayment(w http.ResponseWriter, r *http.Request, userID string) {
	if h.payments == nil {
		writeError(w, r, order.ErrPaymentUnavailable)
		return
	}
	p, err := h.payments.RetryPayment(r.Context(), userID, r.PathValue("orderId"))
	writePayment(w, r, http.StatusCreated, p, err)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request, userID string) {
	if h.payments == nil {
		writeError(w, r, payment.ErrNotFound)
		return
	}
	p, err := h.payments.Get(r.Context(), userID, r.PathValue("paymentId"))
	writePayment(w, r, http.StatusOK, p, err)
}

func (h *Handler) syncPayment(w http.ResponseWriter, r *http.Request, userID string) {
	if h.payments == nil {
		writeError(w, r, order.ErrPaymentUnavailable)
		return
	}
	p, err := h.payments.SyncStatus(r.Context(), userID, r.PathValue("paymentId"))
	writePayment(w, r, http.StatusOK, p, err)
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request, userID string) {
	orderID := r.PathValue("orderId")
	var list []payment.Payment
	if h.payments != nil {
		var err error
		if list, err = h.payments.ListForOrder(r.Context(), userID, orderID); err != nil {
			writeError(w, r, err)
			return
		}
	} else if _, err := h.checkout.Get(r.Context(), userID, orderID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for i := range list {
				encodePayment(e, &list[i])
			}
		})
	})
}

// refund accepts {"amount":..,"description":..} from an operator.
func (h *Handler) refund(w http.ResponseWriter, r *http.Request, _ *auth.APIKeyInfo) {
	if h.payments == nil {
		writeError(w, r, order.ErrPaymentUnavailable)
		return
	}
	var (
		amount      decimal.Decimal
		hasAmount   bool
		description string
	)
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "amount":
			if amount, err = decodeDecimal(d); err != nil {
				return apperr.Invalidf("invalid amount").Wrap(err)
			}
			hasAmount = true
		case "description":
			description, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err == nil && !hasAmount {
		err = apperr.Invalidf("amount is required")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	rf, err := h.payments.Refund(r.Context(), r.PathValue("paymentId"), amount, description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			str(e, "id", rf.ID)
			str(e, "paymentId", rf.PaymentID)
			money(e, "amount", rf.Amount)
			str(e, "description", rf.Description)
			str(e, "status", string(rf.Status))
			str(e, "transId", rf.ProviderTransID)
			if rf.ResultCode != nil {
				e.Field("resultCode", func(e *jx.Encoder) { e.Int(*rf.ResultCode) })
			}
			str(e, "message", rf.Message)
			timestamp(e, "createdAt", rf.CreatedAt)
		})
	})
}

// momoNotification is the gateway's instant payment notification endpoint.
// Notifications that are ignored are still acknowledged with 204; a storage
// failure answers 500 so the gateway redelivers.
func (h *Handler) momoNotification(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())
	if h.payments == nil {
		lg.Warn("Payment notification without a configured gateway")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	body, err := readBody(r)
	if err != nil {
		lg.Warn("Read payment notification", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	out, err := h.payments.HandleNotification(r.Context(), body)
	if err != nil {
		lg.Error("Apply payment notification", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				str(e, "code", apperr.CodeInternal)
				str(e, "message", "notification not applied")
			})
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
	if !out.Applied {
		lg.Info("Payment notification ignored", zap.String("reason", out.Reason))
		return
	}
	lg.Info("Payment notification applied",
		zap.String("payment_id", out.PaymentID),
		zap.String("status", string(out.Status)),
	)
}

func writePayment(w http.ResponseWriter, r *http.Request, status int, p *payment.Payment, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, func(e *jx.Encoder) { encodePayment(e, p) })
}

func encodePayment(e *jx.Encoder, p *payment.Payment) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "id", p.ID)
		str(e, "orderId", p.OrderID)
		e.Field("attempt", func(e *jx.Encoder) { e.Int(p.Attempt) })
		str(e, "method", string(p.Method))
		money(e, "amount", p.Amount)
		str(e, "status", string(p.Status))
		str(e, "payUrl", p.PayURL)
		str(e, "deeplink", p.Deeplink)
		str(e, "qrCodeUrl", p.QRCodeURL)
		str(e, "transId", p.ProviderTransID)
		if p.ResultCode != nil {
			e.Field("resultCode", func(e *jx.Encoder) { e.Int(*p.ResultCode) })
		}
		str(e, "message", p.Message)
		if p.ErrorMessage != "" {
			str(e, "errorMessage", p.ErrorMessage)
		}
		timestamp(e, "createdAt", p.CreatedAt)
		timestamp(e, "updatedAt", p.UpdatedAt)
	})
}

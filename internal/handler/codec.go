package handler

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-store/internal/domain/apperr"
	"github.com/xenking/kart-store/internal/domain/auth"
)

const maxBodySize = 1 << 20

// readBody reads a bounded request body.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, apperr.Invalidf("read body").Wrap(err)
	}
	if len(body) > maxBodySize {
		return nil, apperr.Invalidf("body too large")
	}
	return body, nil
}

// decodeObject reads the body as a JSON object, calling fn per field.
// Errors returned by fn that are already classified pass through.
func decodeObject(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return apperr.Invalidf("request body is required")
	}
	if err := jx.DecodeBytes(body).Obj(fn); err != nil {
		if _, ok := apperr.As(err); ok {
			return err
		}
		return apperr.Invalidf("malformed request body").Wrap(err)
	}
	return nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(n.String())
	}
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func money(e *jx.Encoder, name string, d decimal.Decimal) {
	e.Field(name, func(e *jx.Encoder) { e.Str(d.String()) })
}

func str(e *jx.Encoder, name, v string) {
	e.Field(name, func(e *jx.Encoder) { e.Str(v) })
}

func timestamp(e *jx.Encoder, name string, t time.Time) {
	e.Field(name, func(e *jx.Encoder) { e.Str(t.UTC().Format(time.RFC3339)) })
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto a status and an error body. Internal errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrUnauthorized) {
		writeJSON(w, http.StatusUnauthorized, func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				str(e, "code", "UNAUTHORIZED")
				str(e, "message", "authentication required")
			})
		})
		return
	}

	ae, ok := apperr.As(err)
	if !ok || ae.Kind == apperr.KindInternal {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				str(e, "code", apperr.CodeInternal)
				str(e, "message", "internal error")
			})
		})
		return
	}
	if ae.Kind == apperr.KindGateway {
		zctx.From(r.Context()).Warn("Gateway failure", zap.Error(err))
	}

	writeJSON(w, statusOf(ae.Kind), func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) { encodeError(e, ae) })
	})
}

func encodeError(e *jx.Encoder, ae *apperr.Error) {
	str(e, "code", ae.Code)
	str(e, "message", ae.Message)
	if len(ae.Data) > 0 {
		e.Field("data", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				keys := make([]string, 0, len(ae.Data))
				for k := range ae.Data {
					keys = append(keys, k)
				}
				slices.Sort(keys)
				for _, k := range keys {
					e.Field(k, func(e *jx.Encoder) { encodeValue(e, ae.Data[k]) })
				}
			})
		})
	}
	if len(ae.Payload) > 0 {
		e.Field("gatewayResponse", func(e *jx.Encoder) {
			if jx.Valid(ae.Payload) {
				e.Raw(ae.Payload)
				return
			}
			e.Str(string(ae.Payload))
		})
	}
}

func encodeValue(e *jx.Encoder, v any) {
	switch v := v.(type) {
	case nil:
		e.Null()
	case string:
		e.Str(v)
	case bool:
		e.Bool(v)
	case int:
		e.Int(v)
	case int64:
		e.Int64(v)
	case float64:
		e.Float64(v)
	case decimal.Decimal:
		e.Str(v.String())
	case fmt.Stringer:
		e.Str(v.String())
	default:
		e.Str(fmt.Sprint(v))
	}
}

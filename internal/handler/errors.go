package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/catalog"
	"github.com/xenking/oolio-pos/internal/domain/checkout"
	"github.com/xenking/oolio-pos/internal/domain/report"
	"github.com/xenking/oolio-pos/internal/domain/sale"
	"github.com/xenking/oolio-pos/pkg/httpmiddleware"
)

// errBadRequest marks malformed request input.
var errBadRequest = errors.New("bad request")

func badRequest(msg string) error {
	return errors.Wrap(errBadRequest, msg)
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrInvalidPrice),
		errors.Is(err, cart.ErrInvalidQuantityInput),
		errors.Is(err, cart.ErrInvalidPriceInput),
		errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrInvalidAmount),
		errors.Is(err, checkout.ErrUnknownTerminal),
		errors.Is(err, report.ErrInvalidDate),
		errors.Is(err, sale.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, sale.ErrNotFound),
		errors.Is(err, cart.ErrLineNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkout.ErrSettlementInProgress),
		errors.Is(err, cart.ErrCaptureClosed),
		errors.Is(err, sale.ErrKeyConflict):
		return http.StatusConflict
	case errors.Is(err, checkout.ErrInsufficientPayment):
		return http.StatusUnprocessableEntity
	}

	var (
		we  *sale.WriteError
		pwe *sale.PartialWriteError
		pde *sale.PartialDeleteError
	)
	if errors.As(err, &we) || errors.As(err, &pwe) || errors.As(err, &pde) {
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError writes err as {"code","message"} plus details for payment
// and persistence failures.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()

	lg := zctx.From(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		lg.Error("Request failed", zap.Error(err), zap.Int("status", status))
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	default:
		lg.Debug("Request rejected", zap.Error(err), zap.Int("status", status))
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("message")
	e.Str(msg)
	if id := httpmiddleware.RequestIDFromContext(r.Context()); id != "" {
		e.FieldStart("requestId")
		e.Str(id)
	}

	var ipe *checkout.InsufficientPaymentError
	if errors.As(err, &ipe) {
		e.FieldStart("total")
		e.Str(ipe.Total.StringFixed(2))
		e.FieldStart("paid")
		e.Str(ipe.Paid.StringFixed(2))
		e.FieldStart("missing")
		e.Str(ipe.Missing().StringFixed(2))
	}
	if status == http.StatusBadGateway {
		e.FieldStart("partial")
		e.Bool(sale.IsPartial(err))
	}
	e.ObjEnd()

	writeJSON(w, status, &e)
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

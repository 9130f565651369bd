package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/sale"
)

func parseSaleID(r *http.Request) (sale.ID, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("sale id must be a positive number")
	}
	return sale.ID(id), nil
}

// listSales returns the sales of ?date= or, without a date, the most
// recent ones.
func (h *Handler) listSales(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		sales []sale.Sale
		err   error
	)
	if date := q.Get("date"); date != "" {
		var day time.Time
		if day, err = h.reports.ParseDate(date); err == nil {
			start, end := h.reports.DayBounds(day)
			sales, err = h.reports.Sales(r.Context(), start, end)
		}
	} else {
		limit := h.limit
		if v := q.Get("limit"); v != "" {
			n, convErr := strconv.Atoi(v)
			if convErr != nil || n <= 0 {
				writeError(w, r, badRequest("limit must be a positive number"))
				return
			}
			limit = min(n, 500)
		}
		sales, err = h.sales.List(r.Context(), limit)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("sales")
	encodeSales(&e, sales, h.reports.Currency(), h.reports.Location())
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

func (h *Handler) getSale(w http.ResponseWriter, r *http.Request) {
	id, err := parseSaleID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.sales.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeSale(&e, *s, h.reports.Currency(), h.reports.Location())
	writeJSON(w, http.StatusOK, &e)
}

func (h *Handler) deleteSale(w http.ResponseWriter, r *http.Request) {
	id, err := parseSaleID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.sales.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("Sale removed via API", zap.Int64("sale_id", int64(id)))
	w.WriteHeader(http.StatusNoContent)
}

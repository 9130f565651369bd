package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/oolio-pos/internal/domain/report"
	"github.com/xenking/oolio-pos/internal/domain/sale"
)

func (h *Handler) dailyReport(w http.ResponseWriter, r *http.Request) {
	day, err := h.dateParam(r, "date", time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	sum, err := h.reports.Daily(r.Context(), day)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeSummary(&e, sum, h.reports.Location())
	writeJSON(w, http.StatusOK, &e)
}

// exportReport streams the CSV export of the days from ?from= to ?to=,
// both inclusive. Either defaults to today.
func (h *Handler) exportReport(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	from, err := h.dateParam(r, "from", now)
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, err := h.dateParam(r, "to", from)
	if err != nil {
		writeError(w, r, err)
		return
	}
	start, _ := h.reports.DayBounds(from)
	_, end := h.reports.DayBounds(to)
	if start.After(end) {
		writeError(w, r, sale.ErrInvalidRange)
		return
	}

	out, err := h.reports.ExportCSV(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}

	name := "sales-" + start.Format(report.DateLayout)
	if !from.Equal(to) {
		name += "_" + end.Format(report.DateLayout)
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

func (h *Handler) dateParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return h.reports.ParseDate(v)
}

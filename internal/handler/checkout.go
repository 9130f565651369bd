package handler

import (
	"net/http"
	"strconv"

	"github.com/go-faster/jx"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/checkout"
)

func (h *Handler) session(r *http.Request) (*checkout.Session, error) {
	return h.sessions.Session(r.PathValue("terminal"))
}

func (h *Handler) writeCart(w http.ResponseWriter, status int, s *checkout.Session) {
	var e jx.Encoder
	encodeCart(&e, s.View(), h.reports.Currency())
	writeJSON(w, status, &e)
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeCart(w, http.StatusOK, s)
}

func (h *Handler) abandonCart(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err == nil {
		err = s.Abandon()
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeCart(w, http.StatusOK, s)
}

func decodeArticleID(w http.ResponseWriter, r *http.Request) (id int64, quantity string, err error) {
	err = decodeBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "articleId":
			id, err = d.Int64()
		case "quantity":
			quantity, err = decodeText(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err == nil && id == 0 {
		err = badRequest("articleId is required")
	}
	return id, quantity, err
}

// addLine adds an article without the capture step.
func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, quantity, err := decodeArticleID(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	qty := 1
	if quantity != "" {
		if qty, err = cart.ParseQuantity(quantity); err != nil {
			writeError(w, r, err)
			return
		}
	}

	a, err := h.articles.GetByID(r.Context(), id)
	if err == nil {
		err = s.AddLine(*a, qty)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeCart(w, http.StatusOK, s)
}

func (h *Handler) removeLine(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, r, badRequest("line index must be a number"))
		return
	}
	if err := s.RemoveLine(index); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeCart(w, http.StatusOK, s)
}

func (h *Handler) openCapture(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, _, err := decodeArticleID(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	a, err := h.articles.GetByID(r.Context(), id)
	if err == nil {
		err = s.OpenCapture(*a)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeCart(w, http.StatusOK, s)
}

func (h *Handler) confirmCapture(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var quantity, price string
	err = decodeBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "quantity":
			quantity, err = decodeText(d)
		case "price":
			price, err = decodeText(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := s.ConfirmCapture(quantity, price); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeCart(w, http.StatusOK, s)
}

func (h *Handler) cancelCapture(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.CancelCapture()
	h.writeCart(w, http.StatusOK, s)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var paid string
	err = decodeBody(w, r, func(d *jx.Decoder, key string) error {
		if key != "paid" {
			return d.Skip()
		}
		var err error
		paid, err = decodeText(d)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if paid == "" {
		writeError(w, r, badRequest("paid is required"))
		return
	}
	amount, err := cart.ParsePrice(paid)
	if err != nil {
		writeError(w, r, checkout.ErrInvalidAmount)
		return
	}

	sl, err := h.settler.Settle(r.Context(), s, amount)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeSale(&e, *sl, h.reports.Currency(), h.reports.Location())
	writeJSON(w, http.StatusCreated, &e)
}

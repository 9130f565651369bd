package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/oolio-pos/internal/domain/catalog"
)

func (h *Handler) listArticles(w http.ResponseWriter, r *http.Request) {
	articles, err := h.articles.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	articles = catalog.Filter(articles, r.URL.Query().Get("q"))

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("articles")
	e.ArrStart()
	for _, a := range articles {
		encodeArticle(&e, a)
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

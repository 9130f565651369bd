// Package handler exposes checkout, sales and reports over HTTP/JSON.
package handler

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/catalog"
	"github.com/xenking/oolio-pos/internal/domain/checkout"
	"github.com/xenking/oolio-pos/internal/domain/report"
	"github.com/xenking/oolio-pos/internal/domain/sale"
)

// Sales is the read and delete side of the sale repository.
type Sales interface {
	Get(ctx context.Context, id sale.ID) (*sale.Sale, error)
	List(ctx context.Context, limit int) ([]sale.Sale, error)
	Delete(ctx context.Context, id sale.ID) error
}

// Settler settles a checkout session.
type Settler interface {
	Settle(ctx context.Context, s *checkout.Session, paid decimal.Decimal) (*sale.Sale, error)
}

// Config holds non-dependency settings of the Handler.
type Config struct {
	// DefaultListLimit caps GET /api/sales without a date.
	DefaultListLimit int
}

// Handler serves the POS API.
type Handler struct {
	articles catalog.Repository
	sessions *checkout.Registry
	settler  Settler
	sales    Sales
	reports  *report.Service
	limit    int
}

// New constructs a Handler with the required domain dependencies.
func New(
	cfg Config,
	articles catalog.Repository,
	sessions *checkout.Registry,
	settler Settler,
	sales Sales,
	reports *report.Service,
) *Handler {
	if cfg.DefaultListLimit <= 0 {
		cfg.DefaultListLimit = 50
	}
	return &Handler{
		articles: articles,
		sessions: sessions,
		settler:  settler,
		sales:    sales,
		reports:  reports,
		limit:    cfg.DefaultListLimit,
	}
}

// TerminalPathPrefix prefixes every route scoped to one terminal.
const TerminalPathPrefix = "/api/terminals/"

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/articles", h.listArticles)

	mux.HandleFunc("GET /api/terminals/{terminal}/cart", h.getCart)
	mux.HandleFunc("DELETE /api/terminals/{terminal}/cart", h.abandonCart)
	mux.HandleFunc("POST /api/terminals/{terminal}/cart/lines", h.addLine)
	mux.HandleFunc("DELETE /api/terminals/{terminal}/cart/lines/{index}", h.removeLine)
	mux.HandleFunc("POST /api/terminals/{terminal}/capture", h.openCapture)
	mux.HandleFunc("POST /api/terminals/{terminal}/capture/confirm", h.confirmCapture)
	mux.HandleFunc("DELETE /api/terminals/{terminal}/capture", h.cancelCapture)
	mux.HandleFunc("POST /api/terminals/{terminal}/settle", h.settle)

	mux.HandleFunc("GET /api/sales", h.listSales)
	mux.HandleFunc("GET /api/sales/{id}", h.getSale)
	mux.HandleFunc("DELETE /api/sales/{id}", h.deleteSale)

	mux.HandleFunc("GET /api/reports/daily", h.dailyReport)
	mux.HandleFunc("GET /api/reports/export", h.exportReport)
}

package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested article does not exist.
var ErrNotFound = errors.New("article not found")

// Article is a sellable catalog item. Articles are read-only to checkout.
type Article struct {
	ID         int64
	Name       string
	UnitPrice  decimal.Decimal
	CategoryID int64
	CreatedAt  time.Time
}

// Category groups articles for display.
type Category struct {
	ID   int64
	Name string
}

// Repository defines read operations for the article catalog.
type Repository interface {
	List(ctx context.Context) ([]Article, error)
	GetByID(ctx context.Context, id int64) (*Article, error)
}

// Filter returns the articles whose name contains query, ignoring case.
// An empty query returns articles unchanged.
func Filter(articles []Article, query string) []Article {
	query = strings.TrimSpace(query)
	if query == "" {
		return articles
	}
	query = strings.ToLower(query)

	out := make([]Article, 0, len(articles))
	for _, a := range articles {
		if strings.Contains(strings.ToLower(a.Name), query) {
			out = append(out, a)
		}
	}
	return out
}

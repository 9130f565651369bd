// Package cart holds the in-memory cart of a checkout session and the
// quantity capture interaction that feeds it.
package cart

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/catalog"
)

// Sentinel errors for cart mutation.
var (
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrInvalidPrice    = errors.New("unit price must not be negative")
	ErrLineNotFound    = errors.New("cart line not found")
)

// Line is a single cart position. UnitPrice is the effective price, which
// differs from the catalog price when an ad-hoc override was captured.
type Line struct {
	ArticleID   int64
	ArticleName string
	UnitPrice   decimal.Decimal
	Quantity    int
}

// Total returns UnitPrice × Quantity.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is an ordered sequence of lines. It is not safe for concurrent use;
// the owning checkout session serialises access.
//
// Adding an article whose id and effective unit price match an existing
// line increments that line. A different price for the same article appends
// a new line so that each line has exactly one price.
type Cart struct {
	lines []Line
}

// New returns an empty cart.
func New() *Cart {
	return &Cart{}
}

// AddLine adds quantity units of article at article.UnitPrice.
func (c *Cart) AddLine(article catalog.Article, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}
	if article.UnitPrice.IsNegative() {
		return ErrInvalidPrice
	}
	price := article.UnitPrice.Round(2)

	for i := range c.lines {
		if c.lines[i].ArticleID == article.ID && c.lines[i].UnitPrice.Equal(price) {
			c.lines[i].Quantity += quantity
			return nil
		}
	}

	c.lines = append(c.lines, Line{
		ArticleID:   article.ID,
		ArticleName: article.Name,
		UnitPrice:   price,
		Quantity:    quantity,
	})
	return nil
}

// RemoveLine removes the line at index, keeping the order of the rest.
func (c *Cart) RemoveLine(index int) error {
	if index < 0 || index >= len(c.lines) {
		return ErrLineNotFound
	}
	c.lines = append(c.lines[:index], c.lines[index+1:]...)
	return nil
}

// Clear drops every line.
func (c *Cart) Clear() {
	c.lines = nil
}

// Total sums the line totals. It is recomputed on every call.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.lines {
		total = total.Add(l.Total())
	}
	return total
}

// Lines returns a copy of the current lines.
func (c *Cart) Lines() []Line {
	out := make([]Line, len(c.lines))
	copy(out, c.lines)
	return out
}

// Len returns the number of lines.
func (c *Cart) Len() int { return len(c.lines) }

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool { return len(c.lines) == 0 }

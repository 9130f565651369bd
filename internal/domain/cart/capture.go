package cart

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/catalog"
)

// Capture errors. Input errors leave the capture open.
var (
	ErrCaptureClosed        = errors.New("no article selected")
	ErrInvalidQuantityInput = errors.New("quantity must be a positive whole number")
	ErrInvalidPriceInput    = errors.New("price must be a non-negative amount")
)

// CaptureState is the state of a quantity capture.
type CaptureState int

const (
	CaptureClosed CaptureState = iota
	CaptureOpen
)

func (s CaptureState) String() string {
	if s == CaptureOpen {
		return "open"
	}
	return "closed"
}

// Result is a confirmed capture. Article.UnitPrice already carries any
// price override.
type Result struct {
	Article    catalog.Article
	Quantity   int
	Overridden bool
}

// Capture asks for the quantity (and optionally a price) of one selected
// article. It has no side effects; the caller applies the Result to a Cart.
type Capture struct {
	state   CaptureState
	article catalog.Article
}

func (c *Capture) State() CaptureState { return c.state }

// Article returns the selected article and whether a capture is open.
func (c *Capture) Article() (catalog.Article, bool) {
	return c.article, c.state == CaptureOpen
}

// Open selects article. Opening while already open replaces the selection.
func (c *Capture) Open(article catalog.Article) {
	c.article = article
	c.state = CaptureOpen
}

// Cancel closes the capture without producing a result.
func (c *Capture) Cancel() {
	c.article = catalog.Article{}
	c.state = CaptureClosed
}

// Confirm parses the entered quantity and optional price. On success the
// capture closes; on invalid input it stays open for correction.
func (c *Capture) Confirm(quantity, price string) (Result, error) {
	if c.state != CaptureOpen {
		return Result{}, ErrCaptureClosed
	}

	qty, err := ParseQuantity(quantity)
	if err != nil {
		return Result{}, err
	}

	article := c.article
	overridden := false
	if strings.TrimSpace(price) != "" {
		p, err := ParsePrice(price)
		if err != nil {
			return Result{}, err
		}
		overridden = !p.Equal(article.UnitPrice)
		article.UnitPrice = p
	}

	c.Cancel()
	return Result{Article: article, Quantity: qty, Overridden: overridden}, nil
}

// ParseQuantity accepts a positive base-10 integer.
func ParseQuantity(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, ErrInvalidQuantityInput
	}
	return n, nil
}

// ParsePrice accepts a non-negative decimal with either '.' or ',' as the
// decimal separator and rounds it to cents.
func ParsePrice(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}, ErrInvalidPriceInput
	}
	return d.Round(2), nil
}

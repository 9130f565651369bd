package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/sale"
)

// Sentinel errors for settlement.
var (
	ErrEmptyCart            = errors.New("cart is empty")
	ErrInvalidAmount        = errors.New("paid amount must not be negative")
	ErrInsufficientPayment  = errors.New("paid amount is less than the total")
	ErrSettlementInProgress = errors.New("settlement already in progress")
	ErrUnknownTerminal      = errors.New("terminal id required")
)

// InsufficientPaymentError carries the amounts of a rejected settlement.
type InsufficientPaymentError struct {
	Total decimal.Decimal
	Paid  decimal.Decimal
}

func (e *InsufficientPaymentError) Error() string {
	return fmt.Sprintf("paid %s is less than total %s", e.Paid.StringFixed(2), e.Total.StringFixed(2))
}

func (e *InsufficientPaymentError) Is(target error) bool {
	return target == ErrInsufficientPayment
}

// Missing returns the amount still owed.
func (e *InsufficientPaymentError) Missing() decimal.Decimal {
	return e.Total.Sub(e.Paid)
}

// SaleCreator persists a sale and returns the id it was stored under.
type SaleCreator interface {
	Create(ctx context.Context, s *sale.Sale) (sale.ID, error)
}

// Processor settles checkout sessions.
type Processor struct {
	sales SaleCreator
	now   func() time.Time

	settlements metric.Int64Counter
	revenue     metric.Float64Counter
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithClock overrides the time source used for sale timestamps.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// NewProcessor returns a Processor that stores sales through sales.
func NewProcessor(sales SaleCreator, mp metric.MeterProvider, opts ...ProcessorOption) (*Processor, error) {
	meter := mp.Meter("github.com/xenking/oolio-pos/internal/domain/checkout")

	settlements, err := meter.Int64Counter("pos.checkout.settlements",
		metric.WithDescription("Settlement attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create settlements counter")
	}
	revenue, err := meter.Float64Counter("pos.checkout.revenue",
		metric.WithDescription("Total amount of stored sales"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create revenue counter")
	}

	p := &Processor{
		sales:       sales,
		now:         time.Now,
		settlements: settlements,
		revenue:     revenue,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Settle stores the cart of s as a sale paid with paid and clears the cart.
// Validation failures and persistence errors leave the cart untouched. Only
// one Settle per session runs at a time; a concurrent call fails with
// ErrSettlementInProgress.
func (p *Processor) Settle(ctx context.Context, s *Session, paid decimal.Decimal) (*sale.Sale, error) {
	if !s.settling.CompareAndSwap(false, true) {
		p.record(ctx, "in_progress")
		return nil, ErrSettlementInProgress
	}
	defer s.settling.Store(false)

	sl, err := p.snapshot(s, paid)
	if err != nil {
		p.record(ctx, "rejected")
		return nil, err
	}

	lg := zctx.From(ctx).With(
		zap.String("terminal", s.terminal),
		zap.Stringer("idempotency_key", sl.IdempotencyKey),
	)

	id, err := p.sales.Create(ctx, sl)
	if err != nil {
		p.record(ctx, "failed")
		lg.Error("Settlement failed", zap.Error(err), zap.Bool("partial", sale.IsPartial(err)))
		return nil, errors.Wrap(err, "store sale")
	}
	sl.ID = id
	sl.Status = sale.StatusComplete

	s.mu.Lock()
	s.reset()
	s.mu.Unlock()

	p.record(ctx, "stored")
	p.revenue.Add(ctx, sl.TotalAmount.InexactFloat64())
	lg.Info("Sale settled",
		zap.Int64("sale_id", int64(id)),
		zap.String("total", sl.TotalAmount.StringFixed(2)),
		zap.String("change", sl.ChangeAmount.StringFixed(2)),
	)
	return sl, nil
}

// snapshot validates the payment against the cart and builds the sale.
func (p *Processor) snapshot(s *Session, paid decimal.Decimal) (*sale.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if paid.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if s.cart.IsEmpty() {
		return nil, ErrEmptyCart
	}

	total := s.cart.Total().Round(2)
	paid = paid.Round(2)
	if paid.LessThan(total) {
		return nil, &InsufficientPaymentError{Total: total, Paid: paid}
	}

	lines := s.cart.Lines()
	items := make([]sale.LineItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, sale.LineItem{
			ArticleID:   l.ArticleID,
			ArticleName: l.ArticleName,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
		})
	}

	return &sale.Sale{
		Timestamp:      p.now(),
		TerminalID:     s.terminal,
		IdempotencyKey: s.key,
		Status:         sale.StatusPending,
		TotalAmount:    total,
		PaidAmount:     paid,
		ChangeAmount:   paid.Sub(total),
		LineItems:      items,
	}, nil
}

func (p *Processor) record(ctx context.Context, outcome string) {
	p.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

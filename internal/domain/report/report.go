// Package report aggregates stored sales per day and renders CSV exports.
package report

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/currency"

	"github.com/xenking/oolio-pos/internal/domain/sale"
)

// ErrInvalidDate is returned for dates not in YYYY-MM-DD form.
var ErrInvalidDate = errors.New("date must be formatted as YYYY-MM-DD")

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// CSVHeader is the first row of every export.
var CSVHeader = []string{"Date", "Time", "ArticleName", "UnitPrice", "Quantity", "LineTotal"}

// SalesSource reads complete sales by inclusive time range.
type SalesSource interface {
	GetByDateRange(ctx context.Context, start, end time.Time) ([]sale.Sale, error)
}

// Service builds reports from a SalesSource. Calendar days are taken in
// the configured location.
type Service struct {
	sales    SalesSource
	loc      *time.Location
	currency currency.Unit
	group    singleflight.Group
}

// NewService returns a report Service. A nil loc means time.Local.
func NewService(sales SalesSource, loc *time.Location, cur currency.Unit) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{sales: sales, loc: loc, currency: cur}
}

func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Currency() currency.Unit { return s.currency }

// ParseDate parses a YYYY-MM-DD date as midnight in the service location.
func (s *Service) ParseDate(v string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(v), s.loc)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return t, nil
}

// DayBounds returns the first and last instant of the calendar day that
// contains date.
func (s *Service) DayBounds(date time.Time) (start, end time.Time) {
	d := date.In(s.loc)
	start = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, s.loc)
	end = start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return start, end
}

// Sales returns the sales in [start, end]. Concurrent identical requests
// share one read, which outlives the cancellation of any single caller.
// The returned slice must not be modified.
func (s *Service) Sales(ctx context.Context, start, end time.Time) ([]sale.Sale, error) {
	key := start.UTC().Format(time.RFC3339Nano) + "/" + end.UTC().Format(time.RFC3339Nano)
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.sales.GetByDateRange(shared, start, end)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]sale.Sale), nil
	}
}

// DailyTotal sums TotalAmount over the sales of the day containing date.
func (s *Service) DailyTotal(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	start, end := s.DayBounds(date)
	sales, err := s.Sales(ctx, start, end)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "load sales")
	}
	return sumTotals(sales), nil
}

func sumTotals(sales []sale.Sale) decimal.Decimal {
	total := decimal.Zero
	for _, sl := range sales {
		total = total.Add(sl.TotalAmount)
	}
	return total.Round(2)
}

// Summary describes one day of sales.
type Summary struct {
	Date     time.Time
	Currency currency.Unit
	Count    int
	Items    int
	Total    decimal.Decimal
	First    time.Time
	Last     time.Time
	Sales    []sale.Sale
}

// Daily returns the summary of the day containing date.
func (s *Service) Daily(ctx context.Context, date time.Time) (*Summary, error) {
	start, end := s.DayBounds(date)
	sales, err := s.Sales(ctx, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "load sales")
	}

	sum := &Summary{
		Date:     start,
		Currency: s.currency,
		Count:    len(sales),
		Total:    sumTotals(sales),
		Sales:    sales,
	}
	for _, sl := range sales {
		for _, li := range sl.LineItems {
			sum.Items += li.Quantity
		}
	}
	if len(sales) > 0 {
		sum.First = sales[0].Timestamp.In(s.loc)
		sum.Last = sales[len(sales)-1].Timestamp.In(s.loc)
	}
	return sum, nil
}

// ExportCSV renders the sales in [start, end] with one row per line item.
func (s *Service) ExportCSV(ctx context.Context, start, end time.Time) (string, error) {
	var b strings.Builder
	if err := s.WriteCSV(ctx, &b, start, end); err != nil {
		return "", err
	}
	return b.String(), nil
}

// WriteCSV writes the export of [start, end] to w.
func (s *Service) WriteCSV(ctx context.Context, w io.Writer, start, end time.Time) error {
	sales, err := s.Sales(ctx, start, end)
	if err != nil {
		return errors.Wrap(err, "load sales")
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, sl := range sales {
		ts := sl.Timestamp.In(s.loc)
		date, clock := ts.Format(DateLayout), ts.Format(TimeLayout)
		for _, li := range sl.LineItems {
			row := []string{
				date,
				clock,
				EscapeName(li.ArticleName),
				li.UnitPrice.StringFixed(2),
				strconv.Itoa(li.Quantity),
				li.Total().StringFixed(2),
			}
			if err := cw.Write(row); err != nil {
				return errors.Wrap(err, "write row")
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Wrap(err, "flush csv")
	}
	return nil
}

// EscapeName replaces commas so a name never spans two columns.
func EscapeName(name string) string {
	return strings.ReplaceAll(name, ",", ";")
}

// Package sale defines completed sales and the repository that persists them
// as a header record plus line items.
package sale

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("sale not found")
	ErrDuplicateKey    = errors.New("idempotency key already used")
	ErrKeyConflict     = errors.New("idempotency key belongs to a different sale")
	ErrNoLineItems     = errors.New("sale has no line items")
	ErrInvalidAmounts  = errors.New("sale amounts are inconsistent")
	ErrInvalidLineItem = errors.New("invalid line item")
	ErrInvalidRange    = errors.New("range start is after range end")
)

// ID is assigned by the persistence backend only.
type ID int64

// Status tracks whether both writes of a sale have landed.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
)

// LineItem is a snapshot of an article at sale time.
type LineItem struct {
	ArticleID   int64
	ArticleName string
	UnitPrice   decimal.Decimal
	Quantity    int
}

// Total returns UnitPrice × Quantity.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Sale is a settled transaction. It is immutable once created except for
// whole-record deletion.
type Sale struct {
	ID             ID
	Timestamp      time.Time
	TerminalID     string
	IdempotencyKey uuid.UUID
	Status         Status
	TotalAmount    decimal.Decimal
	PaidAmount     decimal.Decimal
	ChangeAmount   decimal.Decimal
	LineItems      []LineItem
}

// Validate checks the monetary invariants of a sale about to be stored.
func (s *Sale) Validate() error {
	if len(s.LineItems) == 0 {
		return ErrNoLineItems
	}

	sum := decimal.Zero
	for i, li := range s.LineItems {
		if li.Quantity < 1 || li.UnitPrice.IsNegative() {
			return errors.Wrapf(ErrInvalidLineItem, "line %d", i)
		}
		sum = sum.Add(li.Total())
	}

	switch {
	case !sum.Round(2).Equal(s.TotalAmount.Round(2)):
		return errors.Wrap(ErrInvalidAmounts, "total does not match line items")
	case s.ChangeAmount.IsNegative():
		return errors.Wrap(ErrInvalidAmounts, "negative change")
	case !s.PaidAmount.Sub(s.TotalAmount).Equal(s.ChangeAmount):
		return errors.Wrap(ErrInvalidAmounts, "change is not paid minus total")
	}
	return nil
}

// Record is a stored sale as returned by a Backend. LineItems is empty and
// Payload carries the raw line-item encoding, which the Repository decodes.
type Record struct {
	Sale
	Payload []byte
}

// Backend is the storage a Repository is built on. Each method is a single
// round trip and is individually atomic.
type Backend interface {
	// InsertHeader stores s with status pending and returns the new id.
	// It returns ErrDuplicateKey when s.IdempotencyKey is already stored.
	InsertHeader(ctx context.Context, s *Sale) (ID, error)
	// InsertLineItems replaces the line items of sale id.
	InsertLineItems(ctx context.Context, id ID, items []LineItem) error
	MarkComplete(ctx context.Context, id ID) error
	// DeleteLineItems returns the number of removed rows.
	DeleteLineItems(ctx context.Context, id ID) (int64, error)
	// DeleteHeader reports whether a header was removed.
	DeleteHeader(ctx context.Context, id ID) (bool, error)
	// DeletePending removes sale id with its line items only while it is
	// still pending, and reports whether it did.
	DeletePending(ctx context.Context, id ID) (bool, error)

	Get(ctx context.Context, id ID) (*Record, error)
	FindByKey(ctx context.Context, key uuid.UUID) (*Record, error)
	// ListRange returns complete sales with start <= timestamp <= end,
	// ascending by timestamp.
	ListRange(ctx context.Context, start, end time.Time) ([]Record, error)
	// ListRecent returns up to limit complete sales, newest first.
	ListRecent(ctx context.Context, limit int) ([]Record, error)
	// ListPending returns pending sales created before olderThan.
	ListPending(ctx context.Context, olderThan time.Time) ([]Record, error)
	CountPending(ctx context.Context) (int64, error)
}

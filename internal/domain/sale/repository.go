package sale

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Repository stores sales as a header plus line items on top of a Backend
// and keeps the two writes consistent.
type Repository struct {
	backend       Backend
	maxTries      uint
	retryInterval time.Duration
	tracer        trace.Tracer
}

// Option configures a Repository.
type Option func(*Repository)

// WithRetry sets how often a line-item write is attempted before the
// header is rolled back.
func WithRetry(maxTries uint, interval time.Duration) Option {
	return func(r *Repository) {
		if maxTries > 0 {
			r.maxTries = maxTries
		}
		if interval > 0 {
			r.retryInterval = interval
		}
	}
}

// WithTracerProvider sets the tracer provider used for repository spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Repository) {
		r.tracer = tp.Tracer("github.com/xenking/oolio-pos/internal/domain/sale")
	}
}

// NewRepository returns a Repository over backend.
func NewRepository(backend Backend, opts ...Option) *Repository {
	r := &Repository{
		backend:       backend,
		maxTries:      3,
		retryInterval: 100 * time.Millisecond,
	}
	WithTracerProvider(otel.GetTracerProvider())(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create stores s and returns its id. The header is written as pending,
// then the line items, then the header is marked complete. If the line
// items cannot be written the header is deleted again and a *WriteError is
// returned; if that delete fails as well a *PartialWriteError is returned.
//
// A sale whose idempotency key is already stored is not written twice:
// the stored sale is completed if needed and its id returned.
func (r *Repository) Create(ctx context.Context, s *Sale) (ID, error) {
	ctx, span := r.tracer.Start(ctx, "sale.Create")
	defer span.End()

	if err := s.Validate(); err != nil {
		return 0, err
	}

	id, err := r.backend.InsertHeader(ctx, s)
	switch {
	case errors.Is(err, ErrDuplicateKey):
		span.AddEvent("duplicate idempotency key")
		id, err = r.resume(ctx, s)
		return id, recordErr(span, err)
	case err != nil:
		return 0, recordErr(span, &WriteError{Op: "insert header", Err: err})
	}
	span.SetAttributes(attribute.Int64("sale.id", int64(id)))

	if err := r.complete(ctx, id, s.LineItems); err != nil {
		return 0, recordErr(span, r.rollback(ctx, id, err))
	}
	return id, nil
}

// resume finishes a Create whose header was stored by an earlier attempt
// with the same idempotency key.
func (r *Repository) resume(ctx context.Context, s *Sale) (ID, error) {
	rec, err := r.backend.FindByKey(ctx, s.IdempotencyKey)
	if err != nil {
		return 0, &WriteError{Op: "find by key", Err: err}
	}
	if !rec.TotalAmount.Equal(s.TotalAmount.Round(2)) || !rec.PaidAmount.Equal(s.PaidAmount.Round(2)) {
		return 0, ErrKeyConflict
	}

	lg := zctx.From(ctx).With(zap.Int64("sale_id", int64(rec.ID)))
	if rec.Status == StatusComplete {
		lg.Info("Sale already stored")
		return rec.ID, nil
	}

	lg.Info("Completing pending sale")
	if err := r.complete(ctx, rec.ID, s.LineItems); err != nil {
		return 0, r.rollback(ctx, rec.ID, err)
	}
	return rec.ID, nil
}

func (r *Repository) complete(ctx context.Context, id ID, items []LineItem) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := r.backend.InsertLineItems(ctx, id, items); err != nil {
			zctx.From(ctx).Warn("Line item write failed",
				zap.Int64("sale_id", int64(id)),
				zap.Error(err),
			)
			return struct{}{}, err
		}
		return struct{}{}, r.backend.MarkComplete(ctx, id)
	}, backoff.WithBackOff(r.newBackOff()), backoff.WithMaxTries(r.maxTries))
	return err
}

func (r *Repository) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInterval
	return b
}

// rollback removes a sale whose completion failed with cause.
func (r *Repository) rollback(ctx context.Context, id ID, cause error) error {
	// The caller's context may be the reason for the failure.
	ctx = context.WithoutCancel(ctx)
	lg := zctx.From(ctx).With(zap.Int64("sale_id", int64(id)))

	if _, err := r.backend.DeleteLineItems(ctx, id); err != nil {
		lg.Error("Rollback of line items failed", zap.Error(err))
		return &PartialWriteError{ID: id, Err: cause, RollbackErr: err}
	}
	if _, err := r.backend.DeleteHeader(ctx, id); err != nil {
		lg.Error("Rollback of header failed", zap.Error(err))
		return &PartialWriteError{ID: id, Err: cause, RollbackErr: err}
	}

	lg.Warn("Sale rolled back", zap.Error(cause))
	return &WriteError{Op: "insert line items", Err: cause}
}

// Get returns a complete sale by id.
func (r *Repository) Get(ctx context.Context, id ID) (*Sale, error) {
	rec, err := r.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusComplete {
		return nil, ErrNotFound
	}
	s, err := decodeRecord(*rec)
	if err != nil {
		return nil, errors.Wrapf(err, "sale %d", id)
	}
	return &s, nil
}

// GetByDateRange returns complete sales with start <= timestamp <= end in
// ascending timestamp order. Sales whose line items cannot be decoded or
// are empty are logged and left out.
func (r *Repository) GetByDateRange(ctx context.Context, start, end time.Time) ([]Sale, error) {
	ctx, span := r.tracer.Start(ctx, "sale.GetByDateRange")
	defer span.End()

	if start.After(end) {
		return nil, ErrInvalidRange
	}

	recs, err := r.backend.ListRange(ctx, start, end)
	if err != nil {
		return nil, recordErr(span, errors.Wrap(err, "list sales"))
	}
	return r.decodeAll(ctx, recs), nil
}

// List returns up to limit complete sales, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Sale, error) {
	recs, err := r.backend.ListRecent(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list recent sales")
	}
	return r.decodeAll(ctx, recs), nil
}

func (r *Repository) decodeAll(ctx context.Context, recs []Record) []Sale {
	lg := zctx.From(ctx)
	out := make([]Sale, 0, len(recs))
	for _, rec := range recs {
		s, err := decodeRecord(rec)
		if err != nil {
			lg.Warn("Skipping sale", zap.Int64("sale_id", int64(rec.ID)), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out
}

func decodeRecord(rec Record) (Sale, error) {
	items, err := DecodeLineItems(rec.Payload)
	if err != nil {
		return Sale{}, err
	}
	if len(items) == 0 {
		return Sale{}, ErrNoLineItems
	}
	s := rec.Sale
	s.LineItems = items
	return s, nil
}

// Delete removes the line items of sale id and then its header. If the
// header delete fails after line items were removed a *PartialDeleteError
// is returned.
func (r *Repository) Delete(ctx context.Context, id ID) error {
	ctx, span := r.tracer.Start(ctx, "sale.Delete", trace.WithAttributes(attribute.Int64("sale.id", int64(id))))
	defer span.End()

	removed, err := r.backend.DeleteLineItems(ctx, id)
	if err != nil {
		return recordErr(span, errors.Wrapf(err, "delete line items of sale %d", id))
	}

	found, err := r.backend.DeleteHeader(ctx, id)
	if err != nil {
		if removed > 0 {
			return recordErr(span, &PartialDeleteError{ID: id, Removed: removed, Err: err})
		}
		return recordErr(span, errors.Wrapf(err, "delete sale %d", id))
	}
	if !found && removed == 0 {
		return ErrNotFound
	}

	zctx.From(ctx).Info("Sale deleted", zap.Int64("sale_id", int64(id)), zap.Int64("line_items", removed))
	return nil
}

// Reconcile rolls back pending sales created before olderThan. A sale that
// a concurrent retry completes after it was listed is left in place. It
// returns the number of sales removed.
func (r *Repository) Reconcile(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, span := r.tracer.Start(ctx, "sale.Reconcile")
	defer span.End()

	recs, err := r.backend.ListPending(ctx, olderThan)
	if err != nil {
		return 0, recordErr(span, errors.Wrap(err, "list pending sales"))
	}

	var (
		removed  int
		firstErr error
	)
	for _, rec := range recs {
		ok, err := r.backend.DeletePending(ctx, rec.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "delete pending sale %d", rec.ID)
			}
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		zctx.From(ctx).Info("Reconciled pending sales", zap.Int("removed", removed))
	}
	return removed, recordErr(span, firstErr)
}

// PendingCount returns the number of sales still awaiting completion.
func (r *Repository) PendingCount(ctx context.Context) (int64, error) {
	return r.backend.CountPending(ctx)
}

func recordErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

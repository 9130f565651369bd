package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oolio-pos/internal/domain/sale"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

const (
	insertSaleHeaderSQL = `INSERT INTO sales
		(idempotency_key, terminal_id, sold_at, total_amount, paid_amount, change_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING id`

	insertLegacySaleSQL = `INSERT INTO sales
		(terminal_id, sold_at, total_amount, paid_amount, change_amount, status, items)
		VALUES ($1, $2, $3, $4, $5, 'complete', $6)
		RETURNING id`

	markSaleCompleteSQL  = `UPDATE sales SET status = 'complete' WHERE id = $1`
	deleteLineItemsSQL   = `DELETE FROM sale_line_items WHERE sale_id = $1`
	deleteSaleHeaderSQL  = `DELETE FROM sales WHERE id = $1`
	deletePendingSaleSQL = `DELETE FROM sales WHERE id = $1 AND status = 'pending'`
	countPendingSalesSQL = `SELECT count(*) FROM sales WHERE status = 'pending'`

	// selectSaleSQL reads headers with their line items aggregated into
	// one JSON array. Imported sales without rows in sale_line_items fall
	// back to the raw items column.
	selectSaleSQL = `SELECT s.id, s.idempotency_key, s.terminal_id, s.sold_at, s.status,
		s.total_amount, s.paid_amount, s.change_amount,
		COALESCE(li.items, s.items) AS payload
		FROM sales s
		LEFT JOIN LATERAL (
			SELECT jsonb_agg(jsonb_build_object(
				'article_id', i.article_id,
				'article_name', i.article_name,
				'unit_price', i.unit_price::text,
				'quantity', i.quantity
			) ORDER BY i.position) AS items
			FROM sale_line_items i
			WHERE i.sale_id = s.id
		) li ON true`

	getSaleSQL         = selectSaleSQL + ` WHERE s.id = $1`
	findSaleByKeySQL   = selectSaleSQL + ` WHERE s.idempotency_key = $1`
	listSalesRangeSQL  = selectSaleSQL + ` WHERE s.status = 'complete' AND s.sold_at BETWEEN $1 AND $2 ORDER BY s.sold_at, s.id`
	listRecentSalesSQL = selectSaleSQL + ` WHERE s.status = 'complete' ORDER BY s.sold_at DESC, s.id DESC LIMIT $1`
	listPendingSQL     = selectSaleSQL + ` WHERE s.status = 'pending' AND s.created_at < $1 ORDER BY s.created_at`
)

var lineItemColumns = []string{"sale_id", "position", "article_id", "article_name", "unit_price", "quantity"}

var _ sale.Backend = (*SaleBackend)(nil)

// SaleBackend implements sale.Backend backed by PostgreSQL.
type SaleBackend struct {
	pool *pgxpool.Pool
}

// NewSaleBackend returns a SaleBackend that uses the given pool.
func NewSaleBackend(pool *pgxpool.Pool) *SaleBackend {
	return &SaleBackend{pool: pool}
}

// InsertHeader stores the sale header with status pending.
func (b *SaleBackend) InsertHeader(ctx context.Context, s *sale.Sale) (sale.ID, error) {
	key := uuid.NullUUID{UUID: s.IdempotencyKey, Valid: s.IdempotencyKey != uuid.Nil}

	var id int64
	err := b.pool.QueryRow(ctx, insertSaleHeaderSQL,
		key,
		s.TerminalID,
		s.Timestamp,
		s.TotalAmount.Round(2),
		s.PaidAmount.Round(2),
		s.ChangeAmount.Round(2),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, sale.ErrDuplicateKey
		}
		return 0, fmt.Errorf("inserting sale header: %w", err)
	}
	return sale.ID(id), nil
}

// InsertLineItems replaces the line items of a sale in one transaction, so
// a retried write never duplicates rows.
func (b *SaleBackend) InsertLineItems(ctx context.Context, id sale.ID, items []sale.LineItem) error {
	_, err := withTx(ctx, b.pool, func(tx pgx.Tx) (int64, error) {
		if _, err := tx.Exec(ctx, deleteLineItemsSQL, int64(id)); err != nil {
			return 0, err
		}
		return tx.CopyFrom(ctx, pgx.Identifier{"sale_line_items"}, lineItemColumns,
			pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
				li := items[i]
				return []any{int64(id), i, li.ArticleID, li.ArticleName, li.UnitPrice.Round(2), li.Quantity}, nil
			}),
		)
	})
	if err != nil {
		return fmt.Errorf("inserting line items of sale %d: %w", id, err)
	}
	return nil
}

// MarkComplete flips a pending sale to complete.
func (b *SaleBackend) MarkComplete(ctx context.Context, id sale.ID) error {
	tag, err := b.pool.Exec(ctx, markSaleCompleteSQL, int64(id))
	if err != nil {
		return fmt.Errorf("completing sale %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sale.ErrNotFound
	}
	return nil
}

func (b *SaleBackend) DeleteLineItems(ctx context.Context, id sale.ID) (int64, error) {
	tag, err := b.pool.Exec(ctx, deleteLineItemsSQL, int64(id))
	if err != nil {
		return 0, fmt.Errorf("deleting line items of sale %d: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

func (b *SaleBackend) DeleteHeader(ctx context.Context, id sale.ID) (bool, error) {
	tag, err := b.pool.Exec(ctx, deleteSaleHeaderSQL, int64(id))
	if err != nil {
		return false, fmt.Errorf("deleting sale %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeletePending removes a sale that is still pending. Line items go with it
// through the foreign key cascade.
func (b *SaleBackend) DeletePending(ctx context.Context, id sale.ID) (bool, error) {
	tag, err := b.pool.Exec(ctx, deletePendingSaleSQL, int64(id))
	if err != nil {
		return false, fmt.Errorf("deleting pending sale %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (b *SaleBackend) Get(ctx context.Context, id sale.ID) (*sale.Record, error) {
	return b.one(ctx, getSaleSQL, int64(id))
}

func (b *SaleBackend) FindByKey(ctx context.Context, key uuid.UUID) (*sale.Record, error) {
	return b.one(ctx, findSaleByKeySQL, key)
}

func (b *SaleBackend) ListRange(ctx context.Context, start, end time.Time) ([]sale.Record, error) {
	return b.many(ctx, listSalesRangeSQL, start, end)
}

func (b *SaleBackend) ListRecent(ctx context.Context, limit int) ([]sale.Record, error) {
	return b.many(ctx, listRecentSalesSQL, limit)
}

func (b *SaleBackend) ListPending(ctx context.Context, olderThan time.Time) ([]sale.Record, error) {
	return b.many(ctx, listPendingSQL, olderThan)
}

func (b *SaleBackend) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := b.pool.QueryRow(ctx, countPendingSalesSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending sales: %w", err)
	}
	return n, nil
}

// ImportLegacy stores a complete sale whose line items exist only as a
// raw payload, as found in exports of the previous till software. The
// payload is kept verbatim and normalised on read.
func (b *SaleBackend) ImportLegacy(ctx context.Context, s *sale.Sale, payload []byte) (sale.ID, error) {
	var id int64
	err := b.pool.QueryRow(ctx, insertLegacySaleSQL,
		s.TerminalID,
		s.Timestamp,
		s.TotalAmount.Round(2),
		s.PaidAmount.Round(2),
		s.ChangeAmount.Round(2),
		payload,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("importing legacy sale: %w", err)
	}
	return sale.ID(id), nil
}

func (b *SaleBackend) one(ctx context.Context, query string, args ...any) (*sale.Record, error) {
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting sale: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanSale)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sale.ErrNotFound
		}
		return nil, fmt.Errorf("getting sale: %w", err)
	}
	return &rec, nil
}

func (b *SaleBackend) many(ctx context.Context, query string, args ...any) ([]sale.Record, error) {
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sales: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanSale)
	if err != nil {
		return nil, fmt.Errorf("listing sales: %w", err)
	}
	return recs, nil
}

func scanSale(row pgx.CollectableRow) (sale.Record, error) {
	var (
		rec    sale.Record
		id     int64
		key    uuid.NullUUID
		status string
	)
	err := row.Scan(
		&id, &key, &rec.TerminalID, &rec.Timestamp, &status,
		&rec.TotalAmount, &rec.PaidAmount, &rec.ChangeAmount,
		&rec.Payload,
	)
	rec.ID = sale.ID(id)
	rec.IdempotencyKey = key.UUID
	rec.Status = sale.Status(status)
	return rec, err
}

package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/catalog"
)

const (
	listArticlesSQL = `SELECT id, name, unit_price, COALESCE(category_id, 0), created_at
		FROM articles ORDER BY name, id`

	getArticleByIDSQL = `SELECT id, name, unit_price, COALESCE(category_id, 0), created_at
		FROM articles WHERE id = $1`

	upsertCategorySQL = `INSERT INTO categories (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`

	upsertArticleSQL = `INSERT INTO articles (name, unit_price, category_id) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET unit_price = EXCLUDED.unit_price, category_id = EXCLUDED.category_id
		RETURNING id`
)

var _ catalog.Repository = (*ArticleRepository)(nil)

// ArticleRepository implements catalog.Repository backed by PostgreSQL.
type ArticleRepository struct {
	pool *pgxpool.Pool
}

// NewArticleRepository returns an ArticleRepository that uses the given pool.
func NewArticleRepository(pool *pgxpool.Pool) *ArticleRepository {
	return &ArticleRepository{pool: pool}
}

// List returns all articles ordered by name.
func (r *ArticleRepository) List(ctx context.Context) ([]catalog.Article, error) {
	rows, err := r.pool.Query(ctx, listArticlesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing articles: %w", err)
	}
	return pgx.CollectRows(rows, scanArticle)
}

// GetByID returns a single article by its identifier.
func (r *ArticleRepository) GetByID(ctx context.Context, id int64) (*catalog.Article, error) {
	rows, err := r.pool.Query(ctx, getArticleByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting article %d: %w", id, err)
	}

	a, err := pgx.CollectExactlyOneRow(rows, scanArticle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("getting article %d: %w", id, err)
	}
	return &a, nil
}

// UpsertCategory stores a category by name and returns its id.
func (r *ArticleRepository) UpsertCategory(ctx context.Context, name string) (int64, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, upsertCategorySQL, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("upserting category %q: %w", name, err)
	}
	return id, nil
}

// UpsertArticle stores an article by name and returns its id.
func (r *ArticleRepository) UpsertArticle(ctx context.Context, a catalog.Article) (int64, error) {
	var category *int64
	if a.CategoryID != 0 {
		category = &a.CategoryID
	}

	var id int64
	if err := r.pool.QueryRow(ctx, upsertArticleSQL, a.Name, a.UnitPrice.Round(2), category).Scan(&id); err != nil {
		return 0, fmt.Errorf("upserting article %q: %w", a.Name, err)
	}
	return id, nil
}

func scanArticle(row pgx.CollectableRow) (catalog.Article, error) {
	var (
		a     catalog.Article
		price decimal.Decimal
	)
	err := row.Scan(&a.ID, &a.Name, &price, &a.CategoryID, &a.CreatedAt)
	a.UnitPrice = price
	return a, err
}

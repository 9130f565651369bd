package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/catalog"
	"github.com/xenking/oolio-pos/internal/domain/sale"
	"github.com/xenking/oolio-pos/internal/storage/postgres"
)

type seedFile struct {
	Categories []struct {
		Name string `json:"name"`
	} `json:"categories"`
	Articles []struct {
		Name      string          `json:"name"`
		UnitPrice decimal.Decimal `json:"unitPrice"`
		Category  string          `json:"category"`
	} `json:"articles"`
}

// legacySale is one entry of a sales export of the previous till software.
// Items is kept verbatim: an array, a string holding an array, or null.
type legacySale struct {
	Terminal string          `json:"terminal"`
	SoldAt   time.Time       `json:"soldAt"`
	Total    decimal.Decimal `json:"total"`
	Paid     decimal.Decimal `json:"paid"`
	Items    json.RawMessage `json:"items"`
}

func main() {
	var (
		databaseURL  string
		articlesFile string
		salesFile    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&articlesFile, "articles-file", "db/seed/articles.json", "path to categories and articles JSON file")
	flag.StringVar(&salesFile, "sales-file", "", "optional legacy sales JSON file to import")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, articlesFile, salesFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, articlesFile, salesFile string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedArticles(ctx, postgres.NewArticleRepository(pool), articlesFile); err != nil {
		return errors.Wrap(err, "seed articles")
	}

	if salesFile != "" {
		if err := importSales(ctx, postgres.NewSaleBackend(pool), salesFile); err != nil {
			return errors.Wrap(err, "import sales")
		}
	}

	return nil
}

func seedArticles(ctx context.Context, repo *postgres.ArticleRepository, path string) error {
	slog.Info("reading articles file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read articles file")
	}

	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return errors.Wrap(err, "parse articles JSON")
	}

	categories := make(map[string]int64, len(seed.Categories))
	for _, c := range seed.Categories {
		id, err := repo.UpsertCategory(ctx, c.Name)
		if err != nil {
			return errors.Wrapf(err, "upsert category %s", c.Name)
		}
		categories[c.Name] = id
	}

	slog.Info("upserting articles", slog.Int("count", len(seed.Articles)))

	for _, a := range seed.Articles {
		if a.UnitPrice.IsNegative() {
			return errors.Errorf("article %s: negative unit price %s", a.Name, a.UnitPrice)
		}
		categoryID, ok := categories[a.Category]
		if !ok && a.Category != "" {
			return errors.Errorf("article %s: unknown category %q", a.Name, a.Category)
		}

		id, err := repo.UpsertArticle(ctx, catalog.Article{
			Name:       a.Name,
			UnitPrice:  a.UnitPrice,
			CategoryID: categoryID,
		})
		if err != nil {
			return errors.Wrapf(err, "upsert article %s", a.Name)
		}

		slog.Info("upserted article", slog.Int64("id", id), slog.String("name", a.Name))
	}

	return nil
}

func importSales(ctx context.Context, backend *postgres.SaleBackend, path string) error {
	slog.Info("reading legacy sales file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read sales file")
	}

	var sales []legacySale
	if err := json.Unmarshal(data, &sales); err != nil {
		return errors.Wrap(err, "parse sales JSON")
	}

	var skipped int
	for i, ls := range sales {
		items, err := sale.DecodeLineItems(ls.Items)
		switch {
		case err != nil:
		case len(items) == 0:
			err = sale.ErrNoLineItems
		case ls.Paid.LessThan(ls.Total):
			err = sale.ErrInvalidAmounts
		}
		if err != nil {
			slog.Warn("skipping legacy sale", slog.Int("index", i), slog.String("error", err.Error()))
			skipped++
			continue
		}

		s := &sale.Sale{
			TerminalID:   ls.Terminal,
			Timestamp:    ls.SoldAt,
			TotalAmount:  ls.Total,
			PaidAmount:   ls.Paid,
			ChangeAmount: ls.Paid.Sub(ls.Total),
		}
		id, err := backend.ImportLegacy(ctx, s, ls.Items)
		if err != nil {
			return errors.Wrapf(err, "import sale %d", i)
		}

		slog.Debug("imported legacy sale", slog.Int64("id", int64(id)))
	}

	slog.Info("imported legacy sales", slog.Int("count", len(sales)-skipped), slog.Int("skipped", skipped))
	return nil
}

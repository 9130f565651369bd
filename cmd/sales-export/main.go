package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/text/currency"

	"github.com/xenking/oolio-pos/internal/domain/report"
	"github.com/xenking/oolio-pos/internal/domain/sale"
	"github.com/xenking/oolio-pos/internal/storage/postgres"
)

type options struct {
	databaseURL string
	from, to    string
	location    string
	out         string
	gzip        bool
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.from, "from", "", "first day to export, YYYY-MM-DD (default today)")
	flag.StringVar(&opts.to, "to", "", "last day to export, YYYY-MM-DD (default -from)")
	flag.StringVar(&opts.location, "location", "Local", "time zone of report days and timestamps")
	flag.StringVar(&opts.out, "out", "-", "output file, - for stdout")
	flag.BoolVar(&opts.gzip, "gzip", false, "gzip the output (implied by a .gz output file)")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("export failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	loc, err := time.LoadLocation(opts.location)
	if err != nil {
		return errors.Wrapf(err, "load location %q", opts.location)
	}

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	// Currency does not appear in the CSV.
	svc := report.NewService(sale.NewRepository(postgres.NewSaleBackend(pool)), loc, currency.XXX)

	start, end, err := exportRange(svc, opts.from, opts.to, time.Now())
	if err != nil {
		return err
	}

	w, closeOut, err := openOutput(opts.out, opts.gzip || strings.HasSuffix(opts.out, ".gz"))
	if err != nil {
		return err
	}

	slog.Info("exporting sales",
		slog.String("from", start.Format(report.DateLayout)),
		slog.String("to", end.Format(report.DateLayout)),
		slog.String("out", opts.out),
	)
	if err := svc.WriteCSV(ctx, w, start, end); err != nil {
		_ = closeOut()
		return errors.Wrap(err, "write csv")
	}
	if err := closeOut(); err != nil {
		return errors.Wrap(err, "close output")
	}

	slog.Info("export completed")
	return nil
}

// exportRange resolves the inclusive day range of the export.
func exportRange(svc *report.Service, from, to string, now time.Time) (start, end time.Time, err error) {
	first := now
	if from != "" {
		if first, err = svc.ParseDate(from); err != nil {
			return start, end, errors.Wrap(err, "parse -from")
		}
	}
	last := first
	if to != "" {
		if last, err = svc.ParseDate(to); err != nil {
			return start, end, errors.Wrap(err, "parse -to")
		}
	}

	start, _ = svc.DayBounds(first)
	_, end = svc.DayBounds(last)
	if start.After(end) {
		return start, end, sale.ErrInvalidRange
	}
	return start, end, nil
}

// openOutput returns the export writer and a func that flushes and closes
// every layer of it.
func openOutput(path string, compress bool) (io.Writer, func() error, error) {
	var f *os.File
	if path == "-" {
		f = os.Stdout
	} else {
		var err error
		if f, err = os.Create(path); err != nil {
			return nil, nil, errors.Wrap(err, "create output")
		}
	}
	closeFile := func() error {
		if f == os.Stdout {
			return nil
		}
		return f.Close()
	}

	bw := bufio.NewWriter(f)
	if !compress {
		return bw, func() error {
			if err := bw.Flush(); err != nil {
				_ = closeFile()
				return err
			}
			return closeFile()
		}, nil
	}

	gz := pgzip.NewWriter(bw)
	return gz, func() error {
		if err := gz.Close(); err != nil {
			_ = closeFile()
			return err
		}
		if err := bw.Flush(); err != nil {
			_ = closeFile()
			return err
		}
		return closeFile()
	}, nil
}

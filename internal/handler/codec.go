package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"golang.org/x/text/currency"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/catalog"
	"github.com/xenking/oolio-pos/internal/domain/checkout"
	"github.com/xenking/oolio-pos/internal/domain/report"
	"github.com/xenking/oolio-pos/internal/domain/sale"
)

const maxBodySize = 64 << 10

// decodeBody reads a JSON object body and calls field for every key.
func decodeBody(w http.ResponseWriter, r *http.Request, field func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return badRequest("read body: " + err.Error())
	}
	if err := jx.DecodeBytes(data).Obj(field); err != nil {
		return badRequest("decode body: " + err.Error())
	}
	return nil
}

// decodeText accepts a JSON string or number and returns its text, so
// amounts keep their exact decimal digits.
func decodeText(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		return string(n), err
	case jx.Null:
		return "", d.Null()
	default:
		return "", errors.New("expected string or number")
	}
}

func encodeArticle(e *jx.Encoder, a catalog.Article) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(a.ID)
	e.FieldStart("name")
	e.Str(a.Name)
	e.FieldStart("unitPrice")
	e.Str(a.UnitPrice.StringFixed(2))
	if a.CategoryID != 0 {
		e.FieldStart("categoryId")
		e.Int64(a.CategoryID)
	}
	e.ObjEnd()
}

func encodeCart(e *jx.Encoder, v checkout.View, cur currency.Unit) {
	e.ObjStart()
	e.FieldStart("terminal")
	e.Str(v.Terminal)
	e.FieldStart("currency")
	e.Str(cur.String())
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range v.Lines {
		e.ObjStart()
		e.FieldStart("articleId")
		e.Int64(l.ArticleID)
		e.FieldStart("articleName")
		e.Str(l.ArticleName)
		e.FieldStart("unitPrice")
		e.Str(l.UnitPrice.StringFixed(2))
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("lineTotal")
		e.Str(l.Total().StringFixed(2))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("total")
	e.Str(v.Total.StringFixed(2))
	e.FieldStart("capture")
	if v.Capture == cart.CaptureOpen {
		encodeArticle(e, v.CaptureArticle)
	} else {
		e.Null()
	}
	e.FieldStart("settling")
	e.Bool(v.Settling)
	e.ObjEnd()
}

func encodeSale(e *jx.Encoder, s sale.Sale, cur currency.Unit, loc *time.Location) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(int64(s.ID))
	e.FieldStart("timestamp")
	e.Str(s.Timestamp.In(loc).Format(time.RFC3339))
	if s.TerminalID != "" {
		e.FieldStart("terminal")
		e.Str(s.TerminalID)
	}
	e.FieldStart("currency")
	e.Str(cur.String())
	e.FieldStart("totalAmount")
	e.Str(s.TotalAmount.StringFixed(2))
	e.FieldStart("paidAmount")
	e.Str(s.PaidAmount.StringFixed(2))
	e.FieldStart("changeAmount")
	e.Str(s.ChangeAmount.StringFixed(2))
	e.FieldStart("lineItems")
	e.ArrStart()
	for _, li := range s.LineItems {
		e.ObjStart()
		e.FieldStart("articleId")
		e.Int64(li.ArticleID)
		e.FieldStart("articleName")
		e.Str(li.ArticleName)
		e.FieldStart("unitPrice")
		e.Str(li.UnitPrice.StringFixed(2))
		e.FieldStart("quantity")
		e.Int(li.Quantity)
		e.FieldStart("lineTotal")
		e.Str(li.Total().StringFixed(2))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func encodeSales(e *jx.Encoder, sales []sale.Sale, cur currency.Unit, loc *time.Location) {
	e.ArrStart()
	for _, s := range sales {
		encodeSale(e, s, cur, loc)
	}
	e.ArrEnd()
}

func encodeSummary(e *jx.Encoder, s *report.Summary, loc *time.Location) {
	e.ObjStart()
	e.FieldStart("date")
	e.Str(s.Date.Format(report.DateLayout))
	e.FieldStart("currency")
	e.Str(s.Currency.String())
	e.FieldStart("count")
	e.Int(s.Count)
	e.FieldStart("items")
	e.Int(s.Items)
	e.FieldStart("total")
	e.Str(s.Total.StringFixed(2))
	if s.Count > 0 {
		e.FieldStart("first")
		e.Str(s.First.Format(report.TimeLayout))
		e.FieldStart("last")
		e.Str(s.Last.Format(report.TimeLayout))
	}
	e.FieldStart("sales")
	encodeSales(e, s.Sales, s.Currency, loc)
	e.ObjEnd()
}

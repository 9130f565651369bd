package sale

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// ErrMalformedPayload is returned when stored line items cannot be decoded.
var ErrMalformedPayload = errors.New("malformed line item payload")

// DecodeLineItems normalises a stored line-item payload. The payload is
// one of:
//
//   - null or empty: no line items
//   - a JSON array of line item objects
//   - a JSON string whose content is such an array (imported records)
//
// Prices may be numbers or numeric strings. A missing quantity means 1.
// Field names from imported records (artikel_name, preis, menge) are
// accepted alongside the current ones.
func DecodeLineItems(raw []byte) ([]LineItem, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}

	d := jx.DecodeBytes(raw)
	switch tt := d.Next(); tt {
	case jx.Null:
		return nil, nil
	case jx.Array:
		return decodeItemArray(d)
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return nil, errors.Wrap(ErrMalformedPayload, err.Error())
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		inner := jx.DecodeStr(s)
		switch inner.Next() {
		case jx.Array:
			return decodeItemArray(inner)
		case jx.Null:
			return nil, nil
		default:
			return nil, errors.Wrap(ErrMalformedPayload, "string payload is not an array")
		}
	default:
		return nil, errors.Wrapf(ErrMalformedPayload, "unexpected %s payload", tt)
	}
}

func decodeItemArray(d *jx.Decoder) ([]LineItem, error) {
	var items []LineItem
	err := d.Arr(func(d *jx.Decoder) error {
		li, err := decodeItem(d)
		if err != nil {
			return errors.Wrapf(err, "item %d", len(items))
		}
		items = append(items, li)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, err.Error())
	}
	return items, nil
}

func decodeItem(d *jx.Decoder) (LineItem, error) {
	li := LineItem{Quantity: 1}
	var hasName, hasPrice bool

	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "article_id", "artikel_id":
			if d.Next() == jx.Null {
				return d.Null()
			}
			id, err := d.Int64()
			if err != nil {
				return errors.Wrap(err, key)
			}
			li.ArticleID = id
		case "article_name", "artikel_name", "name":
			s, err := d.Str()
			if err != nil {
				return errors.Wrap(err, key)
			}
			li.ArticleName = s
			hasName = true
		case "unit_price", "preis", "price":
			p, err := decodeDecimal(d)
			if err != nil {
				return errors.Wrap(err, key)
			}
			li.UnitPrice = p
			hasPrice = true
		case "quantity", "menge":
			q, err := decodeQuantity(d)
			if err != nil {
				return errors.Wrap(err, key)
			}
			li.Quantity = q
		default:
			return d.Skip()
		}
		return nil
	})
	if err != nil {
		return LineItem{}, err
	}

	switch {
	case !hasName:
		return LineItem{}, errors.New("missing article name")
	case !hasPrice:
		return LineItem{}, errors.New("missing unit price")
	case li.UnitPrice.IsNegative():
		return LineItem{}, errors.New("negative unit price")
	case li.Quantity < 1:
		return LineItem{}, errors.Errorf("quantity %d below 1", li.Quantity)
	}
	return li, nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(strings.TrimSpace(s))
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(string(n))
	default:
		return decimal.Decimal{}, errors.New("price is not a number")
	}
}

func decodeQuantity(d *jx.Decoder) (int, error) {
	switch d.Next() {
	case jx.Null:
		return 1, d.Null()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return 0, err
		}
		if strings.TrimSpace(s) == "" {
			return 1, nil
		}
		return strconv.Atoi(strings.TrimSpace(s))
	case jx.Number:
		return d.Int()
	default:
		return 0, errors.New("quantity is not a number")
	}
}

// EncodeLineItems writes items as a JSON array in the shape DecodeLineItems
// reads back.
func EncodeLineItems(items []LineItem) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, li := range items {
		e.ObjStart()
		e.FieldStart("article_id")
		e.Int64(li.ArticleID)
		e.FieldStart("article_name")
		e.Str(li.ArticleName)
		e.FieldStart("unit_price")
		e.Str(li.UnitPrice.StringFixed(2))
		e.FieldStart("quantity")
		e.Int(li.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	return e.Bytes()
}

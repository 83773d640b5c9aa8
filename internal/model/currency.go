package model

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Currency is one of the fixed set of supported ISO-like codes.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	NGN Currency = "NGN"
	BTC Currency = "BTC"
)

// precision is the number of fractional digits stored for each currency.
var precision = map[Currency]int32{
	USD: 2,
	EUR: 2,
	GBP: 2,
	NGN: 2,
	BTC: 8,
}

// Currencies lists the supported currencies in a stable order.
func Currencies() []Currency {
	return []Currency{USD, EUR, GBP, NGN, BTC}
}

// ParseCurrency normalizes a code and checks it is supported.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if !c.Valid() {
		return "", errors.Wrapf(ErrUnsupportedCurrency, "%q", code)
	}
	return c, nil
}

func (c Currency) Valid() bool {
	_, ok := precision[c]
	return ok
}

// Precision returns fractional digits, 2 for fiat and 8 for BTC.
func (c Currency) Precision() int32 {
	return precision[c]
}

// Round rounds half-up to the currency precision. Amounts are never negative
// here, so decimal's half-away-from-zero is half-up.
func (c Currency) Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(c.Precision())
}

// Fits reports whether d has no more fractional digits than the currency allows.
func (c Currency) Fits(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(c.Precision()))
}

func (c Currency) String() string { return string(c) }

// RateQuote is a single directed exchange rate as reported by a rate source.
type RateQuote struct {
	From Currency
	To   Currency
	Rate decimal.Decimal
	AsOf time.Time
}

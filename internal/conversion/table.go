package conversion

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

// Pair is an ordered currency pair.
type Pair struct {
	From model.Currency
	To   model.Currency
}

func (p Pair) String() string { return fmt.Sprintf("%s:%s", p.From, p.To) }

// Snapshot is an immutable rate table. One conversion uses one snapshot for
// both of its legs.
type Snapshot struct {
	rates map[Pair]decimal.Decimal
	asOf  time.Time
}

// NewSnapshot validates quotes and freezes them. Rates need not be symmetric.
func NewSnapshot(quotes []model.RateQuote, asOf time.Time) (*Snapshot, error) {
	s := &Snapshot{rates: make(map[Pair]decimal.Decimal, len(quotes)), asOf: asOf}
	for _, q := range quotes {
		if !q.From.Valid() || !q.To.Valid() {
			return nil, errors.Wrapf(model.ErrUnsupportedCurrency, "%s:%s", q.From, q.To)
		}
		if q.From == q.To {
			return nil, errors.Wrapf(model.ErrSameCurrency, "%s", q.From)
		}
		if !q.Rate.IsPositive() {
			return nil, errors.Errorf("rate %s:%s must be positive, got %s", q.From, q.To, q.Rate)
		}
		s.rates[Pair{From: q.From, To: q.To}] = q.Rate
	}
	return s, nil
}

// AsOf is the time the rates were published by the source.
func (s *Snapshot) AsOf() time.Time { return s.asOf }

// Rate returns the rate for the ordered pair.
func (s *Snapshot) Rate(from, to model.Currency) (decimal.Decimal, error) {
	if from == to {
		return decimal.Zero, errors.Wrapf(model.ErrSameCurrency, "%s", from)
	}
	rate, ok := s.rates[Pair{From: from, To: to}]
	if !ok {
		return decimal.Zero, errors.Wrapf(model.ErrUnsupportedCurrencyPair, "%s:%s", from, to)
	}
	return rate, nil
}

// Convert computes amount*rate rounded half-up to the target precision.
func (s *Snapshot) Convert(amount decimal.Decimal, from, to model.Currency) (decimal.Decimal, error) {
	rate, err := s.Rate(from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return to.Round(amount.Mul(rate)), nil
}

// Quotes lists the snapshot's rates ordered by pair.
func (s *Snapshot) Quotes() []model.RateQuote {
	out := make([]model.RateQuote, 0, len(s.rates))
	for p, r := range s.rates {
		out = append(out, model.RateQuote{From: p.From, To: p.To, Rate: r, AsOf: s.asOf})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Table holds the current snapshot and swaps it atomically on refresh.
type Table struct {
	current atomic.Pointer[Snapshot]
}

// NewTable starts the table with an initial snapshot.
func NewTable(initial *Snapshot) *Table {
	t := &Table{}
	if initial == nil {
		initial = &Snapshot{rates: map[Pair]decimal.Decimal{}}
	}
	t.current.Store(initial)
	return t
}

// Snapshot returns the snapshot in effect now.
func (t *Table) Snapshot() *Snapshot { return t.current.Load() }

// Replace installs a new snapshot. Nil is ignored.
func (t *Table) Replace(s *Snapshot) {
	if s != nil {
		t.current.Store(s)
	}
}

func (t *Table) Rate(from, to model.Currency) (decimal.Decimal, error) {
	return t.Snapshot().Rate(from, to)
}

func (t *Table) Convert(amount decimal.Decimal, from, to model.Currency) (decimal.Decimal, error) {
	return t.Snapshot().Convert(amount, from, to)
}

// GetRate returns the rate together with the time it was published.
func (t *Table) GetRate(_ context.Context, from, to model.Currency) (decimal.Decimal, time.Time, error) {
	s := t.Snapshot()
	rate, err := s.Rate(from, to)
	return rate, s.AsOf(), err
}

package conversion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustSnapshot(t *testing.T, quotes ...model.RateQuote) *Snapshot {
	t.Helper()
	s, err := NewSnapshot(quotes, time.Now())
	require.NoError(t, err)
	return s
}

func TestSnapshot_Convert(t *testing.T) {
	s := mustSnapshot(t,
		model.RateQuote{From: model.USD, To: model.EUR, Rate: d("0.90")},
		model.RateQuote{From: model.USD, To: model.BTC, Rate: d("0.0000158")},
		model.RateQuote{From: model.EUR, To: model.GBP, Rate: d("0.5")},
	)

	tests := []struct {
		name     string
		amount   string
		from, to model.Currency
		want     string
	}{
		{"plain", "50.00", model.USD, model.EUR, "45.00"},
		{"round down", "1.11", model.USD, model.EUR, "1.00"},
		{"half up", "0.01", model.EUR, model.GBP, "0.01"},
		{"below half", "0.03", model.EUR, model.GBP, "0.02"},
		{"high precision target", "100", model.USD, model.BTC, "0.00158"},
		{"btc rounding", "0.33", model.USD, model.BTC, "0.00000521"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Convert(d(tt.amount), tt.from, tt.to)
			require.NoError(t, err)
			assert.True(t, got.Equal(d(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestSnapshot_Errors(t *testing.T) {
	s := mustSnapshot(t, model.RateQuote{From: model.USD, To: model.EUR, Rate: d("0.9")})

	_, err := s.Rate(model.EUR, model.USD)
	assert.ErrorIs(t, err, model.ErrUnsupportedCurrencyPair, "tables are directional")

	_, err = s.Rate(model.USD, model.USD)
	assert.ErrorIs(t, err, model.ErrSameCurrency)

	_, err = NewSnapshot([]model.RateQuote{{From: model.USD, To: model.EUR, Rate: d("0")}}, time.Now())
	assert.Error(t, err)

	_, err = NewSnapshot([]model.RateQuote{{From: "XXX", To: model.EUR, Rate: d("1")}}, time.Now())
	assert.ErrorIs(t, err, model.ErrUnsupportedCurrency)
}

func TestSnapshot_RoundTripWithinTolerance(t *testing.T) {
	s := mustSnapshot(t,
		model.RateQuote{From: model.USD, To: model.EUR, Rate: d("0.8")},
		model.RateQuote{From: model.EUR, To: model.USD, Rate: d("1.25")},
		model.RateQuote{From: model.USD, To: model.BTC, Rate: d("0.00002")},
		model.RateQuote{From: model.BTC, To: model.USD, Rate: d("50000")},
	)
	halfUnit := func(c model.Currency) decimal.Decimal {
		return decimal.New(5, -c.Precision()-1)
	}

	for _, amount := range []string{"0.01", "1.23", "33.33", "99.99", "1234.57", "100000.01"} {
		for _, target := range []model.Currency{model.EUR, model.BTC} {
			a := d(amount)
			there, err := s.Convert(a, model.USD, target)
			require.NoError(t, err)
			back, err := s.Convert(there, target, model.USD)
			require.NoError(t, err)

			backRate, _ := s.Rate(target, model.USD)
			tolerance := halfUnit(target).Mul(backRate).Add(halfUnit(model.USD))
			diff := back.Sub(a).Abs()
			assert.True(t, diff.LessThanOrEqual(tolerance),
				"%s USD -> %s %s -> %s USD, diff %s > %s", a, there, target, back, diff, tolerance)
		}
	}
}

func TestTable_ReplaceAndGetRate(t *testing.T) {
	asOf := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first, err := NewSnapshot([]model.RateQuote{{From: model.USD, To: model.EUR, Rate: d("0.9")}}, asOf)
	require.NoError(t, err)
	table := NewTable(first)

	held := table.Snapshot()
	table.Replace(mustSnapshot(t, model.RateQuote{From: model.USD, To: model.EUR, Rate: d("0.95")}))

	// a snapshot taken before the swap keeps its rates
	r, err := held.Rate(model.USD, model.EUR)
	require.NoError(t, err)
	assert.True(t, r.Equal(d("0.9")))

	r, _, err = table.GetRate(context.Background(), model.USD, model.EUR)
	require.NoError(t, err)
	assert.True(t, r.Equal(d("0.95")))

	table.Replace(nil)
	r, err = table.Rate(model.USD, model.EUR)
	require.NoError(t, err)
	assert.True(t, r.Equal(d("0.95")))
}

func TestRedisSource_Fetch(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectHGetAll(DefaultRedisKey).SetVal(map[string]string{
		"USD:EUR": "0.91",
		"EUR:USD": "1.09",
		"USD:JPY": "150",
		"as_of":   "2026-10-01T12:00:00Z",
	})

	snap, err := NewRedisSource(rdb, "").Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Quotes(), 2)
	assert.Equal(t, time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC), snap.AsOf())
	r, err := snap.Rate(model.EUR, model.USD)
	require.NoError(t, err)
	assert.True(t, r.Equal(d("1.09")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSource_FetchError(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectHGetAll(DefaultRedisKey).SetErr(errors.New("connection refused"))

	_, err := NewRedisSource(rdb, "").Fetch(context.Background())
	assert.ErrorIs(t, err, model.ErrTransientInfrastructure)
}

type failingSource struct{}

func (failingSource) Fetch(context.Context) (*Snapshot, error) { return nil, errors.New("feed down") }

func TestRefresher_KeepsLastGoodSnapshot(t *testing.T) {
	table := NewTable(mustSnapshot(t, model.RateQuote{From: model.USD, To: model.EUR, Rate: d("0.9")}))

	r := NewRefresher(table, failingSource{}, time.Millisecond, zap.NewNop().Sugar())
	assert.Error(t, r.RefreshOnce(context.Background()))
	rate, err := table.Rate(model.USD, model.EUR)
	require.NoError(t, err)
	assert.True(t, rate.Equal(d("0.9")))

	static := NewStaticSource([]model.RateQuote{{From: model.USD, To: model.EUR, Rate: d("0.8")}})
	r = NewRefresher(table, static, time.Millisecond, zap.NewNop().Sugar())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.Run(ctx)
	rate, err = table.Rate(model.USD, model.EUR)
	require.NoError(t, err)
	assert.True(t, rate.Equal(d("0.8")))
}

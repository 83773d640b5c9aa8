package conversion

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

// Source is an external rate feed.
type Source interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// StaticSource serves a fixed table, typically from config.
type StaticSource struct {
	quotes []model.RateQuote
	now    func() time.Time
}

func NewStaticSource(quotes []model.RateQuote) *StaticSource {
	return &StaticSource{quotes: quotes, now: time.Now}
}

func (s *StaticSource) Fetch(context.Context) (*Snapshot, error) {
	return NewSnapshot(s.quotes, s.now().UTC())
}

// DefaultRedisKey is the hash an upstream feed writes rates into.
const DefaultRedisKey = "fx:rates"

const asOfField = "as_of"

// RedisSource reads a hash of "FROM:TO" -> rate fields plus an "as_of" RFC3339 field.
type RedisSource struct {
	rdb *redis.Client
	key string
}

func NewRedisSource(rdb *redis.Client, key string) *RedisSource {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSource{rdb: rdb, key: key}
}

func (s *RedisSource) Fetch(ctx context.Context) (*Snapshot, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, model.Transient(errors.Wrapf(err, "read rates hash %s", s.key))
	}
	if len(fields) == 0 {
		return nil, errors.Errorf("rates hash %s is empty", s.key)
	}

	asOf := time.Now().UTC()
	quotes := make([]model.RateQuote, 0, len(fields))
	for field, raw := range fields {
		if field == asOfField {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, errors.Wrap(err, "parse as_of")
			}
			asOf = ts.UTC()
			continue
		}
		from, to, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		fc, err := model.ParseCurrency(from)
		if err != nil {
			// the feed may carry currencies this ledger does not hold
			continue
		}
		tc, err := model.ParseCurrency(to)
		if err != nil {
			continue
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "parse rate %s", field)
		}
		quotes = append(quotes, model.RateQuote{From: fc, To: tc, Rate: rate})
	}
	return NewSnapshot(quotes, asOf)
}

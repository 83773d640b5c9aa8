package repo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

// ErrCacheDisabled is returned by cache reads when no Redis client is configured.
var ErrCacheDisabled = errors.New("balance cache disabled")

// RepositoryInterface restricts Repo methods so services can be tested against fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error

	CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error
	GetAccount(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error)
	GetAccountForUpdate(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error)
	ListAccounts(ctx context.Context, tx *gorm.DB, ownerID string) ([]model.Account, error)
	UpdateAccount(ctx context.Context, tx *gorm.DB, accountID string, newBalance decimal.Decimal, oldVersion uint64) error
	SetPrimary(ctx context.Context, tx *gorm.DB, ownerID, accountID string) error
	ArchiveAccount(ctx context.Context, tx *gorm.DB, accountID string) error

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransaction(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error)
	FindTransactionByKey(ctx context.Context, tx *gorm.DB, accountID, idemKey string) (*model.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, tx *gorm.DB, id string, from, to model.TxStatus) error
	ListTransactions(ctx context.Context, q TxQuery) ([]model.Transaction, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, accountID string, seq uint64, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	InvalidateBalance(ctx context.Context, accountID string) error
}

// TxQuery selects a page of an account's history, newest first.
// Before is an exclusive id cursor; empty means from the newest entry.
type TxQuery struct {
	AccountID string
	Types     []model.TxType
	Statuses  []model.TxStatus
	Before    string
	Limit     int
}

// Repository implements RepositoryInterface.
type Repository struct {
	db       *gorm.DB
	rdb      *redis.Client
	writer   *kafka.Writer
	log      *zap.SugaredLogger
	cacheTTL time.Duration
}

// Option customizes a Repository.
type Option func(*Repository)

// WithCacheTTL sets how long cached balances live in Redis.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Repository) {
		r.cacheTTL = ttl
	}
}

// NewRepository constructs repo. rdb and w may be nil: caching and publishing are then disabled.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger, opts ...Option) *Repository {
	r := &Repository{db: db, rdb: rdb, writer: w, log: logger, cacheTTL: 5 * time.Minute}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Migrate creates or updates the ledger tables.
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(&model.Account{}, &model.Transaction{}, &model.OutboxEvent{})
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Transaction runs fn in one DB transaction. Domain errors from fn are returned
// as is, anything else is marked transient.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return model.Transient(r.db.WithContext(ctx).Transaction(fn))
}

// CreateAccount inserts a new account row.
func (r *Repository) CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error {
	if err := tx.WithContext(ctx).Create(a).Error; err != nil {
		return model.Transient(errors.Wrap(err, "create account"))
	}
	return nil
}

// GetAccount reads an account without locking.
func (r *Repository) GetAccount(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	var a model.Account
	if err := tx.WithContext(ctx).Where("id = ?", accountID).First(&a).Error; err != nil {
		return nil, notFound(err, "account %s", accountID)
	}
	return &a, nil
}

// GetAccountForUpdate locks account row.
func (r *Repository) GetAccountForUpdate(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	var a model.Account
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", accountID).First(&a).Error; err != nil {
		return nil, notFound(err, "account %s", accountID)
	}
	return &a, nil
}

// ListAccounts returns an owner's accounts, oldest first.
func (r *Repository) ListAccounts(ctx context.Context, tx *gorm.DB, ownerID string) ([]model.Account, error) {
	var accounts []model.Account
	err := tx.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at asc, id asc").Find(&accounts).Error
	if err != nil {
		return nil, model.Transient(errors.Wrap(err, "list accounts"))
	}
	return accounts, nil
}

// UpdateAccount writes a new balance with optimistic lock and bumps the change sequence.
func (r *Repository) UpdateAccount(ctx context.Context, tx *gorm.DB, accountID string, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", accountID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"seq":        gorm.Expr("seq + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return model.Transient(errors.Wrap(res.Error, "update account"))
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(model.ErrConcurrentModification, "account %s version %d", accountID, oldVersion)
	}
	return nil
}

// SetPrimary clears the owner's primary flag everywhere and sets it on accountID.
func (r *Repository) SetPrimary(ctx context.Context, tx *gorm.DB, ownerID, accountID string) error {
	db := tx.WithContext(ctx)
	if err := db.Model(&model.Account{}).
		Where("owner_id = ? AND id <> ? AND is_primary = ?", ownerID, accountID, true).
		Update("is_primary", false).Error; err != nil {
		return model.Transient(errors.Wrap(err, "unset primary"))
	}
	res := db.Model(&model.Account{}).
		Where("owner_id = ? AND id = ?", ownerID, accountID).
		Update("is_primary", true)
	if res.Error != nil {
		return model.Transient(errors.Wrap(res.Error, "set primary"))
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(model.ErrNotFound, "account %s for owner %s", accountID, ownerID)
	}
	return nil
}

// ArchiveAccount flags an account as archived. Rows are never deleted.
func (r *Repository) ArchiveAccount(ctx context.Context, tx *gorm.DB, accountID string) error {
	res := tx.WithContext(ctx).Model(&model.Account{}).Where("id = ?", accountID).
		Updates(map[string]interface{}{"archived": true, "is_primary": false})
	if res.Error != nil {
		return model.Transient(errors.Wrap(res.Error, "archive account"))
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(model.ErrNotFound, "account %s", accountID)
	}
	return nil
}

// CreateTransaction inserts record. A unique violation on (account_id, idempotency_key)
// becomes ErrDuplicateIdempotencyKey.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	err := tx.WithContext(ctx).Create(t).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Wrapf(model.ErrDuplicateIdempotencyKey, "account %s", t.AccountID)
	}
	if err != nil {
		return model.Transient(errors.Wrap(err, "create transaction"))
	}
	return nil
}

// GetTransaction reads one transaction by id.
func (r *Repository) GetTransaction(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err, "transaction %s", id)
	}
	return &t, nil
}

// FindTransactionByKey checks duplicate by idem key. Returns ErrNotFound when absent.
func (r *Repository) FindTransactionByKey(ctx context.Context, tx *gorm.DB, accountID, idemKey string) (*model.Transaction, error) {
	var t model.Transaction
	err := tx.WithContext(ctx).Where("account_id = ? AND idempotency_key = ?", accountID, idemKey).First(&t).Error
	if err != nil {
		return nil, notFound(err, "transaction %s/%s", accountID, idemKey)
	}
	return &t, nil
}

// UpdateTransactionStatus moves a transaction from one status to another,
// conditioned on the current status.
func (r *Repository) UpdateTransactionStatus(ctx context.Context, tx *gorm.DB, id string, from, to model.TxStatus) error {
	res := tx.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return model.Transient(errors.Wrap(res.Error, "update transaction status"))
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(model.ErrInvalidTransition, "transaction %s is no longer %s", id, from)
	}
	return nil
}

// ListTransactions fetches one page of history, newest first.
func (r *Repository) ListTransactions(ctx context.Context, q TxQuery) ([]model.Transaction, error) {
	db := r.db.WithContext(ctx).Where("account_id = ?", q.AccountID)
	if len(q.Types) > 0 {
		db = db.Where("type IN ?", q.Types)
	}
	if len(q.Statuses) > 0 {
		db = db.Where("status IN ?", q.Statuses)
	}
	if q.Before != "" {
		db = db.Where("id < ?", q.Before)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var txs []model.Transaction
	if err := db.Order("id desc").Find(&txs).Error; err != nil {
		return nil, model.Transient(errors.Wrap(err, "list transactions"))
	}
	return txs, nil
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	if err := tx.WithContext(ctx).Create(evt).Error; err != nil {
		return model.Transient(errors.Wrap(err, "create outbox event"))
	}
	return nil
}

// PollOutbox pulls unprocessed events in commit order.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, model.Transient(err)
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
	return model.Transient(err)
}

// PublishEvent sends to Kafka. Messages are keyed by aggregate id so one
// account's events stay ordered within a partition.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	if r.writer == nil {
		return errors.New("kafka writer not configured")
	}
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "outbox_id", Value: []byte(fmt.Sprintf("%d", evt.ID))},
		},
	}
	return model.Transient(r.writer.WriteMessages(ctx, msg))
}

func balanceKey(accountID string) string {
	return fmt.Sprintf("balance:%s", accountID)
}

// BalanceCacheScript stores "seq:balance" unless the key already holds the
// same or a newer seq, so a late writer never replaces a fresher balance.
const BalanceCacheScript = `
local cur = redis.call('GET', KEYS[1])
if cur then
  local seq = tonumber(string.match(cur, '^(%d+):'))
  if seq and seq >= tonumber(ARGV[1]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1] .. ':' .. ARGV[2], 'PX', ARGV[3])
return 1
`

// CacheBalance writes Redis. seq is the account change sequence the balance belongs to.
func (r *Repository) CacheBalance(ctx context.Context, accountID string, seq uint64, bal decimal.Decimal) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Eval(ctx, BalanceCacheScript, []string{balanceKey(accountID)},
		strconv.FormatUint(seq, 10), bal.String(), r.cacheTTL.Milliseconds()).Err()
}

// InvalidateBalance drops the cached balance.
func (r *Repository) InvalidateBalance(ctx context.Context, accountID string) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, balanceKey(accountID)).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, ErrCacheDisabled
	}
	str, err := r.rdb.Get(ctx, balanceKey(accountID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	_, bal, ok := strings.Cut(str, ":")
	if !ok {
		return decimal.Zero, errors.Errorf("malformed cached balance %q", str)
	}
	return decimal.NewFromString(bal)
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(model.ErrNotFound, format, args...)
	}
	return model.Transient(errors.Wrapf(err, format, args...))
}

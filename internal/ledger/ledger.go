package ledger

import (
	"context"
	"iter"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/wallet-ledger/internal/model"
	"github.com/richardliu001/wallet-ledger/internal/repo"
)

const defaultPageSize = 100

// Category groups transaction types the way history screens filter them.
type Category string

const (
	CategoryAll         Category = "all"
	CategoryDeposits    Category = "deposits"
	CategoryWithdrawals Category = "withdrawals"
	CategoryEarnings    Category = "earnings"
	CategoryLosses      Category = "losses"
	CategoryConversions Category = "conversions"
)

var categoryTypes = map[Category][]model.TxType{
	CategoryAll:         nil,
	CategoryDeposits:    {model.TxDeposit},
	CategoryWithdrawals: {model.TxWithdrawal},
	CategoryEarnings:    {model.TxCreditExternal},
	CategoryLosses:      {model.TxDebitExternal},
	CategoryConversions: {model.TxConversionOut, model.TxConversionIn},
}

// ParseCategory accepts the category names above; empty means all.
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return CategoryAll, nil
	}
	c := Category(strings.ToLower(s))
	if _, ok := categoryTypes[c]; !ok {
		return "", errors.Errorf("unknown history filter %q", s)
	}
	return c, nil
}

// Filter narrows a history query.
type Filter struct {
	Category Category
	Statuses []model.TxStatus
}

// Ledger is the append-only transaction history. It does no domain
// validation; that belongs to the wallet service.
type Ledger struct {
	repo     repo.RepositoryInterface
	ids      *IDGen
	pageSize int
	log      *zap.SugaredLogger
}

func New(r repo.RepositoryInterface, log *zap.SugaredLogger) *Ledger {
	return &Ledger{repo: r, ids: NewIDGen(), pageSize: defaultPageSize, log: log}
}

// Append stores t with a fresh id and timestamp. When (account, key) was used
// before, the stored transaction is returned with ErrDuplicateIdempotencyKey.
func (l *Ledger) Append(ctx context.Context, tx *gorm.DB, t *model.Transaction) (*model.Transaction, error) {
	if t.IdempotencyKey != nil && *t.IdempotencyKey == "" {
		t.IdempotencyKey = nil
	}
	if t.IdempotencyKey != nil {
		existing, err := l.FindByIdempotencyKey(ctx, tx, t.AccountID, *t.IdempotencyKey)
		switch {
		case err == nil:
			return existing, errors.Wrapf(model.ErrDuplicateIdempotencyKey, "account %s key %s", t.AccountID, *t.IdempotencyKey)
		case !errors.Is(err, model.ErrNotFound):
			return nil, err
		}
	}
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	t.ID, t.CreatedAt = l.ids.Next()
	t.UpdatedAt = t.CreatedAt
	if err := l.repo.CreateTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	l.log.Debugw("ledger append", "tx_id", t.ID, "account_id", t.AccountID, "type", t.Type, "amount", t.Amount, "status", t.Status)
	return t, nil
}

// FindByIdempotencyKey returns ErrNotFound when the key is unused.
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, tx *gorm.DB, accountID, key string) (*model.Transaction, error) {
	return l.repo.FindTransactionByKey(ctx, l.conn(ctx, tx), accountID, key)
}

// Get reads one transaction; tx may be nil outside a unit of work.
func (l *Ledger) Get(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	return l.repo.GetTransaction(ctx, l.conn(ctx, tx), id)
}

// MarkStatus moves a pending transaction to a terminal status.
func (l *Ledger) MarkStatus(ctx context.Context, tx *gorm.DB, id string, status model.TxStatus) (*model.Transaction, error) {
	t, err := l.Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.CanTransition(status) {
		return nil, errors.Wrapf(model.ErrInvalidTransition, "transaction %s: %s -> %s", id, t.Status, status)
	}
	if err := l.repo.UpdateTransactionStatus(ctx, l.conn(ctx, tx), id, t.Status, status); err != nil {
		return nil, err
	}
	t.Status = status
	l.log.Debugw("ledger status", "tx_id", id, "status", status)
	return t, nil
}

// Query walks an account's history newest first, one page at a time. Each
// range over the result starts again from the newest entry.
func (l *Ledger) Query(ctx context.Context, accountID string, f Filter) iter.Seq2[model.Transaction, error] {
	return func(yield func(model.Transaction, error) bool) {
		before := ""
		for {
			page, next, err := l.Page(ctx, accountID, f, before, l.pageSize)
			if err != nil {
				yield(model.Transaction{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if next == "" {
				return
			}
			before = next
		}
	}
}

// Page returns up to limit entries older than the before cursor, and the cursor
// for the next page ("" when exhausted).
func (l *Ledger) Page(ctx context.Context, accountID string, f Filter, before string, limit int) ([]model.Transaction, string, error) {
	if limit <= 0 || limit > l.pageSize {
		limit = l.pageSize
	}
	cat := f.Category
	if cat == "" {
		cat = CategoryAll
	}
	types, ok := categoryTypes[cat]
	if !ok {
		return nil, "", errors.Errorf("unknown history filter %q", cat)
	}
	page, err := l.repo.ListTransactions(ctx, repo.TxQuery{
		AccountID: accountID,
		Types:     types,
		Statuses:  f.Statuses,
		Before:    before,
		Limit:     limit,
	})
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(page) == limit {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

// NetBalance recomputes an account's balance from history: completed and
// pending credits minus completed and pending debits.
func (l *Ledger) NetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	total := decimal.Zero
	f := Filter{Category: CategoryAll, Statuses: []model.TxStatus{model.StatusPending, model.StatusCompleted}}
	for t, err := range l.Query(ctx, accountID, f) {
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(t.Signed())
	}
	return total, nil
}

func (l *Ledger) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return l.repo.DB(ctx)
}

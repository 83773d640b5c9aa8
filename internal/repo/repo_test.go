package repo_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/wallet-ledger/internal/model"
	"github.com/richardliu001/wallet-ledger/internal/repo"
	"github.com/richardliu001/wallet-ledger/internal/repo/repotest"
)

func seedAccount(t *testing.T, r *repo.Repository, id, owner string, bal int64) {
	t.Helper()
	require.NoError(t, r.CreateAccount(context.Background(), r.DB(context.Background()), &model.Account{
		ID: id, OwnerID: owner, Currency: model.USD, Balance: decimal.NewFromInt(bal),
	}))
}

func TestOptimisticLock_ConcurrentUpdate(t *testing.T) {
	r := repo.NewRepository(repotest.NewDB(t), nil, nil, zap.NewNop().Sugar())
	seedAccount(t, r, "a1", "o1", 100)

	// both writers read version 0 before either writes
	ctx := context.Background()
	a, err := r.GetAccount(ctx, r.DB(ctx), "a1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Transaction(ctx, func(tx *gorm.DB) error {
				return r.UpdateAccount(ctx, tx, "a1", a.Balance.Add(decimal.NewFromInt(10)), a.Version)
			})
		}(i)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, model.ErrConcurrentModification)
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts, "only one writer should win the version check")

	final, err := r.GetAccount(ctx, r.DB(ctx), "a1")
	require.NoError(t, err)
	assert.True(t, final.Balance.Equal(decimal.NewFromInt(110)), final.Balance.String())
	assert.Equal(t, uint64(1), final.Version)
	assert.Equal(t, uint64(1), final.Seq)
}

func TestCreateTransaction_DuplicateKey(t *testing.T) {
	r := repo.NewRepository(repotest.NewDB(t), nil, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	seedAccount(t, r, "a1", "o1", 0)

	key := "k1"
	first := &model.Transaction{ID: "01A", AccountID: "a1", Type: model.TxDeposit, Amount: decimal.NewFromInt(5),
		Currency: model.USD, Status: model.StatusCompleted, IdempotencyKey: &key, CreatedAt: time.Now().UTC()}
	require.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), first))

	dup := *first
	dup.ID = "01B"
	err := r.CreateTransaction(ctx, r.DB(ctx), &dup)
	assert.ErrorIs(t, err, model.ErrDuplicateIdempotencyKey)

	// transactions without a key never collide
	for _, id := range []string{"01C", "01D"} {
		require.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), &model.Transaction{ID: id, AccountID: "a1",
			Type: model.TxDeposit, Amount: decimal.NewFromInt(1), Currency: model.USD,
			Status: model.StatusCompleted, CreatedAt: time.Now().UTC()}))
	}

	found, err := r.FindTransactionByKey(ctx, r.DB(ctx), "a1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "01A", found.ID)

	_, err = r.FindTransactionByKey(ctx, r.DB(ctx), "a1", "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListTransactions_NewestFirstWithCursor(t *testing.T) {
	r := repo.NewRepository(repotest.NewDB(t), nil, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	seedAccount(t, r, "a1", "o1", 0)

	for _, tc := range []struct {
		id  string
		typ model.TxType
	}{{"01A", model.TxDeposit}, {"01B", model.TxWithdrawal}, {"01C", model.TxDeposit}, {"01D", model.TxCreditExternal}} {
		require.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), &model.Transaction{ID: tc.id, AccountID: "a1",
			Type: tc.typ, Amount: decimal.NewFromInt(1), Currency: model.USD,
			Status: model.StatusCompleted, CreatedAt: time.Now().UTC()}))
	}

	page, err := r.ListTransactions(ctx, repo.TxQuery{AccountID: "a1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "01D", page[0].ID)
	assert.Equal(t, "01C", page[1].ID)

	page, err = r.ListTransactions(ctx, repo.TxQuery{AccountID: "a1", Before: "01C", Types: []model.TxType{model.TxDeposit}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "01A", page[0].ID)
}

func TestUpdateTransactionStatus_OnlyFromExpected(t *testing.T) {
	r := repo.NewRepository(repotest.NewDB(t), nil, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	seedAccount(t, r, "a1", "o1", 0)
	require.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), &model.Transaction{ID: "01A", AccountID: "a1",
		Type: model.TxWithdrawal, Amount: decimal.NewFromInt(1), Currency: model.USD,
		Status: model.StatusPending, CreatedAt: time.Now().UTC()}))

	require.NoError(t, r.UpdateTransactionStatus(ctx, r.DB(ctx), "01A", model.StatusPending, model.StatusCompleted))
	err := r.UpdateTransactionStatus(ctx, r.DB(ctx), "01A", model.StatusPending, model.StatusFailed)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestSetPrimary(t *testing.T) {
	r := repo.NewRepository(repotest.NewDB(t), nil, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	seedAccount(t, r, "a1", "o1", 0)
	seedAccount(t, r, "a2", "o1", 0)
	seedAccount(t, r, "b1", "o2", 0)

	require.NoError(t, r.SetPrimary(ctx, r.DB(ctx), "o1", "a1"))
	require.NoError(t, r.SetPrimary(ctx, r.DB(ctx), "o1", "a2"))

	accounts, err := r.ListAccounts(ctx, r.DB(ctx), "o1")
	require.NoError(t, err)
	primaries := 0
	for _, a := range accounts {
		if a.IsPrimary {
			primaries++
			assert.Equal(t, "a2", a.ID)
		}
	}
	assert.Equal(t, 1, primaries)

	err = r.SetPrimary(ctx, r.DB(ctx), "o1", "b1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestBalanceCache_Redis(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := repo.NewRepository(repotest.NewDB(t), rdb, nil, zap.NewNop().Sugar(), repo.WithCacheTTL(time.Minute))
	ctx := context.Background()

	mock.ExpectEval(repo.BalanceCacheScript, []string{"balance:a1"}, "3", "45.5", int64(60000)).SetVal(int64(1))
	mock.ExpectGet("balance:a1").SetVal("3:45.5")
	mock.ExpectGet("balance:a2").RedisNil()
	mock.ExpectGet("balance:a3").SetVal("45.5")
	mock.ExpectDel("balance:a1").SetVal(1)

	require.NoError(t, r.CacheBalance(ctx, "a1", 3, decimal.RequireFromString("45.50")))
	bal, err := r.GetCachedBalance(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("45.5")))

	_, err = r.GetCachedBalance(ctx, "a2")
	assert.Error(t, err)
	// values without a seq are treated as a miss
	_, err = r.GetCachedBalance(ctx, "a3")
	assert.Error(t, err)

	require.NoError(t, r.InvalidateBalance(ctx, "a1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceCache_Disabled(t *testing.T) {
	r := repo.NewRepository(repotest.NewDB(t), nil, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	assert.NoError(t, r.CacheBalance(ctx, "a1", 1, decimal.NewFromInt(1)))
	assert.NoError(t, r.InvalidateBalance(ctx, "a1"))
	_, err := r.GetCachedBalance(ctx, "a1")
	assert.ErrorIs(t, err, repo.ErrCacheDisabled)
}

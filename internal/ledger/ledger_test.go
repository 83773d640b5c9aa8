package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/richardliu001/wallet-ledger/internal/model"
	"github.com/richardliu001/wallet-ledger/internal/repo"
	"github.com/richardliu001/wallet-ledger/internal/repo/repotest"
)

func newTestLedger(t *testing.T) (*Ledger, *repo.Repository) {
	r := repotest.NewRepository(t)
	require.NoError(t, r.CreateAccount(context.Background(), r.DB(context.Background()),
		&model.Account{ID: "a1", OwnerID: "o1", Currency: model.USD}))
	return New(r, zap.NewNop().Sugar()), r
}

func entry(typ model.TxType, amount string, status model.TxStatus, key string) *model.Transaction {
	t := &model.Transaction{AccountID: "a1", Type: typ, Amount: decimal.RequireFromString(amount),
		Currency: model.USD, Status: status}
	if key != "" {
		t.IdempotencyKey = &key
	}
	return t
}

func TestAppend_AssignsIDAndRejectsDuplicateKey(t *testing.T) {
	l, r := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Append(ctx, r.DB(ctx), entry(model.TxDeposit, "10", model.StatusCompleted, "k1"))
	require.NoError(t, err)
	assert.Len(t, first.ID, 26)
	assert.False(t, first.CreatedAt.IsZero())

	existing, err := l.Append(ctx, r.DB(ctx), entry(model.TxDeposit, "10", model.StatusCompleted, "k1"))
	assert.ErrorIs(t, err, model.ErrDuplicateIdempotencyKey)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)

	// an empty key means no idempotency
	_, err = l.Append(ctx, r.DB(ctx), entry(model.TxDeposit, "1", model.StatusCompleted, ""))
	require.NoError(t, err)
	_, err = l.Append(ctx, r.DB(ctx), entry(model.TxDeposit, "1", model.StatusCompleted, ""))
	require.NoError(t, err)
}

func TestMarkStatus_Transitions(t *testing.T) {
	l, r := newTestLedger(t)
	ctx := context.Background()

	w, err := l.Append(ctx, r.DB(ctx), entry(model.TxWithdrawal, "5", model.StatusPending, "w1"))
	require.NoError(t, err)

	_, err = l.MarkStatus(ctx, nil, w.ID, model.StatusPending)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	done, err := l.MarkStatus(ctx, nil, w.ID, model.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)

	_, err = l.MarkStatus(ctx, nil, w.ID, model.StatusFailed)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = l.MarkStatus(ctx, nil, "missing", model.StatusFailed)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestQuery_NewestFirstLazyAndRestartable(t *testing.T) {
	l, r := newTestLedger(t)
	l.pageSize = 3
	ctx := context.Background()

	var ids []string
	for i := 0; i < 8; i++ {
		typ := model.TxDeposit
		if i%2 == 1 {
			typ = model.TxCreditExternal
		}
		tx, err := l.Append(ctx, r.DB(ctx), entry(typ, "1", model.StatusCompleted, fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
		ids = append(ids, tx.ID)
	}

	seq := l.Query(ctx, "a1", Filter{Category: CategoryAll})
	collect := func() []string {
		var got []string
		for tx, err := range seq {
			require.NoError(t, err)
			got = append(got, tx.ID)
		}
		return got
	}
	first := collect()
	require.Len(t, first, 8)
	for i := range first {
		assert.Equal(t, ids[len(ids)-1-i], first[i])
	}
	assert.Equal(t, first, collect(), "ranging again restarts from the newest entry")

	// stop early: only one page should be needed
	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)

	var earnings []string
	for tx, err := range l.Query(ctx, "a1", Filter{Category: CategoryEarnings}) {
		require.NoError(t, err)
		assert.Equal(t, model.TxCreditExternal, tx.Type)
		earnings = append(earnings, tx.ID)
	}
	assert.Len(t, earnings, 4)
}

func TestNetBalance_IgnoresFailedAndReversals(t *testing.T) {
	l, r := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, r.DB(ctx), entry(model.TxDeposit, "100", model.StatusCompleted, "d1"))
	require.NoError(t, err)
	w, err := l.Append(ctx, r.DB(ctx), entry(model.TxWithdrawal, "30", model.StatusPending, "w1"))
	require.NoError(t, err)
	_, err = l.Append(ctx, r.DB(ctx), entry(model.TxDebitExternal, "5.5", model.StatusCompleted, "l1"))
	require.NoError(t, err)

	net, err := l.NetBalance(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, net.Equal(decimal.RequireFromString("64.5")), net.String())

	_, err = l.MarkStatus(ctx, nil, w.ID, model.StatusFailed)
	require.NoError(t, err)
	_, err = l.Append(ctx, r.DB(ctx), entry(model.TxReversal, "30", model.StatusCompleted, "reversal:"+w.ID))
	require.NoError(t, err)

	net, err = l.NetBalance(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, net.Equal(decimal.RequireFromString("94.5")), net.String())
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("")
	require.NoError(t, err)
	assert.Equal(t, CategoryAll, c)
	c, err = ParseCategory("Losses")
	require.NoError(t, err)
	assert.Equal(t, CategoryLosses, c)
	_, err = ParseCategory("refunds")
	assert.Error(t, err)
}

package notifier

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

// AccountState is a subscriber's local copy of one account.
type AccountState struct {
	Seq             uint64
	Balance         decimal.Decimal
	Currency        model.Currency
	LastTransaction *model.Transaction
}

// View applies change events idempotently: anything at or below the last
// applied sequence number of its account is ignored, so redelivery is harmless.
type View struct {
	mu       sync.RWMutex
	accounts map[string]AccountState
}

func NewView() *View {
	return &View{accounts: make(map[string]AccountState)}
}

// Apply reports whether the event changed the view.
func (v *View) Apply(evt model.ChangeEvent) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur, ok := v.accounts[evt.AccountID]
	if ok && evt.Seq <= cur.Seq {
		return false
	}
	next := AccountState{Seq: evt.Seq, Balance: evt.Balance, Currency: evt.Currency, LastTransaction: cur.LastTransaction}
	if evt.Transaction != nil {
		next.LastTransaction = evt.Transaction
	}
	v.accounts[evt.AccountID] = next
	return true
}

func (v *View) Get(accountID string) (AccountState, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.accounts[accountID]
	return s, ok
}

// Cursor returns the last applied sequence per account, ready to pass to Subscribe.
func (v *View) Cursor() map[string]uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]uint64, len(v.accounts))
	for id, s := range v.accounts {
		out[id] = s.Seq
	}
	return out
}

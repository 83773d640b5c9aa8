package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/wallet-ledger/internal/account"
	"github.com/richardliu001/wallet-ledger/internal/conversion"
	"github.com/richardliu001/wallet-ledger/internal/ledger"
	"github.com/richardliu001/wallet-ledger/internal/model"
	"github.com/richardliu001/wallet-ledger/internal/repo"
	"github.com/richardliu001/wallet-ledger/internal/retrier"
)

// Publisher receives committed change events in commit order per account.
type Publisher interface {
	Publish(evt model.ChangeEvent)
}

// WalletService glues business rules, ledger and balances together.
type WalletService struct {
	repo            repo.RepositoryInterface
	ledger          *ledger.Ledger
	accounts        *account.Store
	rates           *conversion.Table
	pub             Publisher
	retry           *retrier.Retrier
	defaultCurrency model.Currency
	log             *zap.SugaredLogger
}

// Option customizes a WalletService.
type Option func(*WalletService)

// WithRetry bounds how often a unit of work is re-run after a version conflict.
func WithRetry(maxAttempts int, interval time.Duration) Option {
	return func(s *WalletService) {
		s.retry = newRetrier(maxAttempts, interval)
	}
}

// WithDefaultCurrency sets the currency of auto-provisioned accounts.
func WithDefaultCurrency(c model.Currency) Option {
	return func(s *WalletService) {
		s.defaultCurrency = c
	}
}

func newRetrier(maxAttempts int, interval time.Duration) *retrier.Retrier {
	return retrier.New(
		retrier.WithMaxAttempts(maxAttempts),
		retrier.WithInitialInterval(interval),
		retrier.WithMaxInterval(20*interval),
		retrier.WithJitter(0.2),
		retrier.WithRetryable(func(err error) bool {
			return errors.Is(err, model.ErrConcurrentModification)
		}),
	)
}

// NewWalletService returns WalletService. pub may be nil.
func NewWalletService(r repo.RepositoryInterface, rates *conversion.Table, pub Publisher, logger *zap.SugaredLogger, opts ...Option) *WalletService {
	s := &WalletService{
		repo:            r,
		ledger:          ledger.New(r, logger),
		accounts:        account.NewStore(r, nil, logger),
		rates:           rates,
		pub:             pub,
		retry:           newRetrier(3, 10*time.Millisecond),
		defaultCurrency: model.USD,
		log:             logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MoveRequest is a single-account deposit, withdrawal or external credit/debit.
// An empty Currency means the account's own currency.
type MoveRequest struct {
	AccountID      string
	Amount         decimal.Decimal
	Currency       model.Currency
	IdempotencyKey string
	Description    string
}

// ConvertRequest moves Amount (in the source account's currency) into another
// account of the same owner.
type ConvertRequest struct {
	FromAccountID  string
	ToAccountID    string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// Receipt describes a committed (or replayed) operation.
type Receipt struct {
	Transaction *model.Transaction
	// Counterpart is the incoming leg of a conversion or the reversal of a failed withdrawal.
	Counterpart *model.Transaction
	// Balances holds the balance of each touched account right after the operation.
	Balances map[string]decimal.Decimal
	// Rate is set on conversions.
	Rate decimal.Decimal
}

// unit accumulates what one DB transaction changed.
type unit struct {
	accounts map[string]*model.Account
	events   []model.ChangeEvent
}

func (u *unit) track(a *model.Account, evt *model.ChangeEvent) {
	u.accounts[a.ID] = a
	u.events = append(u.events, *evt)
}

// mutate runs fn in one DB transaction while holding the locks of accountIDs,
// re-running it on version conflicts. After commit it refreshes the balance
// cache and publishes the change events before the locks are released.
func (s *WalletService) mutate(ctx context.Context, accountIDs []string, fn func(ctx context.Context, tx *gorm.DB, u *unit) error) (*unit, error) {
	unlock := s.accounts.Locker().Lock(accountIDs...)
	defer unlock()

	// once submitted, a mutation runs to completion
	ctx = context.WithoutCancel(ctx)
	u, err := retrier.DoWithData(s.retry, ctx, func(ctx context.Context) (*unit, error) {
		u := &unit{accounts: make(map[string]*model.Account)}
		err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
			// row locks follow the Locker's order
			if err := s.accounts.LockRows(ctx, tx, accountIDs...); err != nil {
				return err
			}
			return fn(ctx, tx, u)
		})
		return u, err
	})
	if err != nil {
		if errors.Is(err, model.ErrConcurrentModification) {
			s.log.Warnw("giving up on version conflicts", "accounts", accountIDs, "attempts", s.retry.MaxAttempts())
		}
		return nil, err
	}
	for _, a := range u.accounts {
		s.accounts.CacheBalance(ctx, a)
	}
	if s.pub != nil {
		for _, evt := range u.events {
			s.pub.Publish(evt)
		}
	}
	return u, nil
}

// post appends t and applies its signed amount to the account. On a replayed
// idempotency key the stored transaction comes back with the error.
func (s *WalletService) post(ctx context.Context, tx *gorm.DB, u *unit, t *model.Transaction, delta decimal.Decimal) (*model.Transaction, error) {
	cur, err := s.accounts.Get(ctx, tx, t.AccountID)
	if err != nil {
		return nil, err
	}
	t.BalanceAfter = cur.Balance.Add(delta)
	stored, err := s.ledger.Append(ctx, tx, t)
	if err != nil {
		return stored, err
	}
	a, evt, err := s.accounts.ApplyDelta(ctx, tx, t.AccountID, delta, stored)
	if err != nil {
		return nil, err
	}
	if !a.Balance.Equal(stored.BalanceAfter) {
		return nil, errors.Wrapf(model.ErrConcurrentModification, "account %s changed underneath", t.AccountID)
	}
	u.track(a, evt)
	return stored, nil
}

func keyPtr(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

func validAmount(amt decimal.Decimal, c model.Currency) error {
	if !amt.IsPositive() {
		return errors.Wrapf(model.ErrInvalidAmount, "amount %s must be positive", amt)
	}
	if !c.Fits(amt) {
		return errors.Wrapf(model.ErrInvalidAmount, "amount %s has more than %d decimals for %s", amt, c.Precision(), c)
	}
	return nil
}

// authorize hides accounts of other owners when ctx carries an owner.
func authorize(ctx context.Context, a *model.Account) error {
	if owner, ok := OwnerFrom(ctx); ok && a.OwnerID != owner {
		return errors.Wrapf(model.ErrNotFound, "account %s", a.ID)
	}
	return nil
}

func (s *WalletService) loadAccount(ctx context.Context, accountID string) (*model.Account, error) {
	a, err := s.accounts.Get(ctx, nil, accountID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Deposit credits a completed deposit. Replays return the original receipt
// together with ErrDuplicateIdempotencyKey.
func (s *WalletService) Deposit(ctx context.Context, req MoveRequest) (*Receipt, error) {
	return s.move(ctx, req, model.TxDeposit, model.StatusCompleted)
}

// Withdraw deducts immediately and leaves the withdrawal pending until the
// payment processor confirms it through ConfirmWithdrawal.
func (s *WalletService) Withdraw(ctx context.Context, req MoveRequest) (*Receipt, error) {
	return s.move(ctx, req, model.TxWithdrawal, model.StatusPending)
}

// CreditExternal books winnings, bonuses and other external credits.
func (s *WalletService) CreditExternal(ctx context.Context, req MoveRequest) (*Receipt, error) {
	return s.move(ctx, req, model.TxCreditExternal, model.StatusCompleted)
}

// DebitExternal books losses. It never drives the balance negative.
func (s *WalletService) DebitExternal(ctx context.Context, req MoveRequest) (*Receipt, error) {
	return s.move(ctx, req, model.TxDebitExternal, model.StatusCompleted)
}

func (s *WalletService) move(ctx context.Context, req MoveRequest, typ model.TxType, status model.TxStatus) (*Receipt, error) {
	a, err := s.loadAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	cur := req.Currency
	if cur == "" {
		cur = a.Currency
	}
	if cur != a.Currency {
		return nil, errors.Wrapf(model.ErrCurrencyMismatch, "%s into %s account %s", cur, a.Currency, a.ID)
	}
	if err := validAmount(req.Amount, cur); err != nil {
		return nil, err
	}

	delta := req.Amount
	if typ.Sign() < 0 {
		delta = delta.Neg()
	}
	var posted *model.Transaction
	_, err = s.mutate(ctx, []string{a.ID}, func(ctx context.Context, tx *gorm.DB, u *unit) error {
		t := &model.Transaction{
			AccountID:      a.ID,
			Type:           typ,
			Amount:         req.Amount,
			Currency:       cur,
			Status:         status,
			Description:    req.Description,
			IdempotencyKey: keyPtr(req.IdempotencyKey),
		}
		var perr error
		posted, perr = s.post(ctx, tx, u, t, delta)
		return perr
	})
	if err != nil {
		if posted != nil && errors.Is(err, model.ErrDuplicateIdempotencyKey) {
			s.log.Infow("replayed", "type", typ, "tx_id", posted.ID, "account_id", a.ID)
			return receiptFor(posted, nil), err
		}
		return nil, err
	}
	s.log.Infow("posted", "type", typ, "tx_id", posted.ID, "account_id", a.ID, "amount", req.Amount, "balance", posted.BalanceAfter)
	return receiptFor(posted, nil), nil
}

func receiptFor(t, counterpart *model.Transaction) *Receipt {
	r := &Receipt{Transaction: t, Counterpart: counterpart, Balances: map[string]decimal.Decimal{
		t.AccountID: t.BalanceAfter,
	}}
	if counterpart != nil {
		r.Balances[counterpart.AccountID] = counterpart.BalanceAfter
	}
	return r
}

// inLegKey keys the incoming leg of a conversion by its outgoing leg.
func inLegKey(outID string) string {
	return "conversion:" + outID
}

// Convert moves money between two accounts of one owner at the current rate.
// Both legs and both balance changes commit together or not at all.
func (s *WalletService) Convert(ctx context.Context, req ConvertRequest) (*Receipt, error) {
	if req.FromAccountID == req.ToAccountID {
		return nil, errors.Wrapf(model.ErrSameCurrency, "account %s", req.FromAccountID)
	}
	from, err := s.loadAccount(ctx, req.FromAccountID)
	if err != nil {
		return nil, err
	}
	to, err := s.loadAccount(ctx, req.ToAccountID)
	if err != nil {
		return nil, err
	}
	if from.OwnerID != to.OwnerID {
		return nil, errors.Wrapf(model.ErrNotFound, "account %s for owner %s", to.ID, from.OwnerID)
	}
	if from.Currency == to.Currency {
		return nil, errors.Wrapf(model.ErrSameCurrency, "%s", from.Currency)
	}
	if err := validAmount(req.Amount, from.Currency); err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		if r, err := s.replayedConversion(ctx, from.ID, to.ID, req.IdempotencyKey); r != nil || err != nil {
			return r, err
		}
	}

	snap := s.rates.Snapshot()
	rate, err := snap.Rate(from.Currency, to.Currency)
	if err != nil {
		return nil, err
	}
	converted, err := snap.Convert(req.Amount, from.Currency, to.Currency)
	if err != nil {
		return nil, err
	}
	if !converted.IsPositive() {
		return nil, errors.Wrapf(model.ErrInvalidAmount, "%s %s is worth nothing in %s", req.Amount, from.Currency, to.Currency)
	}

	var out, in *model.Transaction
	_, err = s.mutate(ctx, []string{from.ID, to.ID}, func(ctx context.Context, tx *gorm.DB, u *unit) error {
		ref := uuid.NewString()
		desc := fmt.Sprintf("%s %s -> %s %s @ %s", req.Amount, from.Currency, converted, to.Currency, rate)
		var err error
		out, err = s.post(ctx, tx, u, &model.Transaction{
			AccountID:       from.ID,
			Type:            model.TxConversionOut,
			Amount:          req.Amount,
			Currency:        from.Currency,
			Status:          model.StatusCompleted,
			CounterpartyRef: &ref,
			Description:     desc,
			IdempotencyKey:  keyPtr(req.IdempotencyKey),
		}, req.Amount.Neg())
		if err != nil {
			if out != nil && errors.Is(err, model.ErrDuplicateIdempotencyKey) {
				in, _ = s.ledger.FindByIdempotencyKey(ctx, tx, to.ID, inLegKey(out.ID))
			}
			return err
		}
		in, err = s.post(ctx, tx, u, &model.Transaction{
			AccountID:       to.ID,
			Type:            model.TxConversionIn,
			Amount:          converted,
			Currency:        to.Currency,
			Status:          model.StatusCompleted,
			CounterpartyRef: &ref,
			Description:     desc,
			IdempotencyKey:  keyPtr(inLegKey(out.ID)),
		}, converted)
		if err != nil {
			// only the outgoing leg carries the caller's key
			out = nil
			return errors.Wrap(err, "incoming leg")
		}
		return nil
	})
	if err != nil {
		if out != nil && errors.Is(err, model.ErrDuplicateIdempotencyKey) {
			s.log.Infow("conversion replayed", "tx_id", out.ID)
			return receiptFor(out, in), err
		}
		return nil, err
	}
	s.log.Infow("converted", "from", from.ID, "to", to.ID, "amount", req.Amount, "converted", converted, "rate", rate, "ref", *out.CounterpartyRef)
	r := receiptFor(out, in)
	r.Rate = rate
	return r, nil
}

// replayedConversion returns the receipt of an earlier conversion with the
// same key, or nil when the key is unused.
func (s *WalletService) replayedConversion(ctx context.Context, fromID, toID, key string) (*Receipt, error) {
	out, err := s.ledger.FindByIdempotencyKey(ctx, nil, fromID, key)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	in, err := s.ledger.FindByIdempotencyKey(ctx, nil, toID, inLegKey(out.ID))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	return receiptFor(out, in), errors.Wrapf(model.ErrDuplicateIdempotencyKey, "account %s key %s", fromID, key)
}

// ConfirmWithdrawal applies the payment processor's outcome to a pending
// withdrawal. A failed withdrawal is refunded with a reversal entry.
func (s *WalletService) ConfirmWithdrawal(ctx context.Context, txID string, outcome model.TxStatus) (*Receipt, error) {
	if !outcome.Terminal() {
		return nil, errors.Wrapf(model.ErrInvalidTransition, "outcome %q", outcome)
	}
	w, err := s.ledger.Get(ctx, nil, txID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadAccount(ctx, w.AccountID); err != nil {
		return nil, err
	}
	if w.Type != model.TxWithdrawal {
		return nil, errors.Wrapf(model.ErrInvalidTransition, "transaction %s is a %s", txID, w.Type)
	}

	var updated, reversal *model.Transaction
	u, err := s.mutate(ctx, []string{w.AccountID}, func(ctx context.Context, tx *gorm.DB, u *unit) error {
		var err error
		updated, err = s.ledger.MarkStatus(ctx, tx, txID, outcome)
		if err != nil {
			return err
		}
		a, evt, err := s.accounts.Touch(ctx, tx, w.AccountID, updated)
		if err != nil {
			return err
		}
		u.track(a, evt)
		if outcome != model.StatusFailed {
			return nil
		}
		ref := updated.ID
		reversal, err = s.post(ctx, tx, u, &model.Transaction{
			AccountID:       updated.AccountID,
			Type:            model.TxReversal,
			Amount:          updated.Amount,
			Currency:        updated.Currency,
			Status:          model.StatusCompleted,
			CounterpartyRef: &ref,
			Description:     "reversal of failed withdrawal " + updated.ID,
			IdempotencyKey:  keyPtr("reversal:" + updated.ID),
		}, updated.Amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("withdrawal settled", "tx_id", txID, "status", outcome)
	r := receiptFor(updated, reversal)
	for id, a := range u.accounts {
		r.Balances[id] = a.Balance
	}
	return r, nil
}

// OpenAccount opens another account for the owner.
func (s *WalletService) OpenAccount(ctx context.Context, ownerID string, currency model.Currency, displayName string) (*model.Account, error) {
	return s.accounts.Open(ctx, ownerID, currency, displayName)
}

// Accounts lists the owner's accounts, provisioning a primary one on first use.
func (s *WalletService) Accounts(ctx context.Context, ownerID string) ([]model.Account, error) {
	return s.accounts.EnsureDefault(ctx, ownerID, s.defaultCurrency)
}

func (s *WalletService) SetPrimary(ctx context.Context, ownerID, accountID string) error {
	return s.accounts.SetPrimary(ctx, ownerID, accountID)
}

func (s *WalletService) Archive(ctx context.Context, ownerID, accountID string) error {
	return s.accounts.Archive(ctx, ownerID, accountID)
}

// Account returns one account, subject to the owner in ctx.
func (s *WalletService) Account(ctx context.Context, accountID string) (*model.Account, error) {
	return s.loadAccount(ctx, accountID)
}

// Balance returns the materialized balance and its currency.
func (s *WalletService) Balance(ctx context.Context, accountID string) (decimal.Decimal, model.Currency, error) {
	a, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, "", err
	}
	bal, err := s.accounts.GetBalance(ctx, accountID)
	if err != nil {
		return decimal.Zero, "", err
	}
	return bal, a.Currency, nil
}

// Transaction returns one ledger entry, subject to the owner in ctx.
func (s *WalletService) Transaction(ctx context.Context, txID string) (*model.Transaction, error) {
	t, err := s.ledger.Get(ctx, nil, txID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadAccount(ctx, t.AccountID); err != nil {
		return nil, err
	}
	return t, nil
}

// History returns one page of an account's transactions, newest first.
func (s *WalletService) History(ctx context.Context, accountID string, f ledger.Filter, before string, limit int) ([]model.Transaction, string, error) {
	if _, err := s.loadAccount(ctx, accountID); err != nil {
		return nil, "", err
	}
	return s.ledger.Page(ctx, accountID, f, before, limit)
}

// Reconciliation compares the materialized balance with the ledger.
type Reconciliation struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Ledger    decimal.Decimal `json:"ledger"`
}

func (r Reconciliation) Consistent() bool { return r.Balance.Equal(r.Ledger) }

// Reconcile recomputes an account's balance from its history. Both reads
// happen under the account lock so no mutation lands in between.
func (s *WalletService) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	if _, err := s.loadAccount(ctx, accountID); err != nil {
		return nil, err
	}
	unlock := s.accounts.Locker().Lock(accountID)
	defer unlock()

	a, err := s.accounts.Get(ctx, nil, accountID)
	if err != nil {
		return nil, err
	}
	net, err := s.ledger.NetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	r := &Reconciliation{AccountID: accountID, Balance: a.Balance, Ledger: net}
	if !r.Consistent() {
		s.log.Errorw("ledger out of balance", "account_id", accountID, "balance", a.Balance, "ledger", net)
	}
	return r, nil
}

// Rate returns the current conversion rate and when it was quoted.
func (s *WalletService) Rate(ctx context.Context, from, to model.Currency) (decimal.Decimal, time.Time, error) {
	return s.rates.GetRate(ctx, from, to)
}

// Repo exposes underlying repository (unit tests helper).
func (s *WalletService) Repo() repo.RepositoryInterface {
	return s.repo
}

package account

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/wallet-ledger/internal/model"
	"github.com/richardliu001/wallet-ledger/internal/repo"
)

// Store is the materialized balance view. Balances are written only inside
// the wallet service's DB transactions and read without touching history.
type Store struct {
	repo   repo.RepositoryInterface
	locker *Locker
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewStore(r repo.RepositoryInterface, locker *Locker, log *zap.SugaredLogger) *Store {
	if locker == nil {
		locker = NewLocker()
	}
	return &Store{repo: r, locker: locker, log: log, now: time.Now}
}

// Locker exposes the per-account locks the service serializes on.
func (s *Store) Locker() *Locker { return s.locker }

func ownerKey(ownerID string) string { return "owner:" + ownerID }

// Open creates an account. The owner's first account becomes primary.
func (s *Store) Open(ctx context.Context, ownerID string, currency model.Currency, displayName string) (*model.Account, error) {
	if ownerID == "" {
		return nil, errors.Wrap(model.ErrNotFound, "owner is required")
	}
	if !currency.Valid() {
		return nil, errors.Wrapf(model.ErrUnsupportedCurrency, "%q", currency)
	}
	unlock := s.locker.Lock(ownerKey(ownerID))
	defer unlock()

	var created *model.Account
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		existing, err := s.repo.ListAccounts(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		created, err = s.create(ctx, tx, ownerID, currency, displayName, len(existing) == 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("account opened", "account_id", created.ID, "owner_id", ownerID, "currency", currency)
	return created, nil
}

// EnsureDefault provisions a primary account in currency the first time an
// owner shows up, and returns all of the owner's accounts.
func (s *Store) EnsureDefault(ctx context.Context, ownerID string, currency model.Currency) ([]model.Account, error) {
	accounts, err := s.ListByOwner(ctx, ownerID)
	if err != nil || len(accounts) > 0 {
		return accounts, err
	}
	unlock := s.locker.Lock(ownerKey(ownerID))
	defer unlock()

	err = s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		accounts, err = s.repo.ListAccounts(ctx, tx, ownerID)
		if err != nil || len(accounts) > 0 {
			return err
		}
		a, err := s.create(ctx, tx, ownerID, currency, "Main "+string(currency)+" wallet", true)
		if err != nil {
			return err
		}
		accounts = []model.Account{*a}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *Store) create(ctx context.Context, tx *gorm.DB, ownerID string, currency model.Currency, name string, primary bool) (*model.Account, error) {
	a := &model.Account{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		DisplayName: name,
		Currency:    currency,
		Balance:     decimal.Zero,
		IsPrimary:   primary,
	}
	if err := s.repo.CreateAccount(ctx, tx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// LockRows takes the row locks of accountIDs inside tx, sorted the same way
// the Locker sorts its keys.
func (s *Store) LockRows(ctx context.Context, tx *gorm.DB, accountIDs ...string) error {
	for _, id := range sortedUnique(accountIDs) {
		if _, err := s.repo.GetAccountForUpdate(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

// Get reads an account; tx may be nil.
func (s *Store) Get(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	if tx == nil {
		tx = s.repo.DB(ctx)
	}
	return s.repo.GetAccount(ctx, tx, accountID)
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]model.Account, error) {
	return s.repo.ListAccounts(ctx, s.repo.DB(ctx), ownerID)
}

// GetBalance returns the materialized balance, from Redis when cached.
func (s *Store) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	bal, err := s.repo.GetCachedBalance(ctx, accountID)
	if err == nil {
		return bal, nil
	}
	a, err := s.Get(ctx, nil, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	s.CacheBalance(ctx, a)
	return a.Balance, nil
}

// CacheBalance refreshes the Redis copy. When the write fails the cached
// value is dropped so reads fall through to the database.
func (s *Store) CacheBalance(ctx context.Context, a *model.Account) {
	err := s.repo.CacheBalance(ctx, a.ID, a.Seq, a.Balance)
	if err == nil {
		return
	}
	s.log.Warnw("cache balance", "account_id", a.ID, "seq", a.Seq, "err", err)
	if err := s.repo.InvalidateBalance(ctx, a.ID); err != nil {
		s.log.Errorw("drop cached balance", "account_id", a.ID, "err", err)
	}
}

// ApplyDelta adds a signed amount to the balance inside tx and records the
// resulting change event in the outbox. cause is the ledger entry behind the
// change. The balance may never go negative.
func (s *Store) ApplyDelta(ctx context.Context, tx *gorm.DB, accountID string, delta decimal.Decimal, cause *model.Transaction) (*model.Account, *model.ChangeEvent, error) {
	a, err := s.repo.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, nil, err
	}
	// a failed withdrawal is still refunded after the account is archived
	if a.Archived && (cause == nil || cause.Type != model.TxReversal) {
		return nil, nil, errors.Wrapf(model.ErrAccountArchived, "account %s", accountID)
	}
	newBal := a.Balance.Add(delta)
	if newBal.IsNegative() {
		return nil, nil, errors.Wrapf(model.ErrInsufficientFunds, "account %s has %s, needs %s", accountID, a.Balance, delta.Neg())
	}
	if err := s.repo.UpdateAccount(ctx, tx, accountID, newBal, a.Version); err != nil {
		return nil, nil, err
	}
	a.Balance = newBal
	a.Version++
	a.Seq++
	evt, err := s.record(ctx, tx, a, model.ChangeBalance, cause)
	if err != nil {
		return nil, nil, err
	}
	return a, evt, nil
}

// Touch records a change that leaves the balance alone, such as a status
// update, so that it still gets its own sequence number.
func (s *Store) Touch(ctx context.Context, tx *gorm.DB, accountID string, cause *model.Transaction) (*model.Account, *model.ChangeEvent, error) {
	a, err := s.repo.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.repo.UpdateAccount(ctx, tx, accountID, a.Balance, a.Version); err != nil {
		return nil, nil, err
	}
	a.Version++
	a.Seq++
	evt, err := s.record(ctx, tx, a, model.ChangeTransaction, cause)
	if err != nil {
		return nil, nil, err
	}
	return a, evt, nil
}

func (s *Store) record(ctx context.Context, tx *gorm.DB, a *model.Account, kind model.ChangeKind, cause *model.Transaction) (*model.ChangeEvent, error) {
	evt := &model.ChangeEvent{
		AccountID: a.ID,
		OwnerID:   a.OwnerID,
		Seq:       a.Seq,
		Kind:      kind,
		Balance:   a.Balance,
		Currency:  a.Currency,
		At:        s.now().UTC(),
	}
	if cause != nil {
		c := *cause
		evt.Transaction = &c
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, errors.Wrap(err, "marshal change event")
	}
	if err := s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   model.AggregateAccount,
		AggregateID: a.ID,
		EventType:   string(kind),
		Payload:     string(payload),
	}); err != nil {
		return nil, err
	}
	return evt, nil
}

// SetPrimary makes accountID the owner's only primary account.
func (s *Store) SetPrimary(ctx context.Context, ownerID, accountID string) error {
	unlock := s.locker.Lock(ownerKey(ownerID))
	defer unlock()

	return s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		a, err := s.repo.GetAccountForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if a.OwnerID != ownerID {
			return errors.Wrapf(model.ErrNotFound, "account %s for owner %s", accountID, ownerID)
		}
		if a.Archived {
			return errors.Wrapf(model.ErrAccountArchived, "account %s", accountID)
		}
		return s.repo.SetPrimary(ctx, tx, ownerID, accountID)
	})
}

// Archive hides an account from further mutation. The primary account and
// accounts holding funds cannot be archived; rows are never deleted.
func (s *Store) Archive(ctx context.Context, ownerID, accountID string) error {
	unlock := s.locker.Lock(ownerKey(ownerID), accountID)
	defer unlock()

	return s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		a, err := s.repo.GetAccountForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if a.OwnerID != ownerID {
			return errors.Wrapf(model.ErrNotFound, "account %s for owner %s", accountID, ownerID)
		}
		if a.IsPrimary {
			return errors.Wrapf(model.ErrInvalidTransition, "account %s is the primary account", accountID)
		}
		if !a.Balance.IsZero() {
			return errors.Wrapf(model.ErrInvalidTransition, "account %s still holds %s %s", accountID, a.Balance, a.Currency)
		}
		return s.repo.ArchiveAccount(ctx, tx, accountID)
	})
}

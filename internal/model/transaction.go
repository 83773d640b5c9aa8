package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the kind of ledger entry. The sign of an entry is implied by its type.
type TxType string

const (
	TxDeposit        TxType = "deposit"
	TxWithdrawal     TxType = "withdrawal"
	TxConversionOut  TxType = "conversion_out"
	TxConversionIn   TxType = "conversion_in"
	TxCreditExternal TxType = "credit_external"
	TxDebitExternal  TxType = "debit_external"
	// TxReversal records the compensation of a failed withdrawal. It moves the
	// balance back but is not counted by reconciliation: the failed withdrawal
	// already drops out of the debit side.
	TxReversal TxType = "reversal"
)

// Sign returns +1 for credits, -1 for debits and 0 for reversal memos.
func (t TxType) Sign() int {
	switch t {
	case TxDeposit, TxConversionIn, TxCreditExternal:
		return 1
	case TxWithdrawal, TxConversionOut, TxDebitExternal:
		return -1
	}
	return 0
}

type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusCompleted TxStatus = "completed"
	StatusFailed    TxStatus = "failed"
)

func (s TxStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition allows only pending -> completed and pending -> failed.
func (s TxStatus) CanTransition(to TxStatus) bool {
	return s == StatusPending && to.Terminal()
}

// Transaction is an immutable-once-terminal ledger entry. Amount is an unsigned
// magnitude in the transaction's own currency. IDs are ULIDs minted together
// with CreatedAt, so id order is creation order.
type Transaction struct {
	ID              string          `gorm:"primaryKey;size:26" json:"id"`
	AccountID       string          `gorm:"size:36;not null;index;uniqueIndex:idx_tx_idem,priority:1" json:"account_id"`
	Type            TxType          `gorm:"size:32;not null" json:"type"`
	Amount          decimal.Decimal `gorm:"type:numeric(28,8);not null" json:"amount"`
	Currency        Currency        `gorm:"size:8;not null" json:"currency"`
	Status          TxStatus        `gorm:"size:16;not null" json:"status"`
	BalanceAfter    decimal.Decimal `gorm:"type:numeric(28,8);not null" json:"balance_after"`
	CounterpartyRef *string         `gorm:"size:64;index" json:"counterparty_ref,omitempty"`
	Description     string          `gorm:"size:255" json:"description,omitempty"`
	IdempotencyKey  *string         `gorm:"size:128;uniqueIndex:idx_tx_idem,priority:2" json:"idempotency_key,omitempty"`
	CreatedAt       time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string { return "transaction" }

// Signed returns the amount with the sign its type implies.
func (t Transaction) Signed() decimal.Decimal {
	switch t.Type.Sign() {
	case 1:
		return t.Amount
	case -1:
		return t.Amount.Neg()
	}
	return decimal.Zero
}

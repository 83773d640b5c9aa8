package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ChangeKind string

const (
	// ChangeBalance carries a new balance and the transaction that caused it.
	ChangeBalance ChangeKind = "balance_changed"
	// ChangeTransaction carries a status update that left the balance alone.
	ChangeTransaction ChangeKind = "transaction_updated"
)

// ChangeEvent is what observers of an account receive. Seq increases by one
// with every committed change to the account; consumers drop anything at or
// below the last Seq they applied.
type ChangeEvent struct {
	AccountID   string          `json:"account_id"`
	OwnerID     string          `json:"owner_id"`
	Seq         uint64          `json:"seq"`
	Kind        ChangeKind      `json:"kind"`
	Balance     decimal.Decimal `json:"balance"`
	Currency    Currency        `json:"currency"`
	Transaction *Transaction    `json:"transaction,omitempty"`
	At          time.Time       `json:"at"`
}

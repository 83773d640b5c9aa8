package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a per-owner, per-currency balance record.
// Version guards compare-and-set writes; Seq counts committed changes and is
// what change subscribers order and de-duplicate on.
type Account struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	OwnerID     string          `gorm:"size:64;not null;index" json:"owner_id"`
	DisplayName string          `gorm:"size:128" json:"display_name"`
	Currency    Currency        `gorm:"size:8;not null" json:"currency"`
	Balance     decimal.Decimal `gorm:"type:numeric(28,8);not null;default:0" json:"balance"`
	IsPrimary   bool            `gorm:"not null;default:false" json:"is_primary"`
	Archived    bool            `gorm:"not null;default:false" json:"archived"`
	Version     uint64          `gorm:"not null;default:0" json:"-"`
	Seq         uint64          `gorm:"not null;default:0" json:"seq"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string { return "account" }

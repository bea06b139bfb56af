// models/wallet_mirror.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// WalletMirror mirrors wallet data from the main backend's sync feed.
// A wallet flipping FirstTransactionMade is the first-transaction detector
// that makes a referee reward-eligible.
// Table name: wallet_mirror
type WalletMirror struct {
	ID                   string     `gorm:"primaryKey;type:uuid;not null" json:"id"`
	UserID               string     `gorm:"type:uuid;not null;index" json:"user_id"` // External user ID
	Chain                string     `gorm:"type:varchar(64);not null;index" json:"chain"`
	Token                string     `gorm:"type:varchar(64);not null" json:"token"` // cUSD, CONFIO, …
	Address              string     `gorm:"type:varchar(128);not null;uniqueIndex" json:"address"`
	FirstTransactionMade bool       `gorm:"not null" json:"first_transaction_made"`
	FirstTransactionAt   *time.Time `json:"first_transaction_at,omitempty"`
	IsActive             bool       `gorm:"not null" json:"is_active"`
	LastBalanceCheckAt   time.Time  `gorm:"not null" json:"last_balance_check_at"`
	CreatedAt            time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"not null" json:"updated_at"`

	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (WalletMirror) TableName() string { return "wallet_mirror" }

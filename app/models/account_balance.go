package models

import "time"

// AccountBalance mirrors the external account ledger's balance row in the
// shared database. This module only debits and reads it through the balance
// gateway; the account system owns the table.
type AccountBalance struct {
	TenantID  string    `gorm:"type:varchar(64);primaryKey" json:"tenant_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the historical table name.
func (AccountBalance) TableName() string {
	return "account_balances"
}

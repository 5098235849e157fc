package models

import "time"

// BasePrice is an operator-managed price tier. A tier applies to usage values
// v with Start <= v < End for its (region, billing_type, product_id). Updated
// is flipped to false when an operator edits the tier; the change-price sweep
// propagates the new price to affected records and flips it back.
type BasePrice struct {
	ID          string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	ProductType string     `gorm:"type:varchar(32);not null" json:"product_type"`
	ProductID   string     `gorm:"type:varchar(128);not null;index" json:"product_id"`
	Region      string     `gorm:"type:varchar(32);not null;index" json:"region"`
	Enabled     bool       `json:"enabled"`
	Updated     bool       `gorm:"not null;default:true" json:"updated"`
	UpdatedAt   *time.Time `json:"updated_at"`
	LastUpdate  *time.Time `json:"last_update"`
	Start       int64      `gorm:"not null" json:"start"`
	End         int64      `gorm:"not null" json:"end"`
	Params      JSONMap    `gorm:"not null" json:"params"`
	Formula     string     `gorm:"type:varchar(256);not null" json:"formula"`
	Comment     string     `gorm:"type:varchar(512)" json:"comment"`
	BillingType string     `gorm:"type:varchar(32)" json:"billing_type"`
}

// TableName keeps the historical table name.
func (BasePrice) TableName() string {
	return "base_price"
}

// Contains reports whether the tier's usage range covers v.
func (p *BasePrice) Contains(v int64) bool {
	return v >= p.Start && v < p.End
}

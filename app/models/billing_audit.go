package models

import "time"

// BillingAudit is an immutable row appended on every period mutation. The
// audit rows of a period always sum to the period's own amount, so the trail
// alone can reconstruct the total charged per record.
type BillingAudit struct {
	ID       string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	DetailID string     `gorm:"type:varchar(64);not null;index" json:"detail_id"`
	StartAt  *time.Time `json:"start_at"`
	EndAt    time.Time  `json:"end_at"`
	Price    int64      `gorm:"not null;default:0" json:"price"`
	Amount   int64      `gorm:"not null;default:0" json:"amount"`
	Remark   string     `gorm:"type:varchar(64)" json:"remark"`
}

// TableName keeps the historical table name.
func (BillingAudit) TableName() string {
	return "billing_records"
}

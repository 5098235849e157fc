package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Billing status values. Records are never deleted; terminal states are kept
// for audit.
const (
	StatusUnknown           = -1
	StatusActive            = 1
	StatusOwing             = 2
	StatusStopped           = 3
	StatusStoppedOwing      = 4
	StatusReleased          = 5
	StatusAdminFrozen       = 11
	StatusAdminReleased     = 12
	StatusAdminNoAckFrozen  = 13
	StatusAdminNoAckRelease = 14
	StatusCDNRecord         = 23
)

// Billing type values. Hourly records are charged in charge-second quanta,
// monthly records in charge-hour windows.
const (
	BillingTypeHour  = "hour"
	BillingTypeMonth = "month"
)

// Billing is the aggregate billing record for one resource instance. At most
// one current record exists per (res_id, tenant_id, region). Price is in
// minor currency units per second; amount is the accumulated total.
type Billing struct {
	ID          string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	ResID       string    `gorm:"type:varchar(128);index:idx_billing_res_id" json:"res_id"`
	ResName     string    `gorm:"type:varchar(64)" json:"res_name"`
	ResMeta     JSONMap   `json:"res_meta"`
	ResType     string    `gorm:"type:varchar(64);index" json:"res_type"`
	UserID      string    `gorm:"type:varchar(64)" json:"user_id"`
	TenantID    string    `gorm:"type:varchar(64);index:idx_billing_key" json:"tenant_id"`
	Region      string    `gorm:"type:varchar(32);index:idx_billing_key" json:"region"`
	Status      int       `gorm:"not null;index" json:"status"`
	Price       int64     `gorm:"not null;default:0" json:"price"`
	Amount      int64     `gorm:"not null;default:0" json:"amount"`
	BillingType string    `gorm:"type:varchar(32)" json:"billing_type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:update_at" json:"update_at"`
}

// TableName keeps the historical table name.
func (Billing) TableName() string {
	return "billing"
}

// IsBilling reports whether the record is still accruing charges.
func (b *Billing) IsBilling() bool {
	return b.Status == StatusActive || b.Status == StatusOwing
}

// CurrentDetail returns the record's latest period by end time, or nil when
// the record has no periods yet.
func (b *Billing) CurrentDetail(db *gorm.DB) (*BillingDetail, error) {
	var detail BillingDetail
	err := db.Where("billing_id = ?", b.ID).
		Order("end_at DESC").
		First(&detail).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &detail, nil
}

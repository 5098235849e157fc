package models

import (
	"time"

	"github.com/google/uuid"
)

// Remark codes written on every period mutation. They mirror the lifecycle
// event that caused the write.
const (
	RemarkPriceUpdate     = "price.update"
	RemarkCharge          = "charge.create"
	RemarkResourceCreate  = "resource.create"
	RemarkResourceStart   = "resource.start"
	RemarkResourceUpdate  = "resource.update"
	RemarkResourceEnd     = "resource.end"
	RemarkResourceRelease = "resource.release"
	RemarkNoAck           = "error.noack"
)

// BillingDetail is one contiguous priced usage window of a billing record.
// StartAt is null only for fabricated no-ack closes (a stop arrived with no
// matching open period). An unset EndMessageID means the period is still open.
type BillingDetail struct {
	ID             string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	BillingID      string     `gorm:"type:varchar(64);not null;index" json:"billing_id"`
	ResMeta        JSONMap    `json:"res_meta"`
	Price          int64      `gorm:"not null;default:0" json:"price"`
	Amount         int64      `gorm:"not null;default:0" json:"amount"`
	StartAt        *time.Time `json:"start_at"`
	EndAt          time.Time  `gorm:"index" json:"end_at"`
	StartMessageID string     `gorm:"type:varchar(64)" json:"start_message_id"`
	EndMessageID   string     `gorm:"type:varchar(64)" json:"end_message_id"`
	Remark         string     `gorm:"type:varchar(64)" json:"remark"`
}

// TableName keeps the historical table name.
func (BillingDetail) TableName() string {
	return "billing_detail"
}

// Closed reports whether the period end has been acknowledged. A period is
// closed once its end message id is a well-formed identifier.
func (d *BillingDetail) Closed() bool {
	return uuid.Validate(d.EndMessageID) == nil
}

package models

import "time"

// BillingEvent logs every ingested lifecycle event before it is processed.
// The composite key (message_id, res_id) makes the log the idempotency gate
// for at-least-once delivery.
type BillingEvent struct {
	MessageID string    `gorm:"type:varchar(64);primaryKey" json:"message_id"`
	ResID     string    `gorm:"type:varchar(128);primaryKey" json:"res_id"`
	ResName   string    `gorm:"type:varchar(64)" json:"res_name"`
	ResMeta   JSONMap   `json:"res_meta"`
	ResType   string    `gorm:"type:varchar(32)" json:"res_type"`
	EventType string    `gorm:"type:varchar(64)" json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Region    string    `gorm:"type:varchar(32)" json:"region"`
	UserID    string    `gorm:"type:varchar(64)" json:"user_id"`
	TenantID  string    `gorm:"type:varchar(64)" json:"tenant_id"`
	Extra     JSONMap   `json:"extra"`
}

// TableName keeps the historical table name.
func (BillingEvent) TableName() string {
	return "billing_events"
}

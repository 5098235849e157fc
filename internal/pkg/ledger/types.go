package ledger

import (
	"errors"
	"time"

	"github.com/plcloud/metering/app/models"
)

// Lifecycle event types consumed from the inbound queue.
const (
	EventTypeCreate  = "resource.create"
	EventTypeStart   = "resource.start"
	EventTypeEnd     = "resource.end"
	EventTypeUpdate  = "resource.update"
	EventTypeRelease = "resource.release"

	// EventTypePriceUpdate marks the synthetic event logged by the
	// change-price sweep.
	EventTypePriceUpdate = "price.update"
)

// Sentinel errors for id-based and key-based operations.
var (
	ErrNotFound   = errors.New("billing record not found")
	ErrConflict   = errors.New("billing record already exists")
	ErrForbidden  = errors.New("billing record owned by another tenant")
	ErrValidation = errors.New("invalid billing payload")
)

// Event is one inbound resource lifecycle event. Delivery is at-least-once;
// events are deduplicated by (message_id, res_id) before being applied.
type Event struct {
	MessageID string                 `json:"message_id" validate:"required"`
	ResID     string                 `json:"res_id" validate:"required"`
	ResName   string                 `json:"res_name"`
	ResMeta   map[string]interface{} `json:"res_meta"`
	ResType   string                 `json:"res_type" validate:"required"`
	EventType string                 `json:"event_type" validate:"required"`
	UserID    string                 `json:"user_id"`
	TenantID  string                 `json:"tenant_id" validate:"required"`
	Region    string                 `json:"region" validate:"required"`
	Timestamp time.Time              `json:"timestamp" validate:"required"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

func (e Event) row() *models.BillingEvent {
	return &models.BillingEvent{
		MessageID: e.MessageID,
		ResID:     e.ResID,
		ResName:   e.ResName,
		ResMeta:   models.JSONMap(e.ResMeta),
		ResType:   e.ResType,
		EventType: e.EventType,
		Timestamp: e.Timestamp,
		Region:    e.Region,
		UserID:    e.UserID,
		TenantID:  e.TenantID,
		Extra:     models.JSONMap(e.Extra),
	}
}

func recordKey(resID, tenantID, region string) string {
	return resID + "|" + tenantID + "|" + region
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/plcloud/metering/app/models"
	"github.com/plcloud/metering/internal/pkg/balance"
	"github.com/plcloud/metering/internal/pkg/config"
	"github.com/plcloud/metering/internal/pkg/notify"
	"github.com/plcloud/metering/internal/pkg/pricing"
)

// Service applies resource lifecycle events to the billing ledger and runs
// the reconciliation sweeps. Every mutation of one record happens under that
// record's lock and inside one repository transaction.
type Service struct {
	repo     Repository
	resolver *pricing.Resolver
	sink     notify.Sink
	cfg      config.Billing
	locks    *keyLock
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates the billing service.
func NewService(repo Repository, resolver *pricing.Resolver, sink notify.Sink, cfg config.Billing) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
		sink:     sink,
		cfg:      cfg,
		locks:    newKeyLock(),
		validate: validator.New(),
		now:      time.Now,
	}
}

// Apply validates, deduplicates and dispatches one lifecycle event. Duplicate
// deliveries of the same (message_id, res_id) are a no-op.
func (s *Service) Apply(ctx context.Context, ev Event) error {
	if err := s.validate.Struct(ev); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	key := recordKey(ev.ResID, ev.TenantID, ev.Region)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	// The event log insert shares the handler's transaction: a failed apply
	// rolls the dedup row back too, so redelivery retries cleanly.
	return s.repo.Transaction(func(tx Repository) error {
		fresh, err := tx.LogEventIfNew(ev.row())
		if err != nil {
			return fmt.Errorf("log billing event: %w", err)
		}
		if !fresh {
			log.Debugf("[Ledger] duplicate event %s for res %s, skipping", ev.MessageID, ev.ResID)
			return nil
		}

		switch ev.EventType {
		case EventTypeCreate:
			return s.createBilling(ctx, tx, ev)
		case EventTypeStart:
			return s.startBilling(ctx, tx, ev)
		case EventTypeEnd:
			return s.endBilling(ctx, tx, ev)
		case EventTypeUpdate:
			return s.updateBilling(ctx, tx, ev)
		case EventTypeRelease:
			return s.releaseBilling(ctx, tx, ev)
		default:
			return fmt.Errorf("%w: unknown event type %q", ErrValidation, ev.EventType)
		}
	})
}

// createBilling handles the first lifecycle event of a resource. An existing
// record under the exact same (res_id, tenant_id, region) key is a conflict;
// an existing record for the same res_id under a different key is merged and
// restarted instead of duplicated.
func (s *Service) createBilling(ctx context.Context, tx Repository, ev Event) error {
	ref, err := tx.RecordByKey(ev.ResID, ev.TenantID, ev.Region)
	if err != nil {
		return err
	}
	if ref != nil {
		return fmt.Errorf("%w: res_id %s", ErrConflict, ev.ResID)
	}

	now := s.now()
	others, err := tx.RecordsByResource(ev.ResID)
	if err != nil {
		return err
	}
	if len(others) > 0 {
		ref = &others[0]
		price, err := s.resolvePrice(ev.Region, ref.BillingType, ev.ResMeta)
		if err != nil {
			return err
		}
		s.mergeEvent(ref, ev)
		ref.Price = price
		ref.Amount = 0
		ref.Status = models.StatusActive
		ref.CreatedAt = ev.Timestamp
		ref.UpdatedAt = now
	} else {
		price, err := s.resolvePrice(ev.Region, models.BillingTypeHour, ev.ResMeta)
		if err != nil {
			return err
		}
		ref = s.newRecord(ev, price, models.StatusActive, models.BillingTypeHour, now)
		if err := tx.CreateRecord(ref); err != nil {
			return err
		}
	}

	amount, err := s.openPeriod(tx, ref, ev.Timestamp, ev.MessageID, models.RemarkResourceCreate)
	if err != nil {
		return err
	}
	ref.Amount += amount
	if err := s.settle(ctx, tx, ref, amount, models.StatusActive, models.StatusOwing, notify.ActionRelease); err != nil {
		return err
	}
	return tx.SaveRecord(ref)
}

// startBilling re-opens billing for a resource. The price is recomputed on
// every start; a start for an unknown record behaves like a create.
func (s *Service) startBilling(ctx context.Context, tx Repository, ev Event) error {
	ref, err := tx.RecordByKey(ev.ResID, ev.TenantID, ev.Region)
	if err != nil {
		return err
	}

	remark := models.RemarkResourceStart
	if ref != nil {
		price, err := s.resolvePrice(ev.Region, ref.BillingType, ev.ResMeta)
		if err != nil {
			return err
		}
		ref.Price = price
	} else {
		price, err := s.resolvePrice(ev.Region, models.BillingTypeHour, ev.ResMeta)
		if err != nil {
			return err
		}
		ref = s.newRecord(ev, price, models.StatusActive, models.BillingTypeHour, s.now())
		remark = models.RemarkResourceCreate
		if err := tx.CreateRecord(ref); err != nil {
			return err
		}
	}

	amount, err := s.openPeriod(tx, ref, ev.Timestamp, ev.MessageID, remark)
	if err != nil {
		return err
	}
	ref.Amount += amount
	if err := s.settle(ctx, tx, ref, amount, models.StatusActive, models.StatusOwing, notify.ActionStop); err != nil {
		return err
	}
	return tx.SaveRecord(ref)
}

// endBilling closes the current period at the event time. A stop with no
// matching open period fabricates a zero-amount no-ack period.
func (s *Service) endBilling(ctx context.Context, tx Repository, ev Event) error {
	ref, err := tx.RecordByKey(ev.ResID, ev.TenantID, ev.Region)
	if err != nil {
		return err
	}
	if ref == nil {
		price, err := s.resolvePrice(ev.Region, models.BillingTypeHour, ev.ResMeta)
		if err != nil {
			return err
		}
		ref = s.newRecord(ev, price, models.StatusStopped, models.BillingTypeHour, s.now())
		if err := tx.CreateRecord(ref); err != nil {
			return err
		}
	}

	amount, err := s.closePeriod(tx, ref, ev.Timestamp, ev.MessageID, models.RemarkResourceEnd)
	if err != nil {
		return err
	}
	ref.Amount += amount
	// No notification on the stop path; the resource is already down.
	if err := s.settle(ctx, tx, ref, amount, models.StatusStopped, models.StatusStoppedOwing, ""); err != nil {
		return err
	}
	return tx.SaveRecord(ref)
}

// updateBilling closes the current period at the old price and immediately
// opens a new one at the freshly resolved price, both at the event timestamp.
func (s *Service) updateBilling(ctx context.Context, tx Repository, ev Event) error {
	ref, err := tx.RecordByKey(ev.ResID, ev.TenantID, ev.Region)
	if err != nil {
		return err
	}

	var amount int64
	if ref != nil {
		price, err := s.resolvePrice(ev.Region, ref.BillingType, ev.ResMeta)
		if err != nil {
			return err
		}
		closed, err := s.closePeriod(tx, ref, ev.Timestamp, ev.MessageID, models.RemarkResourceUpdate)
		if err != nil {
			return err
		}
		ref.ResMeta = models.JSONMap(ev.ResMeta)
		ref.Price = price
		opened, err := s.openPeriod(tx, ref, ev.Timestamp, ev.MessageID, models.RemarkResourceUpdate)
		if err != nil {
			return err
		}
		amount = closed + opened
	} else {
		price, err := s.resolvePrice(ev.Region, models.BillingTypeHour, ev.ResMeta)
		if err != nil {
			return err
		}
		ref = s.newRecord(ev, price, models.StatusActive, models.BillingTypeHour, s.now())
		if err := tx.CreateRecord(ref); err != nil {
			return err
		}
		amount, err = s.openPeriod(tx, ref, ev.Timestamp, ev.MessageID, models.RemarkResourceUpdate)
		if err != nil {
			return err
		}
	}

	ref.Amount += amount
	if err := s.settle(ctx, tx, ref, amount, models.StatusActive, models.StatusOwing, notify.ActionStop); err != nil {
		return err
	}
	return tx.SaveRecord(ref)
}

// releaseBilling closes the record for good. Released is terminal; no further
// periods are opened for this record.
func (s *Service) releaseBilling(ctx context.Context, tx Repository, ev Event) error {
	ref, err := tx.RecordByKey(ev.ResID, ev.TenantID, ev.Region)
	if err != nil {
		return err
	}
	if ref == nil {
		price, err := s.resolvePrice(ev.Region, models.BillingTypeHour, ev.ResMeta)
		if err != nil {
			return err
		}
		ref = s.newRecord(ev, price, models.StatusReleased, models.BillingTypeHour, s.now())
		if err := tx.CreateRecord(ref); err != nil {
			return err
		}
	}

	amount, err := s.closePeriod(tx, ref, ev.Timestamp, ev.MessageID, models.RemarkResourceRelease)
	if err != nil {
		return err
	}
	ref.Amount += amount
	s.setStatus(ref, models.StatusReleased)

	if err := s.debitOnly(ctx, tx, ref, amount); err != nil {
		return err
	}
	return tx.SaveRecord(ref)
}

// UpdateStatus sets a record's status by id, for admin interventions.
func (s *Service) UpdateStatus(ctx context.Context, billingID string, status int) (*models.Billing, error) {
	var updated *models.Billing
	err := s.repo.Transaction(func(tx Repository) error {
		ref, err := tx.RecordByID(billingID)
		if err != nil {
			return err
		}
		if ref == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, billingID)
		}
		s.setStatus(ref, status)
		if err := tx.SaveRecord(ref); err != nil {
			return err
		}
		updated = ref
		return nil
	})
	return updated, err
}

// openPeriod opens a new period covering one charge window from startAt and
// writes its audit row. It returns the amount charged for the window.
func (s *Service) openPeriod(tx Repository, ref *models.Billing, startAt time.Time, messageID, remark string) (int64, error) {
	amount := ref.Price * s.cfg.ChargeSeconds
	var endAt time.Time
	if ref.BillingType == models.BillingTypeMonth {
		endAt = startAt.Add(time.Duration(s.cfg.ChargeHours/24) * 24 * time.Hour)
	} else {
		endAt = startAt.Add(time.Duration(s.cfg.ChargeSeconds) * time.Second)
	}

	start := startAt
	detail := &models.BillingDetail{
		ID:             uuid.NewString(),
		BillingID:      ref.ID,
		ResMeta:        ref.ResMeta,
		Price:          ref.Price,
		Amount:         amount,
		StartAt:        &start,
		EndAt:          endAt,
		StartMessageID: messageID,
		Remark:         remark,
	}
	if err := tx.CreateDetail(detail); err != nil {
		return 0, err
	}

	audit := &models.BillingAudit{
		ID:       uuid.NewString(),
		DetailID: detail.ID,
		StartAt:  &start,
		EndAt:    endAt,
		Price:    detail.Price,
		Amount:   amount,
		Remark:   remark,
	}
	if err := tx.CreateAudit(audit); err != nil {
		return 0, err
	}
	return amount, nil
}

// closePeriod extends the open period to endAt, prices the elapsed seconds
// beyond the already-charged window and marks the period closed. When no open
// period exists it fabricates a zero-amount no-ack period instead.
func (s *Service) closePeriod(tx Repository, ref *models.Billing, endAt time.Time, messageID, remark string) (int64, error) {
	detail, err := tx.CurrentDetail(ref.ID)
	if err != nil {
		return 0, err
	}

	var startAt *time.Time
	var amount int64
	if detail != nil && !detail.Closed() {
		// Elapsed is counted from the prepaid boundary, so closing before
		// it credits the unused remainder back.
		start := detail.EndAt
		startAt = &start
		amount = ref.Price * int64(endAt.Sub(start)/time.Second)
		detail.Amount += amount
		detail.EndAt = endAt
		detail.EndMessageID = messageID
		detail.Remark = remark
		if err := tx.SaveDetail(detail); err != nil {
			return 0, err
		}
	} else {
		amount = 0
		remark = models.RemarkNoAck
		detail = &models.BillingDetail{
			ID:           uuid.NewString(),
			BillingID:    ref.ID,
			ResMeta:      ref.ResMeta,
			Price:        ref.Price,
			Amount:       amount,
			StartAt:      nil,
			EndAt:        endAt,
			EndMessageID: messageID,
			Remark:       remark,
		}
		if err := tx.CreateDetail(detail); err != nil {
			return 0, err
		}
	}

	audit := &models.BillingAudit{
		ID:       uuid.NewString(),
		DetailID: detail.ID,
		StartAt:  startAt,
		EndAt:    endAt,
		Price:    detail.Price,
		Amount:   amount,
		Remark:   remark,
	}
	if err := tx.CreateAudit(audit); err != nil {
		return 0, err
	}
	return amount, nil
}

// setStatus mutates and timestamps the record only when the status actually
// changes.
func (s *Service) setStatus(ref *models.Billing, status int) {
	if ref.Status != status {
		ref.Status = status
		ref.UpdatedAt = s.now()
	}
}

// settle debits the tenant and re-evaluates the record's status from the
// resulting balance. Allow-listed tenants bypass the check. An unknown
// account emits a destroy signal instead of failing, unless strict mode is
// on.
func (s *Service) settle(ctx context.Context, tx Repository, ref *models.Billing, amount int64, okStatus, owingStatus int, action notify.Action) error {
	bal, err := tx.Balances().Debit(ctx, ref.TenantID, amount)
	if err != nil {
		if errors.Is(err, balance.ErrAccountNotFound) {
			if s.cfg.Strict {
				return err
			}
			s.sink.Emit(ctx, notify.ActionDestroy, s.cfg.NotifyTopic, s.payload(ref))
			s.setStatus(ref, owingStatus)
			return nil
		}
		return err
	}

	if s.cfg.Whitelisted(ref.TenantID) {
		s.setStatus(ref, okStatus)
		return nil
	}

	if bal < 0 {
		s.setStatus(ref, owingStatus)
		if action != "" {
			log.Warnf("[Ledger] balance negative, judge %s, %s (%s, %s)",
				ref.ResType, action, ref.ResName, ref.ResID)
			s.sink.Emit(ctx, action, s.cfg.NotifyTopic, s.payload(ref))
		}
		return nil
	}
	s.setStatus(ref, okStatus)
	return nil
}

// debitOnly charges without re-evaluating status, for terminal paths.
func (s *Service) debitOnly(ctx context.Context, tx Repository, ref *models.Billing, amount int64) error {
	if _, err := tx.Balances().Debit(ctx, ref.TenantID, amount); err != nil {
		if errors.Is(err, balance.ErrAccountNotFound) {
			if s.cfg.Strict {
				return err
			}
			s.sink.Emit(ctx, notify.ActionDestroy, s.cfg.NotifyTopic, s.payload(ref))
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) resolvePrice(region, billingType string, usage map[string]interface{}) (int64, error) {
	price, err := s.resolver.Resolve(region, billingType, usage)
	if err != nil {
		return 0, fmt.Errorf("resolve price: %w", err)
	}
	return price, nil
}

func (s *Service) newRecord(ev Event, price int64, status int, billingType string, now time.Time) *models.Billing {
	return &models.Billing{
		ID:          uuid.NewString(),
		ResID:       ev.ResID,
		ResName:     ev.ResName,
		ResMeta:     models.JSONMap(ev.ResMeta),
		ResType:     ev.ResType,
		UserID:      ev.UserID,
		TenantID:    ev.TenantID,
		Region:      ev.Region,
		Status:      status,
		Price:       price,
		Amount:      0,
		BillingType: billingType,
		CreatedAt:   ev.Timestamp,
		UpdatedAt:   now,
	}
}

func (s *Service) mergeEvent(ref *models.Billing, ev Event) {
	ref.ResName = ev.ResName
	ref.ResMeta = models.JSONMap(ev.ResMeta)
	ref.ResType = ev.ResType
	ref.UserID = ev.UserID
	ref.TenantID = ev.TenantID
	ref.Region = ev.Region
}

func (s *Service) payload(ref *models.Billing) notify.Payload {
	return notify.Payload{
		UserID:   ref.UserID,
		TenantID: ref.TenantID,
		ResID:    ref.ResID,
		ResType:  ref.ResType,
		Region:   ref.Region,
	}
}

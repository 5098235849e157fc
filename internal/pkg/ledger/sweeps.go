package ledger

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/plcloud/metering/app/models"
	"github.com/plcloud/metering/internal/pkg/notify"
)

// Charge extends the open period of every actively billed record so it stays
// ahead of "now" by the look-ahead margin, and debits the newly covered
// amount. Records already covered are skipped, so the sweep is idempotent at
// any scheduling cadence. One record's failure never aborts the sweep.
func (s *Service) Charge(ctx context.Context) {
	records, err := s.repo.RecordsByStatus(models.StatusActive, models.StatusOwing)
	if err != nil {
		log.Errorf("[Ledger] charge sweep: list records: %v", err)
		return
	}
	for i := range records {
		if err := s.chargeRecord(ctx, &records[i]); err != nil {
			log.Errorf("[Ledger] charge record %s: %v", records[i].ID, err)
		}
	}
	log.Infof("[Ledger] charge sweep finished, %d records", len(records))
}

// chargeLookAheadQuanta keeps open periods paid this many charge windows past
// the current time.
const chargeLookAheadQuanta = 2

func (s *Service) chargeRecord(ctx context.Context, record *models.Billing) error {
	key := recordKey(record.ResID, record.TenantID, record.Region)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	return s.repo.Transaction(func(tx Repository) error {
		ref, err := tx.RecordByID(record.ID)
		if err != nil || ref == nil {
			return err
		}
		detail, err := tx.CurrentDetail(ref.ID)
		if err != nil {
			return err
		}
		if detail == nil || detail.Closed() {
			log.Debugf("[Ledger] record %s has no open period, skipping charge", ref.ID)
			return nil
		}

		now := s.now()
		behind := int64(now.Sub(detail.EndAt) / time.Second)
		quanta := floorDiv(behind, s.cfg.ChargeSeconds) + chargeLookAheadQuanta
		if quanta < 1 {
			log.Debugf("[Ledger] period %s paid until %s, no charge needed", detail.ID, detail.EndAt)
			return nil
		}

		start := detail.EndAt
		extendSeconds := quanta * s.cfg.ChargeSeconds
		endAt := detail.EndAt.Add(time.Duration(extendSeconds) * time.Second)
		amount := ref.Price * extendSeconds

		detail.Amount += amount
		detail.EndAt = endAt
		detail.Remark = models.RemarkCharge
		if err := tx.SaveDetail(detail); err != nil {
			return err
		}
		audit := &models.BillingAudit{
			ID:       uuid.NewString(),
			DetailID: detail.ID,
			StartAt:  &start,
			EndAt:    endAt,
			Price:    detail.Price,
			Amount:   amount,
			Remark:   models.RemarkCharge,
		}
		if err := tx.CreateAudit(audit); err != nil {
			return err
		}

		ref.Amount += amount
		if err := s.settle(ctx, tx, ref, amount, models.StatusActive, models.StatusOwing, notify.ActionStop); err != nil {
			return err
		}
		return tx.SaveRecord(ref)
	})
}

// Release proposes owing records for release once they have been idle past
// the grace window. It only notifies; the actual release still requires a
// release event from the resource layer.
func (s *Service) Release(ctx context.Context) {
	records, err := s.repo.RecordsByStatus(models.StatusOwing, models.StatusStoppedOwing)
	if err != nil {
		log.Errorf("[Ledger] release sweep: list records: %v", err)
		return
	}

	cutoff := s.now().Add(-s.cfg.GraceWindow())
	for i := range records {
		ref := &records[i]
		if ref.UpdatedAt.Before(cutoff) {
			log.Warnf("[Ledger] judge %s, release (%s, %s)", ref.ResType, ref.ResName, ref.ResID)
			s.sink.Emit(ctx, notify.ActionRelease, s.cfg.NotifyTopic, s.payload(ref))
		}
	}
	log.Infof("[Ledger] release sweep finished")
}

// ChangePrice propagates every enabled, not yet applied price tier to the
// active records it affects. Each record is repriced in its own transaction;
// a tier is marked applied only after all of its records succeeded.
func (s *Service) ChangePrice(ctx context.Context) {
	tiers, err := s.repo.UnappliedTiers()
	if err != nil {
		log.Errorf("[Ledger] change-price sweep: list tiers: %v", err)
		return
	}
	if len(tiers) == 0 {
		log.Debugf("[Ledger] no price tiers pending update")
		return
	}

	messageID := uuid.NewString()
	timestamp := s.now()
	tierMeta := make(models.JSONMap, len(tiers))
	for _, tier := range tiers {
		tierMeta[tier.ID] = tier.Formula
	}
	if _, err := s.repo.LogEventIfNew(&models.BillingEvent{
		MessageID: messageID,
		ResID:     "change-price",
		ResName:   "change_price",
		ResMeta:   tierMeta,
		ResType:   "price",
		EventType: EventTypePriceUpdate,
		Timestamp: timestamp,
	}); err != nil {
		log.Errorf("[Ledger] change-price sweep: log event: %v", err)
		return
	}

	for i := range tiers {
		tier := &tiers[i]
		records, err := s.repo.RecordsByStatusRegionType(
			tier.Region, tier.ProductType, models.StatusActive, models.StatusOwing)
		if err != nil {
			log.Errorf("[Ledger] change-price tier %s: list records: %v", tier.ID, err)
			continue
		}

		applied := true
		for j := range records {
			if err := s.repriceRecord(ctx, &records[j], timestamp, messageID); err != nil {
				log.Errorf("[Ledger] reprice record %s: %v", records[j].ID, err)
				applied = false
			}
		}
		if !applied {
			continue
		}

		now := s.now()
		tier.LastUpdate = tier.UpdatedAt
		tier.UpdatedAt = &now
		tier.Updated = true
		if err := s.repo.SaveTier(tier); err != nil {
			log.Errorf("[Ledger] mark tier %s applied: %v", tier.ID, err)
			continue
		}
		log.Debugf("[Ledger] tier %s applied (%s.%s)", tier.ID, tier.ProductType, tier.ProductID)
	}
}

func (s *Service) repriceRecord(ctx context.Context, record *models.Billing, timestamp time.Time, messageID string) error {
	key := recordKey(record.ResID, record.TenantID, record.Region)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	return s.repo.Transaction(func(tx Repository) error {
		ref, err := tx.RecordByID(record.ID)
		if err != nil || ref == nil {
			return err
		}
		if !ref.IsBilling() {
			return nil
		}

		price, err := s.resolvePrice(ref.Region, ref.BillingType, ref.ResMeta)
		if err != nil {
			return err
		}
		if price == ref.Price {
			log.Debugf("[Ledger] record %s price unchanged", ref.ID)
			return nil
		}

		detail, err := tx.CurrentDetail(ref.ID)
		if err != nil {
			return err
		}
		if detail == nil || detail.Closed() {
			log.Debugf("[Ledger] record %s has no open period, skipping reprice", ref.ID)
			return nil
		}

		closed, err := s.closePeriod(tx, ref, timestamp, messageID, models.RemarkPriceUpdate)
		if err != nil {
			return err
		}
		ref.Price = price
		opened, err := s.openPeriod(tx, ref, timestamp, messageID, models.RemarkPriceUpdate)
		if err != nil {
			return err
		}

		amount := closed + opened
		ref.Amount += amount
		if amount != 0 {
			if err := s.debitOnly(ctx, tx, ref, amount); err != nil {
				return err
			}
		}
		log.Infof("[Ledger] record %s repriced, amount %d", ref.ID, amount)
		return tx.SaveRecord(ref)
	})
}

// floorDiv divides rounding toward negative infinity, so a period that ends
// in the future counts as negative elapsed quanta.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

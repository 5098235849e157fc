package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/plcloud/metering/app/models"
)

// UsageItem is one prorated billing period in a usage report. Amount and the
// interval bounds are recomputed from the clipped interval, never taken from
// the stored period.
type UsageItem struct {
	ID        string     `json:"id"`
	BillingID string     `json:"billing_id"`
	ResID     string     `json:"res_id"`
	ResName   string     `json:"res_name"`
	ResType   string     `json:"res_type"`
	Region    string     `json:"region"`
	UnitPrice int64      `json:"unit_price"`
	StartAt   *time.Time `json:"start_at"`
	EndAt     time.Time  `json:"end_at"`
	Amount    int64      `json:"amount"`
	CostTime  int64      `json:"cost_time"`
	IsBilling bool       `json:"is_billing"`
	Remark    string     `json:"remark"`
}

// RunwayEntry estimates how long a tenant's balance lasts at its current
// burn rate.
type RunwayEntry struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Price    int64  `json:"price"`
	Balance  int64  `json:"balance"`
	UseDays  int64  `json:"use_days"`
}

// ListUsage reports the periods of one tenant overlapping [StartAt, EndAt],
// each clipped to the intersection with the requested range. The ledger is
// never mutated; clipping happens on copies.
func (s *Service) ListUsage(ctx context.Context, q UsageQuery) ([]UsageItem, error) {
	_ = ctx
	q.StartAt, q.EndAt = normalizeRange(q.StartAt, q.EndAt)

	rows, err := s.repo.DetailsOverlapping(q)
	if err != nil {
		return nil, err
	}

	items := make([]UsageItem, 0, len(rows))
	for _, row := range rows {
		if row.Detail.StartAt == nil {
			// Fabricated no-ack periods carry no usage interval.
			continue
		}
		item := clipUsage(row, q.StartAt, q.EndAt)
		items = append(items, item)
	}
	return items, nil
}

// clipUsage clips one period to the requested range. The four overlap shapes
// of [a,b] against [S,E]: overhang left, overhang right, contained, covering.
func clipUsage(row DetailRow, rangeStart, rangeEnd time.Time) UsageItem {
	a := *row.Detail.StartAt
	b := row.Detail.EndAt

	start, end := a, b
	switch {
	case !a.After(rangeStart) && !b.Before(rangeStart) && !b.After(rangeEnd):
		start, end = rangeStart, b
	case !a.Before(rangeStart) && !a.After(rangeEnd) && !b.Before(rangeEnd):
		start, end = a, rangeEnd
	case !a.Before(rangeStart) && !b.After(rangeEnd):
		start, end = a, b
	case !a.After(rangeStart) && !b.Before(rangeEnd):
		start, end = rangeStart, rangeEnd
	}

	costTime := int64(end.Sub(start) / time.Second)
	return UsageItem{
		ID:        row.Detail.ID,
		BillingID: row.Detail.BillingID,
		ResID:     row.Record.ResID,
		ResName:   row.Record.ResName,
		ResType:   row.Record.ResType,
		Region:    row.Record.Region,
		UnitPrice: row.Detail.Price * 3600,
		StartAt:   &start,
		EndAt:     end,
		Amount:    row.Detail.Price * costTime,
		CostTime:  costTime,
		IsBilling: row.Record.IsBilling(),
		Remark:    row.Detail.Remark,
	}
}

// normalizeRange stretches the range end to the end of its day, so same-day
// queries cover the whole day.
func normalizeRange(start, end time.Time) (time.Time, time.Time) {
	if end.Before(start) {
		end = start
	}
	end = time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, end.Location())
	return start, end
}

// ListBillingRecords lists billing records with optional filters. Non-admin
// callers only see their own tenant.
func (s *Service) ListBillingRecords(ctx context.Context, q RecordQuery) ([]models.Billing, error) {
	_ = ctx
	return s.repo.ListRecords(q)
}

// ListDetails lists the periods of one record, enforcing tenant ownership.
func (s *Service) ListDetails(ctx context.Context, tenantID, billingID string, startAt, endAt *time.Time) ([]models.BillingDetail, error) {
	_ = ctx
	ref, err := s.repo.RecordByID(billingID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, billingID)
	}
	if ref.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, billingID)
	}
	return s.repo.DetailsByRecord(billingID, startAt, endAt)
}

// Summary aggregates a tenant's consumption by resource type, zero-filled
// from the enabled tier catalog so every billable type appears.
func (s *Service) Summary(ctx context.Context, tenantID, region string) ([]TypeSummary, error) {
	_ = ctx
	types, err := s.repo.EnabledProductTypes(region)
	if err != nil {
		return nil, err
	}
	sums, err := s.repo.SummaryByType(tenantID, region)
	if err != nil {
		return nil, err
	}

	byType := make(map[string]TypeSummary, len(sums))
	for _, sum := range sums {
		byType[sum.ResType] = sum
	}
	summary := make([]TypeSummary, 0, len(types))
	for _, t := range types {
		entry := byType[t]
		entry.ResType = t
		summary = append(summary, entry)
	}
	return summary, nil
}

// EstimateEntry projects a tenant's active spend per resource type.
type EstimateEntry struct {
	ResType string `json:"res_type"`
	Count   int64  `json:"count"`
	Hour    int64  `json:"hour"`
	Day     int64  `json:"day"`
	Month   int64  `json:"month"`
	Year    int64  `json:"year"`
}

// Estimate projects the hourly/daily/monthly/yearly spend of a tenant's
// actively billed resources.
func (s *Service) Estimate(ctx context.Context, tenantID, region string) ([]EstimateEntry, error) {
	_ = ctx
	rows, err := s.repo.EstimateByType(tenantID, region)
	if err != nil {
		return nil, err
	}
	entries := make([]EstimateEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, EstimateEntry{
			ResType: row.ResType,
			Count:   row.Count,
			Hour:    row.Price * 3600,
			Day:     row.Price * 3600 * 24,
			Month:   row.Price * 3600 * 24 * 30,
			Year:    row.Price * 3600 * 24 * 365,
		})
	}
	return entries, nil
}

// Runway estimates days-until-exhaustion per tenant and returns the tenants
// that would run out inside the release grace window.
func (s *Service) Runway(ctx context.Context, region string) ([]RunwayEntry, error) {
	rows, err := s.repo.ActivePriceByTenant(region)
	if err != nil {
		return nil, err
	}

	releaseDays := s.cfg.ReleaseHours / 24
	gateway := s.repo.Balances()
	entries := make([]RunwayEntry, 0)
	for _, row := range rows {
		if row.Price <= 0 {
			continue
		}
		bal, err := gateway.GetBalance(ctx, row.TenantID)
		if err != nil {
			// Unknown accounts are handled by the lifecycle destroy policy;
			// they have no runway to report.
			continue
		}
		var useDays int64
		if bal > 0 {
			useDays = bal / (row.Price * 3600 * 24)
		}
		if useDays < releaseDays {
			entries = append(entries, RunwayEntry{
				TenantID: row.TenantID,
				UserID:   row.UserID,
				Price:    row.Price,
				Balance:  bal,
				UseDays:  useDays,
			})
		}
	}
	return entries, nil
}

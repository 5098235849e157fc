package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/plcloud/metering/app/models"
	"github.com/plcloud/metering/internal/pkg/balance"
	"github.com/plcloud/metering/internal/pkg/config"
	"github.com/plcloud/metering/internal/pkg/notify"
	"github.com/plcloud/metering/internal/pkg/pricing"
)

var baseTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// memRepository is an in-memory Repository with snapshot rollback, so the
// transactional coupling of the event log and the ledger writes is observable
// in tests. It doubles as the pricing tier source.
type memRepository struct {
	mu        sync.Mutex
	records   map[string]models.Billing
	details   map[string]models.BillingDetail
	detailSeq map[string]int
	audits    []models.BillingAudit
	events    map[string]models.BillingEvent
	tiers     map[string]models.BasePrice
	balances  map[string]int64
	seq       int
}

func newMemRepository() *memRepository {
	return &memRepository{
		records:   make(map[string]models.Billing),
		details:   make(map[string]models.BillingDetail),
		detailSeq: make(map[string]int),
		events:    make(map[string]models.BillingEvent),
		tiers:     make(map[string]models.BasePrice),
		balances:  make(map[string]int64),
	}
}

type memSnapshot struct {
	records   map[string]models.Billing
	details   map[string]models.BillingDetail
	detailSeq map[string]int
	audits    []models.BillingAudit
	events    map[string]models.BillingEvent
	tiers     map[string]models.BasePrice
	balances  map[string]int64
	seq       int
}

func (r *memRepository) snapshot() memSnapshot {
	snap := memSnapshot{
		records:   make(map[string]models.Billing, len(r.records)),
		details:   make(map[string]models.BillingDetail, len(r.details)),
		detailSeq: make(map[string]int, len(r.detailSeq)),
		audits:    append([]models.BillingAudit(nil), r.audits...),
		events:    make(map[string]models.BillingEvent, len(r.events)),
		tiers:     make(map[string]models.BasePrice, len(r.tiers)),
		balances:  make(map[string]int64, len(r.balances)),
		seq:       r.seq,
	}
	for k, v := range r.records {
		snap.records[k] = v
	}
	for k, v := range r.details {
		snap.details[k] = v
	}
	for k, v := range r.detailSeq {
		snap.detailSeq[k] = v
	}
	for k, v := range r.events {
		snap.events[k] = v
	}
	for k, v := range r.tiers {
		snap.tiers[k] = v
	}
	for k, v := range r.balances {
		snap.balances[k] = v
	}
	return snap
}

func (r *memRepository) restore(snap memSnapshot) {
	r.records = snap.records
	r.details = snap.details
	r.detailSeq = snap.detailSeq
	r.audits = snap.audits
	r.events = snap.events
	r.tiers = snap.tiers
	r.balances = snap.balances
	r.seq = snap.seq
}

func (r *memRepository) Transaction(fn func(Repository) error) error {
	snap := r.snapshot()
	if err := fn(r); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *memRepository) Balances() balance.Gateway {
	return memGateway{repo: r}
}

func (r *memRepository) LogEventIfNew(event *models.BillingEvent) (bool, error) {
	key := event.MessageID + "|" + event.ResID
	if _, ok := r.events[key]; ok {
		return false, nil
	}
	r.events[key] = *event
	return true, nil
}

func (r *memRepository) hasEvent(messageID, resID string) bool {
	_, ok := r.events[messageID+"|"+resID]
	return ok
}

func (r *memRepository) RecordByID(id string) (*models.Billing, error) {
	if rec, ok := r.records[id]; ok {
		c := rec
		return &c, nil
	}
	return nil, nil
}

func (r *memRepository) RecordByKey(resID, tenantID, region string) (*models.Billing, error) {
	for _, rec := range r.records {
		if rec.ResID == resID && rec.TenantID == tenantID && rec.Region == region {
			c := rec
			return &c, nil
		}
	}
	return nil, nil
}

func (r *memRepository) RecordsByResource(resID string) ([]models.Billing, error) {
	var out []models.Billing
	for _, rec := range r.records {
		if rec.ResID == resID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matchesStatus(status int, statuses []int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (r *memRepository) RecordsByStatus(statuses ...int) ([]models.Billing, error) {
	var out []models.Billing
	for _, rec := range r.records {
		if matchesStatus(rec.Status, statuses) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepository) RecordsByStatusRegionType(region, resType string, statuses ...int) ([]models.Billing, error) {
	var out []models.Billing
	for _, rec := range r.records {
		if rec.Region == region && rec.ResType == resType && matchesStatus(rec.Status, statuses) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepository) ListRecords(q RecordQuery) ([]models.Billing, error) {
	var out []models.Billing
	for _, rec := range r.records {
		if (!q.Admin || q.TenantID != "") && rec.TenantID != q.TenantID {
			continue
		}
		if q.Region != "" && rec.Region != q.Region {
			continue
		}
		if q.ResType != "" && rec.ResType != q.ResType {
			continue
		}
		if q.StartAt != nil && rec.CreatedAt.Before(*q.StartAt) {
			continue
		}
		if q.EndAt != nil && rec.CreatedAt.After(*q.EndAt) {
			continue
		}
		if q.IsBilling && !rec.IsBilling() {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepository) CreateRecord(record *models.Billing) error {
	r.records[record.ID] = *record
	return nil
}

func (r *memRepository) SaveRecord(record *models.Billing) error {
	r.records[record.ID] = *record
	return nil
}

func (r *memRepository) CurrentDetail(billingID string) (*models.BillingDetail, error) {
	var current *models.BillingDetail
	for id := range r.details {
		d := r.details[id]
		if d.BillingID != billingID {
			continue
		}
		if current == nil ||
			d.EndAt.After(current.EndAt) ||
			(d.EndAt.Equal(current.EndAt) && r.detailSeq[d.ID] > r.detailSeq[current.ID]) {
			c := d
			current = &c
		}
	}
	return current, nil
}

func (r *memRepository) CreateDetail(detail *models.BillingDetail) error {
	r.seq++
	r.detailSeq[detail.ID] = r.seq
	r.details[detail.ID] = *detail
	return nil
}

func (r *memRepository) SaveDetail(detail *models.BillingDetail) error {
	r.details[detail.ID] = *detail
	return nil
}

func (r *memRepository) DetailsByRecord(billingID string, startAt, endAt *time.Time) ([]models.BillingDetail, error) {
	var out []models.BillingDetail
	for _, d := range r.details {
		if d.BillingID != billingID {
			continue
		}
		if startAt != nil && (d.StartAt == nil || d.StartAt.Before(*startAt)) {
			continue
		}
		if endAt != nil && d.EndAt.After(*endAt) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndAt.Before(out[j].EndAt) })
	return out, nil
}

func (r *memRepository) DetailsOverlapping(q UsageQuery) ([]DetailRow, error) {
	var rows []DetailRow
	for _, d := range r.details {
		if d.StartAt == nil || d.Amount == 0 {
			continue
		}
		rec, ok := r.records[d.BillingID]
		if !ok || rec.TenantID != q.TenantID {
			continue
		}
		if q.Region != "" && rec.Region != q.Region {
			continue
		}
		if q.ResType != "" && rec.ResType != q.ResType {
			continue
		}
		if q.IsBilling && !rec.IsBilling() {
			continue
		}
		if d.StartAt.After(q.EndAt) || d.EndAt.Before(q.StartAt) {
			continue
		}
		rows = append(rows, DetailRow{Detail: d, Record: rec})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Detail.EndAt.Before(rows[j].Detail.EndAt) })
	return rows, nil
}

func (r *memRepository) CreateAudit(audit *models.BillingAudit) error {
	r.audits = append(r.audits, *audit)
	return nil
}

func (r *memRepository) EnabledTiers(region, billingType string, productIDs []string) ([]models.BasePrice, error) {
	var out []models.BasePrice
	for _, tier := range r.tiers {
		if !tier.Enabled || tier.Region != region || tier.BillingType != billingType {
			continue
		}
		for _, id := range productIDs {
			if tier.ProductID == id {
				out = append(out, tier)
				break
			}
		}
	}
	return out, nil
}

func (r *memRepository) UnappliedTiers() ([]models.BasePrice, error) {
	var out []models.BasePrice
	for _, tier := range r.tiers {
		if tier.Enabled && !tier.Updated {
			out = append(out, tier)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepository) SaveTier(tier *models.BasePrice) error {
	r.tiers[tier.ID] = *tier
	return nil
}

func (r *memRepository) EnabledProductTypes(region string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, tier := range r.tiers {
		if !tier.Enabled {
			continue
		}
		if region != "" && tier.Region != region {
			continue
		}
		if !seen[tier.ProductType] {
			seen[tier.ProductType] = true
			out = append(out, tier.ProductType)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *memRepository) SummaryByType(tenantID, region string) ([]TypeSummary, error) {
	byType := make(map[string]*TypeSummary)
	for _, rec := range r.records {
		if rec.TenantID != tenantID {
			continue
		}
		if region != "" && rec.Region != region {
			continue
		}
		sum, ok := byType[rec.ResType]
		if !ok {
			sum = &TypeSummary{ResType: rec.ResType}
			byType[rec.ResType] = sum
		}
		sum.Amount += rec.Amount
		sum.Count++
	}
	var out []TypeSummary
	for _, sum := range byType {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResType < out[j].ResType })
	return out, nil
}

func (r *memRepository) EstimateByType(tenantID, region string) ([]TypeEstimate, error) {
	byType := make(map[string]*TypeEstimate)
	for _, rec := range r.records {
		if rec.TenantID != tenantID || !rec.IsBilling() || rec.ResType == "cdn" {
			continue
		}
		if region != "" && rec.Region != region {
			continue
		}
		row, ok := byType[rec.ResType]
		if !ok {
			row = &TypeEstimate{ResType: rec.ResType}
			byType[rec.ResType] = row
		}
		row.Price += rec.Price
		row.Count++
	}
	var out []TypeEstimate
	for _, row := range byType {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResType < out[j].ResType })
	return out, nil
}

func (r *memRepository) ActivePriceByTenant(region string) ([]TenantPrice, error) {
	byTenant := make(map[string]*TenantPrice)
	for _, rec := range r.records {
		if !rec.IsBilling() || rec.ResType == "cdn" {
			continue
		}
		if region != "" && rec.Region != region {
			continue
		}
		row, ok := byTenant[rec.TenantID]
		if !ok {
			row = &TenantPrice{TenantID: rec.TenantID, UserID: rec.UserID}
			byTenant[rec.TenantID] = row
		}
		row.Price += rec.Price
	}
	var out []TenantPrice
	for _, row := range byTenant {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// memGateway debits the repository's balance map. A tenant missing from the
// map is an unknown account.
type memGateway struct {
	repo *memRepository
}

func (g memGateway) Debit(_ context.Context, tenantID string, amount int64) (int64, error) {
	bal, ok := g.repo.balances[tenantID]
	if !ok {
		return 0, balance.ErrAccountNotFound
	}
	bal -= amount
	g.repo.balances[tenantID] = bal
	return bal, nil
}

func (g memGateway) GetBalance(_ context.Context, tenantID string) (int64, error) {
	bal, ok := g.repo.balances[tenantID]
	if !ok {
		return 0, balance.ErrAccountNotFound
	}
	return bal, nil
}

type emitted struct {
	action  notify.Action
	topic   string
	payload notify.Payload
}

type fakeSink struct {
	mu    sync.Mutex
	notes []emitted
}

func (s *fakeSink) Emit(_ context.Context, action notify.Action, topic string, payload notify.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, emitted{action: action, topic: topic, payload: payload})
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func testConfig() config.Billing {
	return config.Billing{
		ChargeSeconds: 3600,
		ChargeHours:   720,
		ReleaseHours:  72,
		NotifyTopic:   "plcloud.billing",
		EventQueue:    "billing_events",
	}
}

func newTestLedger(cfg config.Billing) (*Service, *memRepository, *fakeSink, *fakeClock) {
	repo := newMemRepository()
	sink := &fakeSink{}
	resolver := pricing.NewResolver(repo, pricing.NewRegistry(), cfg.Strict)
	svc := NewService(repo, resolver, sink, cfg)
	clk := &fakeClock{t: baseTime}
	svc.now = clk.Now
	return svc, repo, sink, clk
}

// seedTier installs an enabled hourly tier pricing the "cpu" product at
// unitPrice per cpu per second over usage [0, 100).
func seedTier(repo *memRepository, id string, unitPrice int64) {
	repo.tiers[id] = models.BasePrice{
		ID:          id,
		ProductType: "instance",
		ProductID:   "cpu",
		Region:      "regionOne",
		Enabled:     true,
		Updated:     true,
		Start:       0,
		End:         100,
		Params:      models.JSONMap{"unit": unitPrice},
		Formula:     "linear",
		BillingType: models.BillingTypeHour,
	}
}

func lifecycleEvent(messageID, resID, eventType string, ts time.Time) Event {
	return Event{
		MessageID: messageID,
		ResID:     resID,
		ResName:   resID + "-name",
		ResMeta:   map[string]interface{}{"cpu": int64(2)},
		ResType:   "instance",
		EventType: eventType,
		UserID:    "user-1",
		TenantID:  "tenant-1",
		Region:    "regionOne",
		Timestamp: ts,
	}
}

func (r *memRepository) singleRecord() models.Billing {
	for _, rec := range r.records {
		return rec
	}
	return models.Billing{}
}

func (r *memRepository) recordDetails(billingID string) []models.BillingDetail {
	out, _ := r.DetailsByRecord(billingID, nil, nil)
	return out
}

func (r *memRepository) auditSum(detailID string) int64 {
	var sum int64
	for _, a := range r.audits {
		if a.DetailID == detailID {
			sum += a.Amount
		}
	}
	return sum
}

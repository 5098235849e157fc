package ledger

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/plcloud/metering/app/models"
	"github.com/plcloud/metering/internal/pkg/balance"
)

// TypeSummary is the per-resource-type consumption aggregate of one tenant.
type TypeSummary struct {
	ResType string `json:"res_type"`
	Amount  int64  `json:"amount"`
	Count   int64  `json:"count"`
}

// TypeEstimate is the per-resource-type active price aggregate of one tenant.
type TypeEstimate struct {
	ResType string `json:"res_type"`
	Price   int64  `json:"price"`
	Count   int64  `json:"count"`
}

// TenantPrice is the summed active per-second price of one tenant.
type TenantPrice struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Price    int64  `json:"price"`
}

// DetailRow pairs a billing period with its owning record for reporting.
type DetailRow struct {
	Detail models.BillingDetail
	Record models.Billing
}

// UsageQuery selects periods overlapping a closed time range for one tenant.
type UsageQuery struct {
	TenantID  string
	Region    string
	ResType   string
	StartAt   time.Time
	EndAt     time.Time
	IsBilling bool
}

// RecordQuery selects billing records.
type RecordQuery struct {
	TenantID  string
	Region    string
	ResType   string
	StartAt   *time.Time
	EndAt     *time.Time
	IsBilling bool
	Admin     bool
}

// Repository provides the DB operations used by the billing service. A
// Transaction hands the callback a repository bound to the transaction; the
// balance gateway obtained from it debits in the same atomic unit.
type Repository interface {
	Transaction(fn func(Repository) error) error
	Balances() balance.Gateway

	LogEventIfNew(event *models.BillingEvent) (bool, error)

	RecordByID(id string) (*models.Billing, error)
	RecordByKey(resID, tenantID, region string) (*models.Billing, error)
	RecordsByResource(resID string) ([]models.Billing, error)
	RecordsByStatus(statuses ...int) ([]models.Billing, error)
	RecordsByStatusRegionType(region, resType string, statuses ...int) ([]models.Billing, error)
	ListRecords(q RecordQuery) ([]models.Billing, error)
	CreateRecord(record *models.Billing) error
	SaveRecord(record *models.Billing) error

	CurrentDetail(billingID string) (*models.BillingDetail, error)
	CreateDetail(detail *models.BillingDetail) error
	SaveDetail(detail *models.BillingDetail) error
	DetailsByRecord(billingID string, startAt, endAt *time.Time) ([]models.BillingDetail, error)
	DetailsOverlapping(q UsageQuery) ([]DetailRow, error)

	CreateAudit(audit *models.BillingAudit) error

	EnabledTiers(region, billingType string, productIDs []string) ([]models.BasePrice, error)
	UnappliedTiers() ([]models.BasePrice, error)
	SaveTier(tier *models.BasePrice) error
	EnabledProductTypes(region string) ([]string, error)

	SummaryByType(tenantID, region string) ([]TypeSummary, error)
	EstimateByType(tenantID, region string) ([]TypeEstimate, error)
	ActivePriceByTenant(region string) ([]TenantPrice, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) Balances() balance.Gateway {
	return balance.NewSQLGateway(r.db)
}

func (r *gormRepository) LogEventIfNew(event *models.BillingEvent) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "message_id"},
			{Name: "res_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) RecordByID(id string) (*models.Billing, error) {
	var record models.Billing
	err := r.db.Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *gormRepository) RecordByKey(resID, tenantID, region string) (*models.Billing, error) {
	var record models.Billing
	err := r.db.
		Where("res_id = ? AND tenant_id = ? AND region = ?", resID, tenantID, region).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *gormRepository) RecordsByResource(resID string) ([]models.Billing, error) {
	var records []models.Billing
	err := r.db.Where("res_id = ?", resID).Order("created_at").Find(&records).Error
	return records, err
}

func (r *gormRepository) RecordsByStatus(statuses ...int) ([]models.Billing, error) {
	var records []models.Billing
	err := r.db.Where("status IN ?", statuses).Find(&records).Error
	return records, err
}

func (r *gormRepository) RecordsByStatusRegionType(region, resType string, statuses ...int) ([]models.Billing, error) {
	var records []models.Billing
	err := r.db.
		Where("status IN ? AND region = ? AND res_type = ?", statuses, region, resType).
		Find(&records).Error
	return records, err
}

func (r *gormRepository) ListRecords(q RecordQuery) ([]models.Billing, error) {
	query := r.db.Model(&models.Billing{})
	if !q.Admin {
		query = query.Where("tenant_id = ?", q.TenantID)
	} else if q.TenantID != "" {
		query = query.Where("tenant_id = ?", q.TenantID)
	}
	if q.Region != "" {
		query = query.Where("region = ?", q.Region)
	}
	if q.ResType != "" {
		query = query.Where("res_type = ?", q.ResType)
	}
	if q.StartAt != nil {
		query = query.Where("created_at >= ?", *q.StartAt)
	}
	if q.EndAt != nil {
		query = query.Where("created_at <= ?", *q.EndAt)
	}
	if q.IsBilling {
		query = query.Where("status IN ?", []int{models.StatusActive, models.StatusOwing})
	}
	var records []models.Billing
	err := query.Find(&records).Error
	return records, err
}

func (r *gormRepository) CreateRecord(record *models.Billing) error {
	return r.db.Create(record).Error
}

func (r *gormRepository) SaveRecord(record *models.Billing) error {
	return r.db.Save(record).Error
}

func (r *gormRepository) CurrentDetail(billingID string) (*models.BillingDetail, error) {
	var detail models.BillingDetail
	err := r.db.
		Where("billing_id = ?", billingID).
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

func (r *gormRepository) CreateDetail(detail *models.BillingDetail) error {
	return r.db.Create(detail).Error
}

func (r *gormRepository) SaveDetail(detail *models.BillingDetail) error {
	return r.db.Save(detail).Error
}

func (r *gormRepository) DetailsByRecord(billingID string, startAt, endAt *time.Time) ([]models.BillingDetail, error) {
	query := r.db.Where("billing_id = ?", billingID)
	if startAt != nil {
		query = query.Where("start_at >= ?", *startAt)
	}
	if endAt != nil {
		query = query.Where("end_at <= ?", *endAt)
	}
	var details []models.BillingDetail
	err := query.Order("end_at").Find(&details).Error
	return details, err
}

func (r *gormRepository) DetailsOverlapping(q UsageQuery) ([]DetailRow, error) {
	query := r.db.Model(&models.BillingDetail{}).
		Joins("JOIN billing ON billing.id = billing_detail.billing_id").
		Where("billing.tenant_id = ?", q.TenantID).
		Where("billing_detail.amount <> 0").
		Where(
			r.db.Where("billing_detail.start_at <= ? AND billing_detail.end_at >= ? AND billing_detail.end_at <= ?", q.StartAt, q.StartAt, q.EndAt).
				Or("billing_detail.start_at >= ? AND billing_detail.start_at <= ? AND billing_detail.end_at >= ?", q.StartAt, q.EndAt, q.EndAt).
				Or("billing_detail.start_at >= ? AND billing_detail.end_at <= ?", q.StartAt, q.EndAt).
				Or("billing_detail.start_at <= ? AND billing_detail.end_at >= ?", q.StartAt, q.EndAt),
		)
	if q.Region != "" {
		query = query.Where("billing.region = ?", q.Region)
	}
	if q.ResType != "" {
		query = query.Where("billing.res_type = ?", q.ResType)
	}
	if q.IsBilling {
		query = query.Where("billing.status IN ?", []int{models.StatusActive, models.StatusOwing})
	}

	var details []models.BillingDetail
	if err := query.Order("billing_detail.end_at").Find(&details).Error; err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(details))
	for _, d := range details {
		ids = append(ids, d.BillingID)
	}
	var records []models.Billing
	if err := r.db.Where("id IN ?", ids).Find(&records).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]models.Billing, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	rows := make([]DetailRow, 0, len(details))
	for _, d := range details {
		rows = append(rows, DetailRow{Detail: d, Record: byID[d.BillingID]})
	}
	return rows, nil
}

func (r *gormRepository) CreateAudit(audit *models.BillingAudit) error {
	return r.db.Create(audit).Error
}

func (r *gormRepository) EnabledTiers(region, billingType string, productIDs []string) ([]models.BasePrice, error) {
	var tiers []models.BasePrice
	err := r.db.
		Where("region = ? AND billing_type = ? AND enabled = ?", region, billingType, true).
		Where("product_id IN ?", productIDs).
		Find(&tiers).Error
	return tiers, err
}

func (r *gormRepository) UnappliedTiers() ([]models.BasePrice, error) {
	var tiers []models.BasePrice
	err := r.db.Where("enabled = ? AND updated = ?", true, false).Find(&tiers).Error
	return tiers, err
}

func (r *gormRepository) SaveTier(tier *models.BasePrice) error {
	return r.db.Save(tier).Error
}

func (r *gormRepository) EnabledProductTypes(region string) ([]string, error) {
	query := r.db.Model(&models.BasePrice{}).Where("enabled = ?", true)
	if region != "" {
		query = query.Where("region = ?", region)
	}
	var types []string
	err := query.Distinct().Pluck("product_type", &types).Error
	return types, err
}

func (r *gormRepository) SummaryByType(tenantID, region string) ([]TypeSummary, error) {
	query := r.db.Model(&models.Billing{}).
		Select("res_type, SUM(amount) AS amount, COUNT(res_id) AS count").
		Where("tenant_id = ?", tenantID)
	if region != "" {
		query = query.Where("region = ?", region)
	}
	var sums []TypeSummary
	err := query.Group("res_type").Scan(&sums).Error
	return sums, err
}

func (r *gormRepository) EstimateByType(tenantID, region string) ([]TypeEstimate, error) {
	query := r.db.Model(&models.Billing{}).
		Select("res_type, SUM(price) AS price, COUNT(id) AS count").
		Where("status IN ?", []int{models.StatusActive, models.StatusOwing}).
		Where("res_type <> ?", "cdn").
		Where("tenant_id = ?", tenantID)
	if region != "" {
		query = query.Where("region = ?", region)
	}
	var rows []TypeEstimate
	err := query.Group("res_type").Scan(&rows).Error
	return rows, err
}

func (r *gormRepository) ActivePriceByTenant(region string) ([]TenantPrice, error) {
	query := r.db.Model(&models.Billing{}).
		Select("tenant_id, user_id, SUM(price) AS price").
		Where("status IN ?", []int{models.StatusActive, models.StatusOwing}).
		Where("res_type <> ?", "cdn")
	if region != "" {
		query = query.Where("region = ?", region)
	}
	var rows []TenantPrice
	err := query.Group("tenant_id").Scan(&rows).Error
	return rows, err
}

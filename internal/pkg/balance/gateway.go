package balance

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/plcloud/metering/app/models"
)

// ErrAccountNotFound is returned for tenants unknown to the account ledger.
var ErrAccountNotFound = errors.New("account not found")

// Gateway is the external account-balance ledger. Debit charges amount in
// minor units (a negative amount credits) and returns the resulting balance.
// The ledger is queried and debited here, never owned.
type Gateway interface {
	Debit(ctx context.Context, tenantID string, amount int64) (int64, error)
	GetBalance(ctx context.Context, tenantID string) (int64, error)
}

type sqlGateway struct {
	db *gorm.DB
}

// NewSQLGateway adapts the account system's balance table in the shared
// database. Constructed over a transaction handle, the debit commits or rolls
// back together with the caller's ledger writes.
func NewSQLGateway(db *gorm.DB) Gateway {
	return &sqlGateway{db: db}
}

func (g *sqlGateway) Debit(ctx context.Context, tenantID string, amount int64) (int64, error) {
	res := g.db.WithContext(ctx).
		Model(&models.AccountBalance{}).
		Where("tenant_id = ?", tenantID).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return 0, fmt.Errorf("debit tenant %s: %w", tenantID, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrAccountNotFound
	}
	return g.GetBalance(ctx, tenantID)
}

func (g *sqlGateway) GetBalance(ctx context.Context, tenantID string) (int64, error) {
	var account models.AccountBalance
	err := g.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("get balance for tenant %s: %w", tenantID, err)
	}
	return account.Balance, nil
}

package pricing

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/gofiber/fiber/v2/log"

	"github.com/plcloud/metering/app/models"
)

// TierSource lists enabled price tiers for a region and billing type,
// restricted to the given product ids.
type TierSource interface {
	EnabledTiers(region, billingType string, productIDs []string) ([]models.BasePrice, error)
}

// Resolver resolves a usage vector to a total price per second by matching
// each product's usage value against the tier catalog.
//
// When several tiers cover the same usage value the first match wins, with
// tiers ordered by ascending (start, id). Non-numeric usage values contribute
// zero unless strict mode is on.
type Resolver struct {
	tiers    TierSource
	registry *Registry
	strict   bool
}

// NewResolver creates a resolver over a tier source.
func NewResolver(tiers TierSource, registry *Registry, strict bool) *Resolver {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Resolver{tiers: tiers, registry: registry, strict: strict}
}

// Resolve sums the price contributions of every product in usage.
func (r *Resolver) Resolve(region, billingType string, usage map[string]interface{}) (int64, error) {
	if len(usage) == 0 {
		return 0, nil
	}

	productIDs := make([]string, 0, len(usage))
	for id := range usage {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	tiers, err := r.tiers.EnabledTiers(region, billingType, productIDs)
	if err != nil {
		return 0, fmt.Errorf("load price tiers: %w", err)
	}
	sort.Slice(tiers, func(i, j int) bool {
		if tiers[i].Start != tiers[j].Start {
			return tiers[i].Start < tiers[j].Start
		}
		return tiers[i].ID < tiers[j].ID
	})

	var total int64
	for _, productID := range productIDs {
		value, ok := parseUsage(usage[productID])
		if !ok {
			if r.strict {
				return 0, fmt.Errorf("usage value for product %q is not numeric", productID)
			}
			log.Debugf("[Pricing] skipping non-numeric usage for product %s", productID)
			continue
		}

		tier := matchTier(tiers, productID, value)
		if tier == nil {
			continue
		}
		formula, err := r.registry.New(tier.Formula, tier.Params)
		if err != nil {
			return 0, fmt.Errorf("tier %s: %w", tier.ID, err)
		}
		total += formula.Price(value)
	}
	return total, nil
}

func matchTier(tiers []models.BasePrice, productID string, value int64) *models.BasePrice {
	for i := range tiers {
		if tiers[i].ProductID == productID && tiers[i].Contains(value) {
			return &tiers[i]
		}
	}
	return nil
}

func parseUsage(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

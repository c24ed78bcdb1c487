package engine

import (
	"math"

	"github.com/shopspring/decimal"
)

// maxPoints is the largest total a balance can carry.
var maxPoints = decimal.NewFromInt(math.MaxInt64)

// PriceLine computes the whole-point total for one request line.
//
//	FIXED:   points_per_item × quantity
//	DYNAMIC: points_per_item × dynamic_quantity × quantity
//
// Fractional totals round up so a redemption is never under-charged.
func PriceLine(item InventoryItem, quantity int64, dynamic *decimal.Decimal) (int64, error) {
	if quantity < 1 {
		return 0, invalid("quantity", "must be at least 1")
	}
	if item.PointsPerItem.IsNegative() {
		return 0, invalid("points_per_item", "item %d has a negative price", item.ID)
	}

	total := item.PointsPerItem.Mul(decimal.NewFromInt(quantity))
	switch item.PricingType {
	case PricingFixed, "":
		if dynamic != nil {
			return 0, invalid("dynamic_quantity", "item %d uses fixed pricing", item.ID)
		}
	case PricingDynamic:
		if dynamic == nil || !dynamic.IsPositive() {
			return 0, invalid("dynamic_quantity", "item %d requires a positive dynamic quantity", item.ID)
		}
		total = total.Mul(*dynamic)
	default:
		return 0, invalid("pricing_type", "unknown pricing type %q", item.PricingType)
	}

	total = total.Ceil()
	if total.GreaterThan(maxPoints) {
		return 0, invalid("quantity", "item %d: line total %s exceeds the points range", item.ID, total)
	}
	return total.IntPart(), nil
}

package multipack

import (
	"github.com/mmdatafocus/multipack_backend/shopify"
)

// Adjustment is a delta on one inventory item at one location.
type Adjustment struct {
	InventoryItemId string `json:"inventoryItemId"`
	LocationId      string `json:"locationId"`
	Delta           int    `json:"delta"`
}

type adjustmentKey struct {
	item     string
	location string
}

// Consolidate sums adjustments sharing (item, location) so each pair is written once.
// Order follows first appearance; pairs that net to zero are dropped.
func Consolidate(adjustments []Adjustment) []Adjustment {
	index := make(map[adjustmentKey]int, len(adjustments))
	merged := make([]Adjustment, 0, len(adjustments))
	for _, a := range adjustments {
		k := adjustmentKey{item: a.InventoryItemId, location: a.LocationId}
		if i, ok := index[k]; ok {
			merged[i].Delta += a.Delta
			continue
		}
		index[k] = len(merged)
		merged = append(merged, a)
	}
	out := merged[:0]
	for _, a := range merged {
		if a.Delta != 0 {
			out = append(out, a)
		}
	}
	return out
}

// Negate mirrors every delta, turning an applied plan into its reversal.
func Negate(adjustments []Adjustment) []Adjustment {
	out := make([]Adjustment, 0, len(adjustments))
	for _, a := range adjustments {
		out = append(out, Adjustment{InventoryItemId: a.InventoryItemId, LocationId: a.LocationId, Delta: -a.Delta})
	}
	return out
}

func clampQuantity(q int) int {
	return max(0, q)
}

// BuildQuantityChanges turns adjustments into compare-and-set entries against the observed
// quantities. Items missing from current are treated as 0.
func BuildQuantityChanges(adjustments []Adjustment, current map[string]int) []shopify.QuantityChange {
	changes := make([]shopify.QuantityChange, 0, len(adjustments))
	for _, a := range adjustments {
		observed := current[a.InventoryItemId]
		changes = append(changes, shopify.QuantityChange{
			InventoryItemId: a.InventoryItemId,
			LocationId:      a.LocationId,
			Quantity:        clampQuantity(observed + a.Delta),
			CompareQuantity: observed,
		})
	}
	return changes
}

func adjustmentItemIds(adjustments []Adjustment) []string {
	ids := make([]string, 0, len(adjustments))
	seen := make(map[string]bool, len(adjustments))
	for _, a := range adjustments {
		if !seen[a.InventoryItemId] {
			seen[a.InventoryItemId] = true
			ids = append(ids, a.InventoryItemId)
		}
	}
	return ids
}

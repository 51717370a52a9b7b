package multipack

import "github.com/mmdatafocus/multipack_backend/models"

// ComputeBundleCount returns how many complete bundles the mappings allow: the minimum over
// mappings of floor(available(target) / multiplier). No mappings means 0 bundles.
// Callers report lookup failures as 0 available.
func ComputeBundleCount(mappings []models.DeductionMapping, available func(variantId string) int) int {
	if len(mappings) == 0 {
		return 0
	}
	count := -1
	for _, m := range mappings {
		bundles := 0
		if m.Multiplier >= 1 {
			bundles = max(0, available(m.TargetVariantId)) / m.Multiplier
		}
		if count < 0 || bundles < count {
			count = bundles
		}
	}
	return count
}

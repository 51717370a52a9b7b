package multipack

import (
	"testing"

	"github.com/mmdatafocus/multipack_backend/models"
)

func TestComputeBundleCount(t *testing.T) {
	stock := map[string]int{
		variant("A"): 10,
		variant("B"): 3,
		variant("C"): 7,
		variant("D"): -4,
	}
	lookup := func(id string) int { return stock[id] }

	tests := []struct {
		name     string
		mappings []models.DeductionMapping
		want     int
	}{
		{"empty mappings", nil, 0},
		{"min of floors", []models.DeductionMapping{mapTo("A", 2), mapTo("B", 1)}, 3},
		{"floor semantics", []models.DeductionMapping{mapTo("C", 3)}, 2},
		{"exact division", []models.DeductionMapping{mapTo("A", 5)}, 2},
		{"unknown target is zero", []models.DeductionMapping{mapTo("A", 1), mapTo("Z", 1)}, 0},
		{"negative stock clamps to zero", []models.DeductionMapping{mapTo("D", 1)}, 0},
		{"zero multiplier is inert", []models.DeductionMapping{mapTo("A", 0)}, 0},
		{"larger multiplier than stock", []models.DeductionMapping{mapTo("B", 4)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeBundleCount(tt.mappings, lookup); got != tt.want {
				t.Fatalf("ComputeBundleCount = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestComputeBundleCountMatchesFormula(t *testing.T) {
	for a := 0; a <= 12; a++ {
		for b := 0; b <= 12; b++ {
			for ma := 1; ma <= 4; ma++ {
				for mb := 1; mb <= 4; mb++ {
					lookup := func(id string) int {
						if id == variant("A") {
							return a
						}
						return b
					}
					got := ComputeBundleCount([]models.DeductionMapping{mapTo("A", ma), mapTo("B", mb)}, lookup)
					want := min(a/ma, b/mb)
					if got != want {
						t.Fatalf("a=%d/%d b=%d/%d: got %d want %d", a, ma, b, mb, got, want)
					}
				}
			}
		}
	}
}

package multipack

import (
	"errors"
	"testing"

	"github.com/mmdatafocus/multipack_backend/models"
)

func TestParseRuleShapes(t *testing.T) {
	badMappings := mappingRule("P", true)
	badMappings.DeductionMappings = []byte(`{not json`)

	badWithLegacy := legacyMultiplierRule("P", 3)
	badWithLegacy.DeductionMappings = []byte(`[{"targetVariantId":`)

	noMultiplier := legacyMultiplierRule("P", 1)

	unusable := mappingRule("P", true, mapTo("A", 0), models.DeductionMapping{Multiplier: 2})
	unusableWithLegacy := legacyMultiplierRule("P", 3)
	unusableWithLegacy.DeductionMappings = models.EncodeDeductionMappings([]models.DeductionMapping{mapTo("A", 0)})

	tests := []struct {
		name    string
		row     models.VariantRule
		want    ShapeKind
		wantErr bool
	}{
		{"mappings", mappingRule("P", true, mapTo("A", 2)), ShapeMappings, false},
		{"legacy multiplier", legacyMultiplierRule("P", 3), ShapeLegacyMultiplier, false},
		{"variety pack", varietyPackRule("P", "A", "B"), ShapeVarietyPack, false},
		{"bad mappings fall back to legacy", badWithLegacy, ShapeLegacyMultiplier, false},
		{"bad mappings without legacy", badMappings, "", true},
		{"multiplier of one is inert", noMultiplier, "", true},
		{"no usable mapping is inert", unusable, "", true},
		{"no usable mapping falls back to legacy", unusableWithLegacy, ShapeLegacyMultiplier, false},
		{"empty row is inert", models.VariantRule{VariantId: variant("P")}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := ParseRule(tt.row)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got shape %v", rule.Shape)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRule: %v", err)
			}
			if rule.Shape.Kind() != tt.want {
				t.Fatalf("shape = %s, want %s", rule.Shape.Kind(), tt.want)
			}
		})
	}

	if _, err := ParseRule(models.VariantRule{VariantId: variant("P")}); !errors.Is(err, ErrInertRule) {
		t.Fatalf("expected ErrInertRule, got %v", err)
	}
	if _, err := ParseRule(unusable); !errors.Is(err, ErrInertRule) {
		t.Fatalf("unusable mappings should be inert, got %v", err)
	}
}

func sumByVariant(deltas []VariantDelta) map[string]int {
	out := map[string]int{}
	for _, d := range deltas {
		out[d.VariantId] += d.Delta
	}
	return out
}

func TestRuleForwardDeltas(t *testing.T) {
	tests := []struct {
		name string
		row  models.VariantRule
		qty  int
		want map[string]int
	}{
		{
			"mappings debit targets and credit own",
			mappingRule("P", true, mapTo("A", 2), mapTo("B", 1)),
			3,
			map[string]int{variant("A"): -6, variant("B"): -3, variant("P"): 3},
		},
		{
			"legacy multiplier deducts the extra units",
			legacyMultiplierRule("P", 3),
			2,
			map[string]int{variant("P"): -4},
		},
		{
			"variety pack debits each flavor",
			varietyPackRule("P", "A", "B", "C"),
			2,
			map[string]int{variant("A"): -2, variant("B"): -2, variant("C"): -2, variant("P"): 2},
		},
		{
			"self mapping nets on own item",
			mappingRule("P", false, mapTo("P", 4)),
			1,
			map[string]int{variant("P"): -3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := ParseRule(tt.row)
			if err != nil {
				t.Fatalf("ParseRule: %v", err)
			}
			got := sumByVariant(rule.Forward(tt.qty))
			if len(got) != len(tt.want) {
				t.Fatalf("deltas = %v, want %v", got, tt.want)
			}
			for id, d := range tt.want {
				if got[id] != d {
					t.Fatalf("delta[%s] = %d, want %d (all %v)", id, got[id], d, got)
				}
			}
		})
	}
}

func TestRuleReverseMirrorsForward(t *testing.T) {
	rows := []models.VariantRule{
		mappingRule("P", true, mapTo("A", 2), mapTo("B", 1)),
		legacyMultiplierRule("P", 5),
		varietyPackRule("P", "A", "B"),
	}
	for _, row := range rows {
		rule, err := ParseRule(row)
		if err != nil {
			t.Fatalf("ParseRule: %v", err)
		}
		for qty := 1; qty <= 4; qty++ {
			net := sumByVariant(append(rule.Forward(qty), rule.Reverse(qty)...))
			for id, d := range net {
				if d != 0 {
					t.Fatalf("%s qty %d: forward+reverse on %s = %d", rule.Shape.Kind(), qty, id, d)
				}
			}
		}
	}
}

func TestRuleSelfReference(t *testing.T) {
	self, _ := ParseRule(mappingRule("P", true, mapTo("A", 1), mapTo("P", 2)))
	if !self.IsSelfReferential() {
		t.Fatalf("expected self-referential rule")
	}
	other, _ := ParseRule(mappingRule("P", true, mapTo("A", 1)))
	if other.IsSelfReferential() {
		t.Fatalf("rule without self mapping reported as self-referential")
	}
	if got := self.Shape.Targets(); len(got) != 1 || got[0] != variant("A") {
		t.Fatalf("targets should exclude own variant, got %v", got)
	}
}

func TestNewRuleSetSkipsInertRows(t *testing.T) {
	set := NewRuleSet(testShop, []models.VariantRule{
		mappingRule("P", true, mapTo("A", 1)),
		{Shop: testShop, VariantId: variant("Q")},
		legacyMultiplierRule("R", 2),
	})
	if set.Len() != 2 {
		t.Fatalf("expected 2 usable rules, got %d", set.Len())
	}
	if _, ok := set.Get(variant("Q")); ok {
		t.Fatalf("inert rule should not be in the set")
	}
}

package multipack

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/sirupsen/logrus"
)

type ShapeKind string

const (
	ShapeMappings         ShapeKind = "deduction_mappings"
	ShapeLegacyMultiplier ShapeKind = "legacy_multiplier"
	ShapeVarietyPack      ShapeKind = "variety_pack"
)

var ErrInertRule = errors.New("rule has no usable shape")

// VariantDelta is a quantity change expressed against a variant, before it is resolved to an
// inventory item at a location.
type VariantDelta struct {
	VariantId string
	Delta     int
}

// Shape is one way of interpreting a rule for an ordered quantity. Forward returns the deltas
// a paid order applies on top of the platform's own 1x deduction of the ordered variant.
type Shape interface {
	Kind() ShapeKind
	Forward(quantity int) []VariantDelta
	// Targets lists every variant other than the rule's own that Forward can touch.
	Targets() []string
}

type mappingShape struct {
	variantId string
	mappings  []models.DeductionMapping
}

func (s mappingShape) Kind() ShapeKind { return ShapeMappings }

func (s mappingShape) Forward(quantity int) []VariantDelta {
	deltas := make([]VariantDelta, 0, len(s.mappings)+1)
	for _, m := range s.mappings {
		if m.Multiplier < 1 || m.TargetVariantId == "" {
			continue
		}
		deltas = append(deltas, VariantDelta{VariantId: m.TargetVariantId, Delta: -(quantity * m.Multiplier)})
	}
	// credit back the platform's deduction, the real one went to the targets
	deltas = append(deltas, VariantDelta{VariantId: s.variantId, Delta: quantity})
	return deltas
}

func (s mappingShape) Targets() []string {
	out := make([]string, 0, len(s.mappings))
	for _, m := range s.mappings {
		if m.TargetVariantId != "" && m.TargetVariantId != s.variantId {
			out = append(out, m.TargetVariantId)
		}
	}
	return out
}

type legacyMultiplierShape struct {
	variantId  string
	multiplier int
}

func (s legacyMultiplierShape) Kind() ShapeKind { return ShapeLegacyMultiplier }

func (s legacyMultiplierShape) Forward(quantity int) []VariantDelta {
	return []VariantDelta{{VariantId: s.variantId, Delta: -(quantity * (s.multiplier - 1))}}
}

func (s legacyMultiplierShape) Targets() []string { return nil }

type varietyPackShape struct {
	variantId string
	flavorIds []string
}

func (s varietyPackShape) Kind() ShapeKind { return ShapeVarietyPack }

func (s varietyPackShape) Forward(quantity int) []VariantDelta {
	deltas := make([]VariantDelta, 0, len(s.flavorIds)+1)
	for _, f := range s.flavorIds {
		deltas = append(deltas, VariantDelta{VariantId: f, Delta: -quantity})
	}
	deltas = append(deltas, VariantDelta{VariantId: s.variantId, Delta: quantity})
	return deltas
}

func (s varietyPackShape) Targets() []string {
	out := make([]string, 0, len(s.flavorIds))
	for _, f := range s.flavorIds {
		if f != s.variantId {
			out = append(out, f)
		}
	}
	return out
}

// Rule is a VariantRule with its shape resolved once.
type Rule struct {
	VariantId string
	Shape     Shape
	// Mappings is set only for ShapeMappings rules.
	Mappings         []models.DeductionMapping
	CalculateForSelf bool
}

func (r Rule) Forward(quantity int) []VariantDelta {
	return r.Shape.Forward(quantity)
}

// Reverse is the mirror image of Forward, so that Forward followed by Reverse nets to zero.
func (r Rule) Reverse(quantity int) []VariantDelta {
	forward := r.Shape.Forward(quantity)
	out := make([]VariantDelta, len(forward))
	for i, d := range forward {
		out[i] = VariantDelta{VariantId: d.VariantId, Delta: -d.Delta}
	}
	return out
}

// IsSelfReferential reports whether any mapping targets the rule's own variant.
func (r Rule) IsSelfReferential() bool {
	return isSelfReferential(r.VariantId, r.Mappings)
}

func isSelfReferential(variantId string, mappings []models.DeductionMapping) bool {
	for _, m := range mappings {
		if m.TargetVariantId == variantId {
			return true
		}
	}
	return false
}

func hasUsableMapping(mappings []models.DeductionMapping) bool {
	for _, m := range mappings {
		if m.Multiplier >= 1 && m.TargetVariantId != "" {
			return true
		}
	}
	return false
}

// ParseRule resolves the rule shape. deduction_mappings wins when it parses to a list with at
// least one usable mapping; otherwise the legacy columns are interpreted.
func ParseRule(row models.VariantRule) (Rule, error) {
	rule := Rule{VariantId: row.VariantId, CalculateForSelf: row.CalculateInventoryForSelfMapping}

	mappings, mappingErr := row.ParseDeductionMappings()
	if mappingErr == nil && hasUsableMapping(mappings) {
		rule.Mappings = mappings
		rule.Shape = mappingShape{variantId: row.VariantId, mappings: mappings}
		return rule, nil
	}

	if row.Type != nil {
		switch *row.Type {
		case models.RuleTypeMultiplier:
			if row.Multiplier != nil && *row.Multiplier > 1 {
				rule.Shape = legacyMultiplierShape{variantId: row.VariantId, multiplier: *row.Multiplier}
				return rule, nil
			}
		case models.RuleTypeVarietyPack:
			flavors, err := row.ParseVarietyPackFlavorIds()
			if err != nil {
				return rule, fmt.Errorf("variety pack flavors of %s: %w", row.VariantId, err)
			}
			if len(flavors) > 0 {
				rule.Shape = varietyPackShape{variantId: row.VariantId, flavorIds: flavors}
				return rule, nil
			}
		}
	}

	if mappingErr != nil {
		return rule, fmt.Errorf("deduction mappings of %s: %w", row.VariantId, mappingErr)
	}
	return rule, ErrInertRule
}

// RuleSet is the rule lookup of one operation. It is built per request and dropped afterwards.
type RuleSet struct {
	byVariant map[string]Rule
}

// NewRuleSet parses rows, logging and skipping the ones that are inert.
func NewRuleSet(shop string, rows []models.VariantRule) RuleSet {
	set := RuleSet{byVariant: make(map[string]Rule, len(rows))}
	for _, row := range rows {
		rule, err := ParseRule(row)
		if err != nil {
			if !errors.Is(err, ErrInertRule) {
				config.LogError(config.GetLogger(), "multipack", "NewRuleSet", "parse rule",
					logrus.Fields{"shop": shop, "variant_id": row.VariantId}, err)
			}
			continue
		}
		set.byVariant[row.VariantId] = rule
	}
	return set
}

func (s RuleSet) Get(variantId string) (Rule, bool) {
	r, ok := s.byVariant[variantId]
	return r, ok
}

func (s RuleSet) Len() int {
	return len(s.byVariant)
}

package models

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RuleType string

const (
	RuleTypeMultiplier  RuleType = "multiplier"
	RuleTypeVarietyPack RuleType = "variety_pack"
)

// DeductionMapping means "ordering 1 unit of the rule's variant consumes Multiplier units
// of TargetVariantId".
type DeductionMapping struct {
	TargetVariantId string `json:"targetVariantId" validate:"required"`
	Multiplier      int    `json:"multiplier" validate:"required,min=1"`
}

// VariantRule governs the multipack variant VariantId of a shop.
// Unique constraint: (shop, variant_id).
type VariantRule struct {
	ID                               uint      `gorm:"primary_key" json:"id"`
	Shop                             string    `gorm:"size:255;not null;uniqueIndex:uniq_shop_variant,priority:1" json:"shop"`
	VariantId                        string    `gorm:"size:255;not null;uniqueIndex:uniq_shop_variant,priority:2" json:"variant_id"`
	DeductionMappings                []byte    `gorm:"type:json" json:"deduction_mappings"`
	CalculateInventoryForSelfMapping bool      `gorm:"not null;default:false" json:"calculate_inventory_for_self_mapping"`
	Type                             *RuleType `gorm:"size:32" json:"type"`
	Multiplier                       *int      `json:"multiplier"`
	VarietyPackFlavorIds             []byte    `gorm:"type:json" json:"variety_pack_flavor_ids"`
	CreatedAt                        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ParseDeductionMappings decodes the stored mappings column. A null column decodes to nil, nil.
func (r VariantRule) ParseDeductionMappings() ([]DeductionMapping, error) {
	if len(r.DeductionMappings) == 0 || strings.TrimSpace(string(r.DeductionMappings)) == "null" {
		return nil, nil
	}
	var mappings []DeductionMapping
	if err := json.Unmarshal(r.DeductionMappings, &mappings); err != nil {
		return nil, err
	}
	return mappings, nil
}

func (r VariantRule) ParseVarietyPackFlavorIds() ([]string, error) {
	if len(r.VarietyPackFlavorIds) == 0 || strings.TrimSpace(string(r.VarietyPackFlavorIds)) == "null" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(r.VarietyPackFlavorIds, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func EncodeDeductionMappings(mappings []DeductionMapping) []byte {
	if mappings == nil {
		return nil
	}
	b, _ := json.Marshal(mappings)
	return b
}

// RuleStore reads and writes VariantRule rows.
type RuleStore struct {
	db *gorm.DB
}

func NewRuleStore(db *gorm.DB) *RuleStore {
	return &RuleStore{db: db}
}

// ListMappedRules returns the shop's rules that carry a deduction_mappings value.
func (s *RuleStore) ListMappedRules(ctx context.Context, shop string) ([]VariantRule, error) {
	var rules []VariantRule
	err := s.db.WithContext(ctx).
		Where("shop = ? AND deduction_mappings IS NOT NULL", shop).
		Order("id asc").
		Find(&rules).Error
	return rules, err
}

// ListRulesForVariants returns the shop's rules for any of variantIds, whatever their shape.
func (s *RuleStore) ListRulesForVariants(ctx context.Context, shop string, variantIds []string) ([]VariantRule, error) {
	if len(variantIds) == 0 {
		return nil, nil
	}
	var rules []VariantRule
	err := s.db.WithContext(ctx).
		Where("shop = ? AND variant_id IN ?", shop, variantIds).
		Find(&rules).Error
	return rules, err
}

func (s *RuleStore) ListRules(ctx context.Context, shop string) ([]VariantRule, error) {
	var rules []VariantRule
	err := s.db.WithContext(ctx).
		Where("shop = ?", shop).
		Order("id asc").
		Find(&rules).Error
	return rules, err
}

// GetRule returns the rule for (shop, variantId), or nil when there is none.
func (s *RuleStore) GetRule(ctx context.Context, shop string, variantId string) (*VariantRule, error) {
	var rule VariantRule
	err := s.db.WithContext(ctx).
		Where("shop = ? AND variant_id = ?", shop, variantId).
		Take(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

// UpsertRule writes the mapping-based shape of a rule. Legacy columns are left untouched.
func (s *RuleStore) UpsertRule(ctx context.Context, rule *VariantRule) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "shop"}, {Name: "variant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"deduction_mappings", "calculate_inventory_for_self_mapping", "updated_at"}),
		}).
		Create(rule).Error
}

// DeleteRule removes the rule and reports whether one existed.
func (s *RuleStore) DeleteRule(ctx context.Context, shop string, variantId string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("shop = ? AND variant_id = ?", shop, variantId).
		Delete(&VariantRule{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListShopsWithRules returns every shop that has at least one rule.
func (s *RuleStore) ListShopsWithRules(ctx context.Context) ([]string, error) {
	var shops []string
	err := s.db.WithContext(ctx).
		Model(&VariantRule{}).
		Distinct("shop").
		Order("shop asc").
		Pluck("shop", &shops).Error
	return shops, err
}

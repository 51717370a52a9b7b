package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/mmdatafocus/multipack_backend/multipack"
	"github.com/mmdatafocus/multipack_backend/shopify"
	"github.com/mmdatafocus/multipack_backend/utils"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

var ruleValidationMessages = map[string]string{
	"VariantId":         "variantId is required",
	"DeductionMappings": "at least one mapping required",
	"TargetVariantId":   "targetVariantId is required",
	"Multiplier":        "multiplier must be >= 1",
}

type RuleRepository interface {
	ListRules(ctx context.Context, shop string) ([]models.VariantRule, error)
	GetRule(ctx context.Context, shop string, variantId string) (*models.VariantRule, error)
	UpsertRule(ctx context.Context, rule *models.VariantRule) error
	DeleteRule(ctx context.Context, shop string, variantId string) (bool, error)
}

type UpsertRuleInput struct {
	VariantId                        string                    `json:"variantId" validate:"required"`
	DeductionMappings                []models.DeductionMapping `json:"deductionMappings" validate:"required,min=1,dive"`
	CalculateInventoryForSelfMapping bool                      `json:"calculateInventoryForSelfMapping"`
}

type RuleResponse struct {
	VariantId                        string                    `json:"variantId"`
	Shape                            string                    `json:"shape"`
	DeductionMappings                []models.DeductionMapping `json:"deductionMappings"`
	CalculateInventoryForSelfMapping bool                      `json:"calculateInventoryForSelfMapping"`
	SelfReferential                  bool                      `json:"selfReferential"`
	Type                             *models.RuleType          `json:"type,omitempty"`
	Multiplier                       *int                      `json:"multiplier,omitempty"`
	VarietyPackFlavorIds             []string                  `json:"varietyPackFlavorIds,omitempty"`
	UpdatedAt                        time.Time                 `json:"updatedAt"`
}

func toRuleResponse(row models.VariantRule) RuleResponse {
	resp := RuleResponse{
		VariantId:                        row.VariantId,
		Shape:                            "inert",
		CalculateInventoryForSelfMapping: row.CalculateInventoryForSelfMapping,
		Type:                             row.Type,
		Multiplier:                       row.Multiplier,
		UpdatedAt:                        row.UpdatedAt,
	}
	resp.DeductionMappings, _ = row.ParseDeductionMappings()
	resp.VarietyPackFlavorIds, _ = row.ParseVarietyPackFlavorIds()
	if rule, err := multipack.ParseRule(row); err == nil {
		resp.Shape = string(rule.Shape.Kind())
		resp.SelfReferential = rule.IsSelfReferential()
	}
	return resp
}

// RuleHandlers serves the rule configuration API. Every mutation is followed by a best-effort
// reconciliation whose failure never fails the request.
type RuleHandlers struct {
	rules   RuleRepository
	effects multipack.ReconcileDispatcher
	metrics *multipack.Metrics
}

func NewRuleHandlers(rules RuleRepository, effects multipack.ReconcileDispatcher, metrics *multipack.Metrics) *RuleHandlers {
	if metrics == nil {
		metrics = multipack.DefaultMetrics()
	}
	return &RuleHandlers{rules: rules, effects: effects, metrics: metrics}
}

func shopOf(c *gin.Context) (string, bool) {
	shop, ok := utils.GetShopFromContext(c.Request.Context())
	if !ok || shop == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return shop, true
}

// variantParam accepts either a numeric id or a global id.
func variantParam(c *gin.Context) string {
	return shopify.VariantGID(strings.TrimPrefix(c.Param("variantId"), "/"))
}

func (h *RuleHandlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		shop, ok := shopOf(c)
		if !ok {
			return
		}
		rows, err := h.rules.ListRules(c.Request.Context(), shop)
		if err != nil {
			config.LogError(config.GetLogger(), "api", "RuleHandlers.List", "list rules", shop, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load rules"})
			return
		}
		out := make([]RuleResponse, 0, len(rows))
		for _, row := range rows {
			out = append(out, toRuleResponse(row))
		}
		c.JSON(http.StatusOK, gin.H{"rules": out})
	}
}

func (h *RuleHandlers) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		shop, ok := shopOf(c)
		if !ok {
			return
		}
		variantId := variantParam(c)
		row, err := h.rules.GetRule(c.Request.Context(), shop, variantId)
		if err != nil {
			config.LogError(config.GetLogger(), "api", "RuleHandlers.Get", "get rule", logrus.Fields{"shop": shop, "variant_id": variantId}, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load rule"})
			return
		}
		if row == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		c.JSON(http.StatusOK, toRuleResponse(*row))
	}
}

func (h *RuleHandlers) Upsert() gin.HandlerFunc {
	return func(c *gin.Context) {
		shop, ok := shopOf(c)
		if !ok {
			return
		}
		var input UpsertRuleInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := validate.Struct(input); err != nil {
			msgs := utils.ProcessValidationErrors(err, ruleValidationMessages)
			c.JSON(http.StatusBadRequest, gin.H{"error": msgs[0], "errors": msgs})
			return
		}

		mappings := make([]models.DeductionMapping, 0, len(input.DeductionMappings))
		for _, m := range input.DeductionMappings {
			mappings = append(mappings, models.DeductionMapping{
				TargetVariantId: shopify.VariantGID(m.TargetVariantId),
				Multiplier:      m.Multiplier,
			})
		}
		row := &models.VariantRule{
			Shop:                             shop,
			VariantId:                        shopify.VariantGID(input.VariantId),
			DeductionMappings:                models.EncodeDeductionMappings(mappings),
			CalculateInventoryForSelfMapping: input.CalculateInventoryForSelfMapping,
		}

		ctx := c.Request.Context()
		if err := h.rules.UpsertRule(ctx, row); err != nil {
			config.LogError(config.GetLogger(), "api", "RuleHandlers.Upsert", "upsert rule", logrus.Fields{"shop": shop, "variant_id": row.VariantId}, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save rule"})
			return
		}
		saved, err := h.rules.GetRule(ctx, shop, row.VariantId)
		if err != nil || saved == nil {
			saved = row
		}

		multipack.BestEffort(ctx, h.effects, h.metrics, shop, models.ReconcileTriggerRuleSave)
		c.JSON(http.StatusOK, toRuleResponse(*saved))
	}
}

func (h *RuleHandlers) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		shop, ok := shopOf(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		variantId := variantParam(c)
		deleted, err := h.rules.DeleteRule(ctx, shop, variantId)
		if err != nil {
			config.LogError(config.GetLogger(), "api", "RuleHandlers.Delete", "delete rule", logrus.Fields{"shop": shop, "variant_id": variantId}, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete rule"})
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}

		multipack.BestEffort(ctx, h.effects, h.metrics, shop, models.ReconcileTriggerRuleDelete)
		c.JSON(http.StatusOK, gin.H{"deleted": true, "variantId": variantId})
	}
}

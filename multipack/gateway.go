package multipack

import (
	"context"
	"time"

	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/mmdatafocus/multipack_backend/shopify"
)

// Gateway is the remote inventory surface used by the reconciler and the order engine.
// *shopify.Client implements it.
type Gateway interface {
	GetActiveLocations(ctx context.Context) ([]shopify.Location, error)
	GetVariantInventoryItems(ctx context.Context, variantIds []string) (map[string]shopify.InventoryItem, error)
	GetAvailableByItems(ctx context.Context, inventoryItemIds []string, locationId string) (map[string]int, error)
	SetAvailableQuantity(ctx context.Context, inventoryItemId string, locationId string, newQuantity int, compareQuantity int) bool
	SetAvailableQuantities(ctx context.Context, changes []shopify.QuantityChange, referenceUri string) ([]shopify.UserError, error)
	GetOrderFulfillmentLocation(ctx context.Context, orderId string) (string, error)
}

// GatewayFactory returns a Gateway scoped to one operation on shop.
type GatewayFactory func(ctx context.Context, shop string) (Gateway, error)

func ShopifyGateways(p *shopify.Provider) GatewayFactory {
	return func(ctx context.Context, shop string) (Gateway, error) {
		c, err := p.ForShop(ctx, shop)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type RuleStore interface {
	ListMappedRules(ctx context.Context, shop string) ([]models.VariantRule, error)
	ListRulesForVariants(ctx context.Context, shop string, variantIds []string) ([]models.VariantRule, error)
	ListShopsWithRules(ctx context.Context) ([]string, error)
}

// OrderLedger tracks paid orders. The Mark methods only move a STARTED marker and report
// false when the marker has moved on.
type OrderLedger interface {
	Claim(ctx context.Context, shop string, orderId string) (bool, error)
	Find(ctx context.Context, shop string, orderId string) (*models.ProcessedOrder, error)
	RecordPlan(ctx context.Context, shop string, orderId string, locationId string, adjustments []byte) error
	MarkApplied(ctx context.Context, shop string, orderId string) (bool, error)
	MarkCancelPending(ctx context.Context, shop string, orderId string) (bool, error)
	MarkFailed(ctx context.Context, shop string, orderId string, cause error) (bool, error)
	Release(ctx context.Context, shop string, orderId string) error
}

type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.ReconcileRun) error
}

// resolveLocation prefers the order's assigned fulfillment location and falls back to the
// first active location. "" means nothing could be resolved.
func resolveLocation(ctx context.Context, gw Gateway, orderId string) (string, error) {
	loc, err := gw.GetOrderFulfillmentLocation(ctx, orderId)
	if err == nil && loc != "" {
		return loc, nil
	}
	locations, lerr := gw.GetActiveLocations(ctx)
	if lerr != nil {
		if err != nil {
			return "", err
		}
		return "", lerr
	}
	if len(locations) == 0 {
		return "", nil
	}
	return locations[0].Id, nil
}

var nowFunc = time.Now

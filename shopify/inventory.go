package shopify

import (
	"context"
	"errors"
	"fmt"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/sirupsen/logrus"
)

const maxNodesPerQuery = 250

const setQuantitiesReason = "correction"

var ErrInventoryItemNotFound = errors.New("variant has no inventory item")

func (c *Client) GetActiveLocations(ctx context.Context) ([]Location, error) {
	var data struct {
		Locations struct {
			Nodes []Location `json:"nodes"`
		} `json:"locations"`
	}
	if err := c.do(ctx, activeLocationsQuery, nil, &data); err != nil {
		return nil, err
	}
	active := make([]Location, 0, len(data.Locations.Nodes))
	for _, loc := range data.Locations.Nodes {
		if loc.IsActive {
			active = append(active, loc)
		}
	}
	return active, nil
}

// batchInventoryItems backs the per-client loader: one nodes() query per batch.
func (c *Client) batchInventoryItems(ctx context.Context, variantIds []string) []*dataloader.Result[InventoryItem] {
	var data struct {
		Nodes []*struct {
			Id            string         `json:"id"`
			InventoryItem *InventoryItem `json:"inventoryItem"`
		} `json:"nodes"`
	}
	results := make([]*dataloader.Result[InventoryItem], len(variantIds))
	if err := c.do(ctx, variantInventoryItemsQuery, map[string]interface{}{"ids": variantIds}, &data); err != nil {
		for i := range results {
			results[i] = &dataloader.Result[InventoryItem]{Error: err}
		}
		return results
	}

	byVariant := make(map[string]InventoryItem, len(data.Nodes))
	for _, node := range data.Nodes {
		if node == nil || node.InventoryItem == nil {
			continue
		}
		byVariant[node.Id] = *node.InventoryItem
	}
	for i, id := range variantIds {
		item, ok := byVariant[id]
		if !ok {
			results[i] = &dataloader.Result[InventoryItem]{Error: fmt.Errorf("%w: %s", ErrInventoryItemNotFound, id)}
			continue
		}
		results[i] = &dataloader.Result[InventoryItem]{Data: item}
	}
	return results
}

// GetVariantInventoryItems resolves variants to inventory items. Variants that cannot be
// resolved are left out of the map; an error is returned only when nothing could be looked up.
func (c *Client) GetVariantInventoryItems(ctx context.Context, variantIds []string) (map[string]InventoryItem, error) {
	out := make(map[string]InventoryItem, len(variantIds))
	if len(variantIds) == 0 {
		return out, nil
	}
	items, errs := c.itemLoader.LoadMany(ctx, variantIds)()

	var firstErr error
	for i, id := range variantIds {
		if i < len(errs) && errs[i] != nil {
			if !errors.Is(errs[i], ErrInventoryItemNotFound) && firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		out[id] = items[i]
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// GetAvailableByItems reads the available quantity of each inventory item at a location.
// Items without a level at the location are reported as 0.
func (c *Client) GetAvailableByItems(ctx context.Context, inventoryItemIds []string, locationId string) (map[string]int, error) {
	out := make(map[string]int, len(inventoryItemIds))
	for start := 0; start < len(inventoryItemIds); start += maxNodesPerQuery {
		end := min(start+maxNodesPerQuery, len(inventoryItemIds))
		chunk := inventoryItemIds[start:end]

		var data struct {
			Nodes []*struct {
				Id             string `json:"id"`
				InventoryLevel *struct {
					Quantities []struct {
						Name     string `json:"name"`
						Quantity int    `json:"quantity"`
					} `json:"quantities"`
				} `json:"inventoryLevel"`
			} `json:"nodes"`
		}
		vars := map[string]interface{}{"ids": chunk, "locationId": locationId}
		if err := c.do(ctx, inventoryLevelsQuery, vars, &data); err != nil {
			return nil, err
		}
		for _, id := range chunk {
			out[id] = 0
		}
		for _, node := range data.Nodes {
			if node == nil || node.InventoryLevel == nil {
				continue
			}
			for _, q := range node.InventoryLevel.Quantities {
				if q.Name == QuantityNameAvailable {
					out[node.Id] = q.Quantity
				}
			}
		}
	}
	return out, nil
}

// GetAvailableQuantity returns 0 and logs on any resolution failure: untracked variant,
// missing inventory item or a transient error.
func (c *Client) GetAvailableQuantity(ctx context.Context, variantId string, locationId string) int {
	logger := config.GetLogger()
	item, err := c.itemLoader.Load(ctx, variantId)()
	if err != nil {
		config.LogError(logger, "shopify", "GetAvailableQuantity", "resolve inventory item", logrus.Fields{"shop": c.shop, "variant_id": variantId}, err)
		return 0
	}
	if !item.Tracked {
		logger.WithFields(logrus.Fields{"shop": c.shop, "variant_id": variantId}).Warn("variant inventory is not tracked")
		return 0
	}
	quantities, err := c.GetAvailableByItems(ctx, []string{item.Id}, locationId)
	if err != nil {
		config.LogError(logger, "shopify", "GetAvailableQuantity", "read inventory level", logrus.Fields{"shop": c.shop, "variant_id": variantId, "location_id": locationId}, err)
		return 0
	}
	return quantities[item.Id]
}

// SetAvailableQuantities submits one compare-and-set batch. A non-empty user error slice means
// the remote rejected the batch.
func (c *Client) SetAvailableQuantities(ctx context.Context, changes []QuantityChange, referenceUri string) ([]UserError, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	input := map[string]interface{}{
		"name":       QuantityNameAvailable,
		"reason":     setQuantitiesReason,
		"quantities": changes,
	}
	if referenceUri != "" {
		input["referenceDocumentUri"] = referenceUri
	}

	var data struct {
		InventorySetQuantities struct {
			UserErrors []UserError `json:"userErrors"`
		} `json:"inventorySetQuantities"`
	}
	if err := c.do(ctx, setQuantitiesMutation, map[string]interface{}{"input": input}, &data); err != nil {
		return nil, err
	}
	return data.InventorySetQuantities.UserErrors, nil
}

// SetAvailableQuantity writes a single level. Failures are logged and reported as false.
func (c *Client) SetAvailableQuantity(ctx context.Context, inventoryItemId string, locationId string, newQuantity int, compareQuantity int) bool {
	logger := config.GetLogger()
	fields := logrus.Fields{
		"shop":              c.shop,
		"inventory_item_id": inventoryItemId,
		"location_id":       locationId,
		"quantity":          newQuantity,
		"compare_quantity":  compareQuantity,
	}
	userErrors, err := c.SetAvailableQuantities(ctx, []QuantityChange{{
		InventoryItemId: inventoryItemId,
		LocationId:      locationId,
		Quantity:        newQuantity,
		CompareQuantity: compareQuantity,
	}}, "")
	if err != nil {
		config.LogError(logger, "shopify", "SetAvailableQuantity", "inventorySetQuantities", fields, err)
		return false
	}
	if len(userErrors) > 0 {
		config.LogError(logger, "shopify", "SetAvailableQuantity", "inventorySetQuantities user errors", fields, userErrors[0])
		return false
	}
	return true
}

// GetOrderFulfillmentLocation returns the first assigned fulfillment-order location, or ""
// when the order has none yet.
func (c *Client) GetOrderFulfillmentLocation(ctx context.Context, orderId string) (string, error) {
	var data struct {
		Order *struct {
			FulfillmentOrders struct {
				Nodes []struct {
					Status           string `json:"status"`
					AssignedLocation *struct {
						Location *struct {
							Id string `json:"id"`
						} `json:"location"`
					} `json:"assignedLocation"`
				} `json:"nodes"`
			} `json:"fulfillmentOrders"`
		} `json:"order"`
	}
	if err := c.do(ctx, orderFulfillmentLocationQuery, map[string]interface{}{"id": OrderGID(orderId)}, &data); err != nil {
		return "", err
	}
	if data.Order == nil {
		return "", nil
	}
	for _, fo := range data.Order.FulfillmentOrders.Nodes {
		if fo.AssignedLocation != nil && fo.AssignedLocation.Location != nil && fo.AssignedLocation.Location.Id != "" {
			return fo.AssignedLocation.Location.Id, nil
		}
	}
	return "", nil
}

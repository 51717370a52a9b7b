package webhooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mmdatafocus/multipack_backend/multipack"
	"github.com/mmdatafocus/multipack_backend/shopify"
)

var ErrMissingOrderId = errors.New("order payload has no id")

type lineItemPayload struct {
	VariantId                  json.RawMessage `json:"variant_id"`
	Quantity                   int             `json:"quantity"`
	VariantInventoryManagement *string         `json:"variant_inventory_management"`
}

type orderPayload struct {
	Id                json.RawMessage   `json:"id"`
	AdminGraphqlApiId string            `json:"admin_graphql_api_id"`
	LineItems         []lineItemPayload `json:"line_items"`
}

type inventoryLevelPayload struct {
	InventoryItemId json.RawMessage `json:"inventory_item_id"`
	LocationId      json.RawMessage `json:"location_id"`
	Available       *int            `json:"available"`
}

// rawId accepts ids delivered either as JSON numbers or strings. null yields "".
func rawId(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return n.String()
}

// ParseOrderEvent decodes an orders/paid or orders/cancelled delivery. Line items without a
// variant are kept with an empty VariantId so the engine can skip them.
func ParseOrderEvent(shop string, body []byte) (multipack.OrderEvent, error) {
	var payload orderPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return multipack.OrderEvent{}, err
	}

	orderId := rawId(payload.Id)
	if orderId == "" && payload.AdminGraphqlApiId != "" {
		orderId = shopify.NumericId(payload.AdminGraphqlApiId)
	}
	if orderId == "" {
		return multipack.OrderEvent{}, ErrMissingOrderId
	}

	event := multipack.OrderEvent{
		Shop:      shop,
		OrderId:   orderId,
		LineItems: make([]multipack.OrderLineItem, 0, len(payload.LineItems)),
	}
	for _, li := range payload.LineItems {
		item := multipack.OrderLineItem{Quantity: li.Quantity}
		if id := rawId(li.VariantId); id != "" {
			item.VariantId = shopify.VariantGID(id)
		}
		if li.VariantInventoryManagement != nil {
			item.InventoryManagement = *li.VariantInventoryManagement
		}
		event.LineItems = append(event.LineItems, item)
	}
	return event, nil
}

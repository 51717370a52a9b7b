package shopify

import (
	"fmt"
	"strings"
)

const (
	gidPrefix = "gid://shopify/"

	QuantityNameAvailable = "available"
)

type Location struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
}

// InventoryItem is the inventory record behind a product variant.
// Tracked is false when the variant's stock is not managed by Shopify.
type InventoryItem struct {
	Id      string `json:"id"`
	Tracked bool   `json:"tracked"`
}

// QuantityChange is one compare-and-set entry of a quantity write.
type QuantityChange struct {
	InventoryItemId string `json:"inventoryItemId"`
	LocationId      string `json:"locationId"`
	Quantity        int    `json:"quantity"`
	CompareQuantity int    `json:"compareQuantity"`
}

type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
	Code    string   `json:"code"`
}

func (e UserError) Error() string {
	if len(e.Field) > 0 {
		return fmt.Sprintf("%s: %s", strings.Join(e.Field, "."), e.Message)
	}
	return e.Message
}

// GID builds a global id such as gid://shopify/ProductVariant/123. Values already in gid form
// are returned unchanged.
func GID(resource string, id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, gidPrefix) {
		return id
	}
	return gidPrefix + resource + "/" + id
}

func VariantGID(id string) string  { return GID("ProductVariant", id) }
func OrderGID(id string) string    { return GID("Order", id) }
func LocationGID(id string) string { return GID("Location", id) }

// NumericId strips the gid prefix, leaving the trailing id.
func NumericId(gid string) string {
	if i := strings.LastIndex(gid, "/"); i >= 0 {
		return gid[i+1:]
	}
	return gid
}

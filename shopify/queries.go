package shopify

import (
	"fmt"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

const activeLocationsQuery = `
query ActiveLocations {
  locations(first: 250, includeInactive: false) {
    nodes {
      id
      name
      isActive
    }
  }
}`

const variantInventoryItemsQuery = `
query VariantInventoryItems($ids: [ID!]!) {
  nodes(ids: $ids) {
    ... on ProductVariant {
      id
      inventoryItem {
        id
        tracked
      }
    }
  }
}`

const inventoryLevelsQuery = `
query InventoryLevels($ids: [ID!]!, $locationId: ID!) {
  nodes(ids: $ids) {
    ... on InventoryItem {
      id
      inventoryLevel(locationId: $locationId) {
        quantities(names: ["available"]) {
          name
          quantity
        }
      }
    }
  }
}`

const orderFulfillmentLocationQuery = `
query OrderFulfillmentLocation($id: ID!) {
  order(id: $id) {
    fulfillmentOrders(first: 10) {
      nodes {
        status
        assignedLocation {
          location {
            id
          }
        }
      }
    }
  }
}`

const setQuantitiesMutation = `
mutation SetAvailableQuantities($input: InventorySetQuantitiesInput!) {
  inventorySetQuantities(input: $input) {
    inventoryAdjustmentGroup {
      reason
      referenceDocumentUri
    }
    userErrors {
      field
      message
      code
    }
  }
}`

var (
	documents = map[string]string{
		"ActiveLocations":          activeLocationsQuery,
		"VariantInventoryItems":    variantInventoryItemsQuery,
		"InventoryLevels":          inventoryLevelsQuery,
		"OrderFulfillmentLocation": orderFulfillmentLocationQuery,
		"SetAvailableQuantities":   setQuantitiesMutation,
	}
	documentsOnce sync.Once
	documentsErr  error
)

// validateDocuments parses every operation once so a malformed document fails at client
// construction instead of on the first webhook.
func validateDocuments() error {
	documentsOnce.Do(func() {
		for name, doc := range documents {
			parsed, perr := parser.ParseQuery(&ast.Source{Name: name, Input: doc})
			if perr != nil {
				documentsErr = fmt.Errorf("graphql document %s: %v", name, perr)
				return
			}
			if len(parsed.Operations) != 1 || parsed.Operations[0].Name != name {
				documentsErr = fmt.Errorf("graphql document %s: expected a single operation named %s", name, name)
				return
			}
		}
	})
	return documentsErr
}

package multipack

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/mmdatafocus/multipack_backend/shopify"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	testShop = "test-shop.myshopify.com"
	locMain  = "gid://shopify/Location/1"
	locBack  = "gid://shopify/Location/2"
)

func variant(n string) string { return "gid://shopify/ProductVariant/" + n }
func itemOf(n string) string  { return "gid://shopify/InventoryItem/" + n }

// fakeGateway keeps inventory levels in memory and applies compare-and-set writes like the
// remote API would.
type fakeGateway struct {
	mu sync.Mutex

	locations   []shopify.Location
	items       map[string]shopify.InventoryItem // variant -> item
	levels      map[string]map[string]int        // item -> location -> available
	fulfillment map[string]string                // order id -> location

	batchCalls  [][]shopify.QuantityChange
	batchRefs   []string
	singleCalls []shopify.QuantityChange
	itemLookups int

	readErr   error
	batchErr  error
	userError *shopify.UserError
	failSet   bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		locations:   []shopify.Location{{Id: locMain, Name: "Main", IsActive: true}},
		items:       map[string]shopify.InventoryItem{},
		levels:      map[string]map[string]int{},
		fulfillment: map[string]string{},
	}
}

// track registers variant n with inventory item n.
func (g *fakeGateway) track(n string, levels map[string]int) {
	g.items[variant(n)] = shopify.InventoryItem{Id: itemOf(n), Tracked: true}
	g.levels[itemOf(n)] = map[string]int{}
	for loc, q := range levels {
		g.levels[itemOf(n)][loc] = q
	}
}

func (g *fakeGateway) level(n string, loc string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.levels[itemOf(n)][loc]
}

func (g *fakeGateway) GetActiveLocations(ctx context.Context) ([]shopify.Location, error) {
	return g.locations, nil
}

func (g *fakeGateway) GetVariantInventoryItems(ctx context.Context, variantIds []string) (map[string]shopify.InventoryItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.itemLookups++
	out := map[string]shopify.InventoryItem{}
	for _, id := range variantIds {
		if item, ok := g.items[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

func (g *fakeGateway) GetAvailableByItems(ctx context.Context, itemIds []string, locationId string) (map[string]int, error) {
	if g.readErr != nil {
		return nil, g.readErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string]int{}
	for _, id := range itemIds {
		out[id] = g.levels[id][locationId]
	}
	return out, nil
}

func (g *fakeGateway) SetAvailableQuantity(ctx context.Context, inventoryItemId string, locationId string, newQuantity int, compareQuantity int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	change := shopify.QuantityChange{InventoryItemId: inventoryItemId, LocationId: locationId, Quantity: newQuantity, CompareQuantity: compareQuantity}
	g.singleCalls = append(g.singleCalls, change)
	if g.failSet || g.levels[inventoryItemId][locationId] != compareQuantity {
		return false
	}
	g.set(change)
	return true
}

func (g *fakeGateway) set(c shopify.QuantityChange) {
	if g.levels[c.InventoryItemId] == nil {
		g.levels[c.InventoryItemId] = map[string]int{}
	}
	g.levels[c.InventoryItemId][c.LocationId] = c.Quantity
}

func (g *fakeGateway) SetAvailableQuantities(ctx context.Context, changes []shopify.QuantityChange, referenceUri string) ([]shopify.UserError, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batchCalls = append(g.batchCalls, changes)
	g.batchRefs = append(g.batchRefs, referenceUri)
	if g.batchErr != nil {
		return nil, g.batchErr
	}
	if g.userError != nil {
		return []shopify.UserError{*g.userError}, nil
	}
	for _, c := range changes {
		if g.levels[c.InventoryItemId][c.LocationId] != c.CompareQuantity {
			return []shopify.UserError{{Message: "compare quantity is stale", Code: "COMPARE_QUANTITY_STALE"}}, nil
		}
	}
	for _, c := range changes {
		g.set(c)
	}
	return nil, nil
}

func (g *fakeGateway) GetOrderFulfillmentLocation(ctx context.Context, orderId string) (string, error) {
	return g.fulfillment[orderId], nil
}

func (g *fakeGateway) factory() GatewayFactory {
	return func(ctx context.Context, shop string) (Gateway, error) { return g, nil }
}

type fakeRules struct {
	rows    []models.VariantRule
	listErr error
}

func (f *fakeRules) ListMappedRules(ctx context.Context, shop string) ([]models.VariantRule, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.VariantRule
	for _, r := range f.rows {
		if r.Shop == shop && r.DeductionMappings != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRules) ListRulesForVariants(ctx context.Context, shop string, variantIds []string) ([]models.VariantRule, error) {
	wanted := map[string]bool{}
	for _, id := range variantIds {
		wanted[id] = true
	}
	var out []models.VariantRule
	for _, r := range f.rows {
		if r.Shop == shop && wanted[r.VariantId] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRules) ListShopsWithRules(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	seen := map[string]bool{}
	var shops []string
	for _, r := range f.rows {
		if !seen[r.Shop] {
			seen[r.Shop] = true
			shops = append(shops, r.Shop)
		}
	}
	sort.Strings(shops)
	return shops, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	markers map[string]*models.ProcessedOrder
	claims  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{markers: map[string]*models.ProcessedOrder{}}
}

func ledgerKey(shop, orderId string) string { return shop + "|" + orderId }

func (l *fakeLedger) Claim(ctx context.Context, shop string, orderId string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claims++
	if _, ok := l.markers[ledgerKey(shop, orderId)]; ok {
		return false, nil
	}
	l.markers[ledgerKey(shop, orderId)] = &models.ProcessedOrder{Shop: shop, OrderId: orderId, Status: models.ProcessedOrderStatusStarted, UpdatedAt: nowFunc()}
	return true, nil
}

func (l *fakeLedger) Find(ctx context.Context, shop string, orderId string) (*models.ProcessedOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.markers[ledgerKey(shop, orderId)]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (l *fakeLedger) RecordPlan(ctx context.Context, shop string, orderId string, locationId string, adjustments []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.markers[ledgerKey(shop, orderId)]; ok && m.Status == models.ProcessedOrderStatusStarted {
		m.LocationId = locationId
		m.AdjustmentsJSON = adjustments
		m.UpdatedAt = nowFunc()
	}
	return nil
}

// transition moves a STARTED marker, like the conditional UPDATE of the real ledger.
func (l *fakeLedger) transition(shop, orderId string, to models.ProcessedOrderStatus, cause error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.markers[ledgerKey(shop, orderId)]
	if !ok || m.Status != models.ProcessedOrderStatusStarted {
		return false
	}
	m.Status = to
	m.UpdatedAt = nowFunc()
	if cause != nil {
		msg := cause.Error()
		m.LastError = &msg
	}
	return true
}

func (l *fakeLedger) MarkApplied(ctx context.Context, shop string, orderId string) (bool, error) {
	return l.transition(shop, orderId, models.ProcessedOrderStatusApplied, nil), nil
}

func (l *fakeLedger) MarkCancelPending(ctx context.Context, shop string, orderId string) (bool, error) {
	return l.transition(shop, orderId, models.ProcessedOrderStatusCancelPending, nil), nil
}

func (l *fakeLedger) MarkFailed(ctx context.Context, shop string, orderId string, cause error) (bool, error) {
	return l.transition(shop, orderId, models.ProcessedOrderStatusFailed, cause), nil
}

func (l *fakeLedger) Release(ctx context.Context, shop string, orderId string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.markers, ledgerKey(shop, orderId))
	return nil
}

func (l *fakeLedger) marker(orderId string) *models.ProcessedOrder {
	m, _ := l.Find(context.Background(), testShop, orderId)
	return m
}

type fakeDispatcher struct {
	calls []ReconcileRequest
	err   error
	panic bool
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, shop string, trigger string) error {
	d.calls = append(d.calls, ReconcileRequest{Shop: shop, Trigger: trigger})
	if d.panic {
		panic("dispatcher exploded")
	}
	return d.err
}

type fakeRuns struct {
	runs []models.ReconcileRun
}

func (f *fakeRuns) RecordRun(ctx context.Context, run *models.ReconcileRun) error {
	f.runs = append(f.runs, *run)
	return nil
}

func testMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func noLock(ctx context.Context, key string, wait time.Duration) (func(), bool) {
	return func() {}, true
}

// fakeLocks behaves like the Redis lock without waiting: a held key is not obtained.
type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: map[string]bool{}}
}

func (l *fakeLocks) lock(ctx context.Context, key string, wait time.Duration) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return func() {}, false
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true
}

var errBoom = errors.New("boom")

func mappingRule(n string, calculate bool, mappings ...models.DeductionMapping) models.VariantRule {
	return models.VariantRule{
		Shop:                             testShop,
		VariantId:                        variant(n),
		DeductionMappings:                models.EncodeDeductionMappings(mappings),
		CalculateInventoryForSelfMapping: calculate,
	}
}

func mapTo(n string, multiplier int) models.DeductionMapping {
	return models.DeductionMapping{TargetVariantId: variant(n), Multiplier: multiplier}
}

func legacyMultiplierRule(n string, multiplier int) models.VariantRule {
	t := models.RuleTypeMultiplier
	return models.VariantRule{Shop: testShop, VariantId: variant(n), Type: &t, Multiplier: &multiplier}
}

func varietyPackRule(n string, flavors ...string) models.VariantRule {
	t := models.RuleTypeVarietyPack
	ids := make([]string, 0, len(flavors))
	for _, f := range flavors {
		ids = append(ids, variant(f))
	}
	raw, _ := json.Marshal(ids)
	return models.VariantRule{Shop: testShop, VariantId: variant(n), Type: &t, VarietyPackFlavorIds: raw}
}

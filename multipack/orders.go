package multipack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/mmdatafocus/multipack_backend/shopify"
	"github.com/mmdatafocus/multipack_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeNoLocation     Outcome = "no_location"
	OutcomeNothingToApply Outcome = "nothing_to_apply"
	OutcomeRejected       Outcome = "rejected"
	OutcomeFailed         Outcome = "failed"
	OutcomeNoMarker       Outcome = "no_marker"
	OutcomeCancelPending  Outcome = "cancel_pending"
	OutcomeReleased       Outcome = "released"
	OutcomeReversed       Outcome = "reversed"
)

const (
	eventOrderPaid      = "orders/paid"
	eventOrderCancelled = "orders/cancelled"
	eventStaleMarker    = "stale_marker"

	orderLockType = "OrderEvent"
	orderLockTTL  = time.Minute
	// a cancellation waits a little longer so a paid delivery in progress can finish first
	paidLockWait   = time.Second
	cancelLockWait = 2 * time.Second
)

var ErrNoLocation = errors.New("order fulfillment location could not be resolved")

// ledgerRetry paces retries of the ledger write that follows a successful remote batch.
var ledgerRetry = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

type OrderLineItem struct {
	VariantId string
	Quantity  int
	// InventoryManagement is the line item's variant_inventory_management; "" when unknown.
	InventoryManagement string
}

type OrderEvent struct {
	Shop      string
	OrderId   string
	LineItems []OrderLineItem
}

type Engine struct {
	rules      RuleStore
	ledger     OrderLedger
	gateways   GatewayFactory
	effects    ReconcileDispatcher
	metrics    *Metrics
	lock       LockFunc
	staleAfter time.Duration
}

func NewEngine(rules RuleStore, ledger OrderLedger, gateways GatewayFactory, effects ReconcileDispatcher, metrics *Metrics) *Engine {
	if metrics == nil {
		metrics = DefaultMetrics()
	}
	return &Engine{
		rules:      rules,
		ledger:     ledger,
		gateways:   gateways,
		effects:    effects,
		metrics:    metrics,
		lock:       redisOrderLock,
		staleAfter: time.Duration(config.ProcessedOrderStaleAfterMinutes()) * time.Minute,
	}
}

// redisOrderLock is held by a paid delivery for its whole run, which lets a cancellation tell
// a running delivery from an abandoned marker.
func redisOrderLock(ctx context.Context, key string, wait time.Duration) (func(), bool) {
	return utils.ShopLock(ctx, key, orderLockType, orderLockTTL, wait, "multipack", "OrderEvent")
}

func orderLockKey(order OrderEvent) string {
	return order.Shop + ":" + order.OrderId
}

func (e *Engine) count(event string, outcome Outcome) {
	e.metrics.OrderEvents.WithLabelValues(event, string(outcome)).Inc()
}

func endSpan(span trace.Span, outcome Outcome, err error) {
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) isStale(marker models.ProcessedOrder) bool {
	return marker.UpdatedAt.Before(nowFunc().Add(-e.staleAfter))
}

func unsettled(status models.ProcessedOrderStatus) bool {
	return status == models.ProcessedOrderStatusStarted || status == models.ProcessedOrderStatusCancelPending
}

// HandleOrderPaid applies the deductions implied by the order's rules exactly once per order.
func (e *Engine) HandleOrderPaid(ctx context.Context, order OrderEvent) (outcome Outcome, err error) {
	logger := config.GetLogger()
	fields := logrus.Fields{"shop": order.Shop, "order_id": order.OrderId, "operation": eventOrderPaid}

	ctx = utils.SetShopInContext(ctx, order.Shop)
	ctx, span := tracer.Start(ctx, "multipack.HandleOrderPaid")
	span.SetAttributes(attribute.String("shop", order.Shop), attribute.String("order_id", order.OrderId))
	defer func() {
		if rec := recover(); rec != nil {
			outcome, err = OutcomeFailed, fmt.Errorf("panic: %v", rec)
			config.LogError(logger, "multipack", "HandleOrderPaid", "recovered panic", fields, err)
		}
		e.count(eventOrderPaid, outcome)
		endSpan(span, outcome, err)
	}()

	existing, err := e.ledger.Find(ctx, order.Shop, order.OrderId)
	if err != nil {
		config.LogError(logger, "multipack", "HandleOrderPaid", "find processed order", fields, err)
		return OutcomeFailed, err
	}
	if existing != nil {
		return OutcomeDuplicate, nil
	}

	gw, err := e.gateways(ctx, order.Shop)
	if err != nil {
		config.LogError(logger, "multipack", "HandleOrderPaid", "open gateway", fields, err)
		return OutcomeFailed, err
	}

	release, _ := e.lock(ctx, orderLockKey(order), paidLockWait)
	defer release()

	claimed, err := e.ledger.Claim(ctx, order.Shop, order.OrderId)
	if err != nil {
		config.LogError(logger, "multipack", "HandleOrderPaid", "claim order", fields, err)
		return OutcomeFailed, err
	}
	if !claimed {
		return OutcomeDuplicate, nil
	}

	locationId, err := resolveLocation(ctx, gw, order.OrderId)
	if err != nil || locationId == "" {
		if err == nil {
			err = ErrNoLocation
		}
		config.LogError(logger, "multipack", "HandleOrderPaid", "resolve fulfillment location", fields, err)
		e.markFailed(ctx, order, err, fields)
		return OutcomeNoLocation, nil
	}
	fields["location_id"] = locationId

	adjustments, err := e.orderAdjustments(ctx, gw, order, locationId, false)
	if err != nil {
		config.LogError(logger, "multipack", "HandleOrderPaid", "compute adjustments", fields, err)
		e.markFailed(ctx, order, err, fields)
		return OutcomeFailed, err
	}
	if len(adjustments) == 0 {
		e.release(ctx, order, fields)
		return OutcomeNothingToApply, nil
	}

	plan, _ := json.Marshal(adjustments)
	if err := e.ledger.RecordPlan(ctx, order.Shop, order.OrderId, locationId, plan); err != nil {
		config.LogError(logger, "multipack", "HandleOrderPaid", "record adjustment plan", fields, err)
		e.markFailed(ctx, order, err, fields)
		return OutcomeFailed, err
	}

	if err := e.submit(ctx, gw, order, adjustments); err != nil {
		config.LogError(logger, "multipack", "HandleOrderPaid", "submit adjustments", fields, err)
		e.markFailed(ctx, order, err, fields)
		var rejected userErrorsErr
		if errors.As(err, &rejected) {
			return OutcomeRejected, nil
		}
		return OutcomeFailed, err
	}

	var applied bool
	err = backoff.Retry(func() error {
		ok, err := e.ledger.MarkApplied(ctx, order.Shop, order.OrderId)
		applied = ok
		return err
	}, backoff.WithContext(ledgerRetry(), ctx))
	if err != nil {
		// the recorded plan lets a later cancellation or the repair tool settle the marker
		config.LogError(logger, "multipack", "HandleOrderPaid", "inventory written but processed order left STARTED", fields, err)
		return OutcomeFailed, err
	}
	if !applied {
		return e.completePendingCancellation(ctx, gw, order, adjustments, fields)
	}

	BestEffort(ctx, e.effects, e.metrics, order.Shop, models.ReconcileTriggerOrderPaid)
	return OutcomeApplied, nil
}

// completePendingCancellation runs when the marker left STARTED while the paid batch was being
// written, which only a cancellation does.
func (e *Engine) completePendingCancellation(ctx context.Context, gw Gateway, order OrderEvent, applied []Adjustment, fields logrus.Fields) (Outcome, error) {
	marker, err := e.ledger.Find(ctx, order.Shop, order.OrderId)
	if err != nil {
		config.LogError(config.GetLogger(), "multipack", "HandleOrderPaid", "find processed order", fields, err)
		return OutcomeFailed, err
	}
	if marker == nil || marker.Status != models.ProcessedOrderStatusCancelPending {
		config.GetLogger().WithFields(fields).Warn("processed order changed while the paid batch was written")
		return OutcomeApplied, nil
	}
	config.LogInfo(config.GetLogger(), "multipack", "HandleOrderPaid", "completing cancellation received during the paid delivery", fields)
	return e.reverse(ctx, gw, order, Negate(applied), fields)
}

// HandleOrderCancelled reverses a previously applied deduction and releases the order's marker.
func (e *Engine) HandleOrderCancelled(ctx context.Context, order OrderEvent) (outcome Outcome, err error) {
	logger := config.GetLogger()
	fields := logrus.Fields{"shop": order.Shop, "order_id": order.OrderId, "operation": eventOrderCancelled}

	ctx = utils.SetShopInContext(ctx, order.Shop)
	ctx, span := tracer.Start(ctx, "multipack.HandleOrderCancelled")
	span.SetAttributes(attribute.String("shop", order.Shop), attribute.String("order_id", order.OrderId))
	defer func() {
		if rec := recover(); rec != nil {
			outcome, err = OutcomeFailed, fmt.Errorf("panic: %v", rec)
			config.LogError(logger, "multipack", "HandleOrderCancelled", "recovered panic", fields, err)
		}
		e.count(eventOrderCancelled, outcome)
		endSpan(span, outcome, err)
	}()

	marker, err := e.ledger.Find(ctx, order.Shop, order.OrderId)
	if err != nil {
		config.LogError(logger, "multipack", "HandleOrderCancelled", "find processed order", fields, err)
		return OutcomeFailed, err
	}
	if marker == nil {
		return OutcomeNoMarker, nil
	}

	if unsettled(marker.Status) {
		release, locked := e.lock(ctx, orderLockKey(order), cancelLockWait)
		defer release()

		// the paid delivery may have finished while we waited
		marker, err = e.ledger.Find(ctx, order.Shop, order.OrderId)
		if err != nil {
			config.LogError(logger, "multipack", "HandleOrderCancelled", "find processed order", fields, err)
			return OutcomeFailed, err
		}
		if marker == nil {
			return OutcomeNoMarker, nil
		}
		if unsettled(marker.Status) {
			if locked || e.isStale(*marker) {
				return e.settleAbandoned(ctx, order, *marker, true, fields)
			}
			return e.deferCancellation(ctx, order, fields)
		}
	}
	return e.cancelSettled(ctx, order, *marker, fields)
}

// deferCancellation hands the reversal to the paid delivery that still holds the order.
func (e *Engine) deferCancellation(ctx context.Context, order OrderEvent, fields logrus.Fields) (Outcome, error) {
	logger := config.GetLogger()
	pending, err := e.ledger.MarkCancelPending(ctx, order.Shop, order.OrderId)
	if err != nil {
		config.LogError(logger, "multipack", "HandleOrderCancelled", "mark cancellation pending", fields, err)
		return OutcomeFailed, err
	}
	if pending {
		logger.WithFields(fields).Warn("cancelled order is still being applied; its paid delivery will reverse it")
		return OutcomeCancelPending, nil
	}

	marker, err := e.ledger.Find(ctx, order.Shop, order.OrderId)
	if err != nil {
		config.LogError(logger, "multipack", "HandleOrderCancelled", "find processed order", fields, err)
		return OutcomeFailed, err
	}
	switch {
	case marker == nil:
		return OutcomeNoMarker, nil
	case marker.Status == models.ProcessedOrderStatusCancelPending:
		return OutcomeCancelPending, nil
	}
	return e.cancelSettled(ctx, order, *marker, fields)
}

// cancelSettled handles a marker whose paid delivery has finished: FAILED or APPLIED.
func (e *Engine) cancelSettled(ctx context.Context, order OrderEvent, marker models.ProcessedOrder, fields logrus.Fields) (Outcome, error) {
	logger := config.GetLogger()
	if marker.Status == models.ProcessedOrderStatusFailed || len(order.LineItems) == 0 {
		e.release(ctx, order, fields)
		return OutcomeReleased, nil
	}

	gw, err := e.gateways(ctx, order.Shop)
	if err != nil {
		config.LogError(logger, "multipack", "HandleOrderCancelled", "open gateway", fields, err)
		return OutcomeFailed, err
	}

	if plan, ok := recordedPlan(marker, fields); ok {
		return e.reverse(ctx, gw, order, Negate(plan), fields)
	}

	// markers written before plans were recorded: recompute from the current rules
	locationId := marker.LocationId
	if locationId == "" {
		locationId, err = resolveLocation(ctx, gw, order.OrderId)
		if err != nil || locationId == "" {
			if err == nil {
				err = ErrNoLocation
			}
			config.LogError(logger, "multipack", "HandleOrderCancelled", "resolve fulfillment location, releasing without reversal", fields, err)
			e.release(ctx, order, fields)
			return OutcomeNoLocation, nil
		}
	}
	fields["location_id"] = locationId

	adjustments, err := e.orderAdjustments(ctx, gw, order, locationId, true)
	if err != nil {
		config.LogError(logger, "multipack", "HandleOrderCancelled", "compute reversal", fields, err)
		e.release(ctx, order, fields)
		return OutcomeFailed, err
	}
	return e.reverse(ctx, gw, order, adjustments, fields)
}

// reverse submits a reversal and releases the marker whatever the outcome.
func (e *Engine) reverse(ctx context.Context, gw Gateway, order OrderEvent, adjustments []Adjustment, fields logrus.Fields) (Outcome, error) {
	defer e.release(ctx, order, fields)
	if len(adjustments) == 0 {
		return OutcomeReleased, nil
	}

	if err := e.submit(ctx, gw, order, adjustments); err != nil {
		config.LogError(config.GetLogger(), "multipack", "HandleOrderCancelled", "submit reversal", fields, err)
		var rejected userErrorsErr
		if errors.As(err, &rejected) {
			return OutcomeRejected, nil
		}
		return OutcomeFailed, err
	}

	BestEffort(ctx, e.effects, e.metrics, order.Shop, models.ReconcileTriggerOrderCancelled)
	return OutcomeReversed, nil
}

// settleAbandoned finishes a STARTED or CANCEL_PENDING marker whose paid delivery is no longer
// running. A recorded plan is taken as written, since the plan is stored right before the batch
// and a failed batch moves the marker to FAILED.
func (e *Engine) settleAbandoned(ctx context.Context, order OrderEvent, marker models.ProcessedOrder, cancelled bool, fields logrus.Fields) (Outcome, error) {
	logger := config.GetLogger()
	fields["status"] = marker.Status

	plan, ok := recordedPlan(marker, fields)
	if !ok {
		logger.WithFields(fields).Warn("releasing abandoned processed order without a recorded plan")
		e.release(ctx, order, fields)
		return OutcomeReleased, nil
	}
	if !cancelled {
		applied, err := e.ledger.MarkApplied(ctx, order.Shop, order.OrderId)
		if err != nil {
			config.LogError(logger, "multipack", "settleAbandoned", "mark processed order applied", fields, err)
			return OutcomeFailed, err
		}
		if !applied {
			return OutcomeDuplicate, nil
		}
		return OutcomeApplied, nil
	}

	gw, err := e.gateways(ctx, order.Shop)
	if err != nil {
		config.LogError(logger, "multipack", "settleAbandoned", "open gateway", fields, err)
		return OutcomeFailed, err
	}
	logger.WithFields(fields).Warn("reversing abandoned processed order from its recorded plan")
	return e.reverse(ctx, gw, order, Negate(plan), fields)
}

// SettleStale resolves a marker left behind by a paid delivery that died or could not record
// its outcome. CANCEL_PENDING markers are reversed; STARTED markers become APPLIED when a plan
// was recorded and are released otherwise.
func (e *Engine) SettleStale(ctx context.Context, marker models.ProcessedOrder) (outcome Outcome, err error) {
	order := OrderEvent{Shop: marker.Shop, OrderId: marker.OrderId}
	fields := logrus.Fields{"shop": marker.Shop, "order_id": marker.OrderId, "operation": eventStaleMarker}
	ctx = utils.SetShopInContext(ctx, marker.Shop)
	defer func() {
		if rec := recover(); rec != nil {
			outcome, err = OutcomeFailed, fmt.Errorf("panic: %v", rec)
			config.LogError(config.GetLogger(), "multipack", "SettleStale", "recovered panic", fields, err)
		}
		e.count(eventStaleMarker, outcome)
	}()

	release, locked := e.lock(ctx, orderLockKey(order), cancelLockWait)
	defer release()
	if !locked && !e.isStale(marker) {
		return OutcomeCancelPending, errors.New("processed order is still held by a paid delivery")
	}

	current, err := e.ledger.Find(ctx, marker.Shop, marker.OrderId)
	if err != nil {
		return OutcomeFailed, err
	}
	if current == nil {
		return OutcomeNoMarker, nil
	}
	if !unsettled(current.Status) {
		return OutcomeDuplicate, nil
	}
	return e.settleAbandoned(ctx, order, *current, current.Status == models.ProcessedOrderStatusCancelPending, fields)
}

// recordedPlan decodes the adjustments a paid delivery stored before submitting.
func recordedPlan(marker models.ProcessedOrder, fields logrus.Fields) ([]Adjustment, bool) {
	if len(marker.AdjustmentsJSON) == 0 {
		return nil, false
	}
	var plan []Adjustment
	if err := json.Unmarshal(marker.AdjustmentsJSON, &plan); err != nil {
		config.LogError(config.GetLogger(), "multipack", "recordedPlan", "decode recorded adjustments", fields, err)
		return nil, false
	}
	return plan, len(plan) > 0
}

func (e *Engine) release(ctx context.Context, order OrderEvent, fields logrus.Fields) {
	if err := e.ledger.Release(ctx, order.Shop, order.OrderId); err != nil {
		config.LogError(config.GetLogger(), "multipack", "release", "release processed order", fields, err)
	}
}

// markFailed records a paid delivery that wrote nothing. A cancellation that arrived meanwhile
// has nothing to reverse, so its marker is released instead.
func (e *Engine) markFailed(ctx context.Context, order OrderEvent, cause error, fields logrus.Fields) {
	logger := config.GetLogger()
	failed, err := e.ledger.MarkFailed(ctx, order.Shop, order.OrderId, cause)
	if err != nil {
		config.LogError(logger, "multipack", "markFailed", "mark processed order failed", fields, err)
		return
	}
	if failed {
		return
	}
	marker, err := e.ledger.Find(ctx, order.Shop, order.OrderId)
	if err != nil {
		config.LogError(logger, "multipack", "markFailed", "find processed order", fields, err)
		return
	}
	if marker != nil && marker.Status == models.ProcessedOrderStatusCancelPending {
		e.release(ctx, order, fields)
	}
}

func managedByShopify(li OrderLineItem) bool {
	return li.InventoryManagement == "" || strings.EqualFold(li.InventoryManagement, "shopify")
}

// orderAdjustments interprets each line item through its rule and returns the consolidated
// adjustments at locationId. reverse mirrors every delta.
func (e *Engine) orderAdjustments(ctx context.Context, gw Gateway, order OrderEvent, locationId string, reverse bool) ([]Adjustment, error) {
	logger := config.GetLogger()

	variantIds := make([]string, 0, len(order.LineItems))
	for _, li := range order.LineItems {
		if li.VariantId != "" && li.Quantity > 0 && managedByShopify(li) {
			variantIds = append(variantIds, li.VariantId)
		}
	}
	variantIds = utils.UniqueSlice(variantIds)
	if len(variantIds) == 0 {
		return nil, nil
	}

	rows, err := e.rules.ListRulesForVariants(ctx, order.Shop, variantIds)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	rules := NewRuleSet(order.Shop, rows)
	if rules.Len() == 0 {
		return nil, nil
	}

	lookupIds := make([]string, 0, len(variantIds)*2)
	for _, id := range variantIds {
		rule, ok := rules.Get(id)
		if !ok {
			continue
		}
		lookupIds = append(lookupIds, id)
		lookupIds = append(lookupIds, rule.Shape.Targets()...)
	}
	lookupIds = utils.UniqueSlice(lookupIds)
	items, err := gw.GetVariantInventoryItems(ctx, lookupIds)
	if err != nil {
		return nil, fmt.Errorf("resolve inventory items: %w", err)
	}

	var adjustments []Adjustment
	for _, li := range order.LineItems {
		if li.VariantId == "" || li.Quantity <= 0 || !managedByShopify(li) {
			continue
		}
		rule, ok := rules.Get(li.VariantId)
		if !ok {
			continue
		}
		own, ok := items[li.VariantId]
		if !ok || !own.Tracked {
			continue
		}

		deltas := rule.Forward(li.Quantity)
		if reverse {
			deltas = rule.Reverse(li.Quantity)
		}
		for _, d := range deltas {
			item, ok := items[d.VariantId]
			if !ok || !item.Tracked {
				logger.WithFields(logrus.Fields{
					"shop":       order.Shop,
					"order_id":   order.OrderId,
					"variant_id": d.VariantId,
				}).Warn("skipping delta on variant without tracked inventory")
				continue
			}
			adjustments = append(adjustments, Adjustment{InventoryItemId: item.Id, LocationId: locationId, Delta: d.Delta})
		}
	}
	return Consolidate(adjustments), nil
}

type userErrorsErr []shopify.UserError

func (u userErrorsErr) Error() string {
	msgs := make([]string, 0, len(u))
	for _, e := range u {
		msgs = append(msgs, e.Error())
	}
	return "inventory update rejected: " + strings.Join(msgs, "; ")
}

// submit reads the compare values and writes all adjustments in one batch.
func (e *Engine) submit(ctx context.Context, gw Gateway, order OrderEvent, adjustments []Adjustment) error {
	locationId := adjustments[0].LocationId
	current, err := gw.GetAvailableByItems(ctx, adjustmentItemIds(adjustments), locationId)
	if err != nil {
		return fmt.Errorf("read current quantities: %w", err)
	}
	changes := BuildQuantityChanges(adjustments, current)
	userErrors, err := gw.SetAvailableQuantities(ctx, changes, shopify.OrderGID(order.OrderId))
	if err != nil {
		return err
	}
	if len(userErrors) > 0 {
		return userErrorsErr(userErrors)
	}
	return nil
}

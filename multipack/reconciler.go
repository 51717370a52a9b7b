package multipack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/mmdatafocus/multipack_backend/shopify"
	"github.com/mmdatafocus/multipack_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	reconcileLockType = "ReconcileShop"
	reconcileLockTTL  = 2 * time.Minute
	reconcileLockWait = 10 * time.Second
	// webhook deliveries time out after about 5s on Shopify's side
	reconcileWebhookLockWait = 500 * time.Millisecond
)

// Summary describes one reconciliation pass.
type Summary struct {
	Shop         string `json:"shop"`
	Trigger      string `json:"trigger"`
	Status       string `json:"status"`
	RulesSeen    int    `json:"rulesSeen"`
	RulesSkipped int    `json:"rulesSkipped"`
	Locations    int    `json:"locations"`
	Writes       int    `json:"writes"`
	Unchanged    int    `json:"unchanged"`
	WriteErrors  int    `json:"writeErrors"`
	Errors       int    `json:"errors"`
	LastError    string `json:"lastError,omitempty"`
}

// Err is non-nil only when the pass failed as a whole.
func (s Summary) Err() error {
	if s.Status != models.ReconcileRunStatusFailed {
		return nil
	}
	if s.LastError == "" {
		return errors.New("reconcile failed")
	}
	return errors.New(s.LastError)
}

func (s *Summary) fail(err error) {
	s.Errors++
	s.LastError = err.Error()
}

// LockFunc obtains a best-effort lock on key, waiting at most wait. ok=false means the caller
// proceeds unlocked.
type LockFunc func(ctx context.Context, key string, wait time.Duration) (release func(), ok bool)

func redisShopLock(ctx context.Context, shop string, wait time.Duration) (func(), bool) {
	return utils.ShopLock(ctx, shop, reconcileLockType, reconcileLockTTL, wait, "multipack", "Reconcile")
}

// lockWait bounds how long a pass queues behind another pass of the same shop. Passes that run
// inside a webhook delivery only take the lock when it is free right away.
func lockWait(trigger string) time.Duration {
	switch trigger {
	case models.ReconcileTriggerOrderPaid, models.ReconcileTriggerOrderCancelled, models.ReconcileTriggerInventoryUpdate:
		return reconcileWebhookLockWait
	}
	return reconcileLockWait
}

type Reconciler struct {
	rules    RuleStore
	gateways GatewayFactory
	runs     RunRecorder
	metrics  *Metrics
	lock     LockFunc
}

type ReconcilerOption func(*Reconciler)

func WithRunRecorder(runs RunRecorder) ReconcilerOption {
	return func(r *Reconciler) { r.runs = runs }
}

func WithMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithLock(lock LockFunc) ReconcilerOption {
	return func(r *Reconciler) { r.lock = lock }
}

func NewReconciler(rules RuleStore, gateways GatewayFactory, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		rules:    rules,
		gateways: gateways,
		metrics:  DefaultMetrics(),
		lock:     redisShopLock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// eligibleRule is a rule the reconciler is allowed to overwrite.
type eligibleRule struct {
	variantId string
	mappings  []models.DeductionMapping
}

// Reconcile recomputes every eligible multipack variant of shop at every active location.
// It never fails past its boundary: all problems end up in the returned Summary and the logs.
func (r *Reconciler) Reconcile(ctx context.Context, shop string, trigger string) (summary Summary) {
	logger := config.GetLogger()
	started := nowFunc()
	summary = Summary{Shop: shop, Trigger: trigger}

	ctx = utils.SetShopInContext(ctx, shop)
	ctx, span := tracer.Start(ctx, "multipack.Reconcile")
	span.SetAttributes(attribute.String("shop", shop), attribute.String("trigger", trigger))

	release, locked := r.lock(ctx, shop, lockWait(trigger))
	defer release()
	if !locked {
		logger.WithFields(logrus.Fields{"shop": shop, "trigger": trigger}).Debug("reconcile running without shop lock")
	}

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			config.LogError(logger, "multipack", "Reconcile", "recovered panic", logrus.Fields{"shop": shop, "trigger": trigger}, err)
			summary.fail(err)
			summary.Status = models.ReconcileRunStatusFailed
		}
		if summary.Status == models.ReconcileRunStatusFailed {
			span.SetStatus(codes.Error, summary.LastError)
		}
		span.End()
		r.finish(ctx, &summary, started)
	}()

	r.run(ctx, &summary)
	return summary
}

func (r *Reconciler) run(ctx context.Context, summary *Summary) {
	logger := config.GetLogger()
	shop := summary.Shop
	fields := logrus.Fields{"shop": shop, "trigger": summary.Trigger}

	rows, err := r.rules.ListMappedRules(ctx, shop)
	if err != nil {
		config.LogError(logger, "multipack", "Reconcile", "load rules", fields, err)
		summary.fail(err)
		summary.Status = models.ReconcileRunStatusFailed
		return
	}
	summary.RulesSeen = len(rows)
	if len(rows) == 0 {
		config.LogInfo(logger, "multipack", "Reconcile", "no mapped rules", fields)
		summary.Status = models.ReconcileRunStatusNoop
		return
	}

	eligible := make([]eligibleRule, 0, len(rows))
	for _, row := range rows {
		mappings, err := row.ParseDeductionMappings()
		if err != nil {
			config.LogError(logger, "multipack", "Reconcile", "parse deduction mappings",
				logrus.Fields{"shop": shop, "variant_id": row.VariantId}, err)
			summary.RulesSkipped++
			continue
		}
		if len(mappings) == 0 || isSelfReferential(row.VariantId, mappings) || !row.CalculateInventoryForSelfMapping {
			summary.RulesSkipped++
			continue
		}
		eligible = append(eligible, eligibleRule{variantId: row.VariantId, mappings: mappings})
	}
	if len(eligible) == 0 {
		summary.Status = models.ReconcileRunStatusNoop
		return
	}

	gw, err := r.gateways(ctx, shop)
	if err != nil {
		config.LogError(logger, "multipack", "Reconcile", "open gateway", fields, err)
		summary.fail(err)
		summary.Status = models.ReconcileRunStatusFailed
		return
	}

	locations, err := gw.GetActiveLocations(ctx)
	if err != nil {
		config.LogError(logger, "multipack", "Reconcile", "load active locations", fields, err)
		summary.fail(err)
		summary.Status = models.ReconcileRunStatusFailed
		return
	}
	summary.Locations = len(locations)
	if len(locations) == 0 {
		config.LogInfo(logger, "multipack", "Reconcile", "no active locations", fields)
		summary.Status = models.ReconcileRunStatusNoop
		return
	}

	variantIds := make([]string, 0, len(eligible)*3)
	for _, rule := range eligible {
		variantIds = append(variantIds, rule.variantId)
		for _, m := range rule.mappings {
			variantIds = append(variantIds, m.TargetVariantId)
		}
	}
	variantIds = utils.UniqueSlice(variantIds)
	items, err := gw.GetVariantInventoryItems(ctx, variantIds)
	if err != nil {
		config.LogError(logger, "multipack", "Reconcile", "resolve inventory items", fields, err)
		summary.fail(err)
		summary.Status = models.ReconcileRunStatusFailed
		return
	}
	itemIds := make([]string, 0, len(items))
	for _, id := range variantIds {
		if item, ok := items[id]; ok {
			itemIds = append(itemIds, item.Id)
		}
	}

	for _, loc := range locations {
		r.reconcileLocation(ctx, gw, summary, eligible, items, itemIds, loc.Id)
	}

	switch {
	case summary.Errors == 0 && summary.WriteErrors == 0:
		summary.Status = models.ReconcileRunStatusSuccess
	case summary.Writes == 0 && summary.Unchanged == 0:
		summary.Status = models.ReconcileRunStatusFailed
	default:
		summary.Status = models.ReconcileRunStatusPartial
	}
}

func (r *Reconciler) reconcileLocation(ctx context.Context, gw Gateway, summary *Summary, eligible []eligibleRule, items map[string]shopify.InventoryItem, itemIds []string, locationId string) {
	logger := config.GetLogger()
	shop := summary.Shop

	available, err := gw.GetAvailableByItems(ctx, itemIds, locationId)
	if err != nil {
		// unknown availability counts as 0
		config.LogError(logger, "multipack", "Reconcile", "read availability",
			logrus.Fields{"shop": shop, "location_id": locationId}, err)
		summary.fail(err)
		available = map[string]int{}
	}
	lookup := func(variantId string) int {
		item, ok := items[variantId]
		if !ok {
			return 0
		}
		return available[item.Id]
	}

	for _, rule := range eligible {
		func() {
			ruleFields := logrus.Fields{"shop": shop, "variant_id": rule.variantId, "location_id": locationId}
			defer func() {
				if rec := recover(); rec != nil {
					perr := fmt.Errorf("panic: %v", rec)
					config.LogError(logger, "multipack", "Reconcile", "recovered panic in rule", ruleFields, perr)
					summary.fail(perr)
				}
			}()

			own, ok := items[rule.variantId]
			if !ok {
				err := fmt.Errorf("multipack variant %s has no inventory item", rule.variantId)
				config.LogError(logger, "multipack", "Reconcile", "resolve multipack item", ruleFields, err)
				summary.fail(err)
				return
			}

			count := ComputeBundleCount(rule.mappings, lookup)
			current := available[own.Id]
			if count == current {
				summary.Unchanged++
				r.countWrite("unchanged")
				return
			}
			if gw.SetAvailableQuantity(ctx, own.Id, locationId, count, current) {
				summary.Writes++
				r.countWrite("ok")
				return
			}
			summary.WriteErrors++
			summary.LastError = fmt.Sprintf("write %s at %s failed", rule.variantId, locationId)
			r.countWrite("failed")
		}()
	}
}

func (r *Reconciler) countWrite(result string) {
	if r.metrics != nil {
		r.metrics.ReconcileWrites.WithLabelValues(result).Inc()
	}
}

func (r *Reconciler) finish(ctx context.Context, summary *Summary, started time.Time) {
	finished := nowFunc()
	if summary.Status == "" {
		summary.Status = models.ReconcileRunStatusFailed
	}
	if r.metrics != nil {
		r.metrics.ReconcileRuns.WithLabelValues(summary.Trigger, summary.Status).Inc()
		r.metrics.ReconcileDuration.Observe(finished.Sub(started).Seconds())
	}
	if r.runs == nil {
		return
	}

	run := &models.ReconcileRun{
		Shop:         summary.Shop,
		TriggeredBy:  summary.Trigger,
		Status:       summary.Status,
		RulesSeen:    summary.RulesSeen,
		RulesSkipped: summary.RulesSkipped,
		Locations:    summary.Locations,
		Writes:       summary.Writes,
		WriteErrors:  summary.WriteErrors,
		ErrorCount:   summary.Errors,
		StartedAt:    started,
		FinishedAt:   finished,
		DurationMs:   finished.Sub(started).Milliseconds(),
	}
	if summary.LastError != "" {
		msg := summary.LastError
		run.LastError = &msg
	}
	if err := r.runs.RecordRun(ctx, run); err != nil {
		config.LogError(config.GetLogger(), "multipack", "Reconcile", "record reconcile run",
			logrus.Fields{"shop": summary.Shop}, err)
	}
}

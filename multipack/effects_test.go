package multipack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/multipack_backend/models"
)

func TestBestEffortSwallowsFailures(t *testing.T) {
	metrics := testMetrics()
	failing := &fakeDispatcher{err: errBoom}
	panicking := &fakeDispatcher{panic: true}

	// none of these may escape
	BestEffort(context.Background(), failing, metrics, testShop, models.ReconcileTriggerRuleSave)
	BestEffort(context.Background(), panicking, metrics, testShop, models.ReconcileTriggerRuleSave)
	BestEffort(context.Background(), nil, metrics, testShop, models.ReconcileTriggerRuleSave)

	if len(failing.calls) != 1 || len(panicking.calls) != 1 {
		t.Fatalf("dispatchers should each be called once, got %d and %d", len(failing.calls), len(panicking.calls))
	}
}

func TestPubSubDispatcherPublishesRequest(t *testing.T) {
	var gotTopic string
	var gotPayload interface{}
	d := PubSubDispatcher{
		Topic: "multipack-reconcile",
		Publish: func(ctx context.Context, topicName string, obj interface{}) (string, error) {
			gotTopic, gotPayload = topicName, obj
			return "msg-1", nil
		},
	}
	if err := d.Dispatch(context.Background(), testShop, models.ReconcileTriggerOrderPaid); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	req, ok := gotPayload.(ReconcileRequest)
	if gotTopic != "multipack-reconcile" || !ok || req.Shop != testShop || req.Trigger != models.ReconcileTriggerOrderPaid {
		t.Fatalf("published %q %+v", gotTopic, gotPayload)
	}

	failing := PubSubDispatcher{Topic: "t", Publish: func(context.Context, string, interface{}) (string, error) { return "", errBoom }}
	if err := failing.Dispatch(context.Background(), testShop, models.ReconcileTriggerOrderPaid); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestInlineDispatcherRunsReconciler(t *testing.T) {
	gw := newFakeGateway()
	gw.track("V", map[string]int{locMain: 0})
	gw.track("A", map[string]int{locMain: 4})
	rules := &fakeRules{rows: []models.VariantRule{mappingRule("V", true, mapTo("A", 2))}}
	d := InlineDispatcher{Reconciler: newTestReconciler(rules, gw, &fakeRuns{})}

	if err := d.Dispatch(context.Background(), testShop, models.ReconcileTriggerRuleSave); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gw.level("V", locMain) != 2 {
		t.Fatalf("inline dispatch did not reconcile")
	}

	failing := InlineDispatcher{Reconciler: newTestReconciler(&fakeRules{listErr: errBoom}, gw, &fakeRuns{})}
	if err := failing.Dispatch(context.Background(), testShop, models.ReconcileTriggerRuleSave); err == nil {
		t.Fatalf("failed pass should surface to the best-effort boundary")
	}
}

func TestHeldShopLockDoesNotStallWebhookReconcile(t *testing.T) {
	gw := newFakeGateway()
	gw.track("V", map[string]int{locMain: 0})
	gw.track("A", map[string]int{locMain: 4})
	rules := &fakeRules{rows: []models.VariantRule{mappingRule("V", true, mapTo("A", 2))}}

	var mu sync.Mutex
	var waits []time.Duration
	// another pass holds the lock for longer than any caller is willing to wait
	held := func(ctx context.Context, key string, wait time.Duration) (func(), bool) {
		mu.Lock()
		waits = append(waits, wait)
		mu.Unlock()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		return func() {}, false
	}
	r := NewReconciler(rules, gw.factory(), WithMetrics(testMetrics()), WithLock(held))
	d := InlineDispatcher{Reconciler: r}

	for _, trigger := range []string{
		models.ReconcileTriggerOrderPaid,
		models.ReconcileTriggerOrderCancelled,
		models.ReconcileTriggerInventoryUpdate,
	} {
		started := time.Now()
		BestEffort(context.Background(), d, testMetrics(), testShop, trigger)
		if elapsed := time.Since(started); elapsed > 2*time.Second {
			t.Fatalf("%s: reconcile blocked the delivery for %s", trigger, elapsed)
		}
	}
	if gw.level("V", locMain) != 2 {
		t.Fatalf("pass should still run unlocked")
	}
	for _, w := range waits {
		if w > reconcileWebhookLockWait {
			t.Fatalf("webhook pass waited up to %s for the lock", w)
		}
	}

	if got := lockWait(models.ReconcileTriggerSync); got != reconcileLockWait {
		t.Fatalf("sync pass should queue behind the lock, got wait %s", got)
	}
}

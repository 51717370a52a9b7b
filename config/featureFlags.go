package config

import (
	"os"
	"strings"
)

const (
	ReconcileDispatchInline = "inline"
	ReconcileDispatchPubSub = "pubsub"
)

// ReconcileDispatchMode selects how follow-up reconciliation passes are run.
//
// Set via env:
// - RECONCILE_DISPATCH=inline (default): run in the triggering request
// - RECONCILE_DISPATCH=pubsub: publish to RECONCILE_TOPIC and run in the push handler
func ReconcileDispatchMode() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("RECONCILE_DISPATCH")))
	if v == ReconcileDispatchPubSub {
		return ReconcileDispatchPubSub
	}
	return ReconcileDispatchInline
}

func ReconcileTopic() string {
	if v := strings.TrimSpace(os.Getenv("RECONCILE_TOPIC")); v != "" {
		return v
	}
	return "multipack-reconcile"
}

// ProcessedOrderStaleAfterMinutes is how long an unsettled processed-order marker may sit before
// its paid delivery counts as abandoned.
func ProcessedOrderStaleAfterMinutes() int {
	return intFromEnv("PROCESSED_ORDER_STALE_MINUTES", 15)
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

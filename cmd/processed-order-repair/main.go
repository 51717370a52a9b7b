package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/mmdatafocus/multipack_backend/multipack"
	"github.com/mmdatafocus/multipack_backend/shopify"
	"github.com/mmdatafocus/multipack_backend/utils"
	"github.com/sirupsen/logrus"
)

// Lists processed-order markers a paid delivery left unsettled: STARTED (the delivery died, or
// wrote its batch but could not record it) and CANCEL_PENDING (a cancellation queued behind a
// delivery that never finished). -settle resolves them: pending cancellations are reversed from
// the recorded plan, STARTED markers with a plan become APPLIED, the rest are released.
func main() {
	shop := flag.String("shop", "", "Shop domain to inspect (optional; default = all shops)")
	olderThan := flag.Int("older-than", config.ProcessedOrderStaleAfterMinutes(), "Minutes a marker must be untouched to count as stale")
	settle := flag.Bool("settle", false, "Settle the stale markers instead of only listing them")
	withRedis := flag.Bool("redis", true, "Connect Redis for the per-order lock")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	if *withRedis {
		config.ConnectRedisWithRetry()
	}
	db := config.GetDB()
	if db == nil {
		panic("database not initialized")
	}
	logger := config.GetLogger()
	if logger.GetLevel() < logrus.InfoLevel {
		logger.SetLevel(logrus.InfoLevel)
	}

	ctx := context.Background()
	target := strings.TrimSpace(*shop)
	if target == "" {
		ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	} else {
		ctx = utils.SetShopInContext(ctx, target)
	}

	ledger := models.NewOrderLedger(db)
	cutoff := time.Now().Add(-time.Duration(*olderThan) * time.Minute)
	stale, err := ledger.ListStale(ctx, target, cutoff)
	if err != nil {
		panic(err)
	}

	var engine *multipack.Engine
	if *settle {
		provider := shopify.NewProvider(models.NewSessionStore(db), shopify.ProviderOptions{ApiVersion: os.Getenv("SHOPIFY_API_VERSION")})
		engine = multipack.NewEngine(models.NewRuleStore(db), ledger, multipack.ShopifyGateways(provider), nil, nil)
	}

	settled, failed := 0, 0
	for _, marker := range stale {
		fields := logrus.Fields{
			"shop":       marker.Shop,
			"order_id":   marker.OrderId,
			"status":     marker.Status,
			"has_plan":   len(marker.AdjustmentsJSON) > 0,
			"updated_at": marker.UpdatedAt.Format(time.RFC3339),
		}
		if engine == nil {
			logger.WithFields(fields).Info("stale marker")
			continue
		}
		outcome, err := engine.SettleStale(ctx, marker)
		fields["outcome"] = outcome
		if err != nil {
			failed++
			config.LogError(logger, "processed-order-repair", "main", "settle marker", fields, err)
			continue
		}
		settled++
		logger.WithFields(fields).Info("settled marker")
	}

	fmt.Printf("stale=%d settled=%d failed=%d cutoff=%s\n", len(stale), settled, failed, cutoff.Format(time.RFC3339))
	if failed > 0 {
		os.Exit(1)
	}
}

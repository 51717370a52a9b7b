package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/mmdatafocus/multipack_backend/multipack"
	"github.com/mmdatafocus/multipack_backend/shopify"
	"github.com/mmdatafocus/multipack_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	shops := flag.String("shop", "", "Comma separated shop domains to reconcile (optional; default = every shop with rules)")
	trigger := flag.String("trigger", models.ReconcileTriggerCli, "Trigger recorded on the reconcile audit rows")
	withRedis := flag.Bool("redis", true, "Connect Redis for the session cache and the per-shop lock")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	if *withRedis {
		config.ConnectRedisWithRetry()
	}
	db := config.GetDB()
	if db == nil {
		panic("database not initialized")
	}
	logger := config.GetLogger()

	sessions := models.NewSessionStore(db)
	provider := shopify.NewProvider(sessions, shopify.ProviderOptions{ApiVersion: os.Getenv("SHOPIFY_API_VERSION")})
	opts := []multipack.ReconcilerOption{multipack.WithRunRecorder(models.NewReconcileRunStore(db))}
	if !*withRedis {
		opts = append(opts, multipack.WithLock(func(context.Context, string, time.Duration) (func(), bool) { return func() {}, false }))
	}
	reconciler := multipack.NewReconciler(models.NewRuleStore(db), multipack.ShopifyGateways(provider), opts...)

	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	report, err := reconciler.SyncAll(ctx, *trigger, utils.SplitAndTrim(*shops)...)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "reconcile-all"}).Error(err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if report.Failed > 0 {
		os.Exit(1)
	}
}

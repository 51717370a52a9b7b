package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/multipack_backend/api"
	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/middlewares"
	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/mmdatafocus/multipack_backend/multipack"
	"github.com/mmdatafocus/multipack_backend/shopify"
	"github.com/mmdatafocus/multipack_backend/utils"
	"github.com/mmdatafocus/multipack_backend/webhooks"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

type application struct {
	sessions   *models.SessionStore
	rules      *models.RuleStore
	reconciler *multipack.Reconciler
	dispatcher multipack.ReconcileDispatcher
	engine     *multipack.Engine
	metrics    *multipack.Metrics
}

func newApplication(db *gorm.DB) *application {
	metrics := multipack.DefaultMetrics()
	sessions := models.NewSessionStore(db)
	rules := models.NewRuleStore(db)

	provider := shopify.NewProvider(sessions, shopify.ProviderOptions{
		ApiVersion: os.Getenv("SHOPIFY_API_VERSION"),
	})
	gateways := multipack.ShopifyGateways(provider)

	reconciler := multipack.NewReconciler(rules, gateways,
		multipack.WithRunRecorder(models.NewReconcileRunStore(db)),
		multipack.WithMetrics(metrics),
	)
	dispatcher := multipack.NewDispatcher(reconciler)
	engine := multipack.NewEngine(rules, models.NewOrderLedger(db), gateways, dispatcher, metrics)

	return &application{
		sessions:   sessions,
		rules:      rules,
		reconciler: reconciler,
		dispatcher: dispatcher,
		engine:     engine,
		metrics:    metrics,
	}
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if utils.IsProduction() {
		if allowedOrigins == "" {
			cfg.AllowOrigins = []string{}
		} else {
			cfg.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	cfg.AddExposeHeaders("Content-Length")
	cfg.AllowCredentials = true
	return cfg
}

func ready() bool {
	return config.GetDB() != nil && config.GetRedisDB() != nil
}

// newRouter serves only /healthz and /metrics while app is nil; everything else answers 503.
func newRouter(app *application, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationIdMiddleware())
	r.Use(middlewares.ReadinessMiddleware(func() bool { return app != nil && ready() }))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(cors.New(corsConfig()))
	if utils.EnvBoolDefault("RATE_LIMIT_ENABLED", false) {
		limit := int64(utils.IntFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
		window := time.Duration(utils.IntFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
		rl := middlewares.NewRateLimiter(middlewares.RedisWindowCounter(config.GetRedisDB), limit, window)
		r.Use(rl.RateLimitMiddleware)
	}
	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())

	if app != nil {
		webhooks.RegisterRoutes(r, webhooks.NewHandlers(app.engine, app.dispatcher, app.metrics), app.sessions)
		api.RegisterRoutes(r, api.NewRuleHandlers(app.rules, app.dispatcher, app.metrics), app.reconciler, app.reconciler)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func main() {
	port := os.Getenv("MULTIPACK_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	if utils.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen before connecting so the platform sees the port open; the full router is
	// swapped in once the stores are reachable.
	var handler atomic.Value
	handler.Store(http.Handler(newRouter(nil, logger)))

	srv := &http.Server{
		Addr: ":" + port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler.Load().(http.Handler).ServeHTTP(w, r)
		}),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !utils.EnvBoolDefault("SKIP_MIGRATIONS", false) {
		models.MigrateTable(db)
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	handler.Store(http.Handler(newRouter(newApplication(db), logger)))
	logger.WithFields(logrus.Fields{
		"port":     port,
		"dispatch": config.ReconcileDispatchMode(),
	}).Info("multipack service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

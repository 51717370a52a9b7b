package api

import (
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/multipack_backend/middlewares"
)

func RegisterRoutes(r gin.IRouter, rules *RuleHandlers, syncer Syncer, runner PassRunner) {
	api := r.Group("/api")
	api.POST("/sync", SyncHandler(syncer))

	authed := api.Group("/rules", middlewares.AuthMiddleware())
	authed.GET("", rules.List())
	authed.PUT("", rules.Upsert())
	authed.GET("/:variantId", rules.Get())
	authed.DELETE("/:variantId", rules.Delete())

	r.POST("/pubsub/reconcile", middlewares.PubSubPushMiddleware(nil), ReconcilePushHandler(runner))
}

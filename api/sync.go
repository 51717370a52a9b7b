package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/mmdatafocus/multipack_backend/multipack"
	"github.com/mmdatafocus/multipack_backend/utils"
	"github.com/sirupsen/logrus"
)

const HeaderSyncSecret = "X-Sync-Secret"

type Syncer interface {
	SyncAll(ctx context.Context, trigger string, onlyShops ...string) (multipack.SyncReport, error)
}

type PassRunner interface {
	Reconcile(ctx context.Context, shop string, trigger string) multipack.Summary
}

func syncAuthorized(c *gin.Context) bool {
	if !utils.IsProduction() {
		return true
	}
	secret := strings.TrimSpace(os.Getenv("SYNC_SECRET"))
	got := c.GetHeader(HeaderSyncSecret)
	return secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(got)) == 1
}

// SyncHandler reconciles every shop that has at least one rule, or only the shops given
// as ?shop= query values.
func SyncHandler(syncer Syncer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !syncAuthorized(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetSkipTenantScopeInContext(c.Request.Context(), true)
		report, err := syncer.SyncAll(ctx, models.ReconcileTriggerSync, c.QueryArray("shop")...)
		if err != nil {
			config.LogError(config.GetLogger(), "api", "SyncHandler", "sync all shops", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ReconcilePushHandler consumes queued reconcile requests. It always answers 204 so Pub/Sub
// does not redeliver; a failed pass is recorded in the audit log instead.
func ReconcilePushHandler(runner PassRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.EnvBoolDefault("ENABLE_RECONCILE_PUSH_ENDPOINT", true) {
			c.Status(http.StatusNoContent)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var req multipack.ReconcileRequest
		if err := json.Unmarshal(envelope.Message.Data, &req); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if req.Shop == "" {
			c.Status(http.StatusNoContent)
			return
		}
		if req.Trigger == "" {
			req.Trigger = models.ReconcileTriggerSync
		}

		summary := runner.Reconcile(c.Request.Context(), req.Shop, req.Trigger)
		config.LogInfo(config.GetLogger(), "api", "ReconcilePushHandler", "queued reconcile finished", logrus.Fields{
			"shop":       req.Shop,
			"trigger":    req.Trigger,
			"status":     summary.Status,
			"message_id": envelope.Message.ID,
		})
		c.Status(http.StatusNoContent)
	}
}

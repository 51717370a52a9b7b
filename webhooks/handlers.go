package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/middlewares"
	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/mmdatafocus/multipack_backend/multipack"
	"github.com/mmdatafocus/multipack_backend/utils"
	"github.com/sirupsen/logrus"
)

type OrderHandler interface {
	HandleOrderPaid(ctx context.Context, order multipack.OrderEvent) (multipack.Outcome, error)
	HandleOrderCancelled(ctx context.Context, order multipack.OrderEvent) (multipack.Outcome, error)
}

// Handlers answers Shopify webhook deliveries. Apart from authorization failures, which the
// middlewares reject, every delivery is acknowledged with 200 so the platform does not retry;
// the processed-order ledger guards against double application instead.
type Handlers struct {
	orders  OrderHandler
	effects multipack.ReconcileDispatcher
	metrics *multipack.Metrics
}

func NewHandlers(orders OrderHandler, effects multipack.ReconcileDispatcher, metrics *multipack.Metrics) *Handlers {
	if metrics == nil {
		metrics = multipack.DefaultMetrics()
	}
	return &Handlers{orders: orders, effects: effects, metrics: metrics}
}

func RegisterRoutes(r gin.IRouter, h *Handlers, sessions middlewares.SessionChecker) {
	g := r.Group("/webhooks", middlewares.WebhookMiddleware(), middlewares.SessionMiddleware(sessions))
	g.POST("/orders/paid", h.OrderPaid())
	g.POST("/orders/cancelled", h.OrderCancelled())
	g.POST("/inventory_levels/update", h.InventoryLevelsUpdate())
}

func (h *Handlers) OrderPaid() gin.HandlerFunc {
	return h.orderHandler("OrderPaid", h.orders.HandleOrderPaid)
}

func (h *Handlers) OrderCancelled() gin.HandlerFunc {
	return h.orderHandler("OrderCancelled", h.orders.HandleOrderCancelled)
}

func (h *Handlers) orderHandler(funcName string, handle func(context.Context, multipack.OrderEvent) (multipack.Outcome, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		shop, _ := utils.GetShopFromContext(ctx)
		logger := config.GetLogger()
		orderId := ""

		defer func() {
			if rec := recover(); rec != nil {
				config.LogError(logger, "webhooks", funcName, "panic", logrus.Fields{"shop": shop, "order_id": orderId}, fmt.Errorf("panic: %v", rec))
				c.JSON(http.StatusOK, gin.H{"outcome": multipack.OutcomeFailed})
			}
		}()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "webhooks", funcName, "read body", shop, err)
			c.JSON(http.StatusOK, gin.H{"outcome": "ignored"})
			return
		}
		event, err := ParseOrderEvent(shop, body)
		if err != nil {
			if !errors.Is(err, ErrMissingOrderId) {
				config.LogError(logger, "webhooks", funcName, "parse payload", shop, err)
			}
			c.JSON(http.StatusOK, gin.H{"outcome": "ignored"})
			return
		}
		orderId = event.OrderId

		outcome, err := handle(ctx, event)
		if err != nil {
			config.LogError(logger, "webhooks", funcName, "handle order", logrus.Fields{"shop": shop, "order_id": orderId, "outcome": outcome}, err)
		}
		c.JSON(http.StatusOK, gin.H{"outcome": outcome})
	}
}

// InventoryLevelsUpdate recomputes the shop's multipacks after an external stock edit.
// Writes made by reconciliation itself land here too and converge because unchanged
// bundle counts are not rewritten.
func (h *Handlers) InventoryLevelsUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		shop, _ := utils.GetShopFromContext(ctx)

		body, _ := io.ReadAll(c.Request.Body)
		var payload inventoryLevelPayload
		fields := logrus.Fields{"shop": shop}
		if err := json.Unmarshal(body, &payload); err == nil {
			fields["inventory_item_id"] = rawId(payload.InventoryItemId)
			fields["location_id"] = rawId(payload.LocationId)
		}
		config.LogInfo(config.GetLogger(), "webhooks", "InventoryLevelsUpdate", "inventory level changed", fields)

		multipack.BestEffort(ctx, h.effects, h.metrics, shop, models.ReconcileTriggerInventoryUpdate)
		c.JSON(http.StatusOK, gin.H{"outcome": "accepted"})
	}
}

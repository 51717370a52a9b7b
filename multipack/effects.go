package multipack

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/sirupsen/logrus"
)

// ReconcileRequest is the payload of a queued reconciliation.
type ReconcileRequest struct {
	Shop    string `json:"shop"`
	Trigger string `json:"trigger"`
}

// ReconcileDispatcher runs or schedules a reconciliation pass as a secondary effect.
type ReconcileDispatcher interface {
	Dispatch(ctx context.Context, shop string, trigger string) error
}

// InlineDispatcher runs the pass in the caller's goroutine.
type InlineDispatcher struct {
	Reconciler *Reconciler
}

func (d InlineDispatcher) Dispatch(ctx context.Context, shop string, trigger string) error {
	if d.Reconciler == nil {
		return errors.New("reconciler is nil")
	}
	summary := d.Reconciler.Reconcile(ctx, shop, trigger)
	if summary.Err() != nil {
		return summary.Err()
	}
	return nil
}

// PublishFunc matches config.PublishJSON.
type PublishFunc func(ctx context.Context, topicName string, obj interface{}) (string, error)

// PubSubDispatcher publishes a ReconcileRequest; the push endpoint runs the pass.
type PubSubDispatcher struct {
	Topic   string
	Publish PublishFunc
}

func (d PubSubDispatcher) Dispatch(ctx context.Context, shop string, trigger string) error {
	publish := d.Publish
	if publish == nil {
		publish = config.PublishJSON
	}
	msgId, err := publish(ctx, d.Topic, ReconcileRequest{Shop: shop, Trigger: trigger})
	if err != nil {
		return fmt.Errorf("publish reconcile request: %w", err)
	}
	config.LogInfo(config.GetLogger(), "multipack", "PubSubDispatcher.Dispatch", "reconcile request published",
		logrus.Fields{"shop": shop, "trigger": trigger, "message_id": msgId})
	return nil
}

// NewDispatcher picks the dispatcher configured by RECONCILE_DISPATCH.
func NewDispatcher(reconciler *Reconciler) ReconcileDispatcher {
	if config.ReconcileDispatchMode() == config.ReconcileDispatchPubSub {
		return PubSubDispatcher{Topic: config.ReconcileTopic()}
	}
	return InlineDispatcher{Reconciler: reconciler}
}

// BestEffort runs a secondary effect behind its own error boundary. Errors and panics are
// logged and counted, never returned, so the primary effect's result stands on its own.
func BestEffort(ctx context.Context, d ReconcileDispatcher, metrics *Metrics, shop string, trigger string) {
	if d == nil {
		return
	}
	logger := config.GetLogger()
	fields := logrus.Fields{"shop": shop, "trigger": trigger}
	defer func() {
		if r := recover(); r != nil {
			if metrics != nil {
				metrics.SideEffectFailures.WithLabelValues("reconcile").Inc()
			}
			config.LogError(logger, "multipack", "BestEffort", "reconcile side effect panicked", fields, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := d.Dispatch(ctx, shop, trigger); err != nil {
		if metrics != nil {
			metrics.SideEffectFailures.WithLabelValues("reconcile").Inc()
		}
		config.LogError(logger, "multipack", "BestEffort", "reconcile side effect failed", fields, err)
	}
}

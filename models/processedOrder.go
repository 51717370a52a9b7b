package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type ProcessedOrderStatus string

const (
	ProcessedOrderStatusStarted ProcessedOrderStatus = "STARTED"
	ProcessedOrderStatusApplied ProcessedOrderStatus = "APPLIED"
	ProcessedOrderStatusFailed  ProcessedOrderStatus = "FAILED"
	// CancelPending records a cancellation that arrived while the paid delivery was still
	// running; the paid delivery reverses its own write when it finishes.
	ProcessedOrderStatusCancelPending ProcessedOrderStatus = "CANCEL_PENDING"
)

// ProcessedOrder marks a paid order whose deduction has been claimed and not yet reversed.
// Unique constraint: (shop, order_id).
type ProcessedOrder struct {
	ID              uint                 `gorm:"primary_key" json:"id"`
	Shop            string               `gorm:"size:255;not null;uniqueIndex:uniq_shop_order,priority:1" json:"shop"`
	OrderId         string               `gorm:"size:64;not null;uniqueIndex:uniq_shop_order,priority:2" json:"order_id"`
	Status          ProcessedOrderStatus `gorm:"size:20;not null;index" json:"status"`
	LocationId      string               `gorm:"size:255" json:"location_id"`
	AdjustmentsJSON []byte               `gorm:"type:json" json:"adjustments"`
	LastError       *string              `gorm:"type:text" json:"last_error"`
	CreatedAt       time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// OrderLedger is the processed-order idempotency ledger.
type OrderLedger struct {
	db *gorm.DB
}

func NewOrderLedger(db *gorm.DB) *OrderLedger {
	return &OrderLedger{db: db}
}

// Claim inserts a STARTED marker. It returns false, nil when a marker already exists,
// which is how concurrent deliveries of the same order lose the race.
func (l *OrderLedger) Claim(ctx context.Context, shop string, orderId string) (bool, error) {
	marker := ProcessedOrder{
		Shop:    shop,
		OrderId: orderId,
		Status:  ProcessedOrderStatusStarted,
	}
	if err := l.db.WithContext(ctx).Create(&marker).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Find returns the marker for (shop, orderId), or nil when there is none.
func (l *OrderLedger) Find(ctx context.Context, shop string, orderId string) (*ProcessedOrder, error) {
	var marker ProcessedOrder
	err := l.db.WithContext(ctx).
		Where("shop = ? AND order_id = ?", shop, orderId).
		Take(&marker).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &marker, nil
}

// RecordPlan stores the fulfillment location and the adjustments about to be submitted, so a
// cancellation can reverse exactly what was written.
func (l *OrderLedger) RecordPlan(ctx context.Context, shop string, orderId string, locationId string, adjustments []byte) error {
	return l.db.WithContext(ctx).Model(&ProcessedOrder{}).
		Where("shop = ? AND order_id = ? AND status = ?", shop, orderId, ProcessedOrderStatusStarted).
		Updates(map[string]interface{}{
			"location_id":      locationId,
			"adjustments_json": adjustments,
		}).Error
}

// transition moves a STARTED marker to status. It returns false, nil when the marker is gone
// or no longer STARTED.
func (l *OrderLedger) transition(ctx context.Context, shop string, orderId string, updates map[string]interface{}) (bool, error) {
	res := l.db.WithContext(ctx).Model(&ProcessedOrder{}).
		Where("shop = ? AND order_id = ? AND status = ?", shop, orderId, ProcessedOrderStatusStarted).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (l *OrderLedger) MarkApplied(ctx context.Context, shop string, orderId string) (bool, error) {
	return l.transition(ctx, shop, orderId, map[string]interface{}{
		"status":     ProcessedOrderStatusApplied,
		"last_error": nil,
	})
}

func (l *OrderLedger) MarkCancelPending(ctx context.Context, shop string, orderId string) (bool, error) {
	return l.transition(ctx, shop, orderId, map[string]interface{}{
		"status": ProcessedOrderStatusCancelPending,
	})
}

func (l *OrderLedger) MarkFailed(ctx context.Context, shop string, orderId string, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.transition(ctx, shop, orderId, map[string]interface{}{
		"status":     ProcessedOrderStatusFailed,
		"last_error": &msg,
	})
}

// Release deletes the marker so the order can be processed again.
func (l *OrderLedger) Release(ctx context.Context, shop string, orderId string) error {
	return l.db.WithContext(ctx).
		Where("shop = ? AND order_id = ?", shop, orderId).
		Delete(&ProcessedOrder{}).Error
}

// ListStale returns STARTED and CANCEL_PENDING markers last touched before cutoff, across all
// shops unless shop is set.
func (l *OrderLedger) ListStale(ctx context.Context, shop string, cutoff time.Time) ([]ProcessedOrder, error) {
	q := l.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]ProcessedOrderStatus{ProcessedOrderStatusStarted, ProcessedOrderStatusCancelPending}, cutoff)
	if shop != "" {
		q = q.Where("shop = ?", shop)
	}
	var markers []ProcessedOrder
	err := q.Order("updated_at asc").Find(&markers).Error
	return markers, err
}

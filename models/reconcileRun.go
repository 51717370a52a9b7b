package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const (
	ReconcileTriggerRuleSave        = "rule_save"
	ReconcileTriggerRuleDelete      = "rule_delete"
	ReconcileTriggerOrderPaid       = "order_paid"
	ReconcileTriggerOrderCancelled  = "order_cancelled"
	ReconcileTriggerInventoryUpdate = "inventory_update"
	ReconcileTriggerSync            = "sync"
	ReconcileTriggerCli             = "cli"
)

const (
	ReconcileRunStatusSuccess = "success"
	ReconcileRunStatusPartial = "partial"
	ReconcileRunStatusFailed  = "failed"
	ReconcileRunStatusNoop    = "noop"
)

// ReconcileRun is the audit row of one reconciliation pass.
type ReconcileRun struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	Shop         string    `gorm:"size:255;not null;index" json:"shop"`
	TriggeredBy  string    `gorm:"size:32" json:"triggered_by"`
	Status       string    `gorm:"size:20;not null" json:"status"`
	RulesSeen    int       `json:"rules_seen"`
	RulesSkipped int       `json:"rules_skipped"`
	Locations    int       `json:"locations"`
	Writes       int       `json:"writes"`
	WriteErrors  int       `json:"write_errors"`
	ErrorCount   int       `json:"error_count"`
	LastError    *string   `gorm:"type:text" json:"last_error"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type ReconcileRunStore struct {
	db *gorm.DB
}

func NewReconcileRunStore(db *gorm.DB) *ReconcileRunStore {
	return &ReconcileRunStore{db: db}
}

func (s *ReconcileRunStore) RecordRun(ctx context.Context, run *ReconcileRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

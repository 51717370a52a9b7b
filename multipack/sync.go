package multipack

import (
	"context"

	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/sirupsen/logrus"
)

type ShopSyncResult struct {
	Shop    string  `json:"shop"`
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
	Summary Summary `json:"summary"`
}

type SyncReport struct {
	Shops     []ShopSyncResult `json:"shops"`
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// SyncAll reconciles every shop that has at least one rule, or only the given shops when
// any are passed. Shops are processed one after another.
func (r *Reconciler) SyncAll(ctx context.Context, trigger string, onlyShops ...string) (SyncReport, error) {
	shops := onlyShops
	if len(shops) == 0 {
		all, err := r.rules.ListShopsWithRules(ctx)
		if err != nil {
			config.LogError(config.GetLogger(), "multipack", "SyncAll", "list shops with rules", nil, err)
			return SyncReport{}, err
		}
		shops = all
	}

	report := SyncReport{Shops: make([]ShopSyncResult, 0, len(shops))}
	for _, shop := range shops {
		if ctx.Err() != nil {
			break
		}
		summary := r.Reconcile(ctx, shop, trigger)
		result := ShopSyncResult{Shop: shop, Summary: summary, Success: summary.Status != models.ReconcileRunStatusFailed}
		if !result.Success {
			result.Error = summary.LastError
			report.Failed++
		} else {
			report.Succeeded++
		}
		report.Shops = append(report.Shops, result)
	}
	report.Total = len(report.Shops)

	config.LogInfo(config.GetLogger(), "multipack", "SyncAll", "sync finished", logrus.Fields{
		"trigger":   trigger,
		"total":     report.Total,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
	})
	return report, nil
}

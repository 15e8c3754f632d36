package timerule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/metrics"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/notification"
)

// SweepResult counts the transitions of one sweep.
type SweepResult struct {
	Expired int `json:"expired"`
	Warned  int `json:"warned"`
}

// Sweeper expires overdue instances and raises warnings once.
type Sweeper struct {
	db         *gorm.DB
	notifier   notification.Sink
	recipients []string
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewSweeper creates a sweeper alerting cfg.AlertRecipients through notifier.
func NewSweeper(db *gorm.DB, notifier notification.Sink, cfg config.TimeRuleConfig, logger *slog.Logger) *Sweeper {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		db:         db,
		notifier:   notifier,
		recipients: cfg.AlertRecipients,
		interval:   interval,
		logger:     logger.With("component", "timerule-sweeper"),
		now:        time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.logger.Info("time rule sweeper started", "interval", sw.interval)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := sw.SweepOnce(ctx); err != nil {
				sw.logger.Error("time rule sweep failed", "error", err)
			}
		case <-ctx.Done():
			sw.logger.Info("time rule sweeper stopped")
			return
		}
	}
}

// SweepOnce expires every active instance past its deadline and warns every
// active instance past its warning time. Each instance is claimed with a
// status-guarded update, so concurrent sweepers alert at most once.
func (sw *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	db := sw.db.WithContext(ctx)
	now := sw.now()

	var expired []model.TimeRuleInstance
	if err := db.Preload("Definition").
		Where("status = ? AND expires_at <= ?", model.InstanceActive, now).
		Order("expires_at").Find(&expired).Error; err != nil {
		return res, fmt.Errorf("find expired instances: %w", err)
	}
	for i := range expired {
		inst := &expired[i]
		upd := db.Model(&model.TimeRuleInstance{}).
			Where("id = ? AND status = ?", inst.ID, model.InstanceActive).
			Updates(map[string]any{
				"status":          model.InstanceExpired,
				"expired_at":      now,
				"expiry_notified": true,
				"active_key":      nil,
			})
		if upd.Error != nil {
			return res, fmt.Errorf("expire instance %s: %w", inst.ID, upd.Error)
		}
		if upd.RowsAffected == 0 {
			continue
		}
		res.Expired++
		metrics.TimeRuleTransitions.WithLabelValues(model.InstanceExpired).Inc()
		sw.alert(ctx, inst, true)
	}

	var warnings []model.TimeRuleInstance
	if err := db.Preload("Definition").
		Where("status = ? AND warning_notified = ? AND warning_at IS NOT NULL AND warning_at <= ? AND expires_at > ?",
			model.InstanceActive, false, now, now).
		Order("expires_at").Find(&warnings).Error; err != nil {
		return res, fmt.Errorf("find warning instances: %w", err)
	}
	for i := range warnings {
		inst := &warnings[i]
		upd := db.Model(&model.TimeRuleInstance{}).
			Where("id = ? AND warning_notified = ?", inst.ID, false).
			Update("warning_notified", true)
		if upd.Error != nil {
			return res, fmt.Errorf("mark warning %s: %w", inst.ID, upd.Error)
		}
		if upd.RowsAffected == 0 {
			continue
		}
		res.Warned++
		metrics.TimeRuleTransitions.WithLabelValues("WARNED").Inc()
		sw.alert(ctx, inst, false)
	}

	if res.Expired > 0 || res.Warned > 0 {
		sw.logger.InfoContext(ctx, "time rule sweep", "expired", res.Expired, "warned", res.Warned)
	}
	return res, nil
}

func (sw *Sweeper) alert(ctx context.Context, inst *model.TimeRuleInstance, expired bool) {
	name, code := "time rule", ""
	if inst.Definition != nil {
		name, code = inst.Definition.Name, inst.Definition.Code
	}
	subject := inst.EntityID
	if inst.EntityDisplay != nil {
		subject = *inst.EntityDisplay
	}

	n := notification.Notification{
		Recipients: sw.recipients,
		Data: map[string]any{
			"instanceId":     inst.ID,
			"definitionCode": code,
			"entityType":     inst.EntityType,
			"entityId":       inst.EntityID,
			"runId":          model.Deref(inst.RunID),
			"expiresAt":      inst.ExpiresAt,
		},
	}
	if expired {
		n.Title = "Time rule expired"
		n.Message = fmt.Sprintf("%s for %s expired at %s", name, subject, inst.ExpiresAt.Format(time.RFC3339))
		n.Priority = notification.PriorityHigh
	} else {
		left := inst.ExpiresAt.Sub(sw.now()).Round(time.Minute)
		n.Title = "Time rule warning"
		n.Message = fmt.Sprintf("%s for %s expires in %s", name, subject, left)
		n.Priority = notification.PriorityNormal
	}

	if err := sw.notifier.Notify(ctx, n); err != nil {
		sw.logger.WarnContext(ctx, "time rule alert not delivered", "instanceId", inst.ID, "error", err)
	}
}

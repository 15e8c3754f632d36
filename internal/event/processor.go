package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"gorm.io/gorm"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/metrics"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/route"
	"mes-execution-backend/internal/timerule"
)

// Rules is the time rule store the processor drives.
type Rules interface {
	ActiveDefinitions(ctx context.Context, eventTypes ...string) ([]model.TimeRuleDefinition, error)
	CreateInstance(ctx context.Context, in timerule.InstanceInput) (*timerule.Instance, error)
	CompleteByEntity(ctx context.Context, definitionCode, entityType, entityID string) (*timerule.Instance, error)
}

// Summary reports one batch.
type Summary struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Processor claims due events and derives time rule instances from them.
type Processor struct {
	db       *gorm.DB
	routes   *route.Reader
	rules    Rules
	cfg      config.EventProcessorConfig
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewProcessor creates a processor.
func NewProcessor(db *gorm.DB, routes *route.Reader, rules Rules, cfg config.EventProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Processor{
		db:       db,
		routes:   routes,
		rules:    rules,
		cfg:      cfg,
		logger:   logger.With("component", "event-processor"),
		now:      time.Now,
		programs: make(map[string]*vm.Program),
	}
}

// Run processes a batch on every tick until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("event processor started", "interval", p.cfg.Interval, "batchSize", p.cfg.BatchSize)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	purge := time.NewTicker(time.Hour)
	defer purge.Stop()
	for {
		select {
		case <-purge.C:
			if _, err := p.PurgeExpired(ctx); err != nil {
				p.logger.Error("event purge failed", "error", err)
			}
		case <-ticker.C:
			sum, err := p.ProcessBatch(ctx, p.cfg.BatchSize)
			if err != nil {
				p.logger.Error("event batch failed", "error", err)
				continue
			}
			if sum.Processed > 0 {
				p.logger.Info("event batch processed", "processed", sum.Processed, "completed", sum.Completed, "failed", sum.Failed, "skipped", sum.Skipped)
			}
		case <-ctx.Done():
			p.logger.Info("event processor stopped")
			return
		}
	}
}

// Backoff is the delay before retry number attempts, base×2^(attempts-1).
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 20 {
		attempts = 20
	}
	return base * time.Duration(1<<(attempts-1))
}

// ProcessBatch handles up to limit due events. Events of types no active
// definition starts or ends on are left pending.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (Summary, error) {
	var sum Summary
	if limit <= 0 {
		limit = p.cfg.BatchSize
	}
	defs, err := p.rules.ActiveDefinitions(ctx)
	if err != nil {
		return sum, fmt.Errorf("load time rule definitions: %w", err)
	}
	types := eventTypes(defs)
	if len(types) == 0 {
		return sum, nil
	}

	db := p.db.WithContext(ctx)
	now := p.now()
	var events []model.MesEvent
	err = db.Where("event_type IN ?", types).
		Where("(status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR (status = ? AND next_attempt_at <= ?)",
			model.EventPending, now, model.EventFailed, now).
		Order("next_attempt_at, created_at").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return sum, fmt.Errorf("load due events: %w", err)
	}

	for i := range events {
		ev := &events[i]
		sum.Processed++
		outcome, err := p.process(ctx, ev, defs)
		if err != nil {
			return sum, err
		}
		metrics.EventsProcessed.WithLabelValues(outcome).Inc()
		switch outcome {
		case "completed":
			sum.Completed++
		case "failed":
			sum.Failed++
		default:
			sum.Skipped++
		}
	}
	return sum, nil
}

func eventTypes(defs []model.TimeRuleDefinition) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range defs {
		for _, t := range []string{d.StartEvent, d.EndEvent} {
			if t != "" && !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// process returns an error only when the event row itself cannot be updated.
func (p *Processor) process(ctx context.Context, ev *model.MesEvent, defs []model.TimeRuleDefinition) (string, error) {
	db := p.db.WithContext(ctx)
	if ev.Attempts >= ev.MaxAttempts {
		err := db.Model(&model.MesEvent{}).Where("id = ?", ev.ID).Updates(map[string]any{
			"status":          model.EventFailed,
			"error_code":      "MAX_ATTEMPTS",
			"error_message":   "Max attempts reached",
			"next_attempt_at": nil,
		}).Error
		return "skipped", err
	}

	claim := db.Model(&model.MesEvent{}).
		Where("id = ? AND status = ?", ev.ID, ev.Status).
		Update("status", model.EventProcessing)
	if claim.Error != nil {
		return "", fmt.Errorf("claim event %s: %w", ev.ID, claim.Error)
	}
	if claim.RowsAffected == 0 {
		return "skipped", nil
	}

	handleErr := p.handle(ctx, ev, defs)
	now := p.now()
	attempts := ev.Attempts + 1
	if handleErr == nil {
		err := db.Model(&model.MesEvent{}).Where("id = ?", ev.ID).Updates(map[string]any{
			"status":          model.EventCompleted,
			"attempts":        attempts,
			"processed_at":    now,
			"error_code":      nil,
			"error_message":   nil,
			"next_attempt_at": nil,
		}).Error
		return "completed", err
	}

	code := "EVENT_PROCESSING_FAILED"
	if be, ok := apperr.As(handleErr); ok {
		code = be.Code
	}
	var next any
	if attempts < ev.MaxAttempts {
		next = now.Add(Backoff(p.cfg.BackoffBase, attempts))
	}
	p.logger.WarnContext(ctx, "event processing failed", "eventId", ev.ID, "type", ev.EventType, "attempts", attempts, "error", handleErr)
	err := db.Model(&model.MesEvent{}).Where("id = ?", ev.ID).Updates(map[string]any{
		"status":          model.EventFailed,
		"attempts":        attempts,
		"error_code":      code,
		"error_message":   handleErr.Error(),
		"next_attempt_at": next,
	}).Error
	return "failed", err
}

// runContext is what a run contributes to scope matching.
type runContext struct {
	LineID         string
	LineCode       string
	ProductCode    string
	RouteVersionID string
	RoutingID      string
	RoutingCode    string
}

func (rc *runContext) env() map[string]any {
	if rc == nil {
		return map[string]any{}
	}
	return map[string]any{
		"lineId":         rc.LineID,
		"lineCode":       rc.LineCode,
		"productCode":    rc.ProductCode,
		"routeVersionId": rc.RouteVersionID,
		"routingId":      rc.RoutingID,
		"routingCode":    rc.RoutingCode,
	}
}

func (p *Processor) loadRunContext(ctx context.Context, runID string) (*runContext, error) {
	db := p.db.WithContext(ctx)
	var run model.Run
	if err := db.Preload("WorkOrder").First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	rc := &runContext{LineID: model.Deref(run.LineID)}
	if run.WorkOrder != nil {
		rc.ProductCode = run.WorkOrder.ProductCode
	}
	if rc.LineID != "" {
		var line model.Line
		if err := db.Select("code").First(&line, "id = ?", rc.LineID).Error; err == nil {
			rc.LineCode = line.Code
		}
	}
	if run.RouteVersionID != nil {
		var version model.RouteVersion
		if err := db.Preload("Routing").First(&version, "id = ?", *run.RouteVersionID).Error; err == nil {
			rc.RouteVersionID = version.ID
			rc.RoutingID = version.RoutingID
			if version.Routing != nil {
				rc.RoutingCode = version.Routing.Code
			}
		}
	}
	return rc, nil
}

func (p *Processor) handle(ctx context.Context, ev *model.MesEvent, defs []model.TimeRuleDefinition) error {
	payload := map[string]any{}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return apperr.Invalid("EVENT_PAYLOAD_INVALID", "payload of event %s is not an object: %v", ev.ID, err)
		}
		if payload == nil {
			payload = map[string]any{}
		}
	}
	var rc *runContext
	if ev.RunID != nil {
		var err error
		if rc, err = p.loadRunContext(ctx, *ev.RunID); err != nil {
			return err
		}
	}
	entityType, entityID := model.Deref(ev.EntityType), model.Deref(ev.EntityID)

	for i := range defs {
		def := &defs[i]
		if def.StartEvent != ev.EventType {
			continue
		}
		if entityType == "" || entityID == "" {
			return apperr.Invalid("EVENT_ENTITY_MISSING", "event %s has no entity", ev.ID)
		}
		ok, err := p.applies(ctx, def, ev, payload, rc)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		startedAt := ev.OccurredAt
		_, err = p.rules.CreateInstance(ctx, timerule.InstanceInput{
			DefinitionCode: def.Code,
			RunID:          model.Deref(ev.RunID),
			EntityType:     entityType,
			EntityID:       entityID,
			EntityDisplay:  entityDisplay(def, ev, payload),
			StartedAt:      &startedAt,
		})
		if err != nil && !apperr.Is(err, "INSTANCE_ALREADY_ACTIVE") {
			return err
		}
	}

	for i := range defs {
		def := &defs[i]
		if def.EndEvent != ev.EventType {
			continue
		}
		if entityType == "" || entityID == "" {
			return apperr.Invalid("EVENT_ENTITY_MISSING", "event %s has no entity", ev.ID)
		}
		ok, err := p.applies(ctx, def, ev, payload, rc)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := p.rules.CompleteByEntity(ctx, def.Code, entityType, entityID); err != nil {
			return err
		}
	}
	return nil
}

func str(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// matchesScope compares the scope value against the payload first and the
// run context second, by id or by code ignoring case.
func matchesScope(def *model.TimeRuleDefinition, payload map[string]any, rc *runContext) bool {
	if def.Scope == model.ScopeGlobal || def.Scope == "" {
		return true
	}
	want := strings.TrimSpace(model.Deref(def.ScopeValue))
	if want == "" {
		return false
	}
	if rc == nil {
		rc = &runContext{}
	}
	var candidates []string
	switch def.Scope {
	case model.ScopeLine:
		candidates = []string{str(payload, "lineId"), str(payload, "lineCode"), rc.LineID, rc.LineCode}
	case model.ScopeRouting:
		candidates = []string{str(payload, "routingId"), str(payload, "routingCode"), rc.RoutingID, rc.RoutingCode}
	case model.ScopeProduct:
		candidates = []string{str(payload, "productCode"), rc.ProductCode}
	}
	for _, c := range candidates {
		if c != "" && strings.EqualFold(c, want) {
			return true
		}
	}
	return false
}

func (p *Processor) applies(ctx context.Context, def *model.TimeRuleDefinition, ev *model.MesEvent, payload map[string]any, rc *runContext) (bool, error) {
	if !matchesScope(def, payload, rc) {
		return false, nil
	}
	op := strings.ToUpper(str(payload, "operationCode"))

	switch def.RuleType {
	case model.RuleWashTimeLimit:
		switch ev.EventType {
		case model.EventTrackOut:
			if !strings.EqualFold(str(payload, "result"), model.ResultPass) {
				return false, nil
			}
			if !strings.Contains(op, "REFLOW") && !strings.Contains(op, "AOI") {
				return false, nil
			}
			if def.RequiresWashStep {
				versionID := str(payload, "routeVersionId")
				if versionID == "" && rc != nil {
					versionID = rc.RouteVersionID
				}
				if versionID == "" {
					return false, nil
				}
				snap, err := p.routes.Load(ctx, versionID)
				if apperr.Is(err, "ROUTE_VERSION_NOT_FOUND") {
					return false, nil
				}
				if err != nil {
					return false, err
				}
				if !snap.HasOperation("WASH") {
					return false, nil
				}
			}
		case model.EventTrackIn:
			if !strings.Contains(op, "WASH") {
				return false, nil
			}
		}
	case model.RuleSolderPasteExposure:
		if ev.EventType == model.EventSolderPasteUsageCreate && str(payload, "issuedAt") == "" && ev.OccurredAt.IsZero() {
			return false, nil
		}
	}

	if def.Condition == nil || strings.TrimSpace(*def.Condition) == "" {
		return true, nil
	}
	return p.evalCondition(*def.Condition, ev, payload, rc)
}

func (p *Processor) program(condition string) (*vm.Program, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prog, ok := p.programs[condition]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(condition, expr.AsBool())
	if err != nil {
		return nil, err
	}
	p.programs[condition] = prog
	return prog, nil
}

// evalCondition runs a definition's condition against the event.
// The environment exposes eventType, entityType, entityId, payload and run.
func (p *Processor) evalCondition(condition string, ev *model.MesEvent, payload map[string]any, rc *runContext) (bool, error) {
	prog, err := p.program(condition)
	if err != nil {
		return false, apperr.Invalid("CONDITION_INVALID", "condition %q: %v", condition, err)
	}
	out, err := expr.Run(prog, map[string]any{
		"eventType":  ev.EventType,
		"entityType": model.Deref(ev.EntityType),
		"entityId":   model.Deref(ev.EntityID),
		"payload":    payload,
		"run":        rc.env(),
	})
	if err != nil {
		return false, apperr.Invalid("CONDITION_FAILED", "condition %q: %v", condition, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func entityDisplay(def *model.TimeRuleDefinition, ev *model.MesEvent, payload map[string]any) string {
	sn, lot := str(payload, "unitSn"), str(payload, "lotId")
	if def.RuleType == model.RuleWashTimeLimit && ev.EventType == model.EventTrackOut {
		if sn != "" {
			return "unit " + sn + " - wash after reflow"
		}
		return model.Deref(ev.EntityID)
	}
	switch {
	case sn != "":
		return "unit " + sn
	case lot != "":
		return "solder paste lot " + lot
	}
	return model.Deref(ev.EntityID)
}

// PurgeExpired deletes completed events past their retention.
func (p *Processor) PurgeExpired(ctx context.Context) (int64, error) {
	res := p.db.WithContext(ctx).
		Where("status = ? AND retention_until < ?", model.EventCompleted, p.now()).
		Delete(&model.MesEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge events: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		p.logger.InfoContext(ctx, "purged completed events", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

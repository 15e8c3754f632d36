// Package timerule manages time-limit definitions and the instances opened
// against production entities, and sweeps them for warnings and expiry.
package timerule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/antonmedv/expr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/metrics"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/store"
)

// DefinitionInput creates a definition. Nil flags take their defaults:
// waivable and active.
type DefinitionInput struct {
	Code             string  `json:"code"`
	Name             string  `json:"name"`
	Description      *string `json:"description"`
	RuleType         string  `json:"ruleType"`
	DurationMinutes  int     `json:"durationMinutes"`
	WarningMinutes   *int    `json:"warningMinutes"`
	StartEvent       string  `json:"startEvent"`
	EndEvent         string  `json:"endEvent"`
	Scope            string  `json:"scope"`
	ScopeValue       *string `json:"scopeValue"`
	Condition        *string `json:"condition"`
	RequiresWashStep bool    `json:"requiresWashStep"`
	IsWaivable       *bool   `json:"isWaivable"`
	IsActive         *bool   `json:"isActive"`
	Priority         int     `json:"priority"`
}

// DefinitionPatch updates the non-nil fields of a definition.
type DefinitionPatch struct {
	Name             *string `json:"name"`
	Description      *string `json:"description"`
	RuleType         *string `json:"ruleType"`
	DurationMinutes  *int    `json:"durationMinutes"`
	WarningMinutes   *int    `json:"warningMinutes"`
	StartEvent       *string `json:"startEvent"`
	EndEvent         *string `json:"endEvent"`
	Scope            *string `json:"scope"`
	ScopeValue       *string `json:"scopeValue"`
	Condition        *string `json:"condition"`
	RequiresWashStep *bool   `json:"requiresWashStep"`
	IsWaivable       *bool   `json:"isWaivable"`
	IsActive         *bool   `json:"isActive"`
	Priority         *int    `json:"priority"`
}

// DefinitionFilter narrows ListDefinitions.
type DefinitionFilter struct {
	Code     string
	Name     string
	RuleType string
	IsActive *bool
	Page     int
	PageSize int
}

// InstanceInput opens an instance for an entity.
type InstanceInput struct {
	DefinitionCode string     `json:"definitionCode"`
	RunID          string     `json:"runId"`
	EntityType     string     `json:"entityType"`
	EntityID       string     `json:"entityId"`
	EntityDisplay  string     `json:"entityDisplay"`
	StartedAt      *time.Time `json:"startedAt"`
}

// WaiveInput waives an active or expired instance.
type WaiveInput struct {
	WaivedBy string `json:"waivedBy"`
	Reason   string `json:"reason"`
}

// Instance is an instance with its definition summary and time left.
type Instance struct {
	model.TimeRuleInstance
	DefinitionCode   string  `json:"definitionCode"`
	DefinitionName   string  `json:"definitionName"`
	RuleType         string  `json:"ruleType"`
	RunNo            *string `json:"runNo"`
	RemainingMinutes *int    `json:"remainingMinutes"`
}

// Service manages definitions and instances.
type Service struct {
	db     *gorm.DB
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a time rule service.
func NewService(db *gorm.DB, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		audit:  sink,
		logger: logger.With("component", "timerule"),
		now:    time.Now,
	}
}

// ActiveKey identifies the single active instance of a definition per entity.
func ActiveKey(definitionID, entityType, entityID string) string {
	return fmt.Sprintf("%s:%s:%s", definitionID, entityType, entityID)
}

func validRuleType(t string) bool {
	return t == model.RuleSolderPasteExposure || t == model.RuleWashTimeLimit
}

func validScope(s string) bool {
	switch s {
	case model.ScopeGlobal, model.ScopeLine, model.ScopeRouting, model.ScopeProduct:
		return true
	}
	return false
}

func validateDefinition(d *model.TimeRuleDefinition) error {
	switch {
	case d.Code == "" || d.Name == "":
		return apperr.Invalid("DEFINITION_INVALID", "code and name are required")
	case !validRuleType(d.RuleType):
		return apperr.Invalid("RULE_TYPE_INVALID", "unknown rule type %q", d.RuleType)
	case !validScope(d.Scope):
		return apperr.Invalid("SCOPE_INVALID", "unknown scope %q", d.Scope)
	case d.DurationMinutes <= 0:
		return apperr.Invalid("DURATION_INVALID", "duration must be positive")
	case d.WarningMinutes != nil && (*d.WarningMinutes < 0 || *d.WarningMinutes >= d.DurationMinutes):
		return apperr.Invalid("WARNING_INVALID", "warning must be shorter than the duration")
	case d.StartEvent == "" || d.EndEvent == "":
		return apperr.Invalid("DEFINITION_INVALID", "start and end events are required")
	}
	if d.Condition != nil && strings.TrimSpace(*d.Condition) != "" {
		if _, err := expr.Compile(*d.Condition, expr.AsBool()); err != nil {
			return apperr.Invalid("CONDITION_INVALID", "condition does not compile: %v", err)
		}
	}
	return nil
}

// CreateDefinition stores a new definition.
func (s *Service) CreateDefinition(ctx context.Context, in DefinitionInput, actor string) (*model.TimeRuleDefinition, error) {
	def := model.TimeRuleDefinition{
		Code:             in.Code,
		Name:             in.Name,
		Description:      in.Description,
		RuleType:         in.RuleType,
		DurationMinutes:  in.DurationMinutes,
		WarningMinutes:   in.WarningMinutes,
		StartEvent:       in.StartEvent,
		EndEvent:         in.EndEvent,
		Scope:            in.Scope,
		ScopeValue:       in.ScopeValue,
		Condition:        in.Condition,
		RequiresWashStep: in.RequiresWashStep,
		IsWaivable:       in.IsWaivable == nil || *in.IsWaivable,
		IsActive:         in.IsActive == nil || *in.IsActive,
		Priority:         in.Priority,
	}
	if def.Scope == "" {
		def.Scope = model.ScopeGlobal
	}

	err := validateDefinition(&def)
	if err == nil {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var n int64
			if err := tx.Model(&model.TimeRuleDefinition{}).Where("code = ?", def.Code).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return apperr.Conflict("DEFINITION_EXISTS", "time rule %s already exists", def.Code)
			}
			return tx.Create(&def).Error
		})
	}
	s.audit.Record(ctx, audit.Entry{EntityType: "TimeRuleDefinition", EntityID: def.ID, Action: "TIME_RULE_CREATE", ActorID: actor, After: &def}.Result(err))
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func findDefinition(db *gorm.DB, id string) (*model.TimeRuleDefinition, error) {
	var def model.TimeRuleDefinition
	if err := db.First(&def, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("DEFINITION_NOT_FOUND", "time rule %s not found", id)
		}
		return nil, err
	}
	return &def, nil
}

// UpdateDefinition applies a patch. The code is immutable.
func (s *Service) UpdateDefinition(ctx context.Context, id string, p DefinitionPatch, actor string) (*model.TimeRuleDefinition, error) {
	var before, def model.TimeRuleDefinition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := findDefinition(tx, id)
		if err != nil {
			return err
		}
		before, def = *found, *found

		setStr := func(dst *string, v *string) {
			if v != nil {
				*dst = *v
			}
		}
		setStr(&def.Name, p.Name)
		setStr(&def.RuleType, p.RuleType)
		setStr(&def.StartEvent, p.StartEvent)
		setStr(&def.EndEvent, p.EndEvent)
		setStr(&def.Scope, p.Scope)
		if p.Description != nil {
			def.Description = p.Description
		}
		if p.ScopeValue != nil {
			def.ScopeValue = p.ScopeValue
		}
		if p.Condition != nil {
			def.Condition = p.Condition
		}
		if p.WarningMinutes != nil {
			def.WarningMinutes = p.WarningMinutes
		}
		if p.DurationMinutes != nil {
			def.DurationMinutes = *p.DurationMinutes
		}
		if p.RequiresWashStep != nil {
			def.RequiresWashStep = *p.RequiresWashStep
		}
		if p.IsWaivable != nil {
			def.IsWaivable = *p.IsWaivable
		}
		if p.IsActive != nil {
			def.IsActive = *p.IsActive
		}
		if p.Priority != nil {
			def.Priority = *p.Priority
		}
		if err := validateDefinition(&def); err != nil {
			return err
		}
		return tx.Save(&def).Error
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "TimeRuleDefinition", EntityID: id, Action: "TIME_RULE_UPDATE", ActorID: actor, Before: &before, After: &def}.Result(err))
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// DeleteDefinition removes a definition that has no active instance.
func (s *Service) DeleteDefinition(ctx context.Context, id, actor string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		def, err := findDefinition(tx, id)
		if err != nil {
			return err
		}
		var active int64
		if err := tx.Model(&model.TimeRuleInstance{}).
			Where("definition_id = ? AND status = ?", id, model.InstanceActive).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return apperr.Invalid("HAS_ACTIVE_INSTANCES", "time rule %s has %d active instances", def.Code, active)
		}
		return tx.Delete(def).Error
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "TimeRuleDefinition", EntityID: id, Action: "TIME_RULE_DELETE", ActorID: actor}.Result(err))
	return err
}

// ListDefinitions pages definitions, highest priority first.
func (s *Service) ListDefinitions(ctx context.Context, f DefinitionFilter) ([]model.TimeRuleDefinition, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.TimeRuleDefinition{})
	if f.Code != "" {
		q = q.Where("code LIKE ?", "%"+f.Code+"%")
	}
	if f.Name != "" {
		q = q.Where("name LIKE ?", "%"+f.Name+"%")
	}
	if f.RuleType != "" {
		q = q.Where("rule_type = ?", f.RuleType)
	}
	if f.IsActive != nil {
		q = q.Where("is_active = ?", *f.IsActive)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := store.PageBounds(f.Page, f.PageSize)
	var defs []model.TimeRuleDefinition
	err := q.Order("priority DESC, code").Offset((page - 1) * size).Limit(size).Find(&defs).Error
	return defs, total, err
}

// GetByCode returns a definition by code.
func (s *Service) GetByCode(ctx context.Context, code string) (*model.TimeRuleDefinition, error) {
	var def model.TimeRuleDefinition
	if err := s.db.WithContext(ctx).First(&def, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("DEFINITION_NOT_FOUND", "time rule %s not found", code)
		}
		return nil, err
	}
	return &def, nil
}

// ActiveDefinitions lists the active definitions that start or end on any
// of the given event types, highest priority first.
func (s *Service) ActiveDefinitions(ctx context.Context, eventTypes ...string) ([]model.TimeRuleDefinition, error) {
	q := s.db.WithContext(ctx).Where("is_active = ?", true)
	if len(eventTypes) > 0 {
		q = q.Where("start_event IN ? OR end_event IN ?", eventTypes, eventTypes)
	}
	var defs []model.TimeRuleDefinition
	err := q.Order("priority DESC, code").Find(&defs).Error
	return defs, err
}

func (s *Service) view(db *gorm.DB, inst *model.TimeRuleInstance) (*Instance, error) {
	out := &Instance{TimeRuleInstance: *inst}
	if inst.Definition == nil {
		def, err := findDefinition(db, inst.DefinitionID)
		if err != nil {
			return nil, err
		}
		out.Definition = def
	}
	out.DefinitionCode = out.Definition.Code
	out.DefinitionName = out.Definition.Name
	out.RuleType = out.Definition.RuleType

	if inst.RunID != nil {
		var runNo []string
		if err := db.Model(&model.Run{}).Where("id = ?", *inst.RunID).Pluck("run_no", &runNo).Error; err != nil {
			return nil, err
		}
		if len(runNo) > 0 {
			out.RunNo = &runNo[0]
		}
	}
	if inst.Status == model.InstanceActive {
		if left := inst.ExpiresAt.Sub(s.now()); left > 0 {
			m := int(math.Ceil(left.Minutes()))
			out.RemainingMinutes = &m
		}
	}
	return out, nil
}

func (s *Service) views(db *gorm.DB, insts []model.TimeRuleInstance) ([]Instance, error) {
	out := make([]Instance, 0, len(insts))
	for i := range insts {
		v, err := s.view(db, &insts[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// CreateInstance opens an instance. A second active instance of the same
// definition for the same entity is rejected with INSTANCE_ALREADY_ACTIVE.
func (s *Service) CreateInstance(ctx context.Context, in InstanceInput) (*Instance, error) {
	db := s.db.WithContext(ctx)
	var def model.TimeRuleDefinition
	if err := db.First(&def, "code = ?", in.DefinitionCode).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("DEFINITION_NOT_FOUND", "time rule %s not found", in.DefinitionCode)
		}
		return nil, err
	}
	if !def.IsActive {
		return nil, apperr.Invalid("DEFINITION_INACTIVE", "time rule %s is not active", def.Code)
	}
	if in.EntityType == "" || in.EntityID == "" {
		return nil, apperr.Invalid("ENTITY_REQUIRED", "entity type and id are required")
	}

	startedAt := s.now()
	if in.StartedAt != nil {
		startedAt = *in.StartedAt
	}
	expiresAt := startedAt.Add(time.Duration(def.DurationMinutes) * time.Minute)
	var warningAt *time.Time
	if def.WarningMinutes != nil && *def.WarningMinutes > 0 {
		w := expiresAt.Add(-time.Duration(*def.WarningMinutes) * time.Minute)
		warningAt = &w
	}
	key := ActiveKey(def.ID, in.EntityType, in.EntityID)
	inst := model.TimeRuleInstance{
		DefinitionID:  def.ID,
		RunID:         model.StrPtr(in.RunID),
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		EntityDisplay: model.StrPtr(in.EntityDisplay),
		ActiveKey:     &key,
		StartedAt:     startedAt,
		ExpiresAt:     expiresAt,
		WarningAt:     warningAt,
		Status:        model.InstanceActive,
	}

	res := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "active_key"}}, DoNothing: true}).Create(&inst)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict("INSTANCE_ALREADY_ACTIVE", "%s already has an active %s instance", in.EntityID, def.Code)
	}
	inst.Definition = &def

	metrics.TimeRuleTransitions.WithLabelValues(model.InstanceActive).Inc()
	s.logger.InfoContext(ctx, "time rule instance opened", "definition", def.Code, "entityType", in.EntityType, "entityId", in.EntityID, "expiresAt", expiresAt)
	return s.view(db, &inst)
}

func (s *Service) complete(db *gorm.DB, inst *model.TimeRuleInstance) error {
	now := s.now()
	res := db.Model(&model.TimeRuleInstance{}).
		Where("id = ? AND status = ?", inst.ID, model.InstanceActive).
		Updates(map[string]any{"status": model.InstanceCompleted, "completed_at": now, "active_key": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Invalid("INSTANCE_NOT_ACTIVE", "instance %s is no longer active", inst.ID)
	}
	inst.Status = model.InstanceCompleted
	inst.CompletedAt = &now
	inst.ActiveKey = nil
	metrics.TimeRuleTransitions.WithLabelValues(model.InstanceCompleted).Inc()
	return nil
}

// CompleteInstance closes an active instance.
func (s *Service) CompleteInstance(ctx context.Context, id string) (*Instance, error) {
	db := s.db.WithContext(ctx)
	var inst model.TimeRuleInstance
	if err := db.Preload("Definition").First(&inst, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("INSTANCE_NOT_FOUND", "instance %s not found", id)
		}
		return nil, err
	}
	if inst.Status != model.InstanceActive {
		return nil, apperr.Invalid("INSTANCE_NOT_ACTIVE", "instance %s is %s", id, inst.Status)
	}
	if err := s.complete(db, &inst); err != nil {
		return nil, err
	}
	return s.view(db, &inst)
}

// CompleteByEntity closes the active instance of a definition for an
// entity. It returns nil without error when none is active.
func (s *Service) CompleteByEntity(ctx context.Context, definitionCode, entityType, entityID string) (*Instance, error) {
	db := s.db.WithContext(ctx)
	var inst model.TimeRuleInstance
	err := db.Preload("Definition").
		Joins("JOIN time_rule_definitions ON time_rule_definitions.id = time_rule_instances.definition_id").
		Where("time_rule_definitions.code = ? AND time_rule_instances.entity_type = ? AND time_rule_instances.entity_id = ? AND time_rule_instances.status = ?",
			definitionCode, entityType, entityID, model.InstanceActive).
		First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.complete(db, &inst); err != nil {
		if apperr.Is(err, "INSTANCE_NOT_ACTIVE") {
			return nil, nil
		}
		return nil, err
	}
	s.logger.InfoContext(ctx, "time rule instance completed", "definition", definitionCode, "entityType", entityType, "entityId", entityID)
	return s.view(db, &inst)
}

// WaiveInstance waives an active or expired instance of a waivable rule.
func (s *Service) WaiveInstance(ctx context.Context, id string, in WaiveInput) (*Instance, error) {
	if in.WaivedBy == "" || in.Reason == "" {
		return nil, apperr.Invalid("REASON_REQUIRED", "waiver and reason are required")
	}
	var inst model.TimeRuleInstance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Definition").First(&inst, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("INSTANCE_NOT_FOUND", "instance %s not found", id)
			}
			return err
		}
		if inst.Definition == nil || !inst.Definition.IsWaivable {
			return apperr.Invalid("INSTANCE_NOT_WAIVABLE", "instance %s cannot be waived", id)
		}
		if inst.Status != model.InstanceActive && inst.Status != model.InstanceExpired {
			return apperr.Invalid("INSTANCE_INVALID_STATUS", "cannot waive an instance that is %s", inst.Status)
		}

		now := s.now()
		res := tx.Model(&model.TimeRuleInstance{}).
			Where("id = ? AND status = ?", id, inst.Status).
			Updates(map[string]any{
				"status":       model.InstanceWaived,
				"waived_at":    now,
				"waived_by":    in.WaivedBy,
				"waive_reason": in.Reason,
				"active_key":   nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("INSTANCE_INVALID_STATUS", "instance %s changed concurrently", id)
		}
		inst.Status = model.InstanceWaived
		inst.WaivedAt = &now
		inst.WaivedBy = &in.WaivedBy
		inst.WaiveReason = &in.Reason
		inst.ActiveKey = nil
		return nil
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "TimeRuleInstance", EntityID: id, Action: "TIME_RULE_WAIVE", ActorID: in.WaivedBy, After: &inst}.Result(err))
	if err != nil {
		return nil, err
	}
	metrics.TimeRuleTransitions.WithLabelValues(model.InstanceWaived).Inc()
	return s.view(s.db.WithContext(ctx), &inst)
}

// ListActive lists active instances, soonest expiry first.
func (s *Service) ListActive(ctx context.Context, runID, ruleType string) ([]Instance, error) {
	db := s.db.WithContext(ctx)
	q := db.Preload("Definition").Where("time_rule_instances.status = ?", model.InstanceActive)
	if runID != "" {
		q = q.Where("time_rule_instances.run_id = ?", runID)
	}
	if ruleType != "" {
		q = q.Joins("JOIN time_rule_definitions ON time_rule_definitions.id = time_rule_instances.definition_id").
			Where("time_rule_definitions.rule_type = ?", ruleType)
	}
	var insts []model.TimeRuleInstance
	if err := q.Order("time_rule_instances.expires_at").Find(&insts).Error; err != nil {
		return nil, err
	}
	return s.views(db, insts)
}

// ListByRun lists every instance of a run, newest first.
func (s *Service) ListByRun(ctx context.Context, runNo string) ([]Instance, error) {
	db := s.db.WithContext(ctx)
	run, err := store.FindRunByNo(db, runNo)
	if err != nil {
		return nil, err
	}
	var insts []model.TimeRuleInstance
	if err := db.Preload("Definition").Where("run_id = ?", run.ID).Order("created_at DESC").Find(&insts).Error; err != nil {
		return nil, err
	}
	return s.views(db, insts)
}

// Package defect records nonconformances and applies the rework, scrap and
// hold decisions made on them.
package defect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/store"
)

// DefaultAutoCode is the defect code used when a station reports FAIL.
const DefaultAutoCode = "STATION_FAIL"

// Defects is the defect lifecycle.
var Defects = store.NewMachine("defect", "DEFECT_STATUS_CONFLICT", func() any { return &model.Defect{} }, map[string][]string{
	model.DefectRecorded:      {model.DefectDispositioned, model.DefectClosed},
	model.DefectDispositioned: {model.DefectClosed},
})

// ReworkTasks is the rework task lifecycle.
var ReworkTasks = store.NewMachine("rework task", "REWORK_TASK_NOT_OPEN", func() any { return &model.ReworkTask{} }, map[string][]string{
	model.ReworkOpen: {model.ReworkDone, model.ReworkCancelled},
})

// Service is the defect and disposition engine.
type Service struct {
	db     *gorm.DB
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a defect service.
func NewService(db *gorm.DB, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{db: db, audit: sink, logger: logger.With("component", "defect"), now: time.Now}
}

// CreateDefect records a defect on an existing unit.
func (s *Service) CreateDefect(ctx context.Context, in CreateInput) (*model.Defect, error) {
	var d *model.Defect
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unit, err := store.FindUnitBySN(tx, in.UnitSN)
		if err != nil {
			return err
		}
		d, err = s.create(tx, unit.ID, in)
		return err
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "Defect", EntityID: entityID(d), Action: "DEFECT_CREATE", ActorID: in.CreatedBy, After: d}.Result(err))
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) create(tx *gorm.DB, unitID string, in CreateInput) (*model.Defect, error) {
	if in.Code == "" {
		return nil, apperr.Invalid("DEFECT_CODE_REQUIRED", "defect code is required")
	}
	qty := in.Qty
	if qty <= 0 {
		qty = 1
	}
	meta, _ := json.Marshal(map[string]any{"remark": in.Remark, "createdBy": in.CreatedBy})
	d := &model.Defect{
		UnitID:   unitID,
		TrackID:  model.StrPtr(in.TrackID),
		Code:     in.Code,
		Location: in.Location,
		Qty:      qty,
		Status:   model.DefectRecorded,
		Meta:     meta,
	}
	if err := tx.Create(d).Error; err != nil {
		return nil, fmt.Errorf("create defect on unit %s: %w", unitID, err)
	}
	return d, nil
}

// CreateDefectFromTrackOut records the defect implied by a FAIL track-out.
// Repeated calls for the same track return the first defect.
func (s *Service) CreateDefectFromTrackOut(ctx context.Context, unitID, trackID, code, operatorID string) (*model.Defect, error) {
	if code == "" {
		code = DefaultAutoCode
	}
	var d *model.Defect
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Defect
		err := tx.Where("track_id = ?", trackID).First(&existing).Error
		if err == nil {
			d = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		d, err = s.create(tx, unitID, CreateInput{
			TrackID:   trackID,
			Code:      code,
			Remark:    "auto-created on station FAIL",
			CreatedBy: operatorID,
		})
		return err
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "Defect", EntityID: entityID(d), Action: "DEFECT_AUTO_CREATE", ActorID: operatorID, After: d}.Result(err))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// AssignDisposition decides a RECORDED defect. A defect is decided once.
func (s *Service) AssignDisposition(ctx context.Context, defectID string, in DispositionInput) (*model.Disposition, error) {
	var (
		disp   *model.Disposition
		before model.Unit
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := findDefect(tx, defectID)
		if err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&model.Disposition{}).Where("defect_id = ?", d.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 || d.Status != model.DefectRecorded {
			return apperr.Conflict("DEFECT_ALREADY_DISPOSITIONED", "defect %s already has a disposition", d.ID)
		}

		var unit model.Unit
		if err := tx.First(&unit, "id = ?", d.UnitID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("UNIT_NOT_FOUND", "unit %s not found", d.UnitID)
			}
			return err
		}
		before = unit

		now := s.now()
		disp = &model.Disposition{
			DefectID:  d.ID,
			Type:      in.Type,
			Reason:    in.Reason,
			DecidedBy: in.DecidedBy,
			DecidedAt: now,
		}

		switch in.Type {
		case model.DispositionRework:
			toStep := in.ToStepNo
			if toStep <= 0 {
				toStep = 1
			}
			if unit.CurrentStepNo > 0 && toStep > unit.CurrentStepNo {
				return apperr.Invalid("REWORK_STEP_INVALID", "rework step %d is after the current step %d", toStep, unit.CurrentStepNo)
			}
			if err := tx.Create(disp).Error; err != nil {
				return err
			}
			task := &model.ReworkTask{
				DispositionID: disp.ID,
				UnitID:        unit.ID,
				FromStepNo:    unit.CurrentStepNo,
				ToStepNo:      toStep,
				Status:        model.ReworkOpen,
			}
			if err := tx.Create(task).Error; err != nil {
				return err
			}
			disp.ReworkTask = task
			if err := moveUnit(tx, unit, model.UnitQueued, map[string]any{"current_step_no": toStep}); err != nil {
				return err
			}
			return Defects.Transition(tx, d.ID, []string{model.DefectRecorded}, model.DefectDispositioned, nil)

		case model.DispositionScrap:
			if err := tx.Create(disp).Error; err != nil {
				return err
			}
			if err := moveUnit(tx, unit, model.UnitScrapped, nil); err != nil {
				return err
			}
			return Defects.Transition(tx, d.ID, []string{model.DefectRecorded}, model.DefectClosed, nil)

		case model.DispositionHold:
			if err := tx.Create(disp).Error; err != nil {
				return err
			}
			if err := moveUnit(tx, unit, model.UnitOnHold, nil); err != nil {
				return err
			}
			return Defects.Transition(tx, d.ID, []string{model.DefectRecorded}, model.DefectDispositioned, nil)
		}
		return apperr.Invalid("DISPOSITION_TYPE_INVALID", "unknown disposition type %q", in.Type)
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "Defect", EntityID: defectID, Action: "DISPOSITION_ASSIGN", ActorID: in.DecidedBy, Before: before, After: disp}.Result(err))
	if err != nil {
		return nil, err
	}
	return disp, nil
}

// moveUnit transitions unit to status from its current status.
func moveUnit(tx *gorm.DB, unit model.Unit, to string, updates map[string]any) error {
	if unit.Status == to {
		if len(updates) == 0 {
			return nil
		}
		res := tx.Model(&model.Unit{}).Where("id = ? AND status = ?", unit.ID, to).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict(store.Units.ConflictCode(), "unit %s changed concurrently", unit.SN)
		}
		return nil
	}
	if !store.Units.Can(unit.Status, to) {
		return apperr.Conflict("UNIT_STATUS_INVALID", "unit %s is %s and cannot become %s", unit.SN, unit.Status, to)
	}
	return store.Units.Transition(tx, unit.ID, []string{unit.Status}, to, updates)
}

// ReleaseHold releases a unit held by a HOLD disposition and closes the defect.
func (s *Service) ReleaseHold(ctx context.Context, defectID string, in ReleaseInput) (*model.Defect, error) {
	var d *model.Defect
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		d, err = findDefect(tx, defectID)
		if err != nil {
			return err
		}
		if d.Disposition == nil || d.Disposition.Type != model.DispositionHold {
			return apperr.Conflict("DISPOSITION_NOT_HOLD", "defect %s is not on hold", defectID)
		}
		var unit model.Unit
		if err := tx.First(&unit, "id = ?", d.UnitID).Error; err != nil {
			return err
		}
		if unit.Status != model.UnitOnHold {
			return apperr.Conflict("UNIT_NOT_ON_HOLD", "unit %s is %s", unit.SN, unit.Status)
		}
		if err := store.Units.Transition(tx, unit.ID, []string{model.UnitOnHold}, model.UnitQueued, nil); err != nil {
			return err
		}
		if err := mergeMeta(tx, &model.Defect{}, d.ID, d.Meta, map[string]any{"releaseReason": in.Reason, "releasedBy": in.ReleasedBy}); err != nil {
			return err
		}
		if err := Defects.Transition(tx, d.ID, []string{model.DefectDispositioned}, model.DefectClosed, nil); err != nil {
			return err
		}
		d.Status = model.DefectClosed
		return nil
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "Defect", EntityID: defectID, Action: "HOLD_RELEASE", ActorID: in.ReleasedBy, After: d}.Result(err))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// CompleteRework closes an OPEN rework task and its defect. A unit parked in
// OUT_FAILED or ON_HOLD is restored to QUEUED; its step is left unchanged.
func (s *Service) CompleteRework(ctx context.Context, taskID string, in CompleteReworkInput) (*model.ReworkTask, error) {
	var task *model.ReworkTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		task, err = findTask(tx, taskID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := closeTask(tx, task, in.DoneBy, in.Remark, now); err != nil {
			return err
		}
		var unit model.Unit
		if err := tx.First(&unit, "id = ?", task.UnitID).Error; err != nil {
			return err
		}
		if unit.Status == model.UnitOutFailed || unit.Status == model.UnitOnHold {
			if err := store.Units.Transition(tx, unit.ID, []string{unit.Status}, model.UnitQueued, nil); err != nil {
				return err
			}
		}
		task, err = findTask(tx, taskID)
		return err
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "ReworkTask", EntityID: taskID, Action: "REWORK_COMPLETE", ActorID: in.DoneBy, After: task}.Result(err))
	if err != nil {
		return nil, err
	}
	return task, nil
}

func closeTask(tx *gorm.DB, task *model.ReworkTask, by, remark string, now time.Time) error {
	if task.Status != model.ReworkOpen {
		return apperr.Conflict("REWORK_TASK_NOT_OPEN", "rework task %s is %s", task.ID, task.Status)
	}
	updates := map[string]any{"done_by": by, "done_at": now}
	if remark != "" {
		updates["remark"] = remark
	}
	if err := ReworkTasks.Transition(tx, task.ID, []string{model.ReworkOpen}, model.ReworkDone, updates); err != nil {
		return err
	}
	return closeDefectOf(tx, task.DispositionID)
}

func closeDefectOf(tx *gorm.DB, dispositionID string) error {
	var disp model.Disposition
	if err := tx.First(&disp, "id = ?", dispositionID).Error; err != nil {
		return fmt.Errorf("load disposition %s: %w", dispositionID, err)
	}
	_, err := Defects.TransitionWhere(tx, []string{model.DefectRecorded, model.DefectDispositioned}, model.DefectClosed, nil, "id = ?", disp.DefectID)
	return err
}

// CloseReworkOnPass completes every OPEN rework task of a unit whose target
// step it has just passed.
func CloseReworkOnPass(tx *gorm.DB, unitID string, stepNo int, operatorID string, now time.Time) (int, error) {
	var tasks []model.ReworkTask
	if err := tx.Where("unit_id = ? AND status = ? AND to_step_no = ?", unitID, model.ReworkOpen, stepNo).Find(&tasks).Error; err != nil {
		return 0, err
	}
	for i := range tasks {
		if err := closeTask(tx, &tasks[i], operatorID, "auto-closed on PASS", now); err != nil {
			return 0, err
		}
	}
	return len(tasks), nil
}

// CancelReworkTask abandons an OPEN rework task and closes its defect. The
// unit keeps its current status and step.
func (s *Service) CancelReworkTask(ctx context.Context, taskID string, in CancelInput) (*model.ReworkTask, error) {
	var task *model.ReworkTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		task, err = findTask(tx, taskID)
		if err != nil {
			return err
		}
		if in.Reason == "" {
			return apperr.Invalid("REASON_REQUIRED", "a cancellation reason is required")
		}
		updates := map[string]any{"done_by": in.CancelledBy, "done_at": s.now(), "remark": in.Reason}
		if err := ReworkTasks.Transition(tx, task.ID, []string{model.ReworkOpen}, model.ReworkCancelled, updates); err != nil {
			return err
		}
		if err := closeDefectOf(tx, task.DispositionID); err != nil {
			return err
		}
		task, err = findTask(tx, taskID)
		return err
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "ReworkTask", EntityID: taskID, Action: "REWORK_CANCEL", ActorID: in.CancelledBy, After: task}.Result(err))
	if err != nil {
		return nil, err
	}
	return task, nil
}

// SaveRepairRecord appends a repair note to an OPEN rework task.
func (s *Service) SaveRepairRecord(ctx context.Context, taskID string, in RepairInput) (*model.ReworkTask, error) {
	var task *model.ReworkTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		task, err = findTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != model.ReworkOpen {
			return apperr.Conflict("REWORK_TASK_NOT_OPEN", "rework task %s is %s", taskID, task.Status)
		}
		meta := map[string]any{}
		if len(task.Meta) > 0 {
			if err := json.Unmarshal(task.Meta, &meta); err != nil {
				return fmt.Errorf("decode rework task meta: %w", err)
			}
		}
		repairs, _ := meta["repairs"].([]any)
		meta["repairs"] = append(repairs, map[string]any{
			"action":    in.Action,
			"materials": in.Materials,
			"remark":    in.Remark,
			"by":        in.RepairedBy,
			"at":        s.now(),
		})
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := tx.Model(&model.ReworkTask{}).Where("id = ?", taskID).Update("meta", datatypes.JSON(raw)).Error; err != nil {
			return err
		}
		task.Meta = raw
		return nil
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "ReworkTask", EntityID: taskID, Action: "REPAIR_RECORD", ActorID: in.RepairedBy, After: task}.Result(err))
	if err != nil {
		return nil, err
	}
	return task, nil
}

func mergeMeta(tx *gorm.DB, target any, id string, current datatypes.JSON, extra map[string]any) error {
	meta := map[string]any{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &meta); err != nil {
			return fmt.Errorf("decode meta of %s: %w", id, err)
		}
	}
	for k, v := range extra {
		meta[k] = v
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return tx.Model(target).Where("id = ?", id).Update("meta", datatypes.JSON(raw)).Error
}

func findDefect(tx *gorm.DB, id string) (*model.Defect, error) {
	var d model.Defect
	if err := tx.Preload("Disposition").First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("DEFECT_NOT_FOUND", "defect %s not found", id)
		}
		return nil, fmt.Errorf("load defect %s: %w", id, err)
	}
	return &d, nil
}

func findTask(tx *gorm.DB, id string) (*model.ReworkTask, error) {
	var task model.ReworkTask
	if err := tx.First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("REWORK_TASK_NOT_FOUND", "rework task %s not found", id)
		}
		return nil, fmt.Errorf("load rework task %s: %w", id, err)
	}
	return &task, nil
}

func entityID(d *model.Defect) string {
	if d == nil {
		return ""
	}
	return d.ID
}

package oqc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/metrics"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/store"
)

// Inspections is the inspection lifecycle.
var Inspections = store.NewMachine("inspection", "INSPECTION_STATUS_CONFLICT", func() any { return &model.Inspection{} }, map[string][]string{
	model.InspectionPending:    {model.InspectionInspecting},
	model.InspectionInspecting: {model.InspectionPass, model.InspectionFail},
})

// ActiveKey is the uniqueness key of the open OQC of a run.
func ActiveKey(runID string) string {
	return runID + ":" + model.InspectionOQC
}

// inspectionData is the JSON kept in Inspection.Data.
type inspectionData struct {
	SampledUnits []string `json:"sampledUnits"`
	RuleID       string   `json:"ruleId,omitempty"`
	DoneCount    int      `json:"doneCount"`
}

// Service runs OQC inspections.
type Service struct {
	db     *gorm.DB
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an inspection service.
func NewService(db *gorm.DB, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{db: db, audit: sink, logger: logger.With("component", "oqc"), now: time.Now}
}

// Create opens the OQC of a run whose units are all terminal. While one is
// open, repeated and concurrent calls return it instead of creating another.
func (s *Service) Create(ctx context.Context, runID string, in CreateInput) (*model.Inspection, error) {
	run, err := store.FindRun(s.db.WithContext(ctx), runID)
	if err != nil {
		return nil, err
	}
	if existing, err := s.active(ctx, runID); err != nil || existing != nil {
		return existing, err
	}
	if run.Status != model.RunInProgress {
		return nil, apperr.Conflict("RUN_STATUS_INVALID", "run %s is %s", run.RunNo, run.Status)
	}
	var pending int64
	err = s.db.WithContext(ctx).Model(&model.Unit{}).
		Where("run_id = ? AND status NOT IN ?", runID, []string{model.UnitDone, model.UnitScrapped}).
		Count(&pending).Error
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, apperr.Conflict("UNITS_NOT_COMPLETE", "run %s has %d unfinished units", run.RunNo, pending)
	}

	data, _ := json.Marshal(inspectionData{SampledUnits: in.SampledUnits, RuleID: in.RuleID, DoneCount: in.DoneCount})
	insp := &model.Inspection{
		RunID:     runID,
		Type:      model.InspectionOQC,
		Status:    model.InspectionPending,
		ActiveKey: model.StrPtr(ActiveKey(runID)),
		SampleQty: in.SampleQty,
		Data:      data,
	}
	createErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(insp).Error
	})
	if createErr != nil {
		// A concurrent creator won the active key.
		if existing, err := s.active(ctx, runID); err == nil && existing != nil {
			return existing, nil
		}
		s.audit.Record(ctx, audit.Entry{EntityType: "Inspection", EntityID: runID, Action: "OQC_CREATE", ActorID: in.CreatedBy}.Result(createErr))
		return nil, fmt.Errorf("create OQC for run %s: %w", run.RunNo, createErr)
	}
	s.audit.Record(ctx, audit.Entry{EntityType: "Inspection", EntityID: insp.ID, Action: "OQC_CREATE", ActorID: in.CreatedBy, After: insp}.Result(nil))
	return insp, nil
}

func (s *Service) active(ctx context.Context, runID string) (*model.Inspection, error) {
	var insp model.Inspection
	err := s.db.WithContext(ctx).Where("active_key = ?", ActiveKey(runID)).First(&insp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &insp, nil
}

// Start moves a PENDING inspection to INSPECTING.
func (s *Service) Start(ctx context.Context, id, inspectorID string) (*model.Inspection, error) {
	var after *model.Inspection
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findInspection(tx, id); err != nil {
			return err
		}
		updates := map[string]any{"inspector_id": inspectorID, "started_at": s.now()}
		if err := Inspections.Transition(tx, id, []string{model.InspectionPending}, model.InspectionInspecting, updates); err != nil {
			return err
		}
		var err error
		after, err = findInspection(tx, id)
		return err
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "Inspection", EntityID: id, Action: "OQC_START", ActorID: inspectorID, After: after}.Result(err))
	return after, err
}

// RecordItem stores one check result on a sampled unit.
func (s *Service) RecordItem(ctx context.Context, id string, in ItemInput) (*model.InspectionItem, error) {
	var item *model.InspectionItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insp, err := findInspection(tx, id)
		if err != nil {
			return err
		}
		if insp.Status != model.InspectionInspecting {
			return apperr.Conflict("INSPECTION_NOT_INSPECTING", "inspection %s is %s", id, insp.Status)
		}
		if in.Result != model.ResultPass && in.Result != model.ResultFail {
			return apperr.Invalid("ITEM_RESULT_INVALID", "result must be PASS or FAIL")
		}
		var data inspectionData
		if len(insp.Data) > 0 {
			_ = json.Unmarshal(insp.Data, &data)
		}
		if len(data.SampledUnits) > 0 && !slices.Contains(data.SampledUnits, in.UnitSN) {
			return apperr.Invalid("UNIT_NOT_SAMPLED", "unit %s is not in the sample", in.UnitSN)
		}
		item = &model.InspectionItem{
			InspectionID: id,
			UnitSN:       in.UnitSN,
			ItemName:     in.ItemName,
			ItemSpec:     model.StrPtr(in.ItemSpec),
			ActualValue:  model.StrPtr(in.ActualValue),
			Result:       in.Result,
			DefectCode:   model.StrPtr(in.DefectCode),
			Remark:       model.StrPtr(in.Remark),
			InspectedBy:  in.InspectedBy,
			InspectedAt:  s.now(),
		}
		return tx.Create(item).Error
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "Inspection", EntityID: id, Action: "OQC_ITEM_RECORD", ActorID: in.InspectedBy, After: item}.Result(err))
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Complete records the verdict of an INSPECTING inspection. PASS completes
// the run; FAIL puts it ON_HOLD for MRB. Without explicit counts they are
// derived from the recorded items, a unit failing if any of its items failed.
func (s *Service) Complete(ctx context.Context, id string, in CompleteInput) (*model.Inspection, error) {
	var after *model.Inspection
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insp, err := findInspection(tx, id)
		if err != nil {
			return err
		}
		if insp.Status != model.InspectionInspecting {
			return apperr.Conflict("INSPECTION_NOT_INSPECTING", "inspection %s is %s", id, insp.Status)
		}

		passed, failed := in.PassedQty, in.FailedQty
		if passed == nil && failed == nil {
			p, f := countByUnit(insp.Items)
			passed, failed = &p, &f
		}
		p, f := deref(passed), deref(failed)
		if err := validateCounts(in.Decision, insp.SampleQty, p, f); err != nil {
			return err
		}

		now := s.now()
		updates := map[string]any{
			"active_key": nil,
			"passed_qty": p,
			"failed_qty": f,
			"decided_by": in.DecidedBy,
			"decided_at": now,
		}
		if in.Remark != "" {
			updates["remark"] = in.Remark
		}
		if err := Inspections.Transition(tx, id, []string{model.InspectionInspecting}, in.Decision, updates); err != nil {
			return err
		}

		run, err := store.FindRun(tx, insp.RunID)
		if err != nil {
			return err
		}
		if in.Decision == model.InspectionPass {
			if err := store.Runs.Transition(tx, run.ID, []string{model.RunInProgress}, model.RunCompleted, map[string]any{"ended_at": now}); err != nil {
				return err
			}
			if _, err := store.CloseWorkOrderIfDone(tx, run.WoID, now); err != nil {
				return err
			}
		} else if err := store.Runs.Transition(tx, run.ID, []string{model.RunInProgress}, model.RunOnHold, nil); err != nil {
			return err
		}

		after, err = findInspection(tx, id)
		return err
	})
	if err == nil {
		metrics.InspectionsTotal.WithLabelValues(model.InspectionOQC, in.Decision).Inc()
	}
	s.audit.Record(ctx, audit.Entry{EntityType: "Inspection", EntityID: id, Action: "OQC_COMPLETE", ActorID: in.DecidedBy, After: after}.Result(err))
	return after, err
}

func validateCounts(decision string, sampleQty *int, passed, failed int) error {
	if passed < 0 || failed < 0 {
		return apperr.Invalid("INSPECTION_COUNTS_INVALID", "counts must not be negative")
	}
	switch decision {
	case model.InspectionPass:
		if failed != 0 {
			return apperr.Invalid("INSPECTION_COUNTS_INVALID", "PASS requires zero failed units, got %d", failed)
		}
		if sampleQty != nil && passed != *sampleQty {
			return apperr.Invalid("INSPECTION_COUNTS_INVALID", "PASS requires %d passed units, got %d", *sampleQty, passed)
		}
	case model.InspectionFail:
		if failed <= 0 {
			return apperr.Invalid("INSPECTION_COUNTS_INVALID", "FAIL requires at least one failed unit")
		}
		if sampleQty != nil && passed+failed != *sampleQty {
			return apperr.Invalid("INSPECTION_COUNTS_INVALID", "passed+failed must equal the sample of %d, got %d", *sampleQty, passed+failed)
		}
	default:
		return apperr.Invalid("DECISION_INVALID", "decision must be PASS or FAIL")
	}
	return nil
}

func countByUnit(items []model.InspectionItem) (passed, failed int) {
	failedUnits := map[string]bool{}
	for _, it := range items {
		failedUnits[it.UnitSN] = failedUnits[it.UnitSN] || it.Result == model.ResultFail
	}
	for _, f := range failedUnits {
		if f {
			failed++
		} else {
			passed++
		}
	}
	return passed, failed
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

// Get returns an inspection with its items.
func (s *Service) Get(ctx context.Context, id string) (*model.Inspection, error) {
	return findInspection(s.db.WithContext(ctx), id)
}

// GetByRun returns the latest OQC of a run.
func (s *Service) GetByRun(ctx context.Context, runNo string) (*model.Inspection, error) {
	run, err := store.FindRunByNo(s.db.WithContext(ctx), runNo)
	if err != nil {
		return nil, err
	}
	var insp model.Inspection
	err = s.db.WithContext(ctx).Preload("Items").
		Where("run_id = ? AND type = ?", run.ID, model.InspectionOQC).
		Order("created_at DESC").First(&insp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("INSPECTION_NOT_FOUND", "run %s has no OQC", runNo)
		}
		return nil, err
	}
	return &insp, nil
}

// List returns OQC inspections, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]model.Inspection, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.Inspection{}).Where("inspections.type = ?", model.InspectionOQC)
	if f.Status != "" {
		q = q.Where("inspections.status = ?", f.Status)
	}
	if f.RunNo != "" {
		q = q.Joins("JOIN runs ON runs.id = inspections.run_id").Where("runs.run_no = ?", f.RunNo)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := store.PageBounds(f.Page, f.PageSize)
	var items []model.Inspection
	err := q.Order("inspections.created_at DESC").Offset((page - 1) * size).Limit(size).Find(&items).Error
	return items, total, err
}

func findInspection(tx *gorm.DB, id string) (*model.Inspection, error) {
	var insp model.Inspection
	if err := tx.Preload("Items").First(&insp, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("INSPECTION_NOT_FOUND", "inspection %s not found", id)
		}
		return nil, fmt.Errorf("load inspection %s: %w", id, err)
	}
	return &insp, nil
}

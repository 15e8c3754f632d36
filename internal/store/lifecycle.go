package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/parse"
	"mes-execution-backend/internal/route"
)

// AuthorizationGate decides whether a PREP run may be authorized.
type AuthorizationGate interface {
	CanAuthorize(ctx context.Context, runID string) (bool, error)
}

// Service runs work order and run lifecycle operations.
type Service struct {
	db     *gorm.DB
	routes *route.Reader
	gate   AuthorizationGate
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a lifecycle service.
func NewService(db *gorm.DB, routes *route.Reader, gate AuthorizationGate, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		routes: routes,
		gate:   gate,
		audit:  sink,
		logger: logger.With("component", "lifecycle"),
		now:    time.Now,
	}
}

// CreateWorkOrder registers a RECEIVED work order.
func (s *Service) CreateWorkOrder(ctx context.Context, in CreateWorkOrderInput, actor string) (*model.WorkOrder, error) {
	if in.PlannedQty <= 0 {
		return nil, apperr.Invalid("PLANNED_QTY_INVALID", "planned quantity must be positive")
	}

	wo := &model.WorkOrder{
		WoNo:        in.WoNo,
		ProductCode: in.ProductCode,
		PlannedQty:  in.PlannedQty,
		Status:      model.WorkOrderReceived,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.WorkOrder{}).Where("wo_no = ?", in.WoNo).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperr.Conflict("WORK_ORDER_EXISTS", "work order %s already exists", in.WoNo)
		}
		if in.RoutingCode != "" {
			var routing model.Routing
			if err := tx.Where("code = ?", in.RoutingCode).First(&routing).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return apperr.NotFound("ROUTING_NOT_FOUND", "routing %s not found", in.RoutingCode)
				}
				return err
			}
			wo.RoutingID = &routing.ID
		}
		return tx.Create(wo).Error
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "WorkOrder", EntityID: wo.ID, Action: "WORK_ORDER_CREATE", ActorID: actor, After: wo}.Result(err))
	if err != nil {
		return nil, err
	}
	return wo, nil
}

// ReleaseWorkOrder moves a RECEIVED work order to RELEASED once its routing
// has a READY version.
func (s *Service) ReleaseWorkOrder(ctx context.Context, woNo, actor string) (*model.WorkOrder, error) {
	var before, after *model.WorkOrder
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wo, err := FindWorkOrderByNo(tx, woNo)
		if err != nil {
			return err
		}
		before = wo
		if wo.RoutingID == nil {
			return apperr.Invalid("ROUTING_NOT_SET", "work order %s has no routing", woNo)
		}
		if _, err := latestReadyVersion(tx, *wo.RoutingID); err != nil {
			return err
		}
		now := s.now()
		if err := WorkOrders.Transition(tx, wo.ID, []string{model.WorkOrderReceived}, model.WorkOrderReleased, map[string]any{"released_at": now}); err != nil {
			return err
		}
		after, err = FindWorkOrder(tx, wo.ID)
		return err
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "WorkOrder", EntityID: woNo, Action: "WORK_ORDER_RELEASE", ActorID: actor, Before: before, After: after}.Result(err))
	return after, err
}

func latestReadyVersion(tx *gorm.DB, routingID string) (*model.RouteVersion, error) {
	var version model.RouteVersion
	err := tx.Where("routing_id = ? AND status = ?", routingID, model.RouteVersionReady).
		Order("version_no DESC").First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Conflict("ROUTE_VERSION_NOT_READY", "routing %s has no READY version", routingID)
		}
		return nil, fmt.Errorf("load route version of routing %s: %w", routingID, err)
	}
	return &version, nil
}

// CreateRun opens a PREP run bound to the latest READY route version of the
// work order's routing. Every step must be servable by a station of the line.
func (s *Service) CreateRun(ctx context.Context, woNo string, in CreateRunInput, actor string) (*model.Run, error) {
	var run *model.Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wo, err := FindWorkOrderByNo(tx, woNo)
		if err != nil {
			return err
		}
		if wo.Status != model.WorkOrderReleased && wo.Status != model.WorkOrderInProgress {
			return apperr.Conflict("WORK_ORDER_NOT_RELEASED", "work order %s is %s", woNo, wo.Status)
		}
		if wo.RoutingID == nil {
			return apperr.Invalid("ROUTING_NOT_SET", "work order %s has no routing", woNo)
		}

		var line model.Line
		if err := tx.Where("code = ?", in.LineCode).First(&line).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("LINE_NOT_FOUND", "line %s not found", in.LineCode)
			}
			return err
		}

		version, err := latestReadyVersion(tx, *wo.RoutingID)
		if err != nil {
			return err
		}
		snap, err := s.routes.With(tx).Load(ctx, version.ID)
		if err != nil {
			return err
		}
		var stations []model.Station
		if err := tx.Where("line_id = ?", line.ID).Find(&stations).Error; err != nil {
			return err
		}
		if missing := snap.UncoveredSteps(stations); len(missing) > 0 {
			return apperr.Invalid("ROUTE_LINE_INCOMPATIBLE", "line %s has no station for steps %v", in.LineCode, missing)
		}

		runNo := in.RunNo
		if runNo == "" {
			var count int64
			if err := tx.Model(&model.Run{}).Where("wo_id = ? AND parent_run_id IS NULL", wo.ID).Count(&count).Error; err != nil {
				return err
			}
			runNo = parse.RunNo(wo.WoNo, int(count)+1)
		}
		planQty := in.PlanQty
		if planQty <= 0 {
			planQty = wo.PlannedQty
		}

		run = &model.Run{
			RunNo:          runNo,
			WoID:           wo.ID,
			LineID:         &line.ID,
			RouteVersionID: &version.ID,
			Status:         model.RunPrep,
			PlanQty:        planQty,
		}
		var dup int64
		if err := tx.Model(&model.Run{}).Where("run_no = ?", runNo).Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return apperr.Conflict("RUN_EXISTS", "run %s already exists", runNo)
		}
		return tx.Create(run).Error
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "Run", EntityID: in.RunNo, Action: "RUN_CREATE", ActorID: actor, After: run}.Result(err))
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GenerateUnits creates qty QUEUED units at the first route step of the
// run, numbered after any units the run already has. qty <= 0 fills the
// run up to its plan quantity.
func (s *Service) GenerateUnits(ctx context.Context, runNo string, qty int, actor string) ([]model.Unit, error) {
	run, err := FindRunByNo(s.db.WithContext(ctx), runNo)
	if err != nil {
		return nil, err
	}
	snap, err := s.routes.ForRun(ctx, run)
	if err != nil {
		return nil, err
	}
	first, ok := snap.First()
	if !ok {
		return nil, apperr.Invalid("ROUTE_EMPTY", "route of run %s has no steps", runNo)
	}

	var units []model.Unit
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if RunTerminal(run.Status) || run.Status == model.RunOnHold {
			return apperr.Conflict("RUN_STATUS_INVALID", "run %s is %s", runNo, run.Status)
		}
		wo, err := FindWorkOrder(tx, run.WoID)
		if err != nil {
			return err
		}

		var onRun, onWO int64
		if err := tx.Model(&model.Unit{}).Where("run_id = ?", run.ID).Count(&onRun).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Unit{}).Where("wo_id = ?", wo.ID).Count(&onWO).Error; err != nil {
			return err
		}
		if qty <= 0 {
			qty = run.PlanQty - int(onRun)
		}
		if qty <= 0 {
			return apperr.Invalid("UNIT_QTY_INVALID", "run %s already has %d units", runNo, onRun)
		}
		if int(onWO)+qty > wo.PlannedQty {
			return apperr.Invalid("UNIT_QTY_EXCEEDED", "work order %s allows %d units, has %d", wo.WoNo, wo.PlannedQty, onWO)
		}

		units = make([]model.Unit, 0, qty)
		for i := 1; i <= qty; i++ {
			units = append(units, model.Unit{
				SN:            parse.UnitSN(run.RunNo, int(onRun)+i),
				WoID:          wo.ID,
				RunID:         &run.ID,
				CurrentStepNo: first.StepNo,
				Status:        model.UnitQueued,
			})
		}
		return tx.CreateInBatches(&units, 100).Error
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "Run", EntityID: run.ID, Action: "UNITS_GENERATE", ActorID: actor, After: map[string]any{"count": len(units)}}.Result(err))
	if err != nil {
		return nil, err
	}
	return units, nil
}

// AuthorizeRun moves a PREP run to AUTHORIZED when the readiness gate allows it.
func (s *Service) AuthorizeRun(ctx context.Context, runNo, actor string) (*model.Run, error) {
	run, err := FindRunByNo(s.db.WithContext(ctx), runNo)
	if err != nil {
		return nil, err
	}
	if run.Status != model.RunPrep {
		return nil, apperr.Conflict("RUN_NOT_PREP", "run %s is %s", runNo, run.Status)
	}

	ok, err := s.gate.CanAuthorize(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	var after *model.Run
	if !ok {
		err = apperr.Conflict("READINESS_NOT_PASSED", "latest formal readiness check of run %s is not passed", runNo)
	} else {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.now()
			updates := map[string]any{
				"authorized_by":      actor,
				"authorized_at":      now,
				"authorization_type": AuthorizationManual,
			}
			if err := Runs.Transition(tx, run.ID, []string{model.RunPrep}, model.RunAuthorized, updates); err != nil {
				return err
			}
			after, err = FindRun(tx, run.ID)
			return err
		})
	}
	s.audit.Record(ctx, audit.Entry{EntityType: "Run", EntityID: run.ID, Action: "RUN_AUTHORIZE", ActorID: actor, Before: run, After: after}.Result(err))
	return after, err
}

// RevokeRun returns an AUTHORIZED run to PREP.
func (s *Service) RevokeRun(ctx context.Context, runNo, actor string) (*model.Run, error) {
	var before, after *model.Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := FindRunByNo(tx, runNo)
		if err != nil {
			return err
		}
		before = run
		updates := map[string]any{
			"authorized_by":      nil,
			"authorized_at":      nil,
			"authorization_type": nil,
		}
		if err := Runs.Transition(tx, run.ID, []string{model.RunAuthorized}, model.RunPrep, updates); err != nil {
			return err
		}
		after, err = FindRun(tx, run.ID)
		return err
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "Run", EntityID: runNo, Action: "RUN_REVOKE", ActorID: actor, Before: before, After: after}.Result(err))
	return after, err
}

// StartRun lazily moves an AUTHORIZED run to IN_PROGRESS, stamping startedAt
// once, and moves its RELEASED work order to IN_PROGRESS. A run another
// caller already started is not an error.
func StartRun(tx *gorm.DB, run *model.Run, now time.Time) error {
	if run.Status == model.RunInProgress {
		return nil
	}
	err := Runs.Transition(tx, run.ID, []string{model.RunAuthorized}, model.RunInProgress, map[string]any{"started_at": now})
	if err != nil {
		if !apperr.Is(err, Runs.conflictCode) {
			return err
		}
		current, ferr := FindRun(tx, run.ID)
		if ferr != nil {
			return ferr
		}
		if current.Status != model.RunInProgress {
			return err
		}
		*run = *current
		return nil
	}
	run.Status = model.RunInProgress
	run.StartedAt = &now

	_, err = WorkOrders.TransitionWhere(tx, []string{model.WorkOrderReleased}, model.WorkOrderInProgress, nil, "id = ?", run.WoID)
	return err
}

// CloseWorkOrderIfDone completes an IN_PROGRESS work order once every run
// of it is terminal. It reports whether the work order was closed.
func CloseWorkOrderIfDone(tx *gorm.DB, woID string, now time.Time) (bool, error) {
	var open int64
	err := tx.Model(&model.Run{}).
		Where("wo_id = ? AND status NOT IN ?", woID, []string{model.RunCompleted, model.RunClosedRework, model.RunScrapped}).
		Count(&open).Error
	if err != nil {
		return false, fmt.Errorf("count open runs of work order %s: %w", woID, err)
	}
	if open > 0 {
		return false, nil
	}
	n, err := WorkOrders.TransitionWhere(tx, []string{model.WorkOrderInProgress}, model.WorkOrderCompleted, map[string]any{"completed_at": now}, "id = ?", woID)
	return n > 0, err
}

// GetWorkOrder returns a work order by number.
func (s *Service) GetWorkOrder(ctx context.Context, woNo string) (*model.WorkOrder, error) {
	return FindWorkOrderByNo(s.db.WithContext(ctx), woNo)
}

// ListWorkOrders returns work orders, newest first.
func (s *Service) ListWorkOrders(ctx context.Context, f WorkOrderFilter) ([]model.WorkOrder, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.WorkOrder{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := PageBounds(f.Page, f.PageSize)
	var items []model.WorkOrder
	err := q.Order("created_at DESC").Offset((page - 1) * size).Limit(size).Find(&items).Error
	return items, total, err
}

// GetRun returns a run by number.
func (s *Service) GetRun(ctx context.Context, runNo string) (*model.Run, error) {
	return FindRunByNo(s.db.WithContext(ctx), runNo)
}

// ListRuns returns the runs of a work order in creation order.
func (s *Service) ListRuns(ctx context.Context, woNo string) ([]model.Run, error) {
	wo, err := FindWorkOrderByNo(s.db.WithContext(ctx), woNo)
	if err != nil {
		return nil, err
	}
	var runs []model.Run
	err = s.db.WithContext(ctx).Where("wo_id = ?", wo.ID).Order("created_at").Find(&runs).Error
	return runs, err
}

// GetUnit returns a unit by serial number.
func (s *Service) GetUnit(ctx context.Context, sn string) (*model.Unit, error) {
	return FindUnitBySN(s.db.WithContext(ctx), sn)
}

// ListRunUnits returns the units of a run ordered by serial number.
func (s *Service) ListRunUnits(ctx context.Context, runNo string) ([]model.Unit, error) {
	run, err := FindRunByNo(s.db.WithContext(ctx), runNo)
	if err != nil {
		return nil, err
	}
	var units []model.Unit
	err = s.db.WithContext(ctx).Where("run_id = ?", run.ID).Order("sn").Find(&units).Error
	return units, err
}

// PageBounds clamps a 1-based page and a page size to sane values.
func PageBounds(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 50
	}
	return page, size
}

// Package execution records units entering and leaving stations and moves
// them along their run's frozen route.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/defect"
	"mes-execution-backend/internal/event"
	"mes-execution-backend/internal/jobs"
	"mes-execution-backend/internal/metrics"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/oqc"
	"mes-execution-backend/internal/route"
	"mes-execution-backend/internal/store"
)

// DefectRecorder opens the defect of a failed track-out.
type DefectRecorder interface {
	CreateDefectFromTrackOut(ctx context.Context, unitID, trackID, code, operatorID string) (*model.Defect, error)
}

// CompletionTrigger is told when a unit of a run reaches DONE.
type CompletionTrigger interface {
	CheckAndTrigger(ctx context.Context, runID string) (*oqc.Outcome, error)
}

// Service implements track-in and track-out.
type Service struct {
	db      *gorm.DB
	routes  *route.Reader
	events  *event.Writer
	defects DefectRecorder
	trigger CompletionTrigger
	jobs    jobs.Dispatcher
	audit   audit.Sink
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires the execution service.
func NewService(db *gorm.DB, routes *route.Reader, events *event.Writer, defects DefectRecorder, trigger CompletionTrigger, dispatcher jobs.Dispatcher, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{
		db:      db,
		routes:  routes,
		events:  events,
		defects: defects,
		trigger: trigger,
		jobs:    dispatcher,
		audit:   sink,
		logger:  logger.With("component", "execution"),
		now:     time.Now,
	}
}

// OpenKey is the uniqueness key of an open track.
func OpenKey(unitID string, stepNo int) string {
	return fmt.Sprintf("%s:%d", unitID, stepNo)
}

type runContext struct {
	station model.Station
	run     *model.Run
	snap    *route.Snapshot
}

// resolve runs the checks shared by track-in and track-out: the station
// exists (and, for entry, its equipment is available), the run exists with
// a route and is executable, and the station sits on the run's line.
func (s *Service) resolve(ctx context.Context, stationCode, runNo string, entry bool) (*runContext, error) {
	db := s.db.WithContext(ctx)
	var station model.Station
	if err := db.Where("code = ?", stationCode).First(&station).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("STATION_NOT_FOUND", "station %s not found", stationCode)
		}
		return nil, err
	}
	if entry {
		if err := checkEquipment(db, station); err != nil {
			return nil, err
		}
	}
	run, err := store.FindRunByNo(db, runNo)
	if err != nil {
		return nil, err
	}
	snap, err := s.routes.ForRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if run.LineID != nil && station.LineID != nil && *run.LineID != *station.LineID {
		return nil, apperr.Invalid("STATION_LINE_MISMATCH", "station %s is not on the line of run %s", stationCode, runNo)
	}
	if run.Status != model.RunAuthorized && run.Status != model.RunInProgress {
		return nil, apperr.Conflict("RUN_NOT_AUTHORIZED", "run %s is %s", runNo, run.Status)
	}
	return &runContext{station: station, run: run, snap: snap}, nil
}

// checkEquipment refuses stations whose TPM equipment is not normal or is
// under maintenance. Stations without TPM equipment are allowed.
func checkEquipment(tx *gorm.DB, station model.Station) error {
	var eq model.TpmEquipment
	err := tx.Where("equipment_code = ?", station.Code).Limit(1).Find(&eq).Error
	if err != nil {
		return err
	}
	if eq.ID != "" && !strings.EqualFold(eq.Status, model.EquipmentNormal) {
		return apperr.Conflict("TPM_EQUIPMENT_UNAVAILABLE", "equipment %s is %s", station.Code, eq.Status)
	}
	var busy int64
	err = tx.Model(&model.MaintenanceTask{}).
		Where("equipment_code = ? AND status IN ?", station.Code, []string{model.MaintenanceInProgress, "in_progress"}).
		Count(&busy).Error
	if err != nil {
		return err
	}
	if busy > 0 {
		return apperr.Conflict("TPM_MAINTENANCE_IN_PROGRESS", "equipment %s is under maintenance", station.Code)
	}
	return nil
}

func checkUnitOwner(unit *model.Unit, run *model.Run) error {
	if unit.WoID != run.WoID {
		return apperr.Invalid("UNIT_WORK_ORDER_MISMATCH", "unit %s does not belong to the work order of run %s", unit.SN, run.RunNo)
	}
	if unit.RunID != nil && *unit.RunID != run.ID {
		return apperr.Invalid("UNIT_RUN_MISMATCH", "unit %s does not belong to run %s", unit.SN, run.RunNo)
	}
	return nil
}

var unitEntryErrors = map[string]string{
	model.UnitInStation: "UNIT_ALREADY_IN_STATION",
	model.UnitDone:      "UNIT_ALREADY_DONE",
	model.UnitOutFailed: "UNIT_OUT_FAILED",
	model.UnitOnHold:    "UNIT_ON_HOLD",
	model.UnitScrapped:  "UNIT_SCRAPPED",
}

func (s *Service) currentStep(rc *runContext, stepNo int) (route.Step, error) {
	if rc.snap.Len() == 0 {
		return route.Step{}, apperr.Conflict("ROUTING_EMPTY", "route of run %s has no steps", rc.run.RunNo)
	}
	step, ok := rc.snap.Current(stepNo)
	if !ok {
		return route.Step{}, apperr.Conflict("STEP_MISMATCH", "step %d is not on the route of run %s", stepNo, rc.run.RunNo)
	}
	if !route.IsValidStationForStep(step, rc.station) {
		return route.Step{}, apperr.Invalid("STATION_MISMATCH", "station %s cannot serve step %d (%s)", rc.station.Code, step.StepNo, step.OperationCode)
	}
	return step, nil
}

// TrackIn opens a station visit for a unit at its current step. The unit is
// created on first sight, and an AUTHORIZED run starts.
func (s *Service) TrackIn(ctx context.Context, stationCode string, in TrackInInput) (*TrackInResult, error) {
	res, err := s.trackIn(ctx, stationCode, in)
	s.observe(ctx, "in", "TRACK_IN", in.SN, in.OperatorID, res, err)
	return res, err
}

func (s *Service) trackIn(ctx context.Context, stationCode string, in TrackInInput) (*TrackInResult, error) {
	rc, err := s.resolve(ctx, stationCode, in.RunNo, true)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	wo, err := store.FindWorkOrder(db, rc.run.WoID)
	if err != nil {
		return nil, err
	}
	if wo.WoNo != in.WoNo {
		return nil, apperr.Invalid("RUN_WORK_ORDER_MISMATCH", "run %s does not belong to work order %s", rc.run.RunNo, in.WoNo)
	}

	unit, err := store.FindUnitBySN(db, in.SN)
	if err != nil && !apperr.Is(err, "UNIT_NOT_FOUND") {
		return nil, err
	}
	stepNo := 0
	if unit != nil {
		if err := checkUnitOwner(unit, rc.run); err != nil {
			return nil, err
		}
		if code, blocked := unitEntryErrors[unit.Status]; blocked {
			return nil, apperr.Conflict(code, "unit %s is %s", unit.SN, unit.Status)
		}
		stepNo = unit.CurrentStepNo
	}
	step, err := s.currentStep(rc, stepNo)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := &TrackInResult{}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := store.StartRun(tx, rc.run, now); err != nil {
			return err
		}
		u, err := s.ensureUnit(tx, unit, in.SN, rc.run, step.StepNo)
		if err != nil {
			return err
		}

		var open int64
		if err := tx.Model(&model.Track{}).Where("unit_id = ? AND step_no = ? AND out_at IS NULL", u.ID, step.StepNo).Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return apperr.Locked("ACTIVE_TRACK_EXISTS", "unit %s already has an open track at step %d", u.SN, step.StepNo)
		}
		track := model.Track{
			UnitID:     u.ID,
			StepNo:     step.StepNo,
			StationID:  rc.station.ID,
			OperatorID: in.OperatorID,
			InAt:       now,
			OpenKey:    model.StrPtr(OpenKey(u.ID, step.StepNo)),
		}
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&track)
		if created.Error != nil {
			return fmt.Errorf("open track for %s: %w", u.SN, created.Error)
		}
		if created.RowsAffected == 0 {
			return apperr.Locked("ACTIVE_TRACK_EXISTS", "unit %s already has an open track at step %d", u.SN, step.StepNo)
		}

		updates := map[string]any{"current_step_no": step.StepNo}
		if err := store.Units.Transition(tx, u.ID, []string{model.UnitQueued}, model.UnitInStation, updates); err != nil {
			return err
		}
		if _, err := s.events.Append(tx, s.trackEvent(model.EventTrackIn, track, u, rc, step, "")); err != nil {
			return err
		}

		u.Status = model.UnitInStation
		u.CurrentStepNo = step.StepNo
		res.Unit, res.Track = *u, track
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ensureUnit returns the unit bound to run, creating it QUEUED at stepNo
// when it does not exist yet.
func (s *Service) ensureUnit(tx *gorm.DB, unit *model.Unit, sn string, run *model.Run, stepNo int) (*model.Unit, error) {
	if unit == nil {
		fresh := &model.Unit{SN: sn, WoID: run.WoID, RunID: model.StrPtr(run.ID), CurrentStepNo: stepNo, Status: model.UnitQueued}
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "sn"}}, DoNothing: true}).Create(fresh)
		if res.Error != nil {
			return nil, fmt.Errorf("create unit %s: %w", sn, res.Error)
		}
		if res.RowsAffected > 0 {
			return fresh, nil
		}
		existing, err := store.FindUnitBySN(tx, sn)
		if err != nil {
			return nil, err
		}
		if err := checkUnitOwner(existing, run); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if unit.RunID == nil {
		if err := tx.Model(&model.Unit{}).Where("id = ? AND run_id IS NULL", unit.ID).Update("run_id", run.ID).Error; err != nil {
			return nil, err
		}
		unit.RunID = model.StrPtr(run.ID)
	}
	return unit, nil
}

func (s *Service) trackEvent(eventType string, track model.Track, u *model.Unit, rc *runContext, step route.Step, result string) event.CreateInput {
	return event.CreateInput{
		EventType:      eventType,
		IdempotencyKey: event.Key(eventType, track.ID),
		OccurredAt:     s.now(),
		EntityType:     "UNIT",
		EntityID:       u.ID,
		RunID:          rc.run.ID,
		Payload: eventPayload{
			UnitSN:         u.SN,
			OperationCode:  step.OperationCode,
			StationCode:    rc.station.Code,
			LineID:         model.Deref(rc.run.LineID),
			RouteVersionID: rc.snap.VersionID,
			Result:         result,
		},
	}
}

// TrackOut closes the open visit of a unit. PASS advances the unit to the
// next step or DONE; FAIL leaves it OUT_FAILED and queues an automatic
// defect. A machine inspection FAIL on the track overrides a PASS.
func (s *Service) TrackOut(ctx context.Context, stationCode string, in TrackOutInput) (*TrackOutResult, error) {
	res, err := s.trackOut(ctx, stationCode, in)
	s.observe(ctx, "out", "TRACK_OUT", in.SN, in.OperatorID, res, err)
	if err != nil {
		return nil, err
	}
	s.afterTrackOut(ctx, in, res)
	return res, nil
}

func (s *Service) trackOut(ctx context.Context, stationCode string, in TrackOutInput) (*TrackOutResult, error) {
	if in.Result != model.ResultPass && in.Result != model.ResultFail {
		return nil, apperr.Invalid("RESULT_INVALID", "result must be PASS or FAIL")
	}
	rc, err := s.resolve(ctx, stationCode, in.RunNo, false)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	unit, err := store.FindUnitBySN(db, in.SN)
	if err != nil {
		return nil, err
	}
	if err := checkUnitOwner(unit, rc.run); err != nil {
		return nil, err
	}

	var track model.Track
	err = db.Where("unit_id = ? AND step_no = ? AND station_id = ? AND out_at IS NULL", unit.ID, unit.CurrentStepNo, rc.station.ID).
		Order("created_at DESC").First(&track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("TRACK_NOT_FOUND", "unit %s has no open track at %s", unit.SN, stationCode)
		}
		return nil, err
	}

	var failedChecks int64
	err = db.Model(&model.InspectionResultRecord{}).Where("track_id = ? AND result = ?", track.ID, model.ResultFail).Count(&failedChecks).Error
	if err != nil {
		return nil, err
	}
	result := in.Result
	if failedChecks > 0 {
		result = model.ResultFail
	}

	step, err := s.currentStep(rc, unit.CurrentStepNo)
	if err != nil {
		return nil, err
	}
	specs, err := resolveSpecs(db, step, in.Data, result)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := &TrackOutResult{Result: result, InspectionOverride: failedChecks > 0 && in.Result != result}
	err = db.Transaction(func(tx *gorm.DB) error {
		closed := tx.Model(&model.Track{}).Where("id = ? AND out_at IS NULL", track.ID).Updates(map[string]any{
			"out_at":      now,
			"result":      result,
			"operator_id": in.OperatorID,
			"open_key":    nil,
		})
		if closed.Error != nil {
			return closed.Error
		}
		if closed.RowsAffected == 0 {
			return apperr.Conflict("TRACK_ALREADY_CLOSED", "track of unit %s was closed concurrently", unit.SN)
		}
		if values := dataValues(track.ID, in.Data, specs, now); len(values) > 0 {
			if err := tx.Create(&values).Error; err != nil {
				return fmt.Errorf("store data values for %s: %w", unit.SN, err)
			}
		}

		next := *unit
		switch {
		case result == model.ResultFail:
			next.Status = model.UnitOutFailed
		default:
			if ns, ok := rc.snap.Next(step.StepNo); ok {
				next.Status, next.CurrentStepNo = model.UnitQueued, ns.StepNo
			} else {
				next.Status = model.UnitDone
			}
		}
		updates := map[string]any{"current_step_no": next.CurrentStepNo}
		if err := store.Units.Transition(tx, unit.ID, []string{model.UnitInStation}, next.Status, updates); err != nil {
			return err
		}
		if result == model.ResultPass {
			if _, err := defect.CloseReworkOnPass(tx, unit.ID, step.StepNo, in.OperatorID, now); err != nil {
				return err
			}
		}
		if _, err := s.events.Append(tx, s.trackEvent(model.EventTrackOut, track, &next, rc, step, result)); err != nil {
			return err
		}

		track.OutAt, track.Result, track.OperatorID, track.OpenKey = &now, &result, in.OperatorID, nil
		res.Unit, res.Track = next, track
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// afterTrackOut runs the best-effort follow-ups of a committed track-out.
func (s *Service) afterTrackOut(ctx context.Context, in TrackOutInput, res *TrackOutResult) {
	switch res.Unit.Status {
	case model.UnitOutFailed:
		unitID, trackID, code, operator := res.Unit.ID, res.Track.ID, in.DefectCode, in.OperatorID
		job := jobs.Job{
			Name: "auto-defect",
			Run: func(ctx context.Context) error {
				_, err := s.defects.CreateDefectFromTrackOut(ctx, unitID, trackID, code, operator)
				return err
			},
		}
		if err := s.jobs.Dispatch(ctx, job); err != nil {
			s.logger.Error("failed to queue auto defect", "unit", res.Unit.SN, "track", trackID, "error", err)
		}
	case model.UnitDone:
		metrics.UnitsTerminal.WithLabelValues(model.UnitDone).Inc()
		outcome, err := s.trigger.CheckAndTrigger(ctx, model.Deref(res.Unit.RunID))
		if err != nil {
			s.logger.Error("OQC trigger failed", "unit", res.Unit.SN, "run", model.Deref(res.Unit.RunID), "error", err)
			return
		}
		res.OQC = outcome
	}
}

func (s *Service) observe(ctx context.Context, kind, action, sn, operator string, after any, err error) {
	label := "ok"
	if err != nil {
		label = "error"
		if e, ok := apperr.As(err); ok {
			label = e.Code
		}
	}
	metrics.TracksTotal.WithLabelValues(kind, label).Inc()
	entry := audit.Entry{EntityType: "Unit", EntityID: sn, Action: action, ActorID: operator}
	if err == nil {
		entry.After = after
	}
	s.audit.Record(ctx, entry.Result(err))
}

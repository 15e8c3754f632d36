// Package mrb resolves runs held by a failed OQC into a release, a scrap or
// a rework run.
package mrb

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/metrics"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/parse"
	"mes-execution-backend/internal/route"
	"mes-execution-backend/internal/store"
)

// MRB decisions.
const (
	DecisionRelease = "RELEASE"
	DecisionRework  = "REWORK"
	DecisionScrap   = "SCRAP"
)

// AuthorizationMRB marks runs authorized by an MRB decision.
const AuthorizationMRB = "MRB_OVERRIDE"

// DecisionInput is an MRB verdict on a held run.
type DecisionInput struct {
	Decision        string `json:"decision" binding:"required"`
	ReworkType      string `json:"reworkType"`
	FaiWaiver       bool   `json:"faiWaiver"`
	FaiWaiverReason string `json:"faiWaiverReason"`
	Reason          string `json:"reason"`
	DecidedBy       string `json:"-"`
}

// Outcome is the state of a run after a decision.
type Outcome struct {
	Run         model.Run `json:"run"`
	ReworkRunNo string    `json:"reworkRunNo,omitempty"`
	Replayed    bool      `json:"replayed,omitempty"`
}

// Service records MRB decisions.
type Service struct {
	db     *gorm.DB
	routes *route.Reader
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an MRB service.
func NewService(db *gorm.DB, routes *route.Reader, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{db: db, routes: routes, audit: sink, logger: logger.With("component", "mrb"), now: time.Now}
}

func (in DecisionInput) validate(canWaiveFai bool) error {
	switch in.Decision {
	case DecisionRelease, DecisionScrap:
	case DecisionRework:
		switch in.ReworkType {
		case "":
			return apperr.Invalid("REWORK_TYPE_REQUIRED", "reworkType is required for REWORK")
		case model.ReworkReusePrep, model.ReworkFullPrep:
		default:
			return apperr.Invalid("REWORK_TYPE_INVALID", "unknown rework type %q", in.ReworkType)
		}
	default:
		return apperr.Invalid("DECISION_INVALID", "decision must be RELEASE, REWORK or SCRAP")
	}
	if !in.FaiWaiver {
		return nil
	}
	if in.FaiWaiverReason == "" {
		return apperr.Invalid("FAI_WAIVER_REASON_REQUIRED", "an FAI waiver needs a reason")
	}
	if in.Decision != DecisionRework || in.ReworkType != model.ReworkReusePrep {
		return apperr.Invalid("FAI_WAIVER_NOT_ALLOWED", "FAI can only be waived for REUSE_PREP rework")
	}
	if !canWaiveFai {
		return apperr.Denied("FAI_WAIVER_NOT_ALLOWED", "%s may not waive FAI", in.DecidedBy)
	}
	return nil
}

// RecordDecision applies an MRB decision to an ON_HOLD run whose latest OQC
// failed. canWaiveFai is the caller's permission verdict for FAI waivers.
// Repeating a decision on a run that is already closed returns its outcome.
func (s *Service) RecordDecision(ctx context.Context, runNo string, in DecisionInput, canWaiveFai bool) (*Outcome, error) {
	out, err := s.recordDecision(ctx, runNo, in, canWaiveFai)
	entry := audit.Entry{EntityType: "Run", EntityID: runNo, Action: "MRB_DECISION", ActorID: in.DecidedBy}
	if out != nil {
		entry.After = out
	}
	s.audit.Record(ctx, entry.Result(err))
	return out, err
}

func (s *Service) recordDecision(ctx context.Context, runNo string, in DecisionInput, canWaiveFai bool) (*Outcome, error) {
	db := s.db.WithContext(ctx)
	run, err := store.FindRunByNo(db, runNo)
	if err != nil {
		return nil, err
	}
	if run.Status != model.RunOnHold {
		return s.replay(db, run)
	}

	var insp model.Inspection
	err = db.Where("run_id = ? AND type = ?", run.ID, model.InspectionOQC).Order("created_at DESC").Limit(1).Find(&insp).Error
	if err != nil {
		return nil, err
	}
	if insp.ID == "" || insp.Status != model.InspectionFail {
		return nil, apperr.Conflict("NO_FAILED_OQC", "run %s has no failed OQC", runNo)
	}
	if err := in.validate(canWaiveFai); err != nil {
		return nil, err
	}

	firstStep := 1
	if in.Decision == DecisionRework {
		snap, err := s.routes.ForRun(ctx, run)
		if err != nil {
			return nil, err
		}
		if st, ok := snap.First(); ok {
			firstStep = st.StepNo
		}
	}

	now := s.now()
	out := &Outcome{}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := annotate(tx, &insp, in, now); err != nil {
			return err
		}

		updates := map[string]any{
			"ended_at":          now,
			"mrb_decision":      in.Decision,
			"mrb_authorized_by": in.DecidedBy,
			"mrb_authorized_at": now,
		}
		target := map[string]string{
			DecisionRelease: model.RunCompleted,
			DecisionRework:  model.RunClosedRework,
			DecisionScrap:   model.RunScrapped,
		}[in.Decision]
		if err := store.Runs.Transition(tx, run.ID, []string{model.RunOnHold}, target, updates); err != nil {
			return err
		}

		switch in.Decision {
		case DecisionScrap:
			n, err := store.Units.TransitionWhere(tx, store.Units.Sources(model.UnitScrapped), model.UnitScrapped, nil, "run_id = ?", run.ID)
			if err != nil {
				return err
			}
			metrics.UnitsTerminal.WithLabelValues(model.UnitScrapped).Add(float64(n))
		case DecisionRework:
			child, err := createReworkRun(tx, run, in, firstStep, now)
			if err != nil {
				return err
			}
			out.ReworkRunNo = child.RunNo
		}
		if in.Decision != DecisionRework {
			if _, err := store.CloseWorkOrderIfDone(tx, run.WoID, now); err != nil {
				return err
			}
		}

		updated, err := store.FindRun(tx, run.ID)
		if err != nil {
			return err
		}
		out.Run = *updated
		return nil
	})
	if err != nil {
		if apperr.Is(err, store.Runs.ConflictCode()) {
			// Another decision won the race.
			if current, ferr := store.FindRunByNo(db, runNo); ferr == nil && store.RunTerminal(current.Status) {
				return s.replay(db, current)
			}
		}
		return nil, err
	}
	s.logger.Info("MRB decision recorded", "run", runNo, "decision", in.Decision, "reworkRun", out.ReworkRunNo)
	return out, nil
}

// replay returns the outcome of a run that already left ON_HOLD.
func (s *Service) replay(tx *gorm.DB, run *model.Run) (*Outcome, error) {
	switch run.Status {
	case model.RunCompleted, model.RunScrapped:
		return &Outcome{Run: *run, Replayed: true}, nil
	case model.RunClosedRework:
		var child model.Run
		if err := tx.Where("parent_run_id = ?", run.ID).Order("created_at DESC").Limit(1).Find(&child).Error; err != nil {
			return nil, err
		}
		return &Outcome{Run: *run, ReworkRunNo: child.RunNo, Replayed: true}, nil
	}
	return nil, apperr.Conflict("RUN_STATUS_INVALID", "run %s is %s, MRB needs ON_HOLD", run.RunNo, run.Status)
}

// annotate merges the decision into the failed inspection's data.
func annotate(tx *gorm.DB, insp *model.Inspection, in DecisionInput, now time.Time) error {
	data := map[string]any{}
	if len(insp.Data) > 0 {
		_ = json.Unmarshal(insp.Data, &data)
	}
	data["mrbDecision"] = in.Decision
	data["mrbReason"] = in.Reason
	data["mrbDecidedBy"] = in.DecidedBy
	data["mrbDecidedAt"] = now
	if in.ReworkType != "" {
		data["reworkType"] = in.ReworkType
	}
	if in.FaiWaiver {
		data["faiWaiver"] = true
		data["faiWaiverReason"] = in.FaiWaiverReason
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return tx.Model(&model.Inspection{}).Where("id = ?", insp.ID).Update("data", datatypes.JSON(raw)).Error
}

// createReworkRun spawns {parent}-RW{n} and moves every unit of the parent
// onto it, QUEUED at firstStep.
func createReworkRun(tx *gorm.DB, parent *model.Run, in DecisionInput, firstStep int, now time.Time) (*model.Run, error) {
	var existing int64
	if err := tx.Model(&model.Run{}).Where("parent_run_id = ?", parent.ID).Count(&existing).Error; err != nil {
		return nil, err
	}
	status := model.RunPrep
	if in.ReworkType == model.ReworkReusePrep {
		status = model.RunAuthorized
	}
	child := &model.Run{
		RunNo:             parse.ReworkRunNo(parent.RunNo, int(existing)+1),
		WoID:              parent.WoID,
		LineID:            parent.LineID,
		RouteVersionID:    parent.RouteVersionID,
		Status:            status,
		PlanQty:           parent.PlanQty,
		ParentRunID:       model.StrPtr(parent.ID),
		ReworkType:        model.StrPtr(in.ReworkType),
		AuthorizationType: model.StrPtr(AuthorizationMRB),
		MrbFaiWaiver:      in.FaiWaiver,
		MrbWaiverReason:   model.StrPtr(in.FaiWaiverReason),
		MrbAuthorizedBy:   model.StrPtr(in.DecidedBy),
		MrbAuthorizedAt:   &now,
	}
	if status == model.RunAuthorized {
		child.AuthorizedBy = model.StrPtr(in.DecidedBy)
		child.AuthorizedAt = &now
	}
	if err := tx.Create(child).Error; err != nil {
		return nil, err
	}

	// Ownership moves wholesale; every unit, scrapped ones included, starts
	// over QUEUED at the first step of the rework run.
	err := tx.Model(&model.Unit{}).Where("run_id = ?", parent.ID).Updates(map[string]any{
		"run_id":          child.ID,
		"status":          model.UnitQueued,
		"current_step_no": firstStep,
	}).Error
	return child, err
}

// GetReworkRuns lists the rework runs spawned from runNo, oldest first.
func (s *Service) GetReworkRuns(ctx context.Context, runNo string) ([]model.Run, error) {
	db := s.db.WithContext(ctx)
	parent, err := store.FindRunByNo(db, runNo)
	if err != nil {
		return nil, err
	}
	var runs []model.Run
	if err := db.Where("parent_run_id = ?", parent.ID).Order("created_at").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

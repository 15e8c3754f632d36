package oqc

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"gorm.io/gorm"

	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/store"
)

// Trigger decides, once every unit of a run is terminal, whether the run
// completes directly or waits for a sampled OQC.
type Trigger struct {
	db       *gorm.DB
	resolver SamplingRuleResolver
	svc      *Service
	logger   *slog.Logger
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTrigger creates a trigger that samples with rng.
func NewTrigger(db *gorm.DB, resolver SamplingRuleResolver, svc *Service, rng *rand.Rand, logger *slog.Logger) *Trigger {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Trigger{
		db:       db,
		resolver: resolver,
		svc:      svc,
		rng:      rng,
		logger:   logger.With("component", "oqc-trigger"),
		now:      time.Now,
	}
}

func (t *Trigger) sample(units []string, k int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return SelectSample(t.rng, units, k)
}

type runFacts struct {
	run      *model.Run
	key      RuleKey
	done     []string
	pending  int
	hasUnits bool
}

func (t *Trigger) facts(ctx context.Context, runID string) (*runFacts, error) {
	db := t.db.WithContext(ctx)
	run, err := store.FindRun(db, runID)
	if err != nil {
		return nil, err
	}
	wo, err := store.FindWorkOrder(db, run.WoID)
	if err != nil {
		return nil, err
	}

	var units []model.Unit
	if err := db.Select("sn", "status").Where("run_id = ?", runID).Order("sn").Find(&units).Error; err != nil {
		return nil, err
	}
	f := &runFacts{
		run:      run,
		key:      RuleKey{ProductCode: wo.ProductCode, LineID: model.Deref(run.LineID), RoutingID: model.Deref(wo.RoutingID)},
		hasUnits: len(units) > 0,
	}
	for _, u := range units {
		switch {
		case u.Status == model.UnitDone:
			f.done = append(f.done, u.SN)
		case !store.UnitTerminal(u.Status):
			f.pending++
		}
	}
	return f, nil
}

// CheckAndTrigger evaluates runID. Runs that are not IN_PROGRESS or still
// have unfinished units are skipped without error.
func (t *Trigger) CheckAndTrigger(ctx context.Context, runID string) (*Outcome, error) {
	f, err := t.facts(ctx, runID)
	if err != nil {
		return nil, err
	}
	if f.run.Status != model.RunInProgress {
		return &Outcome{Action: OutcomeSkipped, Reason: "run is " + f.run.Status}, nil
	}
	if !f.hasUnits || f.pending > 0 {
		return &Outcome{Action: OutcomeSkipped, Reason: "units still in production"}, nil
	}
	if existing, err := t.svc.active(ctx, runID); err != nil || existing != nil {
		if err != nil {
			return nil, err
		}
		return &Outcome{Action: OutcomeCreated, Inspection: existing}, nil
	}

	rule, err := t.resolver.Resolve(ctx, f.key)
	if err != nil {
		return nil, err
	}
	size := CalculateSampleSize(rule, len(f.done))
	if size == 0 {
		if err := t.completeRun(ctx, f.run); err != nil {
			return nil, err
		}
		reason := "no sampling rule"
		if rule != nil {
			reason = "sample size is zero"
		}
		t.logger.Info("run completed without OQC", "run", f.run.RunNo, "reason", reason)
		return &Outcome{Action: OutcomeCompleted, Reason: reason}, nil
	}

	sampled := t.sample(f.done, size)
	insp, err := t.svc.Create(ctx, runID, CreateInput{
		SampleQty:    &size,
		SampledUnits: sampled,
		RuleID:       rule.ID,
		DoneCount:    len(f.done),
		CreatedBy:    "system",
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("OQC created", "run", f.run.RunNo, "inspection", insp.ID, "sample", size)
	return &Outcome{Action: OutcomeCreated, Inspection: insp}, nil
}

func (t *Trigger) completeRun(ctx context.Context, run *model.Run) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := t.now()
		if err := store.Runs.Transition(tx, run.ID, []string{model.RunInProgress}, model.RunCompleted, map[string]any{"ended_at": now}); err != nil {
			return err
		}
		_, err := store.CloseWorkOrderIfDone(tx, run.WoID, now)
		return err
	})
}

// CheckGate reports whether OQC blocks completion of a run: an open
// inspection or a FAIL awaiting MRB blocks, and a finished run without an
// inspection blocks when a sampling rule asks for a sample.
func (t *Trigger) CheckGate(ctx context.Context, runID string) (*Gate, error) {
	f, err := t.facts(ctx, runID)
	if err != nil {
		return nil, err
	}
	if active, err := t.svc.active(ctx, runID); err != nil {
		return nil, err
	} else if active != nil {
		return &Gate{Required: true, Blocking: true, SampleQty: deref(active.SampleQty), Reason: "OQC " + active.Status, Inspection: active}, nil
	}

	var latest model.Inspection
	err = t.db.WithContext(ctx).Where("run_id = ? AND type = ?", runID, model.InspectionOQC).Order("created_at DESC").Limit(1).Find(&latest).Error
	if err != nil {
		return nil, err
	}
	if latest.ID != "" {
		blocking := latest.Status == model.InspectionFail && f.run.Status == model.RunOnHold
		reason := "OQC " + latest.Status
		if blocking {
			reason = "OQC failed, awaiting MRB"
		}
		return &Gate{Required: true, Blocking: blocking, SampleQty: deref(latest.SampleQty), Reason: reason, Inspection: &latest}, nil
	}

	rule, err := t.resolver.Resolve(ctx, f.key)
	if err != nil {
		return nil, err
	}
	size := CalculateSampleSize(rule, len(f.done))
	if size == 0 {
		return &Gate{Reason: "no sample required"}, nil
	}
	return &Gate{Required: true, Blocking: f.run.Status == model.RunInProgress, SampleQty: size, Reason: "OQC not yet created"}, nil
}

// Package readiness evaluates whether a run's line, materials and route are
// fit to start production, and gates run authorization on the result.
package readiness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/metrics"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/permission"
	"mes-execution-backend/internal/route"
	"mes-execution-backend/internal/store"
)

// Summary counts the items of a check by status.
type Summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Waived int `json:"waived"`
}

// Report is a stored check with its items and summary.
type Report struct {
	model.ReadinessCheck
	Summary Summary `json:"summary"`
}

// Authorization is the answer of the authorization gate for one run.
type Authorization struct {
	CanAuthorize bool                       `json:"canAuthorize"`
	FailedItems  []model.ReadinessCheckItem `json:"failedItems,omitempty"`
}

// WaiveInput waives one failed item.
type WaiveInput struct {
	WaivedBy string `json:"waivedBy"`
	Reason   string `json:"reason"`
}

// ExceptionFilter selects runs whose latest check failed.
type ExceptionFilter struct {
	LineID   string
	Status   string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// Exception is one run blocked by readiness.
type Exception struct {
	RunNo       string    `json:"runNo"`
	RunStatus   string    `json:"runStatus"`
	ProductCode string    `json:"productCode"`
	LineCode    *string   `json:"lineCode"`
	LineName    *string   `json:"lineName"`
	CheckID     string    `json:"checkId"`
	CheckType   string    `json:"checkType"`
	CheckStatus string    `json:"checkStatus"`
	CheckedAt   time.Time `json:"checkedAt"`
	FailedCount int       `json:"failedCount"`
	WaivedCount int       `json:"waivedCount"`
}

// Service performs and queries readiness checks.
type Service struct {
	db       *gorm.DB
	checkers []Checker
	oracle   permission.Oracle
	audit    audit.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a readiness service with the default gates.
func NewService(db *gorm.DB, routes *route.Reader, oracle permission.Oracle, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		checkers: DefaultCheckers(routes),
		oracle:   oracle,
		audit:    sink,
		logger:   logger.With("component", "readiness"),
		now:      time.Now,
	}
}

func summarize(items []model.ReadinessCheckItem) Summary {
	s := Summary{Total: len(items)}
	for _, it := range items {
		switch it.Status {
		case model.ItemPassed:
			s.Passed++
		case model.ItemFailed:
			s.Failed++
		case model.ItemWaived:
			s.Waived++
		}
	}
	return s
}

func validType(t string) bool {
	return t == model.CheckPrecheck || t == model.CheckFormal
}

// PerformCheck evaluates every enabled gate for a run and stores the check.
// Only FORMAL checks record who ran them.
func (s *Service) PerformCheck(ctx context.Context, runNo, checkType, checkedBy string) (*Report, error) {
	if !validType(checkType) {
		return nil, apperr.Invalid("CHECK_TYPE_INVALID", "check type %q is not PRECHECK or FORMAL", checkType)
	}
	run, err := store.FindRunByNo(s.db.WithContext(ctx), runNo)
	if err != nil {
		return nil, err
	}
	return s.perform(ctx, run, checkType, checkedBy)
}

func (s *Service) perform(ctx context.Context, run *model.Run, checkType, checkedBy string) (*Report, error) {
	db := s.db.WithContext(ctx)

	var line *model.Line
	if run.LineID != nil {
		var l model.Line
		if err := db.First(&l, "id = ?", *run.LineID).Error; err == nil {
			line = &l
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	enabled := enabledChecks(line)

	var results []Result
	for _, c := range s.checkers {
		if enabled != nil && !enabled[c.ItemType()] {
			continue
		}
		r, err := c.Check(ctx, db, run)
		if err != nil {
			return nil, fmt.Errorf("%s check for run %s: %w", c.ItemType(), run.RunNo, err)
		}
		results = append(results, r...)
	}

	check := model.ReadinessCheck{
		RunID:     run.ID,
		Type:      checkType,
		Status:    model.CheckPassed,
		CheckedAt: s.now(),
	}
	if checkType == model.CheckFormal && checkedBy != "" {
		check.CheckedBy = model.StrPtr(checkedBy)
	}
	for _, r := range results {
		item := model.ReadinessCheckItem{ItemType: r.ItemType, ItemKey: r.ItemKey, Status: r.Status}
		if r.FailReason != "" {
			item.FailReason = model.StrPtr(r.FailReason)
		}
		if r.Evidence != nil {
			item.Evidence, _ = json.Marshal(r.Evidence)
		}
		if r.Status == model.ItemFailed {
			check.Status = model.CheckFailed
		}
		check.Items = append(check.Items, item)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&check).Error
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "ReadinessCheck", EntityID: run.ID, Action: "READINESS_" + checkType, ActorID: checkedBy, After: &check}.Result(err))
	if err != nil {
		return nil, fmt.Errorf("store readiness check for run %s: %w", run.RunNo, err)
	}
	metrics.ReadinessChecks.WithLabelValues(checkType, check.Status).Inc()
	s.logger.InfoContext(ctx, "readiness check stored", "runNo", run.RunNo, "type", checkType, "status", check.Status, "items", len(check.Items))
	return &Report{ReadinessCheck: check, Summary: summarize(check.Items)}, nil
}

func latest(db *gorm.DB, runID, checkType string) (*model.ReadinessCheck, error) {
	q := db.Preload("Items").Where("run_id = ?", runID)
	if checkType != "" {
		q = q.Where("type = ?", checkType)
	}
	var check model.ReadinessCheck
	err := q.Order("checked_at DESC").First(&check).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &check, nil
}

// GetLatest returns the newest check of a run, optionally of one type, or
// nil when the run was never checked.
func (s *Service) GetLatest(ctx context.Context, runNo, checkType string) (*Report, error) {
	if checkType != "" && !validType(checkType) {
		return nil, apperr.Invalid("CHECK_TYPE_INVALID", "check type %q is not PRECHECK or FORMAL", checkType)
	}
	db := s.db.WithContext(ctx)
	run, err := store.FindRunByNo(db, runNo)
	if err != nil {
		return nil, err
	}
	check, err := latest(db, run.ID, checkType)
	if err != nil || check == nil {
		return nil, err
	}
	return &Report{ReadinessCheck: *check, Summary: summarize(check.Items)}, nil
}

// GetHistory lists the checks of a run, newest first, without their items.
func (s *Service) GetHistory(ctx context.Context, runNo string) ([]model.ReadinessCheck, error) {
	db := s.db.WithContext(ctx)
	run, err := store.FindRunByNo(db, runNo)
	if err != nil {
		return nil, err
	}
	var checks []model.ReadinessCheck
	if err := db.Where("run_id = ?", run.ID).Order("checked_at DESC").Find(&checks).Error; err != nil {
		return nil, err
	}
	return checks, nil
}

// Authorize reports whether the latest FORMAL check of a run has no failed
// items. A FORMAL check is performed first when none exists.
func (s *Service) Authorize(ctx context.Context, run *model.Run) (*Authorization, error) {
	check, err := latest(s.db.WithContext(ctx), run.ID, model.CheckFormal)
	if err != nil {
		return nil, err
	}
	var items []model.ReadinessCheckItem
	if check == nil {
		report, err := s.perform(ctx, run, model.CheckFormal, "")
		if err != nil {
			return nil, err
		}
		items = report.Items
	} else {
		items = check.Items
	}

	res := &Authorization{}
	for _, it := range items {
		if it.Status == model.ItemFailed {
			res.FailedItems = append(res.FailedItems, it)
		}
	}
	res.CanAuthorize = len(res.FailedItems) == 0
	return res, nil
}

// AuthorizationFor is Authorize by run number.
func (s *Service) AuthorizationFor(ctx context.Context, runNo string) (*Authorization, error) {
	run, err := store.FindRunByNo(s.db.WithContext(ctx), runNo)
	if err != nil {
		return nil, err
	}
	return s.Authorize(ctx, run)
}

// CanAuthorize implements store.AuthorizationGate.
func (s *Service) CanAuthorize(ctx context.Context, runID string) (bool, error) {
	run, err := store.FindRun(s.db.WithContext(ctx), runID)
	if err != nil {
		return false, err
	}
	res, err := s.Authorize(ctx, run)
	if err != nil {
		return false, err
	}
	return res.CanAuthorize, nil
}

// WaiveItem marks a failed item WAIVED. The check passes once none of its
// items is still failed.
func (s *Service) WaiveItem(ctx context.Context, itemID string, in WaiveInput) (*model.ReadinessCheckItem, error) {
	if !s.oracle.Can(ctx, in.WaivedBy, permission.ReadinessOverride) {
		return nil, apperr.Denied("PERMISSION_DENIED", "%q may not waive readiness items", in.WaivedBy)
	}
	if in.Reason == "" {
		return nil, apperr.Invalid("REASON_REQUIRED", "a waive reason is required")
	}

	var item model.ReadinessCheckItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&item, "id = ?", itemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("ITEM_NOT_FOUND", "check item %s not found", itemID)
			}
			return err
		}
		if item.Status != model.ItemFailed {
			return apperr.Conflict("ITEM_NOT_FAILED", "only failed items can be waived, item is %s", item.Status)
		}

		now := s.now()
		res := tx.Model(&model.ReadinessCheckItem{}).
			Where("id = ? AND status = ?", itemID, model.ItemFailed).
			Updates(map[string]any{
				"status":       model.ItemWaived,
				"waived_at":    now,
				"waived_by":    in.WaivedBy,
				"waive_reason": in.Reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("ITEM_NOT_FAILED", "item %s was changed concurrently", itemID)
		}

		var remaining int64
		if err := tx.Model(&model.ReadinessCheckItem{}).
			Where("check_id = ? AND status = ?", item.CheckID, model.ItemFailed).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			if err := tx.Model(&model.ReadinessCheck{}).Where("id = ?", item.CheckID).
				Update("status", model.CheckPassed).Error; err != nil {
				return err
			}
		}
		return tx.First(&item, "id = ?", itemID).Error
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "ReadinessCheckItem", EntityID: itemID, Action: "READINESS_WAIVE", ActorID: in.WaivedBy, After: &item}.Result(err))
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListRunsWithExceptions returns runs whose latest check failed, newest
// check first. Without a status filter only PREP runs are listed.
func (s *Service) ListRunsWithExceptions(ctx context.Context, f ExceptionFilter) ([]Exception, int, error) {
	statuses := []string{model.RunPrep}
	if f.Status != "" && f.Status != "ALL" {
		statuses = []string{f.Status}
	}

	q := s.db.WithContext(ctx).Model(&model.ReadinessCheck{}).
		Select("readiness_checks.*").
		Joins("JOIN runs ON runs.id = readiness_checks.run_id").
		Where("runs.status IN ?", statuses)
	if f.LineID != "" {
		q = q.Where("runs.line_id = ?", f.LineID)
	}
	if f.From != nil {
		q = q.Where("readiness_checks.checked_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("readiness_checks.checked_at <= ?", *f.To)
	}
	var checks []model.ReadinessCheck
	if err := q.Preload("Items").Order("readiness_checks.checked_at DESC").Find(&checks).Error; err != nil {
		return nil, 0, err
	}

	seen := make(map[string]bool)
	var blocked []model.ReadinessCheck
	for _, c := range checks {
		if seen[c.RunID] {
			continue
		}
		seen[c.RunID] = true
		if c.Status == model.CheckFailed {
			blocked = append(blocked, c)
		}
	}

	total := len(blocked)
	page, size := store.PageBounds(f.Page, f.PageSize)
	start := min((page-1)*size, total)
	blocked = blocked[start:min(start+size, total)]

	out := make([]Exception, 0, len(blocked))
	for _, c := range blocked {
		var run model.Run
		if err := s.db.WithContext(ctx).Preload("WorkOrder").First(&run, "id = ?", c.RunID).Error; err != nil {
			return nil, 0, err
		}
		e := Exception{
			RunNo:       run.RunNo,
			RunStatus:   run.Status,
			CheckID:     c.ID,
			CheckType:   c.Type,
			CheckStatus: c.Status,
			CheckedAt:   c.CheckedAt,
		}
		if run.WorkOrder != nil {
			e.ProductCode = run.WorkOrder.ProductCode
		}
		if run.LineID != nil {
			var line model.Line
			if err := s.db.WithContext(ctx).First(&line, "id = ?", *run.LineID).Error; err == nil {
				e.LineCode, e.LineName = model.StrPtr(line.Code), model.StrPtr(line.Name)
			}
		}
		sum := summarize(c.Items)
		e.FailedCount, e.WaivedCount = sum.Failed, sum.Waived
		out = append(out, e)
	}
	return out, total, nil
}

// PrecheckAffectedRuns re-runs a PRECHECK for every PREP run of a line, for
// example after its equipment, stencil or paste status changed. It returns
// the number of runs checked; individual failures are logged.
func (s *Service) PrecheckAffectedRuns(ctx context.Context, lineID string) (int, error) {
	var runs []model.Run
	err := s.db.WithContext(ctx).Where("line_id = ? AND status = ?", lineID, model.RunPrep).Order("run_no").Find(&runs).Error
	if err != nil {
		return 0, err
	}
	checked := 0
	for i := range runs {
		if _, err := s.perform(ctx, &runs[i], model.CheckPrecheck, ""); err != nil {
			s.logger.WarnContext(ctx, "precheck failed", "runNo", runs[i].RunNo, "error", err)
			continue
		}
		checked++
	}
	return checked, nil
}

// PrecheckForEquipment re-runs prechecks on the lines owning the given
// stations.
func (s *Service) PrecheckForEquipment(ctx context.Context, equipmentCodes []string) (int, error) {
	if len(equipmentCodes) == 0 {
		return 0, nil
	}
	var lineIDs []string
	err := s.db.WithContext(ctx).Model(&model.Station{}).
		Where("code IN ? AND line_id IS NOT NULL", equipmentCodes).
		Distinct().Pluck("line_id", &lineIDs).Error
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range lineIDs {
		n, err := s.PrecheckAffectedRuns(ctx, id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

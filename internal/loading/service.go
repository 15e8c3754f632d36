// Package loading verifies the material loaded into feeder slots against
// what a run expects, locking a slot after repeated mismatches.
package loading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/metrics"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/parse"
	"mes-execution-backend/internal/store"
)

// LockThreshold is the number of consecutive mismatches that locks a slot.
const LockThreshold = 3

// VerifyInput is one scan of a material lot at a slot.
type VerifyInput struct {
	RunNo      string `json:"runNo"`
	SlotCode   string `json:"slotCode"`
	Barcode    string `json:"materialLotBarcode"`
	OperatorID string `json:"operatorId"`
}

// ReplaceInput swaps the material of a loaded slot.
type ReplaceInput struct {
	RunNo      string `json:"runNo"`
	SlotCode   string `json:"slotCode"`
	Barcode    string `json:"newMaterialLotBarcode"`
	OperatorID string `json:"operatorId"`
	Reason     string `json:"reason"`
}

// SlotTable is the result of loading the expectations of a run.
type SlotTable struct {
	RunID   string `json:"runId"`
	Created int    `json:"created"`
}

// Service runs slot loading verification.
type Service struct {
	db     *gorm.DB
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a loading service.
func NewService(db *gorm.DB, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{db: db, audit: sink, logger: logger.With("component", "loading"), now: time.Now}
}

// prepRun loads a run that may still be loaded: it must be on a line and in
// PREP.
func prepRun(db *gorm.DB, runNo string) (*model.Run, error) {
	run, err := store.FindRunByNo(db, runNo)
	if err != nil {
		return nil, err
	}
	if run.LineID == nil {
		return nil, apperr.Invalid("RUN_LINE_NOT_SET", "run %s has no line", runNo)
	}
	if run.Status != model.RunPrep {
		return nil, apperr.Conflict("RUN_STATUS_INVALID", "loading is only allowed while run %s is PREP, it is %s", runNo, run.Status)
	}
	return run, nil
}

func specificity(m model.SlotMaterialMapping) int {
	n := 0
	if m.ProductCode != nil {
		n++
	}
	if m.RoutingID != nil {
		n++
	}
	return n
}

// expectationFor picks the primary material and its alternates among the
// mappings of one slot. ok is false when nothing applies.
func expectationFor(mappings []model.SlotMaterialMapping, productCode, routingID string) (string, []string, bool) {
	var candidates []model.SlotMaterialMapping
	for _, m := range mappings {
		if m.ProductCode != nil && *m.ProductCode != productCode {
			continue
		}
		if m.RoutingID != nil && *m.RoutingID != routingID {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return "", nil, false
	}

	best := 0
	for _, m := range candidates {
		best = max(best, specificity(m))
	}
	scoped := slices.DeleteFunc(candidates, func(m model.SlotMaterialMapping) bool { return specificity(m) != best })
	slices.SortStableFunc(scoped, func(a, b model.SlotMaterialMapping) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		switch {
		case a.IsAlternate == b.IsAlternate:
			return 0
		case b.IsAlternate:
			return -1
		default:
			return 1
		}
	})

	primary := scoped[0].MaterialCode
	for _, m := range scoped {
		if !m.IsAlternate {
			primary = m.MaterialCode
			break
		}
	}
	var alternates []string
	for _, m := range scoped {
		if m.MaterialCode != primary && !slices.Contains(alternates, m.MaterialCode) {
			alternates = append(alternates, m.MaterialCode)
		}
	}
	return primary, alternates, true
}

// LoadSlotTable derives the expected material of every slot on the run's
// line. Any slot without an applicable mapping aborts the whole table.
func (s *Service) LoadSlotTable(ctx context.Context, runNo, actor string) (*SlotTable, error) {
	db := s.db.WithContext(ctx)
	run, err := prepRun(db, runNo)
	if err != nil {
		return nil, err
	}
	var records int64
	if err := db.Model(&model.LoadingRecord{}).Where("run_id = ?", run.ID).Count(&records).Error; err != nil {
		return nil, err
	}
	if records > 0 {
		return nil, apperr.Conflict("LOADING_ALREADY_STARTED", "run %s already has loading records", runNo)
	}

	var wo model.WorkOrder
	if err := db.First(&wo, "id = ?", run.WoID).Error; err != nil {
		return nil, fmt.Errorf("load work order of run %s: %w", runNo, err)
	}
	routingID := ""
	if run.RouteVersionID != nil {
		var version model.RouteVersion
		if err := db.First(&version, "id = ?", *run.RouteVersionID).Error; err == nil {
			routingID = version.RoutingID
		}
	}

	var slots []model.FeederSlot
	if err := db.Where("line_id = ?", *run.LineID).Order("position, slot_code").Find(&slots).Error; err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, apperr.Invalid("FEEDER_SLOTS_NOT_FOUND", "line of run %s has no feeder slots", runNo)
	}
	slotIDs := make([]string, 0, len(slots))
	for _, sl := range slots {
		slotIDs = append(slotIDs, sl.ID)
	}
	var mappings []model.SlotMaterialMapping
	if err := db.Where("slot_id IN ?", slotIDs).Find(&mappings).Error; err != nil {
		return nil, err
	}
	bySlot := make(map[string][]model.SlotMaterialMapping)
	for _, m := range mappings {
		bySlot[m.SlotID] = append(bySlot[m.SlotID], m)
	}

	var missing []string
	expectations := make([]model.RunSlotExpectation, 0, len(slots))
	for _, sl := range slots {
		primary, alternates, ok := expectationFor(bySlot[sl.ID], wo.ProductCode, routingID)
		if !ok {
			missing = append(missing, sl.SlotCode)
			continue
		}
		e := model.RunSlotExpectation{RunID: run.ID, SlotID: sl.ID, ExpectedMaterialCode: primary, Status: model.ExpectationPending}
		if len(alternates) > 0 {
			e.Alternates, _ = json.Marshal(alternates)
		}
		expectations = append(expectations, e)
	}
	if len(missing) > 0 {
		return nil, apperr.Invalid("SLOT_MAPPING_MISSING", "missing slot mapping for slots: %s", strings.Join(missing, ", "))
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", run.ID).Delete(&model.RunSlotExpectation{}).Error; err != nil {
			return err
		}
		return tx.Create(&expectations).Error
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "Run", EntityID: run.ID, Action: "LOADING_TABLE", ActorID: actor}.Result(err))
	if err != nil {
		return nil, fmt.Errorf("store slot table of run %s: %w", runNo, err)
	}
	return &SlotTable{RunID: run.ID, Created: len(expectations)}, nil
}

func slotAndExpectation(tx *gorm.DB, run *model.Run, slotCode string) (*model.FeederSlot, *model.RunSlotExpectation, error) {
	var slot model.FeederSlot
	if err := tx.Where("line_id = ? AND slot_code = ?", *run.LineID, slotCode).First(&slot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperr.NotFound("SLOT_NOT_FOUND", "slot %s not found on the run's line", slotCode)
		}
		return nil, nil, err
	}
	if slot.IsLocked {
		return nil, nil, apperr.Locked("SLOT_LOCKED", "slot %s is locked, manual unlock required", slotCode)
	}
	var exp model.RunSlotExpectation
	if err := tx.Where("run_id = ? AND slot_id = ?", run.ID, slot.ID).First(&exp).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperr.Invalid("SLOT_EXPECTATION_MISSING", "slot table of run %s has no entry for %s", run.RunNo, slotCode)
		}
		return nil, nil, err
	}
	return &slot, &exp, nil
}

// lookupLot resolves a bare lot number. A lot number shared by several
// materials is ambiguous.
func lookupLot(tx *gorm.DB, lotNo string) (*model.MaterialLot, error) {
	var lots []model.MaterialLot
	if err := tx.Where("lot_no = ?", lotNo).Limit(2).Find(&lots).Error; err != nil {
		return nil, err
	}
	switch len(lots) {
	case 0:
		return nil, apperr.NotFound("MATERIAL_LOT_NOT_FOUND", "no material lot %s", lotNo)
	case 1:
		return &lots[0], nil
	default:
		return nil, apperr.Invalid("MATERIAL_LOT_AMBIGUOUS", "lot %s belongs to several materials", lotNo)
	}
}

// resolveLot turns a scan into a material lot, registering lots scanned
// with an explicit material code.
func resolveLot(tx *gorm.DB, barcode string) (*model.MaterialLot, error) {
	parsed, ok := parse.MaterialLotBarcode(barcode)
	if !ok {
		return lookupLot(tx, parsed.LotNo)
	}
	lot := model.MaterialLot{MaterialCode: parsed.MaterialCode, LotNo: parsed.LotNo}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "material_code"}, {Name: "lot_no"}},
		DoNothing: true,
	}).Create(&lot).Error
	if err != nil {
		return nil, err
	}
	// lot carries the hook-assigned id even when the insert was skipped.
	var existing model.MaterialLot
	if err := tx.Where("material_code = ? AND lot_no = ?", parsed.MaterialCode, parsed.LotNo).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

// scannedMaterial resolves the material of a scan without registering it.
func scannedMaterial(tx *gorm.DB, barcode string) string {
	if parsed, ok := parse.MaterialLotBarcode(barcode); ok {
		return parsed.MaterialCode
	}
	lot, err := lookupLot(tx, strings.TrimSpace(barcode))
	if err != nil {
		return ""
	}
	return lot.MaterialCode
}

func alternatesOf(e *model.RunSlotExpectation) []string {
	var out []string
	if len(e.Alternates) > 0 {
		_ = json.Unmarshal(e.Alternates, &out)
	}
	return out
}

// Match grades a loaded material against an expectation.
func Match(e *model.RunSlotExpectation, materialCode string) string {
	switch {
	case materialCode == e.ExpectedMaterialCode:
		return model.VerifyPass
	case slices.Contains(alternatesOf(e), materialCode):
		return model.VerifyWarning
	default:
		return model.VerifyFail
	}
}

// apply grades a lot against the slot expectation, updates slot and
// expectation state and writes the loading record.
func (s *Service) apply(tx *gorm.DB, run *model.Run, slot *model.FeederSlot, exp *model.RunSlotExpectation, lot *model.MaterialLot, operator string, meta map[string]any) (*model.LoadingRecord, error) {
	now := s.now()
	result := Match(exp, lot.MaterialCode)
	rec := &model.LoadingRecord{
		RunID:         run.ID,
		SlotID:        slot.ID,
		ExpectationID: exp.ID,
		MaterialLotID: lot.ID,
		MaterialCode:  lot.MaterialCode,
		ExpectedCode:  model.StrPtr(exp.ExpectedMaterialCode),
		Status:        model.LoadingLoaded,
		VerifyResult:  result,
		LoadedAt:      now,
		LoadedBy:      operator,
	}
	if meta != nil {
		rec.Meta, _ = json.Marshal(meta)
	}

	slotQuery := tx.Model(&model.FeederSlot{}).Where("id = ? AND is_locked = ? AND failed_attempts = ?", slot.ID, false, slot.FailedAttempts)
	var slotUpdates, expUpdates map[string]any
	if result != model.VerifyFail {
		slotUpdates = map[string]any{
			"current_material_lot_id": lot.ID,
			"failed_attempts":         0,
			"is_locked":               false,
			"locked_at":               nil,
			"locked_reason":           nil,
		}
		expUpdates = map[string]any{
			"status":               model.ExpectationLoaded,
			"loaded_material_code": lot.MaterialCode,
			"loaded_at":            now,
			"loaded_by":            operator,
		}
	} else {
		attempts := slot.FailedAttempts + 1
		locked := attempts >= LockThreshold
		slotUpdates = map[string]any{
			"current_material_lot_id": nil,
			"failed_attempts":         attempts,
			"is_locked":               locked,
			"locked_at":               nil,
			"locked_reason":           nil,
		}
		if locked {
			slotUpdates["locked_at"] = now
			slotUpdates["locked_reason"] = fmt.Sprintf("%d consecutive failures", LockThreshold)
		}
		expUpdates = map[string]any{
			"status":               model.ExpectationMismatch,
			"loaded_material_code": nil,
			"loaded_at":            nil,
			"loaded_by":            nil,
		}
		rec.Status = model.LoadingUnloaded
		rec.FailReason = model.StrPtr(fmt.Sprintf("material mismatch: expected %s, got %s", exp.ExpectedMaterialCode, lot.MaterialCode))
	}

	res := slotQuery.Updates(slotUpdates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict("SLOT_STATE_CONFLICT", "slot %s changed concurrently", slot.SlotCode)
	}
	if err := tx.Model(&model.RunSlotExpectation{}).Where("id = ?", exp.ID).Updates(expUpdates).Error; err != nil {
		return nil, err
	}
	if err := tx.Create(rec).Error; err != nil {
		return nil, err
	}
	var updated model.FeederSlot
	if err := tx.First(&updated, "id = ?", slot.ID).Error; err != nil {
		return nil, err
	}
	if updated.IsLocked {
		s.logger.Warn("slot locked", "slotCode", slot.SlotCode, "runNo", run.RunNo, "failedAttempts", updated.FailedAttempts)
	}
	rec.Slot, rec.MaterialLot = &updated, lot
	return rec, nil
}

func (s *Service) observe(ctx context.Context, action, runNo, actor string, rec *model.LoadingRecord, err error) {
	result := "ERROR"
	var after any
	if rec != nil {
		result, after = rec.VerifyResult, rec
	}
	if code, ok := apperr.As(err); ok {
		result = code.Code
	}
	metrics.LoadingVerifications.WithLabelValues(result).Inc()
	s.audit.Record(ctx, audit.Entry{EntityType: "Run", EntityID: runNo, Action: action, ActorID: actor, After: after}.Result(err))
}

// VerifyLoading grades a scan at a slot. A mismatch is not an error: it is
// recorded as a FAIL and counts towards the slot lock. Re-scanning the
// material a slot already holds returns the existing record.
func (s *Service) VerifyLoading(ctx context.Context, in VerifyInput) (rec *model.LoadingRecord, err error) {
	defer func() { s.observe(ctx, "LOADING_VERIFY", in.RunNo, in.OperatorID, rec, err) }()

	run, err := prepRun(s.db.WithContext(ctx), in.RunNo)
	if err != nil {
		return nil, err
	}
	if in.OperatorID == "" {
		return nil, apperr.Invalid("OPERATOR_REQUIRED", "operator id is required")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		slot, exp, err := slotAndExpectation(tx, run, in.SlotCode)
		if err != nil {
			return err
		}
		if exp.Status == model.ExpectationLoaded {
			if m := scannedMaterial(tx, in.Barcode); m != "" && m == model.Deref(exp.LoadedMaterialCode) {
				var existing model.LoadingRecord
				err := tx.Preload("Slot").Preload("MaterialLot").
					Where("run_id = ? AND slot_id = ? AND status = ?", run.ID, slot.ID, model.LoadingLoaded).
					Order("loaded_at DESC").First(&existing).Error
				if err == nil {
					rec = &existing
					return nil
				}
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
			}
			return apperr.Conflict("SLOT_ALREADY_LOADED", "slot %s is already loaded, use replace", in.SlotCode)
		}

		lot, err := resolveLot(tx, in.Barcode)
		if err != nil {
			return err
		}
		rec, err = s.apply(tx, run, slot, exp, lot, in.OperatorID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ReplaceLoading swaps the material of a LOADED slot. The previous record
// becomes REPLACED and the new lot is graded like a fresh scan.
func (s *Service) ReplaceLoading(ctx context.Context, in ReplaceInput) (rec *model.LoadingRecord, err error) {
	defer func() { s.observe(ctx, "LOADING_REPLACE", in.RunNo, in.OperatorID, rec, err) }()

	run, err := prepRun(s.db.WithContext(ctx), in.RunNo)
	if err != nil {
		return nil, err
	}
	if in.OperatorID == "" {
		return nil, apperr.Invalid("OPERATOR_REQUIRED", "operator id is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, apperr.Invalid("REASON_REQUIRED", "a replacement reason is required")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		slot, exp, err := slotAndExpectation(tx, run, in.SlotCode)
		if err != nil {
			return err
		}
		if exp.Status != model.ExpectationLoaded {
			return apperr.Invalid("SLOT_NOT_LOADED", "slot %s is not loaded, use verify", in.SlotCode)
		}
		err = tx.Model(&model.LoadingRecord{}).
			Where("run_id = ? AND slot_id = ? AND status = ?", run.ID, slot.ID, model.LoadingLoaded).
			Updates(map[string]any{"status": model.LoadingReplaced, "unloaded_at": s.now(), "unloaded_by": in.OperatorID}).Error
		if err != nil {
			return err
		}
		lot, err := resolveLot(tx, in.Barcode)
		if err != nil {
			return err
		}
		rec, err = s.apply(tx, run, slot, exp, lot, in.OperatorID, map[string]any{"replaceReason": in.Reason})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type unlockEvent struct {
	By                   string     `json:"by"`
	Reason               string     `json:"reason"`
	At                   time.Time  `json:"at"`
	PreviousLockedAt     *time.Time `json:"previousLockedAt"`
	PreviousLockedReason *string    `json:"previousLockedReason"`
}

// UnlockSlot clears a slot lock and its failure counter, keeping the
// unlock in the slot's history.
func (s *Service) UnlockSlot(ctx context.Context, slotID, operatorID, reason string) (*model.FeederSlot, error) {
	if operatorID == "" {
		return nil, apperr.Invalid("OPERATOR_REQUIRED", "operator id is required")
	}
	var slot model.FeederSlot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&slot, "id = ?", slotID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("SLOT_NOT_FOUND", "slot %s not found", slotID)
			}
			return err
		}

		meta := map[string]any{}
		if len(slot.Meta) > 0 {
			_ = json.Unmarshal(slot.Meta, &meta)
		}
		history, _ := meta["unlockHistory"].([]any)
		meta["unlockHistory"] = append(history, unlockEvent{
			By:                   operatorID,
			Reason:               reason,
			At:                   s.now(),
			PreviousLockedAt:     slot.LockedAt,
			PreviousLockedReason: slot.LockedReason,
		})
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}

		err = tx.Model(&model.FeederSlot{}).Where("id = ?", slotID).Updates(map[string]any{
			"is_locked":       false,
			"failed_attempts": 0,
			"locked_at":       nil,
			"locked_reason":   nil,
			"meta":            datatypes.JSON(raw),
		}).Error
		if err != nil {
			return err
		}
		return tx.First(&slot, "id = ?", slotID).Error
	})
	s.audit.Record(ctx, audit.Entry{EntityType: "FeederSlot", EntityID: slotID, Action: "SLOT_UNLOCK", ActorID: operatorID, After: &slot}.Result(err))
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "slot unlocked", "slotCode", slot.SlotCode, "by", operatorID)
	return &slot, nil
}

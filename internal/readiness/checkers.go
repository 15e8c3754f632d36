package readiness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/route"
)

// Result is one evaluated gate item before it is stored.
type Result struct {
	ItemType   string
	ItemKey    string
	Status     string
	FailReason string
	Evidence   map[string]any
}

func passed(itemType, key string) Result {
	return Result{ItemType: itemType, ItemKey: key, Status: model.ItemPassed}
}

func failed(itemType, key, reason string, evidence map[string]any) Result {
	return Result{ItemType: itemType, ItemKey: key, Status: model.ItemFailed, FailReason: reason, Evidence: evidence}
}

// Checker evaluates one readiness gate for a run. The db handle is already
// bound to the request context.
type Checker interface {
	ItemType() string
	Check(ctx context.Context, db *gorm.DB, run *model.Run) ([]Result, error)
}

// DefaultCheckers returns the gates in evaluation order.
func DefaultCheckers(routes *route.Reader) []Checker {
	return []Checker{
		equipmentChecker{},
		materialChecker{},
		routeChecker{routes: routes},
		stencilChecker{},
		solderPasteChecker{},
		loadingChecker{},
	}
}

// lineMeta is the readiness part of Line.Meta.
type lineMeta struct {
	ReadinessChecks *struct {
		Enabled []string `json:"enabled"`
	} `json:"readinessChecks"`
}

// enabledChecks returns the allow-list configured on a line, or nil when the
// line does not restrict its checks.
func enabledChecks(line *model.Line) map[string]bool {
	if line == nil || len(line.Meta) == 0 {
		return nil
	}
	var meta lineMeta
	if err := json.Unmarshal(line.Meta, &meta); err != nil || meta.ReadinessChecks == nil || meta.ReadinessChecks.Enabled == nil {
		return nil
	}
	set := make(map[string]bool, len(meta.ReadinessChecks.Enabled))
	for _, t := range meta.ReadinessChecks.Enabled {
		set[strings.ToUpper(strings.TrimSpace(t))] = true
	}
	return set
}

func lineStations(db *gorm.DB, run *model.Run) ([]model.Station, error) {
	if run.LineID == nil {
		return nil, nil
	}
	var stations []model.Station
	if err := db.Where("line_id = ?", *run.LineID).Order("code").Find(&stations).Error; err != nil {
		return nil, fmt.Errorf("list stations of line %s: %w", *run.LineID, err)
	}
	return stations, nil
}

type equipmentChecker struct{}

func (equipmentChecker) ItemType() string { return model.ItemEquipment }

func (equipmentChecker) Check(_ context.Context, db *gorm.DB, run *model.Run) ([]Result, error) {
	stations, err := lineStations(db, run)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(stations))
	for _, st := range stations {
		var eq model.TpmEquipment
		err := db.Where("equipment_code = ?", st.Code).First(&eq).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			results = append(results, failed(model.ItemEquipment, st.Code, "equipment not registered in TPM",
				map[string]any{"stationCode": st.Code, "sourceSystem": "TPM"}))
			continue
		}
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(eq.Status, model.EquipmentNormal) {
			results = append(results, failed(model.ItemEquipment, st.Code, fmt.Sprintf("equipment status is %s", eq.Status),
				map[string]any{"stationCode": st.Code, "status": eq.Status}))
			continue
		}
		var task model.MaintenanceTask
		err = db.Where("equipment_code = ? AND status IN ? AND task_type IN ?", st.Code,
			[]string{model.MaintenancePending, model.MaintenanceInProgress}, model.BlockingMaintenanceTypes).
			First(&task).Error
		switch {
		case err == nil:
			results = append(results, failed(model.ItemEquipment, st.Code, fmt.Sprintf("%s maintenance %s", task.TaskType, strings.ToLower(task.Status)),
				map[string]any{"stationCode": st.Code, "taskId": task.ID, "taskType": task.TaskType}))
		case errors.Is(err, gorm.ErrRecordNotFound):
			results = append(results, passed(model.ItemEquipment, st.Code))
		default:
			return nil, err
		}
	}
	return results, nil
}

type materialChecker struct{}

func (materialChecker) ItemType() string { return model.ItemMaterial }

func (materialChecker) Check(_ context.Context, db *gorm.DB, run *model.Run) ([]Result, error) {
	var wo model.WorkOrder
	err := db.First(&wo, "id = ?", run.WoID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []Result{failed(model.ItemMaterial, run.RunNo, "work order not found", nil)}, nil
	}
	if err != nil {
		return nil, err
	}

	var bom []model.BomItem
	if err := db.Where("parent_code = ?", wo.ProductCode).Order("child_code").Find(&bom).Error; err != nil {
		return nil, err
	}
	if len(bom) == 0 {
		return []Result{failed(model.ItemMaterial, wo.ProductCode, "no BOM for product",
			map[string]any{"productCode": wo.ProductCode})}, nil
	}

	codes := make([]string, 0, len(bom))
	for _, b := range bom {
		codes = append(codes, b.ChildCode)
	}
	var known []string
	if err := db.Model(&model.Material{}).Where("code IN ?", codes).Pluck("code", &known).Error; err != nil {
		return nil, err
	}
	exists := make(map[string]bool, len(known))
	for _, c := range known {
		exists[c] = true
	}

	results := make([]Result, 0, len(bom))
	for _, b := range bom {
		if exists[b.ChildCode] {
			results = append(results, passed(model.ItemMaterial, b.ChildCode))
			continue
		}
		results = append(results, failed(model.ItemMaterial, b.ChildCode, "material master data missing",
			map[string]any{"productCode": wo.ProductCode, "qty": b.Qty}))
	}
	return results, nil
}

type routeChecker struct {
	routes *route.Reader
}

func (routeChecker) ItemType() string { return model.ItemRoute }

func (c routeChecker) Check(ctx context.Context, db *gorm.DB, run *model.Run) ([]Result, error) {
	if run.RouteVersionID == nil || *run.RouteVersionID == "" {
		return []Result{failed(model.ItemRoute, run.RunNo, "run has no route version", nil)}, nil
	}
	var version model.RouteVersion
	err := db.First(&version, "id = ?", *run.RouteVersionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []Result{failed(model.ItemRoute, *run.RouteVersionID, "route version not found", nil)}, nil
	}
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("v%d", version.VersionNo)
	if version.Status != model.RouteVersionReady {
		return []Result{failed(model.ItemRoute, key, fmt.Sprintf("route version is %s", version.Status),
			map[string]any{"status": version.Status})}, nil
	}

	snap, err := c.routes.Load(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	stations, err := lineStations(db, run)
	if err != nil {
		return nil, err
	}
	if run.LineID != nil {
		if missing := snap.UncoveredSteps(stations); len(missing) > 0 {
			return []Result{failed(model.ItemRoute, key, "line stations cannot serve every step",
				map[string]any{"uncoveredSteps": missing})}, nil
		}
	}
	return []Result{passed(model.ItemRoute, key)}, nil
}

// latestStatus returns the newest status record of an entity, or "" when
// none exists.
func latestStatus(db *gorm.DB, record any, column, id string) (string, error) {
	var statuses []string
	err := db.Model(record).Where(column+" = ?", id).Order("event_time DESC").Limit(1).Pluck("status", &statuses).Error
	if err != nil || len(statuses) == 0 {
		return "", err
	}
	return statuses[0], nil
}

type stencilChecker struct{}

func (stencilChecker) ItemType() string { return model.ItemStencil }

func (stencilChecker) Check(_ context.Context, db *gorm.DB, run *model.Run) ([]Result, error) {
	if run.LineID == nil {
		return nil, nil
	}
	var binding model.LineStencil
	err := db.Where("line_id = ? AND is_current = ?", *run.LineID, true).Order("bound_at DESC").First(&binding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []Result{failed(model.ItemStencil, *run.LineID, "no stencil bound to line", nil)}, nil
	}
	if err != nil {
		return nil, err
	}
	status, err := latestStatus(db, &model.StencilStatusRecord{}, "stencil_id", binding.StencilID)
	if err != nil {
		return nil, err
	}
	switch status {
	case "":
		return []Result{failed(model.ItemStencil, binding.StencilID, "no stencil status recorded", nil)}, nil
	case model.StencilReady:
		return []Result{passed(model.ItemStencil, binding.StencilID)}, nil
	default:
		return []Result{failed(model.ItemStencil, binding.StencilID, fmt.Sprintf("stencil status is %s", status),
			map[string]any{"status": status})}, nil
	}
}

type solderPasteChecker struct{}

func (solderPasteChecker) ItemType() string { return model.ItemSolderPaste }

func (solderPasteChecker) Check(_ context.Context, db *gorm.DB, run *model.Run) ([]Result, error) {
	if run.LineID == nil {
		return nil, nil
	}
	var binding model.LineSolderPaste
	err := db.Where("line_id = ? AND is_current = ?", *run.LineID, true).Order("bound_at DESC").First(&binding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []Result{failed(model.ItemSolderPaste, *run.LineID, "no solder paste bound to line", nil)}, nil
	}
	if err != nil {
		return nil, err
	}
	status, err := latestStatus(db, &model.SolderPasteStatusRecord{}, "lot_id", binding.LotID)
	if err != nil {
		return nil, err
	}
	switch status {
	case "":
		return []Result{failed(model.ItemSolderPaste, binding.LotID, "no solder paste status recorded", nil)}, nil
	case model.SolderPasteCompliant:
		return []Result{passed(model.ItemSolderPaste, binding.LotID)}, nil
	default:
		return []Result{failed(model.ItemSolderPaste, binding.LotID, fmt.Sprintf("solder paste status is %s", status),
			map[string]any{"status": status})}, nil
	}
}

type loadingChecker struct{}

func (loadingChecker) ItemType() string { return model.ItemLoading }

func (loadingChecker) Check(_ context.Context, db *gorm.DB, run *model.Run) ([]Result, error) {
	var expectations []model.RunSlotExpectation
	if err := db.Preload("Slot").Where("run_id = ?", run.ID).Find(&expectations).Error; err != nil {
		return nil, err
	}
	if len(expectations) == 0 {
		if run.LineID == nil {
			return nil, nil
		}
		var slots int64
		if err := db.Model(&model.FeederSlot{}).Where("line_id = ?", *run.LineID).Count(&slots).Error; err != nil {
			return nil, err
		}
		if slots == 0 {
			return nil, nil
		}
		return []Result{failed(model.ItemLoading, "SLOT_TABLE", "slot table not loaded for run",
			map[string]any{"code": "SLOT_TABLE_MISSING"})}, nil
	}

	results := make([]Result, 0, len(expectations))
	for _, e := range expectations {
		key := e.SlotID
		if e.Slot != nil {
			key = e.Slot.SlotCode
		}
		switch e.Status {
		case model.ExpectationLoaded:
			results = append(results, passed(model.ItemLoading, key))
		case model.ExpectationMismatch:
			results = append(results, failed(model.ItemLoading, key, "loaded material does not match",
				map[string]any{"expected": e.ExpectedMaterialCode, "loaded": model.Deref(e.LoadedMaterialCode)}))
		default:
			results = append(results, failed(model.ItemLoading, key, "slot not loaded",
				map[string]any{"expected": e.ExpectedMaterialCode}))
		}
	}
	return results, nil
}

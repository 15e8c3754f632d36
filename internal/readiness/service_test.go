package readiness

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/permission"
	"mes-execution-backend/internal/route"
	"mes-execution-backend/internal/testutil"
)

type denyAll struct{}

func (denyAll) Can(context.Context, string, string) bool { return false }

func newService(t *testing.T, db *gorm.DB, oracle permission.Oracle) *Service {
	t.Helper()
	svc := NewService(db, route.NewReader(db, testutil.CacheTTL), oracle, audit.Nop{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return svc
}

// seedReady makes every gate of the fixture's line pass.
func seedReady(t *testing.T, db *gorm.DB, fx *testutil.Fixture) {
	t.Helper()
	now := time.Now()
	require.NoError(t, db.Create(&model.BomItem{ParentCode: "P-1", ChildCode: "RES-10K", Qty: 4}).Error)
	require.NoError(t, db.Create(&model.Material{Code: "RES-10K", Name: "10k resistor"}).Error)
	require.NoError(t, db.Create(&model.LineStencil{LineID: fx.Line.ID, StencilID: "STN-1", IsCurrent: true, BoundAt: now}).Error)
	require.NoError(t, db.Create(&model.StencilStatusRecord{StencilID: "STN-1", Status: model.StencilReady, EventTime: now}).Error)
	require.NoError(t, db.Create(&model.LineSolderPaste{LineID: fx.Line.ID, LotID: "SP-1", IsCurrent: true, BoundAt: now}).Error)
	require.NoError(t, db.Create(&model.SolderPasteStatusRecord{LotID: "SP-1", Status: model.SolderPasteCompliant, EventTime: now}).Error)
}

func itemsOf(r *Report, itemType string) []model.ReadinessCheckItem {
	var out []model.ReadinessCheckItem
	for _, it := range r.Items {
		if it.ItemType == itemType {
			out = append(out, it)
		}
	}
	return out
}

func TestPerformCheck_AllGatesPass(t *testing.T) {
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunPrep)
	seedReady(t, db, fx)
	svc := newService(t, db, permission.AllowAll{})

	report, err := svc.PerformCheck(context.Background(), "R-1", model.CheckPrecheck, "planner")
	require.NoError(t, err)
	assert.Equal(t, model.CheckPassed, report.Status)
	assert.Nil(t, report.CheckedBy, "prechecks are anonymous")
	assert.Equal(t, Summary{Total: 6, Passed: 6}, report.Summary)
	assert.Len(t, itemsOf(report, model.ItemEquipment), 2)
	assert.Empty(t, itemsOf(report, model.ItemLoading), "a line without slots has no loading gate")

	formal, err := svc.PerformCheck(context.Background(), "R-1", model.CheckFormal, "supervisor")
	require.NoError(t, err)
	assert.Equal(t, "supervisor", model.Deref(formal.CheckedBy))

	_, err = svc.PerformCheck(context.Background(), "R-1", "LATE", "x")
	assert.True(t, apperr.Is(err, "CHECK_TYPE_INVALID"))
	_, err = svc.PerformCheck(context.Background(), "R-404", model.CheckFormal, "x")
	assert.True(t, apperr.Is(err, "RUN_NOT_FOUND"))
}

func TestPerformCheck_FailedGates(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(t *testing.T, db *gorm.DB, fx *testutil.Fixture)
		itemType string
		itemKey  string
	}{
		{
			name: "equipment down",
			mutate: func(t *testing.T, db *gorm.DB, _ *testutil.Fixture) {
				require.NoError(t, db.Model(&model.TpmEquipment{}).Where("equipment_code = ?", "ST-AOI").Update("status", "breakdown").Error)
			},
			itemType: model.ItemEquipment,
			itemKey:  "ST-AOI",
		},
		{
			name: "blocking maintenance",
			mutate: func(t *testing.T, db *gorm.DB, _ *testutil.Fixture) {
				require.NoError(t, db.Create(&model.MaintenanceTask{EquipmentCode: "ST-SMT", TaskType: "REPAIR", Status: model.MaintenancePending}).Error)
			},
			itemType: model.ItemEquipment,
			itemKey:  "ST-SMT",
		},
		{
			name: "equipment unknown to TPM",
			mutate: func(t *testing.T, db *gorm.DB, _ *testutil.Fixture) {
				require.NoError(t, db.Where("equipment_code = ?", "ST-SMT").Delete(&model.TpmEquipment{}).Error)
			},
			itemType: model.ItemEquipment,
			itemKey:  "ST-SMT",
		},
		{
			name: "material master missing",
			mutate: func(t *testing.T, db *gorm.DB, _ *testutil.Fixture) {
				require.NoError(t, db.Create(&model.BomItem{ParentCode: "P-1", ChildCode: "CAP-1U", Qty: 2}).Error)
			},
			itemType: model.ItemMaterial,
			itemKey:  "CAP-1U",
		},
		{
			name: "stencil not ready",
			mutate: func(t *testing.T, db *gorm.DB, _ *testutil.Fixture) {
				require.NoError(t, db.Create(&model.StencilStatusRecord{StencilID: "STN-1", Status: "CLEANING", EventTime: time.Now().Add(time.Minute)}).Error)
			},
			itemType: model.ItemStencil,
			itemKey:  "STN-1",
		},
		{
			name: "no paste bound",
			mutate: func(t *testing.T, db *gorm.DB, fx *testutil.Fixture) {
				require.NoError(t, db.Model(&model.LineSolderPaste{}).Where("line_id = ?", fx.Line.ID).Update("is_current", false).Error)
			},
			itemType: model.ItemSolderPaste,
			itemKey:  "",
		},
		{
			name: "route step without station",
			mutate: func(t *testing.T, db *gorm.DB, _ *testutil.Fixture) {
				require.NoError(t, db.Where("code = ?", "ST-AOI").Delete(&model.Station{}).Error)
			},
			itemType: model.ItemRoute,
			itemKey:  "v1",
		},
		{
			name: "slot table not loaded",
			mutate: func(t *testing.T, db *gorm.DB, fx *testutil.Fixture) {
				require.NoError(t, db.Create(&model.FeederSlot{LineID: fx.Line.ID, SlotCode: "2F-46", Position: 1}).Error)
			},
			itemType: model.ItemLoading,
			itemKey:  "SLOT_TABLE",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db := testutil.NewDB(t)
			fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunPrep)
			seedReady(t, db, fx)
			tc.mutate(t, db, fx)
			svc := newService(t, db, permission.AllowAll{})

			report, err := svc.PerformCheck(context.Background(), "R-1", model.CheckFormal, "supervisor")
			require.NoError(t, err)
			assert.Equal(t, model.CheckFailed, report.Status)
			assert.Equal(t, 1, report.Summary.Failed)

			var failedItem *model.ReadinessCheckItem
			for i := range report.Items {
				if report.Items[i].Status == model.ItemFailed {
					failedItem = &report.Items[i]
				}
			}
			require.NotNil(t, failedItem)
			assert.Equal(t, tc.itemType, failedItem.ItemType)
			if tc.itemKey != "" {
				assert.Equal(t, tc.itemKey, failedItem.ItemKey)
			}
			assert.NotEmpty(t, model.Deref(failedItem.FailReason))
		})
	}
}

func TestPerformCheck_LineAllowList(t *testing.T) {
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunPrep)
	meta := datatypes.JSON(`{"readinessChecks":{"enabled":["route","EQUIPMENT"]}}`)
	require.NoError(t, db.Model(&model.Line{}).Where("id = ?", fx.Line.ID).Update("meta", meta).Error)
	svc := newService(t, db, permission.AllowAll{})

	report, err := svc.PerformCheck(context.Background(), "R-1", model.CheckPrecheck, "")
	require.NoError(t, err)
	assert.Equal(t, model.CheckPassed, report.Status, "material, stencil and paste are not checked on this line")
	assert.Equal(t, 3, report.Summary.Total)
}

func TestLoadingGate_Expectations(t *testing.T) {
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunPrep)
	seedReady(t, db, fx)
	slots := []model.FeederSlot{
		{LineID: fx.Line.ID, SlotCode: "1F-01", Position: 1},
		{LineID: fx.Line.ID, SlotCode: "1F-02", Position: 2},
		{LineID: fx.Line.ID, SlotCode: "1F-03", Position: 3},
	}
	require.NoError(t, db.Create(&slots).Error)
	statuses := []string{model.ExpectationLoaded, model.ExpectationMismatch, model.ExpectationPending}
	for i, st := range statuses {
		require.NoError(t, db.Create(&model.RunSlotExpectation{RunID: fx.Run.ID, SlotID: slots[i].ID, ExpectedMaterialCode: "RES-10K", Status: st}).Error)
	}
	svc := newService(t, db, permission.AllowAll{})

	report, err := svc.PerformCheck(context.Background(), "R-1", model.CheckPrecheck, "")
	require.NoError(t, err)
	loading := itemsOf(report, model.ItemLoading)
	require.Len(t, loading, 3)
	got := map[string]string{}
	for _, it := range loading {
		got[it.ItemKey] = it.Status
	}
	assert.Equal(t, map[string]string{"1F-01": model.ItemPassed, "1F-02": model.ItemFailed, "1F-03": model.ItemFailed}, got)
}

func TestCanAuthorize_PerformsFormalCheckAndHonoursWaivers(t *testing.T) {
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunPrep)
	svc := newService(t, db, permission.AllowAll{})
	ctx := context.Background()

	ok, err := svc.CanAuthorize(ctx, fx.Run.ID)
	require.NoError(t, err)
	assert.False(t, ok, "no BOM, stencil or paste on the line")

	history, err := svc.GetHistory(ctx, "R-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.CheckFormal, history[0].Type)

	auth, err := svc.AuthorizationFor(ctx, "R-1")
	require.NoError(t, err)
	require.Len(t, auth.FailedItems, 3)

	history, err = svc.GetHistory(ctx, "R-1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "an existing FORMAL check is reused")

	for _, it := range auth.FailedItems {
		waived, err := svc.WaiveItem(ctx, it.ID, WaiveInput{WaivedBy: "qe", Reason: "engineering build"})
		require.NoError(t, err)
		assert.Equal(t, model.ItemWaived, waived.Status)
		assert.Equal(t, "qe", model.Deref(waived.WaivedBy))
	}

	latest, err := svc.GetLatest(ctx, "R-1", model.CheckFormal)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, model.CheckPassed, latest.Status)
	assert.Equal(t, 3, latest.Summary.Waived)

	ok, err = svc.CanAuthorize(ctx, fx.Run.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaiveItem_Rejections(t *testing.T) {
	db := testutil.NewDB(t)
	testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunPrep)
	svc := newService(t, db, permission.AllowAll{})
	ctx := context.Background()

	report, err := svc.PerformCheck(ctx, "R-1", model.CheckFormal, "supervisor")
	require.NoError(t, err)
	passedItem := itemsOf(report, model.ItemRoute)[0]
	failedItem := itemsOf(report, model.ItemStencil)[0]

	testCases := []struct {
		name     string
		svc      *Service
		itemID   string
		input    WaiveInput
		wantCode string
	}{
		{name: "no permission", svc: newService(t, db, denyAll{}), itemID: failedItem.ID, input: WaiveInput{WaivedBy: "op", Reason: "r"}, wantCode: "PERMISSION_DENIED"},
		{name: "missing reason", svc: svc, itemID: failedItem.ID, input: WaiveInput{WaivedBy: "qe"}, wantCode: "REASON_REQUIRED"},
		{name: "unknown item", svc: svc, itemID: "nope", input: WaiveInput{WaivedBy: "qe", Reason: "r"}, wantCode: "ITEM_NOT_FOUND"},
		{name: "passed item", svc: svc, itemID: passedItem.ID, input: WaiveInput{WaivedBy: "qe", Reason: "r"}, wantCode: "ITEM_NOT_FAILED"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.svc.WaiveItem(ctx, tc.itemID, tc.input)
			assert.True(t, apperr.Is(err, tc.wantCode), "got %v", err)
		})
	}

	_, err = svc.WaiveItem(ctx, passedItem.ID, WaiveInput{WaivedBy: "qe", Reason: "r"})
	assert.True(t, apperr.IsKind(err, apperr.KindStateConflict), "waiving an item in the wrong state is a conflict")

	var check model.ReadinessCheck
	testutil.Reload(t, db, &check, report.ID)
	assert.Equal(t, model.CheckFailed, check.Status)
}

func TestListRunsWithExceptions(t *testing.T) {
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunPrep)
	svc := newService(t, db, permission.AllowAll{})
	ctx := context.Background()

	_, err := svc.PerformCheck(ctx, "R-1", model.CheckPrecheck, "")
	require.NoError(t, err)

	items, total, err := svc.ListRunsWithExceptions(ctx, ExceptionFilter{LineID: fx.Line.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "R-1", items[0].RunNo)
	assert.Equal(t, "P-1", items[0].ProductCode)
	assert.Equal(t, "L-A", model.Deref(items[0].LineCode))
	assert.Equal(t, 3, items[0].FailedCount)

	seedReady(t, db, fx)
	_, err = svc.PerformCheck(ctx, "R-1", model.CheckPrecheck, "")
	require.NoError(t, err)

	_, total, err = svc.ListRunsWithExceptions(ctx, ExceptionFilter{})
	require.NoError(t, err)
	assert.Zero(t, total, "only the latest check of a run counts")
}

func TestPrecheckAffectedRuns(t *testing.T) {
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunPrep)
	testutil.SeedRun(t, db, "R-2", fx.WorkOrder, fx.Line.ID, fx.Version.ID, model.RunInProgress)
	svc := newService(t, db, permission.AllowAll{})
	ctx := context.Background()

	n, err := svc.PrecheckForEquipment(ctx, []string{"ST-SMT", "ST-AOI"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only PREP runs are rechecked")

	latest, err := svc.GetLatest(ctx, "R-1", "")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, model.CheckPrecheck, latest.Type)

	none, err := svc.GetLatest(ctx, "R-2", "")
	require.NoError(t, err)
	assert.Nil(t, none)

	var evidence map[string]any
	for _, it := range latest.Items {
		if it.ItemType == model.ItemMaterial {
			require.NoError(t, json.Unmarshal(it.Evidence, &evidence))
		}
	}
	assert.Equal(t, "P-1", evidence["productCode"])
}

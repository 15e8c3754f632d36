package loading

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/testutil"
)

type harness struct {
	db  *gorm.DB
	fx  *testutil.Fixture
	svc *Service
}

func newHarness(t *testing.T, runStatus string) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, runStatus)
	return &harness{db: db, fx: fx, svc: NewService(db, audit.Nop{}, slog.New(slog.NewTextHandler(io.Discard, nil)))}
}

func (h *harness) slot(t *testing.T, code string, position int, mappings ...MappingInput) model.FeederSlot {
	t.Helper()
	slot, err := h.svc.CreateSlot(context.Background(), h.fx.Line.ID, SlotInput{SlotCode: code, Position: position})
	require.NoError(t, err)
	for _, m := range mappings {
		m.SlotID = slot.ID
		_, err := h.svc.CreateSlotMapping(context.Background(), m)
		require.NoError(t, err)
	}
	return *slot
}

func verify(h *harness, slotCode, barcode string) (*model.LoadingRecord, error) {
	return h.svc.VerifyLoading(context.Background(), VerifyInput{RunNo: "R-1", SlotCode: slotCode, Barcode: barcode, OperatorID: "op-1"})
}

func TestExpectationFor(t *testing.T) {
	p := func(s string) *string { return &s }
	mappings := []model.SlotMaterialMapping{
		{MaterialCode: "GENERIC", Priority: 1},
		{MaterialCode: "OTHER-PRODUCT", ProductCode: p("P-9"), Priority: 0},
		{MaterialCode: "ALT-B", ProductCode: p("P-1"), Priority: 2, IsAlternate: true},
		{MaterialCode: "ALT-A", ProductCode: p("P-1"), Priority: 1, IsAlternate: true},
		{MaterialCode: "MAIN", ProductCode: p("P-1"), Priority: 3},
	}

	primary, alternates, ok := expectationFor(mappings, "P-1", "RT-1")
	require.True(t, ok)
	assert.Equal(t, "MAIN", primary, "the product-specific primary beats the generic one")
	assert.Equal(t, []string{"ALT-A", "ALT-B"}, alternates)

	primary, alternates, ok = expectationFor(mappings, "P-2", "RT-1")
	require.True(t, ok)
	assert.Equal(t, "GENERIC", primary)
	assert.Empty(t, alternates)

	_, _, ok = expectationFor([]model.SlotMaterialMapping{{MaterialCode: "X", RoutingID: p("RT-9")}}, "P-1", "RT-1")
	assert.False(t, ok)
}

func TestLoadSlotTable(t *testing.T) {
	h := newHarness(t, model.RunPrep)
	ctx := context.Background()
	h.slot(t, "1F-01", 1, MappingInput{MaterialCode: "ABC123"}, MappingInput{MaterialCode: "ABC124", Priority: 1, IsAlternate: true})
	h.slot(t, "1F-02", 2, MappingInput{MaterialCode: "RES-10K", ProductCode: "P-1"})

	table, err := h.svc.LoadSlotTable(ctx, "R-1", "planner")
	require.NoError(t, err)
	assert.Equal(t, 2, table.Created)

	items, err := h.svc.GetRunExpectations(ctx, "R-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1F-01", items[0].Slot.SlotCode)
	assert.Equal(t, "ABC123", items[0].ExpectedMaterialCode)
	assert.JSONEq(t, `["ABC124"]`, string(items[0].Alternates))
	assert.Equal(t, model.ExpectationPending, items[1].Status)

	table, err = h.svc.LoadSlotTable(ctx, "R-1", "planner")
	require.NoError(t, err, "reloading before any scan replaces the table")
	assert.Equal(t, 2, table.Created)
}

func TestLoadSlotTable_Rejections(t *testing.T) {
	t.Run("slot without mapping aborts everything", func(t *testing.T) {
		h := newHarness(t, model.RunPrep)
		h.slot(t, "1F-01", 1, MappingInput{MaterialCode: "ABC123"})
		h.slot(t, "1F-02", 2, MappingInput{MaterialCode: "X", ProductCode: "P-9"})

		_, err := h.svc.LoadSlotTable(context.Background(), "R-1", "planner")
		assert.True(t, apperr.Is(err, "SLOT_MAPPING_MISSING"), "got %v", err)

		var n int64
		require.NoError(t, h.db.Model(&model.RunSlotExpectation{}).Count(&n).Error)
		assert.Zero(t, n)
	})

	t.Run("no slots", func(t *testing.T) {
		h := newHarness(t, model.RunPrep)
		_, err := h.svc.LoadSlotTable(context.Background(), "R-1", "planner")
		assert.True(t, apperr.Is(err, "FEEDER_SLOTS_NOT_FOUND"))
	})

	t.Run("run already authorized", func(t *testing.T) {
		h := newHarness(t, model.RunAuthorized)
		_, err := h.svc.LoadSlotTable(context.Background(), "R-1", "planner")
		assert.True(t, apperr.Is(err, "RUN_STATUS_INVALID"))
	})

	t.Run("loading started", func(t *testing.T) {
		h := newHarness(t, model.RunPrep)
		h.slot(t, "1F-01", 1, MappingInput{MaterialCode: "ABC123"})
		_, err := h.svc.LoadSlotTable(context.Background(), "R-1", "planner")
		require.NoError(t, err)
		_, err = verify(h, "1F-01", "ABC123|LOT001")
		require.NoError(t, err)

		_, err = h.svc.LoadSlotTable(context.Background(), "R-1", "planner")
		assert.True(t, apperr.Is(err, "LOADING_ALREADY_STARTED"))
	})
}

func TestVerifyLoading_LocksAfterThreeMismatches(t *testing.T) {
	h := newHarness(t, model.RunPrep)
	ctx := context.Background()
	slot := h.slot(t, "1F-01", 1, MappingInput{MaterialCode: "ABC123"})
	_, err := h.svc.LoadSlotTable(ctx, "R-1", "planner")
	require.NoError(t, err)

	rec, err := verify(h, "1F-01", "ABC123|LOT001")
	require.NoError(t, err)
	assert.Equal(t, model.VerifyPass, rec.VerifyResult)
	assert.Equal(t, model.LoadingLoaded, rec.Status)

	again, err := verify(h, "1F-01", "ABC123|LOT001")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID, "a re-scan of the loaded material is a no-op")

	_, err = verify(h, "1F-01", "XYZ999|LOT002")
	assert.True(t, apperr.Is(err, "SLOT_ALREADY_LOADED"))

	// Free the slot so mismatches count towards the lock.
	require.NoError(t, h.db.Model(&model.RunSlotExpectation{}).Where("slot_id = ?", slot.ID).Update("status", model.ExpectationPending).Error)

	for i := 1; i <= LockThreshold; i++ {
		rec, err := verify(h, "1F-01", "XYZ999|LOT002")
		require.NoError(t, err, "a mismatch is recorded, not rejected")
		assert.Equal(t, model.VerifyFail, rec.VerifyResult)
		assert.Equal(t, model.LoadingUnloaded, rec.Status)
		assert.Equal(t, i, rec.Slot.FailedAttempts)
		assert.Equal(t, i == LockThreshold, rec.Slot.IsLocked)
	}

	_, err = verify(h, "1F-01", "ABC123|LOT001")
	assert.True(t, apperr.Is(err, "SLOT_LOCKED"))
	assert.True(t, apperr.IsKind(err, apperr.KindResourceLocked))

	unlocked, err := h.svc.UnlockSlot(ctx, slot.ID, "supervisor", "wrong reel pulled")
	require.NoError(t, err)
	assert.False(t, unlocked.IsLocked)
	assert.Zero(t, unlocked.FailedAttempts)
	var meta map[string][]map[string]any
	require.NoError(t, json.Unmarshal(unlocked.Meta, &meta))
	require.Len(t, meta["unlockHistory"], 1)
	assert.Equal(t, "3 consecutive failures", meta["unlockHistory"][0]["previousLockedReason"])

	rec, err = verify(h, "1F-01", "ABC123|LOT001")
	require.NoError(t, err)
	assert.Equal(t, model.VerifyPass, rec.VerifyResult)

	records, err := h.svc.GetRunLoadingRecords(ctx, "R-1")
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestResolveLot_RescanReturnsRegisteredLot(t *testing.T) {
	h := newHarness(t, model.RunPrep)

	first, err := resolveLot(h.db, "XYZ999|LOT002")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		again, err := resolveLot(h.db, "XYZ999|LOT002")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}

	var count int64
	require.NoError(t, h.db.Model(&model.MaterialLot{}).Where("lot_no = ?", "LOT002").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestVerifyLoading_AlternateAndLotLookup(t *testing.T) {
	h := newHarness(t, model.RunPrep)
	ctx := context.Background()
	h.slot(t, "1F-01", 1, MappingInput{MaterialCode: "ABC123"}, MappingInput{MaterialCode: "ABC124", IsAlternate: true})
	h.slot(t, "1F-02", 2, MappingInput{MaterialCode: "RES-10K"})
	_, err := h.svc.LoadSlotTable(ctx, "R-1", "planner")
	require.NoError(t, err)

	rec, err := verify(h, "1F-01", "ABC124#LOT777")
	require.NoError(t, err)
	assert.Equal(t, model.VerifyWarning, rec.VerifyResult)

	require.NoError(t, h.db.Create(&model.MaterialLot{MaterialCode: "RES-10K", LotNo: "LOT900"}).Error)
	rec, err = verify(h, "1F-02", "LOT900")
	require.NoError(t, err)
	assert.Equal(t, model.VerifyPass, rec.VerifyResult)
	assert.Equal(t, "LOT900", rec.MaterialLot.LotNo)

	_, err = verify(h, "1F-02", "LOT404")
	assert.True(t, apperr.Is(err, "SLOT_ALREADY_LOADED"), "an unknown scan on a loaded slot is not a re-scan")

	require.NoError(t, h.db.Model(&model.RunSlotExpectation{}).Where("expected_material_code = ?", "RES-10K").Update("status", model.ExpectationPending).Error)
	_, err = verify(h, "1F-02", "LOT404")
	assert.True(t, apperr.Is(err, "MATERIAL_LOT_NOT_FOUND"))

	require.NoError(t, h.db.Create(&model.MaterialLot{MaterialCode: "CAP-1U", LotNo: "LOT900"}).Error)
	_, err = verify(h, "1F-02", "LOT900")
	assert.True(t, apperr.Is(err, "MATERIAL_LOT_AMBIGUOUS"))
}

func TestReplaceLoading(t *testing.T) {
	h := newHarness(t, model.RunPrep)
	ctx := context.Background()
	h.slot(t, "1F-01", 1, MappingInput{MaterialCode: "ABC123"})
	_, err := h.svc.LoadSlotTable(ctx, "R-1", "planner")
	require.NoError(t, err)

	in := ReplaceInput{RunNo: "R-1", SlotCode: "1F-01", Barcode: "ABC123|LOT002", OperatorID: "op-1", Reason: "reel empty"}
	_, err = h.svc.ReplaceLoading(ctx, in)
	assert.True(t, apperr.Is(err, "SLOT_NOT_LOADED"))

	first, err := verify(h, "1F-01", "ABC123|LOT001")
	require.NoError(t, err)

	noReason := in
	noReason.Reason = " "
	_, err = h.svc.ReplaceLoading(ctx, noReason)
	assert.True(t, apperr.Is(err, "REASON_REQUIRED"))

	second, err := h.svc.ReplaceLoading(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, model.VerifyPass, second.VerifyResult)
	assert.JSONEq(t, `{"replaceReason":"reel empty"}`, string(second.Meta))

	var old model.LoadingRecord
	testutil.Reload(t, h.db, &old, first.ID)
	assert.Equal(t, model.LoadingReplaced, old.Status)
	assert.Equal(t, "op-1", model.Deref(old.UnloadedBy))

	in.Barcode = "XYZ999|LOT003"
	bad, err := h.svc.ReplaceLoading(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, model.VerifyFail, bad.VerifyResult)
	assert.Equal(t, 1, bad.Slot.FailedAttempts)

	items, err := h.svc.GetRunExpectations(ctx, "R-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExpectationMismatch, items[0].Status)
	assert.Nil(t, items[0].LoadedMaterialCode)
}

func TestSlotAdministration(t *testing.T) {
	h := newHarness(t, model.RunPrep)
	ctx := context.Background()
	used := h.slot(t, "1F-01", 1, MappingInput{MaterialCode: "ABC123", ProductCode: "P-1"})
	free := h.slot(t, "1F-02", 2)

	_, err := h.svc.CreateSlot(ctx, h.fx.Line.ID, SlotInput{SlotCode: "1F-01"})
	assert.True(t, apperr.Is(err, "SLOT_EXISTS"))
	_, err = h.svc.ListSlots(ctx, "missing")
	assert.True(t, apperr.Is(err, "LINE_NOT_FOUND"))

	slots, err := h.svc.ListSlots(ctx, h.fx.Line.ID)
	require.NoError(t, err)
	assert.Len(t, slots, 2)

	mappings, err := h.svc.ListSlotMappings(ctx, MappingFilter{LineID: h.fx.Line.ID, ProductCode: "P-1"})
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "1F-01", mappings[0].Slot.SlotCode)

	assert.True(t, apperr.Is(h.svc.DeleteSlot(ctx, used.ID), "SLOT_IN_USE"))
	require.NoError(t, h.svc.DeleteSlot(ctx, free.ID))
	assert.True(t, apperr.Is(h.svc.DeleteSlot(ctx, free.ID), "SLOT_NOT_FOUND"))
}

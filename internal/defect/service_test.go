package defect

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

func setup(t *testing.T, unitStatus string, stepNo int) (*gorm.DB, *Service, model.Unit) {
	t.Helper()
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunInProgress)
	units := testutil.SeedUnits(t, db, fx.Run, 1, unitStatus, stepNo)
	svc := NewService(db, audit.Nop{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return db, svc, units[0]
}

func newDefect(t *testing.T, svc *Service, sn string) *model.Defect {
	t.Helper()
	d, err := svc.CreateDefect(context.Background(), CreateInput{UnitSN: sn, Code: "SOLDER_BRIDGE", Remark: "pin 3", CreatedBy: "qe-1"})
	require.NoError(t, err)
	return d
}

func TestCreateDefect(t *testing.T) {
	_, svc, unit := setup(t, model.UnitOutFailed, 2)

	d := newDefect(t, svc, unit.SN)
	assert.Equal(t, model.DefectRecorded, d.Status)
	assert.Equal(t, 1, d.Qty)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(d.Meta, &meta))
	assert.Equal(t, "pin 3", meta["remark"])
	assert.Equal(t, "qe-1", meta["createdBy"])

	_, err := svc.CreateDefect(context.Background(), CreateInput{UnitSN: "missing", Code: "X"})
	assert.True(t, apperr.Is(err, "UNIT_NOT_FOUND"))
}

func TestCreateDefectFromTrackOut_Idempotent(t *testing.T) {
	_, svc, unit := setup(t, model.UnitOutFailed, 1)
	ctx := context.Background()

	first, err := svc.CreateDefectFromTrackOut(ctx, unit.ID, "track-1", "", "op-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultAutoCode, first.Code)

	again, err := svc.CreateDefectFromTrackOut(ctx, unit.ID, "track-1", "", "op-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestAssignDisposition(t *testing.T) {
	testCases := []struct {
		name             string
		input            DispositionInput
		wantUnitStatus   string
		wantStep         int
		wantDefectStatus string
		wantTask         bool
	}{
		{
			name:             "rework defaults to step 1",
			input:            DispositionInput{Type: model.DispositionRework, DecidedBy: "qe"},
			wantUnitStatus:   model.UnitQueued,
			wantStep:         1,
			wantDefectStatus: model.DefectDispositioned,
			wantTask:         true,
		},
		{
			name:             "scrap closes the defect",
			input:            DispositionInput{Type: model.DispositionScrap, DecidedBy: "qe"},
			wantUnitStatus:   model.UnitScrapped,
			wantStep:         2,
			wantDefectStatus: model.DefectClosed,
		},
		{
			name:             "hold keeps the defect open",
			input:            DispositionInput{Type: model.DispositionHold, DecidedBy: "qe"},
			wantUnitStatus:   model.UnitOnHold,
			wantStep:         2,
			wantDefectStatus: model.DefectDispositioned,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, svc, unit := setup(t, model.UnitOutFailed, 2)
			d := newDefect(t, svc, unit.SN)

			disp, err := svc.AssignDisposition(context.Background(), d.ID, tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.input.Type, disp.Type)
			if tc.wantTask {
				require.NotNil(t, disp.ReworkTask)
				assert.Equal(t, 2, disp.ReworkTask.FromStepNo)
				assert.Equal(t, 1, disp.ReworkTask.ToStepNo)
				assert.Equal(t, model.ReworkOpen, disp.ReworkTask.Status)
			} else {
				assert.Nil(t, disp.ReworkTask)
			}

			var u model.Unit
			testutil.Reload(t, db, &u, unit.ID)
			assert.Equal(t, tc.wantUnitStatus, u.Status)
			assert.Equal(t, tc.wantStep, u.CurrentStepNo)

			var got model.Defect
			testutil.Reload(t, db, &got, d.ID)
			assert.Equal(t, tc.wantDefectStatus, got.Status)

			_, err = svc.AssignDisposition(context.Background(), d.ID, tc.input)
			assert.True(t, apperr.Is(err, "DEFECT_ALREADY_DISPOSITIONED"), "a defect is decided once")
		})
	}
}

func TestAssignDisposition_ReworkStepAfterCurrent(t *testing.T) {
	db, svc, unit := setup(t, model.UnitOutFailed, 1)
	d := newDefect(t, svc, unit.SN)

	_, err := svc.AssignDisposition(context.Background(), d.ID, DispositionInput{Type: model.DispositionRework, ToStepNo: 2})
	assert.True(t, apperr.Is(err, "REWORK_STEP_INVALID"))

	var count int64
	require.NoError(t, db.Model(&model.Disposition{}).Count(&count).Error)
	assert.Zero(t, count, "nothing is written when the decision is rejected")
}

func TestReleaseHold(t *testing.T) {
	db, svc, unit := setup(t, model.UnitOutFailed, 2)
	ctx := context.Background()
	d := newDefect(t, svc, unit.SN)

	_, err := svc.ReleaseHold(ctx, d.ID, ReleaseInput{ReleasedBy: "qe"})
	assert.True(t, apperr.Is(err, "DISPOSITION_NOT_HOLD"))

	_, err = svc.AssignDisposition(ctx, d.ID, DispositionInput{Type: model.DispositionHold})
	require.NoError(t, err)

	released, err := svc.ReleaseHold(ctx, d.ID, ReleaseInput{Reason: "false call", ReleasedBy: "qe"})
	require.NoError(t, err)
	assert.Equal(t, model.DefectClosed, released.Status)

	var u model.Unit
	testutil.Reload(t, db, &u, unit.ID)
	assert.Equal(t, model.UnitQueued, u.Status)

	_, err = svc.ReleaseHold(ctx, d.ID, ReleaseInput{ReleasedBy: "qe"})
	assert.True(t, apperr.Is(err, "UNIT_NOT_ON_HOLD"))
}

func TestCompleteRework_KeepsStep(t *testing.T) {
	db, svc, unit := setup(t, model.UnitOutFailed, 2)
	ctx := context.Background()
	d := newDefect(t, svc, unit.SN)

	disp, err := svc.AssignDisposition(ctx, d.ID, DispositionInput{Type: model.DispositionRework, ToStepNo: 1})
	require.NoError(t, err)
	taskID := disp.ReworkTask.ID

	_, err = svc.SaveRepairRecord(ctx, taskID, RepairInput{Action: "reflow pin 3", RepairedBy: "tech"})
	require.NoError(t, err)

	task, err := svc.CompleteRework(ctx, taskID, CompleteReworkInput{DoneBy: "tech", Remark: "ok"})
	require.NoError(t, err)
	assert.Equal(t, model.ReworkDone, task.Status)
	assert.Equal(t, "tech", model.Deref(task.DoneBy))

	var repairs map[string][]any
	require.NoError(t, json.Unmarshal(task.Meta, &repairs))
	assert.Len(t, repairs["repairs"], 1)

	var u model.Unit
	testutil.Reload(t, db, &u, unit.ID)
	assert.Equal(t, model.UnitQueued, u.Status)
	assert.Equal(t, 1, u.CurrentStepNo, "the unit resumes at the rework step")

	var got model.Defect
	testutil.Reload(t, db, &got, d.ID)
	assert.Equal(t, model.DefectClosed, got.Status)

	_, err = svc.CompleteRework(ctx, taskID, CompleteReworkInput{DoneBy: "tech"})
	assert.True(t, apperr.Is(err, "REWORK_TASK_NOT_OPEN"))
	_, err = svc.SaveRepairRecord(ctx, taskID, RepairInput{Action: "late"})
	assert.True(t, apperr.Is(err, "REWORK_TASK_NOT_OPEN"))
}

func TestCancelReworkTask(t *testing.T) {
	db, svc, unit := setup(t, model.UnitOutFailed, 2)
	ctx := context.Background()
	d := newDefect(t, svc, unit.SN)
	disp, err := svc.AssignDisposition(ctx, d.ID, DispositionInput{Type: model.DispositionRework})
	require.NoError(t, err)

	_, err = svc.CancelReworkTask(ctx, disp.ReworkTask.ID, CancelInput{CancelledBy: "qe"})
	assert.True(t, apperr.Is(err, "REASON_REQUIRED"))

	task, err := svc.CancelReworkTask(ctx, disp.ReworkTask.ID, CancelInput{Reason: "customer waiver", CancelledBy: "qe"})
	require.NoError(t, err)
	assert.Equal(t, model.ReworkCancelled, task.Status)

	var got model.Defect
	testutil.Reload(t, db, &got, d.ID)
	assert.Equal(t, model.DefectClosed, got.Status)
}

func TestCloseReworkOnPass(t *testing.T) {
	db, svc, unit := setup(t, model.UnitOutFailed, 2)
	ctx := context.Background()
	d := newDefect(t, svc, unit.SN)
	_, err := svc.AssignDisposition(ctx, d.ID, DispositionInput{Type: model.DispositionRework, ToStepNo: 1})
	require.NoError(t, err)

	n, err := CloseReworkOnPass(db, unit.ID, 2, "op", svc.now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = CloseReworkOnPass(db, unit.ID, 1, "op", svc.now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks, err := svc.ListReworkTasks(ctx, TaskFilter{UnitSN: unit.SN})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.ReworkDone, tasks[0].Status)
}

func TestListDefects(t *testing.T) {
	_, svc, unit := setup(t, model.UnitOutFailed, 2)
	ctx := context.Background()
	newDefect(t, svc, unit.SN)
	newDefect(t, svc, unit.SN)

	items, total, err := svc.ListDefects(ctx, Filter{RunNo: "R-1", Status: model.DefectRecorded})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, items, 2)

	items, total, err = svc.ListDefects(ctx, Filter{UnitSN: "nope"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)

	got, err := svc.GetDefect(ctx, items0(t, svc).ID)
	require.NoError(t, err)
	require.NotNil(t, got.Unit)
	assert.Equal(t, unit.SN, got.Unit.SN)
}

func items0(t *testing.T, svc *Service) model.Defect {
	t.Helper()
	items, _, err := svc.ListDefects(context.Background(), Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	return items[0]
}

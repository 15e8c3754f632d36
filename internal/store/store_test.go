package store

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/route"
	"mes-execution-backend/internal/testutil"
)

type stubGate struct {
	ok  bool
	err error
}

func (g stubGate) CanAuthorize(context.Context, string) (bool, error) {
	return g.ok, g.err
}

func newService(t *testing.T, db *gorm.DB, gate AuthorizationGate) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(db, route.NewReader(db, testutil.CacheTTL), gate, audit.Nop{}, logger)
}

func TestMachineTables(t *testing.T) {
	assert.True(t, Runs.Can(model.RunAuthorized, model.RunInProgress))
	assert.False(t, Runs.Can(model.RunPrep, model.RunInProgress))
	assert.False(t, Runs.Can(model.RunCompleted, model.RunOnHold))
	assert.Equal(t, []string{model.RunInProgress, model.RunOnHold}, Runs.Sources(model.RunCompleted))

	assert.True(t, Units.Can(model.UnitInStation, model.UnitDone))
	assert.False(t, Units.Can(model.UnitScrapped, model.UnitQueued), "scrapped units never come back")
	assert.False(t, Units.Can(model.UnitDone, model.UnitInStation))

	assert.True(t, RunTerminal(model.RunClosedRework))
	assert.False(t, RunTerminal(model.RunOnHold))
	assert.True(t, UnitTerminal(model.UnitScrapped))
	assert.False(t, UnitTerminal(model.UnitOutFailed))
}

func TestTransition_SQL(t *testing.T) {
	testCases := []struct {
		name        string
		affected    int64
		expectedErr string
	}{
		{name: "row moved", affected: 1},
		{name: "status already changed", affected: 0, expectedErr: "RUN_STATUS_CONFLICT"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := testutil.NewMockDB(t)

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(`UPDATE "runs" SET "started_at"=$1,"status"=$2,"updated_at"=$3 WHERE id = $4 AND status IN ($5)`)).
				WithArgs(testutil.Any{}, model.RunInProgress, testutil.Any{}, "run-1", model.RunAuthorized).
				WillReturnResult(sqlmock.NewResult(0, tc.affected))
			mock.ExpectCommit()

			err := Runs.Transition(db, "run-1", []string{model.RunAuthorized}, model.RunInProgress, map[string]any{"started_at": time.Now()})
			if tc.expectedErr != "" {
				assert.True(t, apperr.Is(err, tc.expectedErr), "got %v", err)
				assert.True(t, apperr.IsKind(err, apperr.KindStateConflict))
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTransition_RejectsIllegalEdge(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	err := Runs.Transition(db, "run-1", []string{model.RunPrep}, model.RunCompleted, nil)
	require.Error(t, err)
	_, isBusiness := apperr.As(err)
	assert.False(t, isBusiness, "an illegal edge is a programming error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLifecycle_WorkOrderToRun(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newService(t, db, stubGate{ok: true})
	ctx := context.Background()

	line := testutil.SeedLine(t, db, "L-A")
	testutil.SeedStation(t, db, line.ID, "ST-SMT", "SMT")
	testutil.SeedStation(t, db, line.ID, "ST-AOI", "AOI")
	testutil.SeedRoute(t, db, "RT-1", testutil.TwoSteps)

	wo, err := svc.CreateWorkOrder(ctx, CreateWorkOrderInput{WoNo: "WO-1", ProductCode: "P-1", PlannedQty: 10, RoutingCode: "RT-1"}, "planner")
	require.NoError(t, err)
	assert.Equal(t, model.WorkOrderReceived, wo.Status)

	_, err = svc.CreateWorkOrder(ctx, CreateWorkOrderInput{WoNo: "WO-1", ProductCode: "P-1", PlannedQty: 10}, "planner")
	assert.True(t, apperr.Is(err, "WORK_ORDER_EXISTS"))

	_, err = svc.CreateRun(ctx, "WO-1", CreateRunInput{RunNo: "R-1", LineCode: "L-A"}, "planner")
	assert.True(t, apperr.Is(err, "WORK_ORDER_NOT_RELEASED"))

	wo, err = svc.ReleaseWorkOrder(ctx, "WO-1", "planner")
	require.NoError(t, err)
	assert.Equal(t, model.WorkOrderReleased, wo.Status)
	assert.NotNil(t, wo.ReleasedAt)

	_, err = svc.ReleaseWorkOrder(ctx, "WO-1", "planner")
	assert.True(t, apperr.Is(err, "WORK_ORDER_STATUS_CONFLICT"))

	run, err := svc.CreateRun(ctx, "WO-1", CreateRunInput{RunNo: "R-1", LineCode: "L-A"}, "planner")
	require.NoError(t, err)
	assert.Equal(t, model.RunPrep, run.Status)
	assert.Equal(t, 10, run.PlanQty)
	require.NotNil(t, run.RouteVersionID)

	units, err := svc.GenerateUnits(ctx, "R-1", 0, "planner")
	require.NoError(t, err)
	require.Len(t, units, 10)
	assert.Equal(t, "SN-R-1-0001", units[0].SN)
	assert.Equal(t, "SN-R-1-0010", units[9].SN)
	for _, u := range units {
		assert.Equal(t, model.UnitQueued, u.Status)
		assert.Equal(t, 1, u.CurrentStepNo)
	}

	_, err = svc.GenerateUnits(ctx, "R-1", 1, "planner")
	assert.True(t, apperr.Is(err, "UNIT_QTY_EXCEEDED"))

	authorized, err := svc.AuthorizeRun(ctx, "R-1", "supervisor")
	require.NoError(t, err)
	assert.Equal(t, model.RunAuthorized, authorized.Status)
	assert.Equal(t, "supervisor", model.Deref(authorized.AuthorizedBy))

	revoked, err := svc.RevokeRun(ctx, "R-1", "supervisor")
	require.NoError(t, err)
	assert.Equal(t, model.RunPrep, revoked.Status)
	assert.Nil(t, revoked.AuthorizedBy)
}

func TestCreateRun_LineMissingStation(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newService(t, db, stubGate{ok: true})

	line := testutil.SeedLine(t, db, "L-B")
	testutil.SeedStation(t, db, line.ID, "ST-SMT", "SMT")
	routing, _ := testutil.SeedRoute(t, db, "RT-1", testutil.TwoSteps)
	testutil.SeedWorkOrder(t, db, "WO-1", "P-1", 5, routing.ID, model.WorkOrderReleased)

	_, err := svc.CreateRun(context.Background(), "WO-1", CreateRunInput{LineCode: "L-B"}, "planner")
	assert.True(t, apperr.Is(err, "ROUTE_LINE_INCOMPATIBLE"), "got %v", err)
}

func TestAuthorizeRun_RequiresReadiness(t *testing.T) {
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunPrep)
	svc := newService(t, db, stubGate{ok: false})

	_, err := svc.AuthorizeRun(context.Background(), fx.Run.RunNo, "supervisor")
	assert.True(t, apperr.Is(err, "READINESS_NOT_PASSED"))

	var run model.Run
	testutil.Reload(t, db, &run, fx.Run.ID)
	assert.Equal(t, model.RunPrep, run.Status)
}

func TestStartRun(t *testing.T) {
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunAuthorized)
	now := time.Now()

	run := fx.Run
	require.NoError(t, StartRun(db, &run, now))
	assert.Equal(t, model.RunInProgress, run.Status)

	stale := fx.Run
	require.NoError(t, StartRun(db, &stale, now.Add(time.Minute)), "a run started by someone else is fine")
	assert.Equal(t, model.RunInProgress, stale.Status)
	assert.WithinDuration(t, now, *stale.StartedAt, time.Second, "startedAt is stamped once")

	var wo model.WorkOrder
	testutil.Reload(t, db, &wo, fx.WorkOrder.ID)
	assert.Equal(t, model.WorkOrderInProgress, wo.Status)
}

func TestCloseWorkOrderIfDone(t *testing.T) {
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunInProgress)
	require.NoError(t, db.Model(&model.WorkOrder{}).Where("id = ?", fx.WorkOrder.ID).Update("status", model.WorkOrderInProgress).Error)

	closed, err := CloseWorkOrderIfDone(db, fx.WorkOrder.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, closed)

	require.NoError(t, Runs.Transition(db, fx.Run.ID, []string{model.RunInProgress}, model.RunCompleted, nil))
	closed, err = CloseWorkOrderIfDone(db, fx.WorkOrder.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, closed)

	var wo model.WorkOrder
	testutil.Reload(t, db, &wo, fx.WorkOrder.ID)
	assert.Equal(t, model.WorkOrderCompleted, wo.Status)
	assert.NotNil(t, wo.CompletedAt)
}

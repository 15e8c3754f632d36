package route

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/testutil"
)

func sampleSteps() []Step {
	return []Step{
		{StepNo: 20, OperationCode: "REFLOW", StationType: "REFLOW"},
		{StepNo: 10, OperationCode: "SMT-PLACE", StationType: "SMT", AllowedStationIDs: []string{"st-a"}},
		{StepNo: 30, OperationCode: "Wash-01", StationType: "WASH", StationGroupID: "grp-1"},
	}
}

func TestParseSortsSteps(t *testing.T) {
	raw, err := Encode(sampleSteps())
	require.NoError(t, err)

	steps, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, []int{10, 20, 30}, []int{steps[0].StepNo, steps[1].StepNo, steps[2].StepNo})
}

func TestSnapshotNavigation(t *testing.T) {
	raw, _ := Encode(sampleSteps())
	snap, err := NewSnapshot(model.RouteVersion{Base: model.Base{ID: "rv-1"}, Snapshot: raw})
	require.NoError(t, err)

	first, ok := snap.First()
	require.True(t, ok)
	assert.Equal(t, 10, first.StepNo)

	cur, ok := snap.Current(0)
	require.True(t, ok)
	assert.Equal(t, 10, cur.StepNo)

	next, ok := snap.Next(10)
	require.True(t, ok)
	assert.Equal(t, 20, next.StepNo)

	_, ok = snap.Next(30)
	assert.False(t, ok, "last step has no successor")

	_, ok = snap.Step(15)
	assert.False(t, ok)

	assert.True(t, snap.HasOperation("wash"))
	assert.False(t, snap.HasOperation("AOI"))
}

func TestIsValidStationForStep(t *testing.T) {
	grp := "grp-1"
	other := "grp-2"
	testCases := []struct {
		name    string
		step    Step
		station model.Station
		want    bool
	}{
		{"type mismatch", Step{StationType: "SMT"}, model.Station{StationType: "AOI"}, false},
		{"type match no constraints", Step{StationType: "SMT"}, model.Station{StationType: "SMT"}, true},
		{"allow-list hit", Step{StationType: "SMT", AllowedStationIDs: []string{"st-a"}}, model.Station{Base: model.Base{ID: "st-a"}, StationType: "SMT"}, true},
		{"allow-list miss", Step{StationType: "SMT", AllowedStationIDs: []string{"st-a"}}, model.Station{Base: model.Base{ID: "st-b"}, StationType: "SMT"}, false},
		{"group match", Step{StationType: "WASH", StationGroupID: grp}, model.Station{StationType: "WASH", GroupID: &grp}, true},
		{"group mismatch", Step{StationType: "WASH", StationGroupID: grp}, model.Station{StationType: "WASH", GroupID: &other}, false},
		{"group required but station has none", Step{StationType: "WASH", StationGroupID: grp}, model.Station{StationType: "WASH"}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsValidStationForStep(tc.step, tc.station))
		})
	}
}

func TestUncoveredSteps(t *testing.T) {
	raw, _ := Encode(sampleSteps())
	snap, _ := NewSnapshot(model.RouteVersion{Snapshot: raw})
	grp := "grp-1"

	stations := []model.Station{
		{Base: model.Base{ID: "st-a"}, StationType: "SMT"},
		{Base: model.Base{ID: "st-r"}, StationType: "REFLOW"},
		{Base: model.Base{ID: "st-w"}, StationType: "WASH", GroupID: &grp},
	}
	assert.Empty(t, snap.UncoveredSteps(stations))
	assert.Equal(t, []int{30}, snap.UncoveredSteps(stations[:2]))
}

func TestReaderCachesAndReportsMissingVersion(t *testing.T) {
	db := testutil.NewDB(t)
	raw, _ := Encode(sampleSteps())
	version := model.RouteVersion{RoutingID: "rt-1", VersionNo: 1, Status: model.RouteVersionReady, Snapshot: raw}
	require.NoError(t, db.Create(&version).Error)

	reader := NewReader(db, testutil.CacheTTL)
	ctx := context.Background()

	snap, err := reader.Load(ctx, version.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())

	require.NoError(t, db.Delete(&model.RouteVersion{}, "id = ?", version.ID).Error)
	cached, err := reader.Load(ctx, version.ID)
	require.NoError(t, err, "cached snapshot survives deletion of the row")
	assert.Same(t, snap, cached)

	_, err = reader.Load(ctx, "missing")
	assert.True(t, apperr.Is(err, "ROUTE_VERSION_NOT_FOUND"))

	_, err = reader.ForRun(ctx, &model.Run{RunNo: "R-1"})
	assert.True(t, apperr.Is(err, "ROUTE_VERSION_NOT_READY"))
}

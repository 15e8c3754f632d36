package testutil

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mes-execution-backend/internal/model"
)

// CacheTTL is the snapshot cache lifetime used by tests.
const CacheTTL = time.Minute

// StepSpec describes one routing step to seed.
type StepSpec struct {
	StepNo        int
	OperationCode string
	StationType   string
	DataSpecIDs   []string
}

// Fixture is a line with one station per step type, a READY route version,
// a released work order and one run.
type Fixture struct {
	Line      model.Line
	Stations  map[string]model.Station
	Routing   model.Routing
	Version   model.RouteVersion
	WorkOrder model.WorkOrder
	Run       model.Run
}

// TwoSteps is the default SMT -> AOI route.
var TwoSteps = []StepSpec{
	{StepNo: 1, OperationCode: "SMT", StationType: "SMT"},
	{StepNo: 2, OperationCode: "AOI", StationType: "AOI"},
}

// SeedLine creates a line.
func SeedLine(t *testing.T, db *gorm.DB, code string) model.Line {
	t.Helper()
	line := model.Line{Code: code, Name: "Line " + code}
	require.NoError(t, db.Create(&line).Error)
	return line
}

// SeedStation creates a station with healthy TPM equipment.
func SeedStation(t *testing.T, db *gorm.DB, lineID, code, stationType string) model.Station {
	t.Helper()
	station := model.Station{Code: code, Name: code, StationType: stationType, LineID: model.StrPtr(lineID)}
	require.NoError(t, db.Create(&station).Error)
	require.NoError(t, db.Create(&model.TpmEquipment{EquipmentCode: code, Status: model.EquipmentNormal}).Error)
	return station
}

// SeedRoute creates a routing and a READY version with the given steps.
func SeedRoute(t *testing.T, db *gorm.DB, code string, steps []StepSpec) (model.Routing, model.RouteVersion) {
	t.Helper()
	routing := model.Routing{Code: code, Name: code}
	require.NoError(t, db.Create(&routing).Error)

	doc := map[string]any{"steps": stepDocs(steps)}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	now := time.Now()
	version := model.RouteVersion{
		RoutingID:  routing.ID,
		VersionNo:  1,
		Status:     model.RouteVersionReady,
		Snapshot:   raw,
		CompiledAt: &now,
	}
	require.NoError(t, db.Create(&version).Error)
	return routing, version
}

func stepDocs(steps []StepSpec) []map[string]any {
	docs := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		docs = append(docs, map[string]any{
			"stepNo":        s.StepNo,
			"operationId":   "op-" + s.OperationCode,
			"operationCode": s.OperationCode,
			"stationType":   s.StationType,
			"dataSpecIds":   s.DataSpecIDs,
		})
	}
	return docs
}

// SeedWorkOrder creates a work order in the given status.
func SeedWorkOrder(t *testing.T, db *gorm.DB, woNo, productCode string, qty int, routingID, status string) model.WorkOrder {
	t.Helper()
	wo := model.WorkOrder{WoNo: woNo, ProductCode: productCode, PlannedQty: qty, RoutingID: model.StrPtr(routingID), Status: status}
	require.NoError(t, db.Create(&wo).Error)
	return wo
}

// SeedRun creates a run in the given status.
func SeedRun(t *testing.T, db *gorm.DB, runNo string, wo model.WorkOrder, lineID, versionID, status string) model.Run {
	t.Helper()
	run := model.Run{
		RunNo:          runNo,
		WoID:           wo.ID,
		LineID:         model.StrPtr(lineID),
		RouteVersionID: model.StrPtr(versionID),
		Status:         status,
		PlanQty:        wo.PlannedQty,
	}
	require.NoError(t, db.Create(&run).Error)
	return run
}

// SeedUnits creates n units on run with the given status and step.
func SeedUnits(t *testing.T, db *gorm.DB, run model.Run, n int, status string, stepNo int) []model.Unit {
	t.Helper()
	units := make([]model.Unit, 0, n)
	for i := 1; i <= n; i++ {
		units = append(units, model.Unit{
			SN:            fmt.Sprintf("SN-%s-%04d", run.RunNo, i),
			WoID:          run.WoID,
			RunID:         model.StrPtr(run.ID),
			CurrentStepNo: stepNo,
			Status:        status,
		})
	}
	require.NoError(t, db.Create(&units).Error)
	return units
}

// NewProductionFixture seeds line L-A, stations ST-<type>, routing RT-1,
// work order WO-1 (qty 10, product P-1) and run R-1 in runStatus.
func NewProductionFixture(t *testing.T, db *gorm.DB, steps []StepSpec, runStatus string) *Fixture {
	t.Helper()
	f := &Fixture{Stations: map[string]model.Station{}}
	f.Line = SeedLine(t, db, "L-A")
	for _, s := range steps {
		if _, ok := f.Stations[s.StationType]; ok {
			continue
		}
		f.Stations[s.StationType] = SeedStation(t, db, f.Line.ID, "ST-"+s.StationType, s.StationType)
	}
	f.Routing, f.Version = SeedRoute(t, db, "RT-1", steps)
	f.WorkOrder = SeedWorkOrder(t, db, "WO-1", "P-1", 10, f.Routing.ID, model.WorkOrderReleased)
	f.Run = SeedRun(t, db, "R-1", f.WorkOrder, f.Line.ID, f.Version.ID, runStatus)
	return f
}

// Reload refreshes dest from the database by primary key.
func Reload(t *testing.T, db *gorm.DB, dest any, id string) {
	t.Helper()
	require.NoError(t, db.First(dest, "id = ?", id).Error)
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/testutil"
)

func TestDiff(t *testing.T) {
	before := model.Unit{SN: "SN-1", Status: model.UnitQueued, CurrentStepNo: 1}
	after := model.Unit{SN: "SN-1", Status: model.UnitInStation, CurrentStepNo: 1}

	diff := Diff(before, after)
	require.Contains(t, diff, "status")
	assert.Equal(t, model.UnitQueued, diff["status"].From)
	assert.Equal(t, model.UnitInStation, diff["status"].To)
	assert.NotContains(t, diff, "sn")
	assert.Equal(t, []string{"status"}, ChangedFields(diff))

	created := Diff(nil, map[string]any{"a": 1})
	assert.Equal(t, Change{From: nil, To: float64(1)}, created["a"])
}

func TestEntryResult(t *testing.T) {
	e := Entry{Action: "TRACK_IN"}

	ok := e.Result(nil)
	assert.Equal(t, model.AuditSuccess, ok.Status)

	biz := e.Result(apperr.Conflict("UNIT_ALREADY_DONE", "done"))
	assert.Equal(t, model.AuditFailure, biz.Status)
	assert.Equal(t, "UNIT_ALREADY_DONE", biz.ErrorCode)

	infra := e.Result(errors.New("connection reset"))
	assert.Equal(t, "INTERNAL_ERROR", infra.ErrorCode)
	assert.Equal(t, "connection reset", infra.ErrorMessage)
}

func TestGormSinkRecord(t *testing.T) {
	db := testutil.NewDB(t)
	sink := NewGormSink(db, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sink.Record(context.Background(), Entry{
		EntityType: "Unit",
		EntityID:   "u-1",
		Action:     "TRACK_IN",
		ActorID:    "op-1",
		Before:     map[string]any{"status": "QUEUED"},
		After:      map[string]any{"status": "IN_STATION"},
	}.Result(nil))

	var events []model.AuditEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, model.AuditSuccess, events[0].Status)

	var diff map[string]Change
	require.NoError(t, json.Unmarshal(events[0].Diff, &diff))
	assert.Equal(t, "IN_STATION", diff["status"].To)
}

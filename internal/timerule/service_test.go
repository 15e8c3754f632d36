package timerule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/notification"
	"mes-execution-backend/internal/testutil"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newService(db *gorm.DB) (*Service, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewService(db, audit.Nop{}, discard())
	svc.now = c.now
	return svc, c
}

func intPtr(v int) *int       { return &v }
func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func washRule() DefinitionInput {
	return DefinitionInput{
		Code:            "WASH-4H",
		Name:            "Wash within 4h",
		RuleType:        model.RuleWashTimeLimit,
		DurationMinutes: 240,
		WarningMinutes:  intPtr(30),
		StartEvent:      model.EventTrackOut,
		EndEvent:        model.EventTrackIn,
	}
}

func TestDefinitionLifecycle(t *testing.T) {
	db := testutil.NewDB(t)
	svc, _ := newService(db)
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, washRule(), "eng")
	require.NoError(t, err)
	assert.Equal(t, model.ScopeGlobal, def.Scope)
	assert.True(t, def.IsActive)
	assert.True(t, def.IsWaivable)

	_, err = svc.CreateDefinition(ctx, washRule(), "eng")
	assert.True(t, apperr.Is(err, "DEFINITION_EXISTS"))

	tests := []struct {
		name   string
		mutate func(*DefinitionInput)
		code   string
	}{
		{"unknown rule type", func(in *DefinitionInput) { in.RuleType = "HUMIDITY" }, "RULE_TYPE_INVALID"},
		{"unknown scope", func(in *DefinitionInput) { in.Scope = "SHIFT" }, "SCOPE_INVALID"},
		{"zero duration", func(in *DefinitionInput) { in.DurationMinutes = 0 }, "DURATION_INVALID"},
		{"warning beyond duration", func(in *DefinitionInput) { in.WarningMinutes = intPtr(240) }, "WARNING_INVALID"},
		{"broken condition", func(in *DefinitionInput) { in.Condition = strPtr("payload.result ==") }, "CONDITION_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := washRule()
			in.Code = "X-" + tt.code
			tt.mutate(&in)
			_, err := svc.CreateDefinition(ctx, in, "eng")
			assert.True(t, apperr.Is(err, tt.code), "got %v", err)
		})
	}

	updated, err := svc.UpdateDefinition(ctx, def.ID, DefinitionPatch{Name: strPtr("Wash in time"), Priority: intPtr(5)}, "eng")
	require.NoError(t, err)
	assert.Equal(t, "Wash in time", updated.Name)
	assert.Equal(t, 5, updated.Priority)
	assert.Equal(t, 240, updated.DurationMinutes)

	_, err = svc.UpdateDefinition(ctx, def.ID, DefinitionPatch{DurationMinutes: intPtr(20)}, "eng")
	assert.True(t, apperr.Is(err, "WARNING_INVALID"))
	_, err = svc.UpdateDefinition(ctx, "missing", DefinitionPatch{}, "eng")
	assert.True(t, apperr.Is(err, "DEFINITION_NOT_FOUND"))

	paste := washRule()
	paste.Code, paste.Name, paste.RuleType = "PASTE-24H", "Paste exposure", model.RuleSolderPasteExposure
	paste.IsActive = boolPtr(false)
	_, err = svc.CreateDefinition(ctx, paste, "eng")
	require.NoError(t, err)

	all, total, err := svc.ListDefinitions(ctx, DefinitionFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Equal(t, "WASH-4H", all[0].Code, "higher priority first")

	active, total, err := svc.ListDefinitions(ctx, DefinitionFilter{IsActive: boolPtr(true)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "WASH-4H", active[0].Code)

	byEvent, err := svc.ActiveDefinitions(ctx, model.EventTrackIn)
	require.NoError(t, err)
	require.Len(t, byEvent, 1)

	_, err = svc.GetByCode(ctx, "NOPE")
	assert.True(t, apperr.Is(err, "DEFINITION_NOT_FOUND"))

	inst, err := svc.CreateInstance(ctx, InstanceInput{DefinitionCode: "WASH-4H", EntityType: "UNIT", EntityID: "u-1"})
	require.NoError(t, err)
	err = svc.DeleteDefinition(ctx, def.ID, "eng")
	assert.True(t, apperr.Is(err, "HAS_ACTIVE_INSTANCES"))

	_, err = svc.CompleteInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteDefinition(ctx, def.ID, "eng"))
	_, err = svc.GetByCode(ctx, "WASH-4H")
	assert.True(t, apperr.Is(err, "DEFINITION_NOT_FOUND"))
}

func TestCreateInstance(t *testing.T) {
	db := testutil.NewDB(t)
	fx := testutil.NewProductionFixture(t, db, testutil.TwoSteps, model.RunInProgress)
	svc, clk := newService(db)
	ctx := context.Background()
	_, err := svc.CreateDefinition(ctx, washRule(), "eng")
	require.NoError(t, err)

	started := clk.t.Add(-10*time.Minute - 30*time.Second)
	inst, err := svc.CreateInstance(ctx, InstanceInput{
		DefinitionCode: "WASH-4H",
		RunID:          fx.Run.ID,
		EntityType:     "UNIT",
		EntityID:       "u-1",
		EntityDisplay:  "unit SN-1",
		StartedAt:      &started,
	})
	require.NoError(t, err)
	assert.Equal(t, model.InstanceActive, inst.Status)
	assert.Equal(t, started.Add(4*time.Hour), inst.ExpiresAt)
	require.NotNil(t, inst.WarningAt)
	assert.Equal(t, started.Add(210*time.Minute), *inst.WarningAt)
	assert.Equal(t, "R-1", model.Deref(inst.RunNo))
	assert.Equal(t, model.RuleWashTimeLimit, inst.RuleType)
	require.NotNil(t, inst.RemainingMinutes)
	assert.Equal(t, 230, *inst.RemainingMinutes, "229.5 minutes left rounds up")

	_, err = svc.CreateInstance(ctx, InstanceInput{DefinitionCode: "WASH-4H", EntityType: "UNIT", EntityID: "u-1"})
	assert.True(t, apperr.Is(err, "INSTANCE_ALREADY_ACTIVE"))

	other, err := svc.CreateInstance(ctx, InstanceInput{DefinitionCode: "WASH-4H", EntityType: "UNIT", EntityID: "u-2"})
	require.NoError(t, err, "another entity has its own instance")

	done, err := svc.CompleteByEntity(ctx, "WASH-4H", "UNIT", "u-1")
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, model.InstanceCompleted, done.Status)
	assert.Nil(t, done.RemainingMinutes)

	none, err := svc.CompleteByEntity(ctx, "WASH-4H", "UNIT", "u-1")
	require.NoError(t, err)
	assert.Nil(t, none, "nothing active is not an error")

	clk.t = clk.t.Add(time.Minute)
	_, err = svc.CreateInstance(ctx, InstanceInput{DefinitionCode: "WASH-4H", EntityType: "UNIT", EntityID: "u-1"})
	require.NoError(t, err, "a completed instance frees the entity")

	_, err = svc.CompleteInstance(ctx, done.ID)
	assert.True(t, apperr.Is(err, "INSTANCE_NOT_ACTIVE"))

	byRun, err := svc.ListByRun(ctx, "R-1")
	require.NoError(t, err)
	assert.Len(t, byRun, 1)

	active, err := svc.ListActive(ctx, "", model.RuleWashTimeLimit)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Equal(t, other.ID, active[0].ID, "soonest expiry first")

	_, err = svc.CreateInstance(ctx, InstanceInput{DefinitionCode: "NOPE", EntityType: "UNIT", EntityID: "u-1"})
	assert.True(t, apperr.Is(err, "DEFINITION_NOT_FOUND"))

	_, err = svc.UpdateDefinition(ctx, inst.DefinitionID, DefinitionPatch{IsActive: boolPtr(false)}, "eng")
	require.NoError(t, err)
	_, err = svc.CreateInstance(ctx, InstanceInput{DefinitionCode: "WASH-4H", EntityType: "UNIT", EntityID: "u-9"})
	assert.True(t, apperr.Is(err, "DEFINITION_INACTIVE"))
}

func TestWaiveInstance(t *testing.T) {
	db := testutil.NewDB(t)
	svc, _ := newService(db)
	ctx := context.Background()

	_, err := svc.CreateDefinition(ctx, washRule(), "eng")
	require.NoError(t, err)
	strict := washRule()
	strict.Code, strict.IsWaivable = "STRICT", boolPtr(false)
	_, err = svc.CreateDefinition(ctx, strict, "eng")
	require.NoError(t, err)

	locked, err := svc.CreateInstance(ctx, InstanceInput{DefinitionCode: "STRICT", EntityType: "UNIT", EntityID: "u-1"})
	require.NoError(t, err)
	_, err = svc.WaiveInstance(ctx, locked.ID, WaiveInput{WaivedBy: "qe", Reason: "ok"})
	assert.True(t, apperr.Is(err, "INSTANCE_NOT_WAIVABLE"))

	inst, err := svc.CreateInstance(ctx, InstanceInput{DefinitionCode: "WASH-4H", EntityType: "UNIT", EntityID: "u-1"})
	require.NoError(t, err)
	_, err = svc.WaiveInstance(ctx, inst.ID, WaiveInput{WaivedBy: "qe"})
	assert.True(t, apperr.Is(err, "REASON_REQUIRED"))

	require.NoError(t, db.Model(&model.TimeRuleInstance{}).Where("id = ?", inst.ID).
		Updates(map[string]any{"status": model.InstanceExpired, "active_key": nil}).Error)
	waived, err := svc.WaiveInstance(ctx, inst.ID, WaiveInput{WaivedBy: "qe", Reason: "re-cleaned by hand"})
	require.NoError(t, err)
	assert.Equal(t, model.InstanceWaived, waived.Status)
	assert.Equal(t, "qe", model.Deref(waived.WaivedBy))

	_, err = svc.WaiveInstance(ctx, inst.ID, WaiveInput{WaivedBy: "qe", Reason: "again"})
	assert.True(t, apperr.Is(err, "INSTANCE_INVALID_STATUS"))
	_, err = svc.WaiveInstance(ctx, "missing", WaiveInput{WaivedBy: "qe", Reason: "x"})
	assert.True(t, apperr.Is(err, "INSTANCE_NOT_FOUND"))
}

type recorder struct {
	mu  sync.Mutex
	got []notification.Notification
	err error
}

func (r *recorder) Notify(_ context.Context, n notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func TestSweepOnce(t *testing.T) {
	db := testutil.NewDB(t)
	svc, clk := newService(db)
	ctx := context.Background()
	_, err := svc.CreateDefinition(ctx, washRule(), "eng")
	require.NoError(t, err)

	start := clk.t
	inst, err := svc.CreateInstance(ctx, InstanceInput{DefinitionCode: "WASH-4H", EntityType: "UNIT", EntityID: "u-1", EntityDisplay: "unit SN-1", StartedAt: &start})
	require.NoError(t, err)

	rec := &recorder{}
	sw := NewSweeper(db, rec, config.TimeRuleConfig{AlertRecipients: []string{"supervisor"}}, discard())
	sw.now = clk.now

	res, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "nothing due yet")

	clk.t = start.Add(215 * time.Minute)
	res, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Warned: 1}, res)
	res, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "warnings are raised once")

	rec.err = errors.New("push gateway down")
	clk.t = start.Add(241 * time.Minute)
	res, err = sw.SweepOnce(ctx)
	require.NoError(t, err, "delivery failure never fails the sweep")
	assert.Equal(t, SweepResult{Expired: 1}, res)

	var stored model.TimeRuleInstance
	testutil.Reload(t, db, &stored, inst.ID)
	assert.Equal(t, model.InstanceExpired, stored.Status)
	assert.True(t, stored.ExpiryNotified)
	assert.Nil(t, stored.ActiveKey)

	require.Len(t, rec.got, 2)
	assert.Equal(t, notification.PriorityNormal, rec.got[0].Priority)
	assert.Equal(t, notification.PriorityHigh, rec.got[1].Priority)
	assert.Equal(t, []string{"supervisor"}, rec.got[1].Recipients)
	assert.Contains(t, rec.got[1].Message, "unit SN-1")
	assert.Equal(t, inst.ID, rec.got[1].Data["instanceId"])

	res, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

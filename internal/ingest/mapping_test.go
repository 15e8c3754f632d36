package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/model"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestResolve(t *testing.T) {
	doc := decode(t, `{"board":{"serial":"SN-1","panels":[{"sn":"A"},{"sn":"B"},{"x":1}]},"grid":[[1,2],[3]]}`)

	tests := []struct {
		name string
		path string
		want any
	}{
		{"nested key", "board.serial", "SN-1"},
		{"missing key", "board.missing", nil},
		{"empty path", "", nil},
		{"fan out", "board.panels[*].sn", []any{"A", "B"}},
		{"fan out over non-array", "board.serial[*]", []any{}},
		{"flattens nested arrays", "grid[*]", []any{1.0, 2.0, 3.0}},
		{"through scalar", "board.serial.more", nil},
		{"extra dots", ".board..serial", "SN-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(doc, tt.path))
		})
	}
}

func TestNormalize(t *testing.T) {
	payload := decode(t, `{
		"id": "evt-9",
		"ts": "2026-03-01T07:00:00Z",
		"station": "ST-AOI",
		"board": {"serial": "SN-1"},
		"verdict": "ok",
		"test": {"id": 42},
		"items": [
			{"name": "height", "value": 0.12, "unit": "mm", "judge": "OK"},
			{"value": 3},
			{"name": "offset", "value": -0.01}
		]
	}`)
	m := config.IngestMapping{
		DedupeKeyPath:    "payload.id",
		OccurredAtPath:   "payload.ts",
		StationCodePath:  "payload.station",
		SnPath:           "payload.board.serial",
		TestResultIDPath: "payload.test.id",
		Result:           &config.ResultMapping{Path: "payload.verdict", PassValues: []string{"OK", "GOOD"}, FailValues: []string{"NG"}},
		Measurements:     &config.MeasurementsMapping{ItemsPath: "payload.items", NamePath: "name", ValuePath: "value", UnitPath: "unit", JudgePath: "judge"},
	}

	n := Normalize(payload, m)
	assert.Equal(t, "evt-9", n.DedupeKey)
	assert.Equal(t, "2026-03-01T07:00:00Z", n.OccurredAt)
	assert.Equal(t, "ST-AOI", n.StationCode)
	assert.Equal(t, "SN-1", n.SN)
	assert.Empty(t, n.SNList)
	assert.Equal(t, model.ResultPass, n.Result)
	assert.Equal(t, "42", n.TestResultID)
	require.Len(t, n.Measurements, 2)
	assert.Equal(t, Measurement{Name: "height", Value: 0.12, Unit: "mm", Judge: "OK"}, n.Measurements[0])
	assert.Equal(t, "offset", n.Measurements[1].Name)
	assert.NoError(t, Validate(KindTest, n))

	t.Run("unmapped result passes through", func(t *testing.T) {
		n := Normalize(decode(t, `{"verdict":"RETEST"}`), m)
		assert.Equal(t, "RETEST", n.Result)
	})

	t.Run("array sn becomes sn list", func(t *testing.T) {
		n := Normalize(decode(t, `{"boards":[{"sn":"A"},{"sn":"B"}],"carrier":"C-1","verdict":"NG"}`), config.IngestMapping{
			SnPath:          "payload.boards[*].sn",
			CarrierCodePath: "payload.carrier",
			Result:          &config.ResultMapping{Path: "payload.verdict", FailValues: []string{"ng"}},
		})
		assert.Equal(t, []string{"A", "B"}, n.SNList)
		assert.Equal(t, model.ResultFail, n.Result)
		assert.NoError(t, Validate(KindBatch, n))
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		n       Normalized
		wantErr string
	}{
		{"auto complete", KindAuto, Normalized{SN: "A", StationCode: "S", Result: "PASS"}, ""},
		{"auto missing station", KindAuto, Normalized{SN: "A", Result: "PASS"}, "missing stationCode"},
		{"test missing id", KindTest, Normalized{SN: "A", StationCode: "S", Result: "PASS"}, "missing testResultId"},
		{"batch missing all", KindBatch, Normalized{}, "missing carrierCode, snList, result"},
		{"generic lot", "", Normalized{LotID: "lot-1"}, ""},
		{"generic empty", "PASTE", Normalized{}, "missing sn, snList, lotId or carrierCode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.kind, tt.n)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

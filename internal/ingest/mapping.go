// Package ingest normalizes payloads pushed or polled from shop-floor
// systems into a canonical shape and hands them to the event log.
package ingest

import (
	"fmt"
	"strconv"
	"strings"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/model"
)

// Measurement is one named value reported by a machine.
type Measurement struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
	Judge string `json:"judge,omitempty"`
}

// Normalized is the canonical form of an inbound payload.
type Normalized struct {
	DedupeKey    string        `json:"dedupeKey,omitempty"`
	OccurredAt   string        `json:"occurredAt,omitempty"`
	StationCode  string        `json:"stationCode,omitempty"`
	LineCode     string        `json:"lineCode,omitempty"`
	SN           string        `json:"sn,omitempty"`
	SNList       []string      `json:"snList,omitempty"`
	CarrierCode  string        `json:"carrierCode,omitempty"`
	Result       string        `json:"result,omitempty"`
	TestResultID string        `json:"testResultId,omitempty"`
	LotID        string        `json:"lotId,omitempty"`
	Measurements []Measurement `json:"measurements,omitempty"`
}

// Resolve walks a dotted path through decoded JSON. A segment ending in
// "[*]" fans out over an array and the results are flattened.
func Resolve(value any, path string) any {
	if path == "" {
		return nil
	}
	var segments []string
	for _, s := range strings.Split(path, ".") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return nil
	}
	return resolve(value, segments)
}

func resolve(value any, segments []string) any {
	if len(segments) == 0 {
		return value
	}
	if value == nil {
		return nil
	}
	head, tail := segments[0], segments[1:]

	if key, ok := strings.CutSuffix(head, "[*]"); ok {
		target := value
		if key != "" {
			obj, isObj := value.(map[string]any)
			if !isObj {
				return []any{}
			}
			target = obj[key]
		}
		items, isArr := target.([]any)
		if !isArr {
			return []any{}
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			switch r := resolve(item, tail).(type) {
			case nil:
			case []any:
				out = append(out, r...)
			default:
				out = append(out, r)
			}
		}
		return out
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	return resolve(obj[head], tail)
}

// asString renders scalars as strings; other values yield "".
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case nil:
		return ""
	}
	return ""
}

func asStrings(v any) []string {
	if arr, ok := v.([]any); ok {
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := asString(v); s != "" {
		return []string{s}
	}
	return nil
}

func normalizeResult(v any, m *config.ResultMapping) string {
	raw := asString(v)
	if raw == "" || m == nil {
		return raw
	}
	for _, p := range m.PassValues {
		if strings.EqualFold(p, raw) {
			return model.ResultPass
		}
	}
	for _, f := range m.FailValues {
		if strings.EqualFold(f, raw) {
			return model.ResultFail
		}
	}
	return raw
}

func normalizeMeasurements(root any, m *config.MeasurementsMapping) []Measurement {
	if m == nil {
		return nil
	}
	items, ok := Resolve(root, m.ItemsPath).([]any)
	if !ok {
		return nil
	}
	var out []Measurement
	for _, item := range items {
		if _, isObj := item.(map[string]any); !isObj {
			continue
		}
		name := asString(Resolve(item, m.NamePath))
		if name == "" {
			continue
		}
		meas := Measurement{Name: name, Value: Resolve(item, m.ValuePath)}
		if m.UnitPath != "" {
			meas.Unit = asString(Resolve(item, m.UnitPath))
		}
		if m.JudgePath != "" {
			meas.Judge = asString(Resolve(item, m.JudgePath))
		}
		out = append(out, meas)
	}
	return out
}

// Normalize applies a mapping to a decoded payload. Paths are resolved
// against {"payload": payload}.
func Normalize(payload any, m config.IngestMapping) Normalized {
	root := map[string]any{"payload": payload}
	snValue := Resolve(root, m.SnPath)

	n := Normalized{
		DedupeKey:    asString(Resolve(root, m.DedupeKeyPath)),
		OccurredAt:   asString(Resolve(root, m.OccurredAtPath)),
		StationCode:  asString(Resolve(root, m.StationCodePath)),
		LineCode:     asString(Resolve(root, m.LineCodePath)),
		SN:           asString(snValue),
		CarrierCode:  asString(Resolve(root, m.CarrierCodePath)),
		TestResultID: asString(Resolve(root, m.TestResultIDPath)),
		LotID:        asString(Resolve(root, m.LotIDPath)),
		Measurements: normalizeMeasurements(root, m.Measurements),
	}
	if m.SnListPath != "" {
		n.SNList = asStrings(Resolve(root, m.SnListPath))
	} else if _, isArr := snValue.([]any); isArr {
		n.SNList = asStrings(snValue)
	}
	if m.Result != nil {
		n.Result = normalizeResult(Resolve(root, m.Result.Path), m.Result)
	}
	return n
}

// Ingest kinds with their own required fields.
const (
	KindAuto  = "AUTO"
	KindTest  = "TEST"
	KindBatch = "BATCH"
)

// Validate checks the fields a kind requires.
func Validate(kind string, n Normalized) error {
	var missing []string
	need := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}
	switch kind {
	case KindBatch:
		need(n.CarrierCode != "", "carrierCode")
		need(len(n.SNList) > 0, "snList")
		need(n.Result != "", "result")
	case KindAuto, KindTest:
		need(n.SN != "", "sn")
		need(n.StationCode != "", "stationCode")
		need(n.Result != "", "result")
		if kind == KindTest {
			need(n.TestResultID != "", "testResultId")
		}
	default:
		need(n.SN != "" || len(n.SNList) > 0 || n.LotID != "" || n.CarrierCode != "", "sn, snList, lotId or carrierCode")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

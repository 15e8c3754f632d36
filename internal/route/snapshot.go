// Package route reads the frozen step list a run executes against.
package route

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/model"
)

// Step is one compiled routing step.
type Step struct {
	StepNo            int      `json:"stepNo"`
	OperationID       string   `json:"operationId"`
	OperationCode     string   `json:"operationCode"`
	OperationName     string   `json:"operationName,omitempty"`
	StationType       string   `json:"stationType"`
	StationGroupID    string   `json:"stationGroupId,omitempty"`
	AllowedStationIDs []string `json:"allowedStationIds,omitempty"`
	DataSpecIDs       []string `json:"dataSpecIds,omitempty"`

	IngestMapping *config.IngestMapping `json:"ingestMapping,omitempty"`
}

type document struct {
	Steps []Step `json:"steps"`
}

// Snapshot is the immutable, ordered step list of one route version.
type Snapshot struct {
	VersionID string
	RoutingID string
	VersionNo int
	Status    string
	steps     []Step
}

// Parse decodes a snapshot document into steps ordered by StepNo.
func Parse(raw []byte) ([]Step, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode route snapshot: %w", err)
	}
	steps := slices.Clone(doc.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepNo < steps[j].StepNo })
	return steps, nil
}

// Encode serializes steps into the stored snapshot document.
func Encode(steps []Step) ([]byte, error) {
	return json.Marshal(document{Steps: steps})
}

// NewSnapshot builds a snapshot from a stored route version.
func NewSnapshot(v model.RouteVersion) (*Snapshot, error) {
	steps, err := Parse(v.Snapshot)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		VersionID: v.ID,
		RoutingID: v.RoutingID,
		VersionNo: v.VersionNo,
		Status:    v.Status,
		steps:     steps,
	}, nil
}

// Steps returns a copy of the ordered steps.
func (s *Snapshot) Steps() []Step {
	return slices.Clone(s.steps)
}

// Len is the number of steps.
func (s *Snapshot) Len() int {
	return len(s.steps)
}

// First returns the lowest-numbered step.
func (s *Snapshot) First() (Step, bool) {
	if len(s.steps) == 0 {
		return Step{}, false
	}
	return s.steps[0], true
}

// Step returns the step with the given number.
func (s *Snapshot) Step(no int) (Step, bool) {
	for _, st := range s.steps {
		if st.StepNo == no {
			return st, true
		}
	}
	return Step{}, false
}

// Next returns the step following no.
func (s *Snapshot) Next(no int) (Step, bool) {
	for _, st := range s.steps {
		if st.StepNo > no {
			return st, true
		}
	}
	return Step{}, false
}

// Current resolves a unit's step, defaulting to the first step when the
// unit has not started.
func (s *Snapshot) Current(currentStepNo int) (Step, bool) {
	if currentStepNo <= 0 {
		return s.First()
	}
	return s.Step(currentStepNo)
}

// HasOperation reports whether any step's operation code contains substr,
// ignoring case.
func (s *Snapshot) HasOperation(substr string) bool {
	needle := strings.ToUpper(substr)
	for _, st := range s.steps {
		if strings.Contains(strings.ToUpper(st.OperationCode), needle) {
			return true
		}
	}
	return false
}

// IsValidStationForStep checks station type, the optional allow-list and
// the optional station group.
func IsValidStationForStep(step Step, station model.Station) bool {
	if step.StationType != station.StationType {
		return false
	}
	if len(step.AllowedStationIDs) > 0 && !slices.Contains(step.AllowedStationIDs, station.ID) {
		return false
	}
	if step.StationGroupID != "" && step.StationGroupID != model.Deref(station.GroupID) {
		return false
	}
	return true
}

// UncoveredSteps returns the step numbers no station in the list can serve.
func (s *Snapshot) UncoveredSteps(stations []model.Station) []int {
	var missing []int
	for _, st := range s.steps {
		served := false
		for _, station := range stations {
			if IsValidStationForStep(st, station) {
				served = true
				break
			}
		}
		if !served {
			missing = append(missing, st.StepNo)
		}
	}
	return missing
}

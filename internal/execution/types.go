package execution

import (
	"encoding/json"

	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/oqc"
)

// TrackInInput identifies the unit entering a station.
type TrackInInput struct {
	SN         string `json:"sn" binding:"required"`
	WoNo       string `json:"woNo" binding:"required"`
	RunNo      string `json:"runNo" binding:"required"`
	OperatorID string `json:"operatorId"`
}

// DataItem is one measurement reported on track-out.
type DataItem struct {
	SpecName     string          `json:"specName" binding:"required"`
	ValueNumber  *float64        `json:"valueNumber,omitempty"`
	ValueText    *string         `json:"valueText,omitempty"`
	ValueBoolean *bool           `json:"valueBoolean,omitempty"`
	ValueJSON    json.RawMessage `json:"valueJson,omitempty"`
}

// TrackOutInput closes the open visit of a unit at a station.
type TrackOutInput struct {
	SN         string     `json:"sn" binding:"required"`
	RunNo      string     `json:"runNo" binding:"required"`
	Result     string     `json:"result" binding:"required"`
	OperatorID string     `json:"operatorId"`
	Data       []DataItem `json:"data"`
	DefectCode string     `json:"defectCode"`
}

// TrackInResult is the unit after entering the station.
type TrackInResult struct {
	Unit  model.Unit  `json:"unit"`
	Track model.Track `json:"track"`
}

// TrackOutResult is the unit after leaving the station. Result may differ
// from the requested one when a machine inspection failed the track.
type TrackOutResult struct {
	Unit               model.Unit   `json:"unit"`
	Track              model.Track  `json:"track"`
	Result             string       `json:"result"`
	InspectionOverride bool         `json:"inspectionOverride,omitempty"`
	OQC                *oqc.Outcome `json:"oqc,omitempty"`
}

// eventPayload is the body of TRACK_IN and TRACK_OUT events.
type eventPayload struct {
	UnitSN         string `json:"unitSn"`
	OperationCode  string `json:"operationCode"`
	StationCode    string `json:"stationCode"`
	LineID         string `json:"lineId,omitempty"`
	RouteVersionID string `json:"routeVersionId"`
	Result         string `json:"result,omitempty"`
}

package model

import (
	"time"

	"gorm.io/datatypes"
)

// Work order statuses.
const (
	WorkOrderReceived   = "RECEIVED"
	WorkOrderReleased   = "RELEASED"
	WorkOrderInProgress = "IN_PROGRESS"
	WorkOrderCompleted  = "COMPLETED"
)

// WorkOrder is a business order to build PlannedQty of ProductCode.
type WorkOrder struct {
	Base
	WoNo        string     `gorm:"uniqueIndex;size:64;not null" json:"woNo"`
	ProductCode string     `gorm:"size:64;not null;index" json:"productCode"`
	PlannedQty  int        `gorm:"not null" json:"plannedQty"`
	RoutingID   *string    `gorm:"size:36" json:"routingId,omitempty"`
	Status      string     `gorm:"size:16;not null;index" json:"status"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Run statuses.
const (
	RunPrep         = "PREP"
	RunAuthorized   = "AUTHORIZED"
	RunInProgress   = "IN_PROGRESS"
	RunOnHold       = "ON_HOLD"
	RunCompleted    = "COMPLETED"
	RunClosedRework = "CLOSED_REWORK"
	RunScrapped     = "SCRAPPED"
)

// Rework run preparation modes.
const (
	ReworkReusePrep = "REUSE_PREP"
	ReworkFullPrep  = "FULL_PREP"
)

// Run is one production batch of a work order on a line.
type Run struct {
	Base
	RunNo             string     `gorm:"uniqueIndex;size:64;not null" json:"runNo"`
	WoID              string     `gorm:"size:36;index;not null" json:"woId"`
	LineID            *string    `gorm:"size:36;index" json:"lineId,omitempty"`
	RouteVersionID    *string    `gorm:"size:36" json:"routeVersionId,omitempty"`
	Status            string     `gorm:"size:16;not null;index" json:"status"`
	PlanQty           int        `json:"planQty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	AuthorizedBy      *string    `gorm:"size:64" json:"authorizedBy,omitempty"`
	AuthorizedAt      *time.Time `json:"authorizedAt,omitempty"`
	AuthorizationType *string    `gorm:"size:32" json:"authorizationType,omitempty"`
	ParentRunID       *string    `gorm:"size:36;index" json:"parentRunId,omitempty"`
	ReworkType        *string    `gorm:"size:16" json:"reworkType,omitempty"`
	MrbDecision       *string    `gorm:"size:16" json:"mrbDecision,omitempty"`
	MrbFaiWaiver      bool       `json:"mrbFaiWaiver"`
	MrbWaiverReason   *string    `json:"mrbWaiverReason,omitempty"`
	MrbAuthorizedBy   *string    `gorm:"size:64" json:"mrbAuthorizedBy,omitempty"`
	MrbAuthorizedAt   *time.Time `json:"mrbAuthorizedAt,omitempty"`

	WorkOrder *WorkOrder `gorm:"foreignKey:WoID" json:"workOrder,omitempty"`
}

// Unit statuses.
const (
	UnitQueued    = "QUEUED"
	UnitInStation = "IN_STATION"
	UnitDone      = "DONE"
	UnitOutFailed = "OUT_FAILED"
	UnitOnHold    = "ON_HOLD"
	UnitScrapped  = "SCRAPPED"
)

// Unit is one serialized physical item.
type Unit struct {
	Base
	SN            string  `gorm:"uniqueIndex;size:64;not null" json:"sn"`
	WoID          string  `gorm:"size:36;index;not null" json:"woId"`
	RunID         *string `gorm:"size:36;index" json:"runId,omitempty"`
	CurrentStepNo int     `json:"currentStepNo"`
	Status        string  `gorm:"size:16;not null;index" json:"status"`
}

// Track results.
const (
	ResultPass = "PASS"
	ResultFail = "FAIL"
)

// Track is one station visit. OpenKey is "unitId:stepNo" while the visit is
// open and NULL once closed; its unique index allows one open visit per step.
type Track struct {
	Base
	UnitID     string     `gorm:"size:36;index;not null" json:"unitId"`
	StepNo     int        `gorm:"not null" json:"stepNo"`
	StationID  string     `gorm:"size:36;index;not null" json:"stationId"`
	OperatorID string     `gorm:"size:64" json:"operatorId,omitempty"`
	InAt       time.Time  `gorm:"not null" json:"inAt"`
	OutAt      *time.Time `json:"outAt,omitempty"`
	Result     *string    `gorm:"size:8" json:"result,omitempty"`
	OpenKey    *string    `gorm:"uniqueIndex;size:64" json:"-"`
}

// DataValue is a measurement captured on track-out.
type DataValue struct {
	Base
	TrackID      string         `gorm:"size:36;index;not null" json:"trackId"`
	SpecID       string         `gorm:"size:36;index;not null" json:"specId"`
	Name         string         `gorm:"size:128" json:"name"`
	ValueNumber  *float64       `json:"valueNumber,omitempty"`
	ValueText    *string        `json:"valueText,omitempty"`
	ValueBoolean *bool          `json:"valueBoolean,omitempty"`
	ValueJSON    datatypes.JSON `json:"valueJson,omitempty"`
	CollectedAt  time.Time      `json:"collectedAt"`
}

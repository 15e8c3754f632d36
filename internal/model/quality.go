package model

import (
	"time"

	"gorm.io/datatypes"
)

// Defect statuses.
const (
	DefectRecorded      = "RECORDED"
	DefectDispositioned = "DISPOSITIONED"
	DefectClosed        = "CLOSED"
)

// Defect is a nonconformance found on a unit.
type Defect struct {
	Base
	UnitID   string         `gorm:"size:36;index;not null" json:"unitId"`
	TrackID  *string        `gorm:"size:36;index" json:"trackId,omitempty"`
	Code     string         `gorm:"size:64;not null;index" json:"code"`
	Location string         `gorm:"size:128" json:"location,omitempty"`
	Qty      int            `gorm:"not null" json:"qty"`
	Status   string         `gorm:"size:16;not null;index" json:"status"`
	Meta     datatypes.JSON `json:"meta,omitempty"`

	Unit        *Unit        `gorm:"foreignKey:UnitID" json:"unit,omitempty"`
	Disposition *Disposition `gorm:"foreignKey:DefectID" json:"disposition,omitempty"`
}

// Disposition types.
const (
	DispositionRework = "REWORK"
	DispositionScrap  = "SCRAP"
	DispositionHold   = "HOLD"
)

// Disposition is the one quality decision attached to a defect.
type Disposition struct {
	Base
	DefectID  string    `gorm:"uniqueIndex;size:36;not null" json:"defectId"`
	Type      string    `gorm:"size:16;not null" json:"type"`
	Reason    string    `json:"reason,omitempty"`
	DecidedBy string    `gorm:"size:64" json:"decidedBy,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`

	ReworkTask *ReworkTask `gorm:"foreignKey:DispositionID" json:"reworkTask,omitempty"`
}

// Rework task statuses.
const (
	ReworkOpen      = "OPEN"
	ReworkDone      = "DONE"
	ReworkCancelled = "CANCELLED"
)

// ReworkTask sends a unit back from FromStepNo to ToStepNo.
type ReworkTask struct {
	Base
	DispositionID string         `gorm:"uniqueIndex;size:36;not null" json:"dispositionId"`
	UnitID        string         `gorm:"size:36;index;not null" json:"unitId"`
	FromStepNo    int            `json:"fromStepNo"`
	ToStepNo      int            `json:"toStepNo"`
	Status        string         `gorm:"size:16;not null;index" json:"status"`
	DoneBy        *string        `gorm:"size:64" json:"doneBy,omitempty"`
	DoneAt        *time.Time     `json:"doneAt,omitempty"`
	Remark        *string        `json:"remark,omitempty"`
	Meta          datatypes.JSON `json:"meta,omitempty"`

	Disposition *Disposition `gorm:"foreignKey:DispositionID" json:"-"`
}

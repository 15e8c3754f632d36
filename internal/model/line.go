package model

import (
	"time"

	"gorm.io/datatypes"
)

// Line is a production line. Meta may hold
// {"readinessChecks": {"enabled": ["EQUIPMENT", ...]}}.
type Line struct {
	Base
	Code string         `gorm:"uniqueIndex;size:64;not null" json:"code"`
	Name string         `gorm:"size:128" json:"name"`
	Meta datatypes.JSON `json:"meta,omitempty"`
}

// Station is a physical work position on a line.
type Station struct {
	Base
	Code        string  `gorm:"uniqueIndex;size:64;not null" json:"code"`
	Name        string  `gorm:"size:128" json:"name"`
	StationType string  `gorm:"size:32;not null" json:"stationType"`
	LineID      *string `gorm:"size:36;index" json:"lineId,omitempty"`
	GroupID     *string `gorm:"size:36" json:"groupId,omitempty"`
}

// Equipment statuses reported by TPM.
const (
	EquipmentNormal = "normal"
)

// TpmEquipment mirrors the maintenance system's view of a station.
type TpmEquipment struct {
	Base
	EquipmentCode string `gorm:"uniqueIndex;size:64;not null" json:"equipmentCode"`
	Status        string `gorm:"size:32;not null" json:"status"`
}

// Maintenance task statuses and blocking types.
const (
	MaintenancePending    = "PENDING"
	MaintenanceInProgress = "IN_PROGRESS"
	MaintenanceCompleted  = "COMPLETED"
)

// BlockingMaintenanceTypes stop a readiness check while pending or active.
var BlockingMaintenanceTypes = []string{"REPAIR", "CRITICAL", "breakdown"}

// MaintenanceTask is a TPM work order against one piece of equipment.
type MaintenanceTask struct {
	Base
	EquipmentCode string     `gorm:"index;size:64;not null" json:"equipmentCode"`
	TaskType      string     `gorm:"size:32;not null" json:"taskType"`
	Status        string     `gorm:"size:32;not null" json:"status"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
}

package model

import (
	"time"

	"gorm.io/datatypes"
)

// Routing is the editable master routing.
type Routing struct {
	Base
	Code string `gorm:"uniqueIndex;size:64;not null" json:"code"`
	Name string `gorm:"size:128" json:"name"`
}

// Route version statuses.
const (
	RouteVersionDraft    = "DRAFT"
	RouteVersionReady    = "READY"
	RouteVersionArchived = "ARCHIVED"
)

// RouteVersion is a compiled, frozen routing. Snapshot holds the ordered
// step list and is never rewritten once READY.
type RouteVersion struct {
	Base
	RoutingID  string         `gorm:"size:36;index;not null" json:"routingId"`
	VersionNo  int            `gorm:"not null" json:"versionNo"`
	Status     string         `gorm:"size:16;not null" json:"status"`
	Snapshot   datatypes.JSON `gorm:"not null" json:"snapshot"`
	CompiledAt *time.Time     `json:"compiledAt,omitempty"`

	Routing *Routing `gorm:"foreignKey:RoutingID" json:"routing,omitempty"`
}

// Data spec value types.
const (
	DataTypeNumber  = "NUMBER"
	DataTypeText    = "TEXT"
	DataTypeBoolean = "BOOLEAN"
	DataTypeJSON    = "JSON"
)

// DataSpec describes a measurement collected at an operation.
type DataSpec struct {
	Base
	OperationID string `gorm:"size:36;index" json:"operationId"`
	Name        string `gorm:"size:128;not null" json:"name"`
	DataType    string `gorm:"size:16;not null" json:"dataType"`
	Unit        string `gorm:"size:32" json:"unit,omitempty"`
	IsRequired  bool   `json:"isRequired"`
	IsActive    bool   `gorm:"not null" json:"isActive"`
}

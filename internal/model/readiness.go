package model

import (
	"time"

	"gorm.io/datatypes"
)

// Material is a master-data item.
type Material struct {
	Base
	Code string `gorm:"uniqueIndex;size:64;not null" json:"code"`
	Name string `gorm:"size:128" json:"name"`
}

// BomItem is one child material of a product.
type BomItem struct {
	Base
	ParentCode string  `gorm:"size:64;index;not null" json:"parentCode"`
	ChildCode  string  `gorm:"size:64;not null" json:"childCode"`
	Qty        float64 `json:"qty"`
}

// LineStencil binds a stencil to a line. At most one binding is current.
type LineStencil struct {
	Base
	LineID    string    `gorm:"size:36;index;not null" json:"lineId"`
	StencilID string    `gorm:"size:64;not null" json:"stencilId"`
	IsCurrent bool      `gorm:"index" json:"isCurrent"`
	BoundAt   time.Time `json:"boundAt"`
}

// Stencil and solder paste compliance statuses.
const (
	StencilReady         = "READY"
	SolderPasteCompliant = "COMPLIANT"
)

// StencilStatusRecord is a status observation for a stencil.
type StencilStatusRecord struct {
	Base
	StencilID string    `gorm:"size:64;index;not null" json:"stencilId"`
	Status    string    `gorm:"size:16;not null" json:"status"`
	EventTime time.Time `gorm:"index" json:"eventTime"`
}

// LineSolderPaste binds a solder paste lot to a line.
type LineSolderPaste struct {
	Base
	LineID    string    `gorm:"size:36;index;not null" json:"lineId"`
	LotID     string    `gorm:"size:64;not null" json:"lotId"`
	IsCurrent bool      `gorm:"index" json:"isCurrent"`
	BoundAt   time.Time `json:"boundAt"`
}

// SolderPasteStatusRecord is a status observation for a paste lot.
type SolderPasteStatusRecord struct {
	Base
	LotID     string    `gorm:"size:64;index;not null" json:"lotId"`
	Status    string    `gorm:"size:16;not null" json:"status"`
	EventTime time.Time `gorm:"index" json:"eventTime"`
}

// Readiness check types, statuses and item types.
const (
	CheckPrecheck = "PRECHECK"
	CheckFormal   = "FORMAL"

	CheckPending = "PENDING"
	CheckPassed  = "PASSED"
	CheckFailed  = "FAILED"

	ItemPassed = "PASSED"
	ItemFailed = "FAILED"
	ItemWaived = "WAIVED"

	ItemEquipment   = "EQUIPMENT"
	ItemMaterial    = "MATERIAL"
	ItemRoute       = "ROUTE"
	ItemStencil     = "STENCIL"
	ItemSolderPaste = "SOLDER_PASTE"
	ItemLoading     = "LOADING"
)

// ReadinessCheck is one gate evaluation for a run.
type ReadinessCheck struct {
	Base
	RunID     string    `gorm:"size:36;index;not null" json:"runId"`
	Type      string    `gorm:"size:16;not null" json:"type"`
	Status    string    `gorm:"size:16;not null" json:"status"`
	CheckedAt time.Time `gorm:"index" json:"checkedAt"`
	CheckedBy *string   `gorm:"size:64" json:"checkedBy,omitempty"`

	Items []ReadinessCheckItem `gorm:"foreignKey:CheckID" json:"items,omitempty"`
}

// ReadinessCheckItem is one gate result for one entity key.
type ReadinessCheckItem struct {
	Base
	CheckID     string         `gorm:"size:36;index;not null" json:"checkId"`
	ItemType    string         `gorm:"size:16;not null" json:"itemType"`
	ItemKey     string         `gorm:"size:128;not null" json:"itemKey"`
	Status      string         `gorm:"size:16;not null" json:"status"`
	FailReason  *string        `json:"failReason,omitempty"`
	Evidence    datatypes.JSON `json:"evidence,omitempty"`
	WaivedAt    *time.Time     `json:"waivedAt,omitempty"`
	WaivedBy    *string        `gorm:"size:64" json:"waivedBy,omitempty"`
	WaiveReason *string        `json:"waiveReason,omitempty"`
}

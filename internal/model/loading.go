package model

import (
	"time"

	"gorm.io/datatypes"
)

// FeederSlot is a material loading position on a line.
type FeederSlot struct {
	Base
	LineID               string         `gorm:"size:36;uniqueIndex:idx_slot_line_code;not null" json:"lineId"`
	SlotCode             string         `gorm:"size:64;uniqueIndex:idx_slot_line_code;not null" json:"slotCode"`
	SlotName             *string        `gorm:"size:128" json:"slotName,omitempty"`
	Position             int            `json:"position"`
	CurrentMaterialLotID *string        `gorm:"size:36" json:"currentMaterialLotId,omitempty"`
	IsLocked             bool           `json:"isLocked"`
	FailedAttempts       int            `json:"failedAttempts"`
	LockedAt             *time.Time     `json:"lockedAt,omitempty"`
	LockedReason         *string        `json:"lockedReason,omitempty"`
	Meta                 datatypes.JSON `json:"meta,omitempty"`
}

// SlotMaterialMapping says which material belongs in a slot, optionally
// scoped to a product and/or routing.
type SlotMaterialMapping struct {
	Base
	SlotID       string  `gorm:"size:36;index;not null" json:"slotId"`
	ProductCode  *string `gorm:"size:64" json:"productCode,omitempty"`
	RoutingID    *string `gorm:"size:36" json:"routingId,omitempty"`
	MaterialCode string  `gorm:"size:64;not null" json:"materialCode"`
	Priority     int     `json:"priority"`
	IsAlternate  bool    `json:"isAlternate"`

	Slot *FeederSlot `gorm:"foreignKey:SlotID" json:"slot,omitempty"`
}

// Expectation statuses.
const (
	ExpectationPending  = "PENDING"
	ExpectationLoaded   = "LOADED"
	ExpectationMismatch = "MISMATCH"
)

// RunSlotExpectation is the material a run expects in a slot.
type RunSlotExpectation struct {
	Base
	RunID                string         `gorm:"size:36;uniqueIndex:idx_expect_run_slot;not null" json:"runId"`
	SlotID               string         `gorm:"size:36;uniqueIndex:idx_expect_run_slot;not null" json:"slotId"`
	ExpectedMaterialCode string         `gorm:"size:64;not null" json:"expectedMaterialCode"`
	Alternates           datatypes.JSON `json:"alternates,omitempty"`
	Status               string         `gorm:"size:16;not null" json:"status"`
	LoadedMaterialCode   *string        `gorm:"size:64" json:"loadedMaterialCode,omitempty"`
	LoadedAt             *time.Time     `json:"loadedAt,omitempty"`
	LoadedBy             *string        `gorm:"size:64" json:"loadedBy,omitempty"`

	Slot *FeederSlot `gorm:"foreignKey:SlotID" json:"slot,omitempty"`
}

// MaterialLot is a physical lot of a material.
type MaterialLot struct {
	Base
	MaterialCode string `gorm:"size:64;uniqueIndex:idx_lot_material_no;not null" json:"materialCode"`
	LotNo        string `gorm:"size:64;uniqueIndex:idx_lot_material_no;not null;index" json:"lotNo"`
}

// Loading record statuses and verify results.
const (
	LoadingLoaded   = "LOADED"
	LoadingUnloaded = "UNLOADED"
	LoadingReplaced = "REPLACED"

	VerifyPass    = "PASS"
	VerifyWarning = "WARNING"
	VerifyFail    = "FAIL"
)

// LoadingRecord is one verify or replace scan.
type LoadingRecord struct {
	Base
	RunID         string         `gorm:"size:36;index;not null" json:"runId"`
	SlotID        string         `gorm:"size:36;index;not null" json:"slotId"`
	ExpectationID string         `gorm:"size:36" json:"expectationId"`
	MaterialLotID string         `gorm:"size:36;not null" json:"materialLotId"`
	MaterialCode  string         `gorm:"size:64;not null" json:"materialCode"`
	ExpectedCode  *string        `gorm:"size:64" json:"expectedCode,omitempty"`
	Status        string         `gorm:"size:16;not null" json:"status"`
	VerifyResult  string         `gorm:"size:16;not null" json:"verifyResult"`
	FailReason    *string        `json:"failReason,omitempty"`
	LoadedAt      time.Time      `gorm:"index" json:"loadedAt"`
	LoadedBy      string         `gorm:"size:64" json:"loadedBy"`
	UnloadedAt    *time.Time     `json:"unloadedAt,omitempty"`
	UnloadedBy    *string        `gorm:"size:64" json:"unloadedBy,omitempty"`
	Meta          datatypes.JSON `json:"meta,omitempty"`

	Slot        *FeederSlot  `gorm:"foreignKey:SlotID" json:"slot,omitempty"`
	MaterialLot *MaterialLot `gorm:"foreignKey:MaterialLotID" json:"materialLot,omitempty"`
}

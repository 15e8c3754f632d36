package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base carries the identifier and timestamps shared by every table.
type Base struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BeforeCreate assigns a UUID when none was set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// StrPtr returns a pointer to s, or nil for the empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// All returns every model, in migration order.
func All() []any {
	return []any{
		&Line{},
		&Station{},
		&TpmEquipment{},
		&MaintenanceTask{},
		&Routing{},
		&RouteVersion{},
		&DataSpec{},
		&WorkOrder{},
		&Run{},
		&Unit{},
		&Track{},
		&DataValue{},
		&Defect{},
		&Disposition{},
		&ReworkTask{},
		&Inspection{},
		&InspectionItem{},
		&InspectionResultRecord{},
		&OqcSamplingRule{},
		&Material{},
		&BomItem{},
		&LineStencil{},
		&StencilStatusRecord{},
		&LineSolderPaste{},
		&SolderPasteStatusRecord{},
		&ReadinessCheck{},
		&ReadinessCheckItem{},
		&FeederSlot{},
		&SlotMaterialMapping{},
		&RunSlotExpectation{},
		&MaterialLot{},
		&LoadingRecord{},
		&MesEvent{},
		&TimeRuleDefinition{},
		&TimeRuleInstance{},
		&AuditEvent{},
		&PushSubscription{},
		&IngestMapping{},
		&IngestEvent{},
	}
}

package loading

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/store"
)

// SlotInput creates a feeder slot.
type SlotInput struct {
	SlotCode string `json:"slotCode"`
	SlotName string `json:"slotName"`
	Position int    `json:"position"`
}

// MappingInput creates a slot material mapping.
type MappingInput struct {
	SlotID       string `json:"slotId"`
	ProductCode  string `json:"productCode"`
	RoutingID    string `json:"routingId"`
	MaterialCode string `json:"materialCode"`
	Priority     int    `json:"priority"`
	IsAlternate  bool   `json:"isAlternate"`
}

// MappingFilter narrows ListSlotMappings.
type MappingFilter struct {
	LineID      string
	SlotID      string
	ProductCode string
	RoutingID   string
}

// GetRunLoadingRecords lists every scan of a run, newest first.
func (s *Service) GetRunLoadingRecords(ctx context.Context, runNo string) ([]model.LoadingRecord, error) {
	db := s.db.WithContext(ctx)
	run, err := store.FindRunByNo(db, runNo)
	if err != nil {
		return nil, err
	}
	var records []model.LoadingRecord
	err = db.Preload("Slot").Preload("MaterialLot").Where("run_id = ?", run.ID).Order("loaded_at DESC").Find(&records).Error
	return records, err
}

// GetRunExpectations lists the slot table of a run in slot order.
func (s *Service) GetRunExpectations(ctx context.Context, runNo string) ([]model.RunSlotExpectation, error) {
	db := s.db.WithContext(ctx)
	run, err := store.FindRunByNo(db, runNo)
	if err != nil {
		return nil, err
	}
	var items []model.RunSlotExpectation
	err = db.Preload("Slot").
		Joins("JOIN feeder_slots ON feeder_slots.id = run_slot_expectations.slot_id").
		Where("run_slot_expectations.run_id = ?", run.ID).
		Order("feeder_slots.position, feeder_slots.slot_code").
		Find(&items).Error
	return items, err
}

func (s *Service) findLine(db *gorm.DB, lineID string) error {
	var line model.Line
	if err := db.First(&line, "id = ?", lineID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("LINE_NOT_FOUND", "line %s not found", lineID)
		}
		return err
	}
	return nil
}

// ListSlots lists the feeder slots of a line.
func (s *Service) ListSlots(ctx context.Context, lineID string) ([]model.FeederSlot, error) {
	db := s.db.WithContext(ctx)
	if err := s.findLine(db, lineID); err != nil {
		return nil, err
	}
	var slots []model.FeederSlot
	err := db.Where("line_id = ?", lineID).Order("position, slot_code").Find(&slots).Error
	return slots, err
}

// CreateSlot adds a feeder slot to a line.
func (s *Service) CreateSlot(ctx context.Context, lineID string, in SlotInput) (*model.FeederSlot, error) {
	db := s.db.WithContext(ctx)
	if err := s.findLine(db, lineID); err != nil {
		return nil, err
	}
	if in.SlotCode == "" {
		return nil, apperr.Invalid("SLOT_CODE_REQUIRED", "slot code is required")
	}
	var dup int64
	if err := db.Model(&model.FeederSlot{}).Where("line_id = ? AND slot_code = ?", lineID, in.SlotCode).Count(&dup).Error; err != nil {
		return nil, err
	}
	if dup > 0 {
		return nil, apperr.Conflict("SLOT_EXISTS", "slot %s already exists on the line", in.SlotCode)
	}
	slot := &model.FeederSlot{LineID: lineID, SlotCode: in.SlotCode, SlotName: model.StrPtr(in.SlotName), Position: in.Position}
	if err := db.Create(slot).Error; err != nil {
		return nil, err
	}
	return slot, nil
}

// DeleteSlot removes a slot that no mapping or loading record refers to.
func (s *Service) DeleteSlot(ctx context.Context, slotID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var slot model.FeederSlot
		if err := tx.First(&slot, "id = ?", slotID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("SLOT_NOT_FOUND", "slot %s not found", slotID)
			}
			return err
		}
		for _, ref := range []any{&model.SlotMaterialMapping{}, &model.LoadingRecord{}} {
			var n int64
			if err := tx.Model(ref).Where("slot_id = ?", slotID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return apperr.Conflict("SLOT_IN_USE", "slot %s is referenced and cannot be deleted", slot.SlotCode)
			}
		}
		return tx.Delete(&slot).Error
	})
}

// CreateSlotMapping adds a material mapping to a slot.
func (s *Service) CreateSlotMapping(ctx context.Context, in MappingInput) (*model.SlotMaterialMapping, error) {
	if in.MaterialCode == "" {
		return nil, apperr.Invalid("MATERIAL_CODE_REQUIRED", "material code is required")
	}
	db := s.db.WithContext(ctx)
	var slot model.FeederSlot
	if err := db.First(&slot, "id = ?", in.SlotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("SLOT_NOT_FOUND", "slot %s not found", in.SlotID)
		}
		return nil, err
	}
	m := &model.SlotMaterialMapping{
		SlotID:       in.SlotID,
		ProductCode:  model.StrPtr(in.ProductCode),
		RoutingID:    model.StrPtr(in.RoutingID),
		MaterialCode: in.MaterialCode,
		Priority:     in.Priority,
		IsAlternate:  in.IsAlternate,
	}
	if err := db.Create(m).Error; err != nil {
		return nil, err
	}
	m.Slot = &slot
	return m, nil
}

// ListSlotMappings lists mappings, optionally narrowed to a line, slot,
// product or routing.
func (s *Service) ListSlotMappings(ctx context.Context, f MappingFilter) ([]model.SlotMaterialMapping, error) {
	q := s.db.WithContext(ctx).Preload("Slot").Model(&model.SlotMaterialMapping{})
	if f.LineID != "" {
		q = q.Where("slot_id IN (?)", s.db.Model(&model.FeederSlot{}).Select("id").Where("line_id = ?", f.LineID))
	}
	if f.SlotID != "" {
		q = q.Where("slot_id = ?", f.SlotID)
	}
	if f.ProductCode != "" {
		q = q.Where("product_code = ?", f.ProductCode)
	}
	if f.RoutingID != "" {
		q = q.Where("routing_id = ?", f.RoutingID)
	}
	var out []model.SlotMaterialMapping
	err := q.Order("slot_id, priority").Find(&out).Error
	return out, err
}

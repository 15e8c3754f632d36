package execution

import (
	"context"

	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/store"
)

// UnitDataSpecs returns the data specs a unit must report at its current
// step on stationCode.
func (s *Service) UnitDataSpecs(ctx context.Context, stationCode, sn string) ([]model.DataSpec, error) {
	db := s.db.WithContext(ctx)
	unit, err := store.FindUnitBySN(db, sn)
	if err != nil {
		return nil, err
	}
	if unit.RunID == nil {
		return nil, nil
	}
	run, err := store.FindRun(db, *unit.RunID)
	if err != nil {
		return nil, err
	}
	rc, err := s.resolve(ctx, stationCode, run.RunNo, false)
	if err != nil {
		return nil, err
	}
	step, err := s.currentStep(rc, unit.CurrentStepNo)
	if err != nil {
		return nil, err
	}

	var specs []model.DataSpec
	q := db.Where("is_active = ?", true)
	if len(step.DataSpecIDs) > 0 {
		q = q.Where("id IN ?", step.DataSpecIDs)
	} else {
		q = q.Where("operation_id = ?", step.OperationID)
	}
	if err := q.Order("name").Find(&specs).Error; err != nil {
		return nil, err
	}
	return specs, nil
}

// UnitTracks returns the station visits of a unit, oldest first.
func (s *Service) UnitTracks(ctx context.Context, sn string) ([]model.Track, error) {
	db := s.db.WithContext(ctx)
	unit, err := store.FindUnitBySN(db, sn)
	if err != nil {
		return nil, err
	}
	var tracks []model.Track
	if err := db.Where("unit_id = ?", unit.ID).Order("in_at").Find(&tracks).Error; err != nil {
		return nil, err
	}
	return tracks, nil
}

// Package store owns the WorkOrder, Run and Unit lifecycles: their legal
// status transitions and the status-guarded updates that enforce them.
package store

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/model"
)

// Machine is the transition table of one entity.
type Machine struct {
	entity       string
	conflictCode string
	newModel     func() any
	edges        map[string][]string
}

// NewMachine builds a transition table for a status-bearing model. newModel
// returns a zero value of the model used to target updates.
func NewMachine(entity, conflictCode string, newModel func() any, edges map[string][]string) Machine {
	return Machine{entity: entity, conflictCode: conflictCode, newModel: newModel, edges: edges}
}

// ConflictCode is the error code returned when a guarded update misses.
func (m Machine) ConflictCode() string {
	return m.conflictCode
}

// WorkOrders is the work order lifecycle.
var WorkOrders = Machine{
	entity:       "work order",
	conflictCode: "WORK_ORDER_STATUS_CONFLICT",
	newModel:     func() any { return &model.WorkOrder{} },
	edges: map[string][]string{
		model.WorkOrderReceived:   {model.WorkOrderReleased},
		model.WorkOrderReleased:   {model.WorkOrderInProgress},
		model.WorkOrderInProgress: {model.WorkOrderCompleted},
	},
}

// Runs is the run lifecycle.
var Runs = Machine{
	entity:       "run",
	conflictCode: "RUN_STATUS_CONFLICT",
	newModel:     func() any { return &model.Run{} },
	edges: map[string][]string{
		model.RunPrep:       {model.RunAuthorized},
		model.RunAuthorized: {model.RunPrep, model.RunInProgress},
		model.RunInProgress: {model.RunCompleted, model.RunOnHold},
		model.RunOnHold:     {model.RunCompleted, model.RunClosedRework, model.RunScrapped},
	},
}

// Units is the unit lifecycle.
var Units = Machine{
	entity:       "unit",
	conflictCode: "UNIT_STATUS_CONFLICT",
	newModel:     func() any { return &model.Unit{} },
	edges: map[string][]string{
		model.UnitQueued:    {model.UnitInStation, model.UnitOnHold, model.UnitScrapped},
		model.UnitInStation: {model.UnitQueued, model.UnitDone, model.UnitOutFailed},
		model.UnitOutFailed: {model.UnitInStation, model.UnitQueued, model.UnitOnHold, model.UnitScrapped},
		model.UnitOnHold:    {model.UnitQueued, model.UnitScrapped},
		model.UnitDone:      {model.UnitQueued, model.UnitOnHold, model.UnitScrapped},
	},
}

// Can reports whether from -> to is a legal transition.
func (m Machine) Can(from, to string) bool {
	return slices.Contains(m.edges[from], to)
}

// Sources returns every status that may transition to to.
func (m Machine) Sources(to string) []string {
	var from []string
	for src, targets := range m.edges {
		if slices.Contains(targets, to) {
			from = append(from, src)
		}
	}
	slices.Sort(from)
	return from
}

// Transition moves the row id from any status in from to to, applying
// updates in the same statement. Zero affected rows is a StateConflict.
func (m Machine) Transition(tx *gorm.DB, id string, from []string, to string, updates map[string]any) error {
	if len(from) == 0 {
		return fmt.Errorf("%s transition to %s: no source status", m.entity, to)
	}
	for _, f := range from {
		if !m.Can(f, to) {
			return fmt.Errorf("illegal %s transition %s -> %s", m.entity, f, to)
		}
	}

	values := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		values[k] = v
	}
	values["status"] = to

	res := tx.Model(m.newModel()).Where("id = ? AND status IN ?", id, from).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("update %s %s to %s: %w", m.entity, id, to, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict(m.conflictCode, "%s %s is not in status %s", m.entity, id, strings.Join(from, "/"))
	}
	return nil
}

// RunTerminal reports whether a run status is final.
func RunTerminal(status string) bool {
	switch status {
	case model.RunCompleted, model.RunClosedRework, model.RunScrapped:
		return true
	}
	return false
}

// UnitTerminal reports whether a unit has left the line for good.
func UnitTerminal(status string) bool {
	return status == model.UnitDone || status == model.UnitScrapped
}

// FindRunByNo loads a run by number.
func FindRunByNo(tx *gorm.DB, runNo string) (*model.Run, error) {
	var run model.Run
	if err := tx.Where("run_no = ?", runNo).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("RUN_NOT_FOUND", "run %s not found", runNo)
		}
		return nil, fmt.Errorf("load run %s: %w", runNo, err)
	}
	return &run, nil
}

// FindRun loads a run by id.
func FindRun(tx *gorm.DB, id string) (*model.Run, error) {
	var run model.Run
	if err := tx.First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("RUN_NOT_FOUND", "run %s not found", id)
		}
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	return &run, nil
}

// FindUnitBySN loads a unit by serial number.
func FindUnitBySN(tx *gorm.DB, sn string) (*model.Unit, error) {
	var unit model.Unit
	if err := tx.Where("sn = ?", sn).First(&unit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("UNIT_NOT_FOUND", "unit %s not found", sn)
		}
		return nil, fmt.Errorf("load unit %s: %w", sn, err)
	}
	return &unit, nil
}

// FindWorkOrderByNo loads a work order by number.
func FindWorkOrderByNo(tx *gorm.DB, woNo string) (*model.WorkOrder, error) {
	var wo model.WorkOrder
	if err := tx.Where("wo_no = ?", woNo).First(&wo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("WORK_ORDER_NOT_FOUND", "work order %s not found", woNo)
		}
		return nil, fmt.Errorf("load work order %s: %w", woNo, err)
	}
	return &wo, nil
}

// FindWorkOrder loads a work order by id.
func FindWorkOrder(tx *gorm.DB, id string) (*model.WorkOrder, error) {
	var wo model.WorkOrder
	if err := tx.First(&wo, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("WORK_ORDER_NOT_FOUND", "work order %s not found", id)
		}
		return nil, fmt.Errorf("load work order %s: %w", id, err)
	}
	return &wo, nil
}

// TransitionWhere moves every row matching query from any status in from to
// to and returns the number of rows moved. Rows in other statuses are left
// untouched; callers decide whether a partial move is a conflict.
func (m Machine) TransitionWhere(tx *gorm.DB, from []string, to string, updates map[string]any, query string, args ...any) (int64, error) {
	for _, f := range from {
		if !m.Can(f, to) {
			return 0, fmt.Errorf("illegal %s transition %s -> %s", m.entity, f, to)
		}
	}
	values := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		values[k] = v
	}
	values["status"] = to

	res := tx.Model(m.newModel()).Where(query, args...).Where("status IN ?", from).Updates(values)
	if res.Error != nil {
		return 0, fmt.Errorf("bulk update %s to %s: %w", m.entity, to, res.Error)
	}
	return res.RowsAffected, nil
}

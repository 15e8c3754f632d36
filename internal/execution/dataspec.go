package execution

import (
	"slices"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/route"
)

// resolveSpecs maps reported measurements to the data specs of step.
// Specs bound by id must all exist; without bound ids, reported names are
// looked up among the operation's active specs.
func resolveSpecs(tx *gorm.DB, step route.Step, items []DataItem, result string) (map[string]model.DataSpec, error) {
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.SpecName)
	}

	var specs []model.DataSpec
	switch {
	case len(step.DataSpecIDs) > 0:
		if err := tx.Where("id IN ?", step.DataSpecIDs).Find(&specs).Error; err != nil {
			return nil, err
		}
		var missing []string
		for _, id := range step.DataSpecIDs {
			if !slices.ContainsFunc(specs, func(s model.DataSpec) bool { return s.ID == id }) {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return nil, apperr.NotFound("DATA_SPEC_NOT_FOUND", "bound data specs are missing: %s", strings.Join(missing, ", "))
		}
		specs = slices.DeleteFunc(specs, func(s model.DataSpec) bool { return !s.IsActive })
	case len(names) > 0:
		err := tx.Where("operation_id = ? AND name IN ? AND is_active = ?", step.OperationID, names, true).Find(&specs).Error
		if err != nil {
			return nil, err
		}
	}

	byName := make(map[string]model.DataSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}

	var unknown []string
	for _, n := range names {
		if _, ok := byName[n]; !ok {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return nil, apperr.NotFound("DATA_SPEC_NOT_FOUND", "unknown data collection spec: %s", strings.Join(unknown, ", "))
	}

	if len(step.DataSpecIDs) > 0 && result == model.ResultPass {
		var missing []string
		for _, s := range specs {
			if s.IsRequired && !slices.Contains(names, s.Name) {
				missing = append(missing, s.Name)
			}
		}
		if len(missing) > 0 {
			return nil, apperr.Invalid("REQUIRED_DATA_MISSING", "missing required data: %s", strings.Join(missing, ", "))
		}
	}

	for _, it := range items {
		if err := checkValue(byName[it.SpecName], it); err != nil {
			return nil, err
		}
	}
	return byName, nil
}

func checkValue(spec model.DataSpec, it DataItem) error {
	var ok bool
	switch spec.DataType {
	case model.DataTypeNumber:
		ok = it.ValueNumber != nil
	case model.DataTypeText:
		ok = it.ValueText != nil
	case model.DataTypeBoolean:
		ok = it.ValueBoolean != nil
	case model.DataTypeJSON:
		ok = len(it.ValueJSON) > 0
	default:
		ok = true
	}
	if !ok {
		return apperr.Invalid("DATA_VALUE_INVALID", "%s expects a %s value", spec.Name, strings.ToLower(spec.DataType))
	}
	return nil
}

// dataValues builds the rows stored for a closed track, keeping only the
// field that matches each spec's type.
func dataValues(trackID string, items []DataItem, specs map[string]model.DataSpec, at time.Time) []model.DataValue {
	values := make([]model.DataValue, 0, len(items))
	for _, it := range items {
		spec := specs[it.SpecName]
		v := model.DataValue{TrackID: trackID, SpecID: spec.ID, Name: spec.Name, CollectedAt: at}
		switch spec.DataType {
		case model.DataTypeNumber:
			v.ValueNumber = it.ValueNumber
		case model.DataTypeText:
			v.ValueText = it.ValueText
		case model.DataTypeBoolean:
			v.ValueBoolean = it.ValueBoolean
		case model.DataTypeJSON:
			v.ValueJSON = datatypes.JSON(it.ValueJSON)
		}
		values = append(values, v)
	}
	return values
}

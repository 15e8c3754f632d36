package defect

import (
	"context"

	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/store"
)

// GetDefect returns a defect with its unit, disposition and rework task.
func (s *Service) GetDefect(ctx context.Context, id string) (*model.Defect, error) {
	d, err := findDefect(s.db.WithContext(ctx).Preload("Unit").Preload("Disposition.ReworkTask"), id)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDefects returns defects matching f, newest first, and the total count.
func (s *Service) ListDefects(ctx context.Context, f Filter) ([]model.Defect, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.Defect{})
	if f.Status != "" {
		q = q.Where("defects.status = ?", f.Status)
	}
	if f.Code != "" {
		q = q.Where("defects.code = ?", f.Code)
	}
	if f.UnitSN != "" || f.RunNo != "" {
		q = q.Joins("JOIN units ON units.id = defects.unit_id")
		if f.UnitSN != "" {
			q = q.Where("units.sn = ?", f.UnitSN)
		}
		if f.RunNo != "" {
			q = q.Joins("JOIN runs ON runs.id = units.run_id").Where("runs.run_no = ?", f.RunNo)
		}
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := store.PageBounds(f.Page, f.PageSize)
	var items []model.Defect
	err := q.Preload("Disposition").
		Order("defects.created_at DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&items).Error
	return items, total, err
}

// ListReworkTasks returns rework tasks matching f, newest first.
func (s *Service) ListReworkTasks(ctx context.Context, f TaskFilter) ([]model.ReworkTask, error) {
	q := s.db.WithContext(ctx).Model(&model.ReworkTask{})
	if f.Status != "" {
		q = q.Where("rework_tasks.status = ?", f.Status)
	}
	if f.UnitSN != "" {
		q = q.Joins("JOIN units ON units.id = rework_tasks.unit_id").Where("units.sn = ?", f.UnitSN)
	}
	var tasks []model.ReworkTask
	err := q.Order("rework_tasks.created_at DESC").Find(&tasks).Error
	return tasks, err
}

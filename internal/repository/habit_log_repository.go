package repository

import (
	"context"
	"fmt"
	"habit_tracker_backend/internal/model"
	"habit_tracker_backend/internal/util"

	"gorm.io/gorm"
)

type HabitLogRepository struct {
	DB *gorm.DB
}

// NewHabitLogRepository 创建新的打卡记录仓库实例
func NewHabitLogRepository(db *gorm.DB) *HabitLogRepository {
	return &HabitLogRepository{DB: db}
}

func (r *HabitLogRepository) WithTx(tx *gorm.DB) *HabitLogRepository {
	return &HabitLogRepository{DB: tx}
}

// FindByHabitAndDay 查询某天的记录，不存在时返回 gorm.ErrRecordNotFound
func (r *HabitLogRepository) FindByHabitAndDay(ctx context.Context, habitID uint, day string) (*model.HabitLog, error) {
	var log model.HabitLog
	err := r.DB.WithContext(ctx).
		Where("habit_id = ? AND day = ?", habitID, day).
		First(&log).Error
	if err != nil {
		return nil, TranslateError(err)
	}
	return &log, nil
}

// Create 新建记录，(habit_id, day) 已存在时返回 util.ErrLogConflict
func (r *HabitLogRepository) Create(ctx context.Context, log *model.HabitLog) error {
	return TranslateError(r.DB.WithContext(ctx).Create(log).Error)
}

// UpdateStatus 仅当记录仍处于 from 状态时更新为 to，否则说明记录已被并发修改
func (r *HabitLogRepository) UpdateStatus(ctx context.Context, log *model.HabitLog, from, to model.DayState) error {
	result := r.DB.WithContext(ctx).
		Model(&model.HabitLog{}).
		Where("id = ? AND status = ?", log.ID, from).
		Update("status", to)
	if result.Error != nil {
		return TranslateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: log %s is no longer %s", util.ErrLogConflict, log.ID, from)
	}
	log.Status = to
	return nil
}

// DeleteIfStatus 仅当记录仍处于 status 状态时物理删除
func (r *HabitLogRepository) DeleteIfStatus(ctx context.Context, log *model.HabitLog, status model.DayState) error {
	result := r.DB.WithContext(ctx).
		Where("id = ? AND status = ?", log.ID, status).
		Delete(&model.HabitLog{})
	if result.Error != nil {
		return TranslateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: log %s is no longer %s", util.ErrLogConflict, log.ID, status)
	}
	return nil
}

// CompletedDays 返回习惯的全部已完成日期
func (r *HabitLogRepository) CompletedDays(ctx context.Context, habitID uint) ([]string, error) {
	var days []string
	err := r.DB.WithContext(ctx).
		Model(&model.HabitLog{}).
		Where("habit_id = ? AND status = ?", habitID, model.DayCompleted).
		Order("day DESC").
		Pluck("day", &days).Error
	return days, TranslateError(err)
}

// ListInRange 查询多个习惯在 [from, to] 之间的记录，按日期倒序
func (r *HabitLogRepository) ListInRange(ctx context.Context, habitIDs []uint, from, to string) ([]model.HabitLog, error) {
	if len(habitIDs) == 0 {
		return []model.HabitLog{}, nil
	}
	var logs []model.HabitLog
	err := r.DB.WithContext(ctx).
		Where("habit_id IN ? AND day BETWEEN ? AND ?", habitIDs, from, to).
		Order("habit_id ASC, day DESC").
		Find(&logs).Error
	return logs, TranslateError(err)
}

package repository

import (
	"context"
	"habit_tracker_backend/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type HabitRepository struct {
	DB *gorm.DB
}

// NewHabitRepository 创建新的习惯仓库实例
func NewHabitRepository(db *gorm.DB) *HabitRepository {
	return &HabitRepository{DB: db}
}

// WithTx 返回绑定到事务的仓库
func (r *HabitRepository) WithTx(tx *gorm.DB) *HabitRepository {
	return &HabitRepository{DB: tx}
}

func (r *HabitRepository) Create(ctx context.Context, habit *model.Habit) error {
	return TranslateError(r.DB.WithContext(ctx).Create(habit).Error)
}

// FindOwned 按 ID 和所有者查询，别人的习惯与不存在的习惯一样返回 gorm.ErrRecordNotFound
func (r *HabitRepository) FindOwned(ctx context.Context, ownerID, habitID uint) (*model.Habit, error) {
	var habit model.Habit
	err := r.DB.WithContext(ctx).
		Where("id = ? AND owner_id = ?", habitID, ownerID).
		First(&habit).Error
	if err != nil {
		return nil, TranslateError(err)
	}
	return &habit, nil
}

// FindOwnedForUpdate 同 FindOwned，但对习惯行加写锁（MySQL: SELECT ... FOR UPDATE）。
// 同一习惯的打卡请求因此串行执行；SQLite 不支持行锁，gorm 会忽略该子句，由数据库级写锁保证串行。
func (r *HabitRepository) FindOwnedForUpdate(ctx context.Context, ownerID, habitID uint) (*model.Habit, error) {
	var habit model.Habit
	err := r.DB.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND owner_id = ?", habitID, ownerID).
		First(&habit).Error
	if err != nil {
		return nil, TranslateError(err)
	}
	return &habit, nil
}

func (r *HabitRepository) ListByOwner(ctx context.Context, ownerID uint) ([]model.Habit, error) {
	var habits []model.Habit
	err := r.DB.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id ASC").
		Find(&habits).Error
	return habits, TranslateError(err)
}

// SaveStreak 写入缓存的连续天数。只允许在完成状态切换的事务中调用。
func (r *HabitRepository) SaveStreak(ctx context.Context, habit *model.Habit) error {
	err := r.DB.WithContext(ctx).
		Model(habit).
		Select("streak", "longest_streak").
		Updates(map[string]interface{}{
			"streak":         habit.Streak,
			"longest_streak": habit.LongestStreak,
		}).Error
	return TranslateError(err)
}

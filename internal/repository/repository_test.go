package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"habit_tracker_backend/internal/config"
	"habit_tracker_backend/internal/model"
	"habit_tracker_backend/internal/util"
	"habit_tracker_backend/pkg/database"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.InitDB(&config.DatabaseConfig{
		Driver: util.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "habits.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// countLogs 直接统计某天的记录行数，用于校验唯一约束
func countLogs(ctx context.Context, db *gorm.DB, habitID uint, day string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&model.HabitLog{}).
		Where("habit_id = ? AND day = ?", habitID, day).
		Count(&count).Error
	return count, err
}

func newHabit(t *testing.T, db *gorm.DB, ownerID uint) *model.Habit {
	t.Helper()
	h := &model.Habit{OwnerID: ownerID, Active: true}
	require.NoError(t, NewHabitRepository(db).Create(context.Background(), h))
	return h
}

func TestHabitLogRepository_UniquePerHabitAndDay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	habit := newHabit(t, db, 1)
	repo := NewHabitLogRepository(db)

	require.NoError(t, repo.Create(ctx, &model.HabitLog{HabitID: habit.ID, Day: "2026-10-19", Status: model.DayCompleted}))

	err := repo.Create(ctx, &model.HabitLog{HabitID: habit.ID, Day: "2026-10-19", Status: model.DaySkipped})
	assert.ErrorIs(t, err, util.ErrLogConflict)

	count, err := countLogs(ctx, db, habit.ID, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// 其他日期、其他习惯不受影响
	assert.NoError(t, repo.Create(ctx, &model.HabitLog{HabitID: habit.ID, Day: "2026-10-18", Status: model.DayCompleted}))
	other := newHabit(t, db, 1)
	assert.NoError(t, repo.Create(ctx, &model.HabitLog{HabitID: other.ID, Day: "2026-10-19", Status: model.DayCompleted}))
}

func TestHabitLogRepository_FindByHabitAndDay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	habit := newHabit(t, db, 1)
	repo := NewHabitLogRepository(db)

	_, err := repo.FindByHabitAndDay(ctx, habit.ID, "2026-10-19")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	created := &model.HabitLog{HabitID: habit.ID, Day: "2026-10-19", Status: model.DaySkipped}
	require.NoError(t, repo.Create(ctx, created))
	assert.NotEmpty(t, created.ID)

	found, err := repo.FindByHabitAndDay(ctx, habit.ID, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, model.DaySkipped, found.Status)
}

func TestHabitLogRepository_ConditionalWrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	habit := newHabit(t, db, 1)
	repo := NewHabitLogRepository(db)

	log := &model.HabitLog{HabitID: habit.ID, Day: "2026-10-19", Status: model.DaySkipped}
	require.NoError(t, repo.Create(ctx, log))

	// 已经不是 completed，删除应视为冲突
	err := repo.DeleteIfStatus(ctx, log, model.DayCompleted)
	assert.ErrorIs(t, err, util.ErrLogConflict)

	require.NoError(t, repo.UpdateStatus(ctx, log, model.DaySkipped, model.DayCompleted))
	assert.Equal(t, model.DayCompleted, log.Status)

	// 基于过期观察的第二次更新
	stale := &model.HabitLog{ID: log.ID}
	err = repo.UpdateStatus(ctx, stale, model.DaySkipped, model.DayCompleted)
	assert.ErrorIs(t, err, util.ErrLogConflict)

	require.NoError(t, repo.DeleteIfStatus(ctx, log, model.DayCompleted))
	count, err := countLogs(ctx, db, habit.ID, "2026-10-19")
	require.NoError(t, err)
	assert.Zero(t, count)

	// 删除后同一天可以重新创建
	assert.NoError(t, repo.Create(ctx, &model.HabitLog{HabitID: habit.ID, Day: "2026-10-19", Status: model.DayCompleted}))
}

func TestHabitLogRepository_CompletedDaysAndRange(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	habit := newHabit(t, db, 1)
	other := newHabit(t, db, 2)
	repo := NewHabitLogRepository(db)

	for _, l := range []model.HabitLog{
		{HabitID: habit.ID, Day: "2026-10-15", Status: model.DayCompleted},
		{HabitID: habit.ID, Day: "2026-10-17", Status: model.DaySkipped},
		{HabitID: habit.ID, Day: "2026-10-18", Status: model.DayCompleted},
		{HabitID: other.ID, Day: "2026-10-18", Status: model.DayCompleted},
	} {
		l := l
		require.NoError(t, repo.Create(ctx, &l))
	}

	days, err := repo.CompletedDays(ctx, habit.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-10-18", "2026-10-15"}, days)

	logs, err := repo.ListInRange(ctx, []uint{habit.ID}, "2026-10-16", "2026-10-19")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "2026-10-18", logs[0].Day)
	assert.Equal(t, "2026-10-17", logs[1].Day)

	empty, err := repo.ListInRange(ctx, nil, "2026-10-16", "2026-10-19")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestHabitRepository_OwnerScoping(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewHabitRepository(db)
	habit := newHabit(t, db, 7)

	found, err := repo.FindOwned(ctx, 7, habit.ID)
	require.NoError(t, err)
	assert.Equal(t, habit.ID, found.ID)

	_, err = repo.FindOwned(ctx, 8, habit.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	_, err = repo.FindOwnedForUpdate(ctx, 8, habit.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	locked, err := repo.FindOwnedForUpdate(ctx, 7, habit.ID)
	require.NoError(t, err)
	assert.Equal(t, habit.ID, locked.ID)

	newHabit(t, db, 7)
	newHabit(t, db, 9)
	habits, err := repo.ListByOwner(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, habits, 2)
}

func TestHabitRepository_SaveStreak(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewHabitRepository(db)
	habit := newHabit(t, db, 1)

	habit.Streak = 4
	habit.LongestStreak = 6
	require.NoError(t, repo.SaveStreak(ctx, habit))

	found, err := repo.FindOwned(ctx, 1, habit.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, found.Streak)
	assert.Equal(t, 6, found.LongestStreak)

	habit.Streak = 0
	require.NoError(t, repo.SaveStreak(ctx, habit))
	found, err = repo.FindOwned(ctx, 1, habit.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, found.Streak)
	assert.Equal(t, 6, found.LongestStreak)
}

func TestUserRepository_DuplicateEmail(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewUserRepository(db)

	require.NoError(t, repo.Create(ctx, &model.User{Name: "a", Email: "a@example.com", Password: "x"}))
	err := repo.Create(ctx, &model.User{Name: "b", Email: "a@example.com", Password: "y"})
	assert.ErrorIs(t, err, util.ErrEmailRegistered)

	_, err = repo.FindByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, util.ErrUserNotFound)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicated key", gorm.ErrDuplicatedKey, util.ErrLogConflict},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, util.ErrLogConflict},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, util.ErrStorageUnavailable},
		{"mysql lock wait", fmt.Errorf("update: %w", &mysql.MySQLError{Number: 1205}), util.ErrStorageUnavailable},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, util.ErrStorageUnavailable},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, util.ErrStorageUnavailable},
		{"bad conn", driver.ErrBadConn, util.ErrStorageUnavailable},
		{"not found", gorm.ErrRecordNotFound, gorm.ErrRecordNotFound},
		{"canceled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, TranslateError(tt.err), tt.want)
		})
	}

	assert.NoError(t, TranslateError(nil))
	plain := errors.New("syntax error")
	assert.Equal(t, plain, TranslateError(plain))
}

func TestHabitCache_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	cache := NewHabitCache(nil, 0)
	assert.False(t, cache.Enabled())

	version, err := cache.Version(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, version)

	stored, err := cache.Set(ctx, 1, version, 7, "2026-10-19", []model.HabitWithLogs{{}})
	require.NoError(t, err)
	assert.False(t, stored)
	items, hit, err := cache.Get(ctx, 1, version, 7, "2026-10-19")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Nil(t, items)
	assert.NoError(t, cache.Invalidate(ctx, 1))
}

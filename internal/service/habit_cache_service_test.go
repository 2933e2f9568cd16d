package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"habit_tracker_backend/internal/model"
	"habit_tracker_backend/internal/repository"
	"habit_tracker_backend/internal/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newCachedFixture(t *testing.T) (*fixture, *repository.HabitCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cache := repository.NewHabitCache(rdb, time.Hour)
	return newFixtureWithCache(t, cache), cache, mr
}

func recentKey(ownerID uint) string {
	return fmt.Sprintf("%s%d", util.HabitRecentCachePrefix, ownerID)
}

func TestListWithRecentLogs_CacheHit(t *testing.T) {
	f, _, mr := newCachedFixture(t)
	ctx := context.Background()
	f.newHabit(t, 1)

	first, err := f.svc.ListWithRecentLogs(ctx, 1, 7)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.True(t, mr.Exists(recentKey(1)))
	assert.Greater(t, mr.TTL(recentKey(1)), time.Duration(0))

	// 绕过服务直接写库，缓存不会失效，第二次读取仍是旧结果
	require.NoError(t, f.habits.Create(ctx, &model.Habit{OwnerID: 1, Active: true}))

	second, err := f.svc.ListWithRecentLogs(ctx, 1, 7)
	require.NoError(t, err)
	assert.Len(t, second, 1)

	// 不同窗口是另一个字段，走数据库
	wider, err := f.svc.ListWithRecentLogs(ctx, 1, 14)
	require.NoError(t, err)
	assert.Len(t, wider, 2)
}

func TestListWithRecentLogs_WritesInvalidate(t *testing.T) {
	f, cache, mr := newCachedFixture(t)
	ctx := context.Background()
	h := f.newHabit(t, 1)

	list := func() []model.HabitWithLogs {
		items, err := f.svc.ListWithRecentLogs(ctx, 1, 7)
		require.NoError(t, err)
		require.Len(t, items, 1)
		return items
	}

	list()
	require.True(t, mr.Exists(recentKey(1)))
	before, err := cache.Version(ctx, 1)
	require.NoError(t, err)

	f.toggle(t, h, today)
	assert.False(t, mr.Exists(recentKey(1)))
	after, err := cache.Version(ctx, 1)
	require.NoError(t, err)
	assert.Greater(t, after, before)

	items := list()
	assert.Equal(t, 1, items[0].Habit.Streak)
	require.Len(t, items[0].Logs, 1)
	assert.Equal(t, model.DayCompleted, items[0].Logs[0].Status)

	require.True(t, mr.Exists(recentKey(1)))
	_, err = f.svc.Skip(ctx, 1, h.ID, today)
	require.NoError(t, err)
	assert.False(t, mr.Exists(recentKey(1)))

	items = list()
	require.Len(t, items[0].Logs, 1)
	assert.Equal(t, model.DaySkipped, items[0].Logs[0].Status)
}

func TestListWithRecentLogs_CorruptCacheFallsBackToDB(t *testing.T) {
	f, _, mr := newCachedFixture(t)
	ctx := context.Background()
	h := f.newHabit(t, 1)
	f.toggle(t, h, today)

	_, err := f.svc.ListWithRecentLogs(ctx, 1, 7)
	require.NoError(t, err)
	fields, err := mr.HKeys(recentKey(1))
	require.NoError(t, err)
	require.NotEmpty(t, fields)
	for _, field := range fields {
		mr.HSet(recentKey(1), field, "{")
	}

	items, err := f.svc.ListWithRecentLogs(ctx, 1, 7)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Habit.Streak)
	assert.Len(t, items[0].Logs, 1)

	// 坏值被新结果覆盖
	again, err := f.svc.ListWithRecentLogs(ctx, 1, 7)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, items[0].Habit.ID, again[0].Habit.ID)
	assert.Equal(t, items[0].Logs[0].Day, again[0].Logs[0].Day)
}

func TestListWithRecentLogs_RedisDownServesFromDB(t *testing.T) {
	f, _, mr := newCachedFixture(t)
	ctx := context.Background()
	h := f.newHabit(t, 1)
	mr.Close()

	f.toggle(t, h, today)
	items, err := f.svc.ListWithRecentLogs(ctx, 1, 7)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Habit.Streak)
}

// 读取期间有写入提交时，旧结果不能回填进缓存
func TestListWithRecentLogs_WriteDuringReadIsNotCached(t *testing.T) {
	f, cache, mr := newCachedFixture(t)
	ctx := context.Background()
	f.newHabit(t, 1)

	var armed atomic.Bool
	err := f.db.Callback().Query().After("gorm:query").Register("test:write_during_read", func(tx *gorm.DB) {
		if tx.Statement.Table == "habit_logs" && armed.CompareAndSwap(true, false) {
			// SQLite 的读事务持有写锁，这里只模拟写方提交后的缓存失效
			require.NoError(t, cache.Invalidate(context.Background(), 1))
		}
	})
	require.NoError(t, err)

	armed.Store(true)
	items, err := f.svc.ListWithRecentLogs(ctx, 1, 7)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, armed.Load(), "invalidation ran inside the read")
	assert.False(t, mr.Exists(recentKey(1)), "stale read must not be cached")

	// 下一次读取以新版本号回填
	_, err = f.svc.ListWithRecentLogs(ctx, 1, 7)
	require.NoError(t, err)
	assert.True(t, mr.Exists(recentKey(1)))
	version, err := cache.Version(ctx, 1)
	require.NoError(t, err)
	fields, err := mr.HKeys(recentKey(1))
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Contains(t, fields[0], fmt.Sprintf("%d:", version))
}

func TestGetHabit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.newHabit(t, 1)
	f.toggle(t, h, today)

	got, err := f.svc.GetHabit(ctx, 1, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Streak)

	_, err = f.svc.GetHabit(ctx, 2, h.ID)
	assert.ErrorIs(t, err, util.ErrHabitNotFound)
	_, err = f.svc.GetHabit(ctx, 0, h.ID)
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

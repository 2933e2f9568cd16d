package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"habit_tracker_backend/internal/model"
	"habit_tracker_backend/internal/util"
	"time"

	"github.com/go-redis/redis/v8"
)

// HabitCache 缓存“习惯 + 最近几天记录”的读结果。
//
// 每个所有者有一个版本号键和一个 hash，字段为 "<version>:<days>:<today>"。
// 写操作提交后 INCR 版本号并删除 hash；读方在查库前取版本号，回填时只有版本号未变才写入，
// 因此查库期间发生的写入不会被旧结果覆盖。
// Redis 为 nil 时所有方法都是空操作。
type HabitCache struct {
	Redis *redis.Client
	TTL   time.Duration
}

func NewHabitCache(rdb *redis.Client, ttl time.Duration) *HabitCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &HabitCache{Redis: rdb, TTL: ttl}
}

func (c *HabitCache) Enabled() bool {
	return c != nil && c.Redis != nil
}

func ownerKey(ownerID uint) string {
	return fmt.Sprintf("%s%d", util.HabitRecentCachePrefix, ownerID)
}

func versionKey(ownerID uint) string {
	return fmt.Sprintf("%s%d", util.HabitVersionCachePrefix, ownerID)
}

func recentField(version int64, days int, today string) string {
	return fmt.Sprintf("%d:%d:%s", version, days, today)
}

// Version 当前版本号，键不存在时为 0
func (c *HabitCache) Version(ctx context.Context, ownerID uint) (int64, error) {
	if !c.Enabled() {
		return 0, nil
	}
	v, err := c.Redis.Get(ctx, versionKey(ownerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Get 命中时返回 (items, true, nil)
func (c *HabitCache) Get(ctx context.Context, ownerID uint, version int64, days int, today string) ([]model.HabitWithLogs, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}
	val, err := c.Redis.HGet(ctx, ownerKey(ownerID), recentField(version, days, today)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var items []model.HabitWithLogs
	if err := json.Unmarshal([]byte(val), &items); err != nil {
		return nil, false, fmt.Errorf("decode cached habits for owner %d: %w", ownerID, err)
	}
	return items, true, nil
}

// Set 仅当版本号仍为 version 时写入，返回是否写入
func (c *HabitCache) Set(ctx context.Context, ownerID uint, version int64, days int, today string, items []model.HabitWithLogs) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return false, err
	}

	vKey := versionKey(ownerID)
	key := ownerKey(ownerID)
	stored := false
	err = c.Redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vKey).Int64()
		if errors.Is(err, redis.Nil) {
			cur, err = 0, nil
		}
		if err != nil {
			return err
		}
		if cur != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, recentField(version, days, today), data)
			pipe.Expire(ctx, key, c.TTL)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, vKey)

	// 事务执行期间版本号被改动，放弃回填
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return stored, err
}

// Invalidate 写操作提交后调用：版本号加一并删除该所有者的全部缓存
func (c *HabitCache) Invalidate(ctx context.Context, ownerID uint) error {
	if !c.Enabled() {
		return nil
	}
	pipe := c.Redis.TxPipeline()
	pipe.Incr(ctx, versionKey(ownerID))
	pipe.Del(ctx, ownerKey(ownerID))
	_, err := pipe.Exec(ctx)
	return err
}

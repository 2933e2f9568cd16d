package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"habit_tracker_backend/internal/clock"
	"habit_tracker_backend/internal/config"
	"habit_tracker_backend/internal/model"
	"habit_tracker_backend/internal/repository"
	"habit_tracker_backend/internal/streak"
	"habit_tracker_backend/internal/util"
	"habit_tracker_backend/pkg/logger"
	"habit_tracker_backend/pkg/monitoring"
	"habit_tracker_backend/pkg/tracing"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HabitOptions 可热更新的运行参数
type HabitOptions struct {
	RecentDays    int
	MaxRecentDays int
	MaxAttempts   int
	RetryBackoff  time.Duration
}

func HabitOptionsFromConfig(cfg *config.HabitConfig) HabitOptions {
	opts := HabitOptions{
		RecentDays:    cfg.RecentDays,
		MaxRecentDays: cfg.MaxRecentDays,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
	}
	if opts.RecentDays <= 0 {
		opts.RecentDays = 7
	}
	if opts.MaxRecentDays < opts.RecentDays {
		opts.MaxRecentDays = opts.RecentDays
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return opts
}

type HabitService struct {
	DB        *gorm.DB
	habitRepo *repository.HabitRepository
	logRepo   *repository.HabitLogRepository
	cache     *repository.HabitCache
	clock     clock.Clock

	mu   sync.RWMutex
	opts HabitOptions
}

func NewHabitService(
	db *gorm.DB,
	habitRepo *repository.HabitRepository,
	logRepo *repository.HabitLogRepository,
	cache *repository.HabitCache,
	clk clock.Clock,
	opts HabitOptions,
) *HabitService {
	return &HabitService{
		DB:        db,
		habitRepo: habitRepo,
		logRepo:   logRepo,
		cache:     cache,
		clock:     clk,
		opts:      opts,
	}
}

// ToggleResult 完成状态切换后的结果
type ToggleResult struct {
	HabitID       uint           `json:"habitId"`
	Day           string         `json:"day"`
	State         model.DayState `json:"state"`
	Streak        int            `json:"streak"`
	LongestStreak int            `json:"longestStreak"`
}

// SkipResult 跳过后的结果，Streak 为未经重新计算的缓存值
type SkipResult struct {
	HabitID uint           `json:"habitId"`
	Day     string         `json:"day"`
	State   model.DayState `json:"state"`
	Streak  int            `json:"streak"`
}

// ApplyConfig 配置热更新回调
func (s *HabitService) ApplyConfig(cfg *config.Config) {
	opts := HabitOptionsFromConfig(&cfg.Habit)
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
	logger.Log.Info("Habit options reloaded",
		zap.Int("recentDays", opts.RecentDays),
		zap.Int("maxAttempts", opts.MaxAttempts),
		zap.Duration("retryBackoff", opts.RetryBackoff),
	)
}

func (s *HabitService) options() HabitOptions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// Today 当前日期（按配置时区）
func (s *HabitService) Today() time.Time {
	return s.clock.Today()
}

// CreateHabit 为所有者创建一个新的习惯
func (s *HabitService) CreateHabit(ctx context.Context, ownerID uint) (*model.Habit, error) {
	if ownerID == 0 {
		return nil, util.ErrUnauthorized
	}
	habit := &model.Habit{OwnerID: ownerID, Active: true}
	if err := s.habitRepo.Create(ctx, habit); err != nil {
		return nil, fmt.Errorf("create habit: %w", err)
	}
	s.invalidate(ctx, ownerID)
	return habit, nil
}

// Toggle 切换某天的完成状态：
//
//	无记录    -> 新建 completed
//	completed -> 删除记录
//	skipped   -> 改为 completed
//
// 然后在同一事务里用全部已完成日期重新计算连续天数并写回习惯。
func (s *HabitService) Toggle(ctx context.Context, ownerID, habitID uint, day time.Time) (result *ToggleResult, err error) {
	if ownerID == 0 {
		return nil, util.ErrUnauthorized
	}
	dayStr := clock.FormatDay(day)

	ctx, span := tracing.StartSpan(ctx, "HabitService.Toggle",
		attribute.Int64("habit.id", int64(habitID)),
		attribute.String("habit.day", dayStr),
	)
	defer func() { tracing.EndSpan(span, err) }()

	err = s.withRetry(ctx, "toggle", func() error {
		return s.inTx(ctx, func(habits *repository.HabitRepository, logs *repository.HabitLogRepository) error {
			r, err := s.toggleTx(ctx, habits, logs, ownerID, habitID, dayStr)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		s.recordFailure("toggle", ownerID, habitID, dayStr, err)
		return nil, fmt.Errorf("toggle habit %d on %s: %w", habitID, dayStr, err)
	}

	monitoring.HabitToggles.WithLabelValues(string(result.State)).Inc()
	s.invalidate(ctx, ownerID)
	logger.Log.Debug("Habit toggled",
		zap.Uint("ownerId", ownerID),
		zap.Uint("habitId", habitID),
		zap.String("day", dayStr),
		zap.String("state", string(result.State)),
		zap.Int("streak", result.Streak),
	)
	return result, nil
}

func (s *HabitService) toggleTx(
	ctx context.Context,
	habits *repository.HabitRepository,
	logs *repository.HabitLogRepository,
	ownerID, habitID uint,
	day string,
) (*ToggleResult, error) {
	habit, err := lockOwnedHabit(ctx, habits, ownerID, habitID)
	if err != nil {
		return nil, err
	}

	existing, err := findDayLog(ctx, logs, habit.ID, day)
	if err != nil {
		return nil, err
	}

	cur := model.StateOf(existing)
	next, err := model.NextToggleState(cur)
	if err != nil {
		return nil, err
	}

	switch {
	case cur == model.DayNone:
		err = logs.Create(ctx, &model.HabitLog{HabitID: habit.ID, Day: day, Status: next})
	case next == model.DayNone:
		err = logs.DeleteIfStatus(ctx, existing, cur)
	default:
		err = logs.UpdateStatus(ctx, existing, cur, next)
	}
	if err != nil {
		return nil, err
	}

	if err := s.recompute(ctx, habits, logs, habit); err != nil {
		return nil, err
	}

	return &ToggleResult{
		HabitID:       habit.ID,
		Day:           day,
		State:         next,
		Streak:        habit.Streak,
		LongestStreak: habit.LongestStreak,
	}, nil
}

// recompute 是 Habit.Streak / LongestStreak 唯一的写入路径
func (s *HabitService) recompute(
	ctx context.Context,
	habits *repository.HabitRepository,
	logs *repository.HabitLogRepository,
	habit *model.Habit,
) error {
	days, err := logs.CompletedDays(ctx, habit.ID)
	if err != nil {
		return err
	}
	completed, err := streak.ParseDaySet(days)
	if err != nil {
		return fmt.Errorf("habit %d has a malformed log day: %w", habit.ID, err)
	}

	habit.Streak = streak.Compute(completed, s.clock.Today())
	if habit.Streak > habit.LongestStreak {
		habit.LongestStreak = habit.Streak
	}
	return habits.SaveStreak(ctx, habit)
}

// Skip 将某天标记为跳过。不会重新计算连续天数，返回的 Streak 是当前缓存值。
func (s *HabitService) Skip(ctx context.Context, ownerID, habitID uint, day time.Time) (result *SkipResult, err error) {
	if ownerID == 0 {
		return nil, util.ErrUnauthorized
	}
	dayStr := clock.FormatDay(day)

	ctx, span := tracing.StartSpan(ctx, "HabitService.Skip",
		attribute.Int64("habit.id", int64(habitID)),
		attribute.String("habit.day", dayStr),
	)
	defer func() { tracing.EndSpan(span, err) }()

	err = s.withRetry(ctx, "skip", func() error {
		return s.inTx(ctx, func(habits *repository.HabitRepository, logs *repository.HabitLogRepository) error {
			habit, err := lockOwnedHabit(ctx, habits, ownerID, habitID)
			if err != nil {
				return err
			}
			existing, err := findDayLog(ctx, logs, habit.ID, dayStr)
			if err != nil {
				return err
			}

			cur := model.StateOf(existing)
			next, err := model.NextSkipState(cur)
			if err != nil {
				return err
			}
			switch cur {
			case model.DayNone:
				err = logs.Create(ctx, &model.HabitLog{HabitID: habit.ID, Day: dayStr, Status: next})
			case model.DayCompleted:
				err = logs.UpdateStatus(ctx, existing, cur, next)
			case model.DaySkipped:
				// 已经是跳过状态
			}
			if err != nil {
				return err
			}

			result = &SkipResult{
				HabitID: habit.ID,
				Day:     dayStr,
				State:   next,
				Streak:  habit.Streak,
			}
			return nil
		})
	})
	if err != nil {
		s.recordFailure("skip", ownerID, habitID, dayStr, err)
		return nil, fmt.Errorf("skip habit %d on %s: %w", habitID, dayStr, err)
	}

	monitoring.HabitSkips.Inc()
	s.invalidate(ctx, ownerID)
	logger.Log.Debug("Habit day skipped",
		zap.Uint("ownerId", ownerID),
		zap.Uint("habitId", habitID),
		zap.String("day", dayStr),
	)
	return result, nil
}

// ListWithRecentLogs 返回所有者的习惯以及最近 days 天（含今天）的记录
func (s *HabitService) ListWithRecentLogs(ctx context.Context, ownerID uint, days int) (items []model.HabitWithLogs, err error) {
	if ownerID == 0 {
		return nil, util.ErrUnauthorized
	}
	opts := s.options()
	if days <= 0 {
		days = opts.RecentDays
	}
	if days > opts.MaxRecentDays {
		days = opts.MaxRecentDays
	}

	ctx, span := tracing.StartSpan(ctx, "HabitService.ListWithRecentLogs",
		attribute.Int("habit.days", days),
	)
	defer func() { tracing.EndSpan(span, err) }()

	today := s.clock.Today()
	to := clock.FormatDay(today)
	from := clock.FormatDay(clock.AddDays(today, -(days - 1)))

	// 版本号必须在查库之前读取，回填时据此判断期间是否有写入
	version, cacheErr := s.cache.Version(ctx, ownerID)
	cacheUsable := cacheErr == nil
	if cacheUsable {
		cached, hit, err := s.cache.Get(ctx, ownerID, version, days, to)
		if err != nil {
			cacheErr = err
		} else if hit {
			return cached, nil
		}
	}
	if cacheErr != nil {
		logger.Log.Warn("Failed to read habit cache", zap.Uint("ownerId", ownerID), zap.Error(cacheErr))
	}

	// 习惯和记录在同一个只读事务里读取，缓存的连续天数与返回的记录来自同一快照
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		habits, err := s.habitRepo.WithTx(tx).ListByOwner(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("list habits: %w", err)
		}

		ids := make([]uint, len(habits))
		for i, h := range habits {
			ids[i] = h.ID
		}
		logs, err := s.logRepo.WithTx(tx).ListInRange(ctx, ids, from, to)
		if err != nil {
			return fmt.Errorf("list habit logs: %w", err)
		}

		byHabit := make(map[uint][]model.HabitLog, len(habits))
		for _, l := range logs {
			byHabit[l.HabitID] = append(byHabit[l.HabitID], l)
		}

		items = make([]model.HabitWithLogs, 0, len(habits))
		for _, h := range habits {
			hl := byHabit[h.ID]
			if hl == nil {
				hl = []model.HabitLog{}
			}
			items = append(items, model.HabitWithLogs{Habit: h, Logs: hl})
		}
		return nil
	}, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, repository.TranslateError(err)
	}

	if cacheUsable {
		stored, err := s.cache.Set(ctx, ownerID, version, days, to, items)
		if err != nil {
			logger.Log.Warn("Failed to write habit cache", zap.Uint("ownerId", ownerID), zap.Error(err))
		} else if !stored {
			logger.Log.Debug("Habit cache backfill skipped, owner data changed during read", zap.Uint("ownerId", ownerID))
		}
	}
	return items, nil
}

// GetHabit 返回所有者的单个习惯（含缓存的连续天数）
func (s *HabitService) GetHabit(ctx context.Context, ownerID, habitID uint) (*model.Habit, error) {
	if ownerID == 0 {
		return nil, util.ErrUnauthorized
	}
	habit, err := s.habitRepo.FindOwned(ctx, ownerID, habitID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrHabitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get habit %d: %w", habitID, err)
	}
	return habit, nil
}

func (s *HabitService) inTx(ctx context.Context, fn func(*repository.HabitRepository, *repository.HabitLogRepository) error) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.habitRepo.WithTx(tx), s.logRepo.WithTx(tx))
	})
	return repository.TranslateError(err)
}

// withRetry 只重试存储暂不可用的错误；冲突直接返回给调用方，
// 因为切换不是幂等的，基于过期观察重试会把状态再翻转一次。
func (s *HabitService) withRetry(ctx context.Context, op string, fn func() error) error {
	opts := s.options()
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, util.ErrStorageUnavailable) || attempt >= opts.MaxAttempts {
			return err
		}

		monitoring.HabitWriteRetries.WithLabelValues(op).Inc()
		logger.Log.Warn("Storage unavailable, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		timer := time.NewTimer(opts.RetryBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *HabitService) recordFailure(op string, ownerID, habitID uint, day string, err error) {
	switch {
	case errors.Is(err, util.ErrLogConflict):
		monitoring.HabitWriteConflicts.WithLabelValues(op).Inc()
		logger.Log.Warn("Habit log write conflict",
			zap.String("op", op),
			zap.Uint("habitId", habitID),
			zap.String("day", day),
			zap.Error(err),
		)
	case errors.Is(err, util.ErrHabitNotFound), errors.Is(err, context.Canceled):
	default:
		logger.Log.Error("Habit log write failed",
			zap.String("op", op),
			zap.Uint("ownerId", ownerID),
			zap.Uint("habitId", habitID),
			zap.String("day", day),
			zap.Error(err),
		)
	}
}

func (s *HabitService) invalidate(ctx context.Context, ownerID uint) {
	// 事务已提交，请求取消也要清掉缓存
	if err := s.cache.Invalidate(context.WithoutCancel(ctx), ownerID); err != nil {
		logger.Log.Warn("Failed to invalidate habit cache", zap.Uint("ownerId", ownerID), zap.Error(err))
	}
}

func lockOwnedHabit(ctx context.Context, habits *repository.HabitRepository, ownerID, habitID uint) (*model.Habit, error) {
	habit, err := habits.FindOwnedForUpdate(ctx, ownerID, habitID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrHabitNotFound
	}
	return habit, err
}

func findDayLog(ctx context.Context, logs *repository.HabitLogRepository, habitID uint, day string) (*model.HabitLog, error) {
	log, err := logs.FindByHabitAndDay(ctx, habitID, day)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return log, err
}

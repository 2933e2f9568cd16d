package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DayState 某个习惯在某一天的状态。
// DayNone 表示没有记录，不会被持久化。
type DayState string

const (
	DayNone      DayState = "none"
	DayCompleted DayState = "completed"
	DaySkipped   DayState = "skipped"
)

var ErrUnknownDayState = errors.New("unknown day state")

func (s DayState) Valid() bool {
	switch s {
	case DayNone, DayCompleted, DaySkipped:
		return true
	}
	return false
}

// NextToggleState 切换完成状态：none -> completed -> none，skipped -> completed
func NextToggleState(cur DayState) (DayState, error) {
	switch cur {
	case DayNone:
		return DayCompleted, nil
	case DayCompleted:
		return DayNone, nil
	case DaySkipped:
		return DayCompleted, nil
	}
	return cur, fmt.Errorf("%w: %q", ErrUnknownDayState, cur)
}

// NextSkipState 标记跳过，不管之前是什么状态
func NextSkipState(cur DayState) (DayState, error) {
	if !cur.Valid() {
		return cur, fmt.Errorf("%w: %q", ErrUnknownDayState, cur)
	}
	return DaySkipped, nil
}

// Habit 需要每天打卡的习惯。
// Streak 是缓存值，只能由完成状态切换后的重新计算写入。
type Habit struct {
	BaseModel
	OwnerID       uint `gorm:"index;not null" json:"ownerId"`
	Active        bool `gorm:"not null;default:true" json:"active"`
	Streak        int  `gorm:"not null;default:0" json:"streak"`
	LongestStreak int  `gorm:"not null;default:0" json:"longestStreak"`
}

func (Habit) TableName() string {
	return "habits"
}

// HabitLog 某个习惯某一天的记录，(habit_id, day) 唯一。
// 取消完成时直接物理删除，所以这里不带软删除字段。
type HabitLog struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	HabitID   uint      `gorm:"not null;uniqueIndex:idx_habit_log_day,priority:1" json:"habitId"`
	Day       string    `gorm:"type:char(10);not null;uniqueIndex:idx_habit_log_day,priority:2" json:"day"`
	Status    DayState  `gorm:"type:varchar(16);not null" json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (HabitLog) TableName() string {
	return "habit_logs"
}

func (l *HabitLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return nil
}

// StateOf 把一条可能不存在的记录转换成 DayState
func StateOf(log *HabitLog) DayState {
	if log == nil {
		return DayNone
	}
	return log.Status
}

// HabitWithLogs 习惯及其最近几天的记录
type HabitWithLogs struct {
	Habit Habit      `json:"habit"`
	Logs  []HabitLog `json:"logs"`
}

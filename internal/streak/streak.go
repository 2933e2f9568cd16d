// Package streak 计算习惯的当前连续完成天数
package streak

import (
	"time"

	"habit_tracker_backend/internal/clock"
)

// DaySet 已完成日期的集合，键为 YYYY-MM-DD
type DaySet map[string]struct{}

func NewDaySet(days ...time.Time) DaySet {
	s := make(DaySet, len(days))
	for _, d := range days {
		s.Add(d)
	}
	return s
}

// ParseDaySet 从存储里的 YYYY-MM-DD 字符串构造集合
func ParseDaySet(days []string) (DaySet, error) {
	s := make(DaySet, len(days))
	for _, d := range days {
		t, err := clock.ParseDay(d)
		if err != nil {
			return nil, err
		}
		s.Add(t)
	}
	return s, nil
}

func (s DaySet) Add(day time.Time) {
	s[clock.FormatDay(day)] = struct{}{}
}

func (s DaySet) Has(day time.Time) bool {
	_, ok := s[clock.FormatDay(day)]
	return ok
}

// Compute 从 today 往回数连续完成的天数。
// 如果今天还没完成，从昨天开始数（宽限一天）；两天都没完成时循环直接结束，结果为 0。
func Compute(completed DaySet, today time.Time) int {
	cursor := clock.Normalize(today)
	if !completed.Has(cursor) {
		cursor = clock.AddDays(cursor, -1)
	}

	count := 0
	for completed.Has(cursor) {
		count++
		cursor = clock.AddDays(cursor, -1)
	}
	return count
}

package clock

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout 日期（不含时间）的字符串格式
const DayLayout = "2006-01-02"

// Clock 提供以“天”为粒度的当前日期
type Clock interface {
	Today() time.Time
}

// System 按配置时区读取系统时间
type System struct {
	Location *time.Location
}

// NewSystem 根据时区名称创建系统时钟，空字符串表示服务器本地时区
func NewSystem(timezone string) (*System, error) {
	loc, err := LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &System{Location: loc}, nil
}

func (c *System) Today() time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	return Normalize(time.Now().In(loc))
}

// Fixed 固定日期的时钟，测试用
type Fixed struct {
	Day time.Time
}

func NewFixed(day time.Time) *Fixed {
	return &Fixed{Day: Normalize(day)}
}

func (c *Fixed) Today() time.Time {
	return c.Day
}

// Set 切换到新的日期
func (c *Fixed) Set(day time.Time) {
	c.Day = Normalize(day)
}

// Normalize 去掉时间部分。保留 t 自身时区下的年月日，结果统一为 UTC 零点，
// 因此同一天不同时刻的两个时间归一化后相等。
func Normalize(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay 解析 YYYY-MM-DD
func ParseDay(s string) (time.Time, error) {
	d, err := time.Parse(DayLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return d, nil
}

func FormatDay(t time.Time) string {
	return Normalize(t).Format(DayLayout)
}

// AddDays 按日历天偏移
func AddDays(day time.Time, n int) time.Time {
	return Normalize(day).AddDate(0, 0, n)
}

func LoadLocation(timezone string) (*time.Location, error) {
	switch timezone {
	case "", "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return loc, nil
}

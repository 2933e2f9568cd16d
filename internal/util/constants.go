package util

const (
	DateFormat = "2006-01-02"
	TimeFormat = "2006-01-02 15:04:05"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// gin 上下文中的键
const (
	ContextUserKey   = "user"
	ContextConfigKey = "config"
)

// Redis 键前缀
const (
	HabitRecentCachePrefix  = "habit:recent:"
	HabitVersionCachePrefix = "habit:version:"
)

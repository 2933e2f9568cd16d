package util

import "errors"

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrEmailRegistered    = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")

	ErrHabitNotFound = errors.New("habit not found")
	ErrInvalidDay    = errors.New("invalid day")
	// ErrLogConflict 并发写入违反 (habit, day) 唯一约束，或者条件写入时记录已被修改
	ErrLogConflict = errors.New("habit log was modified concurrently")
	// ErrStorageUnavailable 存储暂时不可用，可以稍后重试
	ErrStorageUnavailable = errors.New("storage temporarily unavailable")
)

// IsRetryable 调用方可以直接重试的错误
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLogConflict) || errors.Is(err, ErrStorageUnavailable)
}

package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"habit_tracker_backend/internal/util"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
	mysqlServerGoneAway  = 2006
	mysqlLostConnection  = 2013
)

// TranslateError 把驱动错误转换成业务错误：
// 唯一索引冲突 -> util.ErrLogConflict，锁等待/死锁/连接断开 -> util.ErrStorageUnavailable。
// 其余错误（包括 gorm.ErrRecordNotFound 和 context 取消）原样返回。
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, util.ErrLogConflict) || errors.Is(err, util.ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isDuplicate(err) {
		return fmt.Errorf("%w: %v", util.ErrLogConflict, err)
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %v", util.ErrStorageUnavailable, err)
	}
	return err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return true
	}
	return false
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlLockWaitTimeout, mysqlDeadlock, mysqlServerGoneAway, mysqlLostConnection:
			return true
		}
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

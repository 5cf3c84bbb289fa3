package dbdaemon

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// UnknownErrorCode is used for DbError.Code when the driver error isn't
// a *mysql.MySQLError (e.g. a dropped connection), mirroring the
// original's UNKNOWN_ERROR catch-all for "any other failure".
const UnknownErrorCode = 0

// DbError is the error kind surfaced on an operation's promise once
// retries are exhausted, carrying the MySQL error code and message the
// way mysql_daemon.cpp captures "code + message" from the driver
// exception before dumping and propagating.
type DbError struct {
	Code    int
	Message string
}

func (e *DbError) Error() string {
	return fmt.Sprintf("dbdaemon: err_code = %d, err_msg = %s", e.Code, e.Message)
}

// asDbError captures a driver error as a DbError, extracting the
// numeric code from a *mysql.MySQLError when the driver supplies one
// and falling back to UnknownErrorCode for connection failures and
// other non-MySQL errors.
func asDbError(err error) *DbError {
	if err == nil {
		return nil
	}
	var existing *DbError
	if errors.As(err, &existing) {
		return existing
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return &DbError{Code: int(me.Number), Message: me.Message}
	}
	return &DbError{Code: UnknownErrorCode, Message: err.Error()}
}

// Package dberr defines the error value shape shared by every dbq component.
// An Error is inert data: it is safe to store, log, or return across the
// host boundary, and is never used for non-local control transfer.
package dberr

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Error describes a failure from either the database driver or the
// coordination layer itself. Code and SQLState are populated only for
// driver/database errors; both being zero-valued means the error
// originated in the coordination layer.
type Error struct {
	Message  string
	Code     int64
	SQLState string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("(%d) %s", e.Code, e.Message)
	}
	return e.Message
}

// Database reports whether the error was surfaced by the database driver,
// as opposed to being detected locally by the coordination layer.
func (e *Error) Database() bool {
	return e.Code != 0 || e.SQLState != ""
}

// New returns a coordination-layer error with the given message.
func New(msg string) *Error {
	return &Error{Message: msg}
}

// Newf returns a coordination-layer error with a formatted message.
func Newf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// FromDriver converts a driver error into an *Error, extracting the vendor
// code and SQLSTATE when the driver exposes them. MySQL errors carry both;
// Postgres errors carry only a SQLSTATE. Anything else passes through with
// its message intact. A nil err returns nil.
func FromDriver(err error) *Error {
	if err == nil {
		return nil
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		e := &Error{
			Message: myErr.Message,
			Code:    int64(myErr.Number),
		}
		if myErr.SQLState != [5]byte{} {
			e.SQLState = string(myErr.SQLState[:])
		}
		return e
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{
			Message:  pgErr.Message,
			SQLState: pgErr.Code,
		}
	}

	return &Error{Message: err.Error()}
}

package kv

import "errors"

var (
	// ErrInvalidConfig is returned when a Config is rejected before
	// the environment is created.
	ErrInvalidConfig = errors.New("invalid environment config")
	// ErrEnvironmentBusy is returned by Close while transactions are
	// still open.
	ErrEnvironmentBusy = errors.New("environment has open transactions")
	// ErrEnvironmentClosed is returned by operations on a closed
	// environment.
	ErrEnvironmentClosed = errors.New("environment closed")
	// ErrIncompatibleFormat is returned when the data file was
	// written by a newer format than this code understands.
	ErrIncompatibleFormat = errors.New("incompatible data format")

	ErrTableNotFound = errors.New("table not found")
	ErrTooManyTables = errors.New("too many tables")
	ErrInvalidTable  = errors.New("invalid table name")

	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("key not found")
	// ErrValueType is returned when a stored value is well formed
	// but not of the type the caller asked for.  In this store that
	// means corruption or a mixed-type table.
	ErrValueType = errors.New("unexpected value type")
	// ErrCorruptValue is returned when stored bytes do not decode.
	ErrCorruptValue = errors.New("corrupt value")

	// ErrMapFull is returned by Commit when the transaction's pages
	// might not fit under Config.MapSize.  The transaction is rolled
	// back.
	ErrMapFull = errors.New("map full")

	// ErrTxnClosed is returned by operations on a committed or
	// released transaction.
	ErrTxnClosed = errors.New("transaction closed")
)

// IsFatal reports whether err indicates the store itself is unusable
// or untrustworthy, as opposed to an ordinary lookup miss.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}
